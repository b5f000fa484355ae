// Package transport provides the single long-lived socket connection the messenger
// uses to exchange events with the messaging server.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// State is the lifecycle state of a connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("transport closed")

// Handler receives the raw data of an inbound event.
type Handler func(data json.RawMessage)

// StateHandler is notified of connection state changes.
type StateHandler func(State)

// ListenerID identifies a registered handler so it can be removed again.
type ListenerID uint64

// Handle is the bidirectional event connection shared by every messenger component.
// Handlers registered with On run one at a time, in the order the server sent the
// events. Consumers must Off their handlers when they are torn down.
type Handle interface {
	Connect(ctx context.Context) error
	Register(userID string) error
	Emit(event string, payload any) error
	On(event string, h Handler) ListenerID
	Off(event string, id ListenerID)
	OnState(h StateHandler) ListenerID
	OffState(id ListenerID)
	State() State
	Close() error
}
