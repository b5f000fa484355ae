// Package testutils holds test doubles shared by several packages' tests.
package testutils

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/spotter/messenger/internal/domain"
	"github.com/spotter/messenger/internal/events"
	"github.com/spotter/messenger/internal/transport"
)

// Emitted is one event recorded by FakeTransport.
type Emitted struct {
	Event   string
	Payload any
}

// FakeTransport is an in-memory transport.Handle. Inbound events are injected with
// Deliver and run synchronously on the caller's goroutine.
type FakeTransport struct {
	mu        sync.Mutex
	nextID    transport.ListenerID
	handlers  map[string]map[transport.ListenerID]transport.Handler
	order     map[string][]transport.ListenerID
	states    map[transport.ListenerID]transport.StateHandler
	emitted   []Emitted
	state     transport.State
	userID    string
	EmitErr   error
	Connected int
}

var _ transport.Handle = (*FakeTransport)(nil)

// NewFakeTransport returns a fake that starts out connected.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		handlers: make(map[string]map[transport.ListenerID]transport.Handler),
		order:    make(map[string][]transport.ListenerID),
		states:   make(map[transport.ListenerID]transport.StateHandler),
		state:    transport.StateConnected,
	}
}

func (f *FakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.Connected++
	f.mu.Unlock()
	f.SetState(transport.StateConnected)
	return nil
}

func (f *FakeTransport) Register(userID string) error {
	f.mu.Lock()
	f.userID = userID
	f.mu.Unlock()
	return f.Emit(events.Register, userID)
}

func (f *FakeTransport) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EmitErr != nil {
		return f.EmitErr
	}
	if f.state != transport.StateConnected {
		return domain.ErrNotConnected
	}
	f.emitted = append(f.emitted, Emitted{Event: event, Payload: payload})
	return nil
}

func (f *FakeTransport) On(event string, h transport.Handler) transport.ListenerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[transport.ListenerID]transport.Handler)
	}
	f.handlers[event][f.nextID] = h
	f.order[event] = append(f.order[event], f.nextID)
	return f.nextID
}

func (f *FakeTransport) Off(event string, id transport.ListenerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers[event], id)
}

func (f *FakeTransport) OnState(h transport.StateHandler) transport.ListenerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.states[f.nextID] = h
	return f.nextID
}

func (f *FakeTransport) OffState(id transport.ListenerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, id)
}

func (f *FakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *FakeTransport) Close() error {
	f.SetState(transport.StateDisconnected)
	return nil
}

// SetState changes the connection state and notifies state listeners.
func (f *FakeTransport) SetState(st transport.State) {
	f.mu.Lock()
	f.state = st
	hs := make([]transport.StateHandler, 0, len(f.states))
	for _, h := range f.states {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(st)
	}
}

// Deliver simulates the server pushing event with payload.
func (f *FakeTransport) Deliver(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}

	f.mu.Lock()
	var hs []transport.Handler
	for _, id := range f.order[event] {
		if h, ok := f.handlers[event][id]; ok {
			hs = append(hs, h)
		}
	}
	f.mu.Unlock()

	for _, h := range hs {
		h(data)
	}
}

// ListenerCount reports the live handlers for event.
func (f *FakeTransport) ListenerCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[event])
}

// Emitted returns a copy of everything emitted so far.
func (f *FakeTransport) Emitted() []Emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Emitted, len(f.emitted))
	copy(out, f.emitted)
	return out
}

// EmittedEvents returns only the recorded events named event.
func (f *FakeTransport) EmittedEvents(event string) []Emitted {
	var out []Emitted
	for _, e := range f.Emitted() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// Reset forgets the recorded emissions.
func (f *FakeTransport) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = nil
}
