// Package events defines the socket event names and payload shapes shared by the
// messaging client and the development relay.
package events

import (
	"encoding/json"

	"github.com/spotter/messenger/internal/domain"
)

// Outbound event names (client -> server).
const (
	Register     = "register"
	SendMessage  = "send_message"
	ReadMessages = "read_messages"
)

// Inbound event names (server -> client).
const (
	ReceiveMessage = "receive_message"
	MessagesRead   = "messages_read"
	UserStatus     = "user_status"
	OnlineUsers    = "online_users"
)

// Typing and StopTyping are used in both directions.
const (
	Typing     = "typing"
	StopTyping = "stop_typing"
)

// Envelope is the frame written on the socket for every event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outgoing is a send_message request.
type Outgoing struct {
	To              string             `json:"to" validate:"required"`
	Content         string             `json:"content" validate:"required_if=Type text"`
	Type            domain.MessageType `json:"type" validate:"required,oneof=text image file spotify_embed"`
	FileURL         string             `json:"fileUrl,omitempty" validate:"required_if=Type image,required_if=Type file"`
	SpotifyEmbedURL string             `json:"spotifyEmbedUrl,omitempty" validate:"required_if=Type spotify_embed"`
	EmbedType       string             `json:"embedType,omitempty"`
	EmbedID         string             `json:"embedId,omitempty"`
	EmbedName       string             `json:"embedName,omitempty"`
	EmbedImage      string             `json:"embedImage,omitempty"`
}

// TypingTo is the outbound typing/stop_typing payload.
type TypingTo struct {
	To string `json:"to"`
}

// TypingFrom is the inbound typing/stop_typing payload.
type TypingFrom struct {
	From string `json:"from"`
}

// ReadRequest asks the server to mark everything From sent us as read.
type ReadRequest struct {
	From string `json:"from"`
}

// ReadReceipt tells the client that By has read the messages addressed to them.
type ReadReceipt struct {
	By string `json:"by"`
}

// Status is a presence change pushed by the server.
type Status struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}
