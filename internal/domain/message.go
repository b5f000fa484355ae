package domain

import (
	"fmt"
	"strings"
	"time"
)

// MessageType tags the content carried by a Message.
type MessageType string

const (
	MessageText         MessageType = "text"
	MessageImage        MessageType = "image"
	MessageFile         MessageType = "file"
	MessageSpotifyEmbed MessageType = "spotify_embed"
)

// Message is a single direct message between two users. Everything except Read is
// fixed once the server has assigned an ID.
type Message struct {
	ID              string      `json:"id"`
	SenderID        string      `json:"senderId"`
	ReceiverID      string      `json:"receiverId"`
	Content         string      `json:"content"`
	Type            MessageType `json:"type"`
	FileURL         string      `json:"fileUrl,omitempty"`
	SpotifyEmbedURL string      `json:"spotifyEmbedUrl,omitempty"`
	EmbedType       string      `json:"embedType,omitempty"`
	EmbedID         string      `json:"embedId,omitempty"`
	EmbedName       string      `json:"embedName,omitempty"`
	EmbedImage      string      `json:"embedImage,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	Read            bool        `json:"read"`
}

// Involves reports whether userID is either party of the message.
func (m Message) Involves(userID string) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}

// Friend is a conversation partner as returned by the backend.
type Friend struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	ProfileImage string `json:"profileImage,omitempty"`
}

// EmbedKinds lists the Spotify entity kinds that can be embedded in a message.
var EmbedKinds = []string{"track", "album", "playlist", "artist", "episode", "show"}

const spotifyEmbedBase = "https://open.spotify.com/embed"

// Embed references externally hosted Spotify media.
type Embed struct {
	Type  string `json:"embedType" validate:"required,oneof=track album playlist artist episode show"`
	ID    string `json:"embedId" validate:"required,alphanum"`
	Name  string `json:"embedName,omitempty"`
	Image string `json:"embedImage,omitempty" validate:"omitempty,url"`
}

// URL returns the embeddable player URL for the referenced media.
func (e Embed) URL() string {
	return fmt.Sprintf("%s/%s/%s", spotifyEmbedBase, e.Type, e.ID)
}

// ParseEmbed accepts an open.spotify.com link or a spotify:<type>:<id> URI.
func ParseEmbed(ref string) (Embed, error) {
	ref = strings.TrimSpace(ref)
	var parts []string
	switch {
	case strings.HasPrefix(ref, "spotify:"):
		parts = strings.Split(strings.TrimPrefix(ref, "spotify:"), ":")
	case strings.Contains(ref, "open.spotify.com/"):
		path := ref[strings.Index(ref, "open.spotify.com/")+len("open.spotify.com/"):]
		if i := strings.IndexAny(path, "?#"); i >= 0 {
			path = path[:i]
		}
		path = strings.TrimPrefix(path, "embed/")
		parts = strings.Split(strings.Trim(path, "/"), "/")
	default:
		return Embed{}, fmt.Errorf("%w: unrecognised spotify reference %q", ErrInvalidPayload, ref)
	}
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Embed{}, fmt.Errorf("%w: unrecognised spotify reference %q", ErrInvalidPayload, ref)
	}
	e := Embed{Type: parts[0], ID: parts[1]}
	if err := Validate(e); err != nil {
		return Embed{}, err
	}
	return e, nil
}
