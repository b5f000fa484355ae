package render

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotter/messenger/internal/domain"
)

func TestFriendsTable(t *testing.T) {
	var buf bytes.Buffer
	err := FriendsTable(&buf, []FriendRow{
		{Friend: domain.Friend{ID: "u1", Username: "alice"}, Online: true},
		{Friend: domain.Friend{ID: "u2", Username: "a very long username that does not fit"}},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "USERNAME")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "online")
	assert.Contains(t, out, "offline")
	assert.Contains(t, out, "...")
}

func TestFriendsTable_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, FriendsTable(&buf, nil))
	assert.Contains(t, buf.String(), "No conversations yet")
}

func TestFriendsJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, FriendsJSON(&buf, []FriendRow{{Friend: domain.Friend{ID: "u1", Username: "alice"}}}))

	var decoded struct {
		Friends []map[string]any `json:"friends"`
		Count   int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, 1, decoded.Count)
	assert.Equal(t, "alice", decoded.Friends[0]["username"])
	assert.Equal(t, false, decoded.Friends[0]["online"])
}

func TestMessage(t *testing.T) {
	friend := domain.Friend{ID: "bob", Username: "Bob"}
	at := time.Date(2024, 5, 1, 15, 4, 0, 0, time.Local)

	tests := []struct {
		name string
		msg  domain.Message
		want []string
	}{
		{
			name: "incoming text",
			msg:  domain.Message{SenderID: "bob", ReceiverID: "me", Type: domain.MessageText, Content: "hey", CreatedAt: at},
			want: []string{"3:04PM", "Bob: hey"},
		},
		{
			name: "own read text",
			msg:  domain.Message{SenderID: "me", ReceiverID: "bob", Type: domain.MessageText, Content: "yo", Read: true, CreatedAt: at},
			want: []string{"you: yo", "✓✓"},
		},
		{
			name: "embed",
			msg: domain.Message{SenderID: "bob", Type: domain.MessageSpotifyEmbed, EmbedType: "album",
				EmbedName: "Discovery", SpotifyEmbedURL: "https://open.spotify.com/embed/album/x", CreatedAt: at},
			want: []string{"[Album] Discovery (https://open.spotify.com/embed/album/x)"},
		},
		{
			name: "image",
			msg:  domain.Message{SenderID: "bob", Type: domain.MessageImage, FileURL: "https://cdn/x.png", CreatedAt: at},
			want: []string{"[Image] https://cdn/x.png"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := Message(tt.msg, "me", friend)
			for _, w := range tt.want {
				assert.Contains(t, line, w)
			}
		})
	}
}

func TestUpload(t *testing.T) {
	assert.Equal(t, "cover.jpg (12 kB)", Upload("cover.jpg", 12000))
	assert.Equal(t, "cover.jpg", Upload("cover.jpg", -1))
}

func TestTyping(t *testing.T) {
	assert.True(t, strings.HasPrefix(Typing(domain.Friend{Username: "Bob"}), "Bob is typing"))
}
