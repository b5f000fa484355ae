// Package render formats messenger state for the terminal.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/spotter/messenger/internal/domain"
)

var titleCaser = cases.Title(language.English)

// FriendRow is a friend plus their presence, for display.
type FriendRow struct {
	domain.Friend
	Online bool `json:"online"`
}

// FriendsTable writes friends as an aligned table.
func FriendsTable(w io.Writer, rows []FriendRow) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "USERNAME\tID\tSTATUS")
	fmt.Fprintln(tw, "--------\t--\t------")
	if len(rows) == 0 {
		fmt.Fprintln(tw, "No conversations yet")
	}
	for _, r := range rows {
		status := "offline"
		if r.Online {
			status = "online"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", truncate(r.Username, 24), r.ID, status)
	}
	return tw.Flush()
}

// FriendsJSON writes friends as indented JSON.
func FriendsJSON(w io.Writer, rows []FriendRow) error {
	output := struct {
		Friends []FriendRow `json:"friends"`
		Count   int         `json:"count"`
	}{Friends: rows, Count: len(rows)}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

// Message renders one chat line. Messages sent by self are labelled "you".
func Message(m domain.Message, self string, friend domain.Friend) string {
	who := friend.Username
	if who == "" {
		who = m.SenderID
	}
	if m.SenderID == self {
		who = "you"
	}

	var body string
	switch m.Type {
	case domain.MessageSpotifyEmbed:
		body = EmbedLabel(m.EmbedType, m.EmbedName, m.SpotifyEmbedURL)
	case domain.MessageImage:
		body = "[Image] " + m.FileURL
	case domain.MessageFile:
		body = "[File] " + m.FileURL
	default:
		body = m.Content
	}

	line := fmt.Sprintf("%s %s: %s", m.CreatedAt.Local().Format(time.Kitchen), who, body)
	if m.SenderID == self && m.Read {
		line += "  ✓✓"
	}
	return line
}

// EmbedLabel describes an embed, e.g. "[Track] Song Name (https://...)".
func EmbedLabel(kind, name, url string) string {
	label := "[" + titleCaser.String(kind) + "]"
	if name != "" {
		label += " " + name
	}
	return label + " (" + url + ")"
}

// Upload describes a pending attachment, e.g. "cover.jpg (12 kB)".
func Upload(name string, size int64) string {
	if size < 0 {
		return name
	}
	return fmt.Sprintf("%s (%s)", name, humanize.Bytes(uint64(size)))
}

// Typing is the indicator line for a typing friend.
func Typing(friend domain.Friend) string {
	return friend.Username + " is typing..."
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return strings.TrimSpace(s[:maxLen-3]) + "..."
}
