package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/spotter/messenger/cmd/spotter/internal/render"
	"github.com/spotter/messenger/internal/app"
	"github.com/spotter/messenger/internal/domain"
	"github.com/spotter/messenger/internal/events"
	"github.com/spotter/messenger/internal/messaging"
	"github.com/spotter/messenger/internal/presence"
	"github.com/spotter/messenger/internal/pubsub"
)

var chatCmd = &cobra.Command{
	Use:   "chat <friend-id>",
	Short: "Open a conversation with a friend",
	Long: `Open a conversation and read lines from stdin.

Plain lines are sent as text. Commands:
  /file <path>       send a file (images are shown inline by other clients)
  /spotify <link>    send a Spotify track, album, playlist, artist, episode or show
  /quit              leave`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.Start(startCtx); err != nil {
		return err
	}

	friend := domain.Friend{ID: args[0], Username: args[0]}
	if friends, err := a.Friends(ctx); err == nil {
		for _, f := range friends {
			if f.ID == friend.ID {
				friend = f
			}
		}
	}

	c := newChatView(cmd.OutOrStdout(), cfg.UserID, friend)
	if err := pubsub.Subscribe(ctx, a.Bus, messaging.TopicConversation, c.onConversation); err != nil {
		return err
	}
	if err := pubsub.Subscribe(ctx, a.Bus, presence.TopicStatusChanged, c.onStatus); err != nil {
		return err
	}

	if err := a.Session.Select(ctx, friend); err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}
	if a.Presence.IsOnline(friend.ID) {
		c.printf("%s is online\n", friend.Username)
	}

	return readInput(ctx, a.Session, afero.NewOsFs(), cmd.InOrStdin(), c)
}

// sender is the part of the session the input loop drives.
type sender interface {
	InputChanged(text string)
	Blur()
	Composer() *messaging.Composer
	Send(ctx context.Context) (events.Outgoing, error)
}

type inputKind int

const (
	inputText inputKind = iota
	inputFile
	inputSpotify
	inputQuit
	inputEmpty
)

// parseInput splits a line into a command and its argument.
func parseInput(line string) (inputKind, string) {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return inputEmpty, ""
	case trimmed == "/quit":
		return inputQuit, ""
	case strings.HasPrefix(trimmed, "/file "):
		return inputFile, strings.TrimSpace(strings.TrimPrefix(trimmed, "/file "))
	case strings.HasPrefix(trimmed, "/spotify "):
		return inputSpotify, strings.TrimSpace(strings.TrimPrefix(trimmed, "/spotify "))
	default:
		return inputText, line
	}
}

func readInput(ctx context.Context, s sender, fs afero.Fs, in io.Reader, c *chatView) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.Blur()
			return nil
		case line, ok := <-lines:
			if !ok {
				s.Blur()
				return nil
			}
			if quit := handleLine(ctx, s, fs, line, c); quit {
				s.Blur()
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, s sender, fs afero.Fs, line string, c *chatView) bool {
	kind, arg := parseInput(line)
	switch kind {
	case inputEmpty:
		return false
	case inputQuit:
		return true
	case inputFile:
		a, err := messaging.FileAttachment(fs, arg)
		if err != nil {
			c.printf("! %v\n", err)
			return false
		}
		c.printf("Uploading %s\n", render.Upload(a.Name, a.Size))
		s.Composer().Attach(a)
	case inputSpotify:
		embed, err := domain.ParseEmbed(arg)
		if err != nil {
			c.printf("! %v\n", err)
			return false
		}
		s.Composer().StageEmbed(embed)
	case inputText:
		s.InputChanged(line)
	}

	// Each line is one message: a failed send is dropped so nothing staged leaks
	// into the next line.
	if _, err := s.Send(ctx); err != nil {
		s.Composer().Reset()
		if !errors.Is(err, domain.ErrNothingToSend) {
			c.printf("! not sent: %v\n", err)
		}
	}
	return false
}

// chatView prints conversation changes as they arrive on the change feed.
type chatView struct {
	mu      sync.Mutex
	out     io.Writer
	self    string
	friend  domain.Friend
	version uint64
	printed map[string]bool
	seen    map[string]bool
	typing  bool
}

func newChatView(out io.Writer, self string, friend domain.Friend) *chatView {
	return &chatView{
		out:     out,
		self:    self,
		friend:  friend,
		printed: make(map[string]bool),
		seen:    make(map[string]bool),
	}
}

func (c *chatView) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *chatView) onConversation(_ context.Context, v messaging.ConversationView) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v.Version <= c.version || v.Friend == nil || v.Friend.ID != c.friend.ID {
		return nil
	}
	c.version = v.Version

	for _, m := range v.Messages {
		if !c.printed[m.ID] {
			c.printed[m.ID] = true
			c.seen[m.ID] = m.Read
			fmt.Fprintln(c.out, render.Message(m, c.self, c.friend))
			continue
		}
		if m.SenderID == c.self && m.Read && !c.seen[m.ID] {
			c.seen[m.ID] = true
			fmt.Fprintf(c.out, "  (seen by %s)\n", c.friend.Username)
		}
	}

	if v.Typing && !c.typing {
		fmt.Fprintln(c.out, render.Typing(c.friend))
	}
	c.typing = v.Typing
	return nil
}

func (c *chatView) onStatus(_ context.Context, s presence.StatusChange) error {
	if s.UserID != c.friend.ID {
		return nil
	}
	state := "offline"
	if s.Online {
		state = "online"
	}
	c.printf("%s is %s\n", c.friend.Username, state)
	return nil
}
