package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/spotter/messenger/cmd/spotter/internal/render"
	"github.com/spotter/messenger/internal/app"
)

var (
	friendsFormat string
	friendsWait   time.Duration
)

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "List conversation partners",
	Long: `List everyone the signed-in user has a conversation with.

The command connects to the relay long enough to learn who is online.

Examples:
  spotter friends                 # table output
  spotter friends --format json   # machine-readable output
  spotter friends --wait 2s       # wait longer for presence`,
	RunE: runFriends,
}

func init() {
	friendsCmd.Flags().StringVarP(&friendsFormat, "format", "f", "table", "output format (table, json)")
	friendsCmd.Flags().DurationVar(&friendsWait, "wait", 500*time.Millisecond, "how long to wait for presence after connecting")
	rootCmd.AddCommand(friendsCmd)
}

func runFriends(cmd *cobra.Command, args []string) error {
	if friendsFormat != "table" && friendsFormat != "json" {
		return fmt.Errorf("unknown format %q (use table or json)", friendsFormat)
	}

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

	friends, err := a.Friends(ctx)
	if err != nil {
		return fmt.Errorf("list friends: %w", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.Start(startCtx); err != nil {
		return err
	}
	select {
	case <-time.After(friendsWait):
	case <-ctx.Done():
		return ctx.Err()
	}

	rows := make([]render.FriendRow, 0, len(friends))
	for _, f := range friends {
		rows = append(rows, render.FriendRow{Friend: f, Online: a.Presence.IsOnline(f.ID)})
	}

	if friendsFormat == "json" {
		return render.FriendsJSON(cmd.OutOrStdout(), rows)
	}
	return render.FriendsTable(cmd.OutOrStdout(), rows)
}
