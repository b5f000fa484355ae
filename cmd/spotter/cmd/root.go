package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/spotter/messenger/internal/config"
	"github.com/spotter/messenger/internal/logging"
)

var userFlag string

var rootCmd = &cobra.Command{
	Use:   "spotter",
	Short: "Spotter messenger",
	Long: `Spotter is a terminal client for Spotter direct messages, plus the relay
server it talks to.

Available commands:
  chat       Open a conversation with a friend
  friends    List conversation partners and whether they are online
  relay      Run the messaging relay
  topics     List the client's change-feed topics

Configuration is read from the environment (and .env): SPOTTER_USER_ID,
SPOTTER_SOCKET_URL, SPOTTER_API_URL and friends.

Use "spotter [command] --help" for more information about a specific command.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// The conversation is written to stdout; keep logs out of it.
		slog.SetDefault(logging.NewLogger(os.Stderr, os.Getenv("LOG_FORMAT"), os.Getenv("LOG_LEVEL")))
	},
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&userFlag, "user", "u", "", "signed-in user id (overrides SPOTTER_USER_ID)")
}

// loadConfig reads the environment and applies command line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if userFlag != "" {
		cfg.UserID = userFlag
	}
	return cfg, nil
}
