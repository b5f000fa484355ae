package cmd

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/spotter/messenger/internal/domain"
	"github.com/spotter/messenger/internal/logging"
	"github.com/spotter/messenger/internal/relay"
	"github.com/spotter/messenger/internal/storage"
)

var (
	relayAddr      string
	relayUploadDir string
	relayMaxUpload string
	relayUsers     []string
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the messaging relay",
	Long: `Run a relay that routes socket events between clients, stores history and
serves uploaded files.

Examples:
  spotter relay
  spotter relay --addr :9000 --upload-dir /var/lib/spotter
  spotter relay --seed alice:Alice --seed bob:Bob --max-upload 50MB`,
	RunE: runRelay,
}

func init() {
	relayCmd.Flags().StringVar(&relayAddr, "addr", "", "listen address (default from SPOTTER_RELAY_ADDR)")
	relayCmd.Flags().StringVar(&relayUploadDir, "upload-dir", "", "directory for uploaded files (default from SPOTTER_UPLOAD_DIR)")
	relayCmd.Flags().StringVar(&relayMaxUpload, "max-upload", humanize.Bytes(relay.DefaultMaxUploadSize), "largest accepted upload")
	relayCmd.Flags().StringSliceVar(&relayUsers, "seed", nil, "pre-registered user as id[:username]")
	rootCmd.AddCommand(relayCmd)
}

func runRelay(cmd *cobra.Command, args []string) error {
	logging.New()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := firstNonEmpty(relayAddr, cfg.RelayAddr)
	dir := firstNonEmpty(relayUploadDir, cfg.UploadDir)

	maxUpload, err := humanize.ParseBytes(relayMaxUpload)
	if err != nil {
		return fmt.Errorf("invalid --max-upload: %w", err)
	}
	files, err := storage.NewDiskStore(dir)
	if err != nil {
		return err
	}

	srv := relay.New(
		relay.WithFileStore(files),
		relay.WithMaxUploadSize(int64(maxUpload)),
		relay.WithUsers(parseSeeds(relayUsers)...),
	)
	defer srv.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.ListenAndServe(ctx, addr)
}

func parseSeeds(seeds []string) []domain.Friend {
	users := make([]domain.Friend, 0, len(seeds))
	for _, s := range seeds {
		id, name, _ := strings.Cut(s, ":")
		if id == "" {
			continue
		}
		users = append(users, domain.Friend{ID: id, Username: name})
	}
	return users
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
