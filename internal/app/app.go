// Package app wires the messaging subsystem together for a signed-in user.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/samber/do/v2"

	"github.com/spotter/messenger/internal/api"
	"github.com/spotter/messenger/internal/config"
	"github.com/spotter/messenger/internal/domain"
	"github.com/spotter/messenger/internal/messaging"
	"github.com/spotter/messenger/internal/presence"
	"github.com/spotter/messenger/internal/pubsub"
	"github.com/spotter/messenger/internal/transport"
)

// ErrNoUser is returned when the configuration does not name the signed-in user.
var ErrNoUser = errors.New("no user id configured (set SPOTTER_USER_ID)")

// App owns the long-lived pieces of one client: the change feed, the socket, the API
// client, the presence registry and the messaging session.
type App struct {
	Config    *config.Config
	Bus       pubsub.PubSub
	Transport transport.Handle
	API       *api.Client
	Presence  *presence.Registry
	Session   *messaging.Session

	injector *do.RootScope
	logger   *slog.Logger
}

// New builds the application for cfg. Nothing connects until Start is called.
// Overrides run after the default registrations and may replace any service with
// do.Override.
func New(cfg *config.Config, overrides ...func(do.Injector)) (*App, error) {
	if cfg.UserID == "" {
		return nil, ErrNoUser
	}

	injector := do.New(append([]func(do.Injector){Package(cfg)}, overrides...)...)

	a := &App{
		Config:   cfg,
		injector: injector,
		logger:   slog.Default().With("service", "app", "user_id", cfg.UserID),
	}

	var err error
	if a.Bus, err = do.Invoke[pubsub.PubSub](injector); err != nil {
		return nil, a.fail("change feed", err)
	}
	if a.Transport, err = do.Invoke[transport.Handle](injector); err != nil {
		return nil, a.fail("transport", err)
	}
	if a.API, err = do.Invoke[*api.Client](injector); err != nil {
		return nil, a.fail("api client", err)
	}
	if a.Presence, err = do.Invoke[*presence.Registry](injector); err != nil {
		return nil, a.fail("presence registry", err)
	}
	if a.Session, err = do.Invoke[*messaging.Session](injector); err != nil {
		return nil, a.fail("messaging session", err)
	}
	return a, nil
}

func (a *App) fail(what string, err error) error {
	a.injector.Shutdown()
	return fmt.Errorf("build %s: %w", what, err)
}

// Start connects the socket and registers the user.
func (a *App) Start(ctx context.Context) error {
	if err := a.Transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := a.Transport.Register(a.Config.UserID); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	a.logger.Info("Messenger started", "socket_url", a.Config.SocketURL)
	return nil
}

// Friends fetches the user's conversation partners.
func (a *App) Friends(ctx context.Context) ([]domain.Friend, error) {
	return a.API.ConversationPartners(ctx)
}

// Close removes the session's and registry's listeners, then shuts down the socket,
// the change feed and tracing.
func (a *App) Close() error {
	a.Session.Close()
	a.Presence.Close()
	report := a.injector.Shutdown()
	if report != nil && !report.Succeed {
		return report
	}
	return nil
}
