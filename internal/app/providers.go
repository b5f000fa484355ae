package app

import (
	"context"
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/samber/do/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/spotter/messenger/internal/api"
	"github.com/spotter/messenger/internal/config"
	"github.com/spotter/messenger/internal/messaging"
	"github.com/spotter/messenger/internal/presence"
	"github.com/spotter/messenger/internal/pubsub"
	"github.com/spotter/messenger/internal/transport"
)

// Package registers every service of the client for cfg.
func Package(cfg *config.Config) func(do.Injector) {
	return do.Package(
		do.Eager(cfg),
		do.Eager[clock.Clock](clock.New()),
		do.Lazy(provideTracing),
		do.Lazy(provideBus),
		do.Lazy(provideTransport),
		do.Lazy(provideAPI),
		do.Lazy(providePresence),
		do.Lazy(provideSession),
	)
}

// tracing is the change feed's tracer plus the exporter flush.
type tracing struct {
	tracer  trace.Tracer
	cleanup func()
}

func (t *tracing) Shutdown() {
	t.cleanup()
}

func provideTracing(i do.Injector) (*tracing, error) {
	cfg := do.MustInvoke[*config.Config](i)
	tracer, cleanup, err := pubsub.SetupOTel(context.Background(), pubsub.TracingConfig{
		Enabled:     cfg.TracingEnabled,
		ServiceName: cfg.TracingServiceName,
		ZipkinURL:   cfg.TracingZipkinURL,
	})
	if err != nil {
		return nil, err
	}
	return &tracing{tracer: tracer, cleanup: cleanup}, nil
}

// bus closes the watermill bridge on shutdown.
type bus struct {
	*pubsub.WatermillBridge
}

func (b bus) Shutdown() error {
	return b.Close()
}

func provideBus(i do.Injector) (pubsub.PubSub, error) {
	t, err := do.Invoke[*tracing](i)
	if err != nil {
		return nil, err
	}
	return bus{pubsub.NewWatermillBridgeWithTracer(t.tracer)}, nil
}

// socket closes the connection on shutdown.
type socket struct {
	*transport.Socket
}

func (s socket) Shutdown() error {
	return s.Close()
}

func provideTransport(i do.Injector) (transport.Handle, error) {
	cfg := do.MustInvoke[*config.Config](i)

	header := http.Header{}
	if tok := token(cfg); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	return socket{transport.NewSocket(cfg.SocketURL,
		transport.WithHeader(header),
		transport.WithReconnect(cfg.ReconnectAttempts, transport.DefaultInitialBackoff, cfg.ReconnectMax),
	)}, nil
}

func provideAPI(i do.Injector) (*api.Client, error) {
	cfg := do.MustInvoke[*config.Config](i)
	return api.NewClient(cfg.APIURL, api.WithToken(token(cfg))), nil
}

func providePresence(i do.Injector) (*presence.Registry, error) {
	t, err := do.Invoke[transport.Handle](i)
	if err != nil {
		return nil, err
	}
	feed, err := do.Invoke[pubsub.PubSub](i)
	if err != nil {
		return nil, err
	}
	return presence.NewRegistry(t, feed), nil
}

func provideSession(i do.Injector) (*messaging.Session, error) {
	cfg := do.MustInvoke[*config.Config](i)
	t, err := do.Invoke[transport.Handle](i)
	if err != nil {
		return nil, err
	}
	feed, err := do.Invoke[pubsub.PubSub](i)
	if err != nil {
		return nil, err
	}
	client, err := do.Invoke[*api.Client](i)
	if err != nil {
		return nil, err
	}

	return messaging.New(messaging.Dependencies{
		UserID:    cfg.UserID,
		Transport: t,
		History:   client,
		Uploader:  client,
		Publisher: feed,
		Clock:     do.MustInvoke[clock.Clock](i),
	},
		messaging.WithStopTypingDelay(cfg.StopTypingDelay),
		messaging.WithTypingTimeout(cfg.TypingTimeout),
	), nil
}

// token is the bearer credential; the development relay accepts the user id.
func token(cfg *config.Config) string {
	if cfg.Token != "" {
		return cfg.Token
	}
	return cfg.UserID
}
