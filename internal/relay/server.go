// Package relay is a development stand-in for the Spotter backend. It speaks the
// socket event contract and serves the three messaging HTTP endpoints, keeping
// everything in memory except uploaded files.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"github.com/spotter/messenger/internal/domain"
	"github.com/spotter/messenger/internal/middleware"
	"github.com/spotter/messenger/internal/storage"
)

const (
	// DefaultMaxUploadSize caps a single attachment.
	DefaultMaxUploadSize = 25 << 20

	// DefaultTypingRate allows a typing signal per sender and recipient every 250ms
	// once the burst is spent.
	DefaultTypingRate  = rate.Limit(4)
	DefaultTypingBurst = 3
)

// Option is a function that configures a Server.
type Option func(*options)

type options struct {
	files       storage.Store
	users       []domain.Friend
	maxUpload   int64
	uploadRate  float64
	typingRate  rate.Limit
	typingBurst int
}

// WithFilesystem stores uploads on fs.
func WithFilesystem(fs afero.Fs) Option {
	return func(o *options) {
		o.files = storage.NewAferoStore(fs)
	}
}

// WithFileStore stores uploads in s.
func WithFileStore(s storage.Store) Option {
	return func(o *options) {
		o.files = s
	}
}

// WithUsers seeds the user directory.
func WithUsers(users ...domain.Friend) Option {
	return func(o *options) {
		o.users = append(o.users, users...)
	}
}

// WithMaxUploadSize overrides DefaultMaxUploadSize.
func WithMaxUploadSize(n int64) Option {
	return func(o *options) {
		o.maxUpload = n
	}
}

// WithUploadRate limits uploads per user per second.
func WithUploadRate(perSecond float64) Option {
	return func(o *options) {
		o.uploadRate = perSecond
	}
}

// WithTypingRate overrides the typing signal limiter.
func WithTypingRate(limit rate.Limit, burst int) Option {
	return func(o *options) {
		o.typingRate = limit
		o.typingBurst = burst
	}
}

// Server bundles the echo instance, the socket hub and the in-memory store.
type Server struct {
	E     *echo.Echo
	Store *Store

	hub    *Hub
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the relay and starts its hub. Call Close to stop it.
func New(opts ...Option) *Server {
	o := options{
		maxUpload:   DefaultMaxUploadSize,
		uploadRate:  middleware.DefaultUploadRate,
		typingRate:  DefaultTypingRate,
		typingBurst: DefaultTypingBurst,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.files == nil {
		o.files = storage.NewAferoStore(afero.NewMemMapFs())
	}

	store := NewStore(o.users...)
	hub := NewHub(store, o.typingRate, o.typingBurst)
	h := NewHandler(store, o.files, o.maxUpload)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewValidator()
	e.Use(echomw.RequestID())
	e.Use(echomw.Recover())

	e.GET("/socket", hub.Handler(), middleware.Identity)
	e.GET("/files/:id", h.Download, middleware.Logger)
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	api := e.Group("/api/messages", middleware.Identity, middleware.Logger)
	api.GET("/conversations", h.Conversations)
	api.POST("/upload", h.Upload, middleware.RateLimiter(o.uploadRate))
	api.GET("/:friendId", h.History)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		E:      e,
		Store:  store,
		hub:    hub,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		hub.Run(ctx)
	}()
	return s
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Relay listening", "addr", addr)
		if err := s.E.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Close()
	return s.E.Shutdown(shutdownCtx)
}

// Close stops the hub, disconnecting every socket.
func (s *Server) Close() {
	s.cancel()
	<-s.done
}
