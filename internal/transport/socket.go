package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	"github.com/spotter/messenger/internal/domain"
	"github.com/spotter/messenger/internal/events"
)

// Reconnect defaults.
const (
	DefaultReconnectAttempts = 8
	DefaultInitialBackoff    = 500 * time.Millisecond
	DefaultMaxBackoff        = 10 * time.Second
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 1 << 20
)

// Option is a function that configures a Socket.
type Option func(*Socket)

// WithReconnect sets how many times a dropped connection is redialed and the bounds of
// the exponential backoff between attempts. Zero attempts disables reconnection.
func WithReconnect(attempts int, initial, max time.Duration) Option {
	return func(s *Socket) {
		s.reconnectAttempts = attempts
		s.initialBackoff = initial
		s.maxBackoff = max
	}
}

// WithHeader adds HTTP headers (e.g. Authorization) to the websocket handshake.
func WithHeader(h http.Header) Option {
	return func(s *Socket) {
		s.header = h.Clone()
	}
}

// WithLogger overrides the socket's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Socket) {
		s.logger = l
	}
}

// Socket is the websocket implementation of Handle.
type Socket struct {
	url    string
	header http.Header
	logger *slog.Logger

	reconnectAttempts int
	initialBackoff    time.Duration
	maxBackoff        time.Duration

	listeners *listenerSet

	mu     sync.Mutex
	conn   *websocket.Conn
	state  State
	userID string
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Handle = (*Socket)(nil)

// NewSocket creates a Socket for the given ws:// or wss:// URL. No connection is made
// until Connect is called.
func NewSocket(url string, opts ...Option) *Socket {
	s := &Socket{
		url:               url,
		logger:            slog.Default().With("service", "transport"),
		reconnectAttempts: DefaultReconnectAttempts,
		initialBackoff:    DefaultInitialBackoff,
		maxBackoff:        DefaultMaxBackoff,
		listeners:         newListenerSet(),
		state:             StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials the server and starts receiving events. It is a no-op while a
// connection is open or being established.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()
	s.listeners.notifyState(StateConnecting)

	conn, err := s.dial(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client closing")
		return ErrClosed
	}
	s.conn = conn
	s.cancel = cancel
	s.done = done
	userID := s.userID
	s.mu.Unlock()

	s.setState(StateConnected)
	s.logger.Info("Connected to messaging server", "url", s.url)
	if userID != "" {
		s.sendRegister(userID)
	}

	go s.run(runCtx, conn, done)
	return nil
}

func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{HTTPHeader: s.header})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.url, err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// run reads frames until the connection drops, then tries to reconnect.
func (s *Socket) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		err := s.readFrames(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("Connection to messaging server lost", "error", err)

		conn = s.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

func (s *Socket) readFrames(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("Dropping malformed frame", "error", err)
			continue
		}
		if n := s.listeners.dispatch(env.Event, env.Data); n == 0 {
			s.logger.Debug("No listeners for event", "event", env.Event)
		}
	}
}

// reconnect redials with exponential backoff. It returns nil when the attempts are
// exhausted or the socket was closed meanwhile.
func (s *Socket) reconnect(ctx context.Context) *websocket.Conn {
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()

	if s.reconnectAttempts <= 0 {
		s.setState(StateDisconnected)
		return nil
	}
	s.setState(StateReconnecting)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.initialBackoff
	exp.MaxInterval = s.maxBackoff
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(s.reconnectAttempts-1)), ctx)

	var conn *websocket.Conn
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		c, err := s.dial(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, policy, func(err error, wait time.Duration) {
		s.logger.Info("Reconnect attempt failed", "attempt", attempt, "retry_in", wait, "error", err)
	})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("Giving up on messaging server", "attempts", attempt, "error", err)
			s.setState(StateDisconnected)
		}
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client closing")
		return nil
	}
	s.conn = conn
	userID := s.userID
	s.mu.Unlock()

	s.setState(StateConnected)
	s.logger.Info("Reconnected to messaging server", "attempts", attempt)
	if userID != "" {
		s.sendRegister(userID)
	}
	return conn
}

// Register tells the server which user this connection belongs to. The identity is
// kept and re-sent on every (re)connect, so it may be called before Connect.
func (s *Socket) Register(userID string) error {
	s.mu.Lock()
	s.userID = userID
	connected := s.conn != nil
	s.mu.Unlock()

	if !connected {
		return nil
	}
	return s.Emit(events.Register, userID)
}

func (s *Socket) sendRegister(userID string) {
	if err := s.Emit(events.Register, userID); err != nil {
		s.logger.Warn("Failed to register identity", "user_id", userID, "error", err)
	}
}

// Emit sends one event. Delivery is best effort; there is no acknowledgment.
func (s *Socket) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	frame, err := json.Marshal(events.Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", event, err)
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return domain.ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

// On registers h for event and returns an id for Off.
func (s *Socket) On(event string, h Handler) ListenerID {
	return s.listeners.add(event, h)
}

// Off removes a handler registered with On.
func (s *Socket) Off(event string, id ListenerID) {
	s.listeners.remove(event, id)
}

// OnState registers h for connection state changes.
func (s *Socket) OnState(h StateHandler) ListenerID {
	return s.listeners.addState(h)
}

// OffState removes a handler registered with OnState.
func (s *Socket) OffState(id ListenerID) {
	s.listeners.removeState(id)
}

// ListenerCount reports how many handlers are registered for event.
func (s *Socket) ListenerCount(event string) int {
	return s.listeners.count(event)
}

// State returns the current connection state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Socket) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	s.logger.Debug("Connection state changed", "state", st)
	s.listeners.notifyState(st)
}

// Close shuts the connection down and stops any reconnection in progress.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn, cancel, done := s.conn, s.cancel, s.done
	s.conn = nil
	s.mu.Unlock()

	// Cancelling the run context unblocks the reader and any backoff wait.
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client closing"); err != nil {
			s.logger.Debug("Close handshake incomplete", "error", err)
		}
	}
	s.setState(StateDisconnected)
	return nil
}
