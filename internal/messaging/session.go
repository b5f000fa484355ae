// Package messaging holds the client-side state of direct messaging: which friend is
// selected, the messages of that conversation, typing indicators and the composer.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/spotter/messenger/internal/domain"
	"github.com/spotter/messenger/internal/events"
	"github.com/spotter/messenger/internal/pubsub"
	"github.com/spotter/messenger/internal/transport"
)

// HistoryFetcher loads the stored messages of one conversation.
type HistoryFetcher interface {
	History(ctx context.Context, friendID string) ([]domain.Message, error)
}

// Dependencies holds everything a Session needs.
type Dependencies struct {
	UserID    string
	Transport transport.Handle
	History   HistoryFetcher
	Uploader  Uploader
	Publisher pubsub.Publisher
	Clock     clock.Clock
}

// Option is a function that configures a Session.
type Option func(*Session)

// WithStopTypingDelay sets the quiet period before stop_typing is emitted.
func WithStopTypingDelay(d time.Duration) Option {
	return func(s *Session) {
		s.stopTypingDelay = d
	}
}

// WithTypingTimeout sets how long a remote typing flag survives without a refresh.
func WithTypingTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.typingTimeout = d
	}
}

// Session is the messaging state of one signed-in user. Transport events and user
// actions may arrive on different goroutines; a single mutex serialises them so each
// one is applied against the selection that is current at that moment.
type Session struct {
	userID    string
	transport transport.Handle
	history   HistoryFetcher
	uploader  Uploader
	publisher pubsub.Publisher
	clock     clock.Clock
	logger    *slog.Logger

	stopTypingDelay time.Duration
	typingTimeout   time.Duration

	// signalMu orders local typing signals against conversation switches, so a
	// typing or stop_typing is never sent to a friend after they were switched away
	// from. It is always taken before mu.
	signalMu sync.Mutex

	mu           sync.Mutex
	selected     *domain.Friend
	store        messageStore
	remoteTyping bool
	version      uint64
	loadSeq      uint64
	loadCancel   context.CancelFunc
	closed       bool

	composer    *Composer
	localTyping *debouncer
	remoteTimer *debouncer

	listeners map[string]transport.ListenerID
}

// New creates a session and subscribes it to the transport's conversation events.
func New(deps Dependencies, opts ...Option) *Session {
	s := &Session{
		userID:          deps.UserID,
		transport:       deps.Transport,
		history:         deps.History,
		uploader:        deps.Uploader,
		publisher:       deps.Publisher,
		clock:           deps.Clock,
		logger:          slog.Default().With("service", "messaging", "user_id", deps.UserID),
		stopTypingDelay: DefaultStopTypingDelay,
		typingTimeout:   DefaultTypingTimeout,
		composer:        &Composer{},
		listeners:       make(map[string]transport.ListenerID),
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	for _, opt := range opts {
		opt(s)
	}
	s.localTyping = newDebouncer(s.clock, s.stopTypingDelay)
	s.remoteTimer = newDebouncer(s.clock, s.typingTimeout)

	s.listen(events.ReceiveMessage, s.handleReceive)
	s.listen(events.Typing, s.handleTyping)
	s.listen(events.StopTyping, s.handleStopTyping)
	s.listen(events.MessagesRead, s.handleMessagesRead)
	return s
}

func (s *Session) listen(event string, h transport.Handler) {
	s.listeners[event] = s.transport.On(event, h)
}

// Composer returns the session's composer.
func (s *Session) Composer() *Composer {
	return s.composer
}

// Select makes friend the active conversation. The previous conversation is dropped
// entirely and friend's history is fetched; Select returns once that fetch resolves.
// If another Select happens meanwhile, this fetch's result is discarded. A failed
// fetch leaves the conversation empty and the error is returned.
func (s *Session) Select(ctx context.Context, friend domain.Friend) error {
	if friend.ID == "" {
		return fmt.Errorf("%w: friend id is required", domain.ErrInvalidPayload)
	}

	loadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.signalMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.signalMu.Unlock()
		return transport.ErrClosed
	}
	var previous string
	if s.selected != nil {
		previous = s.selected.ID
	}
	if s.loadCancel != nil {
		s.loadCancel()
	}
	s.loadSeq++
	seq := s.loadSeq
	s.loadCancel = cancel
	f := friend
	s.selected = &f
	s.store.reset()
	s.remoteTyping = false
	s.remoteTimer.Stop()
	wasTyping := s.localTyping.Stop()
	s.composer.Reset()
	view := s.changedLocked()
	s.mu.Unlock()

	if wasTyping && previous != "" {
		s.emit(events.StopTyping, events.TypingTo{To: previous})
	}
	s.signalMu.Unlock()

	s.logger.Info("Conversation selected", "friend_id", friend.ID)
	s.publishView(view)
	s.emit(events.ReadMessages, events.ReadRequest{From: friend.ID})

	history, err := s.fetchHistory(loadCtx, friend.ID)

	s.mu.Lock()
	if seq != s.loadSeq || s.selected == nil || s.selected.ID != friend.ID {
		s.mu.Unlock()
		s.logger.Debug("Discarding stale history", "friend_id", friend.ID)
		return nil
	}
	s.loadCancel = nil
	s.store.load(history)
	view = s.changedLocked()
	s.mu.Unlock()

	s.publishView(view)
	return err
}

func (s *Session) fetchHistory(ctx context.Context, friendID string) ([]domain.Message, error) {
	if s.history == nil {
		return nil, nil
	}
	msgs, err := s.history.History(ctx, friendID)
	if err != nil {
		s.logger.Warn("Failed to load message history", "friend_id", friendID, "error", err)
		return nil, err
	}
	return msgs, nil
}

// Clear returns to the no-conversation state.
func (s *Session) Clear() {
	s.signalMu.Lock()
	defer s.signalMu.Unlock()

	s.mu.Lock()
	if s.selected == nil {
		s.mu.Unlock()
		return
	}
	previous := s.selected.ID
	if s.loadCancel != nil {
		s.loadCancel()
		s.loadCancel = nil
	}
	s.loadSeq++
	s.selected = nil
	s.store = messageStore{}
	s.remoteTyping = false
	s.remoteTimer.Stop()
	wasTyping := s.localTyping.Stop()
	s.composer.Reset()
	view := s.changedLocked()
	s.mu.Unlock()

	if wasTyping {
		s.emit(events.StopTyping, events.TypingTo{To: previous})
	}
	s.publishView(view)
}

// Selected returns the active friend, if any.
func (s *Session) Selected() (domain.Friend, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return domain.Friend{}, false
	}
	return *s.selected, true
}

// Messages returns the active conversation in display order.
func (s *Session) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.snapshot()
}

// RemoteTyping reports whether the selected friend is typing.
func (s *Session) RemoteTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteTyping
}

// View returns the current conversation view.
func (s *Session) View() ConversationView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// InputChanged records a local edit of the composer text: typing is emitted right
// away and stop_typing follows once the input has been quiet for the debounce delay.
func (s *Session) InputChanged(text string) {
	s.composer.SetText(text)

	s.signalMu.Lock()
	defer s.signalMu.Unlock()

	to, ok := s.selectedID()
	if !ok {
		return
	}
	s.emit(events.Typing, events.TypingTo{To: to})
	s.localTyping.Touch(func() {
		s.signalMu.Lock()
		defer s.signalMu.Unlock()
		s.emit(events.StopTyping, events.TypingTo{To: to})
	})
}

// Blur is called when the input loses focus. Any pending stop_typing is cancelled
// and sent immediately instead.
func (s *Session) Blur() {
	s.signalMu.Lock()
	defer s.signalMu.Unlock()

	to, ok := s.selectedID()
	if !ok {
		return
	}
	s.localTyping.Stop()
	s.emit(events.StopTyping, events.TypingTo{To: to})
}

// Send emits the composer's content as one message to the selected friend and clears
// the composer. The message is not added locally; it appears once the server echoes
// it back. On failure the composer keeps its content so the user can retry.
func (s *Session) Send(ctx context.Context) (events.Outgoing, error) {
	to, ok := s.selectedID()
	if !ok {
		return events.Outgoing{}, domain.ErrNoConversation
	}

	draft := s.composer.Draft()
	if draft.Empty() {
		return events.Outgoing{}, domain.ErrNothingToSend
	}

	out, err := buildOutgoing(ctx, to, draft, s.uploader)
	if err != nil {
		s.logger.Warn("Failed to build message", "friend_id", to, "error", err)
		return events.Outgoing{}, err
	}

	if err := s.transport.Emit(events.SendMessage, out); err != nil {
		return events.Outgoing{}, fmt.Errorf("send message: %w", err)
	}

	s.composer.Reset()
	s.signalMu.Lock()
	s.localTyping.Stop()
	s.emit(events.StopTyping, events.TypingTo{To: to})
	s.signalMu.Unlock()
	s.logger.Debug("Message sent", "friend_id", to, "type", out.Type)
	return out, nil
}

// Close removes the session's transport listeners and stops its timers.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.loadCancel != nil {
		s.loadCancel()
	}
	s.mu.Unlock()

	for event, id := range s.listeners {
		s.transport.Off(event, id)
	}
	s.localTyping.Stop()
	s.remoteTimer.Stop()
}

func (s *Session) handleReceive(data json.RawMessage) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("Ignoring malformed message", "error", err)
		return
	}

	s.mu.Lock()
	if !s.belongsLocked(msg) {
		s.mu.Unlock()
		s.logger.Debug("Dropping message for inactive conversation", "sender_id", msg.SenderID, "receiver_id", msg.ReceiverID)
		return
	}
	s.store.append(msg)
	fromFriend := msg.SenderID == s.selected.ID
	friendID := s.selected.ID
	view := s.changedLocked()
	s.mu.Unlock()

	s.publishView(view)
	if fromFriend {
		s.emit(events.ReadMessages, events.ReadRequest{From: friendID})
	}
}

// belongsLocked reports whether msg is part of the selected conversation.
func (s *Session) belongsLocked(msg domain.Message) bool {
	if s.selected == nil {
		return false
	}
	friend := s.selected.ID
	if s.userID == "" {
		return msg.Involves(friend)
	}
	return (msg.SenderID == friend && msg.ReceiverID == s.userID) ||
		(msg.SenderID == s.userID && msg.ReceiverID == friend)
}

func (s *Session) handleTyping(data json.RawMessage) {
	from, ok := decodeFrom(data)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.selected == nil || s.selected.ID != from {
		s.mu.Unlock()
		return
	}
	changed := !s.remoteTyping
	s.remoteTyping = true
	s.remoteTimer.Touch(func() { s.expireRemoteTyping(from) })
	var view ConversationView
	if changed {
		view = s.changedLocked()
	}
	s.mu.Unlock()

	if changed {
		s.publishView(view)
	}
}

func (s *Session) handleStopTyping(data json.RawMessage) {
	from, ok := decodeFrom(data)
	if !ok {
		return
	}
	s.clearRemoteTyping(from, false)
}

func (s *Session) expireRemoteTyping(from string) {
	s.clearRemoteTyping(from, true)
}

func (s *Session) clearRemoteTyping(from string, expired bool) {
	s.mu.Lock()
	if s.selected == nil || s.selected.ID != from || !s.remoteTyping {
		s.mu.Unlock()
		return
	}
	s.remoteTyping = false
	if !expired {
		s.remoteTimer.Stop()
	}
	view := s.changedLocked()
	s.mu.Unlock()

	if expired {
		s.logger.Debug("Remote typing indicator expired", "friend_id", from)
	}
	s.publishView(view)
}

func (s *Session) handleMessagesRead(data json.RawMessage) {
	var receipt events.ReadReceipt
	if err := json.Unmarshal(data, &receipt); err != nil || receipt.By == "" {
		s.logger.Warn("Ignoring malformed read receipt", "error", err)
		return
	}

	s.mu.Lock()
	if s.selected == nil {
		s.mu.Unlock()
		return
	}
	changed := s.store.markRead(receipt.By)
	var view ConversationView
	if changed > 0 {
		view = s.changedLocked()
	}
	s.mu.Unlock()

	if changed > 0 {
		s.publishView(view)
	}
}

func decodeFrom(data json.RawMessage) (string, bool) {
	var p events.TypingFrom
	if err := json.Unmarshal(data, &p); err != nil || p.From == "" {
		return "", false
	}
	return p.From, true
}

func (s *Session) selectedID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return "", false
	}
	return s.selected.ID, true
}

// changedLocked records a change of the visible state and returns the new view.
func (s *Session) changedLocked() ConversationView {
	s.version++
	return s.viewLocked()
}

// viewLocked snapshots the visible state.
func (s *Session) viewLocked() ConversationView {
	v := ConversationView{
		Version:  s.version,
		Messages: s.store.snapshot(),
		Typing:   s.remoteTyping,
		Loading:  s.store.loading,
	}
	if s.selected != nil {
		f := *s.selected
		v.Friend = &f
	}
	return v
}

func (s *Session) publishView(v ConversationView) {
	if s.publisher == nil {
		return
	}
	if err := pubsub.Publish(context.Background(), s.publisher, TopicConversation, s.userID, v); err != nil {
		s.logger.Error("Failed to publish conversation view", "error", err)
	}
}

// emit sends a best-effort signal. Failures are logged, not returned.
func (s *Session) emit(event string, payload any) {
	if err := s.transport.Emit(event, payload); err != nil {
		s.logger.Debug("Emit failed", "event", event, "error", err)
	}
}
