package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/spotter/messenger/internal/domain"
	"github.com/spotter/messenger/internal/events"
	"github.com/spotter/messenger/internal/middleware"
)

// Hub routes socket events between connected users. All connection bookkeeping
// happens on the Run goroutine; connections talk to it over channels.
type Hub struct {
	store  *Store
	logger *slog.Logger

	join     chan *client
	part     chan *client
	incoming chan inbound
	done     chan struct{}

	typingLimit rate.Limit
	typingBurst int

	// Owned by Run.
	clients  map[string][]*client
	pending  map[*client]struct{}
	limiters map[string]*rate.Limiter
}

// NewHub creates a hub that records messages in store. Typing signals are limited
// per sender and recipient to limit events per second with the given burst.
func NewHub(store *Store, limit rate.Limit, burst int) *Hub {
	return &Hub{
		store:       store,
		logger:      slog.Default().With("service", "relay.hub"),
		join:        make(chan *client),
		part:        make(chan *client),
		incoming:    make(chan inbound, 256),
		done:        make(chan struct{}),
		typingLimit: limit,
		typingBurst: burst,
		clients:     make(map[string][]*client),
		pending:     make(map[*client]struct{}),
		limiters:    make(map[string]*rate.Limiter),
	}
}

// Run processes connections and events until ctx is cancelled. It then closes every
// connection's send queue, which ends their write pumps.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Relay hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for c := range h.pending {
				close(c.send)
			}
			for _, cs := range h.clients {
				for _, c := range cs {
					close(c.send)
				}
			}
			h.logger.Info("Relay hub stopped")
			return

		case c := <-h.join:
			h.pending[c] = struct{}{}

		case c := <-h.part:
			h.remove(c)
			close(c.send)

		case in := <-h.incoming:
			h.route(in)
		}
	}
}

// Handler upgrades the request to a websocket and attaches it to the hub. It must
// run behind middleware.Identity. The connection is anonymous until it sends a
// register matching its bearer identity.
func (h *Hub) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			h.logger.Error("Failed to upgrade connection to WebSocket", "error", err)
			return err
		}

		cl := &client{
			conn:     conn,
			send:     make(chan []byte, sendBuffer),
			hub:      h,
			identity: middleware.UserID(c),
		}
		select {
		case h.join <- cl:
		case <-h.done:
			conn.Close(websocket.StatusGoingAway, "relay shutting down")
			return echo.NewHTTPError(http.StatusServiceUnavailable, "relay shutting down")
		}

		go cl.writePump()
		cl.readPump(c.Request().Context())
		return nil
	}
}

func (h *Hub) enqueue(in inbound) bool {
	select {
	case h.incoming <- in:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *client) {
	select {
	case h.part <- c:
	case <-h.done:
	}
}

// remove detaches c from its user. The last connection of a user going away
// broadcasts that the user is offline.
func (h *Hub) remove(c *client) {
	if c.userID == "" {
		delete(h.pending, c)
		return
	}
	id := c.userID
	cs := h.clients[id]
	for i, other := range cs {
		if other == c {
			cs = append(cs[:i], cs[i+1:]...)
			break
		}
	}
	if len(cs) > 0 {
		h.clients[id] = cs
		return
	}
	delete(h.clients, id)
	h.logger.Info("User offline", "user_id", id)
	h.broadcast(id, events.UserStatus, events.Status{UserID: id, Online: false})
}

func (h *Hub) route(in inbound) {
	var env events.Envelope
	if err := json.Unmarshal(in.data, &env); err != nil {
		h.logger.Warn("Dropping malformed frame", "error", err)
		return
	}

	if env.Event == events.Register {
		h.register(in.client, env.Data)
		return
	}
	if in.client.userID == "" {
		h.logger.Warn("Dropping event from unregistered connection", "event", env.Event)
		return
	}

	switch env.Event {
	case events.SendMessage:
		h.sendMessage(in.client, env.Data)
	case events.Typing, events.StopTyping:
		h.typing(in.client, env.Event, env.Data)
	case events.ReadMessages:
		h.readMessages(in.client, env.Data)
	default:
		h.logger.Debug("Ignoring unknown event", "event", env.Event, "user_id", in.client.userID)
	}
}

func (h *Hub) register(c *client, data json.RawMessage) {
	var id string
	if err := json.Unmarshal(data, &id); err != nil || id == "" {
		h.logger.Warn("Dropping register without a user id", "error", err)
		return
	}
	if id != c.identity {
		h.logger.Warn("Rejecting register for another user", "identity", c.identity, "user_id", id)
		return
	}

	if c.userID != id {
		if c.userID != "" {
			h.remove(c)
		}
		delete(h.pending, c)
		c.userID = id
		first := len(h.clients[id]) == 0
		h.clients[id] = append(h.clients[id], c)
		h.store.AddUser(domain.Friend{ID: id})
		if first {
			h.logger.Info("User online", "user_id", id)
			h.broadcast(id, events.UserStatus, events.Status{UserID: id, Online: true})
		}
	}

	online := make([]string, 0, len(h.clients))
	for uid := range h.clients {
		if uid != id {
			online = append(online, uid)
		}
	}
	sort.Strings(online)
	h.sendTo(c, events.OnlineUsers, online)
}

func (h *Hub) sendMessage(c *client, data json.RawMessage) {
	var out events.Outgoing
	if err := json.Unmarshal(data, &out); err != nil {
		h.logger.Warn("Dropping malformed send_message", "user_id", c.userID, "error", err)
		return
	}
	if err := domain.Validate(out); err != nil {
		h.logger.Warn("Dropping invalid send_message", "user_id", c.userID, "error", err)
		return
	}

	m := h.store.Append(c.userID, out)
	h.deliver(m.ReceiverID, events.ReceiveMessage, m)
	if m.ReceiverID != m.SenderID {
		h.deliver(m.SenderID, events.ReceiveMessage, m)
	}
}

func (h *Hub) typing(c *client, event string, data json.RawMessage) {
	var p events.TypingTo
	if err := json.Unmarshal(data, &p); err != nil || p.To == "" {
		h.logger.Warn("Dropping malformed typing signal", "event", event, "user_id", c.userID)
		return
	}
	if event == events.Typing && !h.limiter(c.userID, p.To).Allow() {
		return
	}
	h.deliver(p.To, event, events.TypingFrom{From: c.userID})
}

func (h *Hub) limiter(from, to string) *rate.Limiter {
	key := from + "\x00" + to
	l, ok := h.limiters[key]
	if !ok {
		l = rate.NewLimiter(h.typingLimit, h.typingBurst)
		h.limiters[key] = l
	}
	return l
}

func (h *Hub) readMessages(c *client, data json.RawMessage) {
	var req events.ReadRequest
	if err := json.Unmarshal(data, &req); err != nil || req.From == "" {
		h.logger.Warn("Dropping malformed read_messages", "user_id", c.userID)
		return
	}
	n := h.store.MarkRead(req.From, c.userID)
	h.logger.Debug("Messages marked read", "reader", c.userID, "sender", req.From, "count", n)
	h.deliver(req.From, events.MessagesRead, events.ReadReceipt{By: c.userID})
}

// deliver sends an event to every connection of userID.
func (h *Hub) deliver(userID, event string, payload any) {
	cs := h.clients[userID]
	if len(cs) == 0 {
		return
	}
	data, ok := h.frame(event, payload)
	if !ok {
		return
	}
	for _, c := range cs {
		h.push(c, data)
	}
}

// broadcast sends an event to every registered connection except those of skip.
func (h *Hub) broadcast(skip, event string, payload any) {
	data, ok := h.frame(event, payload)
	if !ok {
		return
	}
	for uid, cs := range h.clients {
		if uid == skip {
			continue
		}
		for _, c := range cs {
			h.push(c, data)
		}
	}
}

func (h *Hub) sendTo(c *client, event string, payload any) {
	if data, ok := h.frame(event, payload); ok {
		h.push(c, data)
	}
}

func (h *Hub) push(c *client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.logger.Warn("Client send channel full, dropping event", "user_id", c.userID)
	}
}

func (h *Hub) frame(event string, payload any) ([]byte, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("Failed to encode event", "event", event, "error", err)
		return nil, false
	}
	data, err := json.Marshal(events.Envelope{Event: event, Data: raw})
	if err != nil {
		h.logger.Error("Failed to encode frame", "event", event, "error", err)
		return nil, false
	}
	return data, true
}
