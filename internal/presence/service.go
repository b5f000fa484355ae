package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/spotter/messenger/internal/events"
	"github.com/spotter/messenger/internal/pubsub"
	"github.com/spotter/messenger/internal/transport"
)

// Presence is the last known status of one user.
type Presence struct {
	UserID    string    `json:"userId"`
	Online    bool      `json:"online"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Now returns the current time in UTC
func Now() time.Time {
	return time.Now().UTC()
}

// Registry maps user ids to their online status as pushed by the server. It lives as
// long as the transport it listens to and is cleared whenever that transport drops.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]Presence
	connected bool

	transport transport.Handle
	publisher pubsub.Publisher
	logger    *slog.Logger

	statusID  transport.ListenerID
	onlineID  transport.ListenerID
	stateID   transport.ListenerID
	closeOnce sync.Once
}

// NewRegistry creates a registry and subscribes it to the transport's presence events.
func NewRegistry(t transport.Handle, publisher pubsub.Publisher) *Registry {
	r := &Registry{
		entries:   make(map[string]Presence),
		connected: t.State() == transport.StateConnected,
		transport: t,
		publisher: publisher,
		logger:    slog.Default().With("service", "presence"),
	}

	r.statusID = t.On(events.UserStatus, r.handleStatus)
	r.onlineID = t.On(events.OnlineUsers, r.handleOnlineUsers)
	r.stateID = t.OnState(r.handleState)

	r.logger.Debug("Presence registry initialized")
	return r
}

func (r *Registry) handleStatus(data json.RawMessage) {
	var ev events.Status
	if err := json.Unmarshal(data, &ev); err != nil {
		r.logger.Warn("Ignoring malformed presence event", "error", err)
		return
	}
	if ev.UserID == "" {
		return
	}
	r.Set(ev.UserID, ev.Online)
}

func (r *Registry) handleOnlineUsers(data json.RawMessage) {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		r.logger.Warn("Ignoring malformed online users snapshot", "error", err)
		return
	}
	for _, id := range ids {
		r.Set(id, true)
	}
}

func (r *Registry) handleState(st transport.State) {
	connected := st == transport.StateConnected

	r.mu.Lock()
	changed := r.connected != connected
	r.connected = connected
	cleared := 0
	if !connected {
		cleared = len(r.entries)
		r.entries = make(map[string]Presence)
	}
	r.mu.Unlock()

	if !changed {
		return
	}
	if !connected {
		r.logger.Info("Connection lost, presence cleared", "state", st, "entries_cleared", cleared)
	}
	r.publish(func(ctx context.Context) error {
		return pubsub.Publish(ctx, r.publisher, TopicConnectionChanged, "", ConnectionChange{
			Connected: connected,
			State:     string(st),
		})
	})
}

// Set upserts a user's status. Repeating an identical status is a no-op.
func (r *Registry) Set(userID string, online bool) {
	r.mu.Lock()
	prev, exists := r.entries[userID]
	r.entries[userID] = Presence{UserID: userID, Online: online, UpdatedAt: Now()}
	r.mu.Unlock()

	if exists && prev.Online == online {
		return
	}
	if !exists && !online {
		// Absent already reads as offline.
		return
	}

	r.logger.Debug("Presence changed", "user_id", userID, "online", online)
	r.publish(func(ctx context.Context) error {
		return pubsub.Publish(ctx, r.publisher, TopicStatusChanged, userID, StatusChange{UserID: userID, Online: online})
	})
}

func (r *Registry) publish(fn func(ctx context.Context) error) {
	if r.publisher == nil {
		return
	}
	if err := fn(context.Background()); err != nil {
		r.logger.Error("Failed to publish presence update", "error", err)
	}
}

// IsOnline reports whether userID is online. Unknown users are offline.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[userID].Online
}

// Get returns the entry for userID, if any.
func (r *Registry) Get(userID string) (Presence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.entries[userID]
	return p, ok
}

// Connected reports whether the underlying transport is currently connected.
func (r *Registry) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// OnlineUsers returns the sorted ids of users currently online.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id, p := range r.entries {
		if p.Online {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of every entry.
func (r *Registry) Snapshot() map[string]Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Presence, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}

// Close removes the registry's transport listeners.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.transport.Off(events.UserStatus, r.statusID)
		r.transport.Off(events.OnlineUsers, r.onlineID)
		r.transport.OffState(r.stateID)
	})
}
