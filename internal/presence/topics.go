package presence

import "github.com/spotter/messenger/internal/pubsub"

// StatusChange is published on TopicStatusChanged whenever an entry actually changes.
type StatusChange struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// ConnectionChange is published on TopicConnectionChanged when the transport goes up
// or down. Entries are cleared whenever Connected is false.
type ConnectionChange struct {
	Connected bool   `json:"connected"`
	State     string `json:"state"`
}

var (
	// TopicStatusChanged carries single-user presence changes.
	TopicStatusChanged = pubsub.NewEvent[StatusChange](
		"presence.status.changed",
		"Published when a user's online status changes",
	)

	// TopicConnectionChanged carries the local connection state.
	TopicConnectionChanged = pubsub.NewEvent[ConnectionChange](
		"presence.connection.changed",
		"Published when the messaging connection goes up or down",
	)
)
