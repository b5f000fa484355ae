package messaging

import (
	"github.com/spotter/messenger/internal/domain"
	"github.com/spotter/messenger/internal/pubsub"
)

// ConversationView is the visible state of the active conversation. Version increases
// with every change so subscribers can drop snapshots that arrive out of order.
type ConversationView struct {
	Version  uint64           `json:"version"`
	Friend   *domain.Friend   `json:"friend,omitempty"`
	Messages []domain.Message `json:"messages"`
	Typing   bool             `json:"typing"`
	Loading  bool             `json:"loading"`
}

// TopicConversation carries a full ConversationView after each change.
var TopicConversation = pubsub.NewEvent[ConversationView](
	"messaging.conversation.changed",
	"Published whenever the visible conversation changes",
)
