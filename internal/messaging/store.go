package messaging

import "github.com/spotter/messenger/internal/domain"

// messageStore is the ordered message list of the active conversation. It is not safe
// for concurrent use; Session guards it.
type messageStore struct {
	messages []domain.Message
	// loading is set between reset and the history result arriving. Messages received
	// meanwhile are kept in live so the history does not wipe them out.
	loading bool
	live    []domain.Message
}

// reset discards the current conversation and starts waiting for a history load.
func (s *messageStore) reset() {
	s.messages = nil
	s.live = nil
	s.loading = true
}

// load replaces the contents with history, in the order given. Messages that arrived
// live while the history was in flight and are missing from it are kept at the end.
func (s *messageStore) load(history []domain.Message) {
	seen := make(map[string]struct{}, len(history))
	msgs := make([]domain.Message, 0, len(history)+len(s.live))
	for _, m := range history {
		if m.ID != "" {
			seen[m.ID] = struct{}{}
		}
		msgs = append(msgs, m)
	}
	for _, m := range s.live {
		if _, dup := seen[m.ID]; dup && m.ID != "" {
			continue
		}
		msgs = append(msgs, m)
	}
	s.messages = msgs
	s.live = nil
	s.loading = false
}

// append adds m to the end of the conversation.
func (s *messageStore) append(m domain.Message) {
	s.messages = append(s.messages, m)
	if s.loading {
		s.live = append(s.live, m)
	}
}

// markRead flags every message addressed to userID as read and reports how many
// messages changed. Applying it again changes nothing.
func (s *messageStore) markRead(userID string) int {
	changed := 0
	for i := range s.messages {
		if s.messages[i].ReceiverID == userID && !s.messages[i].Read {
			s.messages[i].Read = true
			changed++
		}
	}
	for i := range s.live {
		if s.live[i].ReceiverID == userID {
			s.live[i].Read = true
		}
	}
	return changed
}

// snapshot returns a copy of the messages in display order.
func (s *messageStore) snapshot() []domain.Message {
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *messageStore) len() int {
	return len(s.messages)
}
