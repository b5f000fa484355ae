package relay

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spotter/messenger/internal/domain"
	"github.com/spotter/messenger/internal/events"
)

// Store is the relay's in-memory backend: the user directory, every message sent
// through the relay and the metadata of uploaded files. Nothing survives a restart.
type Store struct {
	mu       sync.RWMutex
	users    map[string]domain.Friend
	messages []domain.Message
	files    map[string]domain.StoredFile
	now      func() time.Time
}

// NewStore creates an empty store seeded with users.
func NewStore(users ...domain.Friend) *Store {
	s := &Store{
		users: make(map[string]domain.Friend),
		files: make(map[string]domain.StoredFile),
		now:   time.Now,
	}
	for _, u := range users {
		s.AddUser(u)
	}
	return s
}

// AddUser adds u to the directory. An existing entry is only overwritten by one that
// carries a username.
func (s *Store) AddUser(u domain.Friend) {
	if u.ID == "" {
		return
	}
	if u.Username == "" {
		u.Username = u.ID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.users[u.ID]; ok && old.Username != old.ID && u.Username == u.ID {
		return
	}
	s.users[u.ID] = u
}

// HasUser reports whether id is in the directory.
func (s *Store) HasUser(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[id]
	return ok
}

// Partners lists everyone userID can talk to, ordered by username.
func (s *Store) Partners(userID string) []domain.Friend {
	s.mu.RLock()
	out := make([]domain.Friend, 0, len(s.users))
	for id, u := range s.users {
		if id != userID {
			out = append(out, u)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Username == out[j].Username {
			return out[i].ID < out[j].ID
		}
		return out[i].Username < out[j].Username
	})
	return out
}

// Append stores a message from senderID built from the send_message payload and
// returns it with its server-assigned fields.
func (s *Store) Append(senderID string, out events.Outgoing) domain.Message {
	m := domain.Message{
		ID:              uuid.NewString(),
		SenderID:        senderID,
		ReceiverID:      out.To,
		Content:         out.Content,
		Type:            out.Type,
		FileURL:         out.FileURL,
		SpotifyEmbedURL: out.SpotifyEmbedURL,
		EmbedType:       out.EmbedType,
		EmbedID:         out.EmbedID,
		EmbedName:       out.EmbedName,
		EmbedImage:      out.EmbedImage,
		CreatedAt:       s.now().UTC(),
	}
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	return m
}

// Conversation returns the messages exchanged between a and b, oldest first.
func (s *Store) Conversation(a, b string) []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.Message{}
	for _, m := range s.messages {
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			out = append(out, m)
		}
	}
	return out
}

// MarkRead flags every message from sender to reader as read and returns how many
// changed.
func (s *Store) MarkRead(sender, reader string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.messages {
		m := &s.messages[i]
		if m.SenderID == sender && m.ReceiverID == reader && !m.Read {
			m.Read = true
			n++
		}
	}
	return n
}

// SaveFile records upload metadata after validating it.
func (s *Store) SaveFile(f domain.StoredFile) error {
	if err := domain.Validate(f); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[f.ID] = f
	return nil
}

// File returns the metadata of an uploaded file.
func (s *Store) File(id string) (domain.StoredFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[id]
	if !ok {
		return domain.StoredFile{}, fmt.Errorf("%w: file %s", domain.ErrNotFound, id)
	}
	return f, nil
}
