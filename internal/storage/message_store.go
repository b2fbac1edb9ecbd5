package storage

import (
	"sort"
	"sync"

	"ember-chat/go-node/pkg/models"
)

type MessageStore struct {
	mu       sync.RWMutex
	messages map[string]models.Message
	file     snapshotFile
}

func NewMessageStore() *MessageStore {
	return &MessageStore{messages: make(map[string]models.Message)}
}

func NewPersistentMessageStore(path, secret string) (*MessageStore, error) {
	s := &MessageStore{
		messages: make(map[string]models.Message),
		file:     snapshotFile{path: path, secret: secret},
	}
	var snapshot struct {
		Messages map[string]models.Message `json:"messages"`
	}
	if err := s.file.load(&snapshot); err != nil {
		return nil, err
	}
	if snapshot.Messages != nil {
		s.messages = snapshot.Messages
	}
	return s, nil
}

func (s *MessageStore) Save(msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneMessages(s.messages)
	next[msg.ID] = msg
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.messages = next
	return nil
}

func (s *MessageStore) Get(messageID string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[messageID]
	return msg, ok
}

// RevealSelfDestruct rewrites a placeholder self-destruct message with its
// decrypted plaintext. The transition is one-way: a message that is already
// revealed is returned unchanged.
func (s *MessageStore) RevealSelfDestruct(messageID string, content []byte) (models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return models.Message{}, false, nil
	}
	if !msg.IsSelfDestruct {
		return msg, true, nil
	}
	msg.Content = append([]byte(nil), content...)
	msg.IsSelfDestruct = false
	next := cloneMessages(s.messages)
	next[messageID] = msg
	if err := s.persistLocked(next); err != nil {
		return models.Message{}, false, err
	}
	s.messages = next
	return msg, true, nil
}

// ListByContact returns a contact's messages in timestamp order.
func (s *MessageStore) ListByContact(contactID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, 0)
	for _, msg := range s.messages {
		if msg.ContactID == contactID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// DeleteByContact removes every message belonging to a contact and reports
// how many were deleted.
func (s *MessageStore) DeleteByContact(contactID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]models.Message, len(s.messages))
	deleted := 0
	for id, msg := range s.messages {
		if msg.ContactID == contactID {
			deleted++
			continue
		}
		next[id] = msg
	}
	if deleted == 0 {
		return 0, nil
	}
	if err := s.persistLocked(next); err != nil {
		return 0, err
	}
	s.messages = next
	return deleted, nil
}

func (s *MessageStore) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[string]models.Message)
	return s.file.remove()
}

func (s *MessageStore) persistLocked(messages map[string]models.Message) error {
	return s.file.persist(struct {
		Messages map[string]models.Message `json:"messages"`
	}{Messages: messages})
}

func cloneMessages(in map[string]models.Message) map[string]models.Message {
	out := make(map[string]models.Message, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
