package storage

import (
	"sync"

	"ember-chat/go-node/pkg/models"
)

type ContactStore struct {
	mu       sync.RWMutex
	contacts map[string]models.Contact
	file     snapshotFile
}

func NewContactStore() *ContactStore {
	return &ContactStore{contacts: make(map[string]models.Contact)}
}

func NewPersistentContactStore(path, secret string) (*ContactStore, error) {
	s := &ContactStore{
		contacts: make(map[string]models.Contact),
		file:     snapshotFile{path: path, secret: secret},
	}
	var snapshot struct {
		Contacts map[string]models.Contact `json:"contacts"`
	}
	if err := s.file.load(&snapshot); err != nil {
		return nil, err
	}
	if snapshot.Contacts != nil {
		s.contacts = snapshot.Contacts
	}
	return s, nil
}

func (s *ContactStore) Put(contact models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneContacts(s.contacts)
	next[contact.PeerID] = contact
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.contacts = next
	return nil
}

func (s *ContactStore) Get(peerID string) (models.Contact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[peerID]
	return c, ok
}

func (s *ContactStore) All() []models.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, c)
	}
	return out
}

func (s *ContactStore) Delete(peerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contacts[peerID]; !ok {
		return false, nil
	}
	next := cloneContacts(s.contacts)
	delete(next, peerID)
	if err := s.persistLocked(next); err != nil {
		return false, err
	}
	s.contacts = next
	return true, nil
}

func (s *ContactStore) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts = make(map[string]models.Contact)
	return s.file.remove()
}

func (s *ContactStore) persistLocked(contacts map[string]models.Contact) error {
	return s.file.persist(struct {
		Contacts map[string]models.Contact `json:"contacts"`
	}{Contacts: contacts})
}

func cloneContacts(in map[string]models.Contact) map[string]models.Contact {
	out := make(map[string]models.Contact, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
