package storage

import (
	"sync"

	"ember-chat/go-node/pkg/models"
)

// IdentityStore persists the single local identity under the fixed "user"
// slot.
type IdentityStore struct {
	mu   sync.RWMutex
	user *models.Identity
	file snapshotFile
}

func NewIdentityStore() *IdentityStore {
	return &IdentityStore{}
}

func NewPersistentIdentityStore(path, secret string) (*IdentityStore, error) {
	s := &IdentityStore{file: snapshotFile{path: path, secret: secret}}
	var snapshot struct {
		User *models.Identity `json:"user"`
	}
	if err := s.file.load(&snapshot); err != nil {
		return nil, err
	}
	s.user = snapshot.User
	return s, nil
}

func (s *IdentityStore) Save(identity models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := cloneIdentity(identity)
	if err := s.persistLocked(&clone); err != nil {
		return err
	}
	s.user = &clone
	return nil
}

func (s *IdentityStore) Get() (models.Identity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return models.Identity{}, false, nil
	}
	return cloneIdentity(*s.user), true, nil
}

// Wipe zeroes the persisted key material, forgets the identity and removes
// the backing file.
func (s *IdentityStore) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user != nil {
		zeroBytes(s.user.PrivateSeed)
		zeroBytes(s.user.PublicKey)
	}
	s.user = nil
	return s.file.remove()
}

func (s *IdentityStore) persistLocked(user *models.Identity) error {
	return s.file.persist(struct {
		User *models.Identity `json:"user"`
	}{User: user})
}

func cloneIdentity(in models.Identity) models.Identity {
	out := in
	out.PublicKey = append([]byte(nil), in.PublicKey...)
	out.PrivateSeed = append([]byte(nil), in.PrivateSeed...)
	return out
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
