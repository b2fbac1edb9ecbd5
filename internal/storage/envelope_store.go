package storage

import (
	"sync"
	"time"

	"ember-chat/go-node/pkg/models"
)

// EnvelopeStore holds self-destruct envelopes keyed by message id, with
// expiry lookups standing in for a secondary index on expires_at.
type EnvelopeStore struct {
	mu        sync.RWMutex
	envelopes map[string]models.SelfDestructEnvelope
	file      snapshotFile
}

func NewEnvelopeStore() *EnvelopeStore {
	return &EnvelopeStore{envelopes: make(map[string]models.SelfDestructEnvelope)}
}

func NewPersistentEnvelopeStore(path, secret string) (*EnvelopeStore, error) {
	s := &EnvelopeStore{
		envelopes: make(map[string]models.SelfDestructEnvelope),
		file:      snapshotFile{path: path, secret: secret},
	}
	var snapshot struct {
		Envelopes map[string]models.SelfDestructEnvelope `json:"envelopes"`
	}
	if err := s.file.load(&snapshot); err != nil {
		return nil, err
	}
	if snapshot.Envelopes != nil {
		s.envelopes = snapshot.Envelopes
	}
	return s, nil
}

func (s *EnvelopeStore) Put(env models.SelfDestructEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneEnvelopes(s.envelopes)
	next[env.ID] = env
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.envelopes = next
	return nil
}

func (s *EnvelopeStore) Get(id string) (models.SelfDestructEnvelope, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env, ok := s.envelopes[id]
	return env, ok
}

func (s *EnvelopeStore) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envelopes[id]
	if !ok {
		return false, nil
	}
	next := cloneEnvelopes(s.envelopes)
	delete(next, id)
	if err := s.persistLocked(next); err != nil {
		return false, err
	}
	zeroBytes(env.SymmetricKey)
	s.envelopes = next
	return true, nil
}

// DeleteExpired removes every envelope whose expiry is at or before now and
// reports the number deleted. Undecrypted envelopes removed here are
// permanently unrecoverable.
func (s *EnvelopeStore) DeleteExpired(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]models.SelfDestructEnvelope, len(s.envelopes))
	expired := make([]models.SelfDestructEnvelope, 0)
	for id, env := range s.envelopes {
		if env.Expired(now) {
			expired = append(expired, env)
			continue
		}
		next[id] = env
	}
	if len(expired) == 0 {
		return 0, nil
	}
	if err := s.persistLocked(next); err != nil {
		return 0, err
	}
	for _, env := range expired {
		zeroBytes(env.SymmetricKey)
	}
	s.envelopes = next
	return len(expired), nil
}

// DeleteByContact removes a contact's envelopes, reporting how many.
func (s *EnvelopeStore) DeleteByContact(contactID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]models.SelfDestructEnvelope, len(s.envelopes))
	deleted := 0
	for id, env := range s.envelopes {
		if env.ContactID == contactID {
			deleted++
			zeroBytes(env.SymmetricKey)
			continue
		}
		next[id] = env
	}
	if deleted == 0 {
		return 0, nil
	}
	if err := s.persistLocked(next); err != nil {
		return 0, err
	}
	s.envelopes = next
	return deleted, nil
}

func (s *EnvelopeStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.envelopes)
}

func (s *EnvelopeStore) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, env := range s.envelopes {
		zeroBytes(env.SymmetricKey)
	}
	s.envelopes = make(map[string]models.SelfDestructEnvelope)
	return s.file.remove()
}

func (s *EnvelopeStore) persistLocked(envelopes map[string]models.SelfDestructEnvelope) error {
	return s.file.persist(struct {
		Envelopes map[string]models.SelfDestructEnvelope `json:"envelopes"`
	}{Envelopes: envelopes})
}

func cloneEnvelopes(in map[string]models.SelfDestructEnvelope) map[string]models.SelfDestructEnvelope {
	out := make(map[string]models.SelfDestructEnvelope, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
