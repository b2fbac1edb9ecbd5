// Package storage holds the persisted collections: identity, contacts,
// messages and self-destruct envelopes. Every store keeps an in-memory map,
// snapshots it to a single JSON file on each mutation and optionally seals
// the file under a passphrase. Mutations against one collection are
// serialized by the store's own lock.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"ember-chat/go-node/internal/securestore"
)

var ErrUnavailable = errors.New("store unavailable")

type snapshotFile struct {
	path   string
	secret string
}

func (f snapshotFile) configured() bool {
	return f.path != ""
}

func (f snapshotFile) load(v any) error {
	if !f.configured() {
		return nil
	}
	var data []byte
	var err error
	if f.secret != "" {
		data, err = securestore.ReadSealedFile(f.path, f.secret)
	} else {
		data, err = os.ReadFile(f.path)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (f snapshotFile) persist(v any) error {
	if !f.configured() {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if f.secret != "" {
		if err := securestore.WriteSealedFile(f.path, f.secret, data); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.WriteFile(f.path, data, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (f snapshotFile) remove() error {
	if !f.configured() {
		return nil
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
