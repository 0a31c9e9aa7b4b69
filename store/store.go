// Package store defines the persistent key-value contract backing pod
// state. Store is named as an external collaborator in spec.md §1 ("the
// persistent key-value store backing pod state"), so this package is a
// reference implementation: a one-JSON-file-per-key store with the
// atomic tmp-file-then-rename write pattern used by
// discovery/cache.go's Save — this is the single most load-bearing
// teacher file for PDM persistence, since PodShadow must never be left
// half-written on disk (spec.md §4.7: persistence failure raises a
// distinct PdmError without masking the original exchange error).
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Store is the external KV contract PodShadow persistence is built on:
// load the last-known bytes for a key, and save new bytes atomically.
type Store interface {
	Load(key string) ([]byte, error)
	Save(key string, data []byte) error
}

// FileStore persists one JSON blob per key under a directory, each
// written via a tmp-file-then-rename so a crash mid-write never leaves a
// corrupt or partial file behind.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore returns a Store rooted at dir, creating it if necessary.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) pathFor(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Load returns the bytes last saved for key, or (nil, nil) if the key
// has never been saved.
func (s *FileStore) Load(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Save writes data for key atomically: tmp file + rename, mirroring
// discovery/cache.go's Save.
func (s *FileStore) Save(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathFor(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		log.Warnf("Failed to write pod store tmp file for %s: %v", key, err)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		log.Warnf("Failed to rename pod store file for %s: %v", key, err)
		os.Remove(tmp)
		return err
	}
	log.Debugf("Saved pod shadow for %s", key)
	return nil
}

// SaveJSON marshals v and saves it under key.
func SaveJSON(s Store, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return s.Save(key, data)
}

// LoadJSON loads key and unmarshals it into v. Returns (false, nil) if
// the key has never been saved.
func LoadJSON(s Store, key string, v any) (bool, error) {
	data, err := s.Load(key)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}
