// Package store keeps per-device settings that survive between runs, such as
// the last applied tuning values. One JSON file per device key.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/andrej220/ampctl/internal/lg"
)

// PersistFailedError means the merged state could not be written after the
// bounded number of retries. The in-memory merge result is still returned to the
// caller inside the error so nothing observed is silently lost.
type PersistFailedError struct {
	Key   string
	State map[string]any
	Err   error
}

func (e *PersistFailedError) Error() string {
	return fmt.Sprintf("persist state for %q: %v", e.Key, e.Err)
}

func (e *PersistFailedError) Unwrap() error { return e.Err }

// Store serializes updates per device key. Each key owns its own mutex, so
// writers for different keys never block each other, even while one key's
// persist is stuck in its retry loop; writers for the same key apply strictly
// one at a time.
type Store struct {
	dir string
	log lg.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// MaxRetries bounds persist attempts per update.
	MaxRetries uint64
}

func New(dir string, log lg.Logger) (*Store, error) {
	if log == nil {
		log = lg.Discard
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return &Store{dir: dir, log: log, locks: map[string]*sync.Mutex{}, MaxRetries: 3}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// lock returns the mutex owned by key, creating it on first use. Lock
// entries are never removed; the set of device keys a run touches is small.
func (s *Store) lock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Read returns the stored state for a device key. A device never seen before
// reads as an empty map, not an error.
func (s *Store) Read(key string) (map[string]any, error) {
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()
	return s.readLocked(key)
}

func (s *Store) readLocked(key string) (map[string]any, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state for %q: %w", key, err)
	}
	state := map[string]any{}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode state for %q: %w", key, err)
	}
	return state, nil
}

// Update merges patch into the stored state under the key's lock and writes
// the result atomically. Nested maps merge recursively; scalar values in the
// patch overwrite.
func (s *Store) Update(key string, patch map[string]any) (map[string]any, error) {
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()

	state, err := s.readLocked(key)
	if err != nil {
		return nil, err
	}
	merged := Merge(state, patch)

	persist := func() error {
		data, err := json.MarshalIndent(merged, "", "  ")
		if err != nil {
			return backoff.Permanent(err)
		}
		tmp := s.path(key) + ".tmp"
		if err := os.WriteFile(tmp, data, 0600); err != nil {
			return err
		}
		return os.Rename(tmp, s.path(key))
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
	), s.MaxRetries)
	if err := backoff.Retry(persist, bo); err != nil {
		s.log.Error("state persist failed", lg.String("key", key), lg.Err(err))
		return merged, &PersistFailedError{Key: key, State: merged, Err: err}
	}
	return merged, nil
}

// Merge returns base with patch applied. base is not mutated.
func Merge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		pv, pok := v.(map[string]any)
		bv, bok := out[k].(map[string]any)
		if pok && bok {
			out[k] = Merge(bv, pv)
			continue
		}
		out[k] = v
	}
	return out
}
