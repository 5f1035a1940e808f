package store_test

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/ampctl/internal/store"
)

func TestReadUnknownKeyIsEmpty(t *testing.T) {
	s, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)

	state, err := s.Read("never-seen")
	require.NoError(t, err)
	assert.Empty(t, state)
}

func TestUpdateRoundTrip(t *testing.T) {
	s, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = s.Update("aabbccddeeff", map[string]any{"gain": 3.5})
	require.NoError(t, err)

	state, err := s.Read("aabbccddeeff")
	require.NoError(t, err)
	assert.Equal(t, 3.5, state["gain"])
}

func TestUpdateDeepMerge(t *testing.T) {
	s, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = s.Update("dev1", map[string]any{
		"tuning": map[string]any{"gain": 1.0, "tilt": 2.0},
	})
	require.NoError(t, err)

	merged, err := s.Update("dev1", map[string]any{
		"tuning": map[string]any{"gain": 9.0},
	})
	require.NoError(t, err)

	tuning := merged["tuning"].(map[string]any)
	assert.Equal(t, 9.0, tuning["gain"])
	assert.Equal(t, 2.0, tuning["tilt"])
}

func TestConcurrentUpdatesSameKeyAllLand(t *testing.T) {
	s, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.Update("shared", map[string]any{
				"fields": map[string]any{key(n): n},
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	state, err := s.Read("shared")
	require.NoError(t, err)
	fields := state["fields"].(map[string]any)
	assert.Len(t, fields, writers, "no concurrent update may be lost")
}

func key(n int) string {
	return string(rune('a' + n))
}

func TestUpdateDifferentKeyNotDelayedByFailingPersist(t *testing.T) {
	s, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)
	s.MaxRetries = 3

	// This key targets a directory that does not exist, so every persist
	// attempt fails and the update sits in its retry loop for several
	// hundred milliseconds while holding the key's lock.
	stuck := make(chan struct{})
	go func() {
		defer close(stuck)
		_, err := s.Update(filepath.Join("missing-subdir", "deadbeef0001"), map[string]any{"gain": 1.0})
		assert.Error(t, err)
	}()
	time.Sleep(20 * time.Millisecond)

	begin := time.Now()
	_, err = s.Update("devwaa", map[string]any{"gain": 2.0})
	elapsed := time.Since(begin)
	require.NoError(t, err)
	assert.Less(t, elapsed, 100*time.Millisecond,
		"an update for a different device key must never wait on another key's retries")

	<-stuck
}

func TestMergeDoesNotMutateBase(t *testing.T) {
	base := map[string]any{"nested": map[string]any{"a": 1}}
	patch := map[string]any{"nested": map[string]any{"b": 2}}

	out := store.Merge(base, patch)

	assert.Len(t, base["nested"], 1)
	assert.Len(t, out["nested"], 2)
}

func TestPersistFailedKeepsMergedState(t *testing.T) {
	s, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)
	s.MaxRetries = 0

	// A key with a path separator targets a directory that does not exist,
	// so every write attempt fails.
	merged, err := s.Update(filepath.Join("missing-subdir", "blocked"), map[string]any{"gain": 1.0})
	require.Error(t, err)
	var pf *store.PersistFailedError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, 1.0, merged["gain"])
	assert.Equal(t, merged, pf.State)
}
