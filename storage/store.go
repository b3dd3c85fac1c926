// Package storage provides a small crash-safe key-value store backed by a
// single JSON object file.
//
// Every mutation rewrites the whole file through a temporary file in the same
// directory followed by an atomic rename, so readers see either the old or the
// new content and never a torn write:
//
//	st, err := storage.Open("/var/lib/mailgate/state.json")
//	if err != nil {
//		log.Fatal(err)
//	}
//	_ = st.SetUint32("last_uid", 4711)
//
// Values are kept as raw JSON, so keys written by other versions survive a
// rewrite untouched. NewDelayed wraps a Store to coalesce bursts of writes.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mailgate/mailgate/logger"
	"github.com/mailgate/mailgate/pkg/metrics"
)

// ErrNotFound is returned by typed getters for a missing key.
var ErrNotFound = errors.New("key not found")

// KV is the subset of Store used by the synchronizer. DelayedStore implements it too.
type KV interface {
	Get(key string) (json.RawMessage, bool)
	GetString(key string) (string, error)
	GetUint32(key string) (uint32, error)
	Set(key string, value any) error
	SetString(key, value string) error
	SetUint32(key string, value uint32) error
	Delete(key string) error
	Update(values map[string]any) error
	Keys() []string
	Flush() error
}

// Store is a JSON-file backed map. It is safe for concurrent use.
type Store struct {
	path string

	mu   sync.Mutex
	data map[string]json.RawMessage
}

// Open loads the store at path. A missing file starts an empty store and is
// created immediately, so an unwritable location fails at startup.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: make(map[string]json.RawMessage)}

	content, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Info("[STATE] state file not found, creating", "path", path)
		if err := s.writeLocked(); err != nil {
			return nil, err
		}
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read state file %s: %w", path, err)
	}

	if len(content) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(content, &s.data); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	if s.data == nil {
		// The file held a JSON null.
		s.data = make(map[string]json.RawMessage)
	}
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Get returns the raw JSON value of key.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), v...), true
}

// GetString returns a string value.
func (s *Store) GetString(key string) (string, error) {
	raw, ok := s.Get(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("key %s is not a string: %w", key, err)
	}
	return v, nil
}

// GetUint32 returns an unsigned value. Both JSON numbers and decimal strings
// are accepted, so hand-edited files keep working.
func (s *Store) GetUint32(key string) (uint32, error) {
	raw, ok := s.Get(key)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return decodeUint32(key, raw)
}

func decodeUint32(key string, raw json.RawMessage) (uint32, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		text = string(raw)
	}
	n, err := strconv.ParseUint(text, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("key %s is not an unsigned 32-bit number: %w", key, err)
	}
	return uint32(n), nil
}

// Set stores value (any JSON-marshalable type) and persists the store.
func (s *Store) Set(key string, value any) error {
	return s.Update(map[string]any{key: value})
}

// SetString stores a string value.
func (s *Store) SetString(key, value string) error {
	return s.Set(key, value)
}

// SetUint32 stores an unsigned value as a decimal string.
func (s *Store) SetUint32(key string, value uint32) error {
	return s.Set(key, formatUint32(value))
}

func formatUint32(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}

// Delete removes key and persists the store. Deleting a missing key is a no-op.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return nil
	}
	old := s.data[key]
	delete(s.data, key)
	if err := s.writeLocked(); err != nil {
		s.data[key] = old
		return err
	}
	return nil
}

// Update sets several keys with a single file rewrite. On a write failure the
// in-memory map is rolled back, so memory and disk stay in agreement.
func (s *Store) Update(values map[string]any) error {
	encoded, err := encodeValues(values)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.applyLocked(encoded)
	if err := s.writeLocked(); err != nil {
		s.restoreLocked(previous)
		return err
	}
	return nil
}

// Keys returns all keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Flush rewrites the file with the current contents.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked()
}

// setInMemory applies values without writing. Used by DelayedStore.
func (s *Store) setInMemory(values map[string]json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(values)
}

func (s *Store) deleteInMemory(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// applyLocked stores values and returns what they replaced. A nil entry in
// the result means the key did not exist.
func (s *Store) applyLocked(values map[string]json.RawMessage) map[string]json.RawMessage {
	previous := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		previous[k] = s.data[k]
		s.data[k] = v
	}
	return previous
}

func (s *Store) restoreLocked(previous map[string]json.RawMessage) {
	for k, v := range previous {
		if v == nil {
			delete(s.data, k)
		} else {
			s.data[k] = v
		}
	}
}

func encodeValues(values map[string]any) (map[string]json.RawMessage, error) {
	encoded := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode value for key %s: %w", k, err)
		}
		encoded[k] = raw
	}
	return encoded, nil
}

// writeLocked replaces the file atomically: temp file, fsync, rename, then
// fsync of the directory so the rename itself is durable.
func (s *Store) writeLocked() (err error) {
	start := time.Now()
	defer func() {
		result := "success"
		if err != nil {
			result = "error"
			logger.Error("[STATE] failed to write state file", "path", s.path, "error", err)
		}
		metrics.StateWritesTotal.WithLabelValues(result).Inc()
		metrics.StateWriteDuration.Observe(time.Since(start).Seconds())
	}()

	content, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	content = append(content, '\n')

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temporary state file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temporary state file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary state file: %w", err)
	}
	if err = os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("failed to set state file mode: %w", err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	if d, derr := os.Open(dir); derr == nil {
		// Some filesystems refuse directory fsync; the rename already happened.
		_ = d.Sync()
		d.Close()
	}
	return nil
}
