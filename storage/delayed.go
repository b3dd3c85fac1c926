package storage

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/mailgate/mailgate/logger"
)

// DefaultFlushDelay is the coalescing window used when none is given.
const DefaultFlushDelay = 5 * time.Second

// DelayedStore wraps a Store and defers file writes. The first unsaved
// mutation schedules one flush after the delay; later mutations inside the
// window ride along. Reads always see the latest values. A crash loses at
// most the delay window.
type DelayedStore struct {
	store *Store
	delay time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	closed  bool
}

// NewDelayed wraps store. A non-positive delay uses DefaultFlushDelay.
func NewDelayed(store *Store, delay time.Duration) *DelayedStore {
	if delay <= 0 {
		delay = DefaultFlushDelay
	}
	return &DelayedStore{store: store, delay: delay}
}

func (d *DelayedStore) Path() string {
	return d.store.Path()
}

func (d *DelayedStore) Get(key string) (json.RawMessage, bool) {
	return d.store.Get(key)
}

func (d *DelayedStore) GetString(key string) (string, error) {
	return d.store.GetString(key)
}

func (d *DelayedStore) GetUint32(key string) (uint32, error) {
	return d.store.GetUint32(key)
}

func (d *DelayedStore) Keys() []string {
	return d.store.Keys()
}

func (d *DelayedStore) Set(key string, value any) error {
	return d.Update(map[string]any{key: value})
}

func (d *DelayedStore) SetString(key, value string) error {
	return d.Set(key, value)
}

func (d *DelayedStore) SetUint32(key string, value uint32) error {
	return d.Set(key, formatUint32(value))
}

func (d *DelayedStore) Update(values map[string]any) error {
	encoded, err := encodeValues(values)
	if err != nil {
		return err
	}
	d.store.setInMemory(encoded)
	d.schedule()
	return nil
}

func (d *DelayedStore) Delete(key string) error {
	d.store.deleteInMemory(key)
	d.schedule()
	return nil
}

// Pending reports whether a flush is scheduled.
func (d *DelayedStore) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *DelayedStore) schedule() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		// After Close there is no timer to rely on: write through.
		if err := d.store.Flush(); err != nil {
			logger.Error("[STATE] write after close failed", "error", err)
		}
		return
	}
	if d.pending {
		return
	}
	d.pending = true
	d.timer = time.AfterFunc(d.delay, d.flushFromTimer)
}

func (d *DelayedStore) flushFromTimer() {
	d.mu.Lock()
	if !d.pending {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.timer = nil
	d.mu.Unlock()

	if err := d.store.Flush(); err != nil {
		logger.Error("[STATE] delayed flush failed", "path", d.store.Path(), "error", err)
		// Try again on the next window.
		d.schedule()
	}
}

// Flush writes pending changes now.
func (d *DelayedStore) Flush() error {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = false
	d.mu.Unlock()

	return d.store.Flush()
}

// Close flushes pending changes. Later mutations are written immediately.
func (d *DelayedStore) Close() error {
	d.mu.Lock()
	wasPending := d.pending
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = false
	d.closed = true
	d.mu.Unlock()

	if !wasPending {
		return nil
	}
	return d.store.Flush()
}
