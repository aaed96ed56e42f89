package contact

import (
	"context"
	"sync"
	"time"

	logx "github.com/WaterInk0101/proactive-private-chat/pkg/logx"
)

// CooldownStore persists last-contact times. Writes are best effort.
type CooldownStore interface {
	PutCooldown(ctx context.Context, userID string, at time.Time) error
}

const persistTimeout = 3 * time.Second

// Tracker holds the last proactive contact per user.
type Tracker struct {
	mu   sync.RWMutex
	last map[string]time.Time

	locks keyedMutex
	store CooldownStore
	log   logx.Logger
}

// NewTracker returns an empty tracker. store may be nil.
func NewTracker(store CooldownStore, log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{last: map[string]time.Time{}, store: store, log: log}
}

// RecordContact overwrites the entry for userID.
func (t *Tracker) RecordContact(userID string, at time.Time) {
	t.mu.Lock()
	t.last[userID] = at
	t.mu.Unlock()

	if t.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := t.store.PutCooldown(ctx, userID, at); err != nil {
		t.log.Warn("cooldown persist failed", logx.UserID(userID), logx.Err(err))
	}
}

// IsCoolingDown reports whether userID was contacted less than cooldown
// before now. A zero cooldown never cools down.
func (t *Tracker) IsCoolingDown(userID string, now time.Time, cooldown time.Duration) bool {
	return t.Remaining(userID, now, cooldown) > 0
}

// Remaining is the time left in the user's cooldown, or 0.
func (t *Tracker) Remaining(userID string, now time.Time, cooldown time.Duration) time.Duration {
	if cooldown <= 0 {
		return 0
	}
	at, ok := t.LastContact(userID)
	if !ok {
		return 0
	}
	if left := cooldown - now.Sub(at); left > 0 {
		return left
	}
	return 0
}

// LastContact is the last successful contact; false means never.
func (t *Tracker) LastContact(userID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	at, ok := t.last[userID]
	return at, ok
}

// Restore merges persisted entries, keeping the newer time per user.
func (t *Tracker) Restore(entries map[string]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, at := range entries {
		if cur, ok := t.last[id]; !ok || at.After(cur) {
			t.last[id] = at
		}
	}
}

// Len is the number of users ever contacted.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.last)
}

// Lock serializes work on one user and returns the unlock func.
func (t *Tracker) Lock(userID string) func() {
	return t.locks.lock(userID)
}

// keyedMutex hands out one mutex per key, dropping it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*refMutex{}
	}
	m := k.locks[key]
	if m == nil {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.Unlock()
			k.mu.Lock()
			if m.refs--; m.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
