// Package directory tracks the users who talk to the bot in private and
// serves them to the contact engine.
//
// A user becomes known once they have sent the bot a private message. They
// drop out when Telegram reports the bot can no longer reach them, and come
// back with their next message.
package directory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/WaterInk0101/proactive-private-chat/internal/contact"
	"github.com/WaterInk0101/proactive-private-chat/internal/eventbus"
	"github.com/WaterInk0101/proactive-private-chat/internal/storage"
	"github.com/WaterInk0101/proactive-private-chat/internal/transport"
	logx "github.com/WaterInk0101/proactive-private-chat/pkg/logx"
)

// Store is the slice of storage.Store the directory needs.
type Store interface {
	PutContact(ctx context.Context, c storage.Contact) error
	LoadContacts(ctx context.Context) ([]storage.Contact, error)
}

const defaultFlushEvery = 5 * time.Second

type Directory struct {
	log   logx.Logger
	store Store
	bus   eventbus.Bus
	now   func() time.Time

	mu    sync.RWMutex
	users map[string]storage.Contact
	dirty map[string]struct{}
}

// New returns an empty directory. store and bus may be nil.
func New(store Store, bus eventbus.Bus, log logx.Logger) *Directory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Directory{
		log:   log.With(logx.String("comp", "directory")),
		store: store,
		bus:   bus,
		now:   time.Now,
		users: map[string]storage.Contact{},
		dirty: map[string]struct{}{},
	}
}

// Load replaces in-memory state with the store's rows.
func (d *Directory) Load(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	rows, err := d.store.LoadContacts(ctx)
	if err != nil {
		return fmt.Errorf("load contacts: %w", err)
	}
	d.mu.Lock()
	for _, c := range rows {
		d.users[c.UserID] = c
	}
	d.mu.Unlock()
	d.log.Info("directory loaded", logx.Int("users", len(rows)))
	return nil
}

// Observe learns from an inbound message. Group messages are ignored.
func (d *Directory) Observe(_ context.Context, msg *transport.Message) {
	if msg == nil || !msg.IsPrivate || msg.FromID == 0 {
		return
	}
	id := strconv.FormatInt(msg.FromID, 10)
	at := msg.At
	if at.IsZero() {
		at = d.now()
	}

	d.mu.Lock()
	c := d.users[id]
	c.UserID = id
	if name := strings.TrimSpace(msg.FromName); name != "" {
		c.DisplayName = name
	}
	if msg.FromUsername != "" {
		c.Username = msg.FromUsername
	}
	if !c.Linked && c.Messages > 0 {
		d.log.Info("user relinked", logx.UserID(id))
	}
	c.Linked = true
	c.Messages++
	c.LastInbound = at
	c.UpdatedAt = d.now()
	d.users[id] = c
	d.dirty[id] = struct{}{}
	d.mu.Unlock()
}

// MarkUnreachable unlinks a user after the platform refused delivery.
func (d *Directory) MarkUnreachable(userID string) {
	d.mu.Lock()
	c, ok := d.users[userID]
	if !ok || !c.Linked {
		d.mu.Unlock()
		return
	}
	c.Linked = false
	c.UpdatedAt = d.now()
	d.users[userID] = c
	d.dirty[userID] = struct{}{}
	d.mu.Unlock()

	d.log.Info("user unlinked", logx.UserID(userID))
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.TopicUserUnlinked, Data: userID})
	}
}

func toRecord(c storage.Contact) contact.UserRecord {
	return contact.UserRecord{ID: c.UserID, DisplayName: c.DisplayName, Known: c.Linked && c.Messages > 0}
}

// ListKnownUsers returns every user ordered by id; Known is set per record.
func (d *Directory) ListKnownUsers(context.Context) ([]contact.UserRecord, error) {
	d.mu.RLock()
	ids := slices.Sorted(maps.Keys(d.users))
	out := make([]contact.UserRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, toRecord(d.users[id]))
	}
	d.mu.RUnlock()
	return out, nil
}

// Resolve accepts a numeric id or an @username.
func (d *Directory) Resolve(_ context.Context, ref string) (contact.UserRecord, error) {
	ref = strings.TrimSpace(ref)
	d.mu.RLock()
	defer d.mu.RUnlock()
	if c, ok := d.users[ref]; ok {
		return toRecord(c), nil
	}
	if name, ok := strings.CutPrefix(ref, "@"); ok && name != "" {
		for _, c := range d.users {
			if strings.EqualFold(c.Username, name) {
				return toRecord(c), nil
			}
		}
	}
	return contact.UserRecord{}, fmt.Errorf("%q: %w", ref, contact.ErrTargetNotFound)
}

// Get returns the stored row for diagnostics.
func (d *Directory) Get(userID string) (storage.Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.users[userID]
	return c, ok
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

// Flush writes dirty rows. Rows that fail stay dirty for the next flush.
func (d *Directory) Flush(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	d.mu.Lock()
	batch := make([]storage.Contact, 0, len(d.dirty))
	for id := range d.dirty {
		batch = append(batch, d.users[id])
	}
	clear(d.dirty)
	d.mu.Unlock()

	var firstErr error
	for _, c := range batch {
		if err := d.store.PutContact(ctx, c); err != nil {
			d.mu.Lock()
			d.dirty[c.UserID] = struct{}{}
			d.mu.Unlock()
			if firstErr == nil {
				firstErr = fmt.Errorf("put contact %s: %w", c.UserID, err)
			}
		}
	}
	return firstErr
}

// Run flushes periodically until ctx ends, then flushes once more.
func (d *Directory) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = defaultFlushEvery
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			err := d.Flush(fctx)
			cancel()
			if err != nil {
				d.log.Warn("final directory flush failed", logx.Err(err))
			}
			return nil
		case <-t.C:
			if err := d.Flush(ctx); err != nil {
				d.log.Warn("directory flush failed", logx.Err(err))
			}
		}
	}
}
