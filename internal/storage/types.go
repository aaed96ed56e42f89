package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage. Driver "" or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only

	RedisURL  string
	KeyPrefix string // redis only; default "proactive:"
}

// Store is the persistence port used by the cooldown tracker, the user
// directory and the contact engine's audit trail.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	PruneAudit(ctx context.Context, before time.Time) (int64, error)

	PutCooldown(ctx context.Context, userID string, at time.Time) error
	LoadCooldowns(ctx context.Context) (map[string]time.Time, error)

	PutContact(ctx context.Context, c Contact) error
	LoadContacts(ctx context.Context) ([]Contact, error)

	Close() error
}

// Contact is a directory row: what the bot has learned about a user from
// their private messages.
type Contact struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Username    string    `json:"username,omitempty"`
	Linked      bool      `json:"linked"`
	Messages    int64     `json:"messages"`
	LastInbound time.Time `json:"last_inbound,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AuditEntry records one proactive contact attempt. ActorID is empty for
// the automatic sweep.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Plugin   string    `json:"plugin"`
	Action   string    `json:"action"`
	ActorID  string    `json:"actor_id,omitempty"`
	Target   string    `json:"target"`
	Outcome  string    `json:"outcome"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
	CycleID  string    `json:"cycle_id,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}
