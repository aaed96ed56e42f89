package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "github.com/WaterInk0101/proactive-private-chat/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}
	if _, err := db.ExecContext(ctx, migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutCooldown(ctx context.Context, userID string, at time.Time) error {
	if strings.TrimSpace(userID) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cooldowns(user_id, at) VALUES(?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET at = excluded.at`,
		userID, at.UnixMilli())
	return err
}

func (s *sqliteStore) LoadCooldowns(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, at FROM cooldowns`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]time.Time{}
	for rows.Next() {
		var id string
		var ms int64
		if err := rows.Scan(&id, &ms); err != nil {
			return nil, err
		}
		out[id] = time.UnixMilli(ms)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutContact(ctx context.Context, c Contact) error {
	if strings.TrimSpace(c.UserID) == "" {
		return nil
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts(user_id, display_name, username, linked, messages, last_inbound, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   display_name = excluded.display_name,
		   username     = excluded.username,
		   linked       = excluded.linked,
		   messages     = excluded.messages,
		   last_inbound = excluded.last_inbound,
		   updated_at   = excluded.updated_at`,
		c.UserID, nullStr(c.DisplayName), nullStr(c.Username), boolInt(c.Linked), c.Messages,
		nullMillis(c.LastInbound), c.UpdatedAt.UnixMilli())
	return err
}

func (s *sqliteStore) LoadContacts(ctx context.Context) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, display_name, username, linked, messages, last_inbound, updated_at
		 FROM contacts ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Contact
	for rows.Next() {
		var (
			c              Contact
			name, username sql.NullString
			linked         int
			lastInbound    sql.NullInt64
			updatedAt      int64
		)
		if err := rows.Scan(&c.UserID, &name, &username, &linked, &c.Messages, &lastInbound, &updatedAt); err != nil {
			return nil, err
		}
		c.DisplayName = name.String
		c.Username = username.String
		c.Linked = linked != 0
		if lastInbound.Valid {
			c.LastInbound = time.UnixMilli(lastInbound.Int64)
		}
		c.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, at_ms, plugin, action, actor_id, target, outcome, err, took_ms, cycle_id, meta)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.At.Format(time.RFC3339Nano), e.At.UnixMilli(), e.Plugin, e.Action, nullStr(e.ActorID),
		e.Target, e.Outcome, nullStr(e.Error), e.TookMS, nullStr(e.CycleID), nullStr(e.MetaJSON))
	return err
}

func (s *sqliteStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
