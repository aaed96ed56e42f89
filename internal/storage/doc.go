// Package storage persists what the bot must remember across restarts:
// the last successful proactive contact per user, the user directory and an
// audit trail of proactive sends.
//
// Drivers:
//   - "file": JSON snapshot plus append-only journal, audit as JSON Lines
//   - "sqlite": single-file SQLite database (modernc.org/sqlite, no cgo)
//   - "redis": shared Redis instance, for several bot replicas on one account
package storage
