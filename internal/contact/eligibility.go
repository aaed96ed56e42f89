package contact

import "time"

// UserRecord is a directory entry as the engine sees it.
type UserRecord struct {
	ID          string
	DisplayName string
	// Known means linked to the bot with private message history.
	Known bool
}

// CheckEligibility applies, in order: enabled, known user, cooldown. The
// first failing check decides the error.
func CheckEligibility(tr *Tracker, user UserRecord, now time.Time, cfg Config) error {
	if !cfg.Enabled {
		return ErrDisabled
	}
	if cfg.OnlyKnownUsers && !user.Known {
		return ErrUnknownUser
	}
	if left := tr.Remaining(user.ID, now, cfg.Cooldown()); left > 0 {
		return &CooldownError{Remaining: left}
	}
	return nil
}
