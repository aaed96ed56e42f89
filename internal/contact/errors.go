package contact

import (
	"errors"
	"fmt"
	"time"
)

// Code classifies the outcome of an attempt. Failure codes map one to one
// onto the sentinel errors below.
type Code string

const (
	CodeSent             Code = "SENT"
	CodeDisabled         Code = "DISABLED"
	CodeUnknownUser      Code = "UNKNOWN_USER"
	CodeCoolingDown      Code = "COOLING_DOWN"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeTargetNotFound   Code = "TARGET_NOT_FOUND"
	CodeSendFailure      Code = "SEND_FAILURE"

	// Sweep-only skips.
	CodeNotSelected Code = "NOT_SELECTED"
	CodeCycleLimit  Code = "CYCLE_LIMIT"
)

var (
	ErrDisabled         = errors.New("proactive contact disabled")
	ErrUnknownUser      = errors.New("user is not a known contact")
	ErrCoolingDown      = errors.New("user is cooling down")
	ErrPermissionDenied = errors.New("permission denied")
	ErrTargetNotFound   = errors.New("target user not found")
	ErrSendFailure      = errors.New("send failed")

	ErrNotSelected = errors.New("not selected this cycle")
	ErrCycleLimit  = errors.New("cycle send limit reached")

	ErrInvalidConfig = errors.New("invalid proactive contact config")
)

// CooldownError carries the time left until the user is eligible again.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s (%ds left)", ErrCoolingDown, ceilSeconds(e.Remaining))
}

func (e *CooldownError) Is(target error) bool { return target == ErrCoolingDown }

// CodeOf maps an error from this package to its Code. nil is CodeSent.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeSent
	case errors.Is(err, ErrDisabled):
		return CodeDisabled
	case errors.Is(err, ErrUnknownUser):
		return CodeUnknownUser
	case errors.Is(err, ErrCoolingDown):
		return CodeCoolingDown
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrTargetNotFound):
		return CodeTargetNotFound
	case errors.Is(err, ErrNotSelected):
		return CodeNotSelected
	case errors.Is(err, ErrCycleLimit):
		return CodeCycleLimit
	default:
		return CodeSendFailure
	}
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
