package attendance

import (
	"context"
	"errors"
	"fmt"
)

// Rejections. The request will not succeed on retry.
var (
	ErrNotFound   = errors.New("student not found")
	ErrDailyLimit = errors.New("daily limit reached")
	ErrCooldown   = errors.New("cooldown active")
)

// Store failures. Stores wrap driver errors with one of these.
var (
	ErrUnavailable = errors.New("store unavailable")
	ErrDeadline    = errors.New("store deadline exceeded")
	ErrAborted     = errors.New("store transaction aborted")
	ErrInternal    = errors.New("store internal error")
	ErrBusy        = errors.New("account already in flight")

	ErrPermissionDenied = errors.New("store permission denied")
	ErrPrecondition     = errors.New("store precondition failed")
	// ErrIndexUnavailable means an ordered query cannot be served.
	// It is a precondition failure; the engine falls back to a full scan.
	ErrIndexUnavailable = fmt.Errorf("%w: ordered index unavailable", ErrPrecondition)

	// ErrSlotTaken is returned by SlotTx.InsertEvent when the slot was
	// filled concurrently.
	ErrSlotTaken = errors.New("slot already taken")
)

// CooldownError rejects a request made too soon after the previous event.
type CooldownError struct {
	Remaining int // minutes, rounded up
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("cooldown active: %d min remaining", e.Remaining)
}

func (e *CooldownError) Is(target error) bool { return target == ErrCooldown }

// IsTransient reports whether err is expected to succeed if retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range []error{ErrUnavailable, ErrDeadline, ErrAborted, ErrInternal, ErrBusy, context.DeadlineExceeded} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
