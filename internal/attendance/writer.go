package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// Writer commits decisions exactly once per slot.
type Writer struct {
	store    Store
	attempts uint
	initial  time.Duration
	log      zerolog.Logger

	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(err error, wait time.Duration)
}

// NewWriter creates a writer that tries each write up to attempts times,
// doubling the wait from initial between tries.
func NewWriter(store Store, attempts int, initial time.Duration, log zerolog.Logger) *Writer {
	if attempts <= 0 {
		attempts = 4
	}
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	return &Writer{store: store, attempts: uint(attempts), initial: initial, log: log}
}

type written struct {
	evt     Event
	created bool
}

// Record writes the decision's slot. created is false when the slot already
// held an event and the call was an idempotent replay.
func (w *Writer) Record(ctx context.Context, d Decision) (Event, bool, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.initial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = w.initial << w.attempts

	res, err := backoff.Retry(ctx, func() (written, error) {
		evt, created, err := w.record(ctx, d)
		if err != nil && !IsTransient(err) {
			return written{}, backoff.Permanent(err)
		}
		return written{evt: evt, created: created}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(w.attempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			w.log.Warn().Err(err).Str("slot", d.SlotID()).Dur("wait", wait).Msg("write failed, backing off")
			if w.OnRetry != nil {
				w.OnRetry(err, wait)
			}
		}),
	)
	if err != nil {
		return Event{}, false, err
	}
	return res.evt, res.created, nil
}

func (w *Writer) record(ctx context.Context, d Decision) (Event, bool, error) {
	acct := d.Student.AccountID
	target := d.SlotID()
	slots := make([]string, 0, DailyLimit)
	for seq := 1; seq <= DailyLimit; seq++ {
		slots = append(slots, SlotID(acct, d.DayBucket, seq))
	}

	var out written
	err := w.store.RunInTx(ctx, func(tx SlotTx) error {
		existing, err := tx.GetSlots(ctx, slots...)
		if err != nil {
			return err
		}
		if evt, ok := existing[target]; ok {
			out = written{evt: evt}
			return nil
		}
		if len(existing) >= DailyLimit {
			return ErrDailyLimit
		}

		evt, err := tx.InsertEvent(ctx, Event{
			ID:        target,
			AccountID: acct,
			Name:      d.Student.FullName,
			Kind:      d.Kind,
			DayBucket: d.DayBucket,
			Sequence:  d.Sequence,
		})
		if errors.Is(err, ErrSlotTaken) {
			again, err := tx.GetSlots(ctx, target)
			if err != nil {
				return err
			}
			evt, ok := again[target]
			if !ok {
				return fmt.Errorf("%w: slot %s reported taken but not readable", ErrAborted, target)
			}
			out = written{evt: evt}
			return nil
		}
		if err != nil {
			return err
		}
		out = written{evt: evt, created: true}
		return nil
	})
	if err != nil {
		return Event{}, false, err
	}
	return out.evt, out.created, nil
}
