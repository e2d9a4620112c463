package attendance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Decision is the outcome of a successful Decide.
type Decision struct {
	Student   Student
	Kind      Kind
	Sequence  int
	DayBucket string
	At        time.Time // kiosk clock at decision time
}

// SlotID is the identity the decision will be written under.
func (d Decision) SlotID() string {
	return SlotID(d.Student.AccountID, d.DayBucket, d.Sequence)
}

// Engine decides whether an account may record an event and which kind.
type Engine struct {
	store    Store
	cooldown time.Duration
	loc      *time.Location
	now      func() time.Time
	log      zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLocation sets the zone used for day buckets.
func WithLocation(loc *time.Location) Option { return func(e *Engine) { e.loc = loc } }

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

// NewEngine creates an engine backed by a store.
func NewEngine(store Store, cooldown time.Duration, opts ...Option) *Engine {
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	e := &Engine{store: store, cooldown: cooldown, loc: time.Local, now: time.Now, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide runs the roster, daily cap and cooldown checks for accountID.
func (e *Engine) Decide(ctx context.Context, accountID string) (Decision, error) {
	now := e.now()
	day := DayBucket(now, e.loc)

	st, err := e.findStudent(ctx, accountID)
	if err != nil {
		return Decision{}, fmt.Errorf("roster lookup: %w", err)
	}
	if st == nil {
		return Decision{}, ErrNotFound
	}

	count, err := e.store.CountEvents(ctx, st.AccountID, day)
	if err != nil {
		return Decision{}, fmt.Errorf("count events: %w", err)
	}
	if count >= DailyLimit {
		return Decision{}, ErrDailyLimit
	}

	last, err := e.lastEvent(ctx, st.AccountID)
	if err != nil {
		return Decision{}, fmt.Errorf("last event: %w", err)
	}
	if last != nil {
		if elapsed := now.Sub(last.When); elapsed < e.cooldown {
			remaining := int(math.Ceil((e.cooldown - elapsed).Minutes()))
			if remaining < 1 {
				remaining = 1
			}
			return Decision{}, &CooldownError{Remaining: remaining}
		}
	}

	seq := count + 1
	return Decision{Student: *st, Kind: KindFor(seq), Sequence: seq, DayBucket: day, At: now}, nil
}

// findStudent looks the account up as given, then in numeric form.
func (e *Engine) findStudent(ctx context.Context, accountID string) (*Student, error) {
	st, err := e.store.FindStudent(ctx, accountID)
	if err != nil || st != nil {
		return st, err
	}
	numeric := strings.TrimLeft(accountID, "0")
	if numeric == "" || numeric == accountID {
		return nil, nil
	}
	st, err = e.store.FindStudent(ctx, numeric)
	if st != nil {
		// keep the canonical id so slot ids stay stable
		st.AccountID = accountID
	}
	return st, err
}

func (e *Engine) lastEvent(ctx context.Context, accountID string) (*Event, error) {
	last, err := e.store.LastEvent(ctx, accountID)
	if !errors.Is(err, ErrIndexUnavailable) {
		return last, err
	}
	e.log.Warn().Err(err).Str("account_id", accountID).Msg("ordered read unavailable, scanning events")

	events, err := e.store.ListEvents(ctx, accountID)
	if err != nil {
		return nil, err
	}
	last = nil
	for i := range events {
		if last == nil || events[i].When.After(last.When) {
			last = &events[i]
		}
	}
	return last, nil
}
