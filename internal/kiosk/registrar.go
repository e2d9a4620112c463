// Package kiosk serializes registration requests from the kiosk's inputs
// and drives them through the decision engine and the writer.
package kiosk

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"checkin/internal/attendance"
	"checkin/internal/metrics"
	"checkin/internal/notify"
	"checkin/internal/queue"
	"checkin/internal/scan"
)

// ErrAlreadyRunning is returned by Run when a drain loop is active.
var ErrAlreadyRunning = errors.New("registrar already running")

// Source tells where a request came from.
type Source string

const (
	SourceManual  Source = "manual"
	SourceScanner Source = "scanner"
)

// Request is a queued registration attempt. It is never persisted.
type Request struct {
	ID         string
	AccountID  string
	Source     Source
	EnqueuedAt time.Time

	// decision is pinned after the first successful Decide so retries
	// rewrite the same slot instead of deciding again.
	decision *attendance.Decision
}

// Decider is the decision engine as seen by the registrar.
type Decider interface {
	Decide(ctx context.Context, accountID string) (attendance.Decision, error)
}

// Recorder is the persistence writer as seen by the registrar.
type Recorder interface {
	Record(ctx context.Context, d attendance.Decision) (attendance.Event, bool, error)
}

// Config holds the registrar's policy constants.
type Config struct {
	Debounce   time.Duration // same-account enqueues closer than this are dropped
	RetryDelay time.Duration // pause before retrying a transient failure
}

// Deps are the registrar's collaborators. Feed and Metrics are optional.
type Deps struct {
	Decider  Decider
	Recorder Recorder
	Conn     Connectivity
	Notifier notify.Notifier
	Feed     queue.Queue
	Metrics  *metrics.Metrics
	Log      zerolog.Logger
	Now      func() time.Time
}

// Registrar is the single serialization point for writes: a FIFO of
// requests drained one at a time.
type Registrar struct {
	Deps
	debounce   time.Duration
	retryDelay time.Duration

	mu          sync.Mutex
	pending     []Request
	lastEnqueue map[string]time.Time
	inFlight    map[string]struct{}

	signal  chan struct{}
	running atomic.Bool
}

// NewRegistrar builds a registrar.
func NewRegistrar(cfg Config, deps Deps) *Registrar {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 350 * time.Millisecond
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	return &Registrar{
		Deps:        deps,
		debounce:    cfg.Debounce,
		retryDelay:  cfg.RetryDelay,
		lastEnqueue: make(map[string]time.Time),
		inFlight:    make(map[string]struct{}),
		signal:      make(chan struct{}, 1),
	}
}

// Len returns the number of queued requests, including the one in progress.
func (r *Registrar) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Enqueue appends a request for accountID. It returns false when the id is
// not a complete account id or the request was debounced.
func (r *Registrar) Enqueue(accountID string, src Source) bool {
	if !scan.Complete(accountID) {
		r.Notifier.Error(msgInvalidID)
		r.Notifier.Reset()
		return false
	}
	now := r.Now()

	r.mu.Lock()
	if last, ok := r.lastEnqueue[accountID]; ok && now.Sub(last) < r.debounce {
		r.mu.Unlock()
		r.Metrics.Debounced.Inc()
		r.Log.Debug().Str("account_id", accountID).Str("source", string(src)).Msg("debounced")
		return false
	}
	for acct, t := range r.lastEnqueue {
		if now.Sub(t) >= r.debounce {
			delete(r.lastEnqueue, acct)
		}
	}
	r.lastEnqueue[accountID] = now
	req := Request{ID: uuid.NewString(), AccountID: accountID, Source: src, EnqueuedAt: now}
	r.pending = append(r.pending, req)
	depth := len(r.pending)
	r.mu.Unlock()

	r.Metrics.QueueDepth.Set(float64(depth))
	r.Log.Debug().Str("request_id", req.ID).Str("account_id", accountID).Str("source", string(src)).Int("depth", depth).Msg("enqueued")
	if !r.Conn.Online() {
		r.Notifier.Info(msgQueued(depth))
	}

	select {
	case r.signal <- struct{}{}:
	default:
	}
	return true
}

// Run drains the queue until ctx is done. Only one Run may be active.
func (r *Registrar) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)

	for {
		req, ok := r.head()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.signal:
				continue
			}
		}

		if !r.Conn.Online() {
			r.Notifier.Info(msgQueued(r.Len()))
			if err := r.Conn.WaitOnline(ctx); err != nil {
				return err
			}
		}

		if r.process(ctx, req) {
			r.pop(req.ID)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.retryDelay):
		}
	}
}

func (r *Registrar) head() (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return Request{}, false
	}
	return r.pending[0], true
}

func (r *Registrar) pop(id string) {
	r.mu.Lock()
	if len(r.pending) > 0 && r.pending[0].ID == id {
		r.pending[0] = Request{}
		r.pending = r.pending[1:]
	}
	depth := len(r.pending)
	r.mu.Unlock()
	r.Metrics.QueueDepth.Set(float64(depth))
}

// pin stores d on the queued request with the given id.
func (r *Registrar) pin(id string, d attendance.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) > 0 && r.pending[0].ID == id {
		r.pending[0].decision = &d
	}
}

func (r *Registrar) acquire(accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inFlight[accountID]; busy {
		return false
	}
	r.inFlight[accountID] = struct{}{}
	return true
}

func (r *Registrar) release(accountID string) {
	r.mu.Lock()
	delete(r.inFlight, accountID)
	r.mu.Unlock()
}

// process runs one request and reports whether the queue may advance.
func (r *Registrar) process(ctx context.Context, req Request) bool {
	lg := r.Log.With().Str("request_id", req.ID).Str("account_id", req.AccountID).Logger()
	start := time.Now()

	evt, created, err := r.register(ctx, req)
	switch {
	case err == nil:
		r.Metrics.Duration.Observe(time.Since(start).Seconds())
		outcome := metrics.OutcomeSuccess
		if !created {
			outcome = metrics.OutcomeReplay
		}
		r.Metrics.Registrations.WithLabelValues(outcome, "").Inc()
		lg.Info().Str("event_id", evt.ID).Str("kind", string(evt.Kind)).Bool("created", created).Msg("registered")
		r.Notifier.Success(evt.Kind, evt.Name)
		r.Notifier.Reset()
		r.publish(ctx, evt, lg)
		return true

	case ctx.Err() != nil:
		return false

	case attendance.IsTransient(err):
		r.Metrics.Retries.WithLabelValues("queue").Inc()
		lg.Warn().Err(err).Msg("transient failure, will retry")
		if errors.Is(err, attendance.ErrUnavailable) {
			r.Conn.MarkOffline()
		}
		r.Notifier.Info(msgRetrying)
		return false

	default:
		r.Metrics.Duration.Observe(time.Since(start).Seconds())
		reason := reasonFor(err)
		outcome := metrics.OutcomeReject
		if reason == "permission" || reason == "precondition" || reason == "other" {
			outcome = metrics.OutcomeFailed
			lg.Error().Err(err).Msg("registration failed")
		} else {
			lg.Info().Err(err).Msg("registration rejected")
		}
		r.Metrics.Registrations.WithLabelValues(outcome, reason).Inc()
		r.Notifier.Error(messageFor(err))
		r.Notifier.Reset()
		return true
	}
}

func (r *Registrar) register(ctx context.Context, req Request) (attendance.Event, bool, error) {
	if !r.acquire(req.AccountID) {
		return attendance.Event{}, false, attendance.ErrBusy
	}
	defer r.release(req.AccountID)

	var d attendance.Decision
	if req.decision != nil {
		d = *req.decision
	} else {
		var err error
		d, err = r.Decider.Decide(ctx, req.AccountID)
		if err != nil {
			return attendance.Event{}, false, err
		}
		r.pin(req.ID, d)
	}
	evt, created, err := r.Recorder.Record(ctx, d)
	if err != nil {
		return attendance.Event{}, false, err
	}
	if evt.Name == "" {
		evt.Name = d.Student.FullName
	}
	return evt, created, nil
}

func (r *Registrar) publish(ctx context.Context, evt attendance.Event, lg zerolog.Logger) {
	if r.Feed == nil {
		return
	}
	msg, err := queue.RecordedMessage(evt)
	if err != nil {
		lg.Error().Err(err).Msg("encode event for feed")
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.Feed.Publish(pubCtx, msg); err != nil {
		lg.Warn().Err(err).Msg("event feed publish failed")
	}
}
