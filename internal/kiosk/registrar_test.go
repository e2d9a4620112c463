package kiosk

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkin/internal/attendance"
	"checkin/internal/notify"
	"checkin/internal/queue"
)

type lockedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *lockedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *lockedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubConn struct{ marks atomic.Int32 }

func (c *stubConn) Online() bool                         { return true }
func (c *stubConn) WaitOnline(ctx context.Context) error { return nil }
func (c *stubConn) MarkOffline()                         { c.marks.Add(1) }

type scriptedDecider struct {
	mu    sync.Mutex
	errs  []error
	calls []string
}

func (s *scriptedDecider) Decide(ctx context.Context, acct string) (attendance.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, acct)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return attendance.Decision{}, err
		}
	}
	return attendance.Decision{
		Student:   attendance.Student{AccountID: acct, FullName: "Alumno " + acct},
		Kind:      attendance.CheckIn,
		Sequence:  1,
		DayBucket: "2025-03-10",
	}, nil
}

func (s *scriptedDecider) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type echoRecorder struct{}

func (echoRecorder) Record(ctx context.Context, d attendance.Decision) (attendance.Event, bool, error) {
	return attendance.Event{ID: d.SlotID(), AccountID: d.Student.AccountID, Kind: d.Kind, Sequence: d.Sequence}, true, nil
}

func next(t *testing.T, ch <-chan notify.Outcome) notify.Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return notify.Outcome{}
	}
}

// nextTerminal skips info and reset outcomes.
func nextTerminal(t *testing.T, ch <-chan notify.Outcome) notify.Outcome {
	t.Helper()
	for {
		o := next(t, ch)
		if o.Type == notify.TypeSuccess || o.Type == notify.TypeError {
			return o
		}
	}
}

func startRegistrar(t *testing.T, r *Registrar) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestEnqueue_RejectsIncompleteID(t *testing.T) {
	hub := notify.NewHub()
	ch, cancel := hub.Subscribe(8)
	defer cancel()
	r := NewRegistrar(Config{}, Deps{Conn: &stubConn{}, Notifier: hub, Log: zerolog.Nop()})

	assert.False(t, r.Enqueue("12345", SourceManual))
	assert.Equal(t, 0, r.Len())

	o := next(t, ch)
	assert.Equal(t, notify.TypeError, o.Type)
	assert.Equal(t, msgInvalidID, o.Message)
	assert.Equal(t, notify.TypeReset, next(t, ch).Type)
}

func TestEnqueue_Debounce(t *testing.T) {
	clock := &lockedClock{t: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)}
	r := NewRegistrar(Config{Debounce: 350 * time.Millisecond}, Deps{
		Conn: &stubConn{}, Notifier: notify.NewHub(), Log: zerolog.Nop(), Now: clock.Now,
	})

	require.True(t, r.Enqueue("123456", SourceScanner))
	clock.Advance(200 * time.Millisecond)
	assert.False(t, r.Enqueue("123456", SourceManual), "same account inside the window")
	assert.True(t, r.Enqueue("654321", SourceManual), "other accounts are independent")

	clock.Advance(200 * time.Millisecond)
	assert.True(t, r.Enqueue("123456", SourceManual), "window measured from the accepted enqueue")
	assert.Equal(t, 3, r.Len())
}

func TestRun_SecondInstanceRefused(t *testing.T) {
	r := NewRegistrar(Config{}, Deps{Conn: &stubConn{}, Notifier: notify.NewHub(), Log: zerolog.Nop()})
	startRegistrar(t, r)

	require.Eventually(t, func() bool { return r.running.Load() }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, r.Run(context.Background()), ErrAlreadyRunning)
}

func newEngineRegistrar(t *testing.T, clock *lockedClock, hub *notify.Hub) (*Registrar, *attendance.MemoryStore) {
	t.Helper()
	st := attendance.NewMemoryStore(clock.Now)
	_, err := st.SaveStudents(context.Background(), []attendance.Student{
		{AccountID: "111111", FullName: "Ana Torres"},
		{AccountID: "333333", FullName: "Carla Ruiz"},
	})
	require.NoError(t, err)
	eng := attendance.NewEngine(st, 5*time.Minute, attendance.WithClock(clock.Now), attendance.WithLocation(time.UTC))
	w := attendance.NewWriter(st, 3, time.Millisecond, zerolog.Nop())
	r := NewRegistrar(Config{RetryDelay: 10 * time.Millisecond}, Deps{
		Decider: eng, Recorder: w, Conn: &stubConn{}, Notifier: hub, Log: zerolog.Nop(), Now: clock.Now,
	})
	return r, st
}

func TestRun_ProcessesInOrderAndAdvancesPastRejections(t *testing.T) {
	clock := &lockedClock{t: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)}
	hub := notify.NewHub()
	ch, cancel := hub.Subscribe(32)
	defer cancel()
	r, st := newEngineRegistrar(t, clock, hub)

	require.True(t, r.Enqueue("111111", SourceManual))
	require.True(t, r.Enqueue("222222", SourceManual))
	require.True(t, r.Enqueue("333333", SourceScanner))
	startRegistrar(t, r)

	a := nextTerminal(t, ch)
	assert.Equal(t, notify.TypeSuccess, a.Type)
	assert.Equal(t, "Entrada registrada: Ana Torres", a.Message)

	b := nextTerminal(t, ch)
	assert.Equal(t, notify.TypeError, b.Type)
	assert.Equal(t, messageFor(attendance.ErrNotFound), b.Message)

	c := nextTerminal(t, ch)
	assert.Equal(t, notify.TypeSuccess, c.Type)
	assert.Equal(t, "Carla Ruiz", c.Name)

	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Len(t, st.Events(), 2)
}

func TestRun_TransientFailureRetriesHead(t *testing.T) {
	hub := notify.NewHub()
	ch, cancel := hub.Subscribe(32)
	defer cancel()
	conn := &stubConn{}
	dec := &scriptedDecider{errs: []error{attendance.ErrUnavailable, attendance.ErrAborted}}
	r := NewRegistrar(Config{RetryDelay: 10 * time.Millisecond}, Deps{
		Decider: dec, Recorder: echoRecorder{}, Conn: conn, Notifier: hub, Log: zerolog.Nop(),
	})

	require.True(t, r.Enqueue("111111", SourceManual))
	require.True(t, r.Enqueue("222222", SourceManual))
	startRegistrar(t, r)

	o := next(t, ch)
	assert.Equal(t, notify.TypeInfo, o.Type)
	assert.Equal(t, msgRetrying, o.Message)

	first := nextTerminal(t, ch)
	assert.Equal(t, notify.TypeSuccess, first.Type)
	assert.Equal(t, "Alumno 111111", first.Name)
	second := nextTerminal(t, ch)
	assert.Equal(t, "Alumno 222222", second.Name)

	assert.Equal(t, []string{"111111", "111111", "111111", "222222"}, dec.Calls())
	assert.Equal(t, int32(1), conn.marks.Load(), "only unavailability marks the kiosk offline")
}

// lostAckStore commits the first transaction and then reports the store
// as unavailable, as when a commit acknowledgement is lost.
type lostAckStore struct {
	*attendance.MemoryStore
	once sync.Once
}

func (s *lostAckStore) RunInTx(ctx context.Context, fn func(tx attendance.SlotTx) error) error {
	err := s.MemoryStore.RunInTx(ctx, fn)
	lost := false
	s.once.Do(func() { lost = err == nil })
	if lost {
		return attendance.ErrUnavailable
	}
	return err
}

type countingDecider struct {
	Decider
	calls atomic.Int32
}

func (c *countingDecider) Decide(ctx context.Context, acct string) (attendance.Decision, error) {
	c.calls.Add(1)
	return c.Decider.Decide(ctx, acct)
}

func TestRun_LostCommitAckIsReplayedNotRejected(t *testing.T) {
	clock := &lockedClock{t: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)}
	mem := attendance.NewMemoryStore(clock.Now)
	_, err := mem.SaveStudents(context.Background(), []attendance.Student{{AccountID: "111111", FullName: "Ana Torres"}})
	require.NoError(t, err)
	st := &lostAckStore{MemoryStore: mem}

	hub := notify.NewHub()
	ch, cancel := hub.Subscribe(32)
	defer cancel()
	conn := &stubConn{}
	dec := &countingDecider{Decider: attendance.NewEngine(st, 5*time.Minute, attendance.WithClock(clock.Now), attendance.WithLocation(time.UTC))}
	r := NewRegistrar(Config{RetryDelay: 10 * time.Millisecond}, Deps{
		Decider:  dec,
		Recorder: attendance.NewWriter(st, 1, time.Millisecond, zerolog.Nop()),
		Conn:     conn, Notifier: hub, Log: zerolog.Nop(), Now: clock.Now,
	})

	require.True(t, r.Enqueue("111111", SourceScanner))
	startRegistrar(t, r)

	o := next(t, ch)
	assert.Equal(t, notify.TypeInfo, o.Type)
	assert.Equal(t, msgRetrying, o.Message)

	done := nextTerminal(t, ch)
	require.Equal(t, notify.TypeSuccess, done.Type, done.Message)
	assert.Equal(t, attendance.CheckIn, done.Kind)
	assert.Equal(t, "Ana Torres", done.Name)

	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Len(t, mem.Events(), 1)
	assert.Equal(t, int32(1), dec.calls.Load(), "retry reuses the first decision")
	assert.Equal(t, int32(1), conn.marks.Load())
}

func TestRun_InFlightAccountRetriesHead(t *testing.T) {
	hub := notify.NewHub()
	ch, cancel := hub.Subscribe(32)
	defer cancel()
	dec := &scriptedDecider{}
	r := NewRegistrar(Config{RetryDelay: 10 * time.Millisecond}, Deps{
		Decider: dec, Recorder: echoRecorder{}, Conn: &stubConn{}, Notifier: hub, Log: zerolog.Nop(),
	})
	require.True(t, r.acquire("111111"))
	require.True(t, r.Enqueue("111111", SourceManual))
	startRegistrar(t, r)

	o := next(t, ch)
	assert.Equal(t, notify.TypeInfo, o.Type)
	assert.Equal(t, msgRetrying, o.Message)
	assert.Equal(t, 1, r.Len(), "busy head stays queued")
	assert.Empty(t, dec.Calls())

	r.release("111111")
	done := nextTerminal(t, ch)
	assert.Equal(t, notify.TypeSuccess, done.Type)
	assert.Equal(t, []string{"111111"}, dec.Calls())
	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRun_WaitsForConnectivity(t *testing.T) {
	var healthy atomic.Bool
	probe := func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("connection refused")
	}
	mon := NewMonitor(probe, 10*time.Millisecond, zerolog.Nop(), nil)
	monCtx, stopMon := context.WithCancel(context.Background())
	defer stopMon()
	go mon.Run(monCtx)
	require.Eventually(t, func() bool { return !mon.Online() }, time.Second, 5*time.Millisecond)

	hub := notify.NewHub()
	ch, cancel := hub.Subscribe(32)
	defer cancel()
	dec := &scriptedDecider{}
	r := NewRegistrar(Config{}, Deps{
		Decider: dec, Recorder: echoRecorder{}, Conn: mon, Notifier: hub, Log: zerolog.Nop(),
	})

	require.True(t, r.Enqueue("111111", SourceManual))
	o := next(t, ch)
	assert.Equal(t, notify.TypeInfo, o.Type)
	assert.Equal(t, msgQueued(1), o.Message)

	startRegistrar(t, r)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, dec.Calls(), "nothing is attempted while offline")
	assert.Equal(t, 1, r.Len())

	healthy.Store(true)
	done := nextTerminal(t, ch)
	assert.Equal(t, notify.TypeSuccess, done.Type)
	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRun_RepeatedSubmissionsHonourDailyLimit(t *testing.T) {
	clock := &lockedClock{t: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)}
	hub := notify.NewHub()
	ch, cancel := hub.Subscribe(32)
	defer cancel()
	r, st := newEngineRegistrar(t, clock, hub)
	feed := queue.NewInMemory(8)
	r.Feed = feed
	startRegistrar(t, r)

	require.True(t, r.Enqueue("111111", SourceScanner))
	in := nextTerminal(t, ch)
	assert.Equal(t, attendance.CheckIn, in.Kind)

	clock.Advance(6 * time.Minute)
	require.True(t, r.Enqueue("111111", SourceScanner))
	out := nextTerminal(t, ch)
	assert.Equal(t, attendance.CheckOut, out.Kind)

	clock.Advance(6 * time.Minute)
	require.True(t, r.Enqueue("111111", SourceScanner))
	third := nextTerminal(t, ch)
	assert.Equal(t, notify.TypeError, third.Type)
	assert.Equal(t, messageFor(attendance.ErrDailyLimit), third.Message)

	assert.Len(t, st.Events(), 2)

	ctx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	msgs, err := feed.Consume(ctx)
	require.NoError(t, err)
	for _, want := range []attendance.Kind{attendance.CheckIn, attendance.CheckOut} {
		var msg queue.Message
		select {
		case msg = <-msgs:
		case <-ctx.Done():
			t.Fatal("feed message missing")
		}
		evt, err := queue.DecodeRecorded(msg)
		require.NoError(t, err)
		assert.Equal(t, want, evt.Kind)
		assert.Equal(t, "Ana Torres", evt.Name)
	}
}

func TestRun_CooldownMessage(t *testing.T) {
	clock := &lockedClock{t: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)}
	hub := notify.NewHub()
	ch, cancel := hub.Subscribe(32)
	defer cancel()
	r, _ := newEngineRegistrar(t, clock, hub)
	startRegistrar(t, r)

	require.True(t, r.Enqueue("333333", SourceManual))
	require.Equal(t, notify.TypeSuccess, nextTerminal(t, ch).Type)

	clock.Advance(time.Minute)
	require.True(t, r.Enqueue("333333", SourceManual))
	o := nextTerminal(t, ch)
	assert.Equal(t, notify.TypeError, o.Type)
	assert.Equal(t, "Espera 4 minuto(s) antes de volver a registrar.", o.Message)
}

func TestMonitor_TransitionsAndWait(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	mon := NewMonitor(func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("down")
	}, 10*time.Millisecond, zerolog.Nop(), nil)

	assert.True(t, mon.Online())
	mon.MarkOffline()
	assert.False(t, mon.Online())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, mon.WaitOnline(ctx), context.DeadlineExceeded)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go mon.Run(runCtx)

	waitCtx, cancelWait := context.WithTimeout(context.Background(), time.Second)
	defer cancelWait()
	require.NoError(t, mon.WaitOnline(waitCtx))
	assert.True(t, mon.Online())
}
