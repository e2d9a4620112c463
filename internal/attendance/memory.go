package attendance

import (
	"context"
	"sort"
	"sync"
	"time"
)

var (
	_ Store        = (*MemoryStore)(nil)
	_ RosterWriter = (*MemoryStore)(nil)
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	txMu sync.Mutex // serializes transactions

	mu        sync.Mutex
	students  map[string]Student
	events    map[string]Event
	lastStamp time.Time
	now       func() time.Time
	noIndex   bool
	fault     func(op string) error
}

// NewMemoryStore returns an empty store whose timestamps come from now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		students: make(map[string]Student),
		events:   make(map[string]Event),
		now:      now,
	}
}

// DisableOrderedIndex makes LastEvent fail with ErrIndexUnavailable.
func (m *MemoryStore) DisableOrderedIndex() {
	m.mu.Lock()
	m.noIndex = true
	m.mu.Unlock()
}

// SetFault installs a hook consulted before every operation; a non-nil
// return fails that operation. Ops: find, count, last, list, tx, insert, ping.
func (m *MemoryStore) SetFault(fn func(op string) error) {
	m.mu.Lock()
	m.fault = fn
	m.mu.Unlock()
}

func (m *MemoryStore) check(op string) error {
	m.mu.Lock()
	fn := m.fault
	m.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(op)
}

// Events returns a copy of every stored event ordered by timestamp.
func (m *MemoryStore) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, len(m.events))
	for _, evt := range m.events {
		out = append(out, evt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].When.Before(out[j].When) })
	return out
}

// PutEvent stores evt as-is, bypassing the slot transaction.
func (m *MemoryStore) PutEvent(evt Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if evt.ID == "" {
		evt.ID = SlotID(evt.AccountID, evt.DayBucket, evt.Sequence)
	}
	m.events[evt.ID] = evt
}

func (m *MemoryStore) SaveStudents(ctx context.Context, students []Student) (int, error) {
	if err := m.check("save"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range students {
		m.students[st.AccountID] = st
	}
	return len(students), nil
}

func (m *MemoryStore) FindStudent(ctx context.Context, accountID string) (*Student, error) {
	if err := m.check("find"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.students[accountID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (m *MemoryStore) CountEvents(ctx context.Context, accountID, day string) (int, error) {
	if err := m.check("count"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, evt := range m.events {
		if evt.AccountID == accountID && evt.DayBucket == day {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) LastEvent(ctx context.Context, accountID string) (*Event, error) {
	if err := m.check("last"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.noIndex {
		return nil, ErrIndexUnavailable
	}
	var last *Event
	for _, evt := range m.events {
		if evt.AccountID != accountID {
			continue
		}
		if last == nil || evt.When.After(last.When) {
			e := evt
			last = &e
		}
	}
	return last, nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, accountID string) ([]Event, error) {
	if err := m.check("list"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, evt := range m.events {
		if evt.AccountID == accountID {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (m *MemoryStore) RunInTx(ctx context.Context, fn func(tx SlotTx) error) error {
	if err := m.check("tx"); err != nil {
		return err
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	tx := &memoryTx{store: m, pending: make(map[string]Event)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, evt := range tx.pending {
		m.events[id] = evt
	}
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return m.check("ping")
}

// stamp returns a strictly increasing server timestamp. Caller holds mu.
func (m *MemoryStore) stamp() time.Time {
	t := m.now()
	if !t.After(m.lastStamp) {
		t = m.lastStamp.Add(time.Microsecond)
	}
	m.lastStamp = t
	return t
}

type memoryTx struct {
	store   *MemoryStore
	pending map[string]Event
}

func (tx *memoryTx) GetSlots(ctx context.Context, ids ...string) (map[string]Event, error) {
	out := make(map[string]Event, len(ids))
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for _, id := range ids {
		if evt, ok := tx.pending[id]; ok {
			out[id] = evt
		} else if evt, ok := tx.store.events[id]; ok {
			out[id] = evt
		}
	}
	return out, nil
}

func (tx *memoryTx) InsertEvent(ctx context.Context, evt Event) (Event, error) {
	if err := tx.store.check("insert"); err != nil {
		return Event{}, err
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if _, ok := tx.store.events[evt.ID]; ok {
		return Event{}, ErrSlotTaken
	}
	if _, ok := tx.pending[evt.ID]; ok {
		return Event{}, ErrSlotTaken
	}
	evt.When = tx.store.stamp()
	tx.pending[evt.ID] = evt
	return evt, nil
}
