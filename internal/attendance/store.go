package attendance

import "context"

// Store is the persistence collaborator used by the engine and the writer.
type Store interface {
	// FindStudent returns nil, nil when the account is not on the roster.
	FindStudent(ctx context.Context, accountID string) (*Student, error)
	CountEvents(ctx context.Context, accountID, day string) (int, error)
	// LastEvent returns the account's most recent event across all days,
	// or nil, nil if there is none.
	LastEvent(ctx context.Context, accountID string) (*Event, error)
	ListEvents(ctx context.Context, accountID string) ([]Event, error)
	// RunInTx runs fn atomically. Nothing fn wrote is kept if it returns an error.
	RunInTx(ctx context.Context, fn func(tx SlotTx) error) error
	Ping(ctx context.Context) error
}

// SlotTx is the view of the store inside a transaction.
type SlotTx interface {
	// GetSlots returns the existing events among ids, keyed by id.
	GetSlots(ctx context.Context, ids ...string) (map[string]Event, error)
	// InsertEvent writes evt with a store-assigned timestamp and returns it.
	InsertEvent(ctx context.Context, evt Event) (Event, error)
}

// RosterWriter is implemented by stores that accept roster imports.
type RosterWriter interface {
	// SaveStudents upserts all students in one batch and returns how many were written.
	SaveStudents(ctx context.Context, students []Student) (int, error)
}
