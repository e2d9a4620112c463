package attendance

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed schema.sql
var schema string

var (
	_ Store        = (*Repository)(nil)
	_ RosterWriter = (*Repository)(nil)
)

// Repository persists roster and attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates the tables and indexes if they do not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return classify(err)
}

// Ping checks connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return classify(r.db.PingContext(ctx))
}

// FindStudent returns a roster entry by account id.
func (r *Repository) FindStudent(ctx context.Context, accountID string) (*Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT account_id, full_name, semester, grp
		FROM students WHERE account_id = $1
		LIMIT 1
	`, accountID)
	var st Student
	if err := row.Scan(&st.AccountID, &st.FullName, &st.Semester, &st.Group); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	return &st, nil
}

// SaveStudents upserts the roster in a single transaction.
func (r *Repository) SaveStudents(ctx context.Context, students []Student) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO students (account_id, full_name, semester, grp)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id) DO UPDATE SET
			full_name = EXCLUDED.full_name,
			semester = EXCLUDED.semester,
			grp = EXCLUDED.grp,
			updated_at = NOW()
	`)
	if err != nil {
		return 0, classify(err)
	}
	defer stmt.Close()

	for _, st := range students {
		if _, err := stmt.ExecContext(ctx, st.AccountID, st.FullName, st.Semester, st.Group); err != nil {
			return 0, fmt.Errorf("save %s: %w", st.AccountID, classify(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, classify(err)
	}
	return len(students), nil
}

// CountEvents counts an account's events in a day bucket.
func (r *Repository) CountEvents(ctx context.Context, accountID, day string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attendance_events
		WHERE account_id = $1 AND day_bucket = $2
	`, accountID, day).Scan(&n)
	return n, classify(err)
}

const eventColumns = `id, account_id, name, kind, occurred_at, day_bucket, sequence_in_day`

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (Event, error) {
	var evt Event
	var kind string
	if err := s.Scan(&evt.ID, &evt.AccountID, &evt.Name, &kind, &evt.When, &evt.DayBucket, &evt.Sequence); err != nil {
		return Event{}, err
	}
	evt.Kind = Kind(kind)
	return evt, nil
}

// LastEvent returns the most recent event for an account.
func (r *Repository) LastEvent(ctx context.Context, accountID string) (*Event, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM attendance_events
		WHERE account_id = $1
		ORDER BY occurred_at DESC
		LIMIT 1
	`, accountID)
	evt, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	return &evt, nil
}

// ListEvents returns every event of an account, unordered.
func (r *Repository) ListEvents(ctx context.Context, accountID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM attendance_events WHERE account_id = $1
	`, accountID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, classify(err)
		}
		res = append(res, evt)
	}
	return res, classify(rows.Err())
}

// RunInTx runs fn inside a Postgres transaction.
func (r *Repository) RunInTx(ctx context.Context, fn func(tx SlotTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return classify(tx.Commit())
}

type pgTx struct {
	tx *sql.Tx
}

// GetSlots locks and returns the existing slot rows.
func (t *pgTx) GetSlots(ctx context.Context, ids ...string) (map[string]Event, error) {
	out := make(map[string]Event, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(ids))
	marks := make([]string, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
		marks = append(marks, "$"+strconv.Itoa(len(args)))
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM attendance_events
		WHERE id IN (`+strings.Join(marks, ", ")+`)
		FOR UPDATE
	`, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, classify(err)
		}
		out[evt.ID] = evt
	}
	return out, classify(rows.Err())
}

// InsertEvent writes a slot; occurred_at is assigned by the server clock.
func (t *pgTx) InsertEvent(ctx context.Context, evt Event) (Event, error) {
	row := t.tx.QueryRowContext(ctx, `
		INSERT INTO attendance_events (id, account_id, name, kind, day_bucket, sequence_in_day)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
		RETURNING occurred_at
	`, evt.ID, evt.AccountID, evt.Name, string(evt.Kind), evt.DayBucket, evt.Sequence)
	if err := row.Scan(&evt.When); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Event{}, ErrSlotTaken
		}
		return Event{}, classify(err)
	}
	return evt, nil
}

// classify maps driver errors onto the store error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", ErrDeadline, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return fmt.Errorf("%w: %w", ErrAborted, err)
		case pgErr.Code == "57014":
			return fmt.Errorf("%w: %w", ErrDeadline, err)
		case pgErr.Code == "42501":
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		case pgErr.Code == "0A000":
			return fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		case strings.HasPrefix(pgErr.Code, "42"):
			return fmt.Errorf("%w: %w", ErrPrecondition, err)
		case strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "XX"):
			return fmt.Errorf("%w: %w", ErrInternal, err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
