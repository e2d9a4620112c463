package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	_ Store        = (*GormRepository)(nil)
	_ RosterWriter = (*GormRepository)(nil)
)

type studentRow struct {
	ID        uint   `gorm:"primaryKey"`
	AccountID string `gorm:"uniqueIndex;size:16;not null"`
	FullName  string `gorm:"not null"`
	Semester  string
	Group     string `gorm:"column:grp"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (studentRow) TableName() string { return "students" }

type eventRow struct {
	ID         string    `gorm:"primaryKey"`
	AccountID  string    `gorm:"not null;index:idx_events_account_time,priority:1;index:idx_events_account_day,priority:1"`
	Name       string    `gorm:"not null"`
	Kind       string    `gorm:"not null"`
	OccurredAt time.Time `gorm:"not null;index:idx_events_account_time,priority:2,sort:desc"`
	DayBucket  string    `gorm:"not null;index:idx_events_account_day,priority:2"`
	Sequence   int       `gorm:"column:sequence_in_day;not null"`
}

func (eventRow) TableName() string { return "attendance_events" }

func (r eventRow) event() Event {
	return Event{
		ID:        r.ID,
		AccountID: r.AccountID,
		Name:      r.Name,
		Kind:      Kind(r.Kind),
		When:      r.OccurredAt,
		DayBucket: r.DayBucket,
		Sequence:  r.Sequence,
	}
}

// GormRepository is a Store on a local SQL database through GORM. It backs
// single-kiosk deployments on SQLite.
type GormRepository struct {
	db  *gorm.DB
	now func() time.Time

	mu        sync.Mutex
	lastStamp time.Time
}

// NewGormRepository wraps an open GORM handle.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db, now: time.Now}
}

// Migrate creates the tables and indexes.
func (r *GormRepository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&studentRow{}, &eventRow{})
}

func (r *GormRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return gormClassify(err)
	}
	return gormClassify(sqlDB.PingContext(ctx))
}

func (r *GormRepository) FindStudent(ctx context.Context, accountID string) (*Student, error) {
	var rows []studentRow
	if err := r.db.WithContext(ctx).Where("account_id = ?", accountID).Limit(1).Find(&rows).Error; err != nil {
		return nil, gormClassify(err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &Student{AccountID: rows[0].AccountID, FullName: rows[0].FullName, Semester: rows[0].Semester, Group: rows[0].Group}, nil
}

func (r *GormRepository) SaveStudents(ctx context.Context, students []Student) (int, error) {
	if len(students) == 0 {
		return 0, nil
	}
	rows := make([]studentRow, 0, len(students))
	for _, st := range students {
		rows = append(rows, studentRow{AccountID: st.AccountID, FullName: st.FullName, Semester: st.Semester, Group: st.Group})
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"full_name", "semester", "grp", "updated_at"}),
		}).
		CreateInBatches(rows, 200).Error
	if err != nil {
		return 0, gormClassify(err)
	}
	return len(rows), nil
}

func (r *GormRepository) CountEvents(ctx context.Context, accountID, day string) (int, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&eventRow{}).
		Where("account_id = ? AND day_bucket = ?", accountID, day).
		Count(&n).Error
	return int(n), gormClassify(err)
}

func (r *GormRepository) LastEvent(ctx context.Context, accountID string) (*Event, error) {
	var rows []eventRow
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("occurred_at DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, gormClassify(err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	evt := rows[0].event()
	return &evt, nil
}

func (r *GormRepository) ListEvents(ctx context.Context, accountID string) ([]Event, error) {
	var rows []eventRow
	if err := r.db.WithContext(ctx).Where("account_id = ?", accountID).Find(&rows).Error; err != nil {
		return nil, gormClassify(err)
	}
	out := make([]Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.event())
	}
	return out, nil
}

func (r *GormRepository) RunInTx(ctx context.Context, fn func(tx SlotTx) error) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{repo: r, tx: tx})
	})
	if err == nil || errors.Is(err, ErrDailyLimit) || errors.Is(err, ErrSlotTaken) {
		return err
	}
	return gormClassify(err)
}

func (r *GormRepository) stamp() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.now().UTC()
	if !t.After(r.lastStamp) {
		t = r.lastStamp.Add(time.Microsecond)
	}
	r.lastStamp = t
	return t
}

type gormTx struct {
	repo *GormRepository
	tx   *gorm.DB
}

func (t *gormTx) GetSlots(ctx context.Context, ids ...string) (map[string]Event, error) {
	out := make(map[string]Event, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []eventRow
	if err := t.tx.Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, gormClassify(err)
	}
	for _, row := range rows {
		out[row.ID] = row.event()
	}
	return out, nil
}

func (t *gormTx) InsertEvent(ctx context.Context, evt Event) (Event, error) {
	evt.When = t.repo.stamp()
	row := eventRow{
		ID:         evt.ID,
		AccountID:  evt.AccountID,
		Name:       evt.Name,
		Kind:       string(evt.Kind),
		OccurredAt: evt.When,
		DayBucket:  evt.DayBucket,
		Sequence:   evt.Sequence,
	}
	res := t.tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return Event{}, gormClassify(res.Error)
	}
	if res.RowsAffected == 0 {
		return Event{}, ErrSlotTaken
	}
	return evt, nil
}

// gormClassify maps SQLite/GORM errors onto the store error taxonomy.
func gormClassify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrDeadline, err)
	}
	low := strings.ToLower(err.Error())
	switch {
	case strings.Contains(low, "database is locked"), strings.Contains(low, "database table is locked"), strings.Contains(low, "sqlite_busy"):
		return fmt.Errorf("%w: %w", ErrAborted, err)
	case strings.Contains(low, "no such table"), strings.Contains(low, "no such column"):
		return fmt.Errorf("%w: %w", ErrPrecondition, err)
	case strings.Contains(low, "readonly"), strings.Contains(low, "permission"):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	case strings.Contains(low, "unable to open"), strings.Contains(low, "disk i/o"), strings.Contains(low, "database is closed"):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
