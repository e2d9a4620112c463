// Package presence keeps a per-day set of students who checked in and have
// not checked out yet, fed from the recorded-event queue.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"checkin/internal/attendance"
	"checkin/internal/queue"
)

// Set stores who is present per day bucket.
type Set interface {
	Add(ctx context.Context, day, accountID string) error
	Remove(ctx context.Context, day, accountID string) error
	Members(ctx context.Context, day string) ([]string, error)
}

// Apply updates s for one recorded event.
func Apply(ctx context.Context, s Set, evt attendance.Event) error {
	switch evt.Kind {
	case attendance.CheckIn:
		return s.Add(ctx, evt.DayBucket, evt.AccountID)
	case attendance.CheckOut:
		return s.Remove(ctx, evt.DayBucket, evt.AccountID)
	}
	return fmt.Errorf("presence: unknown kind %q", evt.Kind)
}

// Consume applies every recorded event from q until ctx is done or the
// queue closes. Malformed messages are logged and dropped.
func Consume(ctx context.Context, q queue.Queue, s Set, log zerolog.Logger) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("presence: consume: %w", err)
	}
	for msg := range messages {
		if msg.Type != queue.TypeRecorded {
			continue
		}
		evt, err := queue.DecodeRecorded(msg)
		if err != nil {
			log.Warn().Err(err).Msg("dropping malformed event")
			continue
		}
		if err := Apply(ctx, s, evt); err != nil {
			log.Error().Err(err).Str("event_id", evt.ID).Msg("presence update failed")
			continue
		}
		log.Info().Str("event_id", evt.ID).Str("account_id", evt.AccountID).Str("kind", string(evt.Kind)).Msg("presence updated")
	}
	return ctx.Err()
}

// RedisSet keeps one redis set per day, expiring after TTL.
type RedisSet struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSet builds a set with keys "<prefix>:<day>".
func NewRedisSet(client *redis.Client, prefix string, ttl time.Duration) *RedisSet {
	if prefix == "" {
		prefix = "attendance:present"
	}
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &RedisSet{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisSet) key(day string) string { return r.prefix + ":" + day }

func (r *RedisSet) Add(ctx context.Context, day, accountID string) error {
	key := r.key(day)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, key, accountID)
		p.Expire(ctx, key, r.ttl)
		return nil
	})
	return err
}

func (r *RedisSet) Remove(ctx context.Context, day, accountID string) error {
	return r.client.SRem(ctx, r.key(day), accountID).Err()
}

func (r *RedisSet) Members(ctx context.Context, day string) ([]string, error) {
	out, err := r.client.SMembers(ctx, r.key(day)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	sort.Strings(out)
	return out, err
}

// MemorySet is a process-local Set.
type MemorySet struct {
	mu   sync.Mutex
	days map[string]map[string]struct{}
}

func NewMemorySet() *MemorySet {
	return &MemorySet{days: make(map[string]map[string]struct{})}
}

func (m *MemorySet) Add(_ context.Context, day, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.days[day]
	if !ok {
		set = make(map[string]struct{})
		m.days[day] = set
	}
	set[accountID] = struct{}{}
	return nil
}

func (m *MemorySet) Remove(_ context.Context, day, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.days[day], accountID)
	return nil
}

func (m *MemorySet) Members(_ context.Context, day string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.days[day]))
	for acct := range m.days[day] {
		out = append(out, acct)
	}
	sort.Strings(out)
	return out, nil
}
