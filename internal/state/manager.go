// Package state keeps job outcomes and statistics snapshots in Redis so they
// outlive the scheduler that produced them.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/logstream/internal/jobs"
)

const (
	// DefaultTTL is how long a terminal job status is kept.
	DefaultTTL = 24 * time.Hour

	// MaxRecentJobs bounds the recent-jobs index.
	MaxRecentJobs = 1000
)

// Manager stores terminal job statuses and stats snapshots in Redis.
// It implements jobs.StatusStore.
type Manager struct {
	redis   *redis.Client
	enabled bool
	ttl     time.Duration
	prefix  string
}

// NewManager creates a state manager. A disabled manager, or one without a
// client, stores nothing and finds nothing.
func NewManager(redisClient *redis.Client, enabled bool, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		redis:   redisClient,
		enabled: enabled,
		ttl:     ttl,
		prefix:  "logstream",
	}
}

// IsEnabled returns whether the state manager is enabled
func (m *Manager) IsEnabled() bool {
	return m.enabled && m.redis != nil
}

// Ping checks the Redis connection.
func (m *Manager) Ping(ctx context.Context) error {
	if !m.IsEnabled() {
		return nil
	}
	return m.redis.Ping(ctx).Err()
}

// Put records a job's final state and indexes it by completion time.
func (m *Manager) Put(ctx context.Context, job jobs.Job) error {
	if !m.IsEnabled() {
		return nil // Skip if state manager is disabled
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job state: %w", err)
	}

	pipe := m.redis.TxPipeline()
	pipe.Set(ctx, m.jobKey(job.QueryID), data, m.ttl)
	pipe.ZAdd(ctx, m.recentKey(), redis.Z{Score: float64(time.Now().UnixMilli()), Member: job.QueryID})
	pipe.ZRemRangeByRank(ctx, m.recentKey(), 0, -MaxRecentJobs-1)
	pipe.Expire(ctx, m.recentKey(), m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save job state: %w", err)
	}
	return nil
}

// Get returns the recorded final state of a job, or jobs.ErrNotFound.
func (m *Manager) Get(ctx context.Context, queryID string) (*jobs.Job, error) {
	if !m.IsEnabled() {
		return nil, jobs.ErrNotFound
	}

	data, err := m.redis.Get(ctx, m.jobKey(queryID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job state: %w", err)
	}

	var job jobs.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job state: %w", err)
	}
	return &job, nil
}

// Recent returns up to limit finished jobs, newest first. Jobs whose state
// has expired are skipped.
func (m *Manager) Recent(ctx context.Context, limit int) ([]jobs.Job, error) {
	if !m.IsEnabled() {
		return nil, fmt.Errorf("state manager is disabled")
	}
	if limit <= 0 || limit > MaxRecentJobs {
		limit = MaxRecentJobs
	}

	ids, err := m.redis.ZRevRange(ctx, m.recentKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list recent jobs: %w", err)
	}

	out := make([]jobs.Job, 0, len(ids))
	for _, id := range ids {
		job, err := m.Get(ctx, id)
		if err != nil {
			continue // Skip expired or unreadable entries
		}
		out = append(out, *job)
	}
	return out, nil
}

// SaveSnapshot stores a JSON snapshot of v under name.
func (m *Manager) SaveSnapshot(ctx context.Context, name string, v interface{}) error {
	if !m.IsEnabled() {
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s snapshot: %w", name, err)
	}
	if err := m.redis.Set(ctx, m.snapshotKey(name), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save %s snapshot: %w", name, err)
	}
	return nil
}

// LoadSnapshot decodes the snapshot stored under name into v. It reports
// false when no snapshot exists.
func (m *Manager) LoadSnapshot(ctx context.Context, name string, v interface{}) (bool, error) {
	if !m.IsEnabled() {
		return false, fmt.Errorf("state manager is disabled")
	}

	data, err := m.redis.Get(ctx, m.snapshotKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s snapshot: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s snapshot: %w", name, err)
	}
	return true, nil
}

func (m *Manager) jobKey(queryID string) string {
	return fmt.Sprintf("%s:job:%s", m.prefix, queryID)
}

func (m *Manager) recentKey() string {
	return m.prefix + ":jobs:recent"
}

func (m *Manager) snapshotKey(name string) string {
	return fmt.Sprintf("%s:snapshot:%s", m.prefix, name)
}

var _ jobs.StatusStore = (*Manager)(nil)
