package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-certify/internal/config"
	"github.com/stemsi/exstem-certify/internal/model"
)

// promoteDueScript moves due jobs from the retry schedule onto the work list
// in one step so two workers never promote the same job.
var promoteDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, job in ipairs(due) do
	redis.call('ZREM', KEYS[1], job)
	redis.call('RPUSH', KEYS[2], job)
end
return #due
`)

const promoteLimit = 100

// JobQueue is the scoring job transport.
type JobQueue interface {
	Enqueue(ctx context.Context, job model.ScoringJob) error
	Schedule(ctx context.Context, job model.ScoringJob, at time.Time) error
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	Pop(ctx context.Context, timeout time.Duration) (*model.ScoringJob, error)
}

// RedisJobQueue keeps ready jobs in a list and delayed retries in a sorted
// set scored by due time.
type RedisJobQueue struct {
	rdb      *redis.Client
	ready    string
	schedule string
}

// NewRedisJobQueue creates a new RedisJobQueue on the configured queue keys.
func NewRedisJobQueue(rdb *redis.Client) *RedisJobQueue {
	return &RedisJobQueue{
		rdb:      rdb,
		ready:    config.WorkerKey.ScoringJobsQueue,
		schedule: config.WorkerKey.ScoringRetrySchedule,
	}
}

// Enqueue makes a job ready. Jobs with positive priority jump the line.
func (q *RedisJobQueue) Enqueue(ctx context.Context, job model.ScoringJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal scoring job: %w", err)
	}
	if job.Priority > 0 {
		err = q.rdb.LPush(ctx, q.ready, raw).Err()
	} else {
		err = q.rdb.RPush(ctx, q.ready, raw).Err()
	}
	if err != nil {
		return fmt.Errorf("enqueue scoring job: %w", err)
	}
	return nil
}

// Schedule parks a job until at.
func (q *RedisJobQueue) Schedule(ctx context.Context, job model.ScoringJob, at time.Time) error {
	job.ScheduledAt = &at
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal scoring job: %w", err)
	}
	if err := q.rdb.ZAdd(ctx, q.schedule, redis.Z{Score: float64(at.UnixMilli()), Member: raw}).Err(); err != nil {
		return fmt.Errorf("schedule scoring job: %w", err)
	}
	return nil
}

// PromoteDue moves every job due by now onto the ready list.
func (q *RedisJobQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteDueScript.Run(ctx, q.rdb,
		[]string{q.schedule, q.ready},
		strconv.FormatInt(now.UnixMilli(), 10), promoteLimit,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote due jobs: %w", err)
	}
	return n, nil
}

// Pop blocks up to timeout for a ready job. It returns nil, nil on timeout.
func (q *RedisJobQueue) Pop(ctx context.Context, timeout time.Duration) (*model.ScoringJob, error) {
	item, err := q.rdb.BLPop(ctx, timeout, q.ready).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop scoring job: %w", err)
	}
	if len(item) < 2 {
		return nil, nil
	}

	var job model.ScoringJob
	if err := json.Unmarshal([]byte(item[1]), &job); err != nil {
		return nil, fmt.Errorf("decode scoring job: %w", err)
	}
	return &job, nil
}
