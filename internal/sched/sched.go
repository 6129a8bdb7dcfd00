// Package sched provides a Redis-backed queue for delayed automation
// messages. Jobs survive restarts and are delivered at or after their due
// time; rescheduling the same logical job replaces the pending one.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"chatfunnel/internal/cache"
	"chatfunnel/internal/metrics"

	"github.com/redis/go-redis/v9"
)

const (
	dueSetKey        = "sched:due"
	payloadKeyPrefix = "sched:job:"
	payloadGrace     = 24 * time.Hour
	claimBatchSize   = 50
)

// Job is a deferred sendMessage on behalf of a calling.
type Job struct {
	Kind        string    `json:"kind"`
	TenantID    string    `json:"tenant_id"`
	BotID       string    `json:"bot_id"`
	Counterpart string    `json:"counterpart"`
	CallingKey  string    `json:"calling_key"`
	Message     string    `json:"message"`
	DueAt       time.Time `json:"due_at"`
}

// ID is the idempotency key: two jobs for the same counterpart, calling, kind
// and minute bucket collapse into one pending delivery.
func (j Job) ID() string {
	bucket := j.DueAt.Truncate(time.Minute).Unix()
	return strings.Join([]string{
		j.TenantID, j.BotID, j.Counterpart, j.CallingKey, j.Kind,
		strconv.FormatInt(bucket, 10),
	}, "|")
}

// Queue schedules and cancels delayed jobs.
type Queue struct {
	redis   *cache.Redis
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewQueue returns a queue backed by the provided Redis client.
func NewQueue(redisClient *cache.Redis, logger *slog.Logger, metricRegistry *metrics.Metrics) *Queue {
	return &Queue{
		redis:   redisClient,
		logger:  logger.With("component", "sched"),
		metrics: metricRegistry,
	}
}

// Schedule stores the job payload and (re)inserts its due-time entry. ZADD on
// an existing member only moves the score, so duplicate scheduling requests
// never create duplicate deliveries.
func (q *Queue) Schedule(ctx context.Context, job Job) error {
	id := job.ID()
	ttl := time.Until(job.DueAt) + payloadGrace
	if err := q.redis.SetJSON(ctx, payloadKeyPrefix+id, job, ttl); err != nil {
		return fmt.Errorf("store job payload: %w", err)
	}
	err := q.redis.Client().ZAdd(ctx, dueSetKey, redis.Z{
		Score:  float64(job.DueAt.Unix()),
		Member: id,
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	if q.metrics != nil {
		q.metrics.ScheduledJobs.WithLabelValues(job.Kind, "scheduled").Inc()
	}
	q.logger.Debug("job scheduled", "id", id, "due_at", job.DueAt)
	return nil
}

// Cancel drops a pending job by identity.
func (q *Queue) Cancel(ctx context.Context, job Job) error {
	id := job.ID()
	if err := q.redis.Client().ZRem(ctx, dueSetKey, id).Err(); err != nil {
		return fmt.Errorf("dequeue job: %w", err)
	}
	return q.redis.Del(ctx, payloadKeyPrefix+id)
}

// Deliverer hands a due message to the chat transport.
type Deliverer interface {
	SendText(ctx context.Context, counterpart, text string) error
}

// Runner polls the queue and delivers due jobs. Multiple replicas may run
// concurrently; ZREM is the claim, so each job is delivered by one replica.
type Runner struct {
	queue    *Queue
	deliver  Deliverer
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewRunner builds a runner polling at the given interval.
func NewRunner(queue *Queue, deliver Deliverer, interval time.Duration, logger *slog.Logger, metricRegistry *metrics.Metrics) *Runner {
	if interval <= 0 {
		interval = time.Second
	}
	return &Runner{
		queue:    queue,
		deliver:  deliver,
		interval: interval,
		logger:   logger.With("component", "sched_runner"),
		metrics:  metricRegistry,
	}
}

// Run blocks until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.drainDue(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("drain due jobs failed", "error", err)
			}
		}
	}
}

func (r *Runner) drainDue(ctx context.Context) error {
	now := time.Now().Unix()
	ids, err := r.queue.redis.Client().ZRangeByScore(ctx, dueSetKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: claimBatchSize,
	}).Result()
	if err != nil {
		return fmt.Errorf("list due jobs: %w", err)
	}

	for _, id := range ids {
		claimed, err := r.queue.redis.Client().ZRem(ctx, dueSetKey, id).Result()
		if err != nil {
			return fmt.Errorf("claim job %s: %w", id, err)
		}
		if claimed == 0 {
			// Another replica got it first.
			continue
		}
		r.deliverOne(ctx, id)
	}
	return nil
}

func (r *Runner) deliverOne(ctx context.Context, id string) {
	var job Job
	found, err := r.queue.redis.GetJSON(ctx, payloadKeyPrefix+id, &job)
	if err != nil {
		r.logger.Error("load job payload failed", "id", id, "error", err)
		return
	}
	if !found {
		r.logger.Warn("job payload expired before delivery", "id", id)
		return
	}

	if err := r.deliver.SendText(ctx, job.Counterpart, job.Message); err != nil {
		r.logger.Error("deliver scheduled message failed", "id", id, "error", err)
		if r.metrics != nil {
			r.metrics.ScheduledJobs.WithLabelValues(job.Kind, "failed").Inc()
		}
	} else if r.metrics != nil {
		r.metrics.ScheduledJobs.WithLabelValues(job.Kind, "delivered").Inc()
	}

	if err := r.queue.redis.Del(ctx, payloadKeyPrefix+id); err != nil {
		r.logger.Warn("cleanup job payload failed", "id", id, "error", err)
	}
}
