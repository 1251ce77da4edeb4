package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"product-importer/internal/config"
	"product-importer/internal/models"
)

// ImportQueue coordinates the ready and in-flight import job queues in
// Redis. Each entry is a job id; the task payload (file location) lives in
// a per-job meta hash so a lease holder can recover it.
type ImportQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	taskPrefix    string
	visibilityTTL time.Duration
}

// NewImportQueue builds a queue client from config.
func NewImportQueue(cfg config.Config) *ImportQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewImportQueueWithClient(client, cfg.VisibilityTimeout)
}

// NewImportQueueWithClient wraps an existing Redis client, used by tests.
func NewImportQueueWithClient(client *redis.Client, visibility time.Duration) *ImportQueue {
	if visibility == 0 {
		visibility = 60 * time.Second
	}
	return &ImportQueue{
		client:        client,
		readyKey:      "imports:ready",
		inflightKey:   "imports:inflight",
		taskPrefix:    "imports:task:",
		visibilityTTL: visibility,
	}
}

func (q *ImportQueue) taskKey(jobID string) string {
	return q.taskPrefix + jobID
}

// Enqueue stores the task payload and pushes the job onto the ready queue.
func (q *ImportQueue) Enqueue(ctx context.Context, task models.ImportTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.taskKey(task.JobID), payload, 0)
	pipe.RPush(ctx, q.readyKey, task.JobID)
	_, err = pipe.Exec(ctx)
	return err
}

// DequeueWithLease pops a job from the ready queue and places it into the
// in-flight set with a visibility timeout. Returns a zero task when the
// queue is empty.
func (q *ImportQueue) DequeueWithLease(ctx context.Context) (models.ImportTask, bool, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return models.ImportTask{}, false, nil
	}
	if err != nil {
		return models.ImportTask{}, false, err
	}
	jobID, ok := res.(string)
	if !ok {
		return models.ImportTask{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	raw, err := q.client.Get(ctx, q.taskKey(jobID)).Bytes()
	if err != nil {
		// Lease is held but the payload is gone; drop the orphan.
		_ = q.Ack(ctx, jobID)
		return models.ImportTask{}, false, fmt.Errorf("task payload missing for job %s: %w", jobID, err)
	}
	var task models.ImportTask
	if err := json.Unmarshal(raw, &task); err != nil {
		_ = q.Ack(ctx, jobID)
		return models.ImportTask{}, false, fmt.Errorf("unmarshal task %s: %w", jobID, err)
	}
	return task, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
// Long imports call this periodically so a slow run is not reclaimed.
func (q *ImportQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and deletes its task payload.
func (q *ImportQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.taskKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *ImportQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// ReadyDepth returns the length of the ready queue.
func (q *ImportQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
