package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"product-importer/internal/models"
)

// Store keeps per-job import state in Redis: the status record a client
// polls, plus the run-scoped scratch keys (chunk results hash, completion
// counter, total counts) the orchestrator and chunk workers share.
type Store struct {
	client *redis.Client
	// retry knobs for transient Redis errors (pool exhaustion, timeouts)
	maxRetries int
	baseDelay  time.Duration
}

// ErrNotFound is returned when a job has no status record.
var ErrNotFound = errors.New("job status not found")

// New builds a status store on an existing Redis client.
func New(client *redis.Client) *Store {
	return &Store{client: client, maxRetries: 3, baseDelay: 500 * time.Millisecond}
}

func jobKey(jobID string) string { return "job:" + jobID }

func chunksKey(jobID string) string { return "job:" + jobID + ":chunks" }

func counterKey(jobID string) string { return "job:" + jobID + ":completed_count" }

func totalChunksKey(jobID string) string { return "job:" + jobID + ":total_chunks" }

func totalRowsKey(jobID string) string { return "job:" + jobID + ":total_rows" }

// Set writes the job status record.
func (s *Store) Set(ctx context.Context, jobID string, st models.JobStatus) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	return s.withRetry(ctx, func() error {
		return s.client.Set(ctx, jobKey(jobID), data, 0).Err()
	})
}

// Get reads the job status record. Returns ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, jobID string) (models.JobStatus, error) {
	var st models.JobStatus
	data, err := s.client.Get(ctx, jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return st, ErrNotFound
	}
	if err != nil {
		return st, fmt.Errorf("get status: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("unmarshal status: %w", err)
	}
	return st, nil
}

// InitRun clears stale chunk state and records the run's totals with the
// completion counter reset to zero.
func (s *Store) InitRun(ctx context.Context, jobID string, totalChunks, totalRows int) error {
	return s.withRetry(ctx, func() error {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, chunksKey(jobID))
		pipe.Set(ctx, totalChunksKey(jobID), totalChunks, 0)
		pipe.Set(ctx, totalRowsKey(jobID), totalRows, 0)
		pipe.Set(ctx, counterKey(jobID), 0, 0)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// RecordChunkResult stores a chunk's outcome and increments the completion
// counter in a single pipeline. Every chunk invocation ends here exactly
// once, success or failure; the orchestrator's poll loop depends on it.
func (s *Store) RecordChunkResult(ctx context.Context, jobID string, res models.ChunkResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal chunk result: %w", err)
	}
	return s.withRetry(ctx, func() error {
		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, chunksKey(jobID), strconv.Itoa(res.ChunkIndex), data)
		pipe.Incr(ctx, counterKey(jobID))
		_, err := pipe.Exec(ctx)
		return err
	})
}

// CompletedCount reads the completion counter. A missing key counts as zero
// (the run may not have started yet).
func (s *Store) CompletedCount(ctx context.Context, jobID string) (int, error) {
	v, err := s.client.Get(ctx, counterKey(jobID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get completed count: %w", err)
	}
	return v, nil
}

// ChunkResults reads every recorded chunk result in one HGETALL. Called
// once per run, after the counter reaches the chunk total.
func (s *Store) ChunkResults(ctx context.Context, jobID string) ([]models.ChunkResult, error) {
	raw, err := s.client.HGetAll(ctx, chunksKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read chunk results: %w", err)
	}
	results := make([]models.ChunkResult, 0, len(raw))
	for field, val := range raw {
		var res models.ChunkResult
		if err := json.Unmarshal([]byte(val), &res); err != nil {
			log.Printf("skipping malformed chunk result field=%s: %v", field, err)
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// Cleanup deletes the run-scoped scratch keys. The job status record itself
// is kept so late pollers still see the terminal state.
func (s *Store) Cleanup(ctx context.Context, jobID string) error {
	return s.withRetry(ctx, func() error {
		return s.client.Del(ctx,
			chunksKey(jobID),
			counterKey(jobID),
			totalChunksKey(jobID),
			totalRowsKey(jobID),
		).Err()
	})
}

// withRetry runs op, retrying transient Redis failures with exponential
// backoff. Non-transient errors surface immediately.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err = op()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt == s.maxRetries-1 {
			break
		}
		delay := s.baseDelay * (1 << attempt)
		log.Printf("redis error, retrying in %s (attempt %d/%d): %v", delay, attempt+1, s.maxRetries, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range []string{"timeout", "too many requests", "max number of clients", "connection refused", "connection reset", "pool exhausted"} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
