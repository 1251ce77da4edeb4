package importer

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"product-importer/internal/models"
	"product-importer/internal/status"
	"product-importer/internal/telemetry"
)

// RecordStore is the storage surface a chunk needs: one transactional
// upsert of deduplicated rows.
type RecordStore interface {
	ApplyChunk(ctx context.Context, rows []models.NormalizedRow) (created, updated int, err error)
}

const (
	chunkMaxAttempts = 3
	chunkRetryBase   = 100 * time.Millisecond
)

// Processor handles one chunk end to end: dedup, bulk upsert with
// contention-aware retry, and the indivisible result-record-plus-counter
// increment that the orchestrator's poll loop depends on.
type Processor struct {
	records RecordStore
	status  *status.Store
}

// NewProcessor builds a chunk processor.
func NewProcessor(records RecordStore, st *status.Store) *Processor {
	return &Processor{records: records, status: st}
}

type errClass int

const (
	classFatal errClass = iota
	classRetryable
	classUniqueConflict
)

// classifyStorageError buckets a storage failure by SQLSTATE: deadlocks and
// serialization failures (40001/40P01) and statement timeouts (57014) are
// retryable; a uniqueness violation (23505) means a sibling chunk inserted
// the same key first and retrying the same plan would lose again.
func classifyStorageError(err error) errClass {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return classRetryable
		case "57014":
			return classRetryable
		case "23505":
			return classUniqueConflict
		}
	}
	return classFatal
}

// dedupe collapses duplicate SKUs within a chunk, last occurrence winning.
// Each SKU keeps the position of its first occurrence, mirroring how
// sequential row-by-row processing would leave the store.
func dedupe(rows []models.NormalizedRow) []models.NormalizedRow {
	slot := make(map[string]int, len(rows))
	out := make([]models.NormalizedRow, 0, len(rows))
	for _, r := range rows {
		if i, seen := slot[r.SKU]; seen {
			out[i] = r
			continue
		}
		slot[r.SKU] = len(out)
		out = append(out, r)
	}
	return out
}

// Process runs one chunk and records its outcome. Every path ends in
// exactly one RecordChunkResult call; a chunk that cannot write its result
// would stall the orchestrator forever, so that failure is only logged.
func (p *Processor) Process(ctx context.Context, jobID string, chunk models.Chunk, totalChunks int) models.ChunkResult {
	rows := dedupe(chunk.Rows)
	log.Printf("processing chunk %d/%d for job %s (%d rows, %d after dedup)",
		chunk.Index+1, totalChunks, jobID, len(chunk.Rows), len(rows))

	result := p.applyWithRetry(ctx, chunk.Index, rows)

	if err := p.status.RecordChunkResult(ctx, jobID, result); err != nil {
		log.Printf("record chunk %d result for job %s: %v", chunk.Index, jobID, err)
	}
	telemetry.ChunksProcessed.Inc()
	if result.Status == models.ChunkFailed {
		telemetry.ChunksFailed.Inc()
	}
	return result
}

func (p *Processor) applyWithRetry(ctx context.Context, chunkIndex int, rows []models.NormalizedRow) models.ChunkResult {
	processed := len(rows)
	var lastErr error

	for attempt := 0; attempt < chunkMaxAttempts; attempt++ {
		created, updated, err := p.records.ApplyChunk(ctx, rows)
		if err == nil {
			return models.ChunkResult{
				ChunkIndex: chunkIndex,
				Created:    created,
				Updated:    updated,
				Processed:  processed,
				Status:     models.ChunkOK,
			}
		}
		lastErr = err

		switch classifyStorageError(err) {
		case classRetryable:
			if attempt < chunkMaxAttempts-1 {
				wait := chunkRetryBase * (1 << attempt)
				log.Printf("chunk %d transient storage error (attempt %d/%d), retrying in %s: %v",
					chunkIndex, attempt+1, chunkMaxAttempts, wait, err)
				telemetry.ChunkRetries.Inc()
				select {
				case <-ctx.Done():
					return failedResult(chunkIndex, processed, ctx.Err())
				case <-time.After(wait):
				}
				continue
			}
			log.Printf("chunk %d transient storage error after %d attempts, skipping: %v", chunkIndex, chunkMaxAttempts, err)
			return failedResult(chunkIndex, processed, err)
		case classUniqueConflict:
			// A concurrent chunk won the insert race; the whole chunk is
			// conservatively skipped rather than guessing which rows apply.
			log.Printf("chunk %d uniqueness conflict, skipping without retry: %v", chunkIndex, err)
			return failedResult(chunkIndex, processed, err)
		default:
			log.Printf("chunk %d storage error, skipping: %v", chunkIndex, err)
			return failedResult(chunkIndex, processed, err)
		}
	}
	return failedResult(chunkIndex, processed, lastErr)
}

func failedResult(chunkIndex, processed int, err error) models.ChunkResult {
	res := models.ChunkResult{
		ChunkIndex: chunkIndex,
		Skipped:    processed,
		Processed:  processed,
		Status:     models.ChunkFailed,
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
