package importer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"product-importer/internal/models"
	"product-importer/internal/status"
	"product-importer/internal/telemetry"
)

// ErrSetup marks failures before any chunk was dispatched (status store
// unreachable, unreadable file). The runner may retry the whole task; once
// chunks are in flight a failure is terminal instead.
var ErrSetup = errors.New("import setup failed")

// Notifier delivers import lifecycle events to webhook subscribers without
// blocking or failing the import.
type Notifier interface {
	NotifyAsync(eventType, jobID string, data models.JobStatus)
}

// Orchestrator drives one import run: split, dispatch to the chunk pool,
// poll the completion counter, aggregate, publish the terminal status.
// One orchestrator runs per job id; it is not reentrant.
type Orchestrator struct {
	records      RecordStore
	status       *status.Store
	processor    *Processor
	notifier     Notifier
	concurrency  int
	pollInterval time.Duration
}

// NewOrchestrator wires an orchestrator. concurrency bounds how many chunk
// transactions run at once; pollInterval is the counter polling cadence.
func NewOrchestrator(records RecordStore, st *status.Store, notifier Notifier, concurrency int, pollInterval time.Duration) *Orchestrator {
	if concurrency <= 0 {
		concurrency = 8
	}
	if pollInterval <= 0 {
		pollInterval = 400 * time.Millisecond
	}
	return &Orchestrator{
		records:      records,
		status:       st,
		processor:    NewProcessor(records, st),
		notifier:     notifier,
		concurrency:  concurrency,
		pollInterval: pollInterval,
	}
}

// Run executes one import for the file at path. The temp file is removed
// on every outcome: this is the last task to touch it. Returns a wrapped
// ErrSetup only for pre-dispatch failures; all later failures land in the
// job's terminal status instead.
func (o *Orchestrator) Run(ctx context.Context, jobID, path string) error {
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("remove temp file %s: %v", path, err)
		} else {
			log.Printf("cleaned up temp file %s", path)
		}
	}()

	telemetry.ImportsStarted.Inc()
	telemetry.ImportsInFlight.Inc()
	defer telemetry.ImportsInFlight.Dec()

	// splitting
	if err := o.status.Set(ctx, jobID, models.JobStatus{
		Status:   models.StatusProcessing,
		Message:  "Reading and splitting file...",
		Progress: 0,
	}); err != nil {
		return fmt.Errorf("%w: write initial status: %v", ErrSetup, err)
	}

	split, err := SplitFile(path)
	if err != nil {
		o.fail(ctx, jobID, fmt.Sprintf("Failed to read file: %v", err))
		return nil
	}
	if split.TotalRows == 0 {
		o.fail(ctx, jobID, "File is empty or has no data rows")
		return nil
	}
	if len(split.Chunks) == 0 {
		o.fail(ctx, jobID, "No valid data rows found")
		return nil
	}

	totalChunks := len(split.Chunks)
	log.Printf("job %s: split into %d chunks of ~%d rows (%d total rows)",
		jobID, totalChunks, split.ChunkSize, split.TotalRows)

	// dispatching
	if err := o.status.InitRun(ctx, jobID, totalChunks, split.TotalRows); err != nil {
		return fmt.Errorf("%w: init run state: %v", ErrSetup, err)
	}
	if err := o.status.Set(ctx, jobID, models.JobStatus{
		Status:   models.StatusProcessing,
		Message:  fmt.Sprintf("Dispatching %d chunks to workers...", totalChunks),
		Progress: 5,
	}); err != nil {
		return fmt.Errorf("%w: write dispatch status: %v", ErrSetup, err)
	}

	// From here every outcome is terminal; nothing is retried wholesale.
	var wg sync.WaitGroup
	sem := make(chan struct{}, o.concurrency)
	for _, chunk := range split.Chunks {
		wg.Add(1)
		go func(chunk models.Chunk) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			o.processor.Process(ctx, jobID, chunk, totalChunks)
		}(chunk)
	}

	// running: poll the shared counter until every chunk reported in.
	if err := o.waitForChunks(ctx, jobID, totalChunks); err != nil {
		wg.Wait()
		o.fail(ctx, jobID, fmt.Sprintf("Import aborted: %v", err))
		return nil
	}
	wg.Wait()

	// aggregating
	_ = o.status.Set(ctx, jobID, models.JobStatus{
		Status:   models.StatusProcessing,
		Message:  "Finalizing import...",
		Progress: 95,
	})

	final, err := o.aggregate(ctx, jobID, split)
	if err != nil {
		o.fail(ctx, jobID, fmt.Sprintf("Failed to aggregate results: %v", err))
		return nil
	}
	if err := o.status.Cleanup(ctx, jobID); err != nil {
		log.Printf("cleanup job %s keys: %v", jobID, err)
	}
	if err := o.status.Set(ctx, jobID, final); err != nil {
		log.Printf("write final status for job %s: %v", jobID, err)
	}

	telemetry.ImportsCompleted.Inc()
	telemetry.RowsCreated.Add(float64(final.Created))
	telemetry.RowsUpdated.Add(float64(final.Updated))
	telemetry.RowsSkipped.Add(float64(final.Skipped))

	if o.notifier != nil {
		o.notifier.NotifyAsync(models.EventImportComplete, jobID, final)
	}
	log.Printf("job %s: %s", jobID, final.Message)
	return nil
}

// waitForChunks polls the completion counter and publishes coarse progress.
// Progress is pinned to [5,90]: the band below is the split phase, the band
// above is aggregation.
func (o *Orchestrator) waitForChunks(ctx context.Context, jobID string, totalChunks int) error {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	lastMessage := ""
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		completed, err := o.status.CompletedCount(ctx, jobID)
		if err != nil {
			log.Printf("poll completion counter for job %s: %v", jobID, err)
			continue
		}

		progress := 5 + completed*85/totalChunks
		if progress > 90 {
			progress = 90
		}
		message := fmt.Sprintf("Processing chunks: %d/%d complete...", completed, totalChunks)
		if completed == 0 {
			message = fmt.Sprintf("Waiting for workers... (%d chunks queued)", totalChunks)
		}
		// Write status only when it would change; every tick would hammer
		// the status store for no observable benefit.
		if message != lastMessage {
			_ = o.status.Set(ctx, jobID, models.JobStatus{
				Status:   models.StatusProcessing,
				Message:  message,
				Progress: progress,
			})
			lastMessage = message
		}

		if completed >= totalChunks {
			return nil
		}
	}
}

// aggregate reads every chunk result once and folds them into the terminal
// status record.
func (o *Orchestrator) aggregate(ctx context.Context, jobID string, split SplitResult) (models.JobStatus, error) {
	results, err := o.status.ChunkResults(ctx, jobID)
	if err != nil {
		return models.JobStatus{}, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ChunkIndex < results[j].ChunkIndex })

	var created, updated, skipped int
	importErrors := append([]string(nil), split.Rejections...)
	for _, res := range results {
		created += res.Created
		updated += res.Updated
		skipped += res.Skipped
		if res.Status == models.ChunkFailed {
			msg := res.Error
			if msg == "" {
				msg = "unknown error"
			}
			importErrors = append(importErrors, fmt.Sprintf("Chunk %d: %s", res.ChunkIndex+1, msg))
		}
	}

	var parts []string
	if created > 0 {
		parts = append(parts, fmt.Sprintf("%d created", created))
	}
	if updated > 0 {
		parts = append(parts, fmt.Sprintf("%d updated", updated))
	}
	if skipped > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", skipped))
	}
	summary := strings.Join(parts, ", ")
	if summary == "" {
		summary = "No changes"
	}
	message := "Import complete: " + summary
	if len(importErrors) > 0 {
		message += fmt.Sprintf(" (%d errors)", len(importErrors))
	}

	return models.JobStatus{
		Status:    models.StatusComplete,
		Message:   message,
		Progress:  100,
		Created:   created,
		Updated:   updated,
		Skipped:   skipped,
		TotalRows: split.TotalRows,
	}, nil
}

// fail records a terminal failure, cleans up run state, and fires the
// failure webhook. Notification errors never change the terminal status.
// The terminal write must survive a cancelled run context (hard time
// limit), so it detaches from cancellation.
func (o *Orchestrator) fail(ctx context.Context, jobID, message string) {
	ctx = context.WithoutCancel(ctx)
	final := models.JobStatus{
		Status:  models.StatusFailed,
		Message: message,
	}
	if err := o.status.Set(ctx, jobID, final); err != nil {
		log.Printf("write failed status for job %s: %v", jobID, err)
	}
	if err := o.status.Cleanup(ctx, jobID); err != nil {
		log.Printf("cleanup job %s keys: %v", jobID, err)
	}
	telemetry.ImportsFailed.Inc()
	if o.notifier != nil {
		o.notifier.NotifyAsync(models.EventImportFailed, jobID, final)
	}
	log.Printf("job %s failed: %s", jobID, message)
}
