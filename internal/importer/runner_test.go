package importer

import (
	"context"
	"errors"
	"testing"
	"time"

	"product-importer/internal/config"
	"product-importer/internal/models"
	"product-importer/internal/queue"
	"product-importer/internal/status"
)

func runnerConfig() config.Config {
	return config.Config{
		WorkerPollInterval: 10 * time.Millisecond,
		ImportTimeLimit:    10 * time.Second,
		VisibilityTimeout:  time.Minute,
		MaxAttempts:        3,
		BackoffInitial:     10 * time.Millisecond,
		BackoffMax:         50 * time.Millisecond,
	}
}

func waitTerminal(t *testing.T, st *status.Store, jobID string) models.JobStatus {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("job %s never reached a terminal status", jobID)
		case <-time.After(10 * time.Millisecond):
		}
		js, err := st.Get(context.Background(), jobID)
		if err != nil {
			continue
		}
		if js.Terminal() {
			return js
		}
	}
}

func TestRunnerProcessesQueuedTask(t *testing.T) {
	st, client := testStatusStore(t)
	q := queue.NewImportQueueWithClient(client, time.Minute)
	records := newMemStore()
	orch := NewOrchestrator(records, st, nil, 4, 10*time.Millisecond)
	runner := NewRunner(runnerConfig(), q, st, orch)

	path := writeImportFile(t, sampleCSV)
	if err := q.Enqueue(context.Background(), models.ImportTask{JobID: "job1", FilePath: path}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runnerDone := make(chan error, 1)
	go func() { runnerDone <- runner.Run(ctx) }()

	final := waitTerminal(t, st, "job1")
	if final.Status != models.StatusComplete || final.Created != 2 {
		t.Fatalf("unexpected final status: %+v", final)
	}

	cancel()
	if err := <-runnerDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("runner exit: %v", err)
	}

	// The lease was acked away.
	depth, err := q.ReadyDepth(context.Background())
	if err != nil || depth != 0 {
		t.Fatalf("ready depth = %d, err = %v", depth, err)
	}
}

func TestRunnerMissingFileFailsJob(t *testing.T) {
	st, client := testStatusStore(t)
	q := queue.NewImportQueueWithClient(client, time.Minute)
	orch := NewOrchestrator(newMemStore(), st, nil, 4, 10*time.Millisecond)
	runner := NewRunner(runnerConfig(), q, st, orch)

	if err := q.Enqueue(context.Background(), models.ImportTask{JobID: "job1", FilePath: "/nonexistent/upload.csv"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Run(ctx)

	final := waitTerminal(t, st, "job1")
	if final.Status != models.StatusFailed {
		t.Fatalf("status = %s", final.Status)
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second
	for attempt := 1; attempt <= 6; attempt++ {
		got := backoffWithJitter(base, max, attempt)
		if got <= 0 || got > max {
			t.Fatalf("attempt %d: backoff %s out of range", attempt, got)
		}
	}
	// Attempts past the cap stay inside [max/2, max].
	got := backoffWithJitter(base, max, 20)
	if got < max/2 || got > max {
		t.Fatalf("capped backoff %s out of [%s, %s]", got, max/2, max)
	}
}
