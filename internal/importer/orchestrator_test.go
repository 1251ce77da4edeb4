package importer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"product-importer/internal/models"
)

// memStore is an in-memory RecordStore with upsert semantics, safe for
// concurrent chunks.
type memStore struct {
	mu   sync.Mutex
	rows map[string]models.NormalizedRow
	err  error
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]models.NormalizedRow)}
}

func (m *memStore) ApplyChunk(ctx context.Context, rows []models.NormalizedRow) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, 0, m.err
	}
	var created, updated int
	for _, r := range rows {
		if _, ok := m.rows[r.SKU]; ok {
			updated++
		} else {
			created++
		}
		m.rows[r.SKU] = r
	}
	return created, updated, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
	last   models.JobStatus
}

func (f *fakeNotifier) NotifyAsync(eventType, jobID string, data models.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
	f.last = data
}

func (f *fakeNotifier) got() ([]string, models.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...), f.last
}

func writeImportFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleCSV = "sku,name,description\nA,Widget,\na,Widget2,\nB,Gadget,nice\n"

func TestOrchestratorRun(t *testing.T) {
	st, client := testStatusStore(t)
	records := newMemStore()
	notifier := &fakeNotifier{}
	orch := NewOrchestrator(records, st, notifier, 4, 10*time.Millisecond)
	ctx := context.Background()

	path := writeImportFile(t, sampleCSV)
	if err := orch.Run(ctx, "job1", path); err != nil {
		t.Fatal(err)
	}

	final, err := st.Get(ctx, "job1")
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != models.StatusComplete || final.Progress != 100 {
		t.Fatalf("unexpected final status: %+v", final)
	}
	// "A" and "a" normalize to the same SKU; the later row wins.
	if final.Created != 2 || final.Updated != 0 || final.Skipped != 0 {
		t.Fatalf("unexpected counts: %+v", final)
	}
	if final.TotalRows != 3 {
		t.Fatalf("TotalRows = %d, want 3", final.TotalRows)
	}
	if final.Message != "Import complete: 2 created" {
		t.Fatalf("message = %q", final.Message)
	}
	if got := records.rows["a"].Name; got != "Widget2" {
		t.Fatalf("sku a holds %q, want Widget2", got)
	}

	// Temp file is gone and scratch keys are cleaned up.
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp file still present: %v", err)
	}
	for _, key := range []string{"job:job1:chunks", "job:job1:completed_count", "job:job1:total_chunks", "job:job1:total_rows"} {
		n, err := client.Exists(ctx, key).Result()
		if err != nil || n != 0 {
			t.Fatalf("scratch key %s survived cleanup (n=%d, err=%v)", key, n, err)
		}
	}

	events, _ := notifier.got()
	if len(events) != 1 || events[0] != models.EventImportComplete {
		t.Fatalf("events = %v", events)
	}
}

func TestOrchestratorRunIdempotent(t *testing.T) {
	st, _ := testStatusStore(t)
	records := newMemStore()
	orch := NewOrchestrator(records, st, nil, 4, 10*time.Millisecond)
	ctx := context.Background()

	if err := orch.Run(ctx, "job1", writeImportFile(t, sampleCSV)); err != nil {
		t.Fatal(err)
	}
	if err := orch.Run(ctx, "job2", writeImportFile(t, sampleCSV)); err != nil {
		t.Fatal(err)
	}

	final, err := st.Get(ctx, "job2")
	if err != nil {
		t.Fatal(err)
	}
	if final.Created != 0 || final.Updated != 2 {
		t.Fatalf("re-import counts: %+v", final)
	}
	if final.Message != "Import complete: 2 updated" {
		t.Fatalf("message = %q", final.Message)
	}
}

func TestOrchestratorEmptyFile(t *testing.T) {
	st, _ := testStatusStore(t)
	notifier := &fakeNotifier{}
	orch := NewOrchestrator(newMemStore(), st, notifier, 4, 10*time.Millisecond)
	ctx := context.Background()

	if err := orch.Run(ctx, "job1", writeImportFile(t, "sku,name\n")); err != nil {
		t.Fatal(err)
	}

	final, err := st.Get(ctx, "job1")
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != models.StatusFailed {
		t.Fatalf("status = %s", final.Status)
	}
	if final.Message != "File is empty or has no data rows" {
		t.Fatalf("message = %q", final.Message)
	}
	events, _ := notifier.got()
	if len(events) != 1 || events[0] != models.EventImportFailed {
		t.Fatalf("events = %v", events)
	}
}

func TestOrchestratorNoValidRows(t *testing.T) {
	st, _ := testStatusStore(t)
	orch := NewOrchestrator(newMemStore(), st, nil, 4, 10*time.Millisecond)
	ctx := context.Background()

	// Rows exist but every one is rejected.
	if err := orch.Run(ctx, "job1", writeImportFile(t, "sku,name\n,MissingSKU\nx,\n")); err != nil {
		t.Fatal(err)
	}

	final, err := st.Get(ctx, "job1")
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != models.StatusFailed || final.Message != "No valid data rows found" {
		t.Fatalf("unexpected final status: %+v", final)
	}
}

func TestOrchestratorAllChunksFail(t *testing.T) {
	st, _ := testStatusStore(t)
	records := newMemStore()
	records.err = errors.New("relation products does not exist")
	orch := NewOrchestrator(records, st, nil, 4, 10*time.Millisecond)
	ctx := context.Background()

	if err := orch.Run(ctx, "job1", writeImportFile(t, sampleCSV)); err != nil {
		t.Fatal(err)
	}

	// The run still terminates: failed chunks report in through the same
	// counter, and the terminal status accounts every row as skipped.
	final, err := st.Get(ctx, "job1")
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != models.StatusComplete {
		t.Fatalf("status = %s", final.Status)
	}
	if final.Created != 0 || final.Updated != 0 || final.Skipped != 2 {
		t.Fatalf("unexpected counts: %+v", final)
	}
	if !strings.Contains(final.Message, "2 skipped") || !strings.Contains(final.Message, "(1 errors)") {
		t.Fatalf("message = %q", final.Message)
	}
}

func TestOrchestratorRowRejectionsCountAsErrors(t *testing.T) {
	st, _ := testStatusStore(t)
	records := newMemStore()
	orch := NewOrchestrator(records, st, nil, 4, 10*time.Millisecond)
	ctx := context.Background()

	if err := orch.Run(ctx, "job1", writeImportFile(t, "sku,name\nA,Widget\n,NoSKU\n")); err != nil {
		t.Fatal(err)
	}

	final, err := st.Get(ctx, "job1")
	if err != nil {
		t.Fatal(err)
	}
	if final.Created != 1 {
		t.Fatalf("created = %d", final.Created)
	}
	if final.Message != "Import complete: 1 created (1 errors)" {
		t.Fatalf("message = %q", final.Message)
	}
}
