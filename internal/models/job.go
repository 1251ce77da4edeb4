package models

// Import job lifecycle states published through the status store.
const (
	StatusUploading  = "uploading"
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
)

// JobStatus is the status record a client polls for a running import.
// Counts are only populated on the terminal record.
type JobStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Progress  int    `json:"progress"`
	Created   int    `json:"created,omitempty"`
	Updated   int    `json:"updated,omitempty"`
	Skipped   int    `json:"skipped,omitempty"`
	TotalRows int    `json:"total_rows,omitempty"`
}

// Terminal reports whether the status can no longer change.
func (s JobStatus) Terminal() bool {
	return s.Status == StatusComplete || s.Status == StatusFailed
}

// NormalizedRow is one validated input row: SKU lowercased and trimmed,
// empty description treated as absent. Immutable once produced.
type NormalizedRow struct {
	SKU         string `json:"sku"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Chunk is a contiguous slice of normalized rows processed as one
// storage transaction.
type Chunk struct {
	Index int
	Rows  []NormalizedRow
}

// ChunkResult is written exactly once per chunk into the per-job results
// hash and read once during final aggregation.
type ChunkResult struct {
	ChunkIndex int    `json:"chunk_index"`
	Created    int    `json:"created"`
	Updated    int    `json:"updated"`
	Skipped    int    `json:"skipped"`
	Processed  int    `json:"processed"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// ChunkResult status values.
const (
	ChunkOK     = "ok"
	ChunkFailed = "failed"
)

// ImportTask is the payload carried on the import queue: where the raw
// file lives and which job it belongs to. FileURL and FilePath are
// mutually exclusive; a URL is downloaded by the worker before splitting.
type ImportTask struct {
	JobID    string `json:"job_id"`
	FileURL  string `json:"file_url,omitempty"`
	FilePath string `json:"file_path,omitempty"`
}

// WebhookEvent is the body POSTed to webhook subscribers.
type WebhookEvent struct {
	EventType string    `json:"event_type"`
	JobID     string    `json:"job_id"`
	Timestamp string    `json:"timestamp"`
	Data      JobStatus `json:"data"`
}

// Webhook event types fired by the import pipeline.
const (
	EventImportComplete = "import.complete"
	EventImportFailed   = "import.failed"
)
