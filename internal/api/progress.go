package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"product-importer/internal/models"
	"product-importer/internal/status"
)

const progressPollInterval = 300 * time.Millisecond

// handleProgress streams job status changes as server-sent events. One
// event per observed change; the stream ends when the job reaches a
// terminal state or the client disconnects.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	emit := func(st models.JobStatus) {
		data, err := json.Marshal(st)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	var (
		last     models.JobStatus
		haveSeen bool
	)

	// Send the current state immediately so the client never waits a full
	// poll interval for its first event.
	if st, err := s.status.Get(r.Context(), jobID); err == nil {
		emit(st)
		last, haveSeen = st, true
		if st.Terminal() {
			return
		}
	}

	ticker := time.NewTicker(progressPollInterval)
	defer ticker.Stop()
	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st, err := s.status.Get(ctx, jobID)
		if err != nil {
			if errors.Is(err, status.ErrNotFound) && haveSeen {
				// Transient gap (job record mid-rewrite); repeat the last
				// known state rather than erroring out the stream.
				emit(last)
			}
			continue
		}

		changed := !haveSeen ||
			st.Status != last.Status ||
			st.Progress != last.Progress ||
			st.Message != last.Message
		if changed || st.Terminal() {
			emit(st)
			last, haveSeen = st, true
		}
		if st.Terminal() {
			return
		}
	}
}
