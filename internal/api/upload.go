package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"product-importer/internal/models"
	"product-importer/internal/status"
)

// handleUploadCSV accepts a multipart file upload, stores it where the
// worker can reach it, and queues the import.
func (s *Server) handleUploadCSV(w http.ResponseWriter, r *http.Request) {
	if !s.allowUpload(w, r) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.UploadMaxBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	if !strings.HasSuffix(strings.ToLower(header.Filename), ".csv") {
		writeError(w, http.StatusBadRequest, "File must be a CSV file")
		return
	}

	jobID := uuid.New().String()
	if err := s.status.Set(r.Context(), jobID, models.JobStatus{
		Status:  models.StatusQueued,
		Message: "Uploading file...",
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	key := fmt.Sprintf("csv_imports/%s.csv", jobID)
	task := models.ImportTask{JobID: jobID}
	if s.objects != nil {
		url, err := s.objects.Put(r.Context(), key, file, "text/csv")
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to store file")
			return
		}
		task.FileURL = url
	} else {
		path, err := s.local.Put(r.Context(), key, file, "text/csv")
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to store file")
			return
		}
		task.FilePath = path
	}

	if err := s.enqueueImport(r, jobID, task); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to queue task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"job_id":  jobID,
		"message": "File uploaded and processing started",
	})
}

// handleInitUpload issues a job id and, when object storage is configured,
// a presigned URL the client uploads to directly, so large files never
// pass through the API server.
func (s *Server) handleInitUpload(w http.ResponseWriter, r *http.Request) {
	if !s.allowUpload(w, r) {
		return
	}
	jobID := uuid.New().String()
	if err := s.status.Set(r.Context(), jobID, models.JobStatus{
		Status:  models.StatusUploading,
		Message: "Waiting for file upload...",
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	resp := map[string]any{"job_id": jobID, "upload": nil}
	if s.objects != nil {
		key := fmt.Sprintf("csv_imports/%s.csv", jobID)
		url, err := s.objects.PresignPut(r.Context(), key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to initialize upload")
			return
		}
		resp["upload"] = map[string]string{"url": url, "key": key}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCompleteUpload is called after a direct client upload finished; it
// queues the import for the stored object.
func (s *Server) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID   string `json:"job_id"`
		FileURL string `json:"file_url"`
		FileKey string `json:"file_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.JobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	if _, err := s.status.Get(r.Context(), req.JobID); err != nil {
		if errors.Is(err, status.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	fileURL := req.FileURL
	if fileURL == "" && req.FileKey != "" && s.objects != nil {
		url, err := s.objects.PresignGet(r.Context(), req.FileKey)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to resolve file")
			return
		}
		fileURL = url
	}
	if fileURL == "" {
		writeError(w, http.StatusBadRequest, "file_url or file_key is required")
		return
	}

	if err := s.enqueueImport(r, req.JobID, models.ImportTask{JobID: req.JobID, FileURL: fileURL}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to queue task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"job_id":  req.JobID,
		"message": "File uploaded and processing started",
	})
}

func (s *Server) enqueueImport(r *http.Request, jobID string, task models.ImportTask) error {
	if err := s.status.Set(r.Context(), jobID, models.JobStatus{
		Status:  models.StatusQueued,
		Message: "File uploaded, queuing for processing...",
	}); err != nil {
		return err
	}
	return s.queue.Enqueue(r.Context(), task)
}
