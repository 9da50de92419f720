// Package api exposes the meeting pipeline and task review over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"meeting-taskflow/internal/diagnostics"
	"meeting-taskflow/internal/domain"
	"meeting-taskflow/internal/jobs"
	"meeting-taskflow/internal/pipeline"
	"meeting-taskflow/internal/store"
	"meeting-taskflow/internal/upload"
)

// multipartOverhead is the allowance for form fields and boundaries on top of the file limit.
const multipartOverhead = 1 << 20

const uploadField = "file"

// Pipeline runs the two request flows.
type Pipeline interface {
	Transcribe(ctx context.Context, in pipeline.Upload) (pipeline.TranscriptionResult, error)
	Extract(ctx context.Context, req pipeline.ExtractionRequest) (pipeline.ExtractionResult, error)
}

// TaskStore is the task review surface of the persistence gateway.
type TaskStore interface {
	ListTasks(ctx context.Context) ([]store.Task, error)
	UpdateTask(ctx context.Context, id string, update store.TaskUpdate) (store.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// HealthFunc produces a fresh diagnostics report.
type HealthFunc func(ctx context.Context) diagnostics.Report

// Handler serves every route.
type Handler struct {
	Pipeline       Pipeline
	Tasks          TaskStore
	Tracker        *jobs.Tracker
	Health         HealthFunc
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// ExtractRequest is the JSON body of POST /extract-tasks.
type ExtractRequest struct {
	Transcript   string `json:"transcript"`
	TranscriptID string `json:"transcriptId"`
}

// UploadResponse is the JSON body returned by POST /upload.
type UploadResponse struct {
	Success      bool   `json:"success"`
	Transcript   string `json:"transcript,omitempty"`
	TranscriptID string `json:"transcriptId,omitempty"`
	Message      string `json:"message,omitempty"`
}

// ExtractResponse is the JSON body returned by POST /extract-tasks. Tasks
// holds stored task records when persisted and plain titles otherwise.
type ExtractResponse struct {
	Success bool   `json:"success"`
	Tasks   any    `json:"tasks"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxUploadBytes+multipartOverhead)

	in, err := h.readUpload(c.Request)
	if err != nil {
		abortWithError(c, err)
		return
	}

	res, err := h.Pipeline.Transcribe(c.Request.Context(), in)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			err = upload.TooLarge(0, h.MaxUploadBytes)
		}
		abortWithError(c, err)
		return
	}

	resp := UploadResponse{
		Success:      true,
		Transcript:   res.Transcript,
		TranscriptID: res.TranscriptID,
	}
	if res.PersistError != nil {
		resp.Message = "Transcription succeeded but the transcript was not saved"
	}
	c.JSON(http.StatusOK, resp)
}

// readUpload finds the "file" part without buffering the form, so the
// returned Body streams straight from the request. A missing part yields an
// empty Upload and the validator reports missing-file.
func (h *Handler) readUpload(r *http.Request) (pipeline.Upload, error) {
	if r.ContentLength > h.MaxUploadBytes+multipartOverhead {
		return pipeline.Upload{}, upload.TooLarge(0, h.MaxUploadBytes)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return pipeline.Upload{}, nil
		}
		return pipeline.Upload{}, domain.NewValidationError(domain.RuleMissingFile, "Malformed multipart upload")
	}

	for {
		part, err := mr.NextPart()
		var tooBig *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return pipeline.Upload{}, nil
		case errors.As(err, &tooBig):
			return pipeline.Upload{}, upload.TooLarge(0, h.MaxUploadBytes)
		case err != nil:
			return pipeline.Upload{}, domain.NewValidationError(domain.RuleMissingFile, "Malformed multipart upload")
		}
		if part.FormName() != uploadField {
			continue
		}
		return pipeline.Upload{Name: part.FileName(), Size: declaredSize(part), Body: part}, nil
	}
}

// declaredSize is the part's own Content-Length, or 0 when the client sent none.
func declaredSize(part *multipart.Part) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(part.Header.Get("Content-Length")), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (h *Handler) extractTasks(c *gin.Context) {
	var req ExtractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, domain.NewValidationError(domain.RuleMissingTranscript, "Invalid request body"))
		return
	}

	res, err := h.Pipeline.Extract(c.Request.Context(), pipeline.ExtractionRequest{
		Transcript:   req.Transcript,
		TranscriptID: req.TranscriptID,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	resp := ExtractResponse{Success: true, Tasks: res.Titles}
	switch {
	case res.Persisted:
		resp.Tasks = res.Tasks
	case res.PersistError != nil:
		resp.Message = fmt.Sprintf("Extracted %d tasks but they were not saved", len(res.Titles))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) listTasks(c *gin.Context) {
	tasks, err := h.Tasks.ListTasks(c.Request.Context())
	if err != nil {
		abortWithError(c, persistence("Fetch failed", err))
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (h *Handler) updateTask(c *gin.Context) {
	var update store.TaskUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		abortWithError(c, fmt.Errorf("%w: malformed body", store.ErrInvalidTask))
		return
	}

	task, err := h.Tasks.UpdateTask(c.Request.Context(), c.Param("id"), update)
	if err != nil {
		abortWithError(c, persistence("Update failed", err))
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) deleteTask(c *gin.Context) {
	if err := h.Tasks.DeleteTask(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, persistence("Delete failed", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) health(c *gin.Context) {
	report := h.Health(c.Request.Context())
	status := http.StatusOK
	if report.HasFailures {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (h *Handler) activeJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.Tracker.Active()})
}

// jobEvents serves the event history. Optional job, kind and type query
// parameters narrow it; lastSeq is the cursor for the next poll.
func (h *Handler) jobEvents(c *gin.Context) {
	filter := jobs.Filter{
		JobID: c.Query("job"),
		Kind:  domain.JobKind(c.Query("kind")),
		Type:  jobs.EventType(c.Query("type")),
	}
	if raw := c.Query("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "since must be a non-negative integer"})
			return
		}
		filter.After = n
	}
	switch filter.Kind {
	case "", domain.JobKindUpload, domain.JobKindExtraction:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "kind must be upload or extraction"})
		return
	}
	switch filter.Type {
	case "", jobs.EventTypeStatus, jobs.EventTypeResult, jobs.EventTypeError:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "type must be status, result or error"})
		return
	}

	bus := h.Tracker.Events()
	c.JSON(http.StatusOK, gin.H{
		"events":  bus.Query(filter),
		"lastSeq": bus.LastSeq(),
	})
}

// persistence classifies task store failures. Not-found and invalid input
// keep their own status codes.
func persistence(message string, err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidTask) {
		return err
	}
	return &domain.PipelineError{Kind: domain.KindPersistence, Message: message, Err: err}
}
