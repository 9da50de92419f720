// Package pipeline assembles validation, staging, worker calls, cleanup and
// persistence into the two request flows the service exposes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"meeting-taskflow/internal/cleanup"
	"meeting-taskflow/internal/domain"
	"meeting-taskflow/internal/extract"
	"meeting-taskflow/internal/jobs"
	"meeting-taskflow/internal/limiter"
	"meeting-taskflow/internal/staging"
	"meeting-taskflow/internal/store"
	"meeting-taskflow/internal/transcribe"
	"meeting-taskflow/internal/upload"
	"meeting-taskflow/internal/worker"
)

// Gateway is the persistence surface the pipeline writes results through.
type Gateway interface {
	CreateTranscript(ctx context.Context, content string) (store.Transcript, error)
	CreateTasks(ctx context.Context, titles []string, transcriptID string) ([]store.Task, error)
}

// Transcriber turns a staged audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, outputDir string) (transcribe.Artifact, error)
}

// Extractor turns transcript text into raw task output.
type Extractor interface {
	Extract(ctx context.Context, transcript string) (string, error)
}

// Upload is one received audio file.
type Upload struct {
	Name string
	Size int64
	Body io.Reader
}

// TranscriptionResult is returned by a successful Transcribe. When the
// gateway fails the transcript is still returned with Persisted false.
type TranscriptionResult struct {
	JobID        string
	Transcript   string
	TranscriptID string
	Persisted    bool
	PersistError error
}

// ExtractionRequest asks for tasks from transcript text. TranscriptID links
// stored tasks to an existing transcript; when empty nothing is stored.
type ExtractionRequest struct {
	Transcript   string
	TranscriptID string
}

// ExtractionResult is returned by a successful Extract.
type ExtractionResult struct {
	JobID        string
	Titles       []string
	Tasks        []store.Task
	Persisted    bool
	PersistError error
}

// Deps are the collaborators a Pipeline orchestrates.
type Deps struct {
	Validator   *upload.Validator
	Staging     *staging.Store
	Cleanup     *cleanup.Manager
	Limiter     *limiter.Limiter
	Transcriber Transcriber
	Extractor   Extractor
	Gateway     Gateway
	Tracker     *jobs.Tracker
	Logger      *slog.Logger
}

// Pipeline runs upload and extraction requests end to end.
type Pipeline struct {
	validator   *upload.Validator
	staging     *staging.Store
	cleanup     *cleanup.Manager
	limiter     *limiter.Limiter
	transcriber Transcriber
	extractor   Extractor
	gateway     Gateway
	tracker     *jobs.Tracker
	logger      *slog.Logger
}

// New builds a pipeline. Tracker and Logger fall back to private defaults.
func New(d Deps) *Pipeline {
	if d.Tracker == nil {
		d.Tracker = jobs.NewTracker(nil)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Pipeline{
		validator:   d.Validator,
		staging:     d.Staging,
		cleanup:     d.Cleanup,
		limiter:     d.Limiter,
		transcriber: d.Transcriber,
		extractor:   d.Extractor,
		gateway:     d.Gateway,
		tracker:     d.Tracker,
		logger:      d.Logger,
	}
}

// Tracker exposes the job tracker for status endpoints.
func (p *Pipeline) Tracker() *jobs.Tracker {
	return p.tracker
}

// Transcribe validates, stages and transcribes one upload, then stores the
// transcript. Staged audio and the transcript artifact are removed on every
// exit path before it returns.
func (p *Pipeline) Transcribe(ctx context.Context, in Upload) (TranscriptionResult, error) {
	job, err := p.tracker.Begin(domain.Job{
		Kind:         domain.JobKindUpload,
		OriginalName: in.Name,
		DeclaredSize: in.Size,
		Extension:    upload.Extension(in.Name),
	})
	if err != nil {
		return TranscriptionResult{}, err
	}
	logger := p.logger.With("job", job.ID, "file", in.Name)
	started := time.Now()

	if err := p.validator.Validate(in.Name, in.Size); err != nil {
		p.fail(logger, job.ID, domain.JobStatusRejected, err)
		return TranscriptionResult{}, err
	}
	p.transition(job.ID, domain.JobStatusValidated, "")

	release, err := p.limiter.Acquire(ctx)
	if err != nil {
		p.fail(logger, job.ID, p.unlessCancelled(ctx, domain.JobStatusRejected), err)
		return TranscriptionResult{}, err
	}
	defer release()

	scope := p.cleanup.Scope(job.ID)
	defer scope.Release()

	maxBytes := p.validator.MaxBytes()
	body := in.Body
	if body == nil {
		body = strings.NewReader("")
	}
	stagedPath, written, err := p.staging.Stage(job.ID, in.Name, io.LimitReader(body, maxBytes+1))
	if err != nil {
		p.fail(logger, job.ID, p.unlessCancelled(ctx, domain.JobStatusStagingFailed), err)
		return TranscriptionResult{}, err
	}
	scope.Track(stagedPath, transcribe.ArtifactPath(stagedPath, p.staging.Dir()))
	p.update(job.ID, func(j *domain.Job) { j.StagedPath = stagedPath })

	if written > maxBytes {
		err := upload.TooLarge(written, maxBytes)
		p.fail(logger, job.ID, domain.JobStatusRejected, err)
		return TranscriptionResult{}, err
	}
	p.transition(job.ID, domain.JobStatusStaged, fmt.Sprintf("%d bytes staged", written))
	p.transition(job.ID, domain.JobStatusTranscribing, "")

	artifact, err := p.transcriber.Transcribe(ctx, stagedPath, p.staging.Dir())
	if err != nil {
		p.fail(logger, job.ID, p.unlessCancelled(ctx, domain.JobStatusTranscriptionFailed), err)
		return TranscriptionResult{}, err
	}
	scope.Release()
	p.transition(job.ID, domain.JobStatusTranscribed, "")
	logger.Info("transcription finished", "chars", len(artifact.Text), "elapsed", time.Since(started).Round(time.Millisecond))

	result := TranscriptionResult{JobID: job.ID, Transcript: artifact.Text}
	transcript, err := p.gateway.CreateTranscript(ctx, artifact.Text)
	if err != nil {
		result.PersistError = persistenceError("transcript was not saved", err)
		logger.Warn("transcript not persisted", "err", err)
		p.tracker.Result(job.ID, job.Kind, "transcript not saved")
		return result, nil
	}
	result.TranscriptID = transcript.ID
	result.Persisted = true
	p.tracker.Result(job.ID, job.Kind, "transcript saved as "+transcript.ID)
	return result, nil
}

// Extract asks the text-generation worker for tasks and normalizes them.
// Tasks are stored only when the request names a transcript.
func (p *Pipeline) Extract(ctx context.Context, req ExtractionRequest) (ExtractionResult, error) {
	job, err := p.tracker.Begin(domain.Job{
		Kind:         domain.JobKindExtraction,
		TranscriptID: req.TranscriptID,
	})
	if err != nil {
		return ExtractionResult{}, err
	}
	logger := p.logger.With("job", job.ID)

	if strings.TrimSpace(req.Transcript) == "" {
		err := domain.NewValidationError(domain.RuleMissingTranscript, "Transcript is required")
		p.fail(logger, job.ID, domain.JobStatusRejected, err)
		return ExtractionResult{}, err
	}

	release, err := p.limiter.Acquire(ctx)
	if err != nil {
		p.fail(logger, job.ID, p.unlessCancelled(ctx, domain.JobStatusRejected), err)
		return ExtractionResult{}, err
	}
	defer release()

	p.transition(job.ID, domain.JobStatusExtracting, "")
	raw, err := p.extractor.Extract(ctx, req.Transcript)
	if err != nil {
		p.fail(logger, job.ID, p.unlessCancelled(ctx, domain.JobStatusExtractionFailed), err)
		return ExtractionResult{}, err
	}
	titles := extract.Normalize(raw)
	p.transition(job.ID, domain.JobStatusExtracted, fmt.Sprintf("%d tasks", len(titles)))
	logger.Info("extraction finished", "tasks", len(titles))

	result := ExtractionResult{JobID: job.ID, Titles: titles}
	if req.TranscriptID == "" {
		return result, nil
	}

	tasks, err := p.gateway.CreateTasks(ctx, titles, req.TranscriptID)
	if err != nil {
		result.PersistError = persistenceError("tasks were not saved", err)
		logger.Warn("tasks not persisted", "transcript", req.TranscriptID, "err", err)
		p.tracker.Result(job.ID, job.Kind, "tasks not saved")
		return result, nil
	}
	result.Tasks = tasks
	result.Persisted = true
	p.tracker.Result(job.ID, job.Kind, fmt.Sprintf("%d tasks saved", len(tasks)))
	return result, nil
}

// unlessCancelled returns cancelled when the caller went away, otherwise status.
func (p *Pipeline) unlessCancelled(ctx context.Context, status domain.JobStatus) domain.JobStatus {
	if ctx.Err() != nil {
		return domain.JobStatusCancelled
	}
	return status
}

func (p *Pipeline) transition(jobID string, status domain.JobStatus, message string) {
	if err := p.tracker.Transition(jobID, status, message); err != nil {
		p.logger.Error("job state machine violated", "job", jobID, "status", status, "err", err)
	}
}

func (p *Pipeline) update(jobID string, fn func(job *domain.Job)) {
	if err := p.tracker.Update(jobID, fn); err != nil {
		p.logger.Error("job state machine violated", "job", jobID, "err", err)
	}
}

func (p *Pipeline) fail(logger *slog.Logger, jobID string, status domain.JobStatus, cause error) {
	attrs := []any{"status", status, "err", cause}
	var pErr *domain.PipelineError
	if errors.As(cause, &pErr) {
		if pErr.Rule != "" {
			attrs = append(attrs, "rule", pErr.Rule)
		}
		if pErr.CommandLog.Command != "" {
			attrs = append(attrs,
				"cmd", pErr.CommandLog.Command,
				"exit", pErr.CommandLog.ExitCode,
				"stderr", worker.Snippet(pErr.CommandLog.Stderr, 512),
			)
		}
	}
	if kind, _ := domain.KindOf(cause); kind == domain.KindValidation || kind == domain.KindBusy {
		logger.Info("job rejected", attrs...)
	} else {
		logger.Warn("job failed", attrs...)
	}

	if err := p.tracker.Fail(jobID, status, cause); err != nil {
		p.logger.Error("job state machine violated", "job", jobID, "status", status, "err", err)
	}
}

func persistenceError(message string, err error) error {
	return &domain.PipelineError{
		Kind:    domain.KindPersistence,
		Message: message,
		Err:     err,
	}
}
