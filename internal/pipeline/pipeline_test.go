package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"meeting-taskflow/internal/cleanup"
	"meeting-taskflow/internal/config"
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

// fakeRunner simulates worker execution outcomes.
type fakeRunner struct {
	calls atomic.Int32
	run   func(ctx context.Context, cmd worker.Command) (worker.Result, error)
}

// Run delegates to injected behavior.
func (f *fakeRunner) Run(ctx context.Context, cmd worker.Command) (worker.Result, error) {
	f.calls.Add(1)
	if f.run == nil {
		return worker.Result{}, nil
	}
	return f.run(ctx, cmd)
}

// fakeGateway records persisted rows in memory.
type fakeGateway struct {
	err         error
	transcripts []string
	taskBatches [][]string
	linkedTo    []string
}

func (g *fakeGateway) CreateTranscript(ctx context.Context, content string) (store.Transcript, error) {
	if g.err != nil {
		return store.Transcript{}, g.err
	}
	g.transcripts = append(g.transcripts, content)
	return store.Transcript{ID: "tr-1", Content: content}, nil
}

func (g *fakeGateway) CreateTasks(ctx context.Context, titles []string, transcriptID string) ([]store.Task, error) {
	if g.err != nil {
		return nil, g.err
	}
	g.taskBatches = append(g.taskBatches, titles)
	g.linkedTo = append(g.linkedTo, transcriptID)
	tasks := make([]store.Task, 0, len(titles))
	for _, title := range titles {
		tasks = append(tasks, store.Task{ID: "task-" + title, Title: title, TranscriptID: &transcriptID})
	}
	return tasks, nil
}

type harness struct {
	dir      string
	whisper  *fakeRunner
	ollama   *fakeRunner
	gateway  *fakeGateway
	limiter  *limiter.Limiter
	tracker  *jobs.Tracker
	pipeline *Pipeline
}

type harnessOption func(h *harness)

func withTranscribeTimeout(d time.Duration) harnessOption {
	return func(h *harness) {
		h.pipeline.transcriber = transcribe.NewInvoker("whisper", "base", d, h.whisper)
	}
}

func withKeepArtifacts() harnessOption {
	return func(h *harness) {
		h.pipeline.cleanup = cleanup.NewManager(h.dir, true, discardLogger())
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "uploads")
	h := &harness{
		dir:     dir,
		whisper: &fakeRunner{run: writeArtifact(t, "Alice will call the vendor.\n")},
		ollama:  &fakeRunner{run: respond("- Call vendor\n2. Send report\n\nReview budget\n")},
		gateway: &fakeGateway{},
		limiter: limiter.New(2, 0),
		tracker: jobs.NewTracker(jobs.NewEventBus(100)),
	}
	h.pipeline = New(Deps{
		Validator:   upload.NewValidator(config.DefaultAllowedExtensions, 1024),
		Staging:     staging.NewStore(dir),
		Cleanup:     cleanup.NewManager(dir, false, discardLogger()),
		Limiter:     h.limiter,
		Transcriber: transcribe.NewInvoker("whisper", "base", time.Minute, h.whisper),
		Extractor:   extract.NewInvoker("ollama", "phi", time.Minute, h.ollama),
		Gateway:     h.gateway,
		Tracker:     h.tracker,
		Logger:      discardLogger(),
	})
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeArtifact mimics whisper writing <base>.txt into --output_dir.
func writeArtifact(t *testing.T, text string) func(ctx context.Context, cmd worker.Command) (worker.Result, error) {
	return func(ctx context.Context, cmd worker.Command) (worker.Result, error) {
		out := transcribe.ArtifactPath(cmd.Args[0], argValue(cmd.Args, "--output_dir"))
		if err := os.WriteFile(out, []byte(text), 0o600); err != nil {
			t.Errorf("write artifact: %v", err)
		}
		return worker.Result{}, nil
	}
}

func respond(stdout string) func(ctx context.Context, cmd worker.Command) (worker.Result, error) {
	return func(ctx context.Context, cmd worker.Command) (worker.Result, error) {
		return worker.Result{Stdout: stdout}, nil
	}
}

func audioUpload(name string, body string) Upload {
	return Upload{Name: name, Size: int64(len(body)), Body: strings.NewReader(body)}
}

// TestTranscribeSuccessRemovesFiles verifies the happy path and cleanup.
func TestTranscribeSuccessRemovesFiles(t *testing.T) {
	h := newHarness(t)

	res, err := h.pipeline.Transcribe(context.Background(), audioUpload("standup.mp3", "audio-bytes"))
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if res.Transcript != "Alice will call the vendor.\n" {
		t.Fatalf("Transcript = %q", res.Transcript)
	}
	if !res.Persisted || res.TranscriptID != "tr-1" || res.PersistError != nil {
		t.Fatalf("unexpected persistence result: %+v", res)
	}
	if len(h.gateway.transcripts) != 1 {
		t.Fatalf("transcripts stored = %d, want 1", len(h.gateway.transcripts))
	}
	assertScratchEmpty(t, h.dir)
	assertNoActiveJobs(t, h.tracker)
	assertLastStatus(t, h.tracker, res.JobID, domain.JobStatusTranscribed)
}

// TestTranscribeRejectsBadExtensionWithoutWriting verifies no file is staged for invalid input.
func TestTranscribeRejectsBadExtensionWithoutWriting(t *testing.T) {
	h := newHarness(t)

	_, err := h.pipeline.Transcribe(context.Background(), audioUpload("notes.txt", "hello"))
	pErr := assertKind(t, err, domain.KindValidation)
	if pErr.Rule != domain.RuleUnsupportedExtension {
		t.Fatalf("rule = %s, want unsupported-extension", pErr.Rule)
	}
	if h.whisper.calls.Load() != 0 {
		t.Fatal("worker should not run for rejected uploads")
	}
	if _, err := os.Stat(h.dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("scratch dir should not be created, stat err = %v", err)
	}
	assertNoActiveJobs(t, h.tracker)
}

// TestTranscribeMissingFile verifies an empty name is rejected.
func TestTranscribeMissingFile(t *testing.T) {
	h := newHarness(t)
	_, err := h.pipeline.Transcribe(context.Background(), Upload{})
	if pErr := assertKind(t, err, domain.KindValidation); pErr.Rule != domain.RuleMissingFile {
		t.Fatalf("rule = %s, want missing-file", pErr.Rule)
	}
}

// TestTranscribeStreamedOverflow verifies a lying declared size still hits the limit.
func TestTranscribeStreamedOverflow(t *testing.T) {
	h := newHarness(t)

	in := Upload{Name: "big.wav", Size: 10, Body: strings.NewReader(strings.Repeat("x", 4096))}
	_, err := h.pipeline.Transcribe(context.Background(), in)
	if pErr := assertKind(t, err, domain.KindValidation); pErr.Rule != domain.RuleTooLarge {
		t.Fatalf("rule = %s, want too-large", pErr.Rule)
	}
	if h.whisper.calls.Load() != 0 {
		t.Fatal("worker should not run for oversized uploads")
	}
	assertScratchEmpty(t, h.dir)
	assertNoActiveJobs(t, h.tracker)
}

// TestTranscribeWorkerFailureCleansUp verifies non-zero exit removes staged audio.
func TestTranscribeWorkerFailureCleansUp(t *testing.T) {
	h := newHarness(t)
	h.whisper.run = func(ctx context.Context, cmd worker.Command) (worker.Result, error) {
		out := transcribe.ArtifactPath(cmd.Args[0], argValue(cmd.Args, "--output_dir"))
		_ = os.WriteFile(out, []byte("partial"), 0o600)
		return worker.Result{Stderr: "model not found", ExitCode: 1}, errors.New("exit status 1")
	}

	_, err := h.pipeline.Transcribe(context.Background(), audioUpload("standup.mp3", "audio"))
	pErr := assertKind(t, err, domain.KindTranscription)
	if pErr.CommandLog.ExitCode != 1 {
		t.Fatalf("exit code = %d, want 1", pErr.CommandLog.ExitCode)
	}
	if len(h.gateway.transcripts) != 0 {
		t.Fatal("failed transcription must not be persisted")
	}
	assertScratchEmpty(t, h.dir)
	assertNoActiveJobs(t, h.tracker)
}

// TestTranscribeMissingArtifactCleansUp verifies the integrity failure path.
func TestTranscribeMissingArtifactCleansUp(t *testing.T) {
	h := newHarness(t)
	h.whisper.run = respond("")

	_, err := h.pipeline.Transcribe(context.Background(), audioUpload("standup.m4a", "audio"))
	assertKind(t, err, domain.KindTranscriptionIntegrity)
	assertScratchEmpty(t, h.dir)
}

// TestTranscribeTimeoutCleansUp verifies a stuck worker is stopped and files removed.
func TestTranscribeTimeoutCleansUp(t *testing.T) {
	h := newHarness(t, withTranscribeTimeout(20*time.Millisecond))
	h.whisper.run = func(ctx context.Context, cmd worker.Command) (worker.Result, error) {
		<-ctx.Done()
		return worker.Result{ExitCode: -1}, ctx.Err()
	}

	_, err := h.pipeline.Transcribe(context.Background(), audioUpload("standup.ogg", "audio"))
	assertKind(t, err, domain.KindTranscriptionTimeout)
	assertScratchEmpty(t, h.dir)
	assertNoActiveJobs(t, h.tracker)
}

// TestTranscribeCancelledMarksJobCancelled verifies client disconnects end in cancelled.
func TestTranscribeCancelledMarksJobCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	var jobID string
	h.whisper.run = func(runCtx context.Context, cmd worker.Command) (worker.Result, error) {
		active := h.tracker.Active()
		if len(active) == 1 {
			jobID = active[0].ID
		}
		cancel()
		<-runCtx.Done()
		return worker.Result{ExitCode: -1}, runCtx.Err()
	}

	_, err := h.pipeline.Transcribe(ctx, audioUpload("standup.webm", "audio"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	assertScratchEmpty(t, h.dir)
	assertLastStatus(t, h.tracker, jobID, domain.JobStatusCancelled)
}

// TestTranscribeBusy verifies saturation rejects without staging.
func TestTranscribeBusy(t *testing.T) {
	h := newHarness(t)
	r1, _ := h.limiter.Acquire(context.Background())
	r2, _ := h.limiter.Acquire(context.Background())
	defer r1()
	defer r2()

	_, err := h.pipeline.Transcribe(context.Background(), audioUpload("standup.mp3", "audio"))
	assertKind(t, err, domain.KindBusy)
	if !errors.Is(err, limiter.ErrTooManyConcurrentJobs) {
		t.Fatalf("error = %v, want ErrTooManyConcurrentJobs", err)
	}
	if h.whisper.calls.Load() != 0 {
		t.Fatal("worker should not run while saturated")
	}
	if _, err := os.Stat(h.dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("nothing should be staged while saturated, stat err = %v", err)
	}
}

// TestTranscribePersistenceFailureKeepsTranscript verifies stored-data failures do not discard work.
func TestTranscribePersistenceFailureKeepsTranscript(t *testing.T) {
	h := newHarness(t)
	h.gateway.err = errors.New("database is locked")

	res, err := h.pipeline.Transcribe(context.Background(), audioUpload("standup.mp3", "audio"))
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if res.Persisted || res.TranscriptID != "" {
		t.Fatalf("unexpected persistence result: %+v", res)
	}
	if kind, _ := domain.KindOf(res.PersistError); kind != domain.KindPersistence {
		t.Fatalf("PersistError kind = %s, want persistence", kind)
	}
	if res.Transcript == "" {
		t.Fatal("transcript should still be returned")
	}
	assertScratchEmpty(t, h.dir)
}

// TestTranscribeKeepArtifacts verifies debug retention leaves files on disk.
func TestTranscribeKeepArtifacts(t *testing.T) {
	h := newHarness(t, withKeepArtifacts())

	if _, err := h.pipeline.Transcribe(context.Background(), audioUpload("standup.mp3", "audio")); err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		t.Fatalf("read scratch dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want staged audio and transcript", len(entries))
	}
}

// TestExtractPersistsLinkedTasks verifies normalized titles are stored against the transcript.
func TestExtractPersistsLinkedTasks(t *testing.T) {
	h := newHarness(t)

	res, err := h.pipeline.Extract(context.Background(), ExtractionRequest{Transcript: "meeting text", TranscriptID: "tr-1"})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	want := []string{"Call vendor", "Send report", "Review budget"}
	if !reflect.DeepEqual(res.Titles, want) {
		t.Fatalf("Titles = %q, want %q", res.Titles, want)
	}
	if !res.Persisted || len(res.Tasks) != 3 {
		t.Fatalf("unexpected persistence result: %+v", res)
	}
	if h.gateway.linkedTo[0] != "tr-1" {
		t.Fatalf("linked to %q, want tr-1", h.gateway.linkedTo[0])
	}
	if len(h.gateway.transcripts) != 0 {
		t.Fatal("extraction must never create transcripts")
	}
	assertLastStatus(t, h.tracker, res.JobID, domain.JobStatusExtracted)
	assertNoActiveJobs(t, h.tracker)
}

// TestExtractWithoutTranscriptIDSkipsPersistence verifies unlinked requests only return titles.
func TestExtractWithoutTranscriptIDSkipsPersistence(t *testing.T) {
	h := newHarness(t)

	res, err := h.pipeline.Extract(context.Background(), ExtractionRequest{Transcript: "meeting text"})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if res.Persisted || len(h.gateway.taskBatches) != 0 {
		t.Fatalf("nothing should be stored: %+v", res)
	}
	if len(res.Titles) != 3 {
		t.Fatalf("Titles = %q", res.Titles)
	}
}

// TestExtractIdempotent verifies identical worker output yields identical titles.
func TestExtractIdempotent(t *testing.T) {
	h := newHarness(t)
	req := ExtractionRequest{Transcript: "meeting text"}

	first, err := h.pipeline.Extract(context.Background(), req)
	if err != nil {
		t.Fatalf("first Extract() error = %v", err)
	}
	second, err := h.pipeline.Extract(context.Background(), req)
	if err != nil {
		t.Fatalf("second Extract() error = %v", err)
	}
	if !reflect.DeepEqual(first.Titles, second.Titles) {
		t.Fatalf("titles differ: %q vs %q", first.Titles, second.Titles)
	}
}

// TestExtractBlankTranscript verifies validation before any worker runs.
func TestExtractBlankTranscript(t *testing.T) {
	h := newHarness(t)

	_, err := h.pipeline.Extract(context.Background(), ExtractionRequest{Transcript: "  \n"})
	if pErr := assertKind(t, err, domain.KindValidation); pErr.Rule != domain.RuleMissingTranscript {
		t.Fatalf("rule = %s, want missing-transcript", pErr.Rule)
	}
	if h.ollama.calls.Load() != 0 {
		t.Fatal("worker should not run for blank transcripts")
	}
}

// TestExtractWorkerFailure verifies extraction errors surface with exit details.
func TestExtractWorkerFailure(t *testing.T) {
	h := newHarness(t)
	h.ollama.run = func(ctx context.Context, cmd worker.Command) (worker.Result, error) {
		return worker.Result{Stderr: "model phi not found", ExitCode: 1}, errors.New("exit status 1")
	}

	res, err := h.pipeline.Extract(context.Background(), ExtractionRequest{Transcript: "x", TranscriptID: "tr-1"})
	pErr := assertKind(t, err, domain.KindExtraction)
	if pErr.CommandLog.ExitCode != 1 {
		t.Fatalf("exit code = %d, want 1", pErr.CommandLog.ExitCode)
	}
	if len(h.gateway.taskBatches) != 0 || res.Persisted {
		t.Fatal("failed extraction must not persist tasks")
	}
	assertNoActiveJobs(t, h.tracker)
}

// TestExtractPersistenceFailureKeepsTitles verifies titles are returned when storing fails.
func TestExtractPersistenceFailureKeepsTitles(t *testing.T) {
	h := newHarness(t)
	h.gateway.err = errors.New("foreign key constraint failed")

	res, err := h.pipeline.Extract(context.Background(), ExtractionRequest{Transcript: "x", TranscriptID: "gone"})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if res.Persisted || res.PersistError == nil {
		t.Fatalf("unexpected persistence result: %+v", res)
	}
	if len(res.Titles) != 3 {
		t.Fatalf("Titles = %q", res.Titles)
	}
}

// TestExtractEmptyOutput verifies an empty worker answer is an empty list.
func TestExtractEmptyOutput(t *testing.T) {
	h := newHarness(t)
	h.ollama.run = respond("\n\n")

	res, err := h.pipeline.Extract(context.Background(), ExtractionRequest{Transcript: "small talk"})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(res.Titles) != 0 {
		t.Fatalf("Titles = %q, want none", res.Titles)
	}
}

// TestExtractBusy verifies saturation rejects extraction requests.
func TestExtractBusy(t *testing.T) {
	h := newHarness(t)
	r1, _ := h.limiter.Acquire(context.Background())
	r2, _ := h.limiter.Acquire(context.Background())
	defer r1()
	defer r2()

	_, err := h.pipeline.Extract(context.Background(), ExtractionRequest{Transcript: "x"})
	assertKind(t, err, domain.KindBusy)
	if h.ollama.calls.Load() != 0 {
		t.Fatal("worker should not run while saturated")
	}
}

func assertKind(t *testing.T, err error, kind domain.ErrorKind) *domain.PipelineError {
	t.Helper()
	var pErr *domain.PipelineError
	if !errors.As(err, &pErr) {
		t.Fatalf("error type = %T (%v), want *PipelineError", err, err)
	}
	if pErr.Kind != kind {
		t.Fatalf("kind = %s, want %s (%v)", pErr.Kind, kind, err)
	}
	return pErr
}

func assertScratchEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("read scratch dir: %v", err)
	}
	if len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("scratch dir not empty: %v", names)
	}
}

func assertNoActiveJobs(t *testing.T, tracker *jobs.Tracker) {
	t.Helper()
	if active := tracker.Active(); len(active) != 0 {
		t.Fatalf("active jobs = %+v, want none", active)
	}
}

func assertLastStatus(t *testing.T, tracker *jobs.Tracker, jobID string, want domain.JobStatus) {
	t.Helper()
	var last domain.JobStatus
	for _, e := range tracker.Events().Since(0) {
		if e.JobID == jobID && e.Status != "" {
			last = e.Status
		}
	}
	if last != want {
		t.Fatalf("last status for %s = %s, want %s", jobID, last, want)
	}
}

// argValue returns the value following key in args.
func argValue(args []string, key string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == key {
			return args[i+1]
		}
	}
	return ""
}

// TestUpdateLogsUnknownJob verifies a lost job is reported instead of ignored.
func TestUpdateLogsUnknownJob(t *testing.T) {
	var logs strings.Builder
	p := New(Deps{
		Tracker: jobs.NewTracker(nil),
		Logger:  slog.New(slog.NewTextHandler(&logs, nil)),
	})

	p.update("ghost", func(j *domain.Job) { j.StagedPath = "/tmp/x" })

	out := logs.String()
	if !strings.Contains(out, "job state machine violated") || !strings.Contains(out, "job=ghost") {
		t.Fatalf("missing error log: %q", out)
	}
}
