package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"meeting-taskflow/internal/config"
	"meeting-taskflow/internal/diagnostics"
	"meeting-taskflow/internal/store"
	"meeting-taskflow/internal/transcribe"
	"meeting-taskflow/internal/worker"
)

// fakeRunner plays both workers based on the command name.
type fakeRunner struct {
	run func(ctx context.Context, cmd worker.Command) (worker.Result, error)
}

// Run delegates to injected function.
func (r *fakeRunner) Run(ctx context.Context, cmd worker.Command) (worker.Result, error) {
	return r.run(ctx, cmd)
}

func testSettings(t *testing.T) config.Settings {
	t.Helper()
	root := t.TempDir()
	s := config.DefaultSettings()
	s.Server.Address = "127.0.0.1:0"
	s.Server.ShutdownTimeout = 2 * time.Second
	s.Staging.Dir = filepath.Join(root, "uploads")
	s.Database.DSN = filepath.Join(root, "taskflow.db")
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestApp(t *testing.T, settings config.Settings, runner worker.Runner) *App {
	t.Helper()
	db, err := store.Open(settings.Database, discardLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	checker := diagnostics.NewCheckerForTests(
		func(name string) (string, error) { return "/usr/bin/" + name, nil },
		os.Stat,
		os.MkdirAll,
		os.CreateTemp,
		os.Remove,
		db,
	)
	app := newApp(settings, db, runner, checker, discardLogger())
	t.Cleanup(func() { _ = db.Close() })
	return app
}

// meetingWorkers simulates whisper writing a transcript and ollama answering with bullets.
func meetingWorkers(dir string) *fakeRunner {
	return &fakeRunner{run: func(ctx context.Context, cmd worker.Command) (worker.Result, error) {
		switch cmd.Name {
		case "whisper":
			out := transcribe.ArtifactPath(cmd.Args[0], dir)
			return worker.Result{}, os.WriteFile(out, []byte("Alice will call the vendor. Bob sends the report."), 0o600)
		case "ollama":
			return worker.Result{Stdout: "- Alice call vendor\n- Bob send report\n"}, nil
		default:
			return worker.Result{ExitCode: -1}, errors.New("unexpected command " + cmd.Name)
		}
	}}
}

// TestMeetingFlowEndToEnd uploads audio, extracts tasks and reviews them through the HTTP surface.
func TestMeetingFlowEndToEnd(t *testing.T) {
	settings := testSettings(t)
	app := newTestApp(t, settings, meetingWorkers(settings.Staging.Dir))
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, _ := w.CreateFormFile("file", "standup.mp3")
	_, _ = part.Write([]byte("audio"))
	_ = w.Close()

	resp, err := http.Post(srv.URL+"/api/upload", w.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	var uploaded struct {
		Success      bool   `json:"success"`
		Transcript   string `json:"transcript"`
		TranscriptID string `json:"transcriptId"`
	}
	decode(t, resp, &uploaded)
	if !uploaded.Success || uploaded.TranscriptID == "" {
		t.Fatalf("unexpected upload response: %+v", uploaded)
	}

	payload, _ := json.Marshal(map[string]string{
		"transcript":   uploaded.Transcript,
		"transcriptId": uploaded.TranscriptID,
	})
	resp, err = http.Post(srv.URL+"/api/extract-tasks", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	var extracted struct {
		Success bool         `json:"success"`
		Tasks   []store.Task `json:"tasks"`
	}
	decode(t, resp, &extracted)
	if len(extracted.Tasks) != 2 || extracted.Tasks[0].Assignee != "Alice" {
		t.Fatalf("unexpected tasks: %+v", extracted.Tasks)
	}

	resp, err = http.Get(srv.URL + "/api/tasks")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var listed []store.Task
	decode(t, resp, &listed)
	if len(listed) != 2 {
		t.Fatalf("listed = %d, want 2", len(listed))
	}
	for _, task := range listed {
		if task.TranscriptID == nil || *task.TranscriptID != uploaded.TranscriptID {
			t.Fatalf("task not linked to transcript: %+v", task)
		}
	}

	entries, _ := os.ReadDir(settings.Staging.Dir)
	if len(entries) != 0 {
		t.Fatalf("scratch dir not empty after flow: %d entries", len(entries))
	}
}

// TestHealthReportsWorkers verifies the health route uses live diagnostics.
func TestHealthReportsWorkers(t *testing.T) {
	settings := testSettings(t)
	app := newTestApp(t, settings, meetingWorkers(settings.Staging.Dir))

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if app.Diagnostics().HasFailures {
		t.Fatalf("unexpected failures: %+v", app.Diagnostics().Items)
	}
	if !strings.Contains(rec.Body.String(), "tool_transcription") {
		t.Fatalf("report missing worker check: %s", rec.Body.String())
	}
}

// TestServeShutsDownOnCancel verifies graceful shutdown and the startup sweep.
func TestServeShutsDownOnCancel(t *testing.T) {
	settings := testSettings(t)
	settings.Staging.Retention = time.Minute
	settings.Transcription.Timeout = 30 * time.Second
	if err := os.MkdirAll(settings.Staging.Dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stale := filepath.Join(settings.Staging.Dir, "1-old-job-a.mp3")
	if err := os.WriteFile(stale, []byte("x"), 0o600); err != nil {
		t.Fatalf("write stale: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	app := newTestApp(t, settings, meetingWorkers(settings.Staging.Dir))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx, ln) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + ln.Addr().String() + "/")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(stale); errors.Is(err, os.ErrNotExist) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stale scratch file was not swept")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

// TestNewRejectsInvalidSettings verifies settings validation happens before wiring.
func TestNewRejectsInvalidSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("database:\n  driver: mysql\n  dsn: x\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "")

	if _, err := New(config.NewYAMLStore(path), discardLogger()); err == nil {
		t.Fatal("expected invalid driver to fail")
	}
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode: %v", err)
	}
}
