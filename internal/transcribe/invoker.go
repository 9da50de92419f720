// Package transcribe runs the external speech-to-text worker and reads its artifact.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"meeting-taskflow/internal/domain"
	"meeting-taskflow/internal/worker"
)

// outputFormat is the only artifact format the pipeline reads.
const outputFormat = "txt"

// Artifact is the transcript text and the file it was read from.
type Artifact struct {
	Text string
	Path string
}

// Invoker runs the whisper CLI against a staged audio file.
type Invoker struct {
	command string
	model   string
	timeout time.Duration
	runner  worker.Runner
	stat    func(name string) (os.FileInfo, error)
	open    func(name string) (*os.File, error)
}

// NewInvoker constructs the production invoker.
func NewInvoker(command, model string, timeout time.Duration, runner worker.Runner) *Invoker {
	return &Invoker{
		command: command,
		model:   model,
		timeout: timeout,
		runner:  runner,
		stat:    os.Stat,
		open:    os.Open,
	}
}

// Transcribe runs the worker to completion and returns the transcript text.
// The artifact file is left on disk; callers track ArtifactPath for cleanup.
func (i *Invoker) Transcribe(ctx context.Context, audioPath, outputDir string) (Artifact, error) {
	if strings.TrimSpace(audioPath) == "" {
		return Artifact{}, &domain.PipelineError{
			Kind:    domain.KindTranscription,
			Message: "audio path is required",
		}
	}

	runCtx := ctx
	if i.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	cmd := worker.Command{
		Name: i.command,
		Args: buildWhisperArgs(audioPath, i.model, outputDir),
	}
	res, runErr := i.runner.Run(runCtx, cmd)
	log := cmd.Log(res)
	if runErr != nil {
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return Artifact{}, &domain.PipelineError{
				Kind:       domain.KindTranscriptionTimeout,
				Message:    fmt.Sprintf("transcription exceeded %s and was stopped", i.timeout),
				CommandLog: log,
				Err:        context.DeadlineExceeded,
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Artifact{}, &domain.PipelineError{
				Kind:       domain.KindTranscription,
				Message:    "transcription cancelled",
				CommandLog: log,
				Err:        ctxErr,
			}
		}
		return Artifact{}, &domain.PipelineError{
			Kind:       domain.KindTranscription,
			Message:    "speech-to-text worker failed",
			CommandLog: log,
			Err:        runErr,
		}
	}

	textPath := ArtifactPath(audioPath, outputDir)
	if _, err := i.stat(textPath); err != nil {
		return Artifact{}, &domain.PipelineError{
			Kind:       domain.KindTranscriptionIntegrity,
			Message:    "speech-to-text worker exited cleanly but wrote no transcript",
			CommandLog: log,
			Err:        err,
		}
	}

	text, err := i.readUTF8(textPath)
	if err != nil {
		return Artifact{}, &domain.PipelineError{
			Kind:       domain.KindTranscriptionIntegrity,
			Message:    fmt.Sprintf("failed to read transcript file: %s", filepath.Base(textPath)),
			CommandLog: log,
			Err:        err,
		}
	}

	return Artifact{Text: text, Path: textPath}, nil
}

// readUTF8 decodes the artifact as UTF-8, dropping a BOM and replacing invalid bytes.
func (i *Invoker) readUTF8(path string) (string, error) {
	f, err := i.open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	data, err := io.ReadAll(transform.NewReader(f, decoder))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ArtifactPath is where the worker writes the transcript for audioPath:
// the audio base name with a .txt extension inside outputDir.
func ArtifactPath(audioPath, outputDir string) string {
	base := filepath.Base(audioPath)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(outputDir, name+"."+outputFormat)
}

// buildWhisperArgs builds whisper CLI args for plain-text transcript export.
func buildWhisperArgs(audioPath, model, outputDir string) []string {
	return []string{
		audioPath,
		"--model", model,
		"--output_format", outputFormat,
		"--output_dir", outputDir,
	}
}

// NewInvokerForTests constructs an invoker with injectable dependencies.
func NewInvokerForTests(
	command string,
	model string,
	timeout time.Duration,
	runner worker.Runner,
	stat func(name string) (os.FileInfo, error),
) *Invoker {
	inv := NewInvoker(command, model, timeout, runner)
	inv.stat = stat
	return inv
}
