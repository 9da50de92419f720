// Package extract turns transcript text into task titles via a text-generation worker.
package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meeting-taskflow/internal/domain"
	"meeting-taskflow/internal/worker"
)

// stderrSnippetLimit caps how much worker diagnostics end up in errors.
const stderrSnippetLimit = 512

const promptTemplate = "Extract only actionable tasks from this transcript. " +
	"Bullet points only, no explanation.\n\nTranscript:\n%s"

// BuildPrompt renders the fixed extraction prompt for a transcript.
func BuildPrompt(transcript string) string {
	return fmt.Sprintf(promptTemplate, transcript)
}

// Invoker runs `<command> run <model>` and exchanges the prompt over stdio.
type Invoker struct {
	command string
	model   string
	timeout time.Duration
	runner  worker.Runner
}

// NewInvoker constructs an extraction invoker.
func NewInvoker(command, model string, timeout time.Duration, runner worker.Runner) *Invoker {
	return &Invoker{
		command: command,
		model:   model,
		timeout: timeout,
		runner:  runner,
	}
}

// Extract writes the prompt to the worker's stdin, closes it, and returns
// everything the worker printed before exiting. Empty output is not an error.
func (i *Invoker) Extract(ctx context.Context, transcript string) (string, error) {
	runCtx := ctx
	if i.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	cmd := worker.Command{
		Name:  i.command,
		Args:  []string{"run", i.model},
		Stdin: BuildPrompt(transcript),
	}
	res, err := i.runner.Run(runCtx, cmd)
	if err == nil {
		return res.Stdout, nil
	}

	log := cmd.Log(res)
	log.Stdout = ""
	log.Stderr = worker.Snippet(res.Stderr, stderrSnippetLimit)

	pErr := &domain.PipelineError{
		Kind:       domain.KindExtraction,
		Message:    fmt.Sprintf("text-generation worker failed with exit code %d", res.ExitCode),
		CommandLog: log,
		Err:        err,
	}
	switch {
	case ctx.Err() != nil:
		pErr.Message = "task extraction cancelled"
		pErr.Err = ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		pErr.Message = fmt.Sprintf("task extraction exceeded %s and was stopped", i.timeout)
		pErr.Err = context.DeadlineExceeded
	}
	return "", pErr
}
