// Package worker runs external programs to completion and reports their output.
package worker

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"meeting-taskflow/internal/domain"
)

// waitDelay bounds how long Run waits for pipes to drain after a kill.
const waitDelay = 5 * time.Second

// Command describes one worker invocation as an explicit argument vector.
type Command struct {
	Name  string
	Args  []string
	Stdin string
}

// Result is the completion record of one worker process.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Log converts a finished invocation into a domain command log.
func (c Command) Log(res Result) domain.CommandLog {
	return domain.CommandLog{
		Command:  c.Name,
		Args:     append([]string(nil), c.Args...),
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
}

// Runner abstracts process execution for testability.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner executes commands via os/exec.
type ExecRunner struct{}

// NewExecRunner returns the production runner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run starts the process, feeds stdin when set, and waits for exit.
// Cancelling ctx kills the process. A non-zero exit is returned as an error
// with ExitCode set; a process that never started reports ExitCode -1.
func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.WaitDelay = waitDelay
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: 0,
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, errors.Join(ctxErr, err)
		}
		return result, err
	}

	return result, nil
}

// Snippet shortens diagnostic output for logs and error messages. The cut
// never splits a UTF-8 sequence.
func Snippet(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
