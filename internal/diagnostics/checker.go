// Package diagnostics reports whether the workers, scratch directory and
// database the service depends on are usable.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/samber/lo"

	"meeting-taskflow/internal/config"
)

// pingTimeout bounds the database check.
const pingTimeout = 3 * time.Second

// Pinger is satisfied by the persistence store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker validates external tools and required filesystem paths.
type Checker struct {
	lookPath   func(string) (string, error)
	stat       func(string) (os.FileInfo, error)
	mkdirAll   func(string, os.FileMode) error
	createTemp func(string, string) (*os.File, error)
	remove     func(string) error
	db         Pinger
}

// NewChecker builds a checker using real OS dependencies. db may be nil.
func NewChecker(db Pinger) *Checker {
	return &Checker{
		lookPath:   exec.LookPath,
		stat:       os.Stat,
		mkdirAll:   os.MkdirAll,
		createTemp: os.CreateTemp,
		remove:     os.Remove,
		db:         db,
	}
}

// Run executes all checks and returns a combined report.
func (c *Checker) Run(ctx context.Context, settings config.Settings) Report {
	items := []Item{
		c.checkTool("transcription", settings.Transcription.Command),
		c.checkTool("extraction", settings.Extraction.Command),
		c.checkWhisperModel(settings.Transcription.Model),
		c.checkScratchDir(settings.Staging.Dir),
	}
	if c.db != nil {
		items = append(items, c.checkDatabase(ctx, settings.Database.Driver))
	}

	return Report{
		GeneratedAt: time.Now().UTC(),
		HasFailures: lo.SomeBy(items, func(item Item) bool {
			return item.Status == StatusFail
		}),
		Items: items,
	}
}

// checkTool verifies a worker executable is on PATH.
func (c *Checker) checkTool(role, name string) Item {
	item := Item{
		ID:   "tool_" + role,
		Name: fmt.Sprintf("%s worker (%s)", role, name),
	}
	path, err := c.lookPath(name)
	if err != nil {
		item.Status = StatusFail
		item.Message = fmt.Sprintf("Tool not found in PATH: %s", name)
		item.Hint = "Install it and ensure the binary is available on PATH before accepting uploads."
		return item
	}

	item.Status = StatusPass
	item.Message = fmt.Sprintf("Found at %s", path)
	return item
}

// checkWhisperModel accepts a known model name or an existing model file.
func (c *Checker) checkWhisperModel(model string) Item {
	item := Item{
		ID:   "whisper_model",
		Name: "Speech-to-text model",
	}

	switch {
	case strings.TrimSpace(model) == "":
		item.Status = StatusFail
		item.Message = "Model is empty."
		item.Hint = "Set transcription.model to one of: " + strings.Join(config.WhisperModels(), ", ")
	case !config.IsKnownWhisperModel(model):
		item.Status = StatusFail
		item.Message = fmt.Sprintf("Unknown model: %s", model)
		item.Hint = "Use one of: " + strings.Join(config.WhisperModels(), ", ")
	case strings.ContainsAny(model, `/\`):
		if _, err := c.stat(model); err != nil {
			item.Status = StatusFail
			if errors.Is(err, os.ErrNotExist) {
				item.Message = fmt.Sprintf("Model file does not exist: %s", model)
			} else {
				item.Message = fmt.Sprintf("Cannot access model file: %s", model)
			}
			item.Hint = "Download the checkpoint or switch to a named model."
			return item
		}
		item.Status = StatusPass
		item.Message = fmt.Sprintf("Model file found: %s", model)
	default:
		item.Status = StatusPass
		item.Message = fmt.Sprintf("Using model %s", model)
	}
	return item
}

// checkScratchDir validates scratch directory existence and write access.
func (c *Checker) checkScratchDir(dir string) Item {
	item := Item{
		ID:   "scratch_dir",
		Name: "Scratch directory",
	}

	if strings.TrimSpace(dir) == "" {
		item.Status = StatusFail
		item.Message = "Scratch directory is empty."
		item.Hint = "Set staging.dir to a writable location for uploads."
		return item
	}

	if err := c.mkdirAll(dir, 0o755); err != nil {
		item.Status = StatusFail
		item.Message = fmt.Sprintf("Cannot create scratch directory: %s", dir)
		item.Hint = "Choose a writable location or adjust filesystem permissions."
		return item
	}

	tmpFile, err := c.createTemp(dir, ".write-check-*")
	if err != nil {
		item.Status = StatusFail
		item.Message = fmt.Sprintf("Scratch directory is not writable: %s", dir)
		item.Hint = "Choose a writable directory for staged uploads."
		return item
	}

	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	_ = c.remove(tmpPath)

	item.Status = StatusPass
	item.Message = fmt.Sprintf("Writable directory: %s", dir)
	return item
}

// checkDatabase pings the persistence store.
func (c *Checker) checkDatabase(ctx context.Context, driver string) Item {
	item := Item{
		ID:   "database",
		Name: fmt.Sprintf("Database (%s)", driver),
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := c.db.Ping(pingCtx); err != nil {
		item.Status = StatusFail
		item.Message = fmt.Sprintf("Database unreachable: %v", err)
		item.Hint = "Check database.dsn or DATABASE_URL."
		return item
	}

	item.Status = StatusPass
	item.Message = "Connected"
	return item
}

// NewCheckerForTests creates checker with injectable dependencies.
func NewCheckerForTests(
	lookPath func(string) (string, error),
	stat func(string) (os.FileInfo, error),
	mkdirAll func(string, os.FileMode) error,
	createTemp func(string, string) (*os.File, error),
	remove func(string) error,
	db Pinger,
) *Checker {
	return &Checker{
		lookPath:   lookPath,
		stat:       stat,
		mkdirAll:   mkdirAll,
		createTemp: createTemp,
		remove:     remove,
		db:         db,
	}
}
