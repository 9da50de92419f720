package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Settings is the full service configuration as stored in YAML.
type Settings struct {
	Server        ServerSettings     `yaml:"server"`
	Upload        UploadSettings     `yaml:"upload"`
	Staging       StagingSettings    `yaml:"staging"`
	Transcription WorkerSettings     `yaml:"transcription"`
	Extraction    WorkerSettings     `yaml:"extraction"`
	Workers       WorkerPoolSettings `yaml:"workers"`
	Database      DatabaseSettings   `yaml:"database"`
	Events        EventSettings      `yaml:"events"`
}

type ServerSettings struct {
	Address           string        `yaml:"address"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type UploadSettings struct {
	AllowedExtensions []string `yaml:"allowed_extensions"`
	MaxBytes          int64    `yaml:"max_bytes"`
}

type StagingSettings struct {
	Dir string `yaml:"dir"`
	// KeepArtifacts leaves staged audio and transcript files on disk for debugging.
	KeepArtifacts bool          `yaml:"keep_artifacts"`
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// WorkerSettings configures one external worker program.
type WorkerSettings struct {
	Command string        `yaml:"command"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type WorkerPoolSettings struct {
	MaxConcurrent int64 `yaml:"max_concurrent"`
	// QueueTimeout is how long a request waits for a worker slot; zero rejects immediately.
	QueueTimeout time.Duration `yaml:"queue_timeout"`
}

type DatabaseSettings struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type EventSettings struct {
	History int `yaml:"history"`
}

// Normalize trims inputs, lowercases extensions, and fills zero values from defaults.
func Normalize(s Settings) Settings {
	d := DefaultSettings()

	s.Server.Address = strings.TrimSpace(s.Server.Address)
	if s.Server.Address == "" {
		s.Server.Address = d.Server.Address
	}
	if s.Server.ReadHeaderTimeout <= 0 {
		s.Server.ReadHeaderTimeout = d.Server.ReadHeaderTimeout
	}
	if s.Server.ShutdownTimeout <= 0 {
		s.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}

	exts := lo.FilterMap(s.Upload.AllowedExtensions, func(ext string, _ int) (string, bool) {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			return "", false
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		return ext, true
	})
	s.Upload.AllowedExtensions = lo.Uniq(exts)
	if len(s.Upload.AllowedExtensions) == 0 {
		s.Upload.AllowedExtensions = d.Upload.AllowedExtensions
	}
	if s.Upload.MaxBytes == 0 {
		s.Upload.MaxBytes = d.Upload.MaxBytes
	}

	s.Staging.Dir = strings.TrimSpace(s.Staging.Dir)
	if s.Staging.Dir == "" {
		s.Staging.Dir = d.Staging.Dir
	}
	if s.Staging.Retention == 0 {
		s.Staging.Retention = d.Staging.Retention
	}
	if s.Staging.SweepInterval == 0 {
		s.Staging.SweepInterval = d.Staging.SweepInterval
	}

	s.Transcription = normalizeWorker(s.Transcription, d.Transcription)
	s.Extraction = normalizeWorker(s.Extraction, d.Extraction)

	if s.Workers.MaxConcurrent == 0 {
		s.Workers.MaxConcurrent = d.Workers.MaxConcurrent
	}

	s.Database.Driver = strings.ToLower(strings.TrimSpace(s.Database.Driver))
	if s.Database.Driver == "" {
		s.Database.Driver = d.Database.Driver
	}
	s.Database.DSN = strings.TrimSpace(s.Database.DSN)
	if s.Database.DSN == "" && s.Database.Driver == DriverSQLite {
		s.Database.DSN = d.Database.DSN
	}

	if s.Events.History == 0 {
		s.Events.History = d.Events.History
	}
	return s
}

func normalizeWorker(w, d WorkerSettings) WorkerSettings {
	w.Command = strings.TrimSpace(w.Command)
	if w.Command == "" {
		w.Command = d.Command
	}
	w.Model = strings.TrimSpace(w.Model)
	if w.Model == "" {
		w.Model = d.Model
	}
	if w.Timeout == 0 {
		w.Timeout = d.Timeout
	}
	return w
}

// Validate reports the first setting that cannot produce a working service.
func Validate(s Settings) error {
	switch {
	case s.Upload.MaxBytes <= 0:
		return fmt.Errorf("upload.max_bytes must be positive, got %d", s.Upload.MaxBytes)
	case s.Transcription.Timeout <= 0:
		return fmt.Errorf("transcription.timeout must be positive, got %s", s.Transcription.Timeout)
	case s.Extraction.Timeout <= 0:
		return fmt.Errorf("extraction.timeout must be positive, got %s", s.Extraction.Timeout)
	case s.Workers.MaxConcurrent <= 0:
		return fmt.Errorf("workers.max_concurrent must be positive, got %d", s.Workers.MaxConcurrent)
	case s.Workers.QueueTimeout < 0:
		return fmt.Errorf("workers.queue_timeout must not be negative, got %s", s.Workers.QueueTimeout)
	case s.Staging.Retention <= 0:
		return fmt.Errorf("staging.retention must be positive, got %s", s.Staging.Retention)
	case s.Staging.Retention <= s.Transcription.Timeout+s.Workers.QueueTimeout:
		return fmt.Errorf("staging.retention (%s) must exceed transcription.timeout plus workers.queue_timeout (%s)",
			s.Staging.Retention, s.Transcription.Timeout+s.Workers.QueueTimeout)
	case s.Staging.SweepInterval <= 0:
		return fmt.Errorf("staging.sweep_interval must be positive, got %s", s.Staging.SweepInterval)
	case s.Events.History < 0:
		return fmt.Errorf("events.history must not be negative, got %d", s.Events.History)
	}

	switch s.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver: %s", s.Database.Driver)
	}
	if s.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for driver %s", s.Database.Driver)
	}
	return nil
}

// ApplyEnv overrides settings from PORT and DATABASE_URL when present.
func ApplyEnv(s Settings, getenv func(string) string) Settings {
	if getenv == nil {
		getenv = os.Getenv
	}
	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		s.Server.Address = ":" + strings.TrimPrefix(port, ":")
	}
	if dsn := strings.TrimSpace(getenv("DATABASE_URL")); dsn != "" {
		s.Database.DSN = dsn
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			s.Database.Driver = DriverPostgres
		}
	}
	return s
}
