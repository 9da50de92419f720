package config

import "time"

// DefaultAllowedExtensions lists upload formats accepted out of the box.
var DefaultAllowedExtensions = []string{".mp3", ".wav", ".m4a", ".mp4", ".webm", ".ogg"}

// DefaultMaxUploadBytes is the default upload size ceiling (20 MiB).
const DefaultMaxUploadBytes int64 = 20 << 20

// DefaultSettings returns baseline configuration for a fresh install.
func DefaultSettings() Settings {
	return Settings{
		Server: ServerSettings{
			Address:           ":5000",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Upload: UploadSettings{
			AllowedExtensions: append([]string(nil), DefaultAllowedExtensions...),
			MaxBytes:          DefaultMaxUploadBytes,
		},
		Staging: StagingSettings{
			Dir:           "uploads",
			Retention:     time.Hour,
			SweepInterval: time.Hour,
		},
		Transcription: WorkerSettings{
			Command: "whisper",
			Model:   "base",
			Timeout: 10 * time.Minute,
		},
		Extraction: WorkerSettings{
			Command: "ollama",
			Model:   "phi",
			Timeout: 5 * time.Minute,
		},
		Workers: WorkerPoolSettings{
			MaxConcurrent: 2,
		},
		Database: DatabaseSettings{
			Driver: DriverSQLite,
			DSN:    "taskflow.db",
		},
		Events: EventSettings{
			History: 500,
		},
	}
}
