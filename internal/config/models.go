package config

import (
	"strings"

	"github.com/samber/lo"
)

// whisperModels lists model identifiers accepted by the whisper CLI.
var whisperModels = []string{
	"tiny.en", "tiny",
	"base.en", "base",
	"small.en", "small",
	"medium.en", "medium",
	"large-v1", "large-v2", "large-v3", "large",
	"large-v3-turbo", "turbo",
}

// WhisperModels returns a copy of the known whisper model identifiers.
func WhisperModels() []string {
	return append([]string(nil), whisperModels...)
}

// IsKnownWhisperModel reports whether name is a built-in whisper model.
// Paths to custom checkpoints are accepted as-is.
func IsKnownWhisperModel(name string) bool {
	name = strings.TrimSpace(name)
	if strings.ContainsAny(name, `/\`) {
		return true
	}
	return lo.Contains(whisperModels, name)
}
