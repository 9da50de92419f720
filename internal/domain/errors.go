package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures by the stage that produced them.
type ErrorKind string

const (
	KindValidation             ErrorKind = "validation"
	KindStaging                ErrorKind = "staging"
	KindTranscription          ErrorKind = "transcription"
	KindTranscriptionTimeout   ErrorKind = "transcription-timeout"
	KindTranscriptionIntegrity ErrorKind = "transcription-integrity"
	KindExtraction             ErrorKind = "extraction"
	KindPersistence            ErrorKind = "persistence"
	KindBusy                   ErrorKind = "busy"
)

// Validation rules reported in PipelineError.Rule.
const (
	RuleMissingFile          = "missing-file"
	RuleUnsupportedExtension = "unsupported-extension"
	RuleTooLarge             = "too-large"
	RuleMissingTranscript    = "missing-transcript"
)

// CommandLog captures one external worker invocation result.
type CommandLog struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exitCode"`
	Stdout   string   `json:"stdout,omitempty"`
	Stderr   string   `json:"stderr,omitempty"`
}

// PipelineError is a stage-aware error with optional worker context.
type PipelineError struct {
	Kind       ErrorKind  `json:"kind"`
	Rule       string     `json:"rule,omitempty"`
	Message    string     `json:"message"`
	CommandLog CommandLog `json:"commandLog"`
	Err        error      `json:"-"`
}

// Error formats pipeline failures for logs.
func (e *PipelineError) Error() string {
	if e == nil {
		return ""
	}
	if e.CommandLog.Command == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}

	return fmt.Sprintf(
		"%s: %s (cmd=%s exit=%d)",
		e.Kind,
		e.Message,
		e.CommandLog.Command,
		e.CommandLog.ExitCode,
	)
}

// Unwrap exposes underlying error for errors.Is / errors.As.
func (e *PipelineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewValidationError builds a client-caused error naming the violated rule.
func NewValidationError(rule, message string) *PipelineError {
	return &PipelineError{
		Kind:    KindValidation,
		Rule:    rule,
		Message: message,
	}
}

// KindOf returns the kind of the first PipelineError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var pErr *PipelineError
	if errors.As(err, &pErr) {
		return pErr.Kind, true
	}
	return "", false
}
