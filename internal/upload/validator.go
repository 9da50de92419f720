// Package upload checks incoming files before anything touches disk.
package upload

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"meeting-taskflow/internal/domain"
)

// Validator enforces the extension allow-list and size ceiling.
type Validator struct {
	allowed  map[string]struct{}
	maxBytes int64
}

// NewValidator builds a validator from normalized extensions (".mp3") and a byte limit.
func NewValidator(allowedExtensions []string, maxBytes int64) *Validator {
	allowed := make(map[string]struct{}, len(allowedExtensions))
	for _, ext := range allowedExtensions {
		allowed[strings.ToLower(ext)] = struct{}{}
	}
	return &Validator{allowed: allowed, maxBytes: maxBytes}
}

// MaxBytes returns the configured size ceiling.
func (v *Validator) MaxBytes() int64 {
	return v.maxBytes
}

// Extension returns the lowercased extension of the uploaded file name.
func Extension(name string) string {
	return strings.ToLower(filepath.Ext(strings.TrimSpace(name)))
}

// Validate checks the declared file name and size. It has no side effects.
func (v *Validator) Validate(name string, size int64) error {
	if strings.TrimSpace(name) == "" {
		return domain.NewValidationError(domain.RuleMissingFile, "No file uploaded")
	}

	ext := Extension(name)
	if _, ok := v.allowed[ext]; !ok {
		shown := ext
		if shown == "" {
			shown = "(none)"
		}
		return domain.NewValidationError(
			domain.RuleUnsupportedExtension,
			fmt.Sprintf("Invalid file type %s; allowed: %s", shown, strings.Join(v.allowedList(), ", ")),
		)
	}

	if size > v.maxBytes {
		return TooLarge(size, v.maxBytes)
	}
	return nil
}

// TooLarge builds the size violation error. It is also used when the
// streamed body turns out larger than the declared size.
func TooLarge(size, maxBytes int64) error {
	msg := fmt.Sprintf("File too large; limit is %s", formatBytes(maxBytes))
	if size > 0 {
		msg = fmt.Sprintf("File too large (%s); limit is %s", formatBytes(size), formatBytes(maxBytes))
	}
	return domain.NewValidationError(domain.RuleTooLarge, msg)
}

func (v *Validator) allowedList() []string {
	out := make([]string, 0, len(v.allowed))
	for ext := range v.allowed {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

func formatBytes(n int64) string {
	const mib = 1 << 20
	if n >= mib && n%mib == 0 {
		return fmt.Sprintf("%d MiB", n/mib)
	}
	if n >= mib {
		return fmt.Sprintf("%.1f MiB", float64(n)/mib)
	}
	return fmt.Sprintf("%d bytes", n)
}
