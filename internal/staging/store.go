// Package staging writes validated uploads to uniquely named scratch files.
package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"meeting-taskflow/internal/domain"
)

// Store owns the scratch directory that holds staged uploads and worker artifacts.
type Store struct {
	dir      string
	now      func() time.Time
	mkdirAll func(path string, perm os.FileMode) error
	openFile func(name string, flag int, perm os.FileMode) (*os.File, error)
	remove   func(name string) error
}

// NewStore constructs a store rooted at dir using OS dependencies.
func NewStore(dir string) *Store {
	return &Store{
		dir:      dir,
		now:      time.Now,
		mkdirAll: os.MkdirAll,
		openFile: os.OpenFile,
		remove:   os.Remove,
	}
}

// Dir returns the scratch directory.
func (s *Store) Dir() string {
	return s.dir
}

// Stage copies r into a new file named after the job and original filename.
// The file is created exclusively, so concurrent uploads never share a path.
// It returns the staged path and the number of bytes written.
func (s *Store) Stage(jobID, originalName string, r io.Reader) (string, int64, error) {
	if err := s.mkdirAll(s.dir, 0o755); err != nil {
		return "", 0, &domain.PipelineError{
			Kind:    domain.KindStaging,
			Message: fmt.Sprintf("cannot create scratch directory: %s", s.dir),
			Err:     err,
		}
	}

	path := filepath.Join(s.dir, s.fileName(jobID, originalName))
	f, err := s.openFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", 0, &domain.PipelineError{
			Kind:    domain.KindStaging,
			Message: "failed to create staged file",
			Err:     err,
		}
	}

	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = s.remove(path)
		err := copyErr
		if err == nil {
			err = closeErr
		}
		return "", n, &domain.PipelineError{
			Kind:    domain.KindStaging,
			Message: "failed to write staged file",
			Err:     err,
		}
	}

	return path, n, nil
}

// fileName combines a nanosecond timestamp, the job id and a safe base name.
func (s *Store) fileName(jobID, originalName string) string {
	return fmt.Sprintf("%d-%s-%s", s.now().UnixNano(), jobID, SafeName(originalName))
}

// SafeName reduces a client-supplied filename to a single safe path element.
func SafeName(name string) string {
	base := filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '-', r == '_':
			return r
		case unicode.IsSpace(r):
			return '_'
		default:
			return -1
		}
	}, base)
	ext := filepath.Ext(cleaned)
	if ext == "." {
		ext = ""
	}
	stem := strings.TrimLeft(strings.TrimSuffix(cleaned, ext), ".")
	if stem == "" {
		stem = "upload"
	}
	return stem + ext
}

// NewStoreForTests constructs a store with injectable dependencies.
func NewStoreForTests(
	dir string,
	now func() time.Time,
	mkdirAll func(path string, perm os.FileMode) error,
	openFile func(name string, flag int, perm os.FileMode) (*os.File, error),
	remove func(name string) error,
) *Store {
	return &Store{
		dir:      dir,
		now:      now,
		mkdirAll: mkdirAll,
		openFile: openFile,
		remove:   remove,
	}
}
