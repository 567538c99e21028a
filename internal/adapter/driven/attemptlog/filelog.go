// Package attemptlog stores one append-only text log per enrollment on disk.
package attemptlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ericfisherdev/enrollwatch/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.AttemptLog = (*FileLog)(nil)

// FileLog implements driven.AttemptLog with files named <enrollment id>.log
// under a single directory.
type FileLog struct {
	dir string
}

// NewFileLog creates the log directory if needed and returns a FileLog rooted there.
func NewFileLog(dir string) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %s: %w", dir, err)
	}
	return &FileLog{dir: dir}, nil
}

// Path returns the log file path for an enrollment.
func (l *FileLog) Path(enrollmentID int64) string {
	return filepath.Join(l.dir, strconv.FormatInt(enrollmentID, 10)+".log")
}

// Reset truncates the enrollment's log and writes the request header.
func (l *FileLog) Reset(enrollmentID int64, requestedAt time.Time) error {
	header := fmt.Sprintf("Request date: %s\n", requestedAt.UTC().Format(driven.AttemptLogDateLayout))
	if err := os.WriteFile(l.Path(enrollmentID), []byte(header), 0o644); err != nil {
		return fmt.Errorf("reset log for enrollment %d: %w", enrollmentID, err)
	}
	return nil
}

// Open returns an appending writer for the enrollment's log, creating the
// file if it does not exist.
func (l *FileLog) Open(enrollmentID int64) (io.WriteCloser, error) {
	f, err := os.OpenFile(l.Path(enrollmentID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log for enrollment %d: %w", enrollmentID, err)
	}
	return f, nil
}

// Contents returns the enrollment's full log.
func (l *FileLog) Contents(enrollmentID int64) ([]byte, error) {
	data, err := os.ReadFile(l.Path(enrollmentID))
	if err != nil {
		return nil, fmt.Errorf("read log for enrollment %d: %w", enrollmentID, err)
	}
	return data, nil
}
