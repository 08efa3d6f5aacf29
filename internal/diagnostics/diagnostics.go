// Package diagnostics persists the stderr tail of failed conversion attempts.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"stream-orchestrator/internal/orchestrator"
)

// FileName returns the diagnostics file name for d:
// "<subscriber>-<unix millis>-stderr.txt".
func FileName(d orchestrator.Diagnostic) string {
	return fmt.Sprintf("%s-%d-stderr.txt", sanitize(string(d.Subscriber)), d.At.UnixMilli())
}

// FileSink writes one text file per diagnostic into a directory.
type FileSink struct {
	dir string
}

// NewFileSink creates dir if needed and returns a sink writing into it.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create diagnostics dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Save implements orchestrator.DiagnosticsSink.
func (s *FileSink) Save(ctx context.Context, d orchestrator.Diagnostic) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filepath.Join(s.dir, FileName(d))
	if err := os.WriteFile(path, render(d), 0o644); err != nil {
		return fmt.Errorf("write diagnostics: %w", err)
	}
	return nil
}

func render(d orchestrator.Diagnostic) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "job: %s\n", d.JobID)
	fmt.Fprintf(&b, "run: %d\n", d.RunID)
	fmt.Fprintf(&b, "subscriber: %s\n", d.Subscriber)
	fmt.Fprintf(&b, "at: %s\n", d.At.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	if d.ExitError != "" {
		fmt.Fprintf(&b, "exit: %s\n", d.ExitError)
	}
	b.WriteString("\n")
	b.Write(d.Stderr)
	return []byte(b.String())
}

// Multi fans a diagnostic out to several sinks. Every sink is tried; the
// errors are joined.
type Multi []orchestrator.DiagnosticsSink

// Save implements orchestrator.DiagnosticsSink.
func (m Multi) Save(ctx context.Context, d orchestrator.Diagnostic) error {
	var errs []error
	for _, s := range m {
		if err := s.Save(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sanitize keeps subscriber ids safe to use in file names and keys.
func sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
