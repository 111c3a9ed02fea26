// Package diag is the diagnostic logging collaborator of the heap. Informational and
// warning records go to standard output, fatal records go to standard error and are
// followed by process termination with a failure status.
package diag

import (
	"context"
	"io"
	"os"

	"golang.org/x/exp/slog"
)

// Severity ranks a diagnostic record
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityFatal
)

var severityMapping = map[Severity]string{
	SeverityInfo:    "info",
	SeverityWarning: "warning",
	SeverityFatal:   "fatal",
}

func (s Severity) String() string {
	return severityMapping[s]
}

func (s Severity) level() slog.Level {
	switch s {
	case SeverityWarning:
		return slog.LevelWarn
	case SeverityFatal:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// FatalExitCode is the status passed to the exit function after a fatal record
const FatalExitCode = 1

// Options contains optional settings when creating a Logger. The zero value writes to
// the process's standard streams and exits through os.Exit.
type Options struct {
	// Stdout receives info and warning records
	Stdout io.Writer
	// Stderr receives fatal records
	Stderr io.Writer
	// Exit is called with FatalExitCode after a fatal record has been written
	Exit func(code int)
}

// Logger writes diagnostic records. Every record carries a severity, the tag of the
// component that raised it and an already formatted message.
type Logger struct {
	stdout *slog.Logger
	stderr *slog.Logger
	exit   func(code int)
}

// New creates a Logger
func New(options Options) *Logger {
	stdout := options.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	stderr := options.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	exit := options.Exit
	if exit == nil {
		exit = os.Exit
	}

	return &Logger{
		stdout: slog.New(slog.NewTextHandler(stdout)),
		stderr: slog.New(slog.NewTextHandler(stderr)),
		exit:   exit,
	}
}

// Log writes a record at the given severity. A fatal record terminates the process once
// it has been written.
func (l *Logger) Log(severity Severity, component string, message string) {
	target := l.stdout
	if severity == SeverityFatal {
		target = l.stderr
	}

	target.LogAttrs(context.Background(), severity.level(), message,
		slog.String("severity", severity.String()),
		slog.String("component", component),
	)

	if severity == SeverityFatal {
		l.exit(FatalExitCode)
	}
}

func (l *Logger) Info(component string, message string) {
	l.Log(SeverityInfo, component, message)
}

func (l *Logger) Warn(component string, message string) {
	l.Log(SeverityWarning, component, message)
}

// Fatal writes the record to standard error and then terminates the process. It only
// returns when the configured exit function does.
func (l *Logger) Fatal(component string, message string) {
	l.Log(SeverityFatal, component, message)
}
