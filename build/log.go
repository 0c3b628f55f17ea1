package build

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

const (
	// LogTypeNone disables logging entirely.
	LogTypeNone = "none"

	// LogTypeStdOut directs logging to stdout.
	LogTypeStdOut = "stdout"
)

// LogWriter is a stub type whose Write method and LoggingType constant are
// supplied by exactly one of this package's build-tagged files:
// log_filelog.go (tag "filelog") writes only to the plain file swapd.log in
// the working directory; log_nofilelog.go is the default and writes only to
// stdout.
type LogWriter struct {
	RotatorPipe *io.PipeWriter
}

// RotatingLogWriter is the root log sink for the daemon. It multiplexes
// writes out to stdout and, once InitLogRotator has been called, a rotating
// on-disk log file, and vends per-subsystem loggers that all funnel through
// the same pipe.
type RotatingLogWriter struct {
	mu sync.Mutex

	pipe       *io.PipeWriter
	logRotator *rotator.Rotator

	// subsystemLoggers tracks every logger handed out via GenSubLogger so
	// SetLogLevel can retroactively change verbosity.
	subsystemLoggers map[string]slog.Logger
}

// NewRotatingLogWriter initializes a new RotatingLogWriter with stdout as the
// only active sink. Call InitLogRotator to additionally persist logs to
// disk.
func NewRotatingLogWriter() *RotatingLogWriter {
	return &RotatingLogWriter{
		subsystemLoggers: make(map[string]slog.Logger),
	}
}

// InitLogRotator initializes the log file rotator to write logs to logFile
// and create roll files in the same directory. It must be called before the
// package-level loggers are more than placeholder no-ops, preferably as the
// first operation performed by main().
func (r *RotatingLogWriter) InitLogRotator(logFile string, maxLogFileSize, maxLogFiles int) error {
	logDir, _ := splitDir(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	rot, err := rotator.New(logFile, int64(maxLogFileSize*1024), false, maxLogFiles)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	pr, pw := io.Pipe()
	go rot.Run(pr) // nolint:errcheck

	r.mu.Lock()
	r.pipe = pw
	r.logRotator = rot
	r.mu.Unlock()

	return nil
}

// GenSubLogger creates a new sublogger for the given subsystem tag. It
// satisfies the slog.SubLogGenerator signature expected by NewSubLogger.
func (r *RotatingLogWriter) GenSubLogger(tag string, closure func() hook) slog.Logger {
	backend := slog.NewBackend(r)
	l := backend.Logger(tag)

	r.mu.Lock()
	r.subsystemLoggers[tag] = l
	r.mu.Unlock()

	return l
}

// hook exists only so GenSubLogger's closure argument has a concrete type;
// the daemon never uses it directly today but keeping the parameter mirrors
// the shutdown-hook plumbing of the upstream logger.
type hook func()

// Write implements io.Writer, fanning bytes out to the rotator pipe (if
// initialized) and stdout.
func (r *RotatingLogWriter) Write(b []byte) (int, error) {
	r.mu.Lock()
	pipe := r.pipe
	r.mu.Unlock()

	if pipe != nil {
		_, _ = pipe.Write(b)
	}
	_, _ = os.Stdout.Write(bytes.TrimRight(b, "\x00"))
	return len(b), nil
}

// RegisterSubLogger records the logger created for subsystem so that its
// level can later be changed via SetLogLevel.
func (r *RotatingLogWriter) RegisterSubLogger(subsystem string, logger slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subsystemLoggers[subsystem] = logger
}

// SetLogLevel changes the logging level of the subsystem's logger, if it has
// been registered.
func (r *RotatingLogWriter) SetLogLevel(subsystem string, level string) {
	r.mu.Lock()
	logger, ok := r.subsystemLoggers[subsystem]
	r.mu.Unlock()
	if !ok {
		return
	}
	lvl, _ := slog.LevelFromString(level)
	logger.SetLevel(lvl)
}

// Close shuts down the log rotator, if one was started.
func (r *RotatingLogWriter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pipe != nil {
		_ = r.pipe.Close()
	}
	if r.logRotator != nil {
		r.logRotator.Close() // nolint:errcheck
	}
	return nil
}

// NewSubLogger creates a logger for a subsystem. If genLogger is nil the
// returned logger discards everything, which lets packages declare a usable
// package-level logger before the real root logger is wired in.
func NewSubLogger(subsystem string, genLogger func(string, func() hook) slog.Logger) slog.Logger {
	if genLogger == nil {
		return slog.Disabled
	}
	logger := genLogger(subsystem, nil)
	logger.SetLevel(slog.LevelInfo)
	return logger
}

func splitDir(path string) (dir, file string) {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == os.PathSeparator {
			return path[:i], path[i+1:]
		}
	}
	return ".", path
}
