// Package logger provides the process-wide slog logger.
//
// Everything is written to a single text log file under paths.LogsDir().
// Callers attach context with WithThread or WithComponent rather than
// building their own handlers.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/zhubert/plural-appserver/paths"
)

const logFileName = "plural-appserver.log"

var (
	root     *slog.Logger
	levelVar = new(slog.LevelVar)
	logFile  *os.File
	mu       sync.Mutex
	logPath  string
	initDone bool
)

// DefaultLogPath returns the default log file path.
func DefaultLogPath() (string, error) {
	dir, err := paths.LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, logFileName), nil
}

// TraceLogPath returns the path of the raw wire trace for one agent process.
func TraceLogPath(name string) (string, error) {
	dir, err := paths.LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("trace-%s.log", name)), nil
}

// SetDebug enables or disables debug level logging.
func SetDebug(enabled bool) {
	if enabled {
		levelVar.Set(slog.LevelDebug)
	} else {
		levelVar.Set(slog.LevelInfo)
	}
}

// Init initializes the logger at path. Calling it after the logger is
// already initialized is a no-op.
func Init(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if initDone {
		return nil
	}
	return openLocked(path)
}

// openLocked opens path and installs the root logger. Caller must hold mu.
func openLocked(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	logFile = f
	logPath = path
	root = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: levelVar}))
	initDone = true

	root.Info("logger initialized", "path", path)
	return nil
}

// ensureInit falls back to the default path on first use.
// Caller must hold mu.
func ensureInit() {
	if initDone {
		return
	}

	defaultPath, err := DefaultLogPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to get default log path: %v\n", err)
		return
	}
	if err := openLocked(defaultPath); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

func with(key, value string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	ensureInit()

	base := root
	if base == nil {
		base = slog.Default()
	}
	if key == "" {
		return base
	}
	return base.With(key, value)
}

// Get returns the root logger.
func Get() *slog.Logger {
	return with("", "")
}

// WithThread returns a logger tagged with the remote thread id.
//
//	log := logger.WithThread(thread.ID)
//	log.Info("turn started", "turnID", id)
//	// level=INFO msg="turn started" threadID=thr_1 turnID=turn_9
func WithThread(threadID string) *slog.Logger {
	return with("threadID", threadID)
}

// WithComponent returns a logger tagged with a component name.
func WithComponent(component string) *slog.Logger {
	return with("component", component)
}

// Path returns the file the logger writes to, or "" before initialization.
func Path() string {
	mu.Lock()
	defer mu.Unlock()
	return logPath
}

// Close closes the log file.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	root = nil
}

// Reset clears logger state so Init can run again. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	initDone = false
	logPath = ""
	root = nil
	levelVar = new(slog.LevelVar)
}

// ClearLogs removes the main log and every wire trace from the logs directory.
func ClearLogs() (int, error) {
	defaultPath, err := DefaultLogPath()
	if err != nil {
		return 0, fmt.Errorf("failed to get default log path: %w", err)
	}

	count := 0
	if err := os.Remove(defaultPath); err == nil {
		count++
	} else if !os.IsNotExist(err) {
		return count, err
	}

	traces, err := filepath.Glob(filepath.Join(filepath.Dir(defaultPath), "trace-*.log"))
	if err != nil {
		return count, err
	}
	for _, p := range traces {
		if err := os.Remove(p); err == nil {
			count++
		} else if !os.IsNotExist(err) {
			return count, err
		}
	}

	return count, nil
}
