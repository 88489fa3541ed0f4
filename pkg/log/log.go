package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
	// Tail, if set, also receives every log line so the Control Surface's
	// /log endpoint can serve recent history without a rotating file.
	Tail *Tail
}

// Init initializes the global logger
func Init(cfg Config) {
	// Set log level
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Tail != nil {
		output = io.MultiWriter(output, cfg.Tail)
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// Tail is a bounded in-memory ring buffer of recent log lines. No
// log-rotation library is a dependency anywhere in the pack; since
// /log only needs to outlive this process, not survive a restart, a ring
// buffer is implemented directly instead of wiring one in unused.
type Tail struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewTail creates a Tail retaining the last capacity lines (default 500).
func NewTail(capacity int) *Tail {
	if capacity <= 0 {
		capacity = 500
	}
	return &Tail{lines: make([]string, capacity)}
}

// Write implements io.Writer, splitting on newlines.
func (t *Tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		t.lines[t.next] = line
		t.next = (t.next + 1) % len(t.lines)
		if t.next == 0 {
			t.full = true
		}
	}
	return len(p), nil
}

// Lines returns the retained lines in chronological order.
func (t *Tail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		out := make([]string, t.next)
		copy(out, t.lines[:t.next])
		return out
	}
	out := make([]string, len(t.lines))
	n := copy(out, t.lines[t.next:])
	copy(out[n:], t.lines[:t.next])
	return out
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithPod creates a child logger with pod_id field
func WithPod(id string) zerolog.Logger {
	return Logger.With().Str("pod_id", id).Logger()
}

// WithCluster creates a child logger with namespace/cluster fields
func WithCluster(namespace, cluster string) zerolog.Logger {
	return Logger.With().Str("namespace", namespace).Str("cluster", cluster).Logger()
}

// WithTag creates a child logger carrying an arbitrary path tag, such as a
// dependency specifier a Remote Watcher is tracking.
func WithTag(tag string) zerolog.Logger {
	return Logger.With().Str("tag", tag).Logger()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
