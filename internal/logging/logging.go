// Package logging configures slog for the daemon: human-readable text on
// stderr plus a JSON line file per day under the workspace log directory.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// Options controls Setup.
type Options struct {
	Level string // debug, info, warn, error
	Dir   string // daily log files; empty disables file output
}

// Setup installs the default slog logger. The returned closer flushes
// and closes the active log file.
func Setup(opts Options) (io.Closer, error) {
	level := ParseLevel(opts.Level)

	// Text for humans at a terminal, JSON when stderr is redirected.
	var stderrHandler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		stderrHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		stderrHandler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	handlers := []slog.Handler{stderrHandler}

	var closer io.Closer = nopCloser{}
	if opts.Dir != "" {
		w, err := newDailyWriter(opts.Dir)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
		closer = w
	}

	slog.SetDefault(slog.New(fanout(handlers)))
	return closer, nil
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// dailyWriter appends to <dir>/YYYYMMDD.log, switching files at midnight.
type dailyWriter struct {
	mu   sync.Mutex
	dir  string
	day  string
	file *os.File
	now  func() time.Time
}

func newDailyWriter(dir string) (*dailyWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("log dir: %w", err)
	}
	return &dailyWriter{dir: dir, now: time.Now}, nil
}

func (w *dailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	day := w.now().UTC().Format("20060102")
	if w.file == nil || day != w.day {
		if w.file != nil {
			w.file.Close()
		}
		f, err := os.OpenFile(filepath.Join(w.dir, day+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return 0, err
		}
		w.file = f
		w.day = day
	}
	return w.file.Write(p)
}

func (w *dailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
