// Package logging provides the daemon's structured logger and the rotation
// policy used both for its own output and for per-process stdout/stderr
// capture rings.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation constants, mirrored from the daemon's log defaults.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 7
	DefaultMaxAgeDays = 0 // unset: rely on MaxBackups for retention
)

// Config describes a rotated log destination.
type Config struct {
	Dir        string
	StdoutPath string
	StderrPath string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Writers returns rotation-capable writers for stdout/stderr of the named
// process. When neither Dir nor explicit paths are set, both are nil and the
// caller should discard output (spec: stdout/stderr are never persisted).
func (c Config) Writers(name string) (io.WriteCloser, io.WriteCloser) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = &lj.Logger{
			Filename:   stdout,
			MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.Compress,
		}
	}
	if stderr != "" {
		errW = &lj.Logger{
			Filename:   stderr,
			MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.Compress,
		}
	}
	return outW, errW
}

// New builds the daemon's own slog.Logger, writing to stdout plus an
// optional rotated file under dir/logs, per the configured level.
func New(level string, dir string) *slog.Logger {
	var w io.Writer = os.Stdout
	if dir != "" {
		_ = os.MkdirAll(filepath.Join(dir, "logs"), 0o750)
		rot := &lj.Logger{
			Filename:   filepath.Join(dir, "logs", "wptld.log"),
			MaxSize:    DefaultMaxSizeMB,
			MaxBackups: 7,
			Compress:   false,
		}
		w = io.MultiWriter(os.Stdout, rot)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func parseLevel(s string) slog.Level {
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
