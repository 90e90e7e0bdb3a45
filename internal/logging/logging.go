// Package logging builds the process logger.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Mschirtzinger/lofi/internal/config"
)

// Logger writes to stderr and, when a log file is configured, to a
// size-rotated file as well.
type Logger struct {
	*log.Logger
	file *lumberjack.Logger
}

// New returns a logger with the given prefix, e.g. "[gateway] ", writing to
// stderr (os.Stderr when nil).
func New(cfg config.LogConfig, prefix string, stderr io.Writer) *Logger {
	if stderr == nil {
		stderr = os.Stderr
	}
	l := &Logger{}
	out := stderr
	if cfg.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = io.MultiWriter(stderr, l.file)
	}
	l.Logger = log.New(out, prefix, log.LstdFlags)
	return l
}

// Named returns a logger with another prefix sharing the same outputs.
func (l *Logger) Named(prefix string) *log.Logger {
	return log.New(l.Writer(), prefix, l.Flags())
}

// Rotate starts a new log file. It is a no-op without a file.
func (l *Logger) Rotate() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
