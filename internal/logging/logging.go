// Package logging builds the process logger and the prefixed component
// loggers handed to each subsystem.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/joltapp/jolt-sync/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Writer returns where logs go and how to release it: a size-rotated file
// when cfg.File is set, otherwise stderr.
func Writer(cfg config.LogConfig) (io.Writer, io.Closer) {
	if cfg.File == "" {
		return os.Stderr, nopCloser{}
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return lj, lj
}

// New returns the unprefixed process logger and the closer for its output.
func New(cfg config.LogConfig) (*log.Logger, io.Closer) {
	w, closer := Writer(cfg)
	return log.New(w, "", log.LstdFlags), closer
}

// Component derives a logger that shares base's output and flags and tags
// every message with [name], after the timestamp.
func Component(base *log.Logger, name string) *log.Logger {
	return log.New(base.Writer(), "["+name+"] ", base.Flags()|log.Lmsgprefix)
}

// Discard is a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
