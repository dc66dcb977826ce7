// Package logging builds the component loggers used across bsync.
//
// Every component logs through a *log.Logger with a "[component] " prefix.
// When a log file is configured, all of them share one rotating writer.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where log output goes.
type Config struct {
	// File is the log file path. Empty logs to stderr.
	File string `mapstructure:"file"`

	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`

	// Verbose enables component logs in interactive commands. Without it
	// they are discarded unless a file is set.
	Verbose bool `mapstructure:"verbose"`
}

// DefaultConfig returns stderr logging with 10MB rotation when a file is set.
func DefaultConfig() Config {
	return Config{
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

// Output is a shared log destination.
type Output struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// New opens the destination described by config.
func New(config Config) (*Output, error) {
	if config.File == "" {
		if config.Verbose {
			return &Output{w: os.Stderr}, nil
		}
		return &Output{w: io.Discard}, nil
	}

	if err := os.MkdirAll(filepath.Dir(config.File), 0755); err != nil {
		return nil, err
	}
	lj := &lumberjack.Logger{
		Filename:   config.File,
		MaxSize:    config.MaxSizeMB,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAgeDays,
		Compress:   config.Compress,
	}
	var w io.Writer = lj
	if config.Verbose {
		w = io.MultiWriter(lj, os.Stderr)
	}
	return &Output{w: w, closer: lj}, nil
}

// Writer returns the underlying writer.
func (o *Output) Writer() io.Writer {
	return o.w
}

// Logger returns a logger prefixed with "[component] ".
func (o *Output) Logger(component string) *log.Logger {
	return log.New(o.w, "["+component+"] ", log.LstdFlags)
}

// Close flushes and closes the log file, if any.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closer == nil {
		return nil
	}
	err := o.closer.Close()
	o.closer = nil
	return err
}
