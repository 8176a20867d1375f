// Package logging builds the process logger: a log/slog handler with a
// runtime-adjustable level, optional rotation through lumberjack, and a
// Printf bridge for the engines, which only need
// interface{ Printf(format string, v ...any) }.
package logging

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes the desired logging configuration.
type Config struct {
	Level          string `json:"level" yaml:"level" toml:"level"`
	Format         string `json:"format" yaml:"format" toml:"format"`
	FilePath       string `json:"file_path,omitempty" yaml:"file_path,omitempty" toml:"file_path,omitempty"`
	FileMaxSizeMB  int    `json:"file_max_size_mb,omitempty" yaml:"file_max_size_mb,omitempty" toml:"file_max_size_mb,omitempty"`
	FileMaxFiles   int    `json:"file_max_files,omitempty" yaml:"file_max_files,omitempty" toml:"file_max_files,omitempty"`
	FileMaxAgeDays int    `json:"file_max_age_days,omitempty" yaml:"file_max_age_days,omitempty" toml:"file_max_age_days,omitempty"`
}

// DefaultConfig logs info and above as text to stderr.
func DefaultConfig() Config {
	return Config{
		Level:          "info",
		Format:         "text",
		FileMaxSizeMB:  100,
		FileMaxFiles:   3,
		FileMaxAgeDays: 30,
	}
}

// Manager owns the logger and the rotating file writer, if any.
type Manager struct {
	mu       sync.Mutex
	levelVar *slog.LevelVar
	logger   *slog.Logger
	closer   io.Closer
}

// NewManager builds a logger writing to stderr (and cfg.FilePath when set).
func NewManager(cfg Config) *Manager {
	return NewManagerWriter(cfg, os.Stderr)
}

// NewManagerWriter is NewManager with stderr replaced by w.
func NewManagerWriter(cfg Config, stderr io.Writer) *Manager {
	lvl := &slog.LevelVar{}
	lvl.Set(ParseLevel(cfg.Level))

	w, closer := buildWriter(cfg, stderr)
	return &Manager{
		levelVar: lvl,
		logger:   slog.New(buildHandler(w, lvl, cfg.Format)),
		closer:   closer,
	}
}

// Logger returns the structured logger.
func (m *Manager) Logger() *slog.Logger { return m.logger }

// Printf returns a *log.Logger that writes through the slog handler at level.
// Engines log preformatted key=value lines through it.
func (m *Manager) Printf(level slog.Level) *log.Logger {
	return slog.NewLogLogger(m.logger.Handler(), level)
}

// SetLevel changes the level without rebuilding the handler.
func (m *Manager) SetLevel(level string) {
	m.levelVar.Set(ParseLevel(level))
}

// Close releases the log file writer.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closer == nil {
		return nil
	}
	err := m.closer.Close()
	m.closer = nil
	return err
}

// ParseLevel converts a level name to slog.Level, defaulting to Info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidLevel reports whether s is a recognized level name.
func ValidLevel(s string) bool {
	switch s {
	case "", "debug", "info", "warn", "error":
		return true
	}
	return false
}

// ValidFormat reports whether s is a recognized format.
func ValidFormat(s string) bool {
	switch s {
	case "", "text", "json":
		return true
	}
	return false
}

func buildWriter(cfg Config, stderr io.Writer) (io.Writer, io.Closer) {
	if cfg.FilePath == "" {
		return stderr, nil
	}
	d := DefaultConfig()
	lj := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    orDefault(cfg.FileMaxSizeMB, d.FileMaxSizeMB),
		MaxBackups: orDefault(cfg.FileMaxFiles, d.FileMaxFiles),
		MaxAge:     orDefault(cfg.FileMaxAgeDays, d.FileMaxAgeDays),
	}
	return io.MultiWriter(stderr, lj), lj
}

func buildHandler(w io.Writer, leveler slog.Leveler, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: leveler}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// String returns a one-line summary of c.
func (c Config) String() string {
	s := fmt.Sprintf("level=%s format=%s", c.Level, c.Format)
	if c.FilePath != "" {
		s += fmt.Sprintf(" file=%s max_size=%dMB max_files=%d max_age=%dd",
			c.FilePath, c.FileMaxSizeMB, c.FileMaxFiles, c.FileMaxAgeDays)
	}
	return s
}
