// Package logging builds the zap logger used by every threatlink command.
//
// Log lines go to stderr and to a date-named append file under the configured
// directory (logs/2026-10-18). The file sink is best-effort: a write that
// fails is dropped and never surfaces to the caller.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/iyulab/threatlink/internal/config"
)

const (
	fileDateLayout = "2006-01-02"
	lineTimeLayout = "2006-01-02 15:04:05"
)

// New builds a logger from cfg. verbose forces debug level.
func New(cfg config.LoggingConfig, verbose bool) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	if verbose {
		level = zapcore.DebugLevel
	}

	cores := []zapcore.Core{
		zapcore.NewCore(fileEncoder(), zapcore.AddSync(NewDailyFile(cfg.Dir)), level),
	}
	if cfg.Console {
		enc := zap.NewDevelopmentEncoderConfig()
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc.EncodeTime = zapcore.TimeEncoderOfLayout(lineTimeLayout)
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), level))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}

// fileEncoder renders "2026-10-18 06:00:01 :: INFO :: msg {fields}".
func fileEncoder() zapcore.Encoder {
	return zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:          "ts",
		LevelKey:         "level",
		MessageKey:       "msg",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeTime:       zapcore.TimeEncoderOfLayout(lineTimeLayout),
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " :: ",
	})
}

// DailyFile is a WriteSyncer that appends to <dir>/<YYYY-MM-DD>, switching
// files when the local date changes. Errors are swallowed.
type DailyFile struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	name string
	f    *os.File
}

// NewDailyFile returns a sink rooted at dir. The directory is created lazily.
func NewDailyFile(dir string) *DailyFile {
	return &DailyFile{dir: dir, now: time.Now}
}

// Write appends p to today's file. It always reports success.
func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	name := d.now().Format(fileDateLayout)
	if d.f == nil || name != d.name {
		d.rotate(name)
	}
	if d.f != nil {
		_, _ = d.f.Write(p)
	}
	return len(p), nil
}

// Sync flushes the current file, ignoring errors.
func (d *DailyFile) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f != nil {
		_ = d.f.Sync()
	}
	return nil
}

// Close releases the current file.
func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

func (d *DailyFile) rotate(name string) {
	if d.f != nil {
		_ = d.f.Close()
		d.f = nil
	}
	d.name = name
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(d.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	d.f = f
}
