// Package logging provides structured logging for hermit.
// All subsystems log through named zap loggers so output can be filtered
// per component (turnlog, session, compaction, retrieval, ...). The package
// defaults to a no-op logger until Init is called, which keeps library code
// quiet under test.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	base = zap.NewNop()
)

// Init builds the process-wide logger. With verbose=true the level drops
// to Debug, mirroring the --verbose flag on the CLI.
func Init(verbose bool) error {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	mu.Lock()
	base = logger
	mu.Unlock()
	return nil
}

// SetLogger replaces the process-wide logger. Tests use this with
// zaptest.NewLogger to capture output.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	base = l
	mu.Unlock()
}

// L returns the process-wide logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Named returns a child logger for a subsystem.
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// Sync flushes buffered log entries.
func Sync() {
	_ = L().Sync()
}
