// Package logging provides categorized zap loggers for conclave.
// Each subsystem logs under its own named logger so log output can be
// filtered per category. Until Initialize is called, all categories are
// no-ops, so library code never needs nil checks.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryEngine      Category = "engine"      // Graph executor, node transitions
	CategorySafety      Category = "safety"      // Loop-prevention supervisor trips
	CategoryConvergence Category = "convergence" // Convergence/drift scoring
	CategoryEvents      Category = "events"      // Event publisher and bus
	CategoryCheckpoint  Category = "checkpoint"  // Checkpoint save/load/GC
	CategoryModel       Category = "model"       // Model gateway calls
	CategoryEmbedding   Category = "embedding"   // Embedding backend calls
	CategorySession     Category = "session"     // Session registry lifecycle
)

var (
	mu   sync.RWMutex
	base = zap.NewNop()
)

// Initialize builds the process-wide logger. debug selects the development
// config with debug-level output; otherwise the production config is used.
func Initialize(debug bool) error {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
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

// SetLogger replaces the process-wide logger. Tests use this to capture
// output or to silence it.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	base = l
	mu.Unlock()
}

// Get returns the logger for a category.
func Get(cat Category) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.Named(string(cat))
}

// Sync flushes buffered log entries. Safe to call on the nop logger.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}
