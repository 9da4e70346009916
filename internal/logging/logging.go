// Package logging provides the process-wide structured logger.
package logging

import (
	"sync"

	"go.uber.org/zap"
)

var (
	once sync.Once
	base *zap.Logger
	sug  *zap.SugaredLogger
)

// Init configures the global logger. Safe to call once at process
// startup; subsequent calls are no-ops. debug enables development-mode
// (human readable, caller-annotated) output.
func Init(debug bool) {
	once.Do(func() {
		var err error
		if debug {
			base, err = zap.NewDevelopment()
		} else {
			cfg := zap.NewProductionConfig()
			cfg.DisableStacktrace = true
			base, err = cfg.Build()
		}
		if err != nil {
			base = zap.NewNop()
		}
		sug = base.Sugar()
	})
}

// L returns the global sugared logger, initializing a production
// logger on first use if Init was never called.
func L() *zap.SugaredLogger {
	Init(false)
	return sug
}

// Sync flushes any buffered log entries. Call before process exit.
func Sync() {
	if base != nil {
		_ = base.Sync()
	}
}
