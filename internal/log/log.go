// Package log provides the proxy's single shared structured logger.
//
// Every component accepts or holds a *zap.Logger rather than reaching for
// the standard library's log package; this mirrors Caddy's logging.go,
// simplified to a single production encoder since the configurable sink
// registry (file/stdout/syslog writers, log rotation) belongs to the
// logging-configuration surface this proxy's core does not own.
package log

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu      sync.RWMutex
	current *zap.Logger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	current = l
}

// L returns the current default logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Set replaces the default logger. Intended for use by the CLI front end at
// startup (e.g. to switch to a development encoder) and by tests.
func Set(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	current = l
}

// Named returns a child logger scoped to the given component name.
func Named(name string) *zap.Logger {
	return L().Named(name)
}
