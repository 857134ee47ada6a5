// Package dlog provides the structured logger shared by the dispatch
// packages. It mirrors the way caddy's root package wires a single
// *zap.Logger and hands out loggers per subsystem.
package dlog

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu      sync.RWMutex
	logger  *zap.Logger = zap.NewNop()
)

// Set installs the logger used by all dispatch packages. Passing nil
// restores the no-op logger.
func Set(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	logger = l
}

// L returns the current shared logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Named returns a child logger scoped to the given subsystem name.
func Named(name string) *zap.Logger {
	return L().Named(name)
}
