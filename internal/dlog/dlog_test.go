package dlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNamed_DefaultsToNop(t *testing.T) {
	Set(nil)
	assert.NotPanics(t, func() { Named("attempt").Info("hello") })
}

func TestSet_RoutesThroughSharedLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	Set(zap.New(core))
	defer Set(nil)

	Named("dispatch").Info("retrying", zap.String("reason", "throttled"))

	entries := logs.All()
	assert.Len(t, entries, 1)
	assert.Equal(t, "dispatch", entries[0].LoggerName)
	assert.Equal(t, "retrying", entries[0].Message)
}
