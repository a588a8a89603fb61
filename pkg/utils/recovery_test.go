package utils

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/lead-capture-service/pkg/logger"
)

func setupTestLogger(t *testing.T) func() {
	originalLogger := logger.Log
	logger.Log = zaptest.NewLogger(t)
	return func() {
		logger.Log = originalLogger
	}
}

func TestSafeGo(t *testing.T) {
	cleanup := setupTestLogger(t)
	defer cleanup()

	done := make(chan struct{})
	SafeGo(func() { close(done) }, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("function did not execute in time")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var recoveredPanic interface{}
	SafeGo(func() {
		panic("test panic")
	}, func(r interface{}, stack []byte) {
		defer wg.Done()
		recoveredPanic = r
	})

	wg.Wait()
	assert.Equal(t, "test panic", recoveredPanic)
}

func TestSafeGo_DefaultHandlerLogs(t *testing.T) {
	cleanup := setupTestLogger(t)
	defer cleanup()

	var wg sync.WaitGroup
	wg.Add(1)
	SafeGo(func() {
		defer wg.Done()
		panic("unhandled")
	}, nil)
	wg.Wait()
}

func TestWrapWithContextRecovery(t *testing.T) {
	cleanup := setupTestLogger(t)
	defer cleanup()
	ctx := logger.WithLogger(context.Background(), zaptest.NewLogger(t))

	wrappedNormal := WrapWithContextRecovery(func(ctx context.Context) error { return nil })
	assert.NoError(t, wrappedNormal(ctx))

	wrappedErr := WrapWithContextRecovery(func(ctx context.Context) error {
		return errors.New("test error with context")
	})
	assert.EqualError(t, wrappedErr(ctx), "test error with context")

	wrappedPanic := WrapWithContextRecovery(func(ctx context.Context) error {
		panic("test panic with context")
	})
	assert.EqualError(t, wrappedPanic(ctx), "panic recovered: test panic with context")
}
