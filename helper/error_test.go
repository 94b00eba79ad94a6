package helper

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewError(t *testing.T) {
	t.Run("Wraps error with trace", func(t *testing.T) {
		base := errors.New("connection refused")
		err := NewError("query documents", base)

		require.Error(t, err)
		assert.Equal(t, "query documents: connection refused", err.Error())
		assert.ErrorIs(t, err, base, "Expected wrapped error to unwrap to the original")
	})

	t.Run("Nil error stays nil", func(t *testing.T) {
		assert.NoError(t, NewError("noop", nil))
	})
}

func TestErrorTaxonomy(t *testing.T) {
	t.Run("Empty index is an unavailable index", func(t *testing.T) {
		assert.ErrorIs(t, ErrEmptyIndex, ErrIndexUnavailable)
		assert.NotErrorIs(t, ErrIndexUnavailable, ErrEmptyIndex, "A generic outage must be distinguishable from an empty index")
	})

	t.Run("Classify adds the kind once", func(t *testing.T) {
		err := Classify(ErrTransient, errors.New("timeout"))
		assert.ErrorIs(t, err, ErrTransient)

		again := Classify(ErrTransient, err)
		assert.Equal(t, err, again, "Expected an already classified error to be returned unchanged")
	})

	t.Run("Classify keeps wrapped causes", func(t *testing.T) {
		cause := fmt.Errorf("dial: %w", context.DeadlineExceeded)
		err := Classify(ErrTransient, cause)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("Succeeds after transient failures", func(t *testing.T) {
		calls := 0
		v, err := Retry(ctx, 3, time.Millisecond, func(ctx context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, errors.New("flaky")
			}
			return 42, nil
		})

		require.NoError(t, err)
		assert.Equal(t, 42, v)
		assert.Equal(t, 3, calls)
	})

	t.Run("Returns last error when attempts are exhausted", func(t *testing.T) {
		calls := 0
		_, err := Retry(ctx, 2, time.Millisecond, func(ctx context.Context) (string, error) {
			calls++
			return "", fmt.Errorf("attempt %d", calls)
		})

		require.Error(t, err)
		assert.Equal(t, "attempt 2", err.Error())
		assert.Equal(t, 2, calls, "Expected bounded attempts")
	})

	t.Run("Stops when the context is cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := Retry(cctx, 5, 50*time.Millisecond, func(ctx context.Context) (int, error) {
			return 0, errors.New("down")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDatabaseConfiguration(t *testing.T) {
	t.Run("Reads configuration from environment", func(t *testing.T) {
		SetTestDatabaseConfigEnvs(t, "5433")

		config, err := NewDatabaseConfiguration()
		require.NoError(t, err)
		assert.Equal(t, "5433", config.Port)
		assert.Contains(t, config.DSN(), "port=5433")
		assert.Contains(t, config.DSN(), "sslmode=disable")
	})

	t.Run("Missing fields are reported as not configured", func(t *testing.T) {
		config := &DatabaseConfiguration{Host: "localhost"}
		err := config.Validate()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotConfigured)
		assert.Contains(t, err.Error(), "port")
	})
}
