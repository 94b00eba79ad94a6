package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedFuncBatch(t *testing.T) {
	calls := 0
	single := EmbedFunc(func(text string) ([]float32, error) {
		calls++
		if text == "fail" {
			return nil, errors.New("embedding failed")
		}
		return []float32{float32(len(text))}, nil
	})

	t.Run("Embeds every text in order", func(t *testing.T) {
		calls = 0
		out, err := single.Batch()(context.Background(), []string{"a", "abc"})
		require.NoError(t, err)
		assert.Equal(t, [][]float32{{1}, {3}}, out)
		assert.Equal(t, 2, calls)
	})

	t.Run("Stops on first error", func(t *testing.T) {
		calls = 0
		_, err := single.Batch()(context.Background(), []string{"fail", "ok"})
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("Respects cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := single.Batch()(ctx, []string{"a"})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDefaultEmbedder(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping DefaultEmbedder test in short mode (requires model download)")
	}

	embed, destroy, err := DefaultEmbedder("")
	require.NoError(t, err)
	defer func() { _ = destroy() }()

	t.Run("Generate embeddings for a batch", func(t *testing.T) {
		out, err := embed(context.Background(), []string{"QakBot loader via OneNote", "Phishing with ISO attachments"})
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Len(t, out[0], DefaultEmbeddingDim)
	})

	t.Run("Same text produces same embedding", func(t *testing.T) {
		first, err := embed(context.Background(), []string{"Deterministic embedding test"})
		require.NoError(t, err)
		second, err := embed(context.Background(), []string{"Deterministic embedding test"})
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("Empty batch", func(t *testing.T) {
		out, err := embed(context.Background(), nil)
		require.NoError(t, err)
		assert.Empty(t, out)
	})
}
