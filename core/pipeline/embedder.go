package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/knights-analytics/hugot"
	"github.com/siherrmann/tipper/helper"
)

const (
	// DefaultEmbeddingModel produces 384-dimensional embeddings
	DefaultEmbeddingModel = "sentence-transformers/all-MiniLM-L6-v2"
	DefaultEmbeddingDim   = 384
)

// DefaultEmbedder creates a batch embedder running a sentence transformer model locally.
// An empty modelName uses DefaultEmbeddingModel. The returned destroy function releases the session.
func DefaultEmbedder(modelName string) (BatchEmbedFunc, func() error, error) {
	if modelName == "" {
		modelName = DefaultEmbeddingModel
	}

	// Prepare model (download if needed)
	modelPath, err := helper.PrepareModel(modelName, "")
	if err != nil {
		return nil, nil, err
	}

	// Initialize hugot session with Go backend
	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create hugot session: %w", err)
	}

	config := hugot.FeatureExtractionConfig{
		ModelPath: modelPath,
		Name:      "embedder-pipeline",
	}
	sentencePipeline, err := hugot.NewPipeline(session, config)
	if err != nil {
		if destroyErr := session.Destroy(); destroyErr != nil {
			return nil, nil, fmt.Errorf("failed to create sentence pipeline: %w (cleanup error: %v)", err, destroyErr)
		}
		return nil, nil, fmt.Errorf("failed to create sentence pipeline: %w", err)
	}

	// The go backend session is not safe for concurrent pipeline runs
	var mu sync.Mutex

	embed := func(ctx context.Context, texts []string) ([][]float32, error) {
		if len(texts) == 0 {
			return [][]float32{}, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		mu.Lock()
		result, err := sentencePipeline.RunPipeline(texts)
		mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("failed to generate embeddings: %w", err)
		}
		if len(result.Embeddings) != len(texts) {
			return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Embeddings))
		}

		return result.Embeddings, nil
	}

	return embed, session.Destroy, nil
}
