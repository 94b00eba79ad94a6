package pipeline

import (
	"context"

	"github.com/siherrmann/tipper/model"
)

// EmbedFunc is a function that generates an embedding for a single text
type EmbedFunc func(text string) ([]float32, error)

// BatchEmbedFunc generates embeddings for several texts at once.
// The result has one vector per input text, in input order.
type BatchEmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

// Batch adapts a single-text embedder to a BatchEmbedFunc
func (f EmbedFunc) Batch() BatchEmbedFunc {
	return func(ctx context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, 0, len(texts))
		for _, text := range texts {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			embedding, err := f(text)
			if err != nil {
				return nil, err
			}
			out = append(out, embedding)
		}
		return out, nil
	}
}

// EntityExtractFunc extracts entities from text
type EntityExtractFunc func(text string) model.ExtractedEntities
