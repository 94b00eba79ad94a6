package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/siherrmann/tipper/core/pipeline"
	"github.com/siherrmann/tipper/helper"
	"github.com/siherrmann/tipper/model"
	"golang.org/x/sync/errgroup"
)

const (
	defaultEmbedBatchSize   = 32
	defaultEmbedConcurrency = 4
	defaultEmbedAttempts    = 3
	defaultEmbedRetryDelay  = 500 * time.Millisecond
)

// Index provides hybrid keyword and semantic retrieval over one collection
type Index struct {
	collection string
	store      Store
	embed      pipeline.BatchEmbedFunc
	logger     *slog.Logger

	batchSize   int
	concurrency int
	attempts    int
	retryDelay  time.Duration
}

// IndexOption configures an Index
type IndexOption func(*Index)

// WithIndexLogger sets the logger
func WithIndexLogger(logger *slog.Logger) IndexOption {
	return func(i *Index) { i.logger = logger }
}

// WithEmbedBatching sets the embedding batch size and the number of concurrent batches
func WithEmbedBatching(batchSize, concurrency int) IndexOption {
	return func(i *Index) {
		if batchSize > 0 {
			i.batchSize = batchSize
		}
		if concurrency > 0 {
			i.concurrency = concurrency
		}
	}
}

// WithEmbedRetry sets how often a failed embedding batch is attempted and the initial backoff
func WithEmbedRetry(attempts int, delay time.Duration) IndexOption {
	return func(i *Index) {
		if attempts > 0 {
			i.attempts = attempts
		}
		i.retryDelay = delay
	}
}

// NewIndex creates an index over collection.
// Without an embedder the index only runs the keyword pass.
func NewIndex(collection string, store Store, embed pipeline.BatchEmbedFunc, opts ...IndexOption) (*Index, error) {
	if collection == "" {
		return nil, helper.NewError("index validation", fmt.Errorf("collection is empty"))
	}
	if store == nil {
		return nil, helper.NewError("index validation", fmt.Errorf("store is nil"))
	}

	index := &Index{
		collection:  collection,
		store:       store,
		embed:       embed,
		logger:      slog.Default(),
		batchSize:   defaultEmbedBatchSize,
		concurrency: defaultEmbedConcurrency,
		attempts:    defaultEmbedAttempts,
		retryDelay:  defaultEmbedRetryDelay,
	}
	for _, opt := range opts {
		opt(index)
	}
	index.logger = index.logger.With(slog.String("collection", collection))

	return index, nil
}

// Collection returns the name of the indexed collection
func (i *Index) Collection() string {
	return i.collection
}

// Upsert embeds and stores documents. Upserting an id again replaces the document.
func (i *Index) Upsert(ctx context.Context, docs []*model.IndexedDocument) error {
	prepared, err := i.prepare(ctx, docs)
	if err != nil {
		return err
	}
	if len(prepared) == 0 {
		return nil
	}

	if err := i.store.UpsertDocuments(ctx, prepared); err != nil {
		return helper.NewError("upsert documents", helper.Classify(helper.ErrIndexUnavailable, err))
	}

	i.logger.Debug("Upserted documents", slog.Int("count", len(prepared)))
	return nil
}

// Rebuild replaces the whole collection with docs.
// Embeddings are computed before anything is deleted.
func (i *Index) Rebuild(ctx context.Context, docs []*model.IndexedDocument) error {
	prepared, err := i.prepare(ctx, docs)
	if err != nil {
		return err
	}

	deleted, err := i.store.DeleteDocuments(ctx, i.collection)
	if err != nil {
		return helper.NewError("delete documents", helper.Classify(helper.ErrIndexUnavailable, err))
	}
	if len(prepared) > 0 {
		if err := i.store.UpsertDocuments(ctx, prepared); err != nil {
			return helper.NewError("upsert documents", helper.Classify(helper.ErrIndexUnavailable, err))
		}
	}

	i.logger.Info("Rebuilt index", slog.Int("deleted", deleted), slog.Int("upserted", len(prepared)))
	return nil
}

// Count returns the number of documents in the index
func (i *Index) Count(ctx context.Context) (int, error) {
	count, err := i.store.CountDocuments(ctx, i.collection)
	if err != nil {
		return 0, helper.NewError("count documents", helper.Classify(helper.ErrIndexUnavailable, err))
	}
	return count, nil
}

// Delete removes all documents of the index
func (i *Index) Delete(ctx context.Context) (int, error) {
	deleted, err := i.store.DeleteDocuments(ctx, i.collection)
	if err != nil {
		return 0, helper.NewError("delete documents", helper.Classify(helper.ErrIndexUnavailable, err))
	}
	return deleted, nil
}

// Search runs the keyword and semantic passes and merges them by document id.
// An empty index returns helper.ErrEmptyIndex.
func (i *Index) Search(ctx context.Context, query string, config model.SearchConfig) ([]*model.SimilarityResult, error) {
	if config.TopK <= 0 {
		config.TopK = model.DefaultSearchConfig().TopK
	}

	count, err := i.Count(ctx)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, helper.NewError("search", helper.ErrEmptyIndex)
	}

	terms := QueryTerms(query)
	keywordResults, err := i.keywordPass(ctx, query, terms, config)
	if err != nil {
		return nil, err
	}

	var semanticResults []*model.SimilarityResult
	if i.embed != nil {
		semanticResults, err = i.semanticPass(ctx, query, terms, config)
		if err != nil {
			return nil, err
		}
	}

	results := mergeResults(keywordResults, semanticResults, config)
	i.logger.Debug(
		"Searched index",
		slog.Int("keyword", len(keywordResults)),
		slog.Int("semantic", len(semanticResults)),
		slog.Int("results", len(results)),
	)
	return results, nil
}

// prepare validates docs, keeps the last document per id and fills missing embeddings
func (i *Index) prepare(ctx context.Context, docs []*model.IndexedDocument) ([]*model.IndexedDocument, error) {
	byID := make(map[string]int, len(docs))
	prepared := make([]*model.IndexedDocument, 0, len(docs))
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		if doc.ID == "" {
			return nil, helper.NewError("upsert validation", fmt.Errorf("document without id"))
		}
		c := copyDocument(doc)
		c.Collection = i.collection
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = time.Now().UTC()
		}
		if pos, ok := byID[c.ID]; ok {
			prepared[pos] = c
			continue
		}
		byID[c.ID] = len(prepared)
		prepared = append(prepared, c)
	}

	if err := i.embedDocuments(ctx, prepared); err != nil {
		return nil, err
	}
	return prepared, nil
}

// embedDocuments computes missing embeddings in batches on a bounded pool.
// Each batch is retried before the upsert fails with helper.ErrTransient.
func (i *Index) embedDocuments(ctx context.Context, docs []*model.IndexedDocument) error {
	if i.embed == nil {
		return nil
	}

	var missing []*model.IndexedDocument
	for _, doc := range docs {
		if len(doc.Embedding) == 0 {
			missing = append(missing, doc)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.concurrency)
	for start := 0; start < len(missing); start += i.batchSize {
		end := start + i.batchSize
		if end > len(missing) {
			end = len(missing)
		}
		batch := missing[start:end]

		g.Go(func() error {
			texts := make([]string, len(batch))
			for j, doc := range batch {
				texts[j] = doc.EmbeddingText()
			}

			embeddings, err := helper.Retry(gctx, i.attempts, i.retryDelay, func(ctx context.Context) ([][]float32, error) {
				out, err := i.embed(ctx, texts)
				if err == nil && len(out) != len(texts) {
					err = fmt.Errorf("expected %d embeddings, got %d", len(texts), len(out))
				}
				return out, err
			})
			if err != nil {
				return helper.NewError("embed documents", helper.Classify(helper.ErrTransient, err))
			}

			for j, doc := range batch {
				doc.Embedding = embeddings[j]
			}
			return nil
		})
	}

	return g.Wait()
}
