package retrieval

import (
	"context"
	"sort"

	"github.com/siherrmann/tipper/helper"
	"github.com/siherrmann/tipper/model"
)

// keywordPass scores documents by weighted term hits, top 2k
func (i *Index) keywordPass(ctx context.Context, query string, terms []string, config model.SearchConfig) ([]*model.SimilarityResult, error) {
	if len(terms) == 0 {
		return nil, nil
	}

	docs, err := i.store.SelectDocumentsByKeyword(ctx, i.collection, terms, config.Filter, 2*config.TopK)
	if err != nil {
		return nil, helper.NewError("keyword search", helper.Classify(helper.ErrIndexUnavailable, err))
	}

	results := make([]*model.SimilarityResult, 0, len(docs))
	for _, doc := range docs {
		results = append(results, &model.SimilarityResult{
			Document: doc,
			Score:    normalizeKeywordScore(doc.KeywordScore, len(terms), doc.Name, query),
			Snippet:  snippet(doc.Text, terms),
			Method:   model.RetrievalMethodKeyword,
		})
	}
	return results, nil
}

// semanticPass embeds the query and returns the nearest documents, top 2k
func (i *Index) semanticPass(ctx context.Context, query string, terms []string, config model.SearchConfig) ([]*model.SimilarityResult, error) {
	embeddings, err := helper.Retry(ctx, i.attempts, i.retryDelay, func(ctx context.Context) ([][]float32, error) {
		return i.embed(ctx, []string{query})
	})
	if err == nil && len(embeddings) != 1 {
		err = helper.ErrTransient
	}
	if err != nil {
		return nil, helper.NewError("embed query", helper.Classify(helper.ErrTransient, err))
	}

	docs, err := i.store.SelectDocumentsBySimilarity(ctx, i.collection, embeddings[0], config.Filter, 2*config.TopK)
	if err != nil {
		return nil, helper.NewError("similarity search", helper.Classify(helper.ErrIndexUnavailable, err))
	}

	results := make([]*model.SimilarityResult, 0, len(docs))
	for _, doc := range docs {
		results = append(results, &model.SimilarityResult{
			Document: doc,
			Score:    1 / (1 + doc.Distance),
			Snippet:  snippet(doc.Text, terms),
			Method:   model.RetrievalMethodSemantic,
		})
	}
	return results, nil
}

// mergeResults dedupes by document id with keyword results taking priority,
// drops results under MinScore and returns the best TopK.
// On equal score keyword results rank first.
func mergeResults(keyword, semantic []*model.SimilarityResult, config model.SearchConfig) []*model.SimilarityResult {
	resultMap := make(map[string]*model.SimilarityResult, len(keyword)+len(semantic))
	for _, result := range keyword {
		resultMap[result.Document.ID] = result
	}
	for _, result := range semantic {
		if _, exists := resultMap[result.Document.ID]; !exists {
			resultMap[result.Document.ID] = result
		}
	}

	results := make([]*model.SimilarityResult, 0, len(resultMap))
	for _, result := range resultMap {
		if result.Score < config.MinScore {
			continue
		}
		results = append(results, result)
	}

	sort.Slice(results, func(a, b int) bool {
		if results[a].Score != results[b].Score {
			return results[a].Score > results[b].Score
		}
		if results[a].Method != results[b].Method {
			return results[a].Method == model.RetrievalMethodKeyword
		}
		return results[a].Document.ID < results[b].Document.ID
	})

	if len(results) > config.TopK {
		results = results[:config.TopK]
	}
	return results
}
