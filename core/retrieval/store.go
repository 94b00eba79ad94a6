package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/siherrmann/tipper/model"
)

// Store persists indexed documents per collection.
// database.DocumentsDBHandler is the Postgres implementation, MemoryStore the in-process one.
type Store interface {
	UpsertDocuments(ctx context.Context, docs []*model.IndexedDocument) error
	SelectDocumentsByKeyword(ctx context.Context, collection string, terms []string, filter map[string]string, limit int) ([]*model.IndexedDocument, error)
	SelectDocumentsBySimilarity(ctx context.Context, collection string, embedding []float32, filter map[string]string, limit int) ([]*model.IndexedDocument, error)
	CountDocuments(ctx context.Context, collection string) (int, error)
	DeleteDocuments(ctx context.Context, collection string) (int, error)
}

// Keyword weights per field
const (
	weightName     = 5
	weightTags     = 3
	weightCategory = 3
	weightText     = 1
	weightTotal    = weightName + weightTags + weightCategory + weightText
)

// KeywordScore is the raw weighted hit score of a document for lower-cased terms
func KeywordScore(doc *model.IndexedDocument, terms []string) float64 {
	name := strings.ToLower(doc.Name)
	category := strings.ToLower(doc.Category)
	text := strings.ToLower(doc.Text)
	tags := make([]string, len(doc.Tags))
	for i, tag := range doc.Tags {
		tags[i] = strings.ToLower(tag)
	}

	score := 0
	for _, term := range terms {
		if strings.Contains(name, term) {
			score += weightName
		}
		for _, tag := range tags {
			if strings.Contains(tag, term) {
				score += weightTags
				break
			}
		}
		if strings.Contains(category, term) {
			score += weightCategory
		}
		if strings.Contains(text, term) {
			score += weightText
		}
	}
	return float64(score)
}

// MemoryStore is an in-process Store for tests and small deployments
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]*model.IndexedDocument
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: map[string]map[string]*model.IndexedDocument{},
	}
}

// UpsertDocuments stores copies of the documents, replacing existing ids
func (s *MemoryStore) UpsertDocuments(ctx context.Context, docs []*model.IndexedDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range docs {
		collection, ok := s.collections[doc.Collection]
		if !ok {
			collection = map[string]*model.IndexedDocument{}
			s.collections[doc.Collection] = collection
		}
		collection[doc.ID] = copyDocument(doc)
	}
	return nil
}

// SelectDocumentsByKeyword returns documents with a positive keyword score, best first
func (s *MemoryStore) SelectDocumentsByKeyword(ctx context.Context, collection string, terms []string, filter map[string]string, limit int) ([]*model.IndexedDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var docs []*model.IndexedDocument
	for _, doc := range s.collections[collection] {
		if !matchesFilter(doc, filter) {
			continue
		}
		score := KeywordScore(doc, terms)
		if score <= 0 {
			continue
		}
		found := copyDocument(doc)
		found.KeywordScore = score
		docs = append(docs, found)
	}

	sort.Slice(docs, func(i, j int) bool {
		if docs[i].KeywordScore != docs[j].KeywordScore {
			return docs[i].KeywordScore > docs[j].KeywordScore
		}
		return docs[i].ID < docs[j].ID
	})
	return truncate(docs, limit), nil
}

// SelectDocumentsBySimilarity returns the nearest documents by L2 distance
func (s *MemoryStore) SelectDocumentsBySimilarity(ctx context.Context, collection string, embedding []float32, filter map[string]string, limit int) ([]*model.IndexedDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var docs []*model.IndexedDocument
	for _, doc := range s.collections[collection] {
		if len(doc.Embedding) == 0 || len(doc.Embedding) != len(embedding) || !matchesFilter(doc, filter) {
			continue
		}
		found := copyDocument(doc)
		found.Distance = l2Distance(doc.Embedding, embedding)
		docs = append(docs, found)
	}

	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Distance != docs[j].Distance {
			return docs[i].Distance < docs[j].Distance
		}
		return docs[i].ID < docs[j].ID
	})
	return truncate(docs, limit), nil
}

// CountDocuments returns the number of documents in a collection
func (s *MemoryStore) CountDocuments(ctx context.Context, collection string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection]), nil
}

// DeleteDocuments removes a collection
func (s *MemoryStore) DeleteDocuments(ctx context.Context, collection string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := len(s.collections[collection])
	delete(s.collections, collection)
	return deleted, nil
}

// matchesFilter only matches string metadata, like jsonb containment of a string map
func matchesFilter(doc *model.IndexedDocument, filter map[string]string) bool {
	for key, value := range filter {
		actual, ok := doc.Metadata[key].(string)
		if !ok || actual != value {
			return false
		}
	}
	return true
}

func copyDocument(doc *model.IndexedDocument) *model.IndexedDocument {
	c := *doc
	c.Tags = append([]string(nil), doc.Tags...)
	c.Embedding = append([]float32(nil), doc.Embedding...)
	if doc.Metadata != nil {
		c.Metadata = make(model.Metadata, len(doc.Metadata))
		for k, v := range doc.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func l2Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func truncate(docs []*model.IndexedDocument, limit int) []*model.IndexedDocument {
	if limit > 0 && len(docs) > limit {
		return docs[:limit]
	}
	if docs == nil {
		return []*model.IndexedDocument{}
	}
	return docs
}
