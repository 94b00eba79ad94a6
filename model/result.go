package model

type RetrievalMethod string

const (
	RetrievalMethodKeyword  RetrievalMethod = "keyword"
	RetrievalMethodSemantic RetrievalMethod = "semantic"
)

// SimilarityResult represents a document retrieved by a query
type SimilarityResult struct {
	Document *IndexedDocument `json:"document"`
	Score    float64          `json:"score"`   // Similarity in [0,1]
	Snippet  string           `json:"snippet"` // Matched text around the first hit
	Method   RetrievalMethod  `json:"method"`
}
