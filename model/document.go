package model

import (
	"time"
)

// Collections used by the engine. Document ids are unique per collection.
const (
	CollectionTippers = "tippers"
	CollectionRules   = "rules"
)

// IndexedDocument is a document held by a similarity index
type IndexedDocument struct {
	ID         string    `json:"id"`
	Collection string    `json:"collection"`
	Name       string    `json:"name"`
	Text       string    `json:"text"`
	Category   string    `json:"category,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	Metadata   Metadata  `json:"metadata,omitempty"`
	Embedding  []float32 `json:"embedding,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
	// Results
	Distance     float64 `json:"distance,omitempty"`
	KeywordScore float64 `json:"keyword_score,omitempty"`
}

// EmbeddingText is the text embedded for semantic search
func (d *IndexedDocument) EmbeddingText() string {
	if d.Name == "" {
		return d.Text
	}
	if d.Text == "" {
		return d.Name
	}
	return d.Name + "\n\n" + d.Text
}
