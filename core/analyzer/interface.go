package analyzer

import (
	"context"

	"github.com/siherrmann/tipper/model"
)

// TicketSource is the ticket tracker holding tippers.
// FetchByID returns an error wrapping helper.ErrNotFound for unknown ids.
type TicketSource interface {
	FetchByID(ctx context.Context, id string) (*model.Ticket, error)
	Query(ctx context.Context, filter model.TicketFilter) ([]*model.Ticket, error)
	AddComment(ctx context.Context, id string, html string) (bool, error)
}

// LLM generates a JSON document matching schema
type LLM interface {
	GenerateStructured(ctx context.Context, prompt string, schema map[string]interface{}) ([]byte, error)
}

// Enricher looks up external threat intelligence for entities
type Enricher interface {
	Enrich(ctx context.Context, entities model.ExtractedEntities) (map[string]interface{}, error)
}

// SimilarityIndex is the tipper index
type SimilarityIndex interface {
	Upsert(ctx context.Context, docs []*model.IndexedDocument) error
	Search(ctx context.Context, query string, config model.SearchConfig) ([]*model.SimilarityResult, error)
}

// RulesCatalog answers detection coverage and malware family questions
type RulesCatalog interface {
	Coverage(ctx context.Context) (map[string][]string, error)
	MalwareFamiliesIn(ctx context.Context, text string) ([]string, error)
}

// Hunter searches telemetry for indicators
type Hunter interface {
	Hunt(ctx context.Context, entities model.ExtractedEntities, opts model.HuntOptions) *model.IOCHuntResult
}
