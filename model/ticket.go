package model

import (
	"time"
)

// Ticket is a tipper as stored in the ticket tracker
type Ticket struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"created_at"`
	URL         string    `json:"url,omitempty"`
}

// Document converts the ticket into an indexable document
func (t *Ticket) Document() *IndexedDocument {
	return &IndexedDocument{
		ID:         t.ID,
		Collection: CollectionTippers,
		Name:       t.Title,
		Text:       t.Description,
		Category:   t.Status,
		Tags:       append([]string(nil), t.Tags...),
		Metadata: Metadata{
			"status":     t.Status,
			"url":        t.URL,
			"created_at": t.CreatedAt.Format(time.RFC3339),
		},
		UpdatedAt: t.CreatedAt,
	}
}

// TicketFilter selects tickets to index
type TicketFilter struct {
	Since  time.Time `json:"since"`
	Status []string  `json:"status,omitempty"`
	Limit  int       `json:"limit,omitempty"`
}
