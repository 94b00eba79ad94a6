package analyzer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/siherrmann/tipper/helper"
	"github.com/siherrmann/tipper/model"
)

// IndexTickets queries the ticket source and upserts the tickets into the tipper index
func (a *Analyzer) IndexTickets(ctx context.Context, filter model.TicketFilter) (int, error) {
	if a.tickets == nil {
		return 0, helper.NewError("index tickets", fmt.Errorf("%w: no ticket source", helper.ErrNotConfigured))
	}
	if a.index == nil {
		return 0, helper.NewError("index tickets", fmt.Errorf("%w: no tipper index", helper.ErrNotConfigured))
	}

	tickets, err := a.tickets.Query(ctx, filter)
	if err != nil {
		return 0, helper.NewError("query tickets", err)
	}

	docs := make([]*model.IndexedDocument, 0, len(tickets))
	for _, ticket := range tickets {
		if ticket == nil || ticket.ID == "" {
			continue
		}
		docs = append(docs, ticket.Document())
	}
	if err := a.index.Upsert(ctx, docs); err != nil {
		return 0, helper.NewError("index tickets", err)
	}

	a.logger.Info("Indexed tickets", slog.Int("count", len(docs)))
	return len(docs), nil
}

// PostToTicket renders the analysis and adds it as a comment to its tipper
func (a *Analyzer) PostToTicket(ctx context.Context, analysis *model.NoveltyAnalysis) error {
	if a.tickets == nil {
		return helper.NewError("post analysis", fmt.Errorf("%w: no ticket source", helper.ErrNotConfigured))
	}
	if analysis == nil || analysis.TipperID == "" {
		return helper.NewError("post analysis", fmt.Errorf("analysis has no tipper id"))
	}

	html, err := RenderForTicket(analysis)
	if err != nil {
		return helper.NewError("render analysis", err)
	}

	ok, err := a.tickets.AddComment(ctx, analysis.TipperID, html)
	if err != nil {
		return helper.NewError("add comment", err)
	}
	if !ok {
		return helper.NewError("add comment", fmt.Errorf("comment on %s was rejected", analysis.TipperID))
	}
	return nil
}
