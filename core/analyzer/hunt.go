package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/siherrmann/tipper/helper"
	"github.com/siherrmann/tipper/model"
)

// HuntRequest names what to hunt for, either a stored tipper or raw text
type HuntRequest struct {
	TipperID string
	Text     string
}

// Hunt extracts the indicators of a tipper and searches all telemetry sources for them.
// Source failures are part of the result, only a failed tipper fetch or a missing
// hunter return an error.
func (a *Analyzer) Hunt(ctx context.Context, request HuntRequest, opts model.HuntOptions) (*model.IOCHuntResult, error) {
	if a.hunter == nil {
		return nil, helper.NewError("hunt", fmt.Errorf("%w: no hunter", helper.ErrNotConfigured))
	}

	text := request.Text
	if request.TipperID != "" {
		ticket, err := a.fetch(ctx, request.TipperID)
		if err != nil {
			return nil, err
		}
		text = tipperText(ticket)
	}
	if strings.TrimSpace(text) == "" {
		return nil, helper.NewError("hunt", fmt.Errorf("nothing to hunt for"))
	}

	entities, ok := a.safeExtract(text)
	if !ok {
		a.logger.Warn("Entity extraction panicked, hunting without indicators")
	}

	result := a.hunter.Hunt(ctx, entities, opts)
	result.TipperID = request.TipperID
	return result, nil
}
