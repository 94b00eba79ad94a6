package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/siherrmann/tipper/core/pipeline"
	"github.com/siherrmann/tipper/core/reputation"
	"github.com/siherrmann/tipper/helper"
	"github.com/siherrmann/tipper/model"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSimilarTopK      = 10
	defaultRelatedThreshold = 0.55
	defaultMaxRelated       = 5
	defaultLLMTimeout       = 90 * time.Second
	defaultEnrichTimeout    = 30 * time.Second
	defaultHuntTimeout      = 15 * time.Minute
)

// Analyzer computes the novelty of tippers against the ticket history
type Analyzer struct {
	extract    pipeline.EntityExtractFunc
	llm        LLM
	tickets    TicketSource
	index      SimilarityIndex
	catalog    RulesCatalog
	enricher   Enricher
	reputation reputation.Checker
	hunter     Hunter
	logger     *slog.Logger

	similarTopK      int
	relatedThreshold float64
	maxRelated       int
	llmTimeout       time.Duration
	enrichTimeout    time.Duration

	backgroundHunt bool
	huntOptions    model.HuntOptions
	huntTimeout    time.Duration
	onHuntComplete func(*model.IOCHuntResult)
	hunts          sync.WaitGroup
}

// AnalyzerOption configures an Analyzer
type AnalyzerOption func(*Analyzer)

func WithTicketSource(tickets TicketSource) AnalyzerOption {
	return func(a *Analyzer) { a.tickets = tickets }
}

func WithSimilarityIndex(index SimilarityIndex) AnalyzerOption {
	return func(a *Analyzer) { a.index = index }
}

func WithRulesCatalog(catalog RulesCatalog) AnalyzerOption {
	return func(a *Analyzer) { a.catalog = catalog }
}

func WithEnricher(enricher Enricher) AnalyzerOption {
	return func(a *Analyzer) { a.enricher = enricher }
}

func WithReputation(checker reputation.Checker) AnalyzerOption {
	return func(a *Analyzer) { a.reputation = checker }
}

func WithAnalyzerLogger(logger *slog.Logger) AnalyzerOption {
	return func(a *Analyzer) { a.logger = logger }
}

// WithHunter sets the hunter used by Hunt
func WithHunter(hunter Hunter) AnalyzerOption {
	return func(a *Analyzer) { a.hunter = hunter }
}

// WithBackgroundHunt starts a hunt after every successful analysis.
// onComplete is called with the result and may be nil.
func WithBackgroundHunt(opts model.HuntOptions, timeout time.Duration, onComplete func(*model.IOCHuntResult)) AnalyzerOption {
	return func(a *Analyzer) {
		a.backgroundHunt = true
		a.huntOptions = opts
		if timeout > 0 {
			a.huntTimeout = timeout
		}
		a.onHuntComplete = onComplete
	}
}

// WithSimilarTopK sets how many similar tippers the history is built from
func WithSimilarTopK(k int) AnalyzerOption {
	return func(a *Analyzer) {
		if k > 0 {
			a.similarTopK = k
		}
	}
}

// WithTimeouts sets the deadlines of the LLM and enrichment calls
func WithTimeouts(llm, enrich time.Duration) AnalyzerOption {
	return func(a *Analyzer) {
		if llm > 0 {
			a.llmTimeout = llm
		}
		if enrich > 0 {
			a.enrichTimeout = enrich
		}
	}
}

// NewAnalyzer creates an Analyzer. extract and llm are required,
// every other collaborator is optional and degrades to an empty result.
func NewAnalyzer(extract pipeline.EntityExtractFunc, llm LLM, opts ...AnalyzerOption) (*Analyzer, error) {
	if extract == nil {
		return nil, helper.NewError("analyzer validation", fmt.Errorf("entity extractor is nil"))
	}
	if llm == nil {
		return nil, helper.NewError("analyzer validation", fmt.Errorf("%w: llm is nil", helper.ErrNotConfigured))
	}

	a := &Analyzer{
		extract:          extract,
		llm:              llm,
		logger:           slog.Default(),
		similarTopK:      defaultSimilarTopK,
		relatedThreshold: defaultRelatedThreshold,
		maxRelated:       defaultMaxRelated,
		llmTimeout:       defaultLLMTimeout,
		enrichTimeout:    defaultEnrichTimeout,
		huntTimeout:      defaultHuntTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Analyze fetches a tipper from the ticket source and analyzes it.
// Unknown ids fail with helper.ErrNotFound, LLM failures with helper.ErrLLM.
func (a *Analyzer) Analyze(ctx context.Context, tipperID string) (*model.NoveltyAnalysis, error) {
	start := time.Now()
	ticket, err := a.fetch(ctx, tipperID)
	if err != nil {
		return nil, err
	}
	return a.analyze(ctx, ticket, time.Since(start))
}

// AnalyzeText analyzes raw tipper text that is not stored in the ticket source
func (a *Analyzer) AnalyzeText(ctx context.Context, title, text string) (*model.NoveltyAnalysis, error) {
	ticket := &model.Ticket{
		Title:       title,
		Description: text,
		CreatedAt:   time.Now().UTC(),
	}
	return a.analyze(ctx, ticket, 0)
}

// Wait blocks until all background hunts finished
func (a *Analyzer) Wait() {
	a.hunts.Wait()
}

func (a *Analyzer) fetch(ctx context.Context, tipperID string) (*model.Ticket, error) {
	if a.tickets == nil {
		return nil, helper.NewError("fetch tipper", fmt.Errorf("%w: no ticket source", helper.ErrNotConfigured))
	}
	ticket, err := a.tickets.FetchByID(ctx, tipperID)
	if err != nil {
		return nil, helper.NewError(fmt.Sprintf("fetch tipper %s", tipperID), err)
	}
	if ticket == nil {
		return nil, helper.NewError(fmt.Sprintf("fetch tipper %s", tipperID), helper.ErrNotFound)
	}
	return ticket, nil
}

func (a *Analyzer) analyze(ctx context.Context, ticket *model.Ticket, fetchDuration time.Duration) (*model.NoveltyAnalysis, error) {
	run := newRun(a.logger.With(slog.String("tipper_id", ticket.ID)))
	run.record(model.StageFetch, fetchDuration)
	text := tipperText(ticket)

	var similar []*model.SimilarityResult
	var entities model.ExtractedEntities
	g := new(errgroup.Group)
	g.Go(func() error {
		run.stage(model.StageSimilaritySearch, func() {
			similar = a.similaritySearch(ctx, ticket.ID, text, run)
		})
		return nil
	})
	g.Go(func() error {
		run.stage(model.StageEntityExtraction, func() {
			entities = a.extractEntities(ctx, text, run)
		})
		return nil
	})
	_ = g.Wait()

	var enrichment map[string]interface{}
	run.stage(model.StageEnrich, func() {
		enrichment = a.enrich(ctx, entities, run)
	})

	var history *entityHistory
	run.stage(model.StageBuildHistory, func() {
		history = a.buildHistory(similar, ticket.ID)
	})

	var d delta
	var related []model.RelatedTicket
	var coverage model.MitreCoverage
	run.stage(model.StageComputeGaps, func() {
		related = relatedTickets(similar, ticket.ID, a.relatedThreshold, a.maxRelated)
		d = computeDelta(entities, history)
		d.NewIOCs = a.filterNotable(ctx, d.NewIOCs, run)
		coverage = a.mitreCoverage(ctx, entities.MitreTechniques, run)
	})

	var judgement *model.LLMJudgement
	var err error
	run.stage(model.StageLLMScore, func() {
		judgement, err = a.score(ctx, ticket, history.documents, d, related, coverage)
	})
	if err != nil {
		run.logger.Error("LLM scoring failed", slog.Any("error", err))
		return nil, err
	}

	var analysis *model.NoveltyAnalysis
	run.stage(model.StageAssemble, func() {
		analysis = &model.NoveltyAnalysis{
			TipperID:        ticket.ID,
			Title:           ticket.Title,
			Created:         ticket.CreatedAt,
			Score:           judgement.Score,
			Label:           judgement.Label,
			Summary:         judgement.Summary,
			Recommendation:  judgement.Recommendation,
			NewIOCs:         d.NewIOCs,
			FamiliarIOCs:    d.FamiliarIOCs,
			NewMalware:      d.NewMalware,
			FamiliarMalware: d.FamiliarMalware,
			NewActors:       d.NewActors,
			FamiliarActors:  d.FamiliarActors,
			RelatedTickets:  related,
			MitreCoverage:   coverage,
			ActionableSteps: actionableSteps(d, related, coverage),
			Enrichment:      enrichment,
			Entities:        entities,
			SimilarCount:    history.documents,
			AnalyzedAt:      time.Now().UTC(),
		}
	})
	analysis.Errors, analysis.Timings = run.result()

	run.logger.Info(
		"Analyzed tipper",
		slog.Int("score", analysis.Score),
		slog.String("label", string(analysis.Label)),
		slog.Int("new_iocs", len(analysis.NewIOCs)),
		slog.Int("familiar_iocs", len(analysis.FamiliarIOCs)),
		slog.Int("errors", len(analysis.Errors)),
	)

	if a.backgroundHunt {
		a.startBackgroundHunt(ctx, ticket.ID, entities)
	}
	return analysis, nil
}

func (a *Analyzer) similaritySearch(ctx context.Context, tipperID, text string, run *analysisRun) []*model.SimilarityResult {
	if a.index == nil {
		run.fail("similarity search", fmt.Errorf("%w: no tipper index", helper.ErrNotConfigured))
		return nil
	}

	// one extra result leaves room for the tipper itself
	results, err := a.index.Search(ctx, text, model.SearchConfig{TopK: a.similarTopK + 1})
	switch {
	case errors.Is(err, helper.ErrEmptyIndex):
		run.logger.Warn("Tipper index is empty, analyzing without history")
		run.note(fmt.Sprintf("similarity search: %v", err))
		return nil
	case err != nil:
		run.fail("similarity search", err)
		return nil
	}

	similar := make([]*model.SimilarityResult, 0, len(results))
	for _, result := range results {
		if tipperID != "" && result.Document.ID == tipperID {
			continue
		}
		similar = append(similar, result)
	}
	if len(similar) > a.similarTopK {
		similar = similar[:a.similarTopK]
	}
	return similar
}

// extractEntities runs the extractor and resolves malware families through the catalog
func (a *Analyzer) extractEntities(ctx context.Context, text string, run *analysisRun) (entities model.ExtractedEntities) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				run.fail("entity extraction", fmt.Errorf("extractor panicked: %v", r))
				entities = model.ExtractedEntities{}
			}
		}()
		entities = a.extract(text)
	}()

	if a.catalog == nil {
		return entities
	}
	families, err := a.catalog.MalwareFamiliesIn(ctx, text)
	if err != nil {
		run.fail("malware families", err)
		return entities
	}
	return entities.WithMalwareFamilies(families)
}

func (a *Analyzer) enrich(ctx context.Context, entities model.ExtractedEntities, run *analysisRun) map[string]interface{} {
	if a.enricher == nil {
		return map[string]interface{}{}
	}

	ctx, cancel := context.WithTimeout(ctx, a.enrichTimeout)
	defer cancel()

	enrichment, err := a.enricher.Enrich(ctx, entities)
	if errors.Is(err, helper.ErrNotConfigured) {
		run.logger.Debug("Enrichment not configured", slog.Any("error", err))
		return map[string]interface{}{}
	}
	if err != nil {
		run.fail("enrichment", err)
		return map[string]interface{}{}
	}
	if enrichment == nil {
		enrichment = map[string]interface{}{}
	}
	return enrichment
}

// filterNotable drops new indicators the reputation checker confirms as benign.
// Values whose check fails are kept.
func (a *Analyzer) filterNotable(ctx context.Context, items []model.SeenItem, run *analysisRun) []model.SeenItem {
	if a.reputation == nil || len(items) == 0 {
		return items
	}

	keep := make([]bool, len(items))
	g := new(errgroup.Group)
	g.SetLimit(8)
	for i, item := range items {
		g.Go(func() error {
			notable, err := a.reputation.IsNotable(ctx, item.Value, model.IOCType(item.Type))
			if err != nil {
				run.logger.Warn("Reputation check failed, keeping value", slog.String("value", item.Value), slog.Any("error", err))
				keep[i] = true
				return nil
			}
			keep[i] = notable
			return nil
		})
	}
	_ = g.Wait()

	filtered := make([]model.SeenItem, 0, len(items))
	for i, item := range items {
		if keep[i] {
			filtered = append(filtered, item)
		}
	}
	return filtered
}

func (a *Analyzer) startBackgroundHunt(ctx context.Context, tipperID string, entities model.ExtractedEntities) {
	if a.hunter == nil || len(entities.IOCs()) == 0 {
		return
	}

	a.hunts.Add(1)
	go func() {
		defer a.hunts.Done()
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("Background hunt panicked", slog.String("tipper_id", tipperID), slog.Any("panic", r))
			}
		}()

		huntCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.huntTimeout)
		defer cancel()

		result := a.hunter.Hunt(huntCtx, entities, a.huntOptions)
		result.TipperID = tipperID
		a.logger.Info(
			"Background hunt finished",
			slog.String("tipper_id", tipperID),
			slog.String("hunt_id", result.HuntID.String()),
			slog.Int("total_hits", result.TotalHits),
			slog.Any("errors", result.Errors),
		)
		if a.onHuntComplete != nil {
			a.onHuntComplete(result)
		}
	}()
}

func tipperText(ticket *model.Ticket) string {
	if ticket.Title == "" {
		return ticket.Description
	}
	return ticket.Title + "\n\n" + ticket.Description
}
