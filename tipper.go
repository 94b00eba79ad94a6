package tipper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/siherrmann/tipper/config"
	"github.com/siherrmann/tipper/core/analyzer"
	"github.com/siherrmann/tipper/core/hunt"
	"github.com/siherrmann/tipper/core/pipeline"
	"github.com/siherrmann/tipper/core/reputation"
	"github.com/siherrmann/tipper/core/retrieval"
	"github.com/siherrmann/tipper/core/rules"
	"github.com/siherrmann/tipper/database"
	"github.com/siherrmann/tipper/helper"
	"github.com/siherrmann/tipper/model"
	"github.com/siherrmann/tipper/provider"
	loadSql "github.com/siherrmann/tipper/sql"
	"golang.org/x/time/rate"
)

// Tipper wires the extractor, indexes, rules catalog, hunter and analyzer from one configuration
type Tipper struct {
	Config     *config.Config
	DB         *helper.Database
	Documents  *database.DocumentsDBHandler
	Extractor  *pipeline.EntityExtractor
	Tippers    *retrieval.Index
	Rules      *retrieval.Index
	RulesCache *rules.Cache
	Syncer     *rules.Syncer
	Catalog    *rules.Catalog
	Reputation reputation.Checker
	Hunter     *hunt.Hunter
	// Analyzer is nil when no LLM is configured
	Analyzer *analyzer.Analyzer

	log     *slog.Logger
	closers []func() error
}

type options struct {
	logger       *slog.Logger
	embed        pipeline.BatchEmbedFunc
	llm          analyzer.LLM
	tickets      analyzer.TicketSource
	enricher     analyzer.Enricher
	ruleSources  []rules.Source
	huntSources  []hunt.Source
	onHuntResult func(*model.IOCHuntResult)
}

// Option customizes the wiring of a Tipper
type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEmbedder replaces the configured embedder
func WithEmbedder(embed pipeline.BatchEmbedFunc) Option {
	return func(o *options) { o.embed = embed }
}

// WithLLM replaces the configured OpenAI compatible LLM
func WithLLM(llm analyzer.LLM) Option {
	return func(o *options) { o.llm = llm }
}

func WithTicketSource(tickets analyzer.TicketSource) Option {
	return func(o *options) { o.tickets = tickets }
}

func WithEnricher(enricher analyzer.Enricher) Option {
	return func(o *options) { o.enricher = enricher }
}

// WithRuleSources adds rule sources to the configured ones
func WithRuleSources(sources ...rules.Source) Option {
	return func(o *options) { o.ruleSources = append(o.ruleSources, sources...) }
}

// WithHuntSources adds hunt sources to the configured ones
func WithHuntSources(sources ...hunt.Source) Option {
	return func(o *options) { o.huntSources = append(o.huntSources, sources...) }
}

// WithHuntResultHook is called with the result of every background hunt
func WithHuntResultHook(fn func(*model.IOCHuntResult)) Option {
	return func(o *options) { o.onHuntResult = fn }
}

// New creates a Tipper from cfg. Resources opened so far are released on error.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Tipper, err error) {
	if cfg == nil {
		return nil, helper.NewError("tipper configuration", fmt.Errorf("%w: configuration is nil", helper.ErrNotConfigured))
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = helper.NewLogger(cfg.General.LogLevel)
	}

	t := &Tipper{Config: cfg, log: o.logger}
	defer func() {
		if err != nil {
			_ = t.Close()
		}
	}()

	t.Extractor = pipeline.NewEntityExtractor(
		pipeline.WithExtractorLogger(o.logger),
		pipeline.WithActorDatabase(cfg.Extractor.ActorDatabase),
		pipeline.WithBenignDomains(cfg.Extractor.BenignDomains...),
	)

	embed, dim, err := t.embedder(o)
	if err != nil {
		return nil, err
	}

	store, err := t.store(ctx, dim)
	if err != nil {
		return nil, err
	}

	indexOpts := []retrieval.IndexOption{
		retrieval.WithIndexLogger(o.logger),
		retrieval.WithEmbedBatching(cfg.Embedding.BatchSize, cfg.Embedding.Concurrency),
	}
	t.Tippers, err = retrieval.NewIndex(model.CollectionTippers, store, embed, indexOpts...)
	if err != nil {
		return nil, err
	}
	t.Rules, err = retrieval.NewIndex(model.CollectionRules, store, embed, indexOpts...)
	if err != nil {
		return nil, err
	}

	if err := t.rulesCatalog(o); err != nil {
		return nil, err
	}
	if err := t.reputation(ctx); err != nil {
		return nil, err
	}
	if err := t.hunter(o); err != nil {
		return nil, err
	}
	if err := t.analyzer(o); err != nil {
		return nil, err
	}

	t.log.Info(
		"Tipper ready",
		slog.String("store", cfg.Store.Type),
		slog.String("embedding", cfg.Embedding.Provider),
		slog.Any("hunt_sources", t.Hunter.Sources()),
		slog.Bool("analyzer", t.Analyzer != nil),
	)
	return t, nil
}

func (t *Tipper) embedder(o *options) (pipeline.BatchEmbedFunc, int, error) {
	cfg := t.Config.Embedding
	if o.embed != nil {
		return o.embed, cfg.Dimensions, nil
	}

	switch cfg.Provider {
	case "local":
		embed, destroy, err := pipeline.DefaultEmbedder(cfg.Model)
		if err != nil {
			return nil, 0, helper.NewError("local embedder", err)
		}
		t.closers = append(t.closers, destroy)
		dim := cfg.Dimensions
		if dim <= 0 {
			dim = pipeline.DefaultEmbeddingDim
		}
		return embed, dim, nil
	case "openai":
		llmConfig := t.Config.LLM
		if cfg.Model != "" {
			llmConfig.EmbeddingModel = cfg.Model
		}
		llmConfig.Dimensions = cfg.Dimensions
		client, err := provider.NewOpenAI(llmConfig, t.log)
		if err != nil {
			return nil, 0, helper.NewError("openai embedder", err)
		}
		return client.Embedder(), cfg.Dimensions, nil
	default:
		t.log.Warn("No embedder configured, similarity search is keyword only")
		return nil, cfg.Dimensions, nil
	}
}

func (t *Tipper) store(ctx context.Context, dim int) (retrieval.Store, error) {
	if t.Config.Store.Type != "postgres" {
		return retrieval.NewMemoryStore(), nil
	}

	dbConfig := &t.Config.Database
	if dbConfig.Host == "" {
		var err error
		dbConfig, err = helper.NewDatabaseConfiguration()
		if err != nil {
			return nil, err
		}
	}
	db, err := helper.NewDatabase("tipper", dbConfig, t.log)
	if err != nil {
		return nil, err
	}
	t.DB = db
	t.closers = append(t.closers, db.Close)

	if err := loadSql.Init(db.Instance); err != nil {
		return nil, helper.NewError("initialize database extensions", err)
	}
	if dim <= 0 {
		return nil, helper.NewError("document store", fmt.Errorf("%w: embedding.dimensions is required for postgres", helper.ErrNotConfigured))
	}
	t.Documents, err = database.NewDocumentsDBHandler(db, dim, false)
	if err != nil {
		return nil, helper.NewError("create documents handler", err)
	}
	if indexType := t.Config.Store.IndexType; indexType != "" && indexType != database.IndexTypeHNSW {
		if err := t.Documents.ChangeIndexType(ctx, indexType, nil); err != nil {
			return nil, err
		}
	}
	return t.Documents, nil
}

func (t *Tipper) rulesCatalog(o *options) error {
	cfg := t.Config.Rules
	cache, err := rules.NewCache(cfg.CacheDir, t.log)
	if err != nil {
		return err
	}
	t.RulesCache = cache

	sources := make([]rules.Source, 0, len(cfg.Sources)+len(o.ruleSources))
	for _, source := range cfg.Sources {
		if source.Path != "" {
			sources = append(sources, rules.NewFileSource(source.Platform, source.Path))
		} else {
			sources = append(sources, rules.NewHTTPSource(source.Platform, source.URL, source.Token, nil))
		}
	}
	sources = append(sources, o.ruleSources...)

	t.Syncer, err = rules.NewSyncer(
		sources, cache, t.Rules,
		rules.WithSyncConcurrency(cfg.Concurrency),
		rules.WithSourceTimeout(cfg.SourceTimeout),
		rules.WithSyncLogger(t.log),
	)
	if err != nil {
		return err
	}
	t.Catalog = rules.NewCatalog(cache, t.Rules, t.log)
	return nil
}

func (t *Tipper) reputation(ctx context.Context) error {
	cfg := t.Config.Reputation
	benign := make(map[model.IOCType][]string, len(cfg.Benign))
	for iocType, values := range cfg.Benign {
		benign[model.IOCType(strings.ToLower(iocType))] = values
	}
	static := reputation.NewStaticChecker(benign)
	t.Reputation = static
	if cfg.RedisURL == "" {
		return nil
	}

	client, err := reputation.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	t.closers = append(t.closers, client.Close)

	cached, err := reputation.NewCachedChecker(static, client, reputation.WithCacheTTL(cfg.CacheTTL), reputation.WithCacheLogger(t.log))
	if err != nil {
		return err
	}
	t.Reputation = cached
	return nil
}

func (t *Tipper) hunter(o *options) error {
	cfg := t.Config.Hunt
	hunterOpts := []hunt.HunterOption{
		hunt.WithHunterLogger(t.log),
		hunt.WithHuntConcurrency(cfg.Concurrency),
		hunt.WithCircuitBreaker(cfg.BreakerFailures, cfg.BreakerTimeout),
	}

	sources := make([]hunt.Source, 0, len(cfg.Sources)+len(o.huntSources))
	if len(cfg.Sources) > 0 {
		client, err := hunt.NewElasticClient(cfg.Elastic.Addresses, cfg.Elastic.APIKey, cfg.Elastic.Username, cfg.Elastic.Password)
		if err != nil {
			return err
		}
		for _, sourceConfig := range cfg.Sources {
			source, err := hunt.NewElasticSource(client, sourceConfig.ElasticSourceConfig)
			if err != nil {
				return err
			}
			sources = append(sources, source)
			if sourceConfig.RateLimit > 0 {
				hunterOpts = append(hunterOpts, hunt.WithSourceRateLimit(sourceConfig.Name, rate.Limit(sourceConfig.RateLimit), sourceConfig.Burst))
			}
		}
	}
	sources = append(sources, o.huntSources...)

	hunter, err := hunt.NewHunter(sources, hunterOpts...)
	if err != nil {
		return err
	}
	t.Hunter = hunter
	return nil
}

func (t *Tipper) analyzer(o *options) error {
	llm := o.llm
	if llm == nil {
		client, err := provider.NewOpenAI(t.Config.LLM, t.log)
		if errors.Is(err, helper.ErrNotConfigured) {
			t.log.Warn("No LLM configured, analysis is disabled")
			return nil
		}
		if err != nil {
			return err
		}
		llm = client
	}

	analyzerOpts := []analyzer.AnalyzerOption{
		analyzer.WithSimilarityIndex(t.Tippers),
		analyzer.WithRulesCatalog(t.Catalog),
		analyzer.WithReputation(t.Reputation),
		analyzer.WithHunter(t.Hunter),
		analyzer.WithAnalyzerLogger(t.log),
		analyzer.WithSimilarTopK(t.Config.Analyzer.SimilarTopK),
		analyzer.WithTimeouts(t.Config.Analyzer.LLMTimeout, t.Config.Analyzer.EnrichTimeout),
	}
	if o.tickets != nil {
		analyzerOpts = append(analyzerOpts, analyzer.WithTicketSource(o.tickets))
	}
	if o.enricher != nil {
		analyzerOpts = append(analyzerOpts, analyzer.WithEnricher(o.enricher))
	}
	if t.Config.Hunt.Background {
		analyzerOpts = append(analyzerOpts, analyzer.WithBackgroundHunt(t.HuntOptions(), t.Config.Hunt.Timeout, o.onHuntResult))
	}

	a, err := analyzer.NewAnalyzer(t.Extractor.Extract, llm, analyzerOpts...)
	if err != nil {
		return err
	}
	t.Analyzer = a
	return nil
}

// Close waits for background hunts and releases all connections
func (t *Tipper) Close() error {
	if t.Analyzer != nil {
		t.Analyzer.Wait()
	}
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	t.closers = nil
	return errors.Join(errs...)
}

// HuntOptions returns the default hunt options of the configuration
func (t *Tipper) HuntOptions() model.HuntOptions {
	opts := model.DefaultHuntOptions()
	if t.Config.Hunt.Lookback > 0 {
		opts.Lookback = t.Config.Hunt.Lookback
	}
	if t.Config.Hunt.SourceTimeout > 0 {
		opts.SourceTimeout = t.Config.Hunt.SourceTimeout
	}
	return opts
}

// Extract returns the entities of text
func (t *Tipper) Extract(text string) model.ExtractedEntities {
	return t.Extractor.Extract(text)
}

// SearchTippers searches the tipper history
func (t *Tipper) SearchTippers(ctx context.Context, query string, k int) ([]*model.SimilarityResult, error) {
	return t.Tippers.Search(ctx, query, model.SearchConfig{TopK: k})
}

// SearchRules searches the synced detection rules
func (t *Tipper) SearchRules(ctx context.Context, query string, k int) ([]*model.SimilarityResult, error) {
	return t.Catalog.SearchRules(ctx, query, k)
}

// SyncRules refreshes the rules cache from all sources and publishes the rules index
func (t *Tipper) SyncRules(ctx context.Context, rebuild bool) (*model.SyncReport, error) {
	return t.Syncer.Sync(ctx, rules.SyncOptions{Rebuild: rebuild})
}

// Analyze analyzes a stored tipper
func (t *Tipper) Analyze(ctx context.Context, tipperID string) (*model.NoveltyAnalysis, error) {
	if t.Analyzer == nil {
		return nil, helper.NewError("analyze", fmt.Errorf("%w: no llm", helper.ErrNotConfigured))
	}
	return t.Analyzer.Analyze(ctx, tipperID)
}

// AnalyzeText analyzes a tipper given as raw text
func (t *Tipper) AnalyzeText(ctx context.Context, title, text string) (*model.NoveltyAnalysis, error) {
	if t.Analyzer == nil {
		return nil, helper.NewError("analyze", fmt.Errorf("%w: no llm", helper.ErrNotConfigured))
	}
	return t.Analyzer.AnalyzeText(ctx, title, text)
}

// HuntText hunts for the indicators found in text. It works without an LLM.
func (t *Tipper) HuntText(ctx context.Context, text string, opts model.HuntOptions) (*model.IOCHuntResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, helper.NewError("hunt", fmt.Errorf("nothing to hunt for"))
	}
	return t.Hunter.Hunt(ctx, t.Extract(text), opts), nil
}

// IndexTippers adds tippers to the history index
func (t *Tipper) IndexTippers(ctx context.Context, tickets ...*model.Ticket) (int, error) {
	docs := make([]*model.IndexedDocument, 0, len(tickets))
	for _, ticket := range tickets {
		if ticket == nil || ticket.ID == "" {
			continue
		}
		docs = append(docs, ticket.Document())
	}
	if err := t.Tippers.Upsert(ctx, docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}
