package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/siherrmann/tipper/helper"
	"github.com/siherrmann/tipper/model"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSyncConcurrency   = 3
	defaultSyncSourceTimeout = 2 * time.Minute
)

// RuleIndex is the similarity index rules are published to
type RuleIndex interface {
	Upsert(ctx context.Context, docs []*model.IndexedDocument) error
	Rebuild(ctx context.Context, docs []*model.IndexedDocument) error
	Search(ctx context.Context, query string, config model.SearchConfig) ([]*model.SimilarityResult, error)
}

// SyncOptions configures a single sync
type SyncOptions struct {
	// Rebuild deletes the rules index before publishing
	Rebuild bool
}

// Syncer fetches rules from all sources, merges them into the cache and publishes them
type Syncer struct {
	sources       []Source
	cache         *Cache
	index         RuleIndex
	logger        *slog.Logger
	concurrency   int
	sourceTimeout time.Duration

	// serializes syncs inside this process, the cache lock covers other processes
	mu sync.Mutex
}

// SyncerOption configures a Syncer
type SyncerOption func(*Syncer)

// WithSyncConcurrency limits the number of sources fetched at once
func WithSyncConcurrency(n int) SyncerOption {
	return func(s *Syncer) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithSourceTimeout sets the deadline of a single source fetch
func WithSourceTimeout(d time.Duration) SyncerOption {
	return func(s *Syncer) {
		if d > 0 {
			s.sourceTimeout = d
		}
	}
}

// WithSyncLogger sets the logger
func WithSyncLogger(logger *slog.Logger) SyncerOption {
	return func(s *Syncer) { s.logger = logger }
}

// NewSyncer creates a Syncer. index may be nil to only refresh the cache.
func NewSyncer(sources []Source, cache *Cache, index RuleIndex, opts ...SyncerOption) (*Syncer, error) {
	if cache == nil {
		return nil, helper.NewError("syncer validation", fmt.Errorf("cache is nil"))
	}
	s := &Syncer{
		sources:       sources,
		cache:         cache,
		index:         index,
		logger:        slog.Default(),
		concurrency:   defaultSyncConcurrency,
		sourceTimeout: defaultSyncSourceTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sync fetches every source in parallel and merges the result into its cache file.
// A failing source falls back to its cached rules. The merged rules of all
// platforms are then published to the rules index.
func (s *Syncer) Sync(ctx context.Context, opts SyncOptions) (*model.SyncReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.cache.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := unlock(); err != nil {
			s.logger.Warn("Failed to release rules cache lock", slog.Any("error", err))
		}
	}()

	report := &model.SyncReport{
		Platforms: make([]model.PlatformSyncResult, len(s.sources)),
		StartedAt: time.Now().UTC(),
	}
	merged := make([][]model.DetectionRule, len(s.sources))

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for i, source := range s.sources {
		g.Go(func() error {
			report.Platforms[i], merged[i] = s.syncSource(ctx, source)
			return nil
		})
	}
	_ = g.Wait()

	var all []model.DetectionRule
	for i, result := range report.Platforms {
		all = append(all, merged[i]...)
		if result.Error != "" {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", result.Platform, result.Error))
		}
	}

	var publishErr error
	if s.index != nil {
		publishErr = s.publish(ctx, all, opts.Rebuild)
		if publishErr != nil {
			report.Errors = append(report.Errors, publishErr.Error())
		} else {
			report.RulesPublished = len(all)
			report.Rebuilt = opts.Rebuild
			rulesPublished.Set(float64(len(all)))
		}
	}

	report.FinishedAt = time.Now().UTC()
	s.logger.Info(
		"Synced detection rules",
		slog.Int("platforms", len(report.Platforms)),
		slog.Int("published", report.RulesPublished),
		slog.Int("errors", len(report.Errors)),
		slog.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
	)

	return report, publishErr
}

// syncSource runs fetch, merge and save for one source
func (s *Syncer) syncSource(ctx context.Context, source Source) (model.PlatformSyncResult, []model.DetectionRule) {
	start := time.Now()
	platform := source.Platform()
	result := model.PlatformSyncResult{Platform: platform}
	logger := s.logger.With(slog.String("platform", platform))

	cached, cacheErr := s.cache.Load(platform)
	if cacheErr != nil {
		logger.Warn("Ignoring corrupt rules cache", slog.Any("error", cacheErr))
	}
	result.RulesCached = len(cached.Rules)

	fetched, fetchErr := s.fetch(ctx, source)
	var rules []model.DetectionRule
	outcome := "fetched"
	switch {
	case fetchErr == nil:
		result.RulesFetched = len(fetched)
		rules = Merge(cached.Rules, fetched)
		err := s.cache.Save(&model.RuleCacheFile{
			Platform:  platform,
			UpdatedAt: time.Now().UTC(),
			Rules:     rules,
		})
		if err != nil {
			logger.Error("Failed to save rules cache", slog.Any("error", err))
			result.Error = err.Error()
		}
	case len(cached.Rules) > 0:
		outcome = "cache_fallback"
		logger.Warn("Fetch failed, using cached rules", slog.Any("error", fetchErr), slog.Int("cached", len(cached.Rules)))
		rules = cached.Rules
		result.UsedCache = true
		result.Error = fetchErr.Error()
	default:
		outcome = "empty"
		logger.Error("Fetch failed and no cached rules", slog.Any("error", fetchErr))
		result.Error = fetchErr.Error()
	}

	for i := range rules {
		if rules[i].Platform == "" {
			rules[i].Platform = platform
		}
	}

	result.RulesTotal = len(rules)
	result.Duration = time.Since(start)
	syncPlatformTotal.WithLabelValues(platform, outcome).Inc()
	syncDuration.WithLabelValues(platform).Observe(result.Duration.Seconds())

	return result, rules
}

// fetch calls the source with its own deadline and recovers adapter panics
func (s *Syncer) fetch(ctx context.Context, source Source) (rules []model.DetectionRule, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.sourceTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			rules, err = nil, fmt.Errorf("source panicked: %v", r)
		}
	}()
	return source.FetchRules(ctx)
}

func (s *Syncer) publish(ctx context.Context, rules []model.DetectionRule, rebuild bool) error {
	docs := make([]*model.IndexedDocument, 0, len(rules))
	for i := range rules {
		docs = append(docs, rules[i].Document())
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })

	if rebuild {
		return helper.NewError("rebuild rules index", s.index.Rebuild(ctx, docs))
	}
	return helper.NewError("publish rules", s.index.Upsert(ctx, docs))
}
