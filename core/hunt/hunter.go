package hunt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/siherrmann/tipper/helper"
	"github.com/siherrmann/tipper/model"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultHuntConcurrency = 5
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = time.Minute
)

var errCancelled = errors.New("hunt cancelled before source finished")

// managedSource is a source with its own breaker and optional rate limit
type managedSource struct {
	Source
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

type rateLimit struct {
	limit rate.Limit
	burst int
}

// Hunter fans out IOC searches over all configured telemetry sources
type Hunter struct {
	sources         []*managedSource
	logger          *slog.Logger
	concurrency     int
	breakerFailures uint32
	breakerTimeout  time.Duration
	limits          map[string]rateLimit
}

// HunterOption configures a Hunter
type HunterOption func(*Hunter)

// WithHunterLogger sets the logger
func WithHunterLogger(logger *slog.Logger) HunterOption {
	return func(h *Hunter) { h.logger = logger }
}

// WithHuntConcurrency limits the number of sources searched at once
func WithHuntConcurrency(n int) HunterOption {
	return func(h *Hunter) {
		if n > 0 {
			h.concurrency = n
		}
	}
}

// WithCircuitBreaker opens a source's breaker after failures consecutive
// failed searches and keeps it open for timeout.
func WithCircuitBreaker(failures uint32, timeout time.Duration) HunterOption {
	return func(h *Hunter) {
		if failures > 0 {
			h.breakerFailures = failures
		}
		if timeout > 0 {
			h.breakerTimeout = timeout
		}
	}
}

// WithSourceRateLimit limits the searches per second sent to the named source
func WithSourceRateLimit(source string, limit rate.Limit, burst int) HunterOption {
	return func(h *Hunter) {
		if burst < 1 {
			burst = 1
		}
		h.limits[source] = rateLimit{limit: limit, burst: burst}
	}
}

// NewHunter creates a Hunter. Source names must be unique and non-empty.
func NewHunter(sources []Source, opts ...HunterOption) (*Hunter, error) {
	h := &Hunter{
		logger:          slog.Default(),
		concurrency:     defaultHuntConcurrency,
		breakerFailures: defaultBreakerFailures,
		breakerTimeout:  defaultBreakerTimeout,
		limits:          map[string]rateLimit{},
	}
	for _, opt := range opts {
		opt(h)
	}

	seen := map[string]struct{}{}
	for _, source := range sources {
		if source == nil {
			continue
		}
		name := source.Name()
		if name == "" {
			return nil, helper.NewError("hunter validation", fmt.Errorf("source without name"))
		}
		if _, ok := seen[name]; ok {
			return nil, helper.NewError("hunter validation", fmt.Errorf("duplicate source %q", name))
		}
		seen[name] = struct{}{}

		managed := &managedSource{Source: source, breaker: h.newBreaker(name)}
		if limit, ok := h.limits[name]; ok {
			managed.limiter = rate.NewLimiter(limit.limit, limit.burst)
		}
		h.sources = append(h.sources, managed)
	}

	return h, nil
}

func (h *Hunter) newBreaker(name string) *gobreaker.CircuitBreaker {
	failures := h.breakerFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     h.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// a cancelled hunt says nothing about the health of the source
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			h.logger.Warn("Hunt source circuit breaker changed state",
				slog.String("source", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
}

// Sources returns the names of the configured sources
func (h *Hunter) Sources() []string {
	names := make([]string, 0, len(h.sources))
	for _, source := range h.sources {
		names = append(names, source.Name())
	}
	sort.Strings(names)
	return names
}

// Hunt searches every source for the IOCs of entities and aggregates the hits.
// It never fails. Source failures are recorded in the per-source and the overall errors.
// If ctx is cancelled the sources that already finished are kept and Cancelled is set.
func (h *Hunter) Hunt(ctx context.Context, entities model.ExtractedEntities, opts model.HuntOptions) *model.IOCHuntResult {
	defaults := model.DefaultHuntOptions()
	if opts.Lookback <= 0 {
		opts.Lookback = defaults.Lookback
	}
	if opts.SourceTimeout <= 0 {
		opts.SourceTimeout = defaults.SourceTimeout
	}

	result := &model.IOCHuntResult{
		HuntID:    uuid.New(),
		StartedAt: time.Now().UTC(),
		Sources:   map[string]*model.ToolHuntResult{},
		Hits:      []*model.IOCHit{},
	}
	logger := h.logger.With(slog.String("hunt_id", result.HuntID.String()))

	iocs := selectTypes(entities.IOCs(), opts.Types)
	for _, values := range iocs {
		result.SearchedIOCs += len(values)
	}
	window := Window{Start: result.StartedAt.Add(-opts.Lookback), End: result.StartedAt}

	sources, unknown := h.selectSources(opts.Sources)
	for _, name := range unknown {
		result.Errors = append(result.Errors, fmt.Sprintf("unknown source %q", name))
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(h.concurrency)
	for _, source := range sources {
		types := queryTypes(source.SupportedTypes(), iocs)
		if len(types) == 0 {
			logger.Debug("Skipping hunt source without matching IOCs", slog.String("source", source.Name()))
			continue
		}

		g.Go(func() error {
			toolResult := h.huntSource(ctx, source, types, iocs, window, opts.SourceTimeout)

			mu.Lock()
			result.Sources[toolResult.Source] = toolResult
			mu.Unlock()

			h.notify(opts.OnSourceComplete, toolResult, logger)
			return nil
		})
	}
	_ = g.Wait()

	names := make([]string, 0, len(result.Sources))
	for name := range result.Sources {
		names = append(names, name)
	}
	sort.Strings(names)

	toolResults := make([]*model.ToolHuntResult, 0, len(names))
	for _, name := range names {
		toolResult := result.Sources[name]
		toolResults = append(toolResults, toolResult)
		for _, err := range toolResult.Errors {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", name, err))
		}
	}

	result.Hits = mergeHits(toolResults)
	result.TotalHits = len(result.Hits)
	result.Cancelled = ctx.Err() != nil
	result.FinishedAt = time.Now().UTC()

	logger.Info(
		"Finished IOC hunt",
		slog.Int("sources", len(result.Sources)),
		slog.Int("searched_iocs", result.SearchedIOCs),
		slog.Int("total_hits", result.TotalHits),
		slog.Int("errors", len(result.Errors)),
		slog.Bool("cancelled", result.Cancelled),
	)
	return result
}

// huntSource runs one batched search per IOC type concurrently under the source deadline
func (h *Hunter) huntSource(ctx context.Context, source *managedSource, types []model.IOCType, iocs map[model.IOCType][]string, window Window, timeout time.Duration) *model.ToolHuntResult {
	start := time.Now()
	name := source.Name()
	result := &model.ToolHuntResult{
		Source:  name,
		Kind:    source.Kind(),
		Queried: types,
		Hits:    []*model.IOCHit{},
	}

	if ctx.Err() != nil {
		result.Errors = []string{errCancelled.Error()}
		searchesTotal.WithLabelValues(name, "cancelled").Add(float64(len(types)))
		return result
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	agg := newAggregator(name, source.Kind())
	var mu sync.Mutex
	g := new(errgroup.Group)
	for _, iocType := range types {
		g.Go(func() error {
			hits, err := h.search(sctx, source, iocType, iocs[iocType], window)
			searchesTotal.WithLabelValues(name, outcome(ctx, err)).Inc()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", iocType, err))
				return nil
			}
			agg.add(iocType, iocs[iocType], hits)
			return nil
		})
	}
	_ = g.Wait()

	result.Completed = ctx.Err() == nil
	if !result.Completed {
		result.Errors = append(result.Errors, errCancelled.Error())
	}
	sort.Strings(result.Errors)
	result.Hits = agg.result()
	result.TotalHits = len(result.Hits)
	result.Duration = time.Since(start)

	sourceDuration.WithLabelValues(name).Observe(result.Duration.Seconds())
	hitsTotal.WithLabelValues(name).Add(float64(result.TotalHits))

	level := slog.LevelInfo
	if len(result.Errors) > 0 {
		level = slog.LevelWarn
	}
	h.logger.Log(ctx, level, "Hunt source finished",
		slog.String("source", name),
		slog.Int("hits", result.TotalHits),
		slog.Any("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result
}

// search waits for the rate limiter and runs the source through its breaker
func (h *Hunter) search(ctx context.Context, source *managedSource, iocType model.IOCType, values []string, window Window) ([]RawHit, error) {
	if source.limiter != nil {
		if err := source.limiter.Wait(ctx); err != nil {
			return nil, helper.Classify(helper.ErrTransient, err)
		}
	}

	out, err := source.breaker.Execute(func() (interface{}, error) {
		return safeSearch(ctx, source.Source, iocType, values, window)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = helper.Classify(helper.ErrTransient, err)
		}
		return nil, err
	}

	hits, _ := out.([]RawHit)
	return hits, nil
}

func safeSearch(ctx context.Context, source Source, iocType model.IOCType, values []string, window Window) (hits []RawHit, err error) {
	defer func() {
		if r := recover(); r != nil {
			hits, err = nil, fmt.Errorf("source panicked: %v", r)
		}
	}()
	return source.Search(ctx, iocType, values, window)
}

func (h *Hunter) notify(callback func(*model.ToolHuntResult), result *model.ToolHuntResult, logger *slog.Logger) {
	if callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Hunt source callback panicked", slog.String("source", result.Source), slog.Any("panic", r))
		}
	}()
	callback(result)
}

func (h *Hunter) selectSources(names []string) ([]*managedSource, []string) {
	if len(names) == 0 {
		return h.sources, nil
	}

	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[strings.ToLower(name)] = false
	}

	var selected []*managedSource
	for _, source := range h.sources {
		key := strings.ToLower(source.Name())
		if _, ok := wanted[key]; ok {
			wanted[key] = true
			selected = append(selected, source)
		}
	}

	var unknown []string
	for name, found := range wanted {
		if !found {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	return selected, unknown
}

func selectTypes(iocs map[model.IOCType][]string, types []model.IOCType) map[model.IOCType][]string {
	if len(types) == 0 {
		return iocs
	}
	selected := make(map[model.IOCType][]string, len(types))
	for _, iocType := range types {
		if values, ok := iocs[iocType]; ok {
			selected[iocType] = values
		}
	}
	return selected
}

// queryTypes returns the supported types that have values, in model.IOCTypes order
func queryTypes(supported []model.IOCType, iocs map[model.IOCType][]string) []model.IOCType {
	ok := make(map[model.IOCType]struct{}, len(supported))
	for _, iocType := range supported {
		ok[iocType] = struct{}{}
	}

	var types []model.IOCType
	for _, iocType := range model.IOCTypes {
		if _, supported := ok[iocType]; supported && len(iocs[iocType]) > 0 {
			types = append(types, iocType)
		}
	}
	return types
}

func outcome(parent context.Context, err error) string {
	switch {
	case err == nil:
		return "success"
	case parent.Err() != nil:
		return "cancelled"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	default:
		return "error"
	}
}
