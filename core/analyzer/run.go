package analyzer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// analysisRun collects stage timings and degraded stage errors of one analysis
type analysisRun struct {
	logger *slog.Logger

	mu      sync.Mutex
	timings map[string]time.Duration
	errors  []string
}

func newRun(logger *slog.Logger) *analysisRun {
	return &analysisRun{logger: logger, timings: map[string]time.Duration{}}
}

func (r *analysisRun) stage(name string, fn func()) {
	start := time.Now()
	fn()
	r.record(name, time.Since(start))
}

func (r *analysisRun) record(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timings[name] = d
}

// fail records a stage that degraded to an empty result
func (r *analysisRun) fail(trace string, err error) {
	r.logger.Warn("Analysis stage degraded", slog.String("stage", trace), slog.Any("error", err))
	r.note(fmt.Sprintf("%s: %v", trace, err))
}

func (r *analysisRun) note(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, message)
}

func (r *analysisRun) result() ([]string, map[string]time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	timings := make(map[string]time.Duration, len(r.timings))
	for k, v := range r.timings {
		timings[k] = v
	}
	return append([]string(nil), r.errors...), timings
}
