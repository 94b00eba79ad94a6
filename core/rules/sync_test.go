package rules

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/siherrmann/tipper/core/retrieval"
	"github.com/siherrmann/tipper/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	platform string
	rules    []model.DetectionRule
	err      error
	delay    time.Duration
	panics   bool
	calls    atomic.Int32
}

func (s *stubSource) Platform() string { return s.platform }

func (s *stubSource) FetchRules(ctx context.Context) ([]model.DetectionRule, error) {
	s.calls.Add(1)
	if s.panics {
		panic("adapter bug")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.rules, s.err
}

func newRulesIndex(t *testing.T) *retrieval.Index {
	index, err := retrieval.NewIndex(model.CollectionRules, retrieval.NewMemoryStore(), nil)
	require.NoError(t, err)
	return index
}

func platformResult(t *testing.T, report *model.SyncReport, platform string) model.PlatformSyncResult {
	for _, result := range report.Platforms {
		if result.Platform == platform {
			return result
		}
	}
	t.Fatalf("no result for platform %s", platform)
	return model.PlatformSyncResult{}
}

func TestSyncerSync(t *testing.T) {
	ctx := context.Background()

	t.Run("Failing platform keeps cached rules, healthy platform is refreshed", func(t *testing.T) {
		cache := newTestCache(t)
		require.NoError(t, cache.Save(&model.RuleCacheFile{Platform: "a", Rules: []model.DetectionRule{rule("a1", "cached A1"), rule("a2", "cached A2")}}))
		require.NoError(t, cache.Save(&model.RuleCacheFile{Platform: "b", Rules: []model.DetectionRule{rule("b1", "old B1"), rule("b0", "cached-only B0")}}))

		sourceA := &stubSource{platform: "a", err: errors.New("vendor outage")}
		sourceB := &stubSource{platform: "b", rules: []model.DetectionRule{rule("b1", "fresh B1"), rule("b2", "fresh B2")}}
		index := newRulesIndex(t)

		syncer, err := NewSyncer([]Source{sourceA, sourceB}, cache, index)
		require.NoError(t, err)

		report, err := syncer.Sync(ctx, SyncOptions{})
		require.NoError(t, err)

		resultA := platformResult(t, report, "a")
		assert.True(t, resultA.UsedCache)
		assert.Equal(t, 0, resultA.RulesFetched)
		assert.Equal(t, 2, resultA.RulesTotal)
		assert.Contains(t, resultA.Error, "vendor outage")

		resultB := platformResult(t, report, "b")
		assert.False(t, resultB.UsedCache)
		assert.Equal(t, 2, resultB.RulesFetched)
		assert.Equal(t, 2, resultB.RulesCached)
		assert.Equal(t, 3, resultB.RulesTotal)

		assert.Equal(t, 5, report.RulesPublished)
		assert.Len(t, report.Errors, 1)

		fileB, err := cache.Load("b")
		require.NoError(t, err)
		require.Len(t, fileB.Rules, 3)
		assert.Equal(t, "cached-only B0", fileB.Rules[0].Name)
		assert.Equal(t, "fresh B1", fileB.Rules[1].Name)

		count, err := index.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, count)
	})

	t.Run("Missing cache and failing fetch yields zero rules without error", func(t *testing.T) {
		cache := newTestCache(t)
		source := &stubSource{platform: "email", err: errors.New("401 unauthorized")}

		syncer, err := NewSyncer([]Source{source}, cache, newRulesIndex(t))
		require.NoError(t, err)

		report, err := syncer.Sync(ctx, SyncOptions{})
		require.NoError(t, err)
		result := platformResult(t, report, "email")
		assert.Equal(t, 0, result.RulesFetched)
		assert.Equal(t, 0, result.RulesTotal)
		assert.False(t, result.UsedCache)
		assert.NotEmpty(t, result.Error)
		assert.Equal(t, 0, report.RulesPublished)
	})

	t.Run("Corrupt cache and failing fetch yields zero rules", func(t *testing.T) {
		cache := newTestCache(t)
		require.NoError(t, writeFile(cache, "edr", "{corrupt"))
		source := &stubSource{platform: "edr", err: errors.New("timeout")}

		syncer, err := NewSyncer([]Source{source}, cache, nil)
		require.NoError(t, err)

		report, err := syncer.Sync(ctx, SyncOptions{})
		require.NoError(t, err)
		assert.Equal(t, 0, platformResult(t, report, "edr").RulesTotal)
	})

	t.Run("Panicking and slow sources are contained", func(t *testing.T) {
		cache := newTestCache(t)
		panicking := &stubSource{platform: "panic", panics: true}
		slow := &stubSource{platform: "slow", delay: time.Second}
		healthy := &stubSource{platform: "ok", rules: []model.DetectionRule{rule("o1", "OK")}}

		syncer, err := NewSyncer([]Source{panicking, slow, healthy}, cache, newRulesIndex(t), WithSourceTimeout(50*time.Millisecond))
		require.NoError(t, err)

		report, err := syncer.Sync(ctx, SyncOptions{})
		require.NoError(t, err)
		assert.Contains(t, platformResult(t, report, "panic").Error, "panicked")
		assert.Contains(t, platformResult(t, report, "slow").Error, "deadline")
		assert.Equal(t, 1, platformResult(t, report, "ok").RulesTotal)
		assert.Equal(t, 1, report.RulesPublished)
	})

	t.Run("Rebuild replaces the index", func(t *testing.T) {
		cache := newTestCache(t)
		index := newRulesIndex(t)
		require.NoError(t, index.Upsert(ctx, []*model.IndexedDocument{{ID: "stale:1", Name: "stale"}}))

		source := &stubSource{platform: "edr", rules: []model.DetectionRule{rule("r1", "Fresh")}}
		syncer, err := NewSyncer([]Source{source}, cache, index)
		require.NoError(t, err)

		report, err := syncer.Sync(ctx, SyncOptions{Rebuild: true})
		require.NoError(t, err)
		assert.True(t, report.Rebuilt)

		count, err := index.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("Concurrent syncs are serialized", func(t *testing.T) {
		cache := newTestCache(t)
		source := &stubSource{platform: "edr", rules: []model.DetectionRule{rule("r1", "R")}, delay: 20 * time.Millisecond}
		syncer, err := NewSyncer([]Source{source}, cache, nil)
		require.NoError(t, err)

		done := make(chan error, 3)
		for i := 0; i < 3; i++ {
			go func() {
				_, err := syncer.Sync(ctx, SyncOptions{})
				done <- err
			}()
		}
		for i := 0; i < 3; i++ {
			assert.NoError(t, <-done)
		}
		assert.Equal(t, int32(3), source.calls.Load())
	})

	t.Run("Nil cache", func(t *testing.T) {
		_, err := NewSyncer(nil, nil, nil)
		assert.Error(t, err)
	})
}

func writeFile(cache *Cache, platform, content string) error {
	return writeRaw(cache.path(platform), content)
}
