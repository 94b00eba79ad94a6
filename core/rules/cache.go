package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/siherrmann/tipper/helper"
	"github.com/siherrmann/tipper/model"
)

const (
	cacheFileSuffix = ".json"
	lockFileName    = ".sync.lock"
	lockRetryDelay  = 100 * time.Millisecond
)

var unsafePlatformChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Cache stores the detection rules of every platform in one JSON file per platform
type Cache struct {
	dir    string
	logger *slog.Logger
}

// NewCache creates the cache directory if needed
func NewCache(dir string, logger *slog.Logger) (*Cache, error) {
	if dir == "" {
		return nil, helper.NewError("cache validation", fmt.Errorf("%w: cache directory is empty", helper.ErrNotConfigured))
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, helper.NewError("create cache directory", err)
	}
	return &Cache{dir: dir, logger: logger}, nil
}

// Dir returns the cache directory
func (c *Cache) Dir() string {
	return c.dir
}

func (c *Cache) path(platform string) string {
	name := unsafePlatformChars.ReplaceAllString(strings.ToLower(platform), "_")
	return filepath.Join(c.dir, name+cacheFileSuffix)
}

// Load reads the cache file of a platform.
// A missing file yields an empty cache and no error, a corrupt file an empty cache and an error.
func (c *Cache) Load(platform string) (*model.RuleCacheFile, error) {
	empty := &model.RuleCacheFile{Platform: platform, Rules: []model.DetectionRule{}}

	b, err := os.ReadFile(c.path(platform))
	if errors.Is(err, os.ErrNotExist) {
		return empty, nil
	}
	if err != nil {
		return empty, helper.NewError("read cache", err)
	}

	file := &model.RuleCacheFile{}
	if err := json.Unmarshal(b, file); err != nil {
		return empty, helper.NewError(fmt.Sprintf("decode cache of %s", platform), err)
	}
	if file.Platform == "" {
		file.Platform = platform
	}
	if file.Rules == nil {
		file.Rules = []model.DetectionRule{}
	}
	return file, nil
}

// Save writes the cache file atomically through a temporary file and rename
func (c *Cache) Save(file *model.RuleCacheFile) error {
	if file == nil || file.Platform == "" {
		return helper.NewError("save cache", fmt.Errorf("cache file without platform"))
	}
	if file.UpdatedAt.IsZero() {
		file.UpdatedAt = time.Now().UTC()
	}

	b, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return helper.NewError("encode cache", err)
	}

	tmp, err := os.CreateTemp(c.dir, ".rules-*.tmp")
	if err != nil {
		return helper.NewError("create temp file", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return helper.NewError("write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return helper.NewError("sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return helper.NewError("close temp file", err)
	}
	if err := os.Rename(tmpName, c.path(file.Platform)); err != nil {
		return helper.NewError("rename cache file", err)
	}
	return nil
}

// Platforms lists the platforms that have a cache file
func (c *Cache) Platforms() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, helper.NewError("read cache directory", err)
	}

	var platforms []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, cacheFileSuffix) {
			continue
		}
		platforms = append(platforms, strings.TrimSuffix(name, cacheFileSuffix))
	}
	sort.Strings(platforms)
	return platforms, nil
}

// LoadAll reads every cache file. Corrupt files are skipped and reported in the joined error.
func (c *Cache) LoadAll() ([]*model.RuleCacheFile, error) {
	platforms, err := c.Platforms()
	if err != nil {
		return nil, err
	}

	var files []*model.RuleCacheFile
	var errs []error
	for _, platform := range platforms {
		file, err := c.Load(platform)
		if err != nil {
			c.logger.Warn("Skipping corrupt rules cache", slog.String("platform", platform), slog.Any("error", err))
			errs = append(errs, err)
			continue
		}
		files = append(files, file)
	}
	return files, errors.Join(errs...)
}

// Lock takes the cross-process sync lock of the cache directory.
// It blocks until the lock is acquired or ctx is done.
func (c *Cache) Lock(ctx context.Context) (func() error, error) {
	fileLock := flock.New(filepath.Join(c.dir, lockFileName))
	locked, err := fileLock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, helper.NewError("lock rules cache", err)
	}
	if !locked {
		return nil, helper.NewError("lock rules cache", fmt.Errorf("lock not acquired"))
	}
	return fileLock.Unlock, nil
}

// Merge combines cached and fetched rules by rule id.
// Fetched rules replace cached ones with the same id, cached-only rules are kept.
// The result is sorted by rule id.
func Merge(cached, fetched []model.DetectionRule) []model.DetectionRule {
	byID := make(map[string]model.DetectionRule, len(cached)+len(fetched))
	for _, rule := range cached {
		byID[rule.RuleID] = rule
	}
	for _, rule := range fetched {
		byID[rule.RuleID] = rule
	}

	merged := make([]model.DetectionRule, 0, len(byID))
	for _, rule := range byID {
		merged = append(merged, rule)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].RuleID < merged[j].RuleID
	})
	return merged
}
