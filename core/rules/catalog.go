package rules

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/siherrmann/tipper/helper"
	"github.com/siherrmann/tipper/model"
)

const familySearchTopK = 25

// Catalog answers coverage and malware family questions over the synced rules
type Catalog struct {
	cache  *Cache
	index  RuleIndex
	logger *slog.Logger
}

// NewCatalog creates a Catalog. index may be nil, family lookups then fail with ErrNotConfigured.
func NewCatalog(cache *Cache, index RuleIndex, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{cache: cache, index: index, logger: logger}
}

// Coverage maps each MITRE technique to the names of enabled rules covering it
func (c *Catalog) Coverage(ctx context.Context) (map[string][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.cache == nil {
		return nil, helper.NewError("coverage", fmt.Errorf("%w: no rules cache", helper.ErrNotConfigured))
	}

	files, err := c.cache.LoadAll()
	if err != nil && len(files) == 0 {
		return nil, helper.NewError("coverage", err)
	}

	names := map[string][]string{}
	for _, file := range files {
		for _, rule := range file.Rules {
			if !rule.Enabled {
				continue
			}
			for _, technique := range rule.MitreTechniques {
				technique = strings.ToUpper(strings.TrimSpace(technique))
				if technique != "" {
					names[technique] = append(names[technique], rule.Name)
				}
			}
		}
	}

	coverage := make(map[string][]string, len(names))
	for technique, ruleNames := range names {
		coverage[technique] = model.SortedUnique(ruleNames)
	}
	return coverage, nil
}

// CoveringRules returns the rules covering technique. A sub-technique such as
// T1059.001 is also covered by rules for its parent T1059.
func CoveringRules(coverage map[string][]string, technique string) []string {
	technique = strings.ToUpper(technique)
	covering := append([]string(nil), coverage[technique]...)
	if parent, _, ok := strings.Cut(technique, "."); ok {
		covering = append(covering, coverage[parent]...)
	}
	return model.SortedUnique(covering)
}

// MalwareFamiliesIn resolves malware families mentioned in text through the rules index.
// The families of all cached enabled rules are checked as well, so a family named
// late in a long text is not lost to query term limits.
// Only families whose name occurs in text are returned.
func (c *Catalog) MalwareFamiliesIn(ctx context.Context, text string) ([]string, error) {
	if c.index == nil {
		return nil, helper.NewError("malware families", fmt.Errorf("%w: no rules index", helper.ErrNotConfigured))
	}
	if strings.TrimSpace(text) == "" {
		return []string{}, nil
	}

	results, err := c.index.Search(ctx, text, model.SearchConfig{TopK: familySearchTopK})
	if err != nil {
		return nil, helper.NewError("malware families", err)
	}

	candidates := map[string]string{}
	for _, result := range results {
		for _, family := range result.Document.Metadata.Strings("malware_families") {
			addCandidate(candidates, family)
		}
	}
	for _, family := range c.cachedFamilies() {
		addCandidate(candidates, family)
	}

	var families []string
	for _, family := range candidates {
		if mentions(text, family) {
			families = append(families, family)
		}
	}
	return model.SortedUnique(families), nil
}

// cachedFamilies lists the malware families of all enabled cached rules
func (c *Catalog) cachedFamilies() []string {
	if c.cache == nil {
		return nil
	}
	files, err := c.cache.LoadAll()
	if err != nil {
		c.logger.Warn("Failed to load rules cache for malware families", slog.Any("error", err))
	}

	var families []string
	for _, file := range files {
		for _, rule := range file.Rules {
			if rule.Enabled {
				families = append(families, rule.MalwareFamilies...)
			}
		}
	}
	return families
}

// addCandidate keeps the first spelling of a family name
func addCandidate(candidates map[string]string, family string) {
	family = strings.TrimSpace(family)
	key := strings.ToLower(family)
	if _, ok := candidates[key]; !ok && family != "" {
		candidates[key] = family
	}
}

// SearchRules returns the rules most similar to query
func (c *Catalog) SearchRules(ctx context.Context, query string, k int) ([]*model.SimilarityResult, error) {
	if c.index == nil {
		return nil, helper.NewError("search rules", fmt.Errorf("%w: no rules index", helper.ErrNotConfigured))
	}
	results, err := c.index.Search(ctx, query, model.SearchConfig{TopK: k})
	if err != nil {
		return nil, helper.NewError("search rules", err)
	}
	return results, nil
}

// mentions reports whether name occurs in text as a whole word, ignoring case
func mentions(text, name string) bool {
	name = strings.TrimSpace(name)
	if len(name) < 3 {
		return false
	}
	pattern, err := regexp.Compile(`(?i)(?:^|[^\w])` + regexp.QuoteMeta(name) + `(?:$|[^\w])`)
	if err != nil {
		return false
	}
	return pattern.MatchString(text)
}
