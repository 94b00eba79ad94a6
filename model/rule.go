package model

import (
	"time"
)

// DetectionRule is a detection rule exported from a security platform
type DetectionRule struct {
	RuleID          string    `json:"rule_id"`
	Platform        string    `json:"platform"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	RuleType        string    `json:"rule_type"`
	Enabled         bool      `json:"enabled"`
	Severity        string    `json:"severity"`
	Tags            []string  `json:"tags"`
	MalwareFamilies []string  `json:"malware_families"`
	ThreatActors    []string  `json:"threat_actors"`
	MitreTechniques []string  `json:"mitre_techniques"`
	CreatedAt       time.Time `json:"created_at"`
	ModifiedAt      time.Time `json:"modified_at"`
}

// DocumentID is the id of the rule inside the rules index
func (r *DetectionRule) DocumentID() string {
	return r.Platform + ":" + r.RuleID
}

// Document converts the rule into an indexable document.
// Malware families, actors and techniques are indexed as tags.
func (r *DetectionRule) Document() *IndexedDocument {
	tags := make([]string, 0, len(r.Tags)+len(r.MalwareFamilies)+len(r.ThreatActors)+len(r.MitreTechniques))
	tags = append(tags, r.Tags...)
	tags = append(tags, r.MalwareFamilies...)
	tags = append(tags, r.ThreatActors...)
	tags = append(tags, r.MitreTechniques...)

	updated := r.ModifiedAt
	if updated.IsZero() {
		updated = r.CreatedAt
	}

	return &IndexedDocument{
		ID:         r.DocumentID(),
		Collection: CollectionRules,
		Name:       r.Name,
		Text:       r.Description,
		Category:   r.RuleType,
		Tags:       SortedUnique(tags),
		Metadata: Metadata{
			"platform":         r.Platform,
			"rule_id":          r.RuleID,
			"severity":         r.Severity,
			"enabled":          r.Enabled,
			"malware_families": r.MalwareFamilies,
		},
		UpdatedAt: updated,
	}
}

// RuleCacheFile is the persisted rules cache of one platform
type RuleCacheFile struct {
	Platform  string          `json:"platform"`
	UpdatedAt time.Time       `json:"updated_at"`
	Rules     []DetectionRule `json:"rules"`
}

// PlatformSyncResult is the outcome of syncing a single platform
type PlatformSyncResult struct {
	Platform     string        `json:"platform"`
	RulesFetched int           `json:"rules_fetched"`
	RulesCached  int           `json:"rules_cached"`
	RulesTotal   int           `json:"rules_total"`
	UsedCache    bool          `json:"used_cache"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// SyncReport summarizes a full rules sync
type SyncReport struct {
	Platforms      []PlatformSyncResult `json:"platforms"`
	RulesPublished int                  `json:"rules_published"`
	Rebuilt        bool                 `json:"rebuilt"`
	Errors         []string             `json:"errors,omitempty"`
	StartedAt      time.Time            `json:"started_at"`
	FinishedAt     time.Time            `json:"finished_at"`
}
