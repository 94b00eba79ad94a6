package model

import (
	"fmt"
	"time"
)

type NoveltyLabel string

const (
	NoveltyLabelNovel          NoveltyLabel = "NOVEL"
	NoveltyLabelMostlyNovel    NoveltyLabel = "MOSTLY_NOVEL"
	NoveltyLabelMostlyFamiliar NoveltyLabel = "MOSTLY_FAMILIAR"
	NoveltyLabelFamiliar       NoveltyLabel = "FAMILIAR"
)

var NoveltyLabels = []NoveltyLabel{
	NoveltyLabelNovel,
	NoveltyLabelMostlyNovel,
	NoveltyLabelMostlyFamiliar,
	NoveltyLabelFamiliar,
}

type Recommendation string

const (
	RecommendationPrioritize     Recommendation = "PRIORITIZE"
	RecommendationStandardTriage Recommendation = "STANDARD_TRIAGE"
	RecommendationDeprioritize   Recommendation = "DEPRIORITIZE"
)

var Recommendations = []Recommendation{
	RecommendationPrioritize,
	RecommendationStandardTriage,
	RecommendationDeprioritize,
}

// Analysis stages, used as keys of NoveltyAnalysis.Timings
const (
	StageFetch            = "fetch"
	StageSimilaritySearch = "similarity_search"
	StageEntityExtraction = "entity_extraction"
	StageEnrich           = "enrich"
	StageBuildHistory     = "build_history"
	StageComputeGaps      = "compute_gaps"
	StageLLMScore         = "llm_score"
	StageAssemble         = "assemble"
)

// LLMJudgement is the qualitative part of an analysis returned by the LLM
type LLMJudgement struct {
	Score          int            `json:"score"`
	Label          NoveltyLabel   `json:"label"`
	Summary        string         `json:"summary"`
	Recommendation Recommendation `json:"recommendation"`
}

// Validate checks the judgement against the allowed values
func (j *LLMJudgement) Validate() error {
	if j.Score < 1 || j.Score > 10 {
		return fmt.Errorf("score %d out of range 1-10", j.Score)
	}
	validLabel := false
	for _, l := range NoveltyLabels {
		if j.Label == l {
			validLabel = true
			break
		}
	}
	if !validLabel {
		return fmt.Errorf("invalid label %q", j.Label)
	}
	validRecommendation := false
	for _, r := range Recommendations {
		if j.Recommendation == r {
			validRecommendation = true
			break
		}
	}
	if !validRecommendation {
		return fmt.Errorf("invalid recommendation %q", j.Recommendation)
	}
	if j.Summary == "" {
		return fmt.Errorf("summary is empty")
	}
	return nil
}

// SeenItem is a value of the current tipper together with where it was seen before
type SeenItem struct {
	Value  string   `json:"value"`
	Type   string   `json:"type"`
	SeenIn []string `json:"seen_in,omitempty"`
}

// RelatedTicket references a historical tipper similar to the analyzed one
type RelatedTicket struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Similarity float64 `json:"similarity"`
	URL        string  `json:"url,omitempty"`
	Status     string  `json:"status,omitempty"`
}

// MitreCoverage maps techniques of the tipper to covering rules
type MitreCoverage struct {
	Covered map[string][]string `json:"covered"`
	Gaps    []string            `json:"gaps"`
}

// NoveltyAnalysis is the result of analyzing a tipper.
// It is built once per request and not modified afterwards.
type NoveltyAnalysis struct {
	TipperID        string                   `json:"tipper_id"`
	Title           string                   `json:"title"`
	Created         time.Time                `json:"created"`
	Score           int                      `json:"score"`
	Label           NoveltyLabel             `json:"label"`
	Summary         string                   `json:"summary"`
	Recommendation  Recommendation           `json:"recommendation"`
	NewIOCs         []SeenItem               `json:"new_iocs"`
	FamiliarIOCs    []SeenItem               `json:"familiar_iocs"`
	NewMalware      []string                 `json:"new_malware"`
	FamiliarMalware []SeenItem               `json:"familiar_malware"`
	NewActors       []string                 `json:"new_actors"`
	FamiliarActors  []SeenItem               `json:"familiar_actors"`
	RelatedTickets  []RelatedTicket          `json:"related_tickets"`
	MitreCoverage   MitreCoverage            `json:"mitre_coverage"`
	ActionableSteps []string                 `json:"actionable_steps"`
	Enrichment      map[string]interface{}   `json:"enrichment,omitempty"`
	Entities        ExtractedEntities        `json:"entities"`
	SimilarCount    int                      `json:"similar_count"`
	Errors          []string                 `json:"errors,omitempty"`
	Timings         map[string]time.Duration `json:"timings"`
	AnalyzedAt      time.Time                `json:"analyzed_at"`
}
