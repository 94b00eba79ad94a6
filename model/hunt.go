package model

import (
	"time"

	"github.com/google/uuid"
)

// Bounds for the per-hit context collected by a hunt
const (
	MaxHitHosts   = 10
	MaxHitUsers   = 10
	MaxHitContext = 5
)

// SourceKind is the kind of telemetry a hunt source searches
type SourceKind string

const (
	SourceKindEndpoint SourceKind = "endpoint"
	SourceKindEmail    SourceKind = "email"
	SourceKindNetwork  SourceKind = "network"
	SourceKindSIEM     SourceKind = "siem"
)

// IOCHit aggregates all telemetry events matching one indicator
type IOCHit struct {
	Value     string    `json:"value"`
	Type      IOCType   `json:"type"`
	HitCount  int       `json:"hit_count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Sources   []string  `json:"sources"`
	Hosts     []string  `json:"hosts,omitempty"`
	Users     []string  `json:"users,omitempty"`
	Context   []string  `json:"context,omitempty"`
}

// ToolHuntResult is the result of hunting in one source
type ToolHuntResult struct {
	Source    string        `json:"source"`
	Kind      SourceKind    `json:"kind"`
	Hits      []*IOCHit     `json:"hits"`
	TotalHits int           `json:"total_hits"`
	Queried   []IOCType     `json:"queried"`
	Errors    []string      `json:"errors,omitempty"`
	Duration  time.Duration `json:"duration"`
	Completed bool          `json:"completed"`
}

// IOCHuntResult is the aggregate result of a hunt over all sources
type IOCHuntResult struct {
	HuntID       uuid.UUID                  `json:"hunt_id"`
	TipperID     string                     `json:"tipper_id,omitempty"`
	StartedAt    time.Time                  `json:"started_at"`
	FinishedAt   time.Time                  `json:"finished_at"`
	Sources      map[string]*ToolHuntResult `json:"sources"`
	Hits         []*IOCHit                  `json:"hits"`
	TotalHits    int                        `json:"total_hits"`
	SearchedIOCs int                        `json:"searched_iocs"`
	Errors       []string                   `json:"errors,omitempty"`
	Cancelled    bool                       `json:"cancelled"`
}

// HuntOptions configures a single hunt
type HuntOptions struct {
	Lookback      time.Duration `json:"lookback"`
	SourceTimeout time.Duration `json:"source_timeout"`
	// Sources restricts the hunt to the named sources, empty means all.
	Sources []string `json:"sources,omitempty"`
	// Types restricts the hunt to the given IOC types, empty means all.
	Types []IOCType `json:"types,omitempty"`
	// OnSourceComplete is called once per source after all its searches resolved.
	OnSourceComplete func(result *ToolHuntResult) `json:"-"`
}

// DefaultHuntOptions returns the default hunt options
func DefaultHuntOptions() HuntOptions {
	return HuntOptions{
		Lookback:      30 * 24 * time.Hour,
		SourceTimeout: 2 * time.Minute,
	}
}
