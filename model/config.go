package model

// SearchConfig represents configuration for a similarity query
type SearchConfig struct {
	TopK     int               `json:"top_k"`
	MinScore float64           `json:"min_score,omitempty"`
	Filter   map[string]string `json:"filter,omitempty"` // Metadata equality filter
}

// DefaultSearchConfig returns a sensible default configuration
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		TopK:     10,
		MinScore: 0,
	}
}
