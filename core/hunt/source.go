package hunt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/siherrmann/tipper/model"
)

// Window is the time range a hunt searches
type Window struct {
	Start time.Time
	End   time.Time
}

// RawHit is a single telemetry event returned by a source.
// Value is the indicator the event matched.
type RawHit struct {
	Value     string
	Timestamp time.Time
	Host      string
	User      string

	// endpoint telemetry
	Process     string
	CommandLine string
	// email telemetry
	Sender  string
	Subject string
	// network telemetry
	ThreatName string
	Action     string

	// Context overrides the kind specific context line when set
	Context string
}

// Source searches one telemetry backend for indicators.
// Search is called once per IOC type with all values of that type.
type Source interface {
	Name() string
	Kind() model.SourceKind
	SupportedTypes() []model.IOCType
	Search(ctx context.Context, iocType model.IOCType, values []string, window Window) ([]RawHit, error)
}

// contextLine renders the free-form context of a hit for the kind of its source
func (h *RawHit) contextLine(kind model.SourceKind) string {
	if h.Context != "" {
		return h.Context
	}

	switch kind {
	case model.SourceKindEndpoint:
		return joinNonEmpty(": ", h.Process, h.CommandLine)
	case model.SourceKindEmail:
		if h.Sender == "" && h.Subject == "" {
			return ""
		}
		return fmt.Sprintf("from %s: %s", orDash(h.Sender), orDash(h.Subject))
	case model.SourceKindNetwork:
		if h.Action == "" {
			return h.ThreatName
		}
		return fmt.Sprintf("%s (%s)", orDash(h.ThreatName), h.Action)
	default:
		return joinNonEmpty(" | ", h.Process, h.CommandLine, h.Sender, h.Subject, h.ThreatName, h.Action)
	}
}

func joinNonEmpty(sep string, values ...string) string {
	parts := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			parts = append(parts, value)
		}
	}
	return strings.Join(parts, sep)
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
