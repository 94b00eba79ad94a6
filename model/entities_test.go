package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractedEntities(t *testing.T) {
	entities := ExtractedEntities{
		IPs:     []string{"185.141.25.20"},
		Domains: []string{"malware-c2.ru"},
		Hashes: Hashes{
			SHA256: []string{"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		},
		ThreatActors:    []ThreatActor{{Name: "Fancy Bear", Canonical: "APT28"}, {Name: "UNC1234"}},
		MitreTechniques: []string{"T1059.001"},
	}

	t.Run("Count and IsEmpty", func(t *testing.T) {
		assert.Equal(t, 6, entities.Count())
		assert.False(t, entities.IsEmpty())
		assert.True(t, ExtractedEntities{}.IsEmpty())
	})

	t.Run("IOCs omits empty types", func(t *testing.T) {
		iocs := entities.IOCs()
		assert.Len(t, iocs, 3)
		assert.Equal(t, []string{"185.141.25.20"}, iocs[IOCTypeIP])
		assert.Equal(t, []string{"malware-c2.ru"}, iocs[IOCTypeDomain])
		assert.Contains(t, iocs, IOCTypeSHA256)
		assert.NotContains(t, iocs, IOCTypeURL)
	})

	t.Run("ActorNames prefers canonical names", func(t *testing.T) {
		assert.Equal(t, []string{"APT28", "UNC1234"}, entities.ActorNames())
	})

	t.Run("WithMalwareFamilies returns a copy", func(t *testing.T) {
		withFamilies := entities.WithMalwareFamilies([]string{"QakBot", "Emotet", "qakbot"})
		assert.Equal(t, []string{"Emotet", "QakBot"}, withFamilies.MalwareFamilies)
		assert.Empty(t, entities.MalwareFamilies, "Expected original snapshot to stay unchanged")
	})
}

func TestSortedUnique(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{"nil input", nil, []string{}},
		{"drops blanks", []string{"", " ", "b"}, []string{"b"}},
		{"case-insensitive duplicates", []string{"Emotet", "emotet", "AgentTesla"}, []string{"AgentTesla", "Emotet"}},
		{"sorted output", []string{"c", "a", "b"}, []string{"a", "b", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SortedUnique(tt.input))
		})
	}
}
