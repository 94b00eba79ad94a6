package retrieval

import (
	"strings"
	"testing"

	"github.com/siherrmann/tipper/model"
	"github.com/stretchr/testify/assert"
)

func TestQueryTerms(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		expected []string
	}{
		{"empty", "  ", nil},
		{"single token", "QakBot", []string{"qakbot"}},
		{"phrase and tokens", "QakBot loader for the win", []string{"qakbot loader for the win", "qakbot", "loader", "win"}},
		{"indicators keep dots and dashes", "beacon to malware-c2.ru.", []string{"beacon to malware-c2.ru.", "beacon", "malware-c2.ru"}},
		{"short tokens dropped", "a b cd", []string{"a b cd"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, QueryTerms(tt.query))
		})
	}

	t.Run("Terms are capped", func(t *testing.T) {
		words := make([]string, 50)
		for i := range words {
			words[i] = "word" + strings.Repeat("x", i)
		}
		assert.Len(t, QueryTerms(strings.Join(words, " ")), maxQueryTerms)
	})
}

func TestKeywordScore(t *testing.T) {
	doc := &model.IndexedDocument{Name: "QakBot Loader", Tags: []string{"Banking"}, Category: "malware", Text: "dll sideloading"}

	assert.Equal(t, float64(weightName), KeywordScore(doc, []string{"qakbot"}))
	assert.Equal(t, float64(weightTags), KeywordScore(doc, []string{"banking"}))
	assert.Equal(t, float64(weightCategory), KeywordScore(doc, []string{"malware"}))
	assert.Equal(t, float64(weightText), KeywordScore(doc, []string{"sideloading"}))
	assert.Equal(t, float64(weightName+weightText), KeywordScore(doc, []string{"load"}))
	assert.Equal(t, 0.0, KeywordScore(doc, []string{"emotet"}))
}

func TestNormalizeKeywordScore(t *testing.T) {
	assert.Equal(t, 1.0, normalizeKeywordScore(5, 1, "QakBot", " qakbot "))
	assert.InDelta(t, 0.5+0.45*5.0/12.0, normalizeKeywordScore(5, 1, "QakBot loader", "qakbot"), 1e-9)
	assert.InDelta(t, 0.95, normalizeKeywordScore(100, 1, "x", "y"), 1e-9)
	assert.Equal(t, 0.5, normalizeKeywordScore(0, 0, "x", "y"))
}

func TestSnippet(t *testing.T) {
	t.Run("Around first hit", func(t *testing.T) {
		text := strings.Repeat("filler ", 40) + "QakBot appears here" + strings.Repeat(" tail", 40)
		s := snippet(text, []string{"qakbot"})
		assert.Contains(t, s, "QakBot appears here")
		assert.True(t, strings.HasSuffix(s, "..."))
	})

	t.Run("Start of text without hit", func(t *testing.T) {
		assert.Equal(t, "short text", snippet("short text", []string{"missing"}))
	})
}
