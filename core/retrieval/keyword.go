package retrieval

import (
	"strings"
	"unicode"
)

const (
	maxQueryTerms  = 32
	minTermLength  = 3
	maxPhraseChars = 200
	snippetChars   = 160
)

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {}, "from": {},
	"are": {}, "was": {}, "were": {}, "has": {}, "have": {}, "had": {}, "been": {},
	"not": {}, "but": {}, "its": {}, "into": {}, "over": {}, "via": {}, "using": {},
	"used": {}, "which": {}, "their": {}, "they": {}, "them": {}, "also": {}, "any": {},
	"all": {}, "can": {}, "our": {}, "you": {}, "your": {}, "will": {}, "would": {},
	"such": {}, "than": {}, "then": {}, "there": {}, "these": {}, "those": {}, "when": {},
	"where": {}, "who": {}, "what": {}, "how": {}, "about": {}, "after": {}, "before": {},
	"being": {}, "other": {}, "some": {}, "more": {}, "most": {}, "may": {}, "might": {},
}

// QueryTerms splits a query into lower-cased search terms.
// The whole query comes first as a phrase, followed by distinct tokens.
func QueryTerms(query string) []string {
	phrase := strings.ToLower(strings.Join(strings.Fields(query), " "))
	if phrase == "" {
		return nil
	}

	terms := make([]string, 0, maxQueryTerms)
	seen := map[string]struct{}{}
	if len(phrase) >= minTermLength && len(phrase) <= maxPhraseChars {
		terms = append(terms, phrase)
		seen[phrase] = struct{}{}
	}

	tokens := strings.FieldsFunc(phrase, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '.' && r != '_' && r != '@'
	})
	for _, token := range tokens {
		if len(terms) >= maxQueryTerms {
			break
		}
		token = strings.Trim(token, ".-_")
		if len(token) < minTermLength {
			continue
		}
		if _, stop := stopwords[token]; stop {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		terms = append(terms, token)
	}
	return terms
}

// normalizeKeywordScore maps a raw keyword score into [0.5, 0.95].
// An exact name match scores 1.0.
func normalizeKeywordScore(raw float64, termCount int, name, query string) float64 {
	if strings.EqualFold(strings.TrimSpace(name), strings.TrimSpace(query)) {
		return 1.0
	}
	if termCount <= 0 || raw <= 0 {
		return 0.5
	}
	ratio := raw / float64(weightTotal*termCount)
	if ratio > 1 {
		ratio = 1
	}
	return 0.5 + 0.45*ratio
}

// snippet returns text around the first term hit, or the start of text
func snippet(text string, terms []string) string {
	lower := strings.ToLower(text)
	start := -1
	for _, term := range terms {
		if i := strings.Index(lower, term); i >= 0 && (start < 0 || i < start) {
			start = i
		}
	}
	if start < 0 || start > len(text) {
		start = 0
	} else {
		start -= snippetChars / 4
		if start < 0 {
			start = 0
		}
	}

	runes := []rune(text[start:])
	for start > 0 && len(runes) > 0 && runes[0] == unicode.ReplacementChar {
		runes = runes[1:]
	}
	if len(runes) > snippetChars {
		runes = runes[:snippetChars]
		return strings.TrimSpace(string(runes)) + "..."
	}
	return strings.TrimSpace(string(runes))
}
