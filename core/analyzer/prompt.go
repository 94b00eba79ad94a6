package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/siherrmann/tipper/helper"
	"github.com/siherrmann/tipper/model"
)

const maxPromptTextChars = 6000

// JudgementSchema is the JSON schema the LLM answer has to follow
func JudgementSchema() map[string]interface{} {
	labels := make([]string, 0, len(model.NoveltyLabels))
	for _, label := range model.NoveltyLabels {
		labels = append(labels, string(label))
	}
	recommendations := make([]string, 0, len(model.Recommendations))
	for _, recommendation := range model.Recommendations {
		recommendations = append(recommendations, string(recommendation))
	}

	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"score":          map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 10},
			"label":          map[string]interface{}{"type": "string", "enum": labels},
			"summary":        map[string]interface{}{"type": "string"},
			"recommendation": map[string]interface{}{"type": "string", "enum": recommendations},
		},
		"required":             []string{"score", "label", "summary", "recommendation"},
		"additionalProperties": false,
	}
}

var promptFuncs = template.FuncMap{
	"join": func(values []string) string {
		if len(values) == 0 {
			return "none"
		}
		return strings.Join(values, ", ")
	},
	"joinSeen": func(items []model.SeenItem) string {
		if len(items) == 0 {
			return "none"
		}
		parts := make([]string, 0, len(items))
		for _, item := range items {
			parts = append(parts, fmt.Sprintf("%s (seen in %s)", item.Value, strings.Join(item.SeenIn, ", ")))
		}
		return strings.Join(parts, "; ")
	},
}

var promptTemplate = template.Must(template.New("prompt").Funcs(promptFuncs).Parse(`You are a threat intelligence analyst. Rate how novel the following threat report is compared to the reports the team has already handled.

Score 1 means everything was seen before, 10 means nothing was seen before.
Answer with a score, a label, a summary of at most three sentences and a recommendation.

## Report: {{.Title}}
{{.Text}}

## Compared to history
Similar historical reports: {{.SimilarCount}}
{{- range .Related}}
- {{.ID}} "{{.Title}}" (similarity {{printf "%.2f" .Similarity}})
{{- end}}

New indicators: {{len .Delta.NewIOCs}}, familiar indicators: {{len .Delta.FamiliarIOCs}}
New malware: {{join .Delta.NewMalware}}
Familiar malware: {{joinSeen .Delta.FamiliarMalware}}
New threat actors: {{join .Delta.NewActors}}
Familiar threat actors: {{joinSeen .Delta.FamiliarActors}}
MITRE techniques without detection coverage: {{join .Coverage.Gaps}}
`))

type promptData struct {
	Title        string
	Text         string
	SimilarCount int
	Related      []model.RelatedTicket
	Delta        delta
	Coverage     model.MitreCoverage
}

func buildPrompt(ticket *model.Ticket, similarCount int, d delta, related []model.RelatedTicket, coverage model.MitreCoverage) (string, error) {
	text := ticket.Description
	if runes := []rune(text); len(runes) > maxPromptTextChars {
		text = string(runes[:maxPromptTextChars]) + "..."
	}
	title := ticket.Title
	if title == "" {
		title = "(untitled)"
	}

	var b strings.Builder
	err := promptTemplate.Execute(&b, promptData{
		Title:        title,
		Text:         text,
		SimilarCount: similarCount,
		Related:      related,
		Delta:        d,
		Coverage:     coverage,
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// score asks the LLM for the qualitative judgement. Any failure is an helper.ErrLLM.
func (a *Analyzer) score(ctx context.Context, ticket *model.Ticket, similarCount int, d delta, related []model.RelatedTicket, coverage model.MitreCoverage) (*model.LLMJudgement, error) {
	prompt, err := buildPrompt(ticket, similarCount, d, related, coverage)
	if err != nil {
		return nil, helper.NewError("build prompt", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.llmTimeout)
	defer cancel()

	raw, err := a.llm.GenerateStructured(ctx, prompt, JudgementSchema())
	if err != nil {
		return nil, helper.NewError("llm score", helper.Classify(helper.ErrLLM, err))
	}

	judgement, err := parseJudgement(raw)
	if err != nil {
		return nil, helper.NewError("llm score", fmt.Errorf("%w: %w", helper.ErrLLM, err))
	}
	return judgement, nil
}

// parseJudgement decodes and validates an LLM answer.
// Markdown code fences around the JSON are tolerated.
func parseJudgement(raw []byte) (*model.LLMJudgement, error) {
	raw = bytes.TrimSpace(raw)
	if bytes.HasPrefix(raw, []byte("```")) {
		raw = bytes.TrimPrefix(raw, []byte("```json"))
		raw = bytes.TrimPrefix(raw, []byte("```"))
		raw = bytes.TrimSuffix(bytes.TrimSpace(raw), []byte("```"))
	}

	judgement := &model.LLMJudgement{}
	if err := json.Unmarshal(raw, judgement); err != nil {
		return nil, fmt.Errorf("decode judgement: %w", err)
	}
	judgement.Label = model.NoveltyLabel(strings.ToUpper(strings.TrimSpace(string(judgement.Label))))
	judgement.Recommendation = model.Recommendation(strings.ToUpper(strings.TrimSpace(string(judgement.Recommendation))))
	judgement.Summary = strings.TrimSpace(judgement.Summary)

	if err := judgement.Validate(); err != nil {
		return nil, err
	}
	return judgement, nil
}
