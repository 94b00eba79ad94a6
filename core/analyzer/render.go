package analyzer

import (
	"fmt"
	"html/template"
	"sort"
	"strings"

	"github.com/siherrmann/tipper/model"
)

var ticketFuncs = template.FuncMap{
	"percent": func(v float64) string { return fmt.Sprintf("%.0f%%", v*100) },
	"join":    func(values []string) string { return strings.Join(values, ", ") },
	"label":   func(l model.NoveltyLabel) string { return strings.ReplaceAll(string(l), "_", " ") },
	"techniques": func(covered map[string][]string) []string {
		keys := make([]string, 0, len(covered))
		for k := range covered {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys
	},
}

var ticketTemplate = template.Must(template.New("ticket").Funcs(ticketFuncs).Parse(`<h3>Novelty analysis: {{.Score}}/10 ({{label .Label}})</h3>
<p><b>Recommendation:</b> {{.Recommendation}}</p>
<p>{{.Summary}}</p>
{{- if .ActionableSteps}}
<h4>Actionable steps</h4>
<ul>
{{- range .ActionableSteps}}
<li>{{.}}</li>
{{- end}}
</ul>
{{- end}}
{{- if .NewIOCs}}
<h4>New indicators</h4>
<ul>
{{- range .NewIOCs}}
<li><code>{{.Value}}</code> ({{.Type}})</li>
{{- end}}
</ul>
{{- end}}
{{- if .FamiliarIOCs}}
<h4>Familiar indicators</h4>
<ul>
{{- range .FamiliarIOCs}}
<li><code>{{.Value}}</code> ({{.Type}}) seen in {{join .SeenIn}}</li>
{{- end}}
</ul>
{{- end}}
{{- if or .NewMalware .FamiliarMalware}}
<h4>Malware</h4>
<ul>
{{- range .NewMalware}}
<li>{{.}} (new)</li>
{{- end}}
{{- range .FamiliarMalware}}
<li>{{.Value}} seen in {{join .SeenIn}}</li>
{{- end}}
</ul>
{{- end}}
{{- if or .NewActors .FamiliarActors}}
<h4>Threat actors</h4>
<ul>
{{- range .NewActors}}
<li>{{.}} (new)</li>
{{- end}}
{{- range .FamiliarActors}}
<li>{{.Value}} seen in {{join .SeenIn}}</li>
{{- end}}
</ul>
{{- end}}
{{- if or .MitreCoverage.Covered .MitreCoverage.Gaps}}
<h4>MITRE coverage</h4>
<ul>
{{- range $technique := techniques .MitreCoverage.Covered}}
<li>{{$technique}}: {{join (index $.MitreCoverage.Covered $technique)}}</li>
{{- end}}
{{- range .MitreCoverage.Gaps}}
<li>{{.}}: <b>no coverage</b></li>
{{- end}}
</ul>
{{- end}}
{{- if .RelatedTickets}}
<h4>Related tickets</h4>
<ul>
{{- range .RelatedTickets}}
<li>{{if .URL}}<a href="{{.URL}}">{{.ID}}</a>{{else}}{{.ID}}{{end}} {{.Title}} ({{percent .Similarity}})</li>
{{- end}}
</ul>
{{- end}}
`))

// RenderForTicket renders an analysis as HTML for a ticket comment
func RenderForTicket(analysis *model.NoveltyAnalysis) (string, error) {
	var b strings.Builder
	if err := ticketTemplate.Execute(&b, analysis); err != nil {
		return "", err
	}
	return b.String(), nil
}

// RenderForChat renders an analysis as plain text for chat messages
func RenderForChat(analysis *model.NoveltyAnalysis) string {
	var b strings.Builder

	title := analysis.Title
	if analysis.TipperID != "" {
		title = analysis.TipperID + " " + title
	}
	fmt.Fprintf(&b, "%s\n", strings.TrimSpace(title))
	fmt.Fprintf(&b, "Novelty %d/10 (%s), %s\n", analysis.Score, strings.ReplaceAll(string(analysis.Label), "_", " "), analysis.Recommendation)
	fmt.Fprintf(&b, "%s\n", analysis.Summary)

	fmt.Fprintf(&b, "\nIndicators: %d new, %d familiar\n", len(analysis.NewIOCs), len(analysis.FamiliarIOCs))
	for _, item := range analysis.NewIOCs {
		fmt.Fprintf(&b, "  + %s (%s)\n", item.Value, item.Type)
	}
	if len(analysis.NewMalware) > 0 {
		fmt.Fprintf(&b, "New malware: %s\n", strings.Join(analysis.NewMalware, ", "))
	}
	if len(analysis.NewActors) > 0 {
		fmt.Fprintf(&b, "New actors: %s\n", strings.Join(analysis.NewActors, ", "))
	}
	if len(analysis.MitreCoverage.Gaps) > 0 {
		fmt.Fprintf(&b, "Coverage gaps: %s\n", strings.Join(analysis.MitreCoverage.Gaps, ", "))
	}
	if len(analysis.RelatedTickets) > 0 {
		b.WriteString("Related:\n")
		for _, ticket := range analysis.RelatedTickets {
			fmt.Fprintf(&b, "  - %s %s (%.0f%%)\n", ticket.ID, ticket.Title, ticket.Similarity*100)
		}
	}
	if len(analysis.ActionableSteps) > 0 {
		b.WriteString("Next steps:\n")
		for i, step := range analysis.ActionableSteps {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, step)
		}
	}
	return b.String()
}
