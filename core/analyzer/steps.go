package analyzer

import (
	"fmt"
	"strings"

	"github.com/siherrmann/tipper/model"
)

const maxListedValues = 5

// actionableSteps derives follow-up work from the deterministic facts of an analysis
func actionableSteps(d delta, related []model.RelatedTicket, coverage model.MitreCoverage) []string {
	var steps []string

	if len(d.NewIOCs) > 0 {
		steps = append(steps, fmt.Sprintf("Hunt for %d new indicator(s) across telemetry: %s", len(d.NewIOCs), listValues(seenValues(d.NewIOCs))))
	}
	if len(coverage.Gaps) > 0 {
		steps = append(steps, fmt.Sprintf("Build detection coverage for uncovered MITRE techniques: %s", listValues(coverage.Gaps)))
	}
	if len(d.NewMalware) > 0 {
		steps = append(steps, fmt.Sprintf("Add detection content for malware not seen before: %s", listValues(d.NewMalware)))
	}
	if len(d.NewActors) > 0 {
		steps = append(steps, fmt.Sprintf("Profile threat actors not seen before: %s", listValues(d.NewActors)))
	}
	if len(d.FamiliarIOCs) > 0 {
		steps = append(steps, fmt.Sprintf("Review the handling of %d familiar indicator(s) in %s", len(d.FamiliarIOCs), listValues(seenIn(d.FamiliarIOCs))))
	}
	if len(related) > 0 {
		ids := make([]string, 0, len(related))
		for _, ticket := range related {
			ids = append(ids, ticket.ID)
		}
		steps = append(steps, fmt.Sprintf("Compare with related tickets: %s", listValues(ids)))
	}

	if len(steps) == 0 {
		steps = append(steps, "No new indicators or coverage gaps found, continue with standard triage")
	}
	return steps
}

func seenValues(items []model.SeenItem) []string {
	values := make([]string, 0, len(items))
	for _, item := range items {
		values = append(values, item.Value)
	}
	return values
}

func seenIn(items []model.SeenItem) []string {
	var ids []string
	for _, item := range items {
		ids = append(ids, item.SeenIn...)
	}
	return model.SortedUnique(ids)
}

// listValues joins the first values and counts the rest
func listValues(values []string) string {
	if len(values) <= maxListedValues {
		return strings.Join(values, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(values[:maxListedValues], ", "), len(values)-maxListedValues)
}
