package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/siherrmann/tipper/core/rules"
	"github.com/siherrmann/tipper/helper"
	"github.com/siherrmann/tipper/model"
)

type historyDoc struct {
	id   string
	text string
}

// entityHistory indexes the entities of similar historical tippers by value
type entityHistory struct {
	documents int
	docs      []historyDoc
	iocs      map[string][]string
	actors    map[string][]string
}

// delta splits the entities of a tipper into new and familiar ones
type delta struct {
	NewIOCs         []model.SeenItem
	FamiliarIOCs    []model.SeenItem
	NewMalware      []string
	FamiliarMalware []model.SeenItem
	NewActors       []string
	FamiliarActors  []model.SeenItem
}

func iocKey(iocType model.IOCType, value string) string {
	return string(iocType) + ":" + strings.ToLower(value)
}

// buildHistory re-extracts the entities of similar documents.
// The analyzed tipper is never part of its own history.
func (a *Analyzer) buildHistory(similar []*model.SimilarityResult, tipperID string) *entityHistory {
	history := &entityHistory{iocs: map[string][]string{}, actors: map[string][]string{}}
	for _, result := range similar {
		doc := result.Document
		if doc == nil || (tipperID != "" && doc.ID == tipperID) {
			continue
		}
		text := doc.EmbeddingText()
		history.documents++
		history.docs = append(history.docs, historyDoc{id: doc.ID, text: text})

		entities, ok := a.safeExtract(text)
		if !ok {
			a.logger.Warn("Skipping entities of historical tipper", slog.String("document_id", doc.ID))
			continue
		}
		for iocType, values := range entities.IOCs() {
			for _, value := range values {
				key := iocKey(iocType, value)
				history.iocs[key] = append(history.iocs[key], doc.ID)
			}
		}
		for _, actor := range entities.ThreatActors {
			for _, name := range []string{actor.DisplayName(), actor.Name} {
				key := strings.ToLower(name)
				history.actors[key] = append(history.actors[key], doc.ID)
			}
		}
	}
	return history
}

func (a *Analyzer) safeExtract(text string) (entities model.ExtractedEntities, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			entities, ok = model.ExtractedEntities{}, false
		}
	}()
	return a.extract(text), true
}

// computeDelta compares the entities of a tipper with its history.
// Familiar items carry the ids of the documents they were seen in.
func computeDelta(entities model.ExtractedEntities, history *entityHistory) delta {
	d := delta{
		NewIOCs:         []model.SeenItem{},
		FamiliarIOCs:    []model.SeenItem{},
		NewMalware:      []string{},
		FamiliarMalware: []model.SeenItem{},
		NewActors:       []string{},
		FamiliarActors:  []model.SeenItem{},
	}

	iocs := entities.IOCs()
	for _, iocType := range model.IOCTypes {
		for _, value := range iocs[iocType] {
			item := model.SeenItem{Value: value, Type: string(iocType)}
			if ids := history.iocs[iocKey(iocType, value)]; len(ids) > 0 {
				item.SeenIn = model.SortedUnique(ids)
				d.FamiliarIOCs = append(d.FamiliarIOCs, item)
			} else {
				d.NewIOCs = append(d.NewIOCs, item)
			}
		}
	}

	for _, family := range entities.MalwareFamilies {
		var ids []string
		for _, doc := range history.docs {
			if mentions(doc.text, family) {
				ids = append(ids, doc.id)
			}
		}
		if len(ids) > 0 {
			d.FamiliarMalware = append(d.FamiliarMalware, model.SeenItem{Value: family, Type: "malware", SeenIn: model.SortedUnique(ids)})
		} else {
			d.NewMalware = append(d.NewMalware, family)
		}
	}

	seen := map[string]struct{}{}
	for _, actor := range entities.ThreatActors {
		name := actor.DisplayName()
		if _, dup := seen[strings.ToLower(name)]; dup {
			continue
		}
		seen[strings.ToLower(name)] = struct{}{}

		ids := append([]string(nil), history.actors[strings.ToLower(name)]...)
		ids = append(ids, history.actors[strings.ToLower(actor.Name)]...)
		if len(ids) > 0 {
			d.FamiliarActors = append(d.FamiliarActors, model.SeenItem{Value: name, Type: "threat_actor", SeenIn: model.SortedUnique(ids)})
		} else {
			d.NewActors = append(d.NewActors, name)
		}
	}

	return d
}

// relatedTickets returns the similar tippers at or above threshold, best first
func relatedTickets(similar []*model.SimilarityResult, tipperID string, threshold float64, limit int) []model.RelatedTicket {
	related := []model.RelatedTicket{}
	for _, result := range similar {
		if len(related) >= limit {
			break
		}
		doc := result.Document
		if doc == nil || (tipperID != "" && doc.ID == tipperID) || result.Score < threshold {
			continue
		}
		related = append(related, model.RelatedTicket{
			ID:         doc.ID,
			Title:      doc.Name,
			Similarity: result.Score,
			URL:        doc.Metadata.String("url"),
			Status:     doc.Metadata.String("status"),
		})
	}
	return related
}

// mitreCoverage maps the techniques of a tipper to covering rules.
// Without a catalog every technique is reported as a gap.
func (a *Analyzer) mitreCoverage(ctx context.Context, techniques []string, run *analysisRun) model.MitreCoverage {
	coverage := model.MitreCoverage{Covered: map[string][]string{}, Gaps: []string{}}
	if len(techniques) == 0 {
		return coverage
	}

	var catalog map[string][]string
	if a.catalog == nil {
		run.fail("mitre coverage", fmt.Errorf("%w: no rules catalog", helper.ErrNotConfigured))
	} else {
		var err error
		catalog, err = a.catalog.Coverage(ctx)
		if err != nil {
			run.fail("mitre coverage", err)
		}
	}

	for _, technique := range techniques {
		if covering := rules.CoveringRules(catalog, technique); len(covering) > 0 {
			coverage.Covered[technique] = covering
		} else {
			coverage.Gaps = append(coverage.Gaps, technique)
		}
	}
	return coverage
}

// mentions reports whether name occurs in text as a whole word, ignoring case
func mentions(text, name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	pattern, err := regexp.Compile(`(?i)(?:^|[^\w])` + regexp.QuoteMeta(name) + `(?:$|[^\w])`)
	if err != nil {
		return false
	}
	return pattern.MatchString(text)
}
