package hunt

import (
	"sort"
	"strings"
	"time"

	"github.com/siherrmann/tipper/model"
)

// aggregator folds raw events of one source into one hit per indicator
type aggregator struct {
	source string
	kind   model.SourceKind
	hits   map[string]*model.IOCHit
}

func newAggregator(source string, kind model.SourceKind) *aggregator {
	return &aggregator{source: source, kind: kind, hits: map[string]*model.IOCHit{}}
}

func hitKey(iocType model.IOCType, value string) string {
	return string(iocType) + "\x00" + strings.ToLower(value)
}

// add records raw events. Event values are mapped back to the spelling that was queried,
// values that were not queried are dropped.
func (a *aggregator) add(iocType model.IOCType, queried []string, raw []RawHit) {
	spelling := make(map[string]string, len(queried))
	for _, value := range queried {
		spelling[strings.ToLower(value)] = value
	}

	for i := range raw {
		value := strings.TrimSpace(raw[i].Value)
		if value == "" {
			continue
		}
		queriedValue, ok := spelling[strings.ToLower(value)]
		if !ok {
			continue
		}
		value = queriedValue

		key := hitKey(iocType, value)
		hit, ok := a.hits[key]
		if !ok {
			hit = &model.IOCHit{Value: value, Type: iocType, Sources: []string{a.source}}
			a.hits[key] = hit
		}
		hit.HitCount++
		observe(hit, raw[i].Timestamp, raw[i].Timestamp)
		hit.Hosts = appendBounded(hit.Hosts, raw[i].Host, model.MaxHitHosts)
		hit.Users = appendBounded(hit.Users, raw[i].User, model.MaxHitUsers)
		hit.Context = appendBounded(hit.Context, raw[i].contextLine(a.kind), model.MaxHitContext)
	}
}

func (a *aggregator) result() []*model.IOCHit {
	hits := make([]*model.IOCHit, 0, len(a.hits))
	for _, hit := range a.hits {
		hits = append(hits, hit)
	}
	sortHits(hits)
	return hits
}

// mergeHits combines the hits of several sources into one hit per indicator
func mergeHits(results []*model.ToolHuntResult) []*model.IOCHit {
	merged := map[string]*model.IOCHit{}
	for _, result := range results {
		for _, hit := range result.Hits {
			key := hitKey(hit.Type, hit.Value)
			target, ok := merged[key]
			if !ok {
				target = &model.IOCHit{Value: hit.Value, Type: hit.Type}
				merged[key] = target
			}
			target.HitCount += hit.HitCount
			target.Sources = appendUnique(target.Sources, hit.Sources...)
			observe(target, hit.FirstSeen, hit.LastSeen)
			for _, host := range hit.Hosts {
				target.Hosts = appendBounded(target.Hosts, host, model.MaxHitHosts)
			}
			for _, user := range hit.Users {
				target.Users = appendBounded(target.Users, user, model.MaxHitUsers)
			}
			for _, line := range hit.Context {
				target.Context = appendBounded(target.Context, line, model.MaxHitContext)
			}
		}
	}

	hits := make([]*model.IOCHit, 0, len(merged))
	for _, hit := range merged {
		sort.Strings(hit.Sources)
		hits = append(hits, hit)
	}
	sortHits(hits)
	return hits
}

// sortHits orders by hit count descending, then type and value
func sortHits(hits []*model.IOCHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].HitCount != hits[j].HitCount {
			return hits[i].HitCount > hits[j].HitCount
		}
		if hits[i].Type != hits[j].Type {
			return hits[i].Type < hits[j].Type
		}
		return hits[i].Value < hits[j].Value
	})
}

func observe(hit *model.IOCHit, first, last time.Time) {
	if !first.IsZero() && (hit.FirstSeen.IsZero() || first.Before(hit.FirstSeen)) {
		hit.FirstSeen = first
	}
	if !last.IsZero() && last.After(hit.LastSeen) {
		hit.LastSeen = last
	}
}

// appendBounded adds value unless it is empty, already present or the list is full
func appendBounded(list []string, value string, limit int) []string {
	value = strings.TrimSpace(value)
	if value == "" || len(list) >= limit {
		return list
	}
	for _, existing := range list {
		if strings.EqualFold(existing, value) {
			return list
		}
	}
	return append(list, value)
}

func appendUnique(list []string, values ...string) []string {
	for _, value := range values {
		found := false
		for _, existing := range list {
			if existing == value {
				found = true
				break
			}
		}
		if !found {
			list = append(list, value)
		}
	}
	return list
}
