package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/siherrmann/tipper/model"
)

// Sources of a threat actor match
const (
	ActorSourceDatabase = "database"
	ActorSourceBuiltin  = "builtin"
	ActorSourcePattern  = "pattern"
)

// ActorRecord is one entry of the actor alias database
type ActorRecord struct {
	Name    string   `json:"name"`
	Region  string   `json:"region,omitempty"`
	Aliases []string `json:"aliases,omitempty"`
}

// ActorDatabase is the JSON layout of an actor alias file
type ActorDatabase struct {
	Actors []ActorRecord `json:"actors"`
}

// LoadActorDatabase reads an actor alias file
func LoadActorDatabase(path string) ([]ActorRecord, error) {
	b, err := os.ReadFile(path) // #nosec G304 -- path comes from configuration
	if err != nil {
		return nil, err
	}
	var db ActorDatabase
	if err := json.Unmarshal(b, &db); err != nil {
		return nil, fmt.Errorf("invalid actor database %s: %w", path, err)
	}
	return db.Actors, nil
}

var builtinActors = []ActorRecord{
	{Name: "APT28", Region: "Russia", Aliases: []string{"Fancy Bear", "Sofacy", "Forest Blizzard", "Strontium", "Sednit"}},
	{Name: "APT29", Region: "Russia", Aliases: []string{"Cozy Bear", "Midnight Blizzard", "Nobelium", "The Dukes"}},
	{Name: "Sandworm", Region: "Russia", Aliases: []string{"Seashell Blizzard", "Voodoo Bear", "IRIDIUM"}},
	{Name: "Turla", Region: "Russia", Aliases: []string{"Venomous Bear", "Secret Blizzard"}},
	{Name: "Lazarus Group", Region: "North Korea", Aliases: []string{"Lazarus", "Hidden Cobra", "Diamond Sleet", "ZINC"}},
	{Name: "Kimsuky", Region: "North Korea", Aliases: []string{"Velvet Chollima", "Emerald Sleet", "Thallium"}},
	{Name: "APT41", Region: "China", Aliases: []string{"Winnti", "Double Dragon", "Wicked Panda", "Brass Typhoon"}},
	{Name: "Volt Typhoon", Region: "China", Aliases: []string{"Bronze Silhouette", "Vanguard Panda"}},
	{Name: "Salt Typhoon", Region: "China", Aliases: []string{"GhostEmperor", "FamousSparrow"}},
	{Name: "Mustang Panda", Region: "China", Aliases: []string{"Bronze President", "TA416", "RedDelta"}},
	{Name: "APT35", Region: "Iran", Aliases: []string{"Charming Kitten", "Mint Sandstorm", "Phosphorus"}},
	{Name: "APT34", Region: "Iran", Aliases: []string{"OilRig", "Helix Kitten", "Hazel Sandstorm"}},
	{Name: "MuddyWater", Region: "Iran", Aliases: []string{"Mango Sandstorm", "Static Kitten", "Seedworm"}},
	{Name: "FIN7", Region: "Russia", Aliases: []string{"Carbanak", "Sangria Tempest"}},
	{Name: "Wizard Spider", Region: "Russia", Aliases: []string{"Periwinkle Tempest", "UNC1878"}},
	{Name: "Scattered Spider", Region: "", Aliases: []string{"Octo Tempest", "UNC3944", "0ktapus"}},
	{Name: "Lapsus$", Region: "", Aliases: []string{"Strawberry Tempest", "DEV-0537"}},
	{Name: "TA505", Region: "Russia", Aliases: []string{"Evil Corp", "Hive0065"}},
}

var actorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bAPT ?\d{1,3}\b`),
	regexp.MustCompile(`\bUNC\d{3,5}\b`),
	regexp.MustCompile(`\bFIN\d{1,2}\b`),
	// no leading zero, TA0001 to TA0043 are ATT&CK tactics
	regexp.MustCompile(`\bTA[1-9]\d{2,3}\b`),
	regexp.MustCompile(`\bDEV-\d{4}\b`),
	regexp.MustCompile(`(?i)\bStorm-\d{4}\b`),
}

type actorEntry struct {
	record  ActorRecord
	source  string
	matcher *regexp.Regexp
	name    string
}

// actorMatcher finds threat actors by exact name, alias or structured pattern
type actorMatcher struct {
	entries []actorEntry
	lookup  map[string]actorEntry
}

func newActorMatcher(database []ActorRecord) *actorMatcher {
	m := &actorMatcher{lookup: map[string]actorEntry{}}
	// Database entries first so they win over builtin entries with the same name
	m.add(database, ActorSourceDatabase)
	m.add(builtinActors, ActorSourceBuiltin)
	return m
}

func (m *actorMatcher) add(records []ActorRecord, source string) {
	for _, record := range records {
		if strings.TrimSpace(record.Name) == "" {
			continue
		}
		for _, name := range append([]string{record.Name}, record.Aliases...) {
			key := normalizeActorName(name)
			if key == "" {
				continue
			}
			if _, exists := m.lookup[key]; exists {
				continue
			}
			entry := actorEntry{
				record:  record,
				source:  source,
				matcher: regexp.MustCompile(`(?i)(?:^|[^\w$])` + regexp.QuoteMeta(name) + `(?:$|[^\w$])`),
				name:    name,
			}
			m.lookup[key] = entry
			m.entries = append(m.entries, entry)
		}
	}
}

// match returns all actors found in text, one per canonical actor, sorted by display name
func (m *actorMatcher) match(text string) []model.ThreatActor {
	found := map[string]model.ThreatActor{}
	keep := func(actor model.ThreatActor) {
		key := strings.ToLower(actor.DisplayName())
		if existing, ok := found[key]; ok && existing.Name <= actor.Name {
			return
		}
		found[key] = actor
	}

	for _, entry := range m.entries {
		if entry.matcher.MatchString(text) {
			keep(entry.actor(entry.name))
		}
	}

	for _, pattern := range actorPatterns {
		for _, raw := range pattern.FindAllString(text, -1) {
			name := strings.ReplaceAll(raw, " ", "")
			if strings.HasPrefix(strings.ToLower(name), "storm-") {
				name = "Storm-" + name[len("storm-"):]
			}
			if entry, ok := m.lookup[normalizeActorName(name)]; ok {
				keep(entry.actor(name))
				continue
			}
			keep(model.ThreatActor{Name: name, Source: ActorSourcePattern})
		}
	}

	actors := make([]model.ThreatActor, 0, len(found))
	for _, actor := range found {
		actors = append(actors, actor)
	}
	sort.Slice(actors, func(i, j int) bool {
		return actors[i].DisplayName() < actors[j].DisplayName()
	})
	return actors
}

func (e actorEntry) actor(matched string) model.ThreatActor {
	return model.ThreatActor{
		Name:      matched,
		Canonical: e.record.Name,
		Region:    e.record.Region,
		Aliases:   append([]string(nil), e.record.Aliases...),
		Source:    e.source,
	}
}

func normalizeActorName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
