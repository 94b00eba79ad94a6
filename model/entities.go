package model

import (
	"sort"
	"strings"
)

// IOCType names the kind of an indicator of compromise
type IOCType string

const (
	IOCTypeIP       IOCType = "ip"
	IOCTypeDomain   IOCType = "domain"
	IOCTypeURL      IOCType = "url"
	IOCTypeFilename IOCType = "filename"
	IOCTypeMD5      IOCType = "md5"
	IOCTypeSHA1     IOCType = "sha1"
	IOCTypeSHA256   IOCType = "sha256"
	IOCTypeEmail    IOCType = "email"
)

// IOCTypes lists every IOC type in a stable order
var IOCTypes = []IOCType{
	IOCTypeIP,
	IOCTypeDomain,
	IOCTypeURL,
	IOCTypeFilename,
	IOCTypeMD5,
	IOCTypeSHA1,
	IOCTypeSHA256,
	IOCTypeEmail,
}

// Hashes groups file hashes by algorithm
type Hashes struct {
	MD5    []string `json:"md5"`
	SHA1   []string `json:"sha1"`
	SHA256 []string `json:"sha256"`
}

// ThreatActor is an actor name found in text, enriched from the alias database when known
type ThreatActor struct {
	Name      string   `json:"name"`
	Canonical string   `json:"canonical,omitempty"`
	Region    string   `json:"region,omitempty"`
	Aliases   []string `json:"aliases,omitempty"`
	Source    string   `json:"source"` // database, builtin or pattern
}

// DisplayName returns the canonical name if known, the matched name otherwise
func (a ThreatActor) DisplayName() string {
	if a.Canonical != "" {
		return a.Canonical
	}
	return a.Name
}

// ExtractedEntities is the immutable snapshot of entities found in a text.
// All slices are sorted and free of duplicates.
type ExtractedEntities struct {
	IPs             []string      `json:"ips"`
	Domains         []string      `json:"domains"`
	URLs            []string      `json:"urls"`
	Filenames       []string      `json:"filenames"`
	Hashes          Hashes        `json:"hashes"`
	CVEs            []string      `json:"cves"`
	Emails          []string      `json:"emails"`
	ThreatActors    []ThreatActor `json:"threat_actors"`
	MalwareFamilies []string      `json:"malware_families"`
	MitreTechniques []string      `json:"mitre_techniques"`
}

// Count returns the total number of entities
func (e ExtractedEntities) Count() int {
	return len(e.IPs) + len(e.Domains) + len(e.URLs) + len(e.Filenames) +
		len(e.Hashes.MD5) + len(e.Hashes.SHA1) + len(e.Hashes.SHA256) +
		len(e.CVEs) + len(e.Emails) + len(e.ThreatActors) +
		len(e.MalwareFamilies) + len(e.MitreTechniques)
}

// IsEmpty reports whether no entity was found
func (e ExtractedEntities) IsEmpty() bool {
	return e.Count() == 0
}

// IOCs returns the huntable indicators keyed by type. Types without values are omitted.
func (e ExtractedEntities) IOCs() map[IOCType][]string {
	iocs := map[IOCType][]string{}
	add := func(t IOCType, values []string) {
		if len(values) > 0 {
			iocs[t] = append([]string(nil), values...)
		}
	}
	add(IOCTypeIP, e.IPs)
	add(IOCTypeDomain, e.Domains)
	add(IOCTypeURL, e.URLs)
	add(IOCTypeFilename, e.Filenames)
	add(IOCTypeMD5, e.Hashes.MD5)
	add(IOCTypeSHA1, e.Hashes.SHA1)
	add(IOCTypeSHA256, e.Hashes.SHA256)
	add(IOCTypeEmail, e.Emails)
	return iocs
}

// ActorNames returns the display names of all threat actors
func (e ExtractedEntities) ActorNames() []string {
	names := make([]string, 0, len(e.ThreatActors))
	for _, a := range e.ThreatActors {
		names = append(names, a.DisplayName())
	}
	return SortedUnique(names)
}

// WithMalwareFamilies returns a copy of the snapshot with the given malware families
func (e ExtractedEntities) WithMalwareFamilies(families []string) ExtractedEntities {
	out := e
	out.MalwareFamilies = SortedUnique(families)
	return out
}

// SortedUnique returns the sorted set of non-empty values.
// Duplicates are detected case-insensitively, the first spelling wins.
func SortedUnique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
