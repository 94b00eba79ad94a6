package pipeline

import (
	"log/slog"
	"net/netip"
	"net/url"
	"regexp"
	"strings"

	"github.com/siherrmann/tipper/model"
)

var (
	ipv4Pattern     = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	domainPattern   = regexp.MustCompile(`(?i)\b(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z][a-z0-9-]{0,62}[a-z0-9]\b`)
	urlPattern      = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"'` + "`" + `\]\[{}|\\^]+`)
	hashPattern     = regexp.MustCompile(`\b[a-fA-F0-9]{32,128}\b`)
	cvePattern      = regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,7}\b`)
	emailPattern    = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@((?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,63})\b`)
	filenamePattern = regexp.MustCompile(`(?i)\b[\w\-]+(?:\.[\w\-]+)*\.(?:exe|dll|sys|scr|com|bat|cmd|ps1|psm1|vbs|vbe|js|jse|wsf|hta|msi|lnk|iso|img|vhd|zip|rar|7z|gz|tar|jar|sh|py|elf|bin|doc|docx|docm|xls|xlsx|xlsm|ppt|pptm|pdf|rtf|one)\b`)
	mitrePattern    = regexp.MustCompile(`\bT\d{4}(?:\.\d{3})?\b`)
	versionPrefix   = regexp.MustCompile(`(?i)(?:\bv|\bver|\bversion)\.?\s*$`)
)

// EntityExtractor extracts indicators and threat entities from unstructured text.
// It is safe for concurrent use.
type EntityExtractor struct {
	logger        *slog.Logger
	actors        *actorMatcher
	benignDomains map[string]struct{}
}

// ExtractorOption configures an EntityExtractor
type ExtractorOption func(*extractorOptions)

type extractorOptions struct {
	logger        *slog.Logger
	actorDBPath   string
	actorRecords  []ActorRecord
	benignDomains []string
}

// WithExtractorLogger sets the logger used for warnings
func WithExtractorLogger(logger *slog.Logger) ExtractorOption {
	return func(o *extractorOptions) { o.logger = logger }
}

// WithActorDatabase loads actor aliases from a JSON file.
// A missing or corrupt file is logged and ignored.
func WithActorDatabase(path string) ExtractorOption {
	return func(o *extractorOptions) { o.actorDBPath = path }
}

// WithActorRecords adds actor aliases directly
func WithActorRecords(records ...ActorRecord) ExtractorOption {
	return func(o *extractorOptions) { o.actorRecords = append(o.actorRecords, records...) }
}

// WithBenignDomains excludes additional domains and their subdomains
func WithBenignDomains(domains ...string) ExtractorOption {
	return func(o *extractorOptions) { o.benignDomains = append(o.benignDomains, domains...) }
}

// NewEntityExtractor creates an extractor
func NewEntityExtractor(opts ...ExtractorOption) *EntityExtractor {
	o := &extractorOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	records := append([]ActorRecord(nil), o.actorRecords...)
	if o.actorDBPath != "" {
		loaded, err := LoadActorDatabase(o.actorDBPath)
		if err != nil {
			o.logger.Warn("Ignoring actor database", slog.String("path", o.actorDBPath), slog.Any("error", err))
		} else {
			records = append(records, loaded...)
			o.logger.Debug("Loaded actor database", slog.String("path", o.actorDBPath), slog.Int("actors", len(loaded)))
		}
	}

	benign := make(map[string]struct{}, len(o.benignDomains))
	for _, d := range o.benignDomains {
		benign[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}

	return &EntityExtractor{
		logger:        o.logger,
		actors:        newActorMatcher(records),
		benignDomains: benign,
	}
}

// Extract returns the entities found in text.
// Malware families are left empty, they are resolved against the rules catalog.
func (e *EntityExtractor) Extract(text string) model.ExtractedEntities {
	text = Refang(text)

	md5, sha1, sha256 := e.extractHashes(text)
	return model.ExtractedEntities{
		IPs:       e.extractIPs(text),
		Domains:   e.extractDomains(text),
		URLs:      e.extractURLs(text),
		Filenames: e.extractFilenames(text),
		Hashes: model.Hashes{
			MD5:    md5,
			SHA1:   sha1,
			SHA256: sha256,
		},
		CVEs:            upperAll(cvePattern.FindAllString(text, -1)),
		Emails:          e.extractEmails(text),
		ThreatActors:    e.actors.match(text),
		MalwareFamilies: []string{},
		MitreTechniques: model.SortedUnique(mitrePattern.FindAllString(text, -1)),
	}
}

func (e *EntityExtractor) extractIPs(text string) []string {
	var ips []string
	for _, loc := range ipv4Pattern.FindAllStringIndex(text, -1) {
		candidate := text[loc[0]:loc[1]]
		if isVersionShaped(text, loc[0], loc[1], candidate) {
			continue
		}
		addr, err := netip.ParseAddr(candidate)
		if err != nil || isExcludedIP(addr) {
			continue
		}
		ips = append(ips, addr.String())
	}
	return model.SortedUnique(ips)
}

// isVersionShaped reports dotted numbers that are version strings rather than addresses
func isVersionShaped(text string, start, end int, candidate string) bool {
	from := start - 12
	if from < 0 {
		from = 0
	}
	if versionPrefix.MatchString(text[from:start]) {
		return true
	}
	// Part of a longer dotted number like 1.2.3.4.5
	if start >= 2 && text[start-1] == '.' && isDigit(text[start-2]) {
		return true
	}
	if end+1 < len(text) && text[end] == '.' && isDigit(text[end+1]) {
		return true
	}
	for _, octet := range strings.Split(candidate, ".") {
		if len(octet) > 1 {
			return false
		}
	}
	return true
}

func (e *EntityExtractor) extractDomains(text string) []string {
	var domains []string
	for _, loc := range domainPattern.FindAllStringIndex(text, -1) {
		if loc[0] > 0 && text[loc[0]-1] == '@' {
			continue
		}
		candidate := strings.ToLower(text[loc[0]:loc[1]])
		if !e.acceptDomain(candidate) || looksLikeFilename(candidate) {
			continue
		}
		domains = append(domains, candidate)
	}
	return model.SortedUnique(domains)
}

func (e *EntityExtractor) acceptDomain(domain string) bool {
	return isRegistrableDomain(domain) && !isBenignDomain(domain, e.benignDomains)
}

func (e *EntityExtractor) extractURLs(text string) []string {
	var urls []string
	for _, raw := range urlPattern.FindAllString(text, -1) {
		raw = strings.TrimRight(raw, ".,;:!?)'\"")
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Hostname() == "" {
			continue
		}
		host := strings.ToLower(parsed.Hostname())
		if addr, err := netip.ParseAddr(host); err == nil {
			if isExcludedIP(addr) {
				continue
			}
		} else if !e.acceptDomain(host) {
			continue
		}
		urls = append(urls, raw)
	}
	return model.SortedUnique(urls)
}

func (e *EntityExtractor) extractFilenames(text string) []string {
	var filenames []string
	for _, loc := range filenamePattern.FindAllStringIndex(text, -1) {
		// Skip the tail of a domain or path segment like evil.example.com
		if loc[0] > 0 && text[loc[0]-1] == '.' {
			continue
		}
		if loc[1] < len(text) && text[loc[1]] == '.' && loc[1]+1 < len(text) && isAlnum(text[loc[1]+1]) {
			continue
		}
		candidate := text[loc[0]:loc[1]]
		if strings.HasSuffix(strings.ToLower(candidate), ".com") {
			// ".com" is only a filename when it is not a registrable domain
			if isRegistrableDomain(candidate) {
				continue
			}
		}
		filenames = append(filenames, candidate)
	}
	return model.SortedUnique(filenames)
}

// extractHashes classifies hex runs by length. A value that is part of a
// longer accepted hash is not reported again as a shorter hash.
func (e *EntityExtractor) extractHashes(text string) (md5, sha1, sha256 []string) {
	for _, raw := range hashPattern.FindAllString(text, -1) {
		value := strings.ToLower(raw)
		switch len(value) {
		case 32:
			md5 = append(md5, value)
		case 40:
			sha1 = append(sha1, value)
		case 64:
			sha256 = append(sha256, value)
		}
	}
	sha256 = model.SortedUnique(sha256)
	sha1 = dropContained(model.SortedUnique(sha1), sha256)
	md5 = dropContained(dropContained(model.SortedUnique(md5), sha256), sha1)
	return md5, sha1, sha256
}

func dropContained(values []string, longer []string) []string {
	out := values[:0]
	for _, v := range values {
		contained := false
		for _, l := range longer {
			if strings.Contains(l, v) {
				contained = true
				break
			}
		}
		if !contained {
			out = append(out, v)
		}
	}
	return out
}

func (e *EntityExtractor) extractEmails(text string) []string {
	var emails []string
	for _, match := range emailPattern.FindAllStringSubmatch(text, -1) {
		if !isRegistrableDomain(match[1]) {
			continue
		}
		emails = append(emails, strings.ToLower(match[0]))
	}
	return model.SortedUnique(emails)
}

func upperAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, strings.ToUpper(v))
	}
	return model.SortedUnique(out)
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func isAlnum(b byte) bool {
	return isDigit(b) || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
