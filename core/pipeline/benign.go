package pipeline

import (
	"net/netip"
	"strings"
)

// Public DNS resolvers commonly mentioned in reports without being indicators
var publicResolvers = map[netip.Addr]struct{}{
	netip.MustParseAddr("8.8.8.8"):         {},
	netip.MustParseAddr("8.8.4.4"):         {},
	netip.MustParseAddr("1.1.1.1"):         {},
	netip.MustParseAddr("1.0.0.1"):         {},
	netip.MustParseAddr("9.9.9.9"):         {},
	netip.MustParseAddr("149.112.112.112"): {},
	netip.MustParseAddr("208.67.222.222"):  {},
	netip.MustParseAddr("208.67.220.220"):  {},
}

var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),   // CGNAT
	netip.MustParsePrefix("192.0.0.0/24"),    // IETF protocol assignments
	netip.MustParsePrefix("192.0.2.0/24"),    // TEST-NET-1
	netip.MustParsePrefix("198.18.0.0/15"),   // benchmarking
	netip.MustParsePrefix("198.51.100.0/24"), // TEST-NET-2
	netip.MustParsePrefix("203.0.113.0/24"),  // TEST-NET-3
	netip.MustParsePrefix("240.0.0.0/4"),
}

// benignDomains are registrable domains of package registries, vendor update
// services and other infrastructure that is never an indicator on its own.
var benignDomains = map[string]struct{}{
	"microsoft.com":          {},
	"windowsupdate.com":      {},
	"windows.com":            {},
	"office.com":             {},
	"live.com":               {},
	"apple.com":              {},
	"google.com":             {},
	"googleapis.com":         {},
	"gstatic.com":            {},
	"mozilla.org":            {},
	"adobe.com":              {},
	"github.com":             {},
	"githubusercontent.com":  {},
	"gitlab.com":             {},
	"pypi.org":               {},
	"pythonhosted.org":       {},
	"python.org":             {},
	"npmjs.com":              {},
	"npmjs.org":              {},
	"yarnpkg.com":            {},
	"rubygems.org":           {},
	"nuget.org":              {},
	"crates.io":              {},
	"golang.org":             {},
	"go.dev":                 {},
	"maven.org":              {},
	"apache.org":             {},
	"docker.com":             {},
	"docker.io":              {},
	"ubuntu.com":             {},
	"debian.org":             {},
	"centos.org":             {},
	"fedoraproject.org":      {},
	"mitre.org":              {},
	"virustotal.com":         {},
	"nist.gov":               {},
	"cisa.gov":               {},
	"example.com":            {},
	"example.org":            {},
	"example.net":            {},
	"openxmlformats.org":     {},
	"w3.org":                 {},
}

// isExcludedIP reports whether an address is private, reserved or a public resolver
func isExcludedIP(addr netip.Addr) bool {
	if !addr.Is4() {
		return true
	}
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsMulticast() || addr.IsUnspecified() {
		return true
	}
	if addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return true
	}
	for _, prefix := range reservedPrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	_, resolver := publicResolvers[addr]
	return resolver
}

// isBenignDomain reports whether domain is, or is a subdomain of, a benign domain
func isBenignDomain(domain string, extra map[string]struct{}) bool {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	for {
		if _, ok := benignDomains[domain]; ok {
			return true
		}
		if _, ok := extra[domain]; ok {
			return true
		}
		i := strings.IndexByte(domain, '.')
		if i < 0 {
			return false
		}
		domain = domain[i+1:]
	}
}
