package pipeline

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// TLDs that collide with script, archive or document extensions
var extensionTLDs = map[string]struct{}{
	"sh":  {},
	"py":  {},
	"pl":  {},
	"ps":  {},
	"rs":  {},
	"zip": {},
	"mov": {},
	"md":  {},
}

// TLDs that read like an action when following a verb, e.g. "install.app"
var actionTLDs = map[string]struct{}{
	"app":      {},
	"run":      {},
	"download": {},
}

var verbStems = []string{
	"install",
	"setup",
	"update",
	"run",
	"exec",
	"launch",
	"load",
	"download",
	"deploy",
	"build",
	"start",
	"invoke",
}

// isRegistrableDomain checks that domain ends in an ICANN managed TLD and
// has a registrable part below its public suffix.
func isRegistrableDomain(domain string) bool {
	domain = strings.ToLower(domain)
	i := strings.LastIndexByte(domain, '.')
	if i <= 0 || i == len(domain)-1 {
		return false
	}

	tld := domain[i+1:]
	suffix, icann := publicsuffix.PublicSuffix(tld)
	if !icann || suffix != tld {
		return false
	}

	_, err := publicsuffix.EffectiveTLDPlusOne(domain)
	return err == nil
}

// looksLikeFilename flags two-label candidates that are more likely file names than domains.
// "deploy.sh" and "install.app" are rejected, "cdn.install.app" is kept.
func looksLikeFilename(domain string) bool {
	labels := strings.Split(strings.ToLower(domain), ".")
	if len(labels) != 2 {
		return false
	}
	name, tld := labels[0], labels[1]

	if _, ok := extensionTLDs[tld]; ok {
		return true
	}
	if _, ok := actionTLDs[tld]; ok {
		for _, stem := range verbStems {
			if strings.HasPrefix(name, stem) {
				return true
			}
		}
	}
	return false
}
