package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefang(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"185.141.25[.]20", "185.141.25.20"},
		{"malware-c2[.]ru", "malware-c2.ru"},
		{"evil(.)com and evil{.}net", "evil.com and evil.net"},
		{"bad[dot]org", "bad.org"},
		{"hxxps://evil[.]com/a", "https://evil.com/a"},
		{"hXXp[://]evil[.]com", "http://evil.com"},
		{"admin[@]evil[.]com", "admin@evil.com"},
		{"admin[at]evil[.]com", "admin@evil.com"},
		{"port 8080[:]", "port 8080:"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, Refang(tt.input))
		})
	}
}

func TestExtractIOCs(t *testing.T) {
	extractor := NewEntityExtractor()

	t.Run("Defanged indicators are extracted after refanging", func(t *testing.T) {
		entities := extractor.Extract("Beaconing to 185.141.25[.]20 and malware-c2[.]ru was observed.")
		assert.Equal(t, []string{"185.141.25.20"}, entities.IPs)
		assert.Equal(t, []string{"malware-c2.ru"}, entities.Domains)
		assert.Equal(t, []string{"185.141.25.20"}, entities.IOCs()["ip"])
	})

	t.Run("Benign and reserved addresses are excluded", func(t *testing.T) {
		text := "Hosts 10.0.0.5, 192.168.1.10, 127.0.0.1, 169.254.1.1, 100.64.3.4, 224.0.0.1, " +
			"0.0.0.0, 198.51.100.7, 203.0.113.9, 8.8.8.8, 1.1.1.1 and 208.67.222.222 plus 45.77.10.12"
		entities := extractor.Extract(text)
		assert.Equal(t, []string{"45.77.10.12"}, entities.IPs)
	})

	t.Run("Version strings are not addresses", func(t *testing.T) {
		text := "Affects version 10.2.14.3 and ver. 12.0.1.77, build 1.2.3.4, release 2.10.3.4.5"
		entities := extractor.Extract(text)
		assert.Empty(t, entities.IPs)
	})

	t.Run("Invalid octets are rejected", func(t *testing.T) {
		entities := extractor.Extract("999.10.10.10 and 300.1.1.1")
		assert.Empty(t, entities.IPs)
	})

	t.Run("Domains need a public suffix", func(t *testing.T) {
		entities := extractor.Extract("Contacts update-check.xyz, cdn.evil.co.uk, payload.exe and notes.lan")
		assert.Equal(t, []string{"cdn.evil.co.uk", "update-check.xyz"}, entities.Domains)
	})

	t.Run("Known-benign infrastructure is excluded", func(t *testing.T) {
		entities := extractor.Extract("Fetched from pypi.org, files.pythonhosted.org, download.windowsupdate.com and registry.npmjs.org then stage2.evil-cdn.net")
		assert.Equal(t, []string{"stage2.evil-cdn.net"}, entities.Domains)
	})

	t.Run("Custom benign domains", func(t *testing.T) {
		custom := NewEntityExtractor(WithBenignDomains("corp-intranet.com"))
		entities := custom.Extract("vpn.corp-intranet.com and evil-corp.com")
		assert.Equal(t, []string{"evil-corp.com"}, entities.Domains)
	})

	t.Run("URLs", func(t *testing.T) {
		entities := extractor.Extract("Download from hxxps://malware-c2[.]ru/gate.php?id=1, then http://10.0.0.1/x and https://github.com/org/repo.")
		assert.Equal(t, []string{"https://malware-c2.ru/gate.php?id=1"}, entities.URLs)
	})

	t.Run("Filenames", func(t *testing.T) {
		entities := extractor.Extract("The lure invoice_2024.pdf.exe drops loader.dll and runs deploy.ps1 from evil.com")
		assert.Equal(t, []string{"deploy.ps1", "invoice_2024.pdf.exe", "loader.dll"}, entities.Filenames)
	})

	t.Run("CVEs and emails", func(t *testing.T) {
		entities := extractor.Extract("Exploits cve-2023-4966 and CVE-2024-3400. Sender billing[@]invoices-secure[.]com, not user@host.local")
		assert.Equal(t, []string{"CVE-2023-4966", "CVE-2024-3400"}, entities.CVEs)
		assert.Equal(t, []string{"billing@invoices-secure.com"}, entities.Emails)
	})

	t.Run("MITRE techniques", func(t *testing.T) {
		entities := extractor.Extract("Uses T1059.001 and T1566, T1059.001 again; not T12 or XT1234")
		assert.Equal(t, []string{"T1059.001", "T1566"}, entities.MitreTechniques)
	})

	t.Run("Malware families are left to the catalog", func(t *testing.T) {
		entities := extractor.Extract("QakBot and Emotet samples")
		assert.Empty(t, entities.MalwareFamilies)
		assert.NotNil(t, entities.MalwareFamilies)
	})
}

func TestExtractFilenameDomainHeuristic(t *testing.T) {
	extractor := NewEntityExtractor()

	tests := []struct {
		name     string
		text     string
		expected []string
	}{
		{"script extension tld without subdomain", "run deploy.sh now", []string{}},
		{"python tld without subdomain", "execute main.py", []string{}},
		{"archive tld without subdomain", "open setup.zip", []string{}},
		{"markdown tld without subdomain", "see README.md", []string{}},
		{"verb stem with action tld", "install.app and download.run", []string{}},
		{"verb stem prefix with action tld", "updater.download", []string{}},
		{"subdomain keeps script tld", "c2.deploy.sh", []string{"c2.deploy.sh"}},
		{"subdomain keeps action tld", "cdn.install.app", []string{"cdn.install.app"}},
		{"non verb label with action tld", "portal.app", []string{"portal.app"}},
		{"regular domain", "malware-c2.ru", []string{"malware-c2.ru"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractor.Extract(tt.text).Domains)
		})
	}
}

func TestExtractHashes(t *testing.T) {
	extractor := NewEntityExtractor()
	sha256 := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	sha1 := "da39a3ee5e6b4b0d3255bfef95601890afd80709"
	md5 := "d41d8cd98f00b204e9800998ecf8427e"

	t.Run("Classifies by length", func(t *testing.T) {
		entities := extractor.Extract(strings.Join([]string{sha256, strings.ToUpper(sha1), md5}, " "))
		assert.Equal(t, []string{sha256}, entities.Hashes.SHA256)
		assert.Equal(t, []string{sha1}, entities.Hashes.SHA1)
		assert.Equal(t, []string{md5}, entities.Hashes.MD5)
	})

	t.Run("Prefix of a longer hash is not counted twice", func(t *testing.T) {
		entities := extractor.Extract(sha256 + " (short: " + sha256[:32] + ", " + sha256[:40] + ")")
		assert.Equal(t, []string{sha256}, entities.Hashes.SHA256)
		assert.Empty(t, entities.Hashes.SHA1)
		assert.Empty(t, entities.Hashes.MD5)
	})

	t.Run("Other lengths are ignored", func(t *testing.T) {
		entities := extractor.Extract(strings.Repeat("a", 48) + " " + strings.Repeat("b", 96))
		assert.Equal(t, 0, len(entities.Hashes.MD5)+len(entities.Hashes.SHA1)+len(entities.Hashes.SHA256))
	})

	t.Run("Hash sets are disjoint", func(t *testing.T) {
		entities := extractor.Extract(strings.Join([]string{sha256, sha256[:32], sha1, sha1[:32], md5}, "\n"))
		seen := map[string]int{}
		for _, h := range entities.Hashes.MD5 {
			seen[h]++
		}
		for _, h := range entities.Hashes.SHA1 {
			seen[h]++
		}
		for _, h := range entities.Hashes.SHA256 {
			seen[h]++
		}
		for value, count := range seen {
			assert.Equal(t, 1, count, "hash %s counted more than once", value)
		}
		assert.Equal(t, []string{md5}, entities.Hashes.MD5)
	})
}

func TestExtractThreatActors(t *testing.T) {
	t.Run("Builtin names and aliases resolve to one canonical actor", func(t *testing.T) {
		entities := NewEntityExtractor().Extract("Fancy Bear, also tracked as APT28, targeted ministries.")
		require.Len(t, entities.ThreatActors, 1)
		actor := entities.ThreatActors[0]
		assert.Equal(t, "APT28", actor.Canonical)
		assert.Equal(t, "Russia", actor.Region)
		assert.Contains(t, actor.Aliases, "Fancy Bear")
		assert.Equal(t, ActorSourceBuiltin, actor.Source)
	})

	t.Run("Structured patterns", func(t *testing.T) {
		entities := NewEntityExtractor().Extract("Activity by UNC5221, FIN11, TA577, DEV-1234, Storm-0558 and APT 99.")
		assert.Equal(t, []string{"APT99", "DEV-1234", "FIN11", "Storm-0558", "TA577", "UNC5221"}, entities.ActorNames())
		for _, actor := range entities.ThreatActors {
			assert.Equal(t, ActorSourcePattern, actor.Source)
		}
	})

	t.Run("ATT&CK tactic ids are not actors", func(t *testing.T) {
		entities := NewEntityExtractor().Extract("Initial Access (TA0001) followed by Execution TA0002, attributed to TA4557.")
		assert.Equal(t, []string{"TA4557"}, entities.ActorNames())
	})

	t.Run("Pattern match enriched from aliases", func(t *testing.T) {
		entities := NewEntityExtractor().Extract("UNC3944 used SIM swapping")
		require.Len(t, entities.ThreatActors, 1)
		assert.Equal(t, "Scattered Spider", entities.ThreatActors[0].Canonical)
		assert.Equal(t, "UNC3944", entities.ThreatActors[0].Name)
	})

	t.Run("Actor database overrides builtins", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "actors.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"actors":[{"name":"Gold Crestwood","region":"Unknown","aliases":["Shadow Lynx"]}]}`), 0600))

		entities := NewEntityExtractor(WithActorDatabase(path)).Extract("Shadow Lynx resurfaced")
		require.Len(t, entities.ThreatActors, 1)
		assert.Equal(t, "Gold Crestwood", entities.ThreatActors[0].Canonical)
		assert.Equal(t, ActorSourceDatabase, entities.ThreatActors[0].Source)
	})

	t.Run("Missing or corrupt actor database is ignored", func(t *testing.T) {
		corrupt := filepath.Join(t.TempDir(), "corrupt.json")
		require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0600))

		for _, path := range []string{filepath.Join(t.TempDir(), "missing.json"), corrupt} {
			entities := NewEntityExtractor(WithActorDatabase(path)).Extract("Lazarus Group again")
			require.Len(t, entities.ThreatActors, 1)
			assert.Equal(t, "Lazarus Group", entities.ThreatActors[0].Canonical)
		}
	})

	t.Run("No actor in plain text", func(t *testing.T) {
		entities := NewEntityExtractor().Extract("Routine phishing with no attribution.")
		assert.Empty(t, entities.ThreatActors)
	})
}

func TestExtractDeterministic(t *testing.T) {
	extractor := NewEntityExtractor()
	text := "APT29 via hxxps://login-m1crosoft[.]com/auth from 91.215.85.14 dropping a.exe (T1566.002)"

	first := extractor.Extract(text)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, extractor.Extract(text))
	}
}
