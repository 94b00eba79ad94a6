package pipeline

import (
	"regexp"
	"strings"
)

var refangReplacer = strings.NewReplacer(
	"[.]", ".",
	"(.)", ".",
	"{.}", ".",
	"[dot]", ".",
	"(dot)", ".",
	"[DOT]", ".",
	"(DOT)", ".",
	"[://]", "://",
	"[:]", ":",
	"[@]", "@",
	"[at]", "@",
	"(at)", "@",
	"[AT]", "@",
	"(AT)", "@",
)

var hxxpPattern = regexp.MustCompile(`(?i)\bhxxp(s?)`)

// Refang reverts common defanging of indicators, e.g. "evil[.]com" or "hxxps://".
func Refang(text string) string {
	text = refangReplacer.Replace(text)
	return hxxpPattern.ReplaceAllString(text, "http$1")
}
