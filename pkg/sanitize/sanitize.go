// Package sanitize scrubs exchange error text before it is persisted
// or shown to end users. Raw exchange errors can echo back request
// parameters, including API keys and signed payloads.
package sanitize

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxErrorLen caps persisted error text.
const MaxErrorLen = 500

var (
	// Exchange API keys are long alphanumeric blobs; keep the first 8
	// characters so the owner can still recognize which key leaked.
	apiKeyRe = regexp.MustCompile(`\b([A-Za-z0-9]{8})[A-Za-z0-9]{24,}\b`)

	longDigitsRe = regexp.MustCompile(`\d{9,}`)

	bearerRe = regexp.MustCompile(`(?i)\b(bearer\s+|jwt\s+)[A-Za-z0-9\-_.]+`)
	jwtRe    = regexp.MustCompile(`\beyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]*`)

	emailRe = regexp.MustCompile(`\b([A-Za-z0-9._%+\-])[A-Za-z0-9._%+\-]*@([A-Za-z0-9.\-]+\.[A-Za-z]{2,})\b`)

	ipRe = regexp.MustCompile(`\b(\d{1,3})\.(\d{1,3})\.\d{1,3}\.\d{1,3}\b`)
)

// Error applies the masking pipeline in a fixed order and truncates
// the result. The order matters: keys before digit runs, so a numeric
// key fragment is not half-redacted first.
func Error(msg string) string {
	if msg == "" {
		return ""
	}

	msg = apiKeyRe.ReplaceAllString(msg, "${1}***")
	msg = longDigitsRe.ReplaceAllString(msg, "[REDACTED]")
	msg = bearerRe.ReplaceAllString(msg, "${1}***")
	msg = jwtRe.ReplaceAllString(msg, "***")
	msg = emailRe.ReplaceAllString(msg, "${1}***@${2}")
	msg = ipRe.ReplaceAllString(msg, "${1}.${2}.x.x")

	return strings.TrimSpace(truncate(msg, MaxErrorLen))
}

// Reason shortens msg into a user-facing reason line.
func Reason(msg string, max int) string {
	s := Error(msg)
	if max > 0 {
		s = truncate(s, max)
	}
	return s
}

// truncate cuts on a rune boundary so a multi-byte character is never
// split.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
