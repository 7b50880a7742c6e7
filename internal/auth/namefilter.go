package auth

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NameFilter validates and normalizes screen names against a blocklist; the
// optional whitelist is checked separately by Manager.HandleSetup. Repurposes golang.org/x/text/unicode/norm (carried
// over from archon's dependency stack, historically used there for UTF-16
// text conversion) to fold visually-similar unicode forms before matching
// against banned words, closing an evasion path plain string comparison
// would miss.
type NameFilter struct {
	bannedWords []string
}

func NewNameFilter(bannedWords []string) *NameFilter {
	lowered := make([]string, len(bannedWords))
	for i, w := range bannedWords {
		lowered[i] = strings.ToLower(w)
	}
	return &NameFilter{bannedWords: lowered}
}

// Normalize applies NFKC normalization and trims surrounding whitespace,
// the form names are compared and stored in thereafter.
func (f *NameFilter) Normalize(name string) string {
	return strings.TrimSpace(norm.NFKC.String(name))
}

// Valid reports whether name is non-empty, contains no control characters,
// and doesn't contain any banned substring (spec.md section 4.D gate 5).
func (f *NameFilter) Valid(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return false
		}
	}

	lowered := strings.ToLower(name)
	for _, banned := range f.bannedWords {
		if banned != "" && strings.Contains(lowered, banned) {
			return false
		}
	}
	return true
}
