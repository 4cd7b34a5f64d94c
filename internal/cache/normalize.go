// Package cache implements the fingerprinting, lookup, storage, and eviction
// layers of the CacheClaw audio cache.
//
// The cache-equivalence key for a piece of text is its fingerprint: the
// output of [Normalize] under a fixed rule pipeline. Two texts with the same
// fingerprint share cached audio. The [HotIndex] answers exact and fuzzy
// fingerprint lookups in memory; the durable source of truth is the catalog
// (see the catalog subpackage); [Store] composes both with the artifact
// directory on disk.
package cache

import (
	"regexp"
	"strings"
	"unicode"
)

// NormalizeRules enumerates the independently-toggleable normalization
// stages. The zero value disables everything; use [DefaultNormalizeRules]
// for the production defaults (all stages on).
type NormalizeRules struct {
	// Lowercase applies Turkish-aware lowercasing and diacritic folding.
	Lowercase bool

	// StripPunctuation removes every rune that is neither alphanumeric,
	// underscore, nor whitespace.
	StripPunctuation bool

	// CollapseWhitespace replaces runs of whitespace with a single space.
	CollapseWhitespace bool

	// ReplaceNumbers collapses every maximal digit run into a single '#',
	// so "3 kaynak" and "5 kaynak" share a fingerprint.
	ReplaceNumbers bool

	// StripMarkup removes MiniMax-style TTS markup: <#1.5#> pause markers
	// and (laughs)-style interjection tags.
	StripMarkup bool
}

// DefaultNormalizeRules returns the production rule set with every stage
// enabled.
func DefaultNormalizeRules() NormalizeRules {
	return NormalizeRules{
		Lowercase:          true,
		StripPunctuation:   true,
		CollapseWhitespace: true,
		ReplaceNumbers:     true,
		StripMarkup:        true,
	}
}

// MiniMax TTS markup: pause markers like <#1.5#> and interjection tags like
// (laughs) or (deep_sigh).
var (
	pauseMarkerRE  = regexp.MustCompile(`<#[\d.]+#>`)
	interjectionRE = regexp.MustCompile(`\([a-z_]+\)`)
	digitRunRE     = regexp.MustCompile(`[0-9]+`)
)

// turkishLowerReplacer maps the two uppercase I forms before generic
// lowercasing: dotted İ lowers to plain i, dotless I lowers to ı. Go's
// Unicode-default lowering would map both to plain i, destroying the
// distinction.
var turkishLowerReplacer = strings.NewReplacer("İ", "i", "I", "ı")

// diacriticReplacer folds the six Turkish diacritic letters to ASCII.
var diacriticReplacer = strings.NewReplacer(
	"ç", "c", "ğ", "g", "ı", "i", "ö", "o", "ş", "s", "ü", "u",
)

// TurkishLower lowercases s with correct Turkish I/İ handling.
func TurkishLower(s string) string {
	return strings.ToLower(turkishLowerReplacer.Replace(s))
}

// Normalize derives the cache fingerprint of raw under the given rules. It is
// a pure function and idempotent: Normalize(Normalize(s)) == Normalize(s).
func Normalize(raw string, rules NormalizeRules) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}

	// Markup is stripped first so markers never leak into later stages.
	if rules.StripMarkup {
		text = pauseMarkerRE.ReplaceAllString(text, "")
		text = interjectionRE.ReplaceAllString(text, "")
	}

	if rules.Lowercase {
		text = TurkishLower(text)
		text = diacriticReplacer.Replace(text)
	}

	if rules.CollapseWhitespace {
		text = collapseSpaces(text)
	}

	if rules.StripPunctuation {
		text = stripPunctuation(text, rules.CollapseWhitespace)
	}

	if rules.ReplaceNumbers {
		text = digitRunRE.ReplaceAllString(text, "#")
	}

	return strings.TrimSpace(text)
}

// collapseSpaces replaces every whitespace run with a single space.
func collapseSpaces(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// stripPunctuation drops every rune that is neither alphanumeric, underscore,
// nor whitespace. When recollapse is set, space runs created by the removal
// (e.g. "a - b" -> "a  b") are merged so the pipeline stays idempotent.
func stripPunctuation(s string, recollapse bool) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if recollapse && lastSpace {
				continue
			}
			b.WriteRune(r)
			lastSpace = true
		}
	}
	return b.String()
}
