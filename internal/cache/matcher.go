package cache

// Match classification returned by [Matcher.Find].
const (
	MatchExact = "exact"
	MatchFuzzy = "fuzzy"
)

// FuzzyOptions controls the approximate-match fallback of a [Matcher].
// Fuzzy matching is disabled by default.
type FuzzyOptions struct {
	Enabled   bool
	Threshold int
	Scorer    string
}

// Match describes a successful cache lookup with enough information for the
// caller to attribute the hit to the entry actually reused.
type Match struct {
	// AudioPath is the artifact file to serve.
	AudioPath string

	// MatchType is [MatchExact] or [MatchFuzzy].
	MatchType string

	// Score is the similarity score (100 for exact matches).
	Score int

	// Normalized is the fingerprint of the looked-up text.
	Normalized string

	// Matched is the fingerprint of the entry that matched. Equal to
	// Normalized for exact matches.
	Matched string
}

// Matcher resolves raw text against a [HotIndex]: normalize, exact lookup,
// then — when enabled — fuzzy lookup within the voice bucket.
type Matcher struct {
	hot   *HotIndex
	rules NormalizeRules
	fuzzy FuzzyOptions
}

// NewMatcher creates a [Matcher] over hot using the given normalization
// rules and fuzzy options.
func NewMatcher(hot *HotIndex, rules NormalizeRules, fuzzy FuzzyOptions) *Matcher {
	if fuzzy.Threshold <= 0 {
		fuzzy.Threshold = 90
	}
	if fuzzy.Scorer == "" {
		fuzzy.Scorer = ScorerTokenSort
	}
	return &Matcher{hot: hot, rules: rules, fuzzy: fuzzy}
}

// Find looks up text in the given voice bucket. The boolean is false on a
// cache miss or when the text normalizes to the empty fingerprint.
func (m *Matcher) Find(text, voice string) (Match, bool) {
	normalized := Normalize(text, m.rules)
	if normalized == "" {
		return Match{}, false
	}

	if path, ok := m.hot.Exact(normalized, voice); ok {
		return Match{
			AudioPath:  path,
			MatchType:  MatchExact,
			Score:      100,
			Normalized: normalized,
			Matched:    normalized,
		}, true
	}

	if m.fuzzy.Enabled {
		if matched, path, score, ok := m.hot.Fuzzy(normalized, voice, m.fuzzy.Threshold, m.fuzzy.Scorer); ok {
			return Match{
				AudioPath:  path,
				MatchType:  MatchFuzzy,
				Score:      score,
				Normalized: normalized,
				Matched:    matched,
			}, true
		}
	}

	return Match{}, false
}
