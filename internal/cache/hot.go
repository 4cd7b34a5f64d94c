package cache

import (
	"math/rand/v2"
	"slices"
	"sync"

	fuzz "github.com/paul-mannino/go-fuzzywuzzy"
)

// Scorer names accepted by [HotIndex.Fuzzy].
const (
	ScorerTokenSort = "token_sort_ratio"
	ScorerRatio     = "ratio"
	ScorerPartial   = "partial_ratio"
	ScorerWRatio    = "WRatio"
)

// scorers maps scorer names to their similarity functions. Scores are in
// [0, 100].
var scorers = map[string]func(a, b string) int{
	ScorerTokenSort: func(a, b string) int { return fuzz.TokenSortRatio(a, b) },
	ScorerRatio:     func(a, b string) int { return fuzz.Ratio(a, b) },
	ScorerPartial:   func(a, b string) int { return fuzz.PartialRatio(a, b) },
	ScorerWRatio:    func(a, b string) int { return fuzz.WRatio(a, b) },
}

// HotEntry is one catalog row projected into the hot index at load time.
type HotEntry struct {
	TextNormalized string
	VoiceID        string
	AudioPath      string
}

// HotIndex is the in-memory lookup structure over cached fingerprints, keyed
// first by voice so fuzzy candidates never cross voices. It mirrors the
// catalog for speed; the catalog stays authoritative.
//
// All methods are safe for concurrent use.
type HotIndex struct {
	mu sync.RWMutex
	// buckets: voice_id -> fingerprint -> artifact paths (one per version).
	buckets      map[string]map[string][]string
	varietyDepth int
}

// NewHotIndex creates an empty index. varietyDepth caps the number of paths
// kept per (voice, fingerprint); values below 1 are treated as 1.
func NewHotIndex(varietyDepth int) *HotIndex {
	if varietyDepth < 1 {
		varietyDepth = 1
	}
	return &HotIndex{
		buckets:      make(map[string]map[string][]string),
		varietyDepth: varietyDepth,
	}
}

// Load bulk-inserts catalog rows, typically once at startup.
func (h *HotIndex) Load(entries []HotEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range entries {
		h.addLocked(e.TextNormalized, e.VoiceID, e.AudioPath)
	}
}

// Exact returns an artifact path for the fingerprint in the given voice
// bucket. When several versions exist one is picked uniformly at random, so
// repeated phrases do not always replay the identical rendition.
func (h *HotIndex) Exact(normalized, voice string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	paths := h.buckets[voice][normalized]
	if len(paths) == 0 {
		return "", false
	}
	return paths[rand.IntN(len(paths))], true
}

// Fuzzy scans the voice bucket for the fingerprint most similar to
// normalized, using the named scorer. It returns the matched fingerprint, an
// artifact path, and the score, provided the score reaches threshold.
// Unknown scorer names fall back to token_sort_ratio.
func (h *HotIndex) Fuzzy(normalized, voice string, threshold int, scorer string) (matched, path string, score int, ok bool) {
	scoreFn, found := scorers[scorer]
	if !found {
		scoreFn = scorers[ScorerTokenSort]
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	bucket := h.buckets[voice]
	best := -1
	for candidate := range bucket {
		s := scoreFn(normalized, candidate)
		if s > best {
			best = s
			matched = candidate
		}
	}
	if best < threshold || matched == "" {
		return "", "", 0, false
	}
	paths := bucket[matched]
	if len(paths) == 0 {
		return "", "", 0, false
	}
	return matched, paths[0], best, true
}

// Paths returns a copy of all artifact paths for the key.
func (h *HotIndex) Paths(normalized, voice string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.buckets[voice][normalized])
}

// Add appends an artifact path to the bucket. Duplicate paths are ignored
// and the per-key list is capped at the variety depth.
func (h *HotIndex) Add(normalized, voice, path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addLocked(normalized, voice, path)
}

func (h *HotIndex) addLocked(normalized, voice, path string) {
	bucket := h.buckets[voice]
	if bucket == nil {
		bucket = make(map[string][]string)
		h.buckets[voice] = bucket
	}
	paths := bucket[normalized]
	if slices.Contains(paths, path) {
		return
	}
	if len(paths) >= h.varietyDepth {
		return
	}
	bucket[normalized] = append(paths, path)
}

// Remove drops every path stored for the key.
func (h *HotIndex) Remove(normalized, voice string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if bucket, ok := h.buckets[voice]; ok {
		delete(bucket, normalized)
		if len(bucket) == 0 {
			delete(h.buckets, voice)
		}
	}
}

// Clear empties the whole index.
func (h *HotIndex) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buckets = make(map[string]map[string][]string)
}

// Size returns the number of distinct (voice, fingerprint) keys.
func (h *HotIndex) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, bucket := range h.buckets {
		n += len(bucket)
	}
	return n
}
