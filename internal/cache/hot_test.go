package cache

import "testing"

func TestHotIndexExact(t *testing.T) {
	h := NewHotIndex(1)
	h.Add("merhaba", "V", "/a/1.mp3")

	if _, ok := h.Exact("merhaba", "W"); ok {
		t.Error("hit across voice buckets")
	}
	path, ok := h.Exact("merhaba", "V")
	if !ok || path != "/a/1.mp3" {
		t.Errorf("Exact = %q, %v; want /a/1.mp3, true", path, ok)
	}
}

func TestHotIndexVarietyCap(t *testing.T) {
	h := NewHotIndex(2)
	h.Add("x", "V", "/a/1.mp3")
	h.Add("x", "V", "/a/1.mp3") // duplicate ignored
	h.Add("x", "V", "/a/2.mp3")
	h.Add("x", "V", "/a/3.mp3") // over depth, dropped

	paths := h.Paths("x", "V")
	if len(paths) != 2 {
		t.Fatalf("paths = %v, want 2 entries", paths)
	}

	// Exact must return one of the stored versions.
	seen := map[string]bool{}
	for range 50 {
		p, ok := h.Exact("x", "V")
		if !ok {
			t.Fatal("Exact miss")
		}
		seen[p] = true
	}
	for p := range seen {
		if p != "/a/1.mp3" && p != "/a/2.mp3" {
			t.Errorf("Exact returned unknown path %q", p)
		}
	}
}

func TestHotIndexFuzzy(t *testing.T) {
	h := NewHotIndex(1)
	h.Add("bugun hava cok guzel", "V", "/a/1.mp3")
	h.Add("yarin gorusuruz", "V", "/a/2.mp3")

	matched, path, score, ok := h.Fuzzy("bugun hava guzel", "V", 80, ScorerTokenSort)
	if !ok {
		t.Fatal("fuzzy miss, want hit")
	}
	if matched != "bugun hava cok guzel" || path != "/a/1.mp3" {
		t.Errorf("matched %q at %q", matched, path)
	}
	if score < 80 || score > 100 {
		t.Errorf("score = %d, want within [80, 100]", score)
	}

	if _, _, _, ok := h.Fuzzy("tamamen alakasiz bir cumle", "V", 90, ScorerTokenSort); ok {
		t.Error("fuzzy hit for unrelated text at threshold 90")
	}
	if _, _, _, ok := h.Fuzzy("bugun hava guzel", "W", 80, ScorerTokenSort); ok {
		t.Error("fuzzy hit across voice buckets")
	}
}

func TestHotIndexFuzzyUnknownScorer(t *testing.T) {
	h := NewHotIndex(1)
	h.Add("bugun hava cok guzel", "V", "/a/1.mp3")

	if _, _, _, ok := h.Fuzzy("bugun hava guzel", "V", 80, "no_such_scorer"); !ok {
		t.Error("unknown scorer should fall back, not miss")
	}
}

func TestHotIndexRemoveAndSize(t *testing.T) {
	h := NewHotIndex(1)
	h.Add("a", "V", "/a/1.mp3")
	h.Add("b", "V", "/a/2.mp3")
	h.Add("a", "W", "/a/3.mp3")

	if h.Size() != 3 {
		t.Errorf("Size = %d, want 3", h.Size())
	}
	h.Remove("a", "V")
	if _, ok := h.Exact("a", "V"); ok {
		t.Error("entry survived Remove")
	}
	if _, ok := h.Exact("a", "W"); !ok {
		t.Error("Remove leaked into another voice bucket")
	}
	h.Clear()
	if h.Size() != 0 {
		t.Errorf("Size after Clear = %d, want 0", h.Size())
	}
}
