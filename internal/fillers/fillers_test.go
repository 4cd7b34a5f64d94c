package fillers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/cacheclaw/cacheclaw/internal/cache"
	"github.com/cacheclaw/cacheclaw/internal/cache/catalog"
	"github.com/cacheclaw/cacheclaw/pkg/provider/tts"
)

type fakeSynth struct {
	audio []byte
	err   error
	calls int
}

func (f *fakeSynth) Synthesize(_ context.Context, req tts.Request) ([]byte, string, error) {
	f.calls++
	if f.err != nil {
		return nil, "", f.err
	}
	return f.audio, "fake", nil
}

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()
	dir := t.TempDir()
	db, err := catalog.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := cache.NewStore(db, cache.StoreConfig{
		AudioDir: filepath.Join(dir, "audio"),
		Rules:    cache.DefaultNormalizeRules(),
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestGenerate(t *testing.T) {
	store := newTestStore(t)
	synth := &fakeSynth{audio: []byte("filler-audio")}
	m := NewManager(store, synth, nil, nil)

	results, err := m.Generate(context.Background(), "V")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(results) != len(DefaultTemplates) {
		t.Fatalf("results = %d, want %d", len(results), len(DefaultTemplates))
	}
	for _, r := range results {
		if r.Status != StatusGenerated {
			t.Errorf("filler %s status = %q, want generated", r.ID, r.Status)
		}
	}
	if synth.calls != len(DefaultTemplates) {
		t.Errorf("synth calls = %d", synth.calls)
	}

	// A second run finds everything cached.
	results, err = m.Generate(context.Background(), "V")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for _, r := range results {
		if r.Status != StatusExists {
			t.Errorf("filler %s status = %q, want exists", r.ID, r.Status)
		}
	}
	if synth.calls != len(DefaultTemplates) {
		t.Errorf("second run re-synthesized: %d calls", synth.calls)
	}
}

func TestGeneratePartialFailure(t *testing.T) {
	store := newTestStore(t)
	synth := &fakeSynth{err: errors.New("provider down")}
	m := NewManager(store, synth, []Template{
		{ID: "a", Text: "bir"},
		{ID: "b", Text: "iki"},
	}, nil)

	results, err := m.Generate(context.Background(), "V")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for _, r := range results {
		if r.Status != StatusError || r.Error == "" {
			t.Errorf("result %+v, want error status with message", r)
		}
	}
}

func TestList(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(store, &fakeSynth{audio: []byte("x")}, []Template{
		{ID: "a", Text: "bir saniye"},
		{ID: "b", Text: "hemen bakıyorum"},
	}, nil)

	if _, err := store.Save(context.Background(), "bir saniye", "V", []byte("x"), "mp3", cache.SaveOptions{Filler: true}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	infos := m.List("V")
	if len(infos) != 2 {
		t.Fatalf("infos = %d", len(infos))
	}
	if !infos[0].Cached || infos[0].AudioPath == "" {
		t.Errorf("cached filler reported as %+v", infos[0])
	}
	if infos[1].Cached {
		t.Errorf("uncached filler reported as cached")
	}
}

func TestNames(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.ogg", "a.mp3", "notes.txt", "c.wav"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	names, err := Names(dir)
	if err != nil {
		t.Fatalf("Names: %v", err)
	}
	if !slices.Equal(names, []string{"a", "b"}) {
		t.Errorf("names = %v, want [a b]", names)
	}

	empty, err := Names(filepath.Join(dir, "missing"))
	if err != nil || len(empty) != 0 {
		t.Errorf("missing dir: names = %v, err = %v; want empty, nil", empty, err)
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "both.mp3"), []byte("m"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "both.ogg"), []byte("o"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "only.ogg"), []byte("o"), 0o644); err != nil {
		t.Fatal(err)
	}

	path, mime, ok := Resolve(dir, "both")
	if !ok || filepath.Ext(path) != ".mp3" || mime != "audio/mpeg" {
		t.Errorf("Resolve(both) = %q %q %v, want the mp3", path, mime, ok)
	}
	_, mime, ok = Resolve(dir, "only")
	if !ok || mime != "audio/ogg" {
		t.Errorf("Resolve(only) = %q %v, want the ogg", mime, ok)
	}
	if _, _, ok := Resolve(dir, "nope"); ok {
		t.Error("Resolve found a nonexistent filler")
	}
}

func TestETag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.mp3")
	if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	tag, err := ETag(path)
	if err != nil {
		t.Fatalf("ETag: %v", err)
	}
	if len(tag) != 16 {
		t.Errorf("tag = %q, want 16 hex chars", tag)
	}
	again, err := ETag(path)
	if err != nil || again != tag {
		t.Errorf("tag unstable: %q vs %q", tag, again)
	}

	if _, err := ETag(filepath.Join(dir, "missing.mp3")); err == nil {
		t.Error("ETag succeeded for a missing file")
	}
}
