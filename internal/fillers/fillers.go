// Package fillers manages the pool of short acknowledgement phrases that
// voice agents play while real answers are still being generated. Fillers are
// synthesized once per voice, cached as protected entries, and additionally
// served as static files for clients that preload them.
package fillers

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cacheclaw/cacheclaw/internal/cache"
	"github.com/cacheclaw/cacheclaw/pkg/provider/tts"
)

// Template is one filler phrase.
type Template struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// DefaultTemplates are the Turkish acknowledgement phrases generated for each
// voice unless the deployment supplies its own set.
var DefaultTemplates = []Template{
	{ID: "ack_listening", Text: "Evet, dinliyorum"},
	{ID: "ack_thinking", Text: "Hmm, bir saniye"},
	{ID: "ack_searching", Text: "Bakıyorum"},
	{ID: "ack_found", Text: "Buldum, bir saniye"},
	{ID: "ack_analyzing", Text: "Analiz ediyorum"},
	{ID: "ack_summarizing", Text: "Özetliyorum"},
	{ID: "ack_started", Text: "Hemen bakıyorum"},
	{ID: "ack_wait", Text: "Bir dakika"},
}

// Generation statuses reported per template by [Manager.Generate].
const (
	StatusExists    = "exists"
	StatusGenerated = "generated"
	StatusError     = "error"
)

// Result is the outcome of generating one filler.
type Result struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Info describes one filler's cache state for a voice.
type Info struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Cached    bool   `json:"cached"`
	AudioPath string `json:"audio_path,omitempty"`
}

// Synthesizer produces audio for a filler phrase. Satisfied by the provider
// orchestrator.
type Synthesizer interface {
	Synthesize(ctx context.Context, req tts.Request) ([]byte, string, error)
}

// Manager generates and lists fillers against the cache.
type Manager struct {
	store     *cache.Store
	synth     Synthesizer
	templates []Template
	log       *slog.Logger
}

// NewManager creates a Manager. A nil templates slice selects
// [DefaultTemplates].
func NewManager(store *cache.Store, synth Synthesizer, templates []Template, log *slog.Logger) *Manager {
	if templates == nil {
		templates = DefaultTemplates
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:     store,
		synth:     synth,
		templates: templates,
		log:       log.With("component", "fillers"),
	}
}

// Generate synthesizes every template missing from the cache for voice. One
// failing template does not stop the rest; each result carries its own
// status.
func (m *Manager) Generate(ctx context.Context, voice string) ([]Result, error) {
	if m.synth == nil {
		return nil, fmt.Errorf("fillers: no synthesizer configured")
	}

	results := make([]Result, 0, len(m.templates))
	for _, tmpl := range m.templates {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		res := Result{ID: tmpl.ID, Text: tmpl.Text}

		if _, ok := m.store.Find(tmpl.Text, voice); ok {
			res.Status = StatusExists
			results = append(results, res)
			continue
		}

		audio, provider, err := m.synth.Synthesize(ctx, tts.Request{
			Text:   tmpl.Text,
			Voice:  voice,
			Format: tts.FormatMP3,
		})
		if err != nil {
			m.log.Error("failed to generate filler", "id", tmpl.ID, "error", err)
			res.Status = StatusError
			res.Error = err.Error()
			results = append(results, res)
			continue
		}
		if _, err := m.store.Save(ctx, tmpl.Text, voice, audio, tts.FormatMP3, cache.SaveOptions{Filler: true}); err != nil {
			m.log.Error("failed to store filler", "id", tmpl.ID, "error", err)
			res.Status = StatusError
			res.Error = err.Error()
			results = append(results, res)
			continue
		}
		m.log.Info("generated filler", "id", tmpl.ID, "voice", voice, "provider", provider)
		res.Status = StatusGenerated
		results = append(results, res)
	}
	return results, nil
}

// List reports the cache state of every template for voice.
func (m *Manager) List(voice string) []Info {
	out := make([]Info, 0, len(m.templates))
	for _, tmpl := range m.templates {
		info := Info{ID: tmpl.ID, Text: tmpl.Text}
		if match, ok := m.store.Find(tmpl.Text, voice); ok {
			info.Cached = true
			info.AudioPath = match.AudioPath
		}
		out = append(out, info)
	}
	return out
}

// Dir returns the static filler directory under the store's audio root.
func (m *Manager) Dir() string {
	return filepath.Join(m.store.AudioDir(), cache.FillerDirName)
}

// Names lists the stems of all filler audio files in dir, sorted. A missing
// directory is an empty pool, not an error.
func Names(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fillers: list %q: %w", dir, err)
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".mp3" || ext == ".ogg" {
			names = append(names, strings.TrimSuffix(e.Name(), ext))
		}
	}
	sort.Strings(names)
	return names, nil
}

// Resolve maps a filler name to its audio file, preferring MP3 over OGG.
func Resolve(dir, name string) (path, mediaType string, ok bool) {
	for _, c := range []struct{ ext, mime string }{
		{".mp3", "audio/mpeg"},
		{".ogg", "audio/ogg"},
	} {
		candidate := filepath.Join(dir, name+c.ext)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, c.mime, true
		}
	}
	return "", "", false
}

// ETag derives a weak validator from the file's mtime and size: the first 16
// hex characters of their MD5. Cheap to compute and stable until the file
// changes.
func ETag(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(fmt.Appendf(nil, "%d:%d", info.ModTime().Unix(), info.Size()))
	return hex.EncodeToString(sum[:])[:16], nil
}
