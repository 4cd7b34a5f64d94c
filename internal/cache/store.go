package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cacheclaw/cacheclaw/internal/cache/catalog"
)

// FillerDirName is the subdirectory of the audio directory that holds filler
// artifacts. The integrity pass and the evictor leave it alone.
const FillerDirName = "fillers"

// SaveOptions tunes a single [Store.Save] call.
type SaveOptions struct {
	// Model records which synthesis model produced the artifact.
	Model string

	// Version forces a specific version number. Zero lets the store pick
	// the next free slot up to the variety depth.
	Version int

	// Filler marks the entry as a protected filler and places the artifact
	// under the fillers subdirectory.
	Filler bool
}

// Store ties the durable catalog, the in-memory hot index, and the artifact
// directory into one cache. Reads go through the hot index; writes land in
// all three layers, catalog last so a crash can only leave orphan files,
// never dangling rows pointing at nothing durable.
type Store struct {
	catalog *catalog.DB
	hot     *HotIndex
	matcher *Matcher
	rules   NormalizeRules

	audioDir     string
	varietyDepth int
	log          *slog.Logger
}

// StoreConfig carries the knobs for [NewStore].
type StoreConfig struct {
	AudioDir     string
	Rules        NormalizeRules
	Fuzzy        FuzzyOptions
	VarietyDepth int
	Logger       *slog.Logger
}

// NewStore builds a Store over an already-open catalog. The audio directory
// (and its fillers subdirectory) are created if missing; the hot index starts
// empty until [Store.LoadHotIndex] runs.
func NewStore(db *catalog.DB, cfg StoreConfig) (*Store, error) {
	if cfg.VarietyDepth < 1 {
		cfg.VarietyDepth = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(cfg.AudioDir, FillerDirName), 0o755); err != nil {
		return nil, fmt.Errorf("cache: create audio dir: %w", err)
	}

	hot := NewHotIndex(cfg.VarietyDepth)
	return &Store{
		catalog:      db,
		hot:          hot,
		matcher:      NewMatcher(hot, cfg.Rules, cfg.Fuzzy),
		rules:        cfg.Rules,
		audioDir:     cfg.AudioDir,
		varietyDepth: cfg.VarietyDepth,
		log:          cfg.Logger.With("component", "cache"),
	}, nil
}

// LoadHotIndex populates the in-memory index from the catalog. Called once at
// startup, after the integrity pass has reconciled rows and files.
func (s *Store) LoadHotIndex(ctx context.Context) (int, error) {
	entries, err := s.catalog.AllEntries(ctx)
	if err != nil {
		return 0, err
	}
	hot := make([]HotEntry, 0, len(entries))
	for _, e := range entries {
		hot = append(hot, HotEntry{
			TextNormalized: e.TextNormalized,
			VoiceID:        e.VoiceID,
			AudioPath:      e.AudioPath,
		})
	}
	s.hot.Clear()
	s.hot.Load(hot)
	return s.hot.Size(), nil
}

// Normalize applies the store's normalization rules to text.
func (s *Store) Normalize(text string) string {
	return Normalize(text, s.rules)
}

// Find resolves text to a cached artifact in the voice bucket.
func (s *Store) Find(text, voice string) (Match, bool) {
	return s.matcher.Find(text, voice)
}

// Save writes audio to disk and registers it in the catalog and hot index.
// It returns the artifact path. [catalog.ErrDuplicateEntry] passes through
// untouched so the caller can treat a lost insert race as a hit.
func (s *Store) Save(ctx context.Context, text, voice string, audio []byte, format string, opts SaveOptions) (string, error) {
	normalized := Normalize(text, s.rules)
	if normalized == "" {
		return "", fmt.Errorf("cache: text normalizes to empty fingerprint")
	}

	version := opts.Version
	if version < 1 {
		n, err := s.catalog.VersionCount(ctx, normalized, voice)
		if err != nil {
			return "", err
		}
		version = n + 1
		if version > s.varietyDepth {
			version = s.varietyDepth
		}
	}

	dir := s.audioDir
	if opts.Filler {
		dir = filepath.Join(s.audioDir, FillerDirName)
	}
	path := filepath.Join(dir, ArtifactName(normalized, voice, format, version))

	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return "", fmt.Errorf("cache: write artifact: %w", err)
	}

	_, err := s.catalog.AddEntry(ctx, catalog.AddParams{
		TextOriginal:   text,
		TextNormalized: normalized,
		VoiceID:        voice,
		Model:          opts.Model,
		AudioPath:      path,
		AudioFormat:    format,
		FileSize:       int64(len(audio)),
		IsFiller:       opts.Filler,
		VersionNum:     version,
	})
	if err != nil {
		// The artifact name is deterministic, so on a duplicate the file
		// we just wrote is byte-equivalent to the one already catalogued.
		return "", err
	}

	s.hot.Add(normalized, voice, path)
	return path, nil
}

// RecordHit bumps the durable hit counter for a served match. version 0
// covers every version of the key.
func (s *Store) RecordHit(ctx context.Context, normalized, voice string, version int) error {
	return s.catalog.RecordHit(ctx, normalized, voice, version)
}

// RecordMiss bumps the durable miss counter.
func (s *Store) RecordMiss(ctx context.Context) error {
	return s.catalog.RecordMiss(ctx)
}

// VersionCount counts stored versions of a (text, voice) key.
func (s *Store) VersionCount(ctx context.Context, text, voice string) (int, error) {
	return s.catalog.VersionCount(ctx, Normalize(text, s.rules), voice)
}

// VarietyDepth returns the configured cap on versions per key.
func (s *Store) VarietyDepth() int {
	return s.varietyDepth
}

// Size returns the number of distinct keys in the hot index.
func (s *Store) Size() int {
	return s.hot.Size()
}

// Stats returns catalog aggregates plus the hot index size.
func (s *Store) Stats(ctx context.Context) (catalog.Stats, error) {
	return s.catalog.Stats(ctx)
}

// Clear purges every entry: catalog rows, artifact files, and the hot index.
// It reports cleared rows and successfully removed files.
func (s *Store) Clear(ctx context.Context) (entries, files int, err error) {
	paths, err := s.catalog.DeleteAll(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, p := range paths {
		if rmErr := os.Remove(p); rmErr == nil {
			files++
		} else if !os.IsNotExist(rmErr) {
			s.log.Warn("failed to remove artifact", "path", p, "error", rmErr)
		}
	}
	s.hot.Clear()
	return len(paths), files, nil
}

// Ping reports catalog reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.catalog.Ping(ctx)
}

// AudioDir returns the artifact directory root.
func (s *Store) AudioDir() string {
	return s.audioDir
}

// ArtifactName derives the deterministic artifact filename for a cache key:
// the first 16 hex characters of the MD5 of "fingerprint:voice:format", with
// the version number appended to the hashed key for versions beyond the
// first, plus the format extension.
func ArtifactName(normalized, voice, format string, version int) string {
	key := normalized + ":" + voice + ":" + format
	if version > 1 {
		key = fmt.Sprintf("%s:%d", key, version)
	}
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])[:16] + "." + format
}
