package cache

import (
	"context"
	"log/slog"
	"os"
)

// Evictor trims the cache down to its configured bounds. Two passes feed the
// candidate set: never-hit non-filler entries older than the minimum age, and
// — when the table still exceeds the entry cap — the least recently hit
// non-filler entries. Fillers are never evicted.
type Evictor struct {
	store *Store

	maxEntries int
	minAgeDays int
	log        *slog.Logger
}

// NewEvictor creates an evictor over store. maxEntries caps the catalog row
// count; minAgeDays protects young never-hit entries from the first pass.
func NewEvictor(store *Store, maxEntries, minAgeDays int, log *slog.Logger) *Evictor {
	if log == nil {
		log = slog.Default()
	}
	return &Evictor{
		store:      store,
		maxEntries: maxEntries,
		minAgeDays: minAgeDays,
		log:        log.With("component", "evictor"),
	}
}

// Run performs one eviction cycle and returns the number of rows removed.
// Each candidate is deleted row-first; a missing artifact file is not an
// error, the row was the authoritative part.
func (e *Evictor) Run(ctx context.Context) (int, error) {
	candidates, err := e.store.catalog.EvictionCandidates(ctx, e.maxEntries, e.minAgeDays)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	evicted := 0
	for _, cand := range candidates {
		path, err := e.store.catalog.DeleteEntry(ctx, cand.ID)
		if err != nil {
			e.log.Warn("failed to delete catalog row", "id", cand.ID, "error", err)
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			e.log.Warn("failed to remove artifact", "path", path, "error", err)
		}
		e.store.hot.Remove(cand.TextNormalized, cand.VoiceID)
		evicted++
	}

	e.log.Info("eviction cycle complete", "evicted", evicted, "candidates", len(candidates))
	return evicted, nil
}
