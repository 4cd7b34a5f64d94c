package cache

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
)

// audioExtensions are the artifact suffixes the integrity pass recognises.
var audioExtensions = map[string]bool{
	".mp3":  true,
	".ogg":  true,
	".wav":  true,
	".opus": true,
}

// IntegrityReport summarises one reconciliation pass.
type IntegrityReport struct {
	// OrphanRows is the number of catalog rows removed because their
	// artifact file was missing.
	OrphanRows int

	// OrphanFiles is the number of artifact files removed because no
	// catalog row referenced them.
	OrphanFiles int
}

// Reconcile brings the catalog and the artifact directory back into
// agreement after an unclean shutdown. Rows first: any row whose file is
// gone is dropped so lookups never resolve to a 404 on disk. Then files:
// recognised audio files in the top-level artifact directory that no row
// references are unlinked. The fillers subdirectory is left untouched — its
// artifacts are regenerated, not catalogued per request.
func (s *Store) Reconcile(ctx context.Context) (IntegrityReport, error) {
	var report IntegrityReport

	entries, err := s.catalog.AllEntriesWithIDs(ctx)
	if err != nil {
		return report, err
	}

	referenced := make(map[string]bool, len(entries))
	var orphanIDs []int64
	for _, e := range entries {
		abs, err := filepath.Abs(e.AudioPath)
		if err != nil {
			abs = e.AudioPath
		}
		if _, statErr := os.Stat(abs); statErr != nil {
			orphanIDs = append(orphanIDs, e.ID)
			s.hot.Remove(e.TextNormalized, e.VoiceID)
			continue
		}
		referenced[abs] = true
	}
	if len(orphanIDs) > 0 {
		if err := s.catalog.DeleteEntriesByIDs(ctx, orphanIDs); err != nil {
			return report, err
		}
		report.OrphanRows = len(orphanIDs)
	}

	dirEntries, err := os.ReadDir(s.audioDir)
	if err != nil {
		return report, err
	}
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		if !audioExtensions[filepath.Ext(de.Name())] {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(s.audioDir, de.Name()))
		if err != nil {
			continue
		}
		if referenced[abs] {
			continue
		}
		if err := os.Remove(abs); err != nil {
			s.log.Warn("failed to remove orphan artifact", "path", abs, "error", err)
			continue
		}
		report.OrphanFiles++
	}

	if report.OrphanRows > 0 || report.OrphanFiles > 0 {
		s.log.Info("integrity pass reconciled cache",
			slog.Int("orphan_rows", report.OrphanRows),
			slog.Int("orphan_files", report.OrphanFiles))
	}
	return report, nil
}
