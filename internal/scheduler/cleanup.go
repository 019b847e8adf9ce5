package scheduler

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/pdfocr/internal/assemble"
	"github.com/local/pdfocr/internal/layout"
	"github.com/local/pdfocr/internal/ocr"
)

// tempPrefixes are the scratch directory names our packages create in os.TempDir.
var tempPrefixes = []string{ocr.TempPrefix, assemble.TempPrefix}

// CleanupTemps removes scratch directories left in tmpDir by killed runs.
// Other trees may be running concurrently, so only entries older than maxAge
// are touched. It returns the number removed.
func CleanupTemps(tmpDir string, maxAge time.Duration, lg zerolog.Logger) int {
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		lg.Warn().Err(err).Str("dir", tmpDir).Msg("cannot list temp dir")
		return 0
	}
	now := time.Now()
	removed := 0
	for _, e := range entries {
		if !hasAnyPrefix(e.Name(), tempPrefixes) {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < maxAge {
			continue
		}
		p := filepath.Join(tmpDir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			lg.Warn().Err(err).Str("path", p).Msg("cannot remove stale temp")
			continue
		}
		removed++
	}
	return removed
}

// CleanupStaging removes half-written outputs below done. The caller holds
// the tree lock, so any staging file found there is orphaned.
func CleanupStaging(t layout.Tree, lg zerolog.Logger) int {
	removed := 0
	_ = filepath.WalkDir(t.Done, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != t.Done {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !isStagingName(d.Name()) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			lg.Warn().Err(err).Str("path", path).Msg("cannot remove orphaned staging file")
			return nil
		}
		removed++
		return nil
	})
	return removed
}

// isStagingName matches the ".<name>.part-<id>" files written by assemble.Save.
func isStagingName(name string) bool {
	return strings.HasPrefix(name, layout.StagingPrefix) && strings.Contains(name, ".part-")
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
