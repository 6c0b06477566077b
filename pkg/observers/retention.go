package observers

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PurgeReport summarises a retention sweep over the timeline directory.
type PurgeReport struct {
	Removed []string
	Kept    int
}

// PurgeCallTimelines deletes per-call timeline files (<call_sid>.jsonl) whose
// last write is older than retention. Other files in dir are left alone.
func PurgeCallTimelines(dir string, retention time.Duration, now time.Time) (PurgeReport, error) {
	var report PurgeReport
	if strings.TrimSpace(dir) == "" || retention <= 0 {
		return report, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return report, nil
	}
	if err != nil {
		return report, err
	}
	cutoff := now.Add(-retention)
	var errs error
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if info.ModTime().After(cutoff) {
			report.Kept++
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		report.Removed = append(report.Removed, strings.TrimSuffix(entry.Name(), ".jsonl"))
	}
	return report, errs
}
