package observers

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPurgeCallTimelinesRemovesExpiredCalls(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	files := map[string]time.Time{
		"CA_old.jsonl":   now.Add(-8 * 24 * time.Hour),
		"CA_fresh.jsonl": now.Add(-time.Hour),
		"notes.txt":      now.Add(-30 * 24 * time.Hour),
	}
	for name, mod := range files {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := os.Chtimes(p, mod, mod); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	report, err := PurgeCallTimelines(dir, 7*24*time.Hour, now)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if len(report.Removed) != 1 || report.Removed[0] != "CA_old" {
		t.Fatalf("unexpected removed list: %v", report.Removed)
	}
	if report.Kept != 1 {
		t.Fatalf("expected 1 kept, got %d", report.Kept)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Fatalf("non-timeline file should remain: %v", err)
	}
}

func TestPurgeCallTimelinesMissingDir(t *testing.T) {
	report, err := PurgeCallTimelines(filepath.Join(t.TempDir(), "absent"), time.Hour, time.Now())
	if err != nil {
		t.Fatalf("missing dir should not fail: %v", err)
	}
	if len(report.Removed) != 0 {
		t.Fatalf("nothing to remove, got %v", report.Removed)
	}
}
