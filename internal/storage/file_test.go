package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "reportbot/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Errorf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Error("unknown driver should error")
	}
}

func TestFileStoreAppendAndRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "runs.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := st.AppendRun(ctx, RunRecord{
			At:          base.Add(time.Duration(i) * time.Minute),
			ChannelID:   "chan",
			ProjectID:   "proj",
			Trigger:     "command",
			OK:          i != 1,
			ArtifactURL: "https://docs.google.com/document/d/x",
			DurationMS:  1500,
		})
		if err != nil {
			t.Fatalf("AppendRun(%d): %v", i, err)
		}
	}

	runs, err := st.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs", len(runs))
	}
	if !runs[0].At.After(runs[1].At) {
		t.Errorf("runs not newest-first: %v then %v", runs[0].At, runs[1].At)
	}
	if runs[1].OK {
		t.Error("second-newest run should be the failed one")
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen and make sure the tail was reloaded from disk.
	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	runs, err = st2.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRuns after reopen: %v", err)
	}
	if len(runs) != 3 {
		t.Errorf("got %d runs after reopen, want 3", len(runs))
	}
}

func TestFileStoreCapsTail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "runs.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	for i := 0; i < fileRecentCap+50; i++ {
		if err := st.AppendRun(ctx, RunRecord{ChannelID: "c", Trigger: "schedule"}); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}
	runs, err := st.RecentRuns(ctx, fileRecentCap*2)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != fileRecentCap {
		t.Errorf("tail = %d, want %d", len(runs), fileRecentCap)
	}
}
