package storage

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/funnyzak/viewaudit/internal/config"
	"github.com/funnyzak/viewaudit/internal/logger"
	"github.com/funnyzak/viewaudit/pkg/request"
)

func newTestStore(t *testing.T, maxRecords int) Store {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.StorageConfig{
		Driver:     "sqlite",
		Path:       filepath.Join(dir, "viewaudit.db"),
		MaxRecords: maxRecords,
	}
	store, err := New(cfg, logger.Nop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func fakeReplay(runID, view string, diffRows int) *request.ReplayRecord {
	rec := &request.ReplayRecord{
		RunID:    runID,
		View:     view,
		FullPath: "/medic/_design/medic-client/_view/" + view + "?startkey=%22ab%22",
		Result:   request.ResultIdentical,
		ProdRows: 3,
		NewRows:  3 - diffRows,
		DiffRows: diffRows,
	}
	if diffRows > 0 {
		rec.Result = request.ResultMismatch
		rec.Diff = []byte(`[{"id":"a","key":["ab"],"value":"x"}]`)
	}
	return rec
}

func TestSQLiteStore_RecordAndGet(t *testing.T) {
	store := newTestStore(t, 100)
	run, err := store.BeginRun("replay")
	if err != nil {
		t.Fatalf("begin run failed: %v", err)
	}

	rec, err := store.RecordReplay(fakeReplay(run.ID, "contacts_by_freetext", 1))
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if rec.ID == 0 {
		t.Fatal("expected record id to be set")
	}

	got, err := store.GetReplay(rec.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil || got.Result != request.ResultMismatch || got.RunID != run.ID {
		t.Fatalf("unexpected record returned: %#v", got)
	}
	if string(got.Diff) != `[{"id":"a","key":["ab"],"value":"x"}]` {
		t.Fatalf("unexpected diff: %s", got.Diff)
	}

	missing, err := store.GetReplay(rec.ID + 100)
	if err != nil || missing != nil {
		t.Fatalf("expected nil for missing record, got %#v %v", missing, err)
	}
}

func TestSQLiteStore_ListFilters(t *testing.T) {
	store := newTestStore(t, 100)
	run, err := store.BeginRun("replay")
	if err != nil {
		t.Fatalf("begin run failed: %v", err)
	}
	fixtures := []struct {
		view string
		diff int
	}{
		{"contacts_by_freetext", 0},
		{"contacts_by_freetext", 2},
		{"reports_by_freetext", 1},
	}
	for _, f := range fixtures {
		if _, err := store.RecordReplay(fakeReplay(run.ID, f.view, f.diff)); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	items, total, err := store.ListReplays(ListOptions{View: "contacts_by_freetext"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected 2 contacts records, got total=%d len=%d", total, len(items))
	}

	items, total, err = store.ListReplays(ListOptions{DiffOnly: true})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 mismatches, got %d", total)
	}
	if items[0].View != "reports_by_freetext" {
		t.Fatalf("expected newest first, got %s", items[0].View)
	}

	items, total, err = store.ListReplays(ListOptions{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 3 || len(items) != 1 {
		t.Fatalf("expected one page of three, got total=%d len=%d", total, len(items))
	}
}

func TestSQLiteStore_Runs(t *testing.T) {
	store := newTestStore(t, 100)
	run, err := store.BeginRun("replay")
	if err != nil {
		t.Fatalf("begin run failed: %v", err)
	}
	run.Lines = 10
	run.Unique = 4
	run.Identical = 3
	run.Mismatched = 1
	if err := store.FinishRun(run); err != nil {
		t.Fatalf("finish run failed: %v", err)
	}

	runs, err := store.ListRuns(10)
	if err != nil {
		t.Fatalf("list runs failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	got := runs[0]
	if got.ID != run.ID || got.FinishedAt == nil || got.Unique != 4 || got.Mismatched != 1 {
		t.Fatalf("unexpected run %#v", got)
	}

	if err := store.FinishRun(&request.RunRecord{ID: "missing"}); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestSQLiteStore_PruneMaxRecords(t *testing.T) {
	store := newTestStore(t, 2)
	run, err := store.BeginRun("replay")
	if err != nil {
		t.Fatalf("begin run failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.RecordReplay(fakeReplay(run.ID, fmt.Sprintf("view_%d", i), 0)); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	items, total, err := store.ListReplays(ListOptions{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected only 2 records retained, got total=%d len=%d", total, len(items))
	}
	if items[1].View != "view_1" {
		t.Fatalf("expected oldest record to be pruned, got %s", items[1].View)
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(&config.StorageConfig{Driver: "postgres", Path: "x"}, logger.Nop())
	if err != ErrUnsupportedDriver {
		t.Fatalf("expected ErrUnsupportedDriver, got %v", err)
	}
}
