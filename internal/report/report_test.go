package report

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func TestAppendConcurrent(t *testing.T) {
	acc := NewAccumulator()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				acc.Append("name", MatchRecord{Query: fmt.Sprintf("q%d", i), MatchedKey: "name:abby", MatchedValue: "Abby"})
			}
		}(i)
	}
	wg.Wait()

	if got := acc.Total(); got != 1000 {
		t.Fatalf("expected 1000 records, got %d", got)
	}
	if got := len(acc.Snapshot()["name"]); got != 1000 {
		t.Fatalf("expected 1000 records under name, got %d", got)
	}
}

func TestFieldsSorted(t *testing.T) {
	acc := NewAccumulator()
	acc.Append("phone", MatchRecord{Query: "07"})
	acc.Append("contact._id", MatchRecord{Query: "abc"})
	acc.Append("name", MatchRecord{Query: "ab"})

	fields := acc.Fields()
	want := []string{"contact._id", "name", "phone"}
	if len(fields) != len(want) {
		t.Fatalf("unexpected fields %v", fields)
	}
	for i := range want {
		if fields[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, fields)
		}
	}
}

func TestWriteFilesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	acc := NewAccumulator()
	acc.Append("name", MatchRecord{Query: "abby", MatchedKey: "abby", MatchedValue: "Abby Smith"})

	reportPath := filepath.Join(dir, "out", "found.json")
	fieldsPath := filepath.Join(dir, "out", "found_fields.json")
	if err := acc.WriteFiles(reportPath, fieldsPath); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	found, err := Load(reportPath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	recs := found["name"]
	if len(recs) != 1 || recs[0].MatchedValue != "Abby Smith" || recs[0].MatchedKey != "abby" {
		t.Fatalf("unexpected report %#v", found)
	}

	fields, err := LoadFields(fieldsPath)
	if err != nil {
		t.Fatalf("load fields failed: %v", err)
	}
	if len(fields) != 1 || fields[0] != "name" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestSnapshotUnaffectedByLaterAppends(t *testing.T) {
	acc := NewAccumulator()
	for i := 0; i < 3; i++ {
		acc.Append("name", MatchRecord{Query: fmt.Sprintf("q%d", i)})
	}

	snap := acc.Snapshot()
	for i := 3; i < 10; i++ {
		acc.Append("name", MatchRecord{Query: fmt.Sprintf("q%d", i)})
	}

	if got := len(snap["name"]); got != 3 {
		t.Fatalf("expected snapshot to keep 3 records, got %d", got)
	}
	recs := acc.Snapshot()["name"]
	if len(recs) != 10 {
		t.Fatalf("expected 10 records, got %d", len(recs))
	}
	for i, rec := range recs {
		if rec.Query != fmt.Sprintf("q%d", i) {
			t.Fatalf("record %d out of order: %s", i, rec.Query)
		}
	}
}
