// Package report accumulates field matches found by the correlator and
// writes them out as JSON reports.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

const jsonIndent = "    "

// MatchRecord ties a search key to the document field that matched it.
type MatchRecord struct {
	Query        string `json:"query"`
	MatchedKey   string `json:"matchedKey"`
	MatchedValue any    `json:"matchedValue"`
}

// Summary describes one correlation pass.
type Summary struct {
	Archives  int            `json:"archives"`
	Skipped   int            `json:"skipped"`
	Documents int            `json:"documents"`
	Failed    int            `json:"failed"`
	Matches   map[string]int `json:"matches"`
}

// Accumulator collects match records per origin field. It is safe for
// concurrent use.
type Accumulator struct {
	fields *xsync.MapOf[string, []MatchRecord]
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{fields: xsync.NewMapOf[string, []MatchRecord]()}
}

// Append records rec under field. Concurrent appends to the same field are
// never lost. Writers for one field are serialized by Compute and readers
// only look below the length they loaded, so the backing array grows in
// place.
func (a *Accumulator) Append(field string, rec MatchRecord) {
	a.fields.Compute(field, func(old []MatchRecord, _ bool) ([]MatchRecord, bool) {
		return append(old, rec), false
	})
}

// Len returns the number of distinct fields seen.
func (a *Accumulator) Len() int {
	return a.fields.Size()
}

// Total returns the number of records across all fields.
func (a *Accumulator) Total() int {
	total := 0
	a.fields.Range(func(_ string, recs []MatchRecord) bool {
		total += len(recs)
		return true
	})
	return total
}

// Counts returns the number of records per field.
func (a *Accumulator) Counts() map[string]int {
	out := make(map[string]int, a.fields.Size())
	a.fields.Range(func(field string, recs []MatchRecord) bool {
		out[field] = len(recs)
		return true
	})
	return out
}

// Fields returns the field names in sorted order.
func (a *Accumulator) Fields() []string {
	fields := make([]string, 0, a.fields.Size())
	a.fields.Range(func(field string, _ []MatchRecord) bool {
		fields = append(fields, field)
		return true
	})
	sort.Strings(fields)
	return fields
}

// Snapshot copies the current contents.
func (a *Accumulator) Snapshot() map[string][]MatchRecord {
	out := make(map[string][]MatchRecord, a.fields.Size())
	a.fields.Range(func(field string, recs []MatchRecord) bool {
		out[field] = append([]MatchRecord(nil), recs...)
		return true
	})
	return out
}

// WriteFiles writes the full report to reportPath and the sorted field list
// to fieldsPath. Either path may be empty to skip it.
func (a *Accumulator) WriteFiles(reportPath, fieldsPath string) error {
	if reportPath != "" {
		if err := writeJSON(reportPath, a.Snapshot()); err != nil {
			return err
		}
	}
	if fieldsPath != "" {
		if err := writeJSON(fieldsPath, a.Fields()); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a report previously written by WriteFiles.
func Load(path string) (map[string][]MatchRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out map[string][]MatchRecord
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", path, err)
	}
	return out, nil
}

// LoadFields reads a field list previously written by WriteFiles.
func LoadFields(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode field list %s: %w", path, err)
	}
	return out, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", jsonIndent)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
