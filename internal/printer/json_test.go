package printer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/funnyzak/viewaudit/internal/logger"
	"github.com/funnyzak/viewaudit/internal/report"
	"github.com/funnyzak/viewaudit/pkg/request"
)

func TestJSONPrinter_Envelopes(t *testing.T) {
	p := NewJSONPrinter(logger.Nop())
	buf := &bytes.Buffer{}
	p.SetOutput(buf)

	rec := &request.ReplayRecord{
		Timestamp: time.Now(),
		View:      "contacts_by_freetext",
		Result:    request.ResultMismatch,
		DiffRows:  1,
		Diff:      json.RawMessage(`[{"id":"a"}]`),
	}
	if err := p.PrintReplay(rec); err != nil {
		t.Fatalf("print replay failed: %v", err)
	}
	if err := p.PrintCorrelation(report.Summary{Archives: 1, Matches: map[string]int{"name": 2}}); err != nil {
		t.Fatalf("print correlation failed: %v", err)
	}
	if err := p.PrintSimulation("reports_by_freetext", nil); err != nil {
		t.Fatalf("print simulation failed: %v", err)
	}

	var types []string
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var decoded map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid json line %q: %v", scanner.Text(), err)
		}
		types = append(types, decoded["type"].(string))
		if decoded["type"] == "simulation" {
			if entries, ok := decoded["entries"].([]interface{}); !ok || len(entries) != 0 {
				t.Fatalf("expected empty entries array, got %v", decoded["entries"])
			}
		}
	}
	want := []string{"replay", "correlation", "simulation"}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, types)
		}
	}
}
