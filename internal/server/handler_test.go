package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"github.com/funnyzak/viewaudit/internal/config"
	"github.com/funnyzak/viewaudit/internal/logger"
	"github.com/funnyzak/viewaudit/internal/metrics"
	"github.com/funnyzak/viewaudit/internal/report"
	"github.com/funnyzak/viewaudit/internal/storage"
	"github.com/funnyzak/viewaudit/pkg/request"
)

func newTestRouter(t *testing.T, store storage.Store, reportPath, fieldsPath string) *mux.Router {
	t.Helper()
	cfg := &config.Config{}
	cfg.Correlate.ReportPath = reportPath
	cfg.Correlate.FieldsPath = fieldsPath
	return New(cfg, store, metrics.New(), logger.Nop()).Router()
}

func seededStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.New(&config.StorageConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "ledger.db"),
	}, logger.Nop())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	run, err := store.BeginRun("replay")
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	for _, rec := range []*request.ReplayRecord{
		{RunID: run.ID, View: "contacts_by_freetext", FullPath: "/a", Result: request.ResultIdentical, ProdRows: 1, NewRows: 1},
		{RunID: run.ID, View: "reports_by_freetext", FullPath: "/b", Result: request.ResultMismatch, ProdRows: 2, NewRows: 1, DiffRows: 1, Diff: []byte(`[{"id":"x"}]`)},
	} {
		if _, err := store.RecordReplay(rec); err != nil {
			t.Fatalf("record replay: %v", err)
		}
	}
	if err := store.FinishRun(run); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	return store
}

func get(t *testing.T, router http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	return rr
}

func TestReplaysEndpoints(t *testing.T) {
	router := newTestRouter(t, seededStore(t), "", "")

	rr := get(t, router, "/api/replays?diff_only=true")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var list struct {
		Data  []request.ReplayRecord `json:"data"`
		Total int                    `json:"total"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total != 1 || len(list.Data) != 1 || list.Data[0].View != "reports_by_freetext" {
		t.Fatalf("unexpected list %#v", list)
	}

	rr = get(t, router, "/api/replays/"+strconv.FormatInt(list.Data[0].ID, 10))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"diff":[{"id":"x"}]`) {
		t.Fatalf("unexpected replay response %d %s", rr.Code, rr.Body.String())
	}

	if rr = get(t, router, "/api/replays/999"); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	rr = get(t, router, "/api/runs")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"mismatched"`) {
		t.Fatalf("unexpected runs response %d %s", rr.Code, rr.Body.String())
	}
}

func TestExportCSV(t *testing.T) {
	router := newTestRouter(t, seededStore(t), "", "")
	rr := get(t, router, "/api/replays/export?format=csv&view=contacts_by_freetext")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("unexpected content type %s", ct)
	}
	lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "id,run_id") {
		t.Fatalf("unexpected csv %q", rr.Body.String())
	}

	if rr = get(t, router, "/api/replays/export?format=xml"); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown format, got %d", rr.Code)
	}
}

func TestLedgerDisabled(t *testing.T) {
	router := newTestRouter(t, nil, "", "")
	if rr := get(t, router, "/api/replays"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	rr := get(t, router, "/healthz")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"ledger":false`) {
		t.Fatalf("unexpected health response %d %s", rr.Code, rr.Body.String())
	}
}

func TestReportEndpoints(t *testing.T) {
	dir := t.TempDir()
	reportPath := filepath.Join(dir, "found.json")
	fieldsPath := filepath.Join(dir, "found_fields.json")
	router := newTestRouter(t, nil, reportPath, fieldsPath)

	if rr := get(t, router, "/api/report"); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before the report exists, got %d", rr.Code)
	}

	acc := report.NewAccumulator()
	acc.Append("name", report.MatchRecord{Query: "ab", MatchedKey: "abby", MatchedValue: "abby"})
	acc.Append("phone", report.MatchRecord{Query: "07", MatchedKey: "0712", MatchedValue: "0712"})
	if err := acc.WriteFiles(reportPath, fieldsPath); err != nil {
		t.Fatalf("write report: %v", err)
	}

	rr := get(t, router, "/api/report?field=name")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"matchedKey":"abby"`) || strings.Contains(rr.Body.String(), "0712") {
		t.Fatalf("unexpected report response %d %s", rr.Code, rr.Body.String())
	}

	rr = get(t, router, "/api/report/fields")
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != `["name","phone"]` {
		t.Fatalf("unexpected fields response %d %s", rr.Code, rr.Body.String())
	}

	if rr = get(t, router, "/metrics"); rr.Code != http.StatusOK {
		t.Fatalf("expected metrics to be served, got %d", rr.Code)
	}
}
