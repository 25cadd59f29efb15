package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
)

func TestMetricsEndpoint(t *testing.T) {
	m := New()
	m.ReplayResults.WithLabelValues("contacts_by_freetext", "identical").Inc()
	m.Matches.WithLabelValues("name").Add(2)

	router := mux.NewRouter()
	m.RegisterRoutes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	body := rr.Body.String()
	for _, want := range []string{
		`viewaudit_replay_requests_total{result="identical",view="contacts_by_freetext"} 1`,
		`viewaudit_correlate_matches_total{field="name"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}
