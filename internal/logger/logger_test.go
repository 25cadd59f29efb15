package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/funnyzak/viewaudit/internal/config"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := newLogger(&config.LogConfig{Level: "debug"}, "json", buf)

	log.With("run_id", "r1").Info("replay finished",
		"view", "contacts_by_freetext",
		"diff_rows", 3,
		"error", errors.New("boom"),
	)

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid json log line %q: %v", buf.String(), err)
	}
	if decoded["message"] != "replay finished" {
		t.Fatalf("unexpected message %v", decoded["message"])
	}
	if decoded["run_id"] != "r1" || decoded["view"] != "contacts_by_freetext" {
		t.Fatalf("missing fields in %v", decoded)
	}
	if decoded["diff_rows"] != float64(3) {
		t.Fatalf("unexpected diff_rows %v", decoded["diff_rows"])
	}
	if decoded["error"] != "boom" {
		t.Fatalf("unexpected error field %v", decoded["error"])
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	log := newLogger(&config.LogConfig{Level: "warn"}, "json", buf)
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %s", buf.String())
	}
	log.Warn("shown")
	if buf.Len() == 0 {
		t.Fatal("expected warn to be written")
	}
}
