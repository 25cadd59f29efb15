package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/funnyzak/viewaudit/internal/config"
	"github.com/funnyzak/viewaudit/internal/logger"
	"github.com/funnyzak/viewaudit/internal/metrics"
	"github.com/funnyzak/viewaudit/pkg/request"
)

func TestExtractRequests(t *testing.T) {
	lines := []string{
		`10.0.0.1 - - "GET /medic/_design/medic-client/_view/contacts_by_freetext?startkey=%22ab%22 HTTP/1.1" 200`,
		`10.0.0.1 - - "GET /medic/_design/medic-client/_view/contacts_by_freetext?startkey=%22ab%22 HTTP/1.1" 200`,
		`2024-01-01,GET,/medic/_design/medic-client/_view/reports_by_freetext?key=%5B%22x%22%5D,200`,
		`garbage`,
	}
	path := filepath.Join(t.TempDir(), "access.log")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	cfg := &config.Config{Extract: config.ExtractConfig{LogFile: path}}
	set, stats, err := extractRequests(cfg, logger.Nop(), metrics.New())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if stats.Lines != 4 || stats.Unique != 2 || stats.Malformed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	views := set.Views()
	if len(views) != 2 || views[0] != "contacts_by_freetext" || views[1] != "reports_by_freetext" {
		t.Fatalf("unexpected views %v", views)
	}

	cfg.Extract.LogFile = filepath.Join(t.TempDir(), "missing.log")
	if _, _, err := extractRequests(cfg, logger.Nop(), nil); err == nil {
		t.Fatalf("expected error for a missing log")
	}
}

type countingReporter struct {
	calls int
	err   error
}

func (c *countingReporter) PrintReplay(*request.ReplayRecord) error {
	c.calls++
	return c.err
}

func TestReportersFanOut(t *testing.T) {
	failing := &countingReporter{err: errors.New("closed")}
	ok := &countingReporter{}
	err := reporters{failing, ok}.PrintReplay(&request.ReplayRecord{FullPath: "/a"})
	if err == nil || err.Error() != "closed" {
		t.Fatalf("expected first error, got %v", err)
	}
	if failing.calls != 1 || ok.calls != 1 {
		t.Fatalf("every reporter should be called, got %d %d", failing.calls, ok.calls)
	}
}

func TestBackendOptions(t *testing.T) {
	opts := backendOptions(&config.BackendConfig{Username: "u", Password: "p", Timeout: 7, IdleConnTimeout: 3})
	if opts.Timeout.Seconds() != 7 || opts.IdleConnTimeout.Seconds() != 3 {
		t.Fatalf("unexpected timeouts %+v", opts)
	}
	if opts.Username != "u" || opts.Password != "p" {
		t.Fatalf("credentials not carried %+v", opts)
	}
}
