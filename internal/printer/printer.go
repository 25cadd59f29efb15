package printer

import (
	"sync/atomic"

	"github.com/funnyzak/viewaudit/internal/config"
	"github.com/funnyzak/viewaudit/internal/logger"
	"github.com/funnyzak/viewaudit/internal/report"
	"github.com/funnyzak/viewaudit/internal/view"
	"github.com/funnyzak/viewaudit/pkg/request"
)

// Printer renders pipeline results on stdout.
type Printer interface {
	PrintExtract(stats request.ScanStats, requests []*request.ExtractedRequest) error
	PrintReplay(*request.ReplayRecord) error
	PrintRun(*request.RunRecord) error
	PrintCorrelation(report.Summary) error
	PrintSimulation(variant string, entries []view.EmittedEntry) error
}

var globalReplayCounter uint64

func nextReplayNumber() uint64 {
	return atomic.AddUint64(&globalReplayCounter, 1)
}

// New creates a Printer for the configured output mode. Silenced output
// discards everything.
func New(log logger.Logger, cfg *config.OutputConfig) Printer {
	if cfg == nil {
		cfg = &config.OutputConfig{}
	}
	if cfg.Silence {
		return discard{}
	}
	switch cfg.Mode {
	case "json":
		return NewJSONPrinter(log)
	default:
		return NewConsolePrinter(log)
	}
}

type discard struct{}

func (discard) PrintExtract(request.ScanStats, []*request.ExtractedRequest) error { return nil }
func (discard) PrintReplay(*request.ReplayRecord) error                            { return nil }
func (discard) PrintRun(*request.RunRecord) error                                  { return nil }
func (discard) PrintCorrelation(report.Summary) error                              { return nil }
func (discard) PrintSimulation(string, []view.EmittedEntry) error                  { return nil }
