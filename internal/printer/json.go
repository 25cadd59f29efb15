package printer

import (
	"encoding/json"
	"io"
	"os"

	"github.com/funnyzak/viewaudit/internal/logger"
	"github.com/funnyzak/viewaudit/internal/report"
	"github.com/funnyzak/viewaudit/internal/view"
	"github.com/funnyzak/viewaudit/pkg/request"
)

// JSONPrinter writes one JSON object per line.
type JSONPrinter struct {
	encoder *json.Encoder
	logger  logger.Logger
	out     io.Writer
}

// NewJSONPrinter creates a JSON lines printer on stdout.
func NewJSONPrinter(log logger.Logger) *JSONPrinter {
	p := &JSONPrinter{logger: log}
	p.SetOutput(os.Stdout)
	return p
}

// SetOutput replaces the destination writer.
func (p *JSONPrinter) SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	p.out = w
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	p.encoder = encoder
}

type jsonExtractEnvelope struct {
	Type     string                      `json:"type"`
	Stats    request.ScanStats           `json:"stats"`
	Requests []*request.ExtractedRequest `json:"requests,omitempty"`
}

type jsonReplayEnvelope struct {
	Type   string                `json:"type"`
	Seq    uint64                `json:"seq"`
	Replay *request.ReplayRecord `json:"replay"`
}

type jsonRunEnvelope struct {
	Type string             `json:"type"`
	Run  *request.RunRecord `json:"run"`
}

type jsonCorrelationEnvelope struct {
	Type    string         `json:"type"`
	Summary report.Summary `json:"summary"`
}

type jsonSimulationEnvelope struct {
	Type    string              `json:"type"`
	View    string              `json:"view"`
	Entries []view.EmittedEntry `json:"entries"`
}

func (p *JSONPrinter) PrintExtract(stats request.ScanStats, requests []*request.ExtractedRequest) error {
	return p.encode(jsonExtractEnvelope{Type: "extract", Stats: stats, Requests: requests})
}

func (p *JSONPrinter) PrintReplay(rec *request.ReplayRecord) error {
	return p.encode(jsonReplayEnvelope{Type: "replay", Seq: nextReplayNumber(), Replay: rec})
}

func (p *JSONPrinter) PrintRun(run *request.RunRecord) error {
	return p.encode(jsonRunEnvelope{Type: "run", Run: run})
}

func (p *JSONPrinter) PrintCorrelation(summary report.Summary) error {
	return p.encode(jsonCorrelationEnvelope{Type: "correlation", Summary: summary})
}

func (p *JSONPrinter) PrintSimulation(variant string, entries []view.EmittedEntry) error {
	if entries == nil {
		entries = []view.EmittedEntry{}
	}
	return p.encode(jsonSimulationEnvelope{Type: "simulation", View: variant, Entries: entries})
}

func (p *JSONPrinter) encode(v interface{}) error {
	if err := p.encoder.Encode(v); err != nil {
		if p.logger != nil {
			p.logger.Error("Failed to encode JSON output", "error", err)
		}
		return err
	}
	return nil
}
