package printer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/funnyzak/viewaudit/internal/logger"
	"github.com/funnyzak/viewaudit/internal/report"
	"github.com/funnyzak/viewaudit/internal/view"
	"github.com/funnyzak/viewaudit/pkg/request"
)

// ColorScheme color scheme
type ColorScheme struct {
	Identical *color.Color
	Mismatch  *color.Color
	Failure   *color.Color
	View      *color.Color
	Path      *color.Color
	Query     *color.Color
	Separator *color.Color
	Timestamp *color.Color
	DiffRow   *color.Color
	Field     *color.Color
	Count     *color.Color
}

// NewColorScheme creates a new color scheme
func NewColorScheme() *ColorScheme {
	return &ColorScheme{
		Identical: color.New(color.FgGreen, color.Bold),
		Mismatch:  color.New(color.FgYellow, color.Bold),
		Failure:   color.New(color.FgRed, color.Bold),
		View:      color.New(color.FgBlue, color.Bold),
		Path:      color.New(color.FgWhite),
		Query:     color.New(color.FgHiMagenta),
		Separator: color.New(color.FgYellow, color.Bold),
		Timestamp: color.New(color.FgHiBlack),
		DiffRow:   color.New(color.FgHiRed),
		Field:     color.New(color.FgCyan),
		Count:     color.New(color.FgWhite, color.Bold),
	}
}

// ConsolePrinter console printer
type ConsolePrinter struct {
	colorScheme *ColorScheme
	logger      logger.Logger
	out         io.Writer
}

// NewConsolePrinter creates a new console printer
func NewConsolePrinter(log logger.Logger) *ConsolePrinter {
	return &ConsolePrinter{
		colorScheme: NewColorScheme(),
		logger:      log,
		out:         os.Stdout,
	}
}

// getTerminalWidth gets the current terminal width with fallback
func (p *ConsolePrinter) getTerminalWidth() int {
	if testWidth := os.Getenv("VIEWAUDIT_TEST_WIDTH"); testWidth != "" {
		if width, err := strconv.Atoi(testWidth); err == nil {
			return clampWidth(width)
		}
	}

	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return clampWidth(width)
}

func clampWidth(width int) int {
	switch {
	case width < 40:
		return 40
	case width > 150:
		return 150
	default:
		return width
	}
}

// PrintExtract prints the extraction summary and the unique requests.
func (p *ConsolePrinter) PrintExtract(stats request.ScanStats, requests []*request.ExtractedRequest) error {
	fmt.Fprintf(p.out, "Parsed %s lines and found %s unique requests\n",
		humanize.Comma(int64(stats.Lines)), humanize.Comma(int64(stats.Unique)))
	if stats.Malformed > 0 {
		p.colorScheme.Timestamp.Fprintf(p.out, "%s lines did not contain a view query\n", humanize.Comma(int64(stats.Malformed)))
	}

	width := p.getTerminalWidth()
	for _, req := range requests {
		p.colorScheme.View.Fprint(p.out, runewidth.FillRight(req.View, 22))
		fmt.Fprint(p.out, " ")
		p.colorScheme.Query.Fprintln(p.out, runewidth.Truncate(req.Params.Encode(), width-23, "..."))
	}
	return nil
}

// PrintReplay prints one replay outcome. Identical results take one line,
// mismatches list every row missing from the new backend.
func (p *ConsolePrinter) PrintReplay(rec *request.ReplayRecord) error {
	num := nextReplayNumber()
	width := p.getTerminalWidth()

	p.colorScheme.Separator.Fprintln(p.out, strings.Repeat("-", width))
	p.colorScheme.Separator.Fprintf(p.out, "Replay #%d  ", num)
	p.colorScheme.Timestamp.Fprintln(p.out, rec.Timestamp.Format(time.RFC3339))
	p.colorScheme.Path.Fprintln(p.out, runewidth.Truncate(rec.FullPath, width, "..."))

	switch rec.Result {
	case request.ResultIdentical:
		p.colorScheme.Identical.Fprint(p.out, "identical")
		fmt.Fprintf(p.out, "  prod %s rows | new %s rows | %dms\n",
			humanize.Comma(int64(rec.ProdRows)), humanize.Comma(int64(rec.NewRows)), rec.DurationMs)
	case request.ResultMismatch:
		p.colorScheme.Mismatch.Fprintf(p.out, "%s rows missing from new", humanize.Comma(int64(rec.DiffRows)))
		fmt.Fprintf(p.out, "  prod %s rows | new %s rows | %dms\n",
			humanize.Comma(int64(rec.ProdRows)), humanize.Comma(int64(rec.NewRows)), rec.DurationMs)
		p.printDiffRows(rec.Diff, width)
	default:
		p.colorScheme.Failure.Fprintf(p.out, "%s: ", rec.Result)
		fmt.Fprintln(p.out, rec.Error)
	}
	return nil
}

func (p *ConsolePrinter) printDiffRows(diff json.RawMessage, width int) {
	var rows []json.RawMessage
	if err := json.Unmarshal(diff, &rows); err != nil {
		p.logger.Warn("Failed to decode diff rows", "error", err)
		return
	}
	for _, row := range rows {
		var compact bytes.Buffer
		if err := json.Compact(&compact, row); err != nil {
			compact.Reset()
			compact.Write(row)
		}
		p.colorScheme.DiffRow.Fprintln(p.out, "  - "+runewidth.Truncate(compact.String(), width-4, "..."))
	}
}

// PrintRun prints the totals of a finished run.
func (p *ConsolePrinter) PrintRun(run *request.RunRecord) error {
	width := p.getTerminalWidth()
	p.colorScheme.Separator.Fprintln(p.out, strings.Repeat("=", width))
	took := ""
	if run.FinishedAt != nil {
		took = run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
	}
	fmt.Fprintf(p.out, "Run %s (%s) finished in %s\n", run.ID, run.Kind, took)
	p.colorScheme.Identical.Fprintf(p.out, "%s identical", humanize.Comma(int64(run.Identical)))
	fmt.Fprint(p.out, " | ")
	p.colorScheme.Mismatch.Fprintf(p.out, "%s mismatched", humanize.Comma(int64(run.Mismatched)))
	fmt.Fprint(p.out, " | ")
	p.colorScheme.Failure.Fprintf(p.out, "%s failed", humanize.Comma(int64(run.Failed)))
	fmt.Fprintln(p.out)
	return nil
}

// PrintCorrelation prints the matched fields with their match counts.
func (p *ConsolePrinter) PrintCorrelation(summary report.Summary) error {
	fmt.Fprintf(p.out, "Correlated %s archives (%s skipped), simulated %s documents",
		humanize.Comma(int64(summary.Archives)), humanize.Comma(int64(summary.Skipped)), humanize.Comma(int64(summary.Documents)))
	if summary.Failed > 0 {
		p.colorScheme.Failure.Fprintf(p.out, ", %s failed", humanize.Comma(int64(summary.Failed)))
	}
	fmt.Fprintln(p.out)

	fields := make([]string, 0, len(summary.Matches))
	colWidth := 0
	for field := range summary.Matches {
		fields = append(fields, field)
		if w := runewidth.StringWidth(field); w > colWidth {
			colWidth = w
		}
	}
	sort.Strings(fields)
	for _, field := range fields {
		p.colorScheme.Field.Fprint(p.out, runewidth.FillRight(field, colWidth))
		fmt.Fprint(p.out, "  ")
		p.colorScheme.Count.Fprintln(p.out, humanize.Comma(int64(summary.Matches[field])))
	}
	return nil
}

// PrintSimulation prints the entries a view emits for one document.
func (p *ConsolePrinter) PrintSimulation(variant string, entries []view.EmittedEntry) error {
	p.colorScheme.View.Fprintf(p.out, "%s", variant)
	fmt.Fprintf(p.out, " emitted %d keys\n", len(entries))

	keyWidth := 0
	for _, e := range entries {
		if w := runewidth.StringWidth(entryKey(e)); w > keyWidth {
			keyWidth = w
		}
	}
	for _, e := range entries {
		p.colorScheme.Query.Fprint(p.out, runewidth.FillRight(entryKey(e), keyWidth))
		fmt.Fprint(p.out, "  ")
		p.colorScheme.Field.Fprint(p.out, e.OriginField)
		p.colorScheme.Timestamp.Fprintf(p.out, "  %v\n", e.SortValue)
	}
	return nil
}

func entryKey(e view.EmittedEntry) string {
	if len(e.Key) == 0 {
		return ""
	}
	return e.Key[0]
}
