// Package correlator attributes the rows of archived view responses to the
// document fields that produced them.
package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/PaesslerAG/jsonpath"
	"golang.org/x/sync/semaphore"

	"github.com/funnyzak/viewaudit/internal/archive"
	"github.com/funnyzak/viewaudit/internal/couch"
	"github.com/funnyzak/viewaudit/internal/logger"
	"github.com/funnyzak/viewaudit/internal/metrics"
	"github.com/funnyzak/viewaudit/internal/report"
	"github.com/funnyzak/viewaudit/internal/view"
)

// DefaultConcurrency bounds the document fetches in flight.
const DefaultConcurrency = 5

var nonWord = regexp.MustCompile(`\W`)

// SearchKey strips every non-word character from a startkey value.
func SearchKey(startkey string) string {
	return nonWord.ReplaceAllString(startkey, "")
}

// DocumentSource fetches raw documents by id.
type DocumentSource interface {
	GetDocument(ctx context.Context, id string) ([]byte, error)
}

// Options configures a Correlator.
type Options struct {
	Concurrency int
	Views       []string
	Metrics     *metrics.Metrics
}

// Correlator walks the archive and feeds matches into an accumulator.
type Correlator struct {
	source  DocumentSource
	archive *archive.Archive
	acc     *report.Accumulator
	logger  logger.Logger
	metrics *metrics.Metrics
	sem     *semaphore.Weighted
	views   map[view.Variant]bool

	documents atomic.Int64
	failed    atomic.Int64
}

// New creates a Correlator. An empty Views list allows every supported view.
func New(source DocumentSource, arc *archive.Archive, acc *report.Accumulator, log logger.Logger, opts Options) (*Correlator, error) {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	names := opts.Views
	if len(names) == 0 {
		names = view.Names()
	}
	views := make(map[view.Variant]bool, len(names))
	for _, name := range names {
		v, err := view.Parse(name)
		if err != nil {
			return nil, err
		}
		views[v] = true
	}
	return &Correlator{
		source:  source,
		archive: arc,
		acc:     acc,
		logger:  log,
		metrics: opts.Metrics,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		views:   views,
	}, nil
}

// Run processes every archived prod response. Documents that fail to load
// are logged and counted; the pass carries on with the rest.
func (c *Correlator) Run(ctx context.Context) (report.Summary, error) {
	summary := report.Summary{}
	entries, err := c.archive.Entries(archive.ProdFile)
	if err != nil {
		return summary, err
	}

	var wg sync.WaitGroup
	var runErr error
	for _, entry := range entries {
		searchKey, variant, rows, ok := c.prepare(entry)
		if !ok {
			summary.Skipped++
			continue
		}
		summary.Archives++

		if err := c.dispatch(ctx, &wg, searchKey, variant, rows); err != nil {
			runErr = err
			break
		}
	}
	wg.Wait()

	summary.Documents = int(c.documents.Load())
	summary.Failed = int(c.failed.Load())
	summary.Matches = c.acc.Counts()
	return summary, runErr
}

// CorrelateEntry processes a single archive entry and waits for its
// documents.
func (c *Correlator) CorrelateEntry(ctx context.Context, entry archive.Entry) error {
	searchKey, variant, rows, ok := c.prepare(entry)
	if !ok {
		return nil
	}
	var wg sync.WaitGroup
	err := c.dispatch(ctx, &wg, searchKey, variant, rows)
	wg.Wait()
	return err
}

func (c *Correlator) prepare(entry archive.Entry) (string, view.Variant, []couch.Row, bool) {
	startkey, ok := entry.Params.Get("startkey")
	if !ok {
		c.logger.Debug("Skipping archive without startkey", "dir", entry.Dir)
		return "", 0, nil, false
	}
	variant, err := view.Parse(entry.View)
	if err != nil {
		c.logger.Warn("Skipping archive for unsupported view", "view", entry.View, "dir", entry.Dir)
		return "", 0, nil, false
	}
	if !c.views[variant] {
		c.logger.Debug("Skipping archive for excluded view", "view", entry.View)
		return "", 0, nil, false
	}

	data, err := c.archive.Read(entry, archive.ProdFile)
	if err != nil {
		c.logger.Error("Failed to read archive", "dir", entry.Dir, "error", err)
		return "", 0, nil, false
	}
	var resp couch.SearchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		c.logger.Error("Failed to decode archived response", "dir", entry.Dir, "error", err)
		return "", 0, nil, false
	}
	return SearchKey(startkey), variant, resp.Rows, true
}

func (c *Correlator) dispatch(ctx context.Context, wg *sync.WaitGroup, searchKey string, variant view.Variant, rows []couch.Row) error {
	for _, row := range rows {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer c.sem.Release(1)
			c.correlateDocument(ctx, searchKey, variant, id)
		}(row.ID)
	}
	return nil
}

func (c *Correlator) correlateDocument(ctx context.Context, searchKey string, variant view.Variant, id string) {
	if c.metrics != nil {
		c.metrics.DocumentsInFlight.Inc()
		defer c.metrics.DocumentsInFlight.Dec()
	}

	body, err := c.source.GetDocument(ctx, id)
	if err != nil {
		c.fail(variant, id, err)
		return
	}
	doc, err := view.ParseDocument(body)
	if err != nil {
		c.fail(variant, id, err)
		return
	}
	c.documents.Add(1)
	if c.metrics != nil {
		c.metrics.DocumentsSimulated.WithLabelValues(variant.String(), "ok").Inc()
	}

	var plain map[string]any
	for _, entry := range variant.Simulate(doc) {
		if len(entry.Key) == 0 || !strings.HasPrefix(entry.Key[0], searchKey) {
			continue
		}
		if plain == nil {
			plain = doc.Plain()
		}
		c.acc.Append(entry.OriginField, report.MatchRecord{
			Query:        searchKey,
			MatchedKey:   entry.Key[0],
			MatchedValue: ValueAt(plain, entry.OriginField),
		})
		if c.metrics != nil {
			c.metrics.Matches.WithLabelValues(entry.OriginField).Inc()
		}
	}
}

func (c *Correlator) fail(variant view.Variant, id string, err error) {
	c.failed.Add(1)
	if c.metrics != nil {
		c.metrics.DocumentsSimulated.WithLabelValues(variant.String(), "error").Inc()
	}
	c.logger.Error("Failed to load document", "view", variant.String(), "id", id, "error", err)
}

// ValueAt resolves a dotted field path against a decoded document. Missing
// paths resolve to nil.
func ValueAt(doc map[string]any, field string) any {
	if field == "" {
		return nil
	}
	value, err := jsonpath.Get(fieldExpression(field), doc)
	if err != nil {
		return nil
	}
	return value
}

func fieldExpression(field string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, segment := range strings.Split(field, ".") {
		fmt.Fprintf(&b, "[%s]", strconv.Quote(segment))
	}
	return b.String()
}
