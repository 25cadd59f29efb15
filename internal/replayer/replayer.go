// Package replayer sends every extracted query to the production and the
// new backend, archives both answers and reports the rows the new backend
// lost.
package replayer

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/funnyzak/viewaudit/internal/archive"
	"github.com/funnyzak/viewaudit/internal/couch"
	"github.com/funnyzak/viewaudit/internal/logger"
	"github.com/funnyzak/viewaudit/internal/metrics"
	"github.com/funnyzak/viewaudit/pkg/request"
)

// Backend answers view queries.
type Backend interface {
	Name() string
	QueryView(ctx context.Context, req *request.ExtractedRequest) (*couch.SearchResponse, []byte, error)
}

// Ledger persists replay outcomes.
type Ledger interface {
	RecordReplay(*request.ReplayRecord) (*request.ReplayRecord, error)
}

// Reporter shows replay outcomes to the operator.
type Reporter interface {
	PrintReplay(*request.ReplayRecord) error
}

// Options wires the optional collaborators of a Replayer.
type Options struct {
	Delay    time.Duration
	Ledger   Ledger
	Reporter Reporter
	Metrics  *metrics.Metrics
}

// Outcome is the result of replaying one request.
type Outcome struct {
	Request    *request.ExtractedRequest
	ProdRows   int
	NewRows    int
	Diff       []couch.Row
	ArchiveDir string
	Duration   time.Duration
	Err        error
}

// Identical reports whether both backends returned the same rows.
func (o *Outcome) Identical() bool {
	return o.Err == nil && len(o.Diff) == 0
}

// Result classifies the outcome.
func (o *Outcome) Result() string {
	var fsErr *archive.FilesystemError
	switch {
	case o.Err == nil && len(o.Diff) == 0:
		return request.ResultIdentical
	case o.Err == nil:
		return request.ResultMismatch
	case errors.As(o.Err, &fsErr):
		return request.ResultArchiveError
	default:
		return request.ResultBackendError
	}
}

// Replayer replays requests one at a time against two backends.
type Replayer struct {
	prod     Backend
	next     Backend
	archive  *archive.Archive
	logger   logger.Logger
	delay    time.Duration
	ledger   Ledger
	reporter Reporter
	metrics  *metrics.Metrics
}

// New creates a Replayer comparing prod against next.
func New(prod, next Backend, arc *archive.Archive, log logger.Logger, opts Options) *Replayer {
	return &Replayer{
		prod:     prod,
		next:     next,
		archive:  arc,
		logger:   log,
		delay:    opts.Delay,
		ledger:   opts.Ledger,
		reporter: opts.Reporter,
		metrics:  opts.Metrics,
	}
}

// Run replays every request of set in discovery order and waits the
// configured delay after each one. Failures are reported and never stop the
// run; only cancellation of ctx does. run, when non-nil, receives the
// per-result counts.
func (r *Replayer) Run(ctx context.Context, set *request.Set, run *request.RunRecord) ([]*Outcome, error) {
	requests := set.All()
	outcomes := make([]*Outcome, 0, len(requests))

	for _, req := range requests {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		outcome := r.ReplayOne(ctx, req)
		outcomes = append(outcomes, outcome)
		r.record(outcome, run)

		if err := sleep(ctx, r.delay); err != nil {
			return outcomes, err
		}
	}
	return outcomes, nil
}

// ReplayOne queries both backends concurrently, archives both bodies and
// computes the rows present in prod but missing from the new backend.
func (r *Replayer) ReplayOne(ctx context.Context, req *request.ExtractedRequest) *Outcome {
	start := time.Now()
	outcome := &Outcome{Request: req}
	defer func() { outcome.Duration = time.Since(start) }()

	var (
		prodResp, newResp *couch.SearchResponse
		prodBody, newBody []byte
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		prodResp, prodBody, err = r.prod.QueryView(groupCtx, req)
		return err
	})
	group.Go(func() error {
		var err error
		newResp, newBody, err = r.next.QueryView(groupCtx, req)
		return err
	})
	if err := group.Wait(); err != nil {
		outcome.Err = err
		return outcome
	}

	dir, err := r.archive.Store(req, prodBody, newBody)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	outcome.ArchiveDir = dir
	outcome.ProdRows = len(prodResp.Rows)
	outcome.NewRows = len(newResp.Rows)
	outcome.Diff = MultisetDifference(prodResp.Rows, newResp.Rows, rowsEqual)
	return outcome
}

func rowsEqual(a, b couch.Row) bool {
	return reflect.DeepEqual(a, b)
}

func (r *Replayer) record(o *Outcome, run *request.RunRecord) {
	result := o.Result()
	rec := &request.ReplayRecord{
		Timestamp:  time.Now().UTC(),
		View:       o.Request.View,
		FullPath:   o.Request.FullPath,
		Result:     result,
		ProdRows:   o.ProdRows,
		NewRows:    o.NewRows,
		DiffRows:   len(o.Diff),
		ArchiveDir: o.ArchiveDir,
		DurationMs: o.Duration.Milliseconds(),
	}
	if run != nil {
		rec.RunID = run.ID
	}
	if len(o.Diff) > 0 {
		if diff, err := json.Marshal(o.Diff); err == nil {
			rec.Diff = diff
		} else {
			r.logger.Warn("Failed to encode diff rows", "path", o.Request.FullPath, "error", err)
		}
	}

	switch result {
	case request.ResultIdentical:
		r.logger.Debug("Responses identical", "view", rec.View, "path", rec.FullPath, "rows", rec.ProdRows)
	case request.ResultMismatch:
		r.logger.Warn("Responses differ", "view", rec.View, "path", rec.FullPath, "missing_rows", rec.DiffRows)
	default:
		rec.Error = o.Err.Error()
		r.logger.Error("Replay failed", "view", rec.View, "path", rec.FullPath, "error", o.Err)
	}

	if run != nil {
		switch result {
		case request.ResultIdentical:
			run.Identical++
		case request.ResultMismatch:
			run.Mismatched++
		default:
			run.Failed++
		}
	}
	if r.metrics != nil {
		r.metrics.ReplayResults.WithLabelValues(rec.View, result).Inc()
		if rec.DiffRows > 0 {
			r.metrics.DiffRows.WithLabelValues(rec.View).Add(float64(rec.DiffRows))
		}
	}
	if r.ledger != nil {
		if _, err := r.ledger.RecordReplay(rec); err != nil {
			r.logger.Warn("Failed to record replay", "path", rec.FullPath, "error", err)
		}
	}
	if r.reporter != nil {
		if err := r.reporter.PrintReplay(rec); err != nil {
			r.logger.Warn("Failed to print replay", "path", rec.FullPath, "error", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
