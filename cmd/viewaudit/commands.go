package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/funnyzak/viewaudit/internal/archive"
	"github.com/funnyzak/viewaudit/internal/config"
	"github.com/funnyzak/viewaudit/internal/correlator"
	"github.com/funnyzak/viewaudit/internal/couch"
	"github.com/funnyzak/viewaudit/internal/logger"
	"github.com/funnyzak/viewaudit/internal/metrics"
	"github.com/funnyzak/viewaudit/internal/printer"
	"github.com/funnyzak/viewaudit/internal/replayer"
	"github.com/funnyzak/viewaudit/internal/report"
	"github.com/funnyzak/viewaudit/internal/server"
	"github.com/funnyzak/viewaudit/internal/storage"
	"github.com/funnyzak/viewaudit/internal/view"
	"github.com/funnyzak/viewaudit/pkg/request"
)

func newExtractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Mine the access log for unique view queries",
		RunE:  runExtract,
	}
	cmd.Flags().Bool("list", false, "List every unique request")
	return cmd
}

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay every extracted query against both databases and diff the rows",
		RunE:  runReplay,
	}
	cmd.Flags().Duration("delay", -1, "Pause after each replayed request (default from config)")
	cmd.Flags().Bool("serve", false, "Serve the API and the live replay feed while replaying")
	return cmd
}

// reporters fans replay outcomes out to several reporters.
type reporters []replayer.Reporter

func (rs reporters) PrintReplay(rec *request.ReplayRecord) error {
	var firstErr error
	for _, r := range rs {
		if err := r.PrintReplay(rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func newCorrelateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "correlate",
		Short: "Attribute archived matches to the document fields that produced them",
		RunE:  runCorrelate,
	}
	cmd.Flags().Int("concurrency", 0, "Maximum document fetches in flight")
	cmd.Flags().String("report", "", "Path of the match report")
	cmd.Flags().String("fields", "", "Path of the matched field list")
	return cmd
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate <document.json>",
		Short: "Show the index entries a view emits for a local document",
		Args:  cobra.ExactArgs(1),
		RunE:  runSimulate,
	}
	cmd.Flags().String("view", view.ContactsByFreetext.String(), "View to simulate")
	return cmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the replay ledger and the match report over HTTP",
		RunE:  runServe,
	}
	cmd.Flags().IntP("port", "p", 0, "Listen port")
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func extractRequests(cfg *config.Config, log logger.Logger, m *metrics.Metrics) (*request.Set, request.ScanStats, error) {
	f, err := os.Open(cfg.Extract.LogFile)
	if err != nil {
		return nil, request.ScanStats{}, fmt.Errorf("open access log: %w", err)
	}
	defer f.Close()

	set := request.NewSet()
	stats, err := request.Scan(f, set, cfg.Extract.MaxLineBytes, func(perr *request.ParseError) {
		log.Debug("Skipping line", "line", perr.Line, "error", perr)
	})
	if m != nil {
		m.LogLines.WithLabelValues("query").Add(float64(stats.Lines - stats.Malformed))
		m.LogLines.WithLabelValues("skipped").Add(float64(stats.Malformed))
	}
	if err != nil {
		return nil, stats, fmt.Errorf("read access log: %w", err)
	}
	log.Info("Access log parsed", "lines", stats.Lines, "unique", stats.Unique, "skipped", stats.Malformed)
	return set, stats, nil
}

func runExtract(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.RequireLogFile(); err != nil {
		return err
	}

	set, stats, err := extractRequests(cfg, log, nil)
	if err != nil {
		return err
	}
	var listing []*request.ExtractedRequest
	if list, _ := cmd.Flags().GetBool("list"); list {
		listing = set.All()
	}
	return printer.New(log, &cfg.Output).PrintExtract(stats, listing)
}

func backendOptions(cfg *config.BackendConfig) couch.Options {
	return couch.Options{
		Username:              cfg.Username,
		Password:              cfg.Password,
		Database:              cfg.Database,
		Timeout:               time.Duration(cfg.Timeout) * time.Second,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       time.Duration(cfg.IdleConnTimeout) * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.ResponseHeaderTimeout) * time.Second,
		TLSHandshakeTimeout:   time.Duration(cfg.TLSHandshakeTimeout) * time.Second,
		TLSInsecureSkipVerify: cfg.TLSInsecureSkipVerify,
	}
}

func openLedger(cfg *config.Config, log logger.Logger) (storage.Store, error) {
	if !cfg.Storage.Enable {
		return nil, nil
	}
	store, err := storage.New(&cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("open replay ledger: %w", err)
	}
	return store, nil
}

func serveMetrics(ctx context.Context, cfg *config.Config, m *metrics.Metrics, log logger.Logger) {
	if cfg.Metrics.Listen == "" {
		return
	}
	log.Info("Serving metrics", "addr", cfg.Metrics.Listen)
	go func() {
		if err := m.Serve(ctx, cfg.Metrics.Listen); err != nil {
			log.Error("Metrics endpoint failed", "error", err)
		}
	}()
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if delay, err := cmd.Flags().GetDuration("delay"); err == nil && delay >= 0 {
		cfg.Replay.Delay = delay
	}
	if err := cfg.RequireLogFile(); err != nil {
		return err
	}
	if err := cfg.RequireBackends(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	m := metrics.New()
	serveMetrics(ctx, cfg, m, log)
	out := printer.New(log, &cfg.Output)

	set, stats, err := extractRequests(cfg, log, m)
	if err != nil {
		return err
	}
	if err := out.PrintExtract(stats, nil); err != nil {
		return err
	}

	prod, err := couch.NewClient("prod", cfg.Backend.ProdURL, backendOptions(&cfg.Backend), log, m)
	if err != nil {
		return err
	}
	defer prod.Close()
	next, err := couch.NewClient("new", cfg.Backend.NewURL, backendOptions(&cfg.Backend), log, m)
	if err != nil {
		return err
	}
	defer next.Close()

	store, err := openLedger(cfg, log)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}
	opts := replayer.Options{Delay: cfg.Replay.Delay, Reporter: out, Metrics: m}
	if serve, _ := cmd.Flags().GetBool("serve"); serve {
		api := server.New(cfg, store, m, log)
		opts.Reporter = reporters{out, api.Hub()}
		go func() {
			if err := api.Start(ctx); err != nil {
				log.Error("API server failed", "error", err)
			}
		}()
	}

	var run *request.RunRecord
	if store != nil {
		opts.Ledger = store
		if run, err = store.BeginRun("replay"); err != nil {
			return err
		}
	} else {
		run = &request.RunRecord{ID: uuid.NewString(), Kind: "replay", StartedAt: time.Now().UTC()}
	}
	run.Lines = stats.Lines
	run.Unique = stats.Unique

	log = log.With("run", run.ID)
	r := replayer.New(prod, next, archive.New(cfg.Replay.ArchiveDir), log, opts)
	_, runErr := r.Run(ctx, set, run)

	if store != nil {
		if err := store.FinishRun(run); err != nil {
			log.Error("Failed to finish run", "error", err)
		}
	} else {
		finished := time.Now().UTC()
		run.FinishedAt = &finished
	}
	if err := out.PrintRun(run); err != nil {
		return err
	}
	return runErr
}

func runCorrelate(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
		cfg.Correlate.Concurrency = n
	}
	if path, _ := cmd.Flags().GetString("report"); path != "" {
		cfg.Correlate.ReportPath = path
	}
	if path, _ := cmd.Flags().GetString("fields"); path != "" {
		cfg.Correlate.FieldsPath = path
	}
	if err := cfg.RequireProdBackend(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	m := metrics.New()
	serveMetrics(ctx, cfg, m, log)

	prod, err := couch.NewClient("prod", cfg.Backend.ProdURL, backendOptions(&cfg.Backend), log, m)
	if err != nil {
		return err
	}
	defer prod.Close()

	acc := report.NewAccumulator()
	c, err := correlator.New(prod, archive.New(cfg.Correlate.ArchiveDir), acc, log, correlator.Options{
		Concurrency: cfg.Correlate.Concurrency,
		Views:       cfg.Correlate.Views,
		Metrics:     m,
	})
	if err != nil {
		return err
	}

	summary, runErr := c.Run(ctx)
	if err := acc.WriteFiles(cfg.Correlate.ReportPath, cfg.Correlate.FieldsPath); err != nil {
		return err
	}
	log.Info("Report written", "report", cfg.Correlate.ReportPath, "fields", cfg.Correlate.FieldsPath, "matched_fields", acc.Len())

	if err := printer.New(log, &cfg.Output).PrintCorrelation(summary); err != nil {
		return err
	}
	return runErr
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	name, _ := cmd.Flags().GetString("view")
	variant, err := view.Parse(name)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	doc, err := view.ParseDocument(data)
	if err != nil {
		return fmt.Errorf("parse document %s: %w", args[0], err)
	}
	return printer.New(log, &cfg.Output).PrintSimulation(variant.String(), variant.Simulate(doc))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port, err := cmd.Flags().GetInt("port"); err == nil && port != 0 {
		cfg.Server.Port = port
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}

	store, err := openLedger(cfg, log)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	if cfg.Output.Mode != "json" && !cfg.Output.Silence {
		printStartupBanner(cfg, log)
	}

	ctx, stop := signalContext()
	defer stop()

	return server.New(cfg, store, metrics.New(), log).Start(ctx)
}
