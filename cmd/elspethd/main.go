// Command elspethd is the reference CLI entrypoint: it wires the config
// loader, structured logger, audit database, payload store, metrics,
// HTTP progress surface, retention worker, and orchestrator together to
// run or resume a pipeline, following the flag-subcommand shape the
// teacher's cmd/ binaries use (a thin main that parses flags, builds its
// dependencies, and calls into a library package for the real work).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/tachyon-beep/elspeth-sub005/internal/audit"
	"github.com/tachyon-beep/elspeth-sub005/internal/audit/migrations"
	"github.com/tachyon-beep/elspeth-sub005/internal/audit/model"
	"github.com/tachyon-beep/elspeth-sub005/internal/checkpoint"
	"github.com/tachyon-beep/elspeth-sub005/internal/config"
	"github.com/tachyon-beep/elspeth-sub005/internal/contract"
	"github.com/tachyon-beep/elspeth-sub005/internal/engine/orchestrator"
	"github.com/tachyon-beep/elspeth-sub005/internal/engine/processor"
	"github.com/tachyon-beep/elspeth-sub005/internal/graph"
	"github.com/tachyon-beep/elspeth-sub005/internal/httpapi"
	"github.com/tachyon-beep/elspeth-sub005/internal/logging"
	"github.com/tachyon-beep/elspeth-sub005/internal/metrics"
	"github.com/tachyon-beep/elspeth-sub005/internal/payload"
	"github.com/tachyon-beep/elspeth-sub005/internal/plugin"
	"github.com/tachyon-beep/elspeth-sub005/internal/plugin/builtin"
	"github.com/tachyon-beep/elspeth-sub005/internal/retention"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: elspethd <run|resume|purge> [flags]")
		os.Exit(2)
	}
	subcommand := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "elspethd: %v\n", err)
		os.Exit(1)
	}

	fs := pflag.NewFlagSet(subcommand, pflag.ExitOnError)
	cfg.BindFlags(fs)
	if err := fs.Parse(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "elspethd: %v\n", err)
		os.Exit(1)
	}

	log := logging.New("elspethd", cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	deps, err := wireDependencies(ctx, cfg, log)
	if err != nil {
		log.Entry().WithError(err).Fatal("elspethd: failed to initialize")
	}
	defer deps.db.Close()

	switch subcommand {
	case "run":
		runCommand(ctx, deps, cfg, log)
	case "resume":
		resumeCommand(ctx, deps, cfg, log, fs.Args())
	case "purge":
		purgeCommand(ctx, deps, cfg, log)
	default:
		fmt.Fprintf(os.Stderr, "elspethd: unknown subcommand %q\n", subcommand)
		os.Exit(2)
	}
}

// prometheusRegisterer returns the default global registry when metrics
// are enabled, or nil (New skips registration entirely) when disabled —
// letting a process opt out of Prometheus without touching metrics.go.
func prometheusRegisterer(cfg *config.Config) prometheus.Registerer {
	if !cfg.MetricsEnabled {
		return nil
	}
	return prometheus.DefaultRegisterer
}

// dependencies bundles every long-lived object a subcommand needs, built
// once in wireDependencies so run/resume/purge share identical wiring.
type dependencies struct {
	db       *sqlx.DB
	store    payload.Store
	recorder *audit.Recorder
	metrics  *metrics.Metrics
	registry *httpapi.ProgressRegistry
}

func wireDependencies(ctx context.Context, cfg *config.Config, log *logging.Logger) (*dependencies, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	db.SetMaxOpenConns(cfg.DBMaxConnections)
	db.SetConnMaxIdleTime(cfg.DBIdleTimeout)

	if err := migrations.Apply(db.DB); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	fsStore, err := payload.NewFSStore(cfg.PayloadStorePath)
	if err != nil {
		return nil, fmt.Errorf("open payload store: %w", err)
	}

	var store payload.Store = fsStore
	if cfg.RedisCacheURL != "" {
		opts, err := redis.ParseURL(cfg.RedisCacheURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis cache: %w", err)
		}
		store = payload.NewCachedStore(fsStore, rdb, 10*time.Minute, log.Entry())
	}

	recorder := audit.New(db, store)
	reg := prometheusRegisterer(cfg)
	m := metrics.New(reg)

	sampler := metrics.NewResourceSampler(m, cfg.PayloadStorePath, 30*time.Second, log.Entry())
	go sampler.Run(ctx)

	progressRegistry := httpapi.NewProgressRegistry()
	server := httpapi.New(progressRegistry, log.Entry(), cfg.MetricsEnabled)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: server}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Entry().WithError(err).Error("elspethd: http server stopped unexpectedly")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	if cfg.RetentionEnabled {
		worker := retention.NewWorker(retention.New(recorder, store), retention.WorkerConfig{
			Schedule: cfg.RetentionSchedule, RetentionDays: cfg.RetentionDays, Log: log.Entry(),
		})
		if err := worker.Start(ctx); err != nil {
			return nil, fmt.Errorf("start retention worker: %w", err)
		}
		go func() {
			<-ctx.Done()
			worker.Stop()
		}()
	}

	return &dependencies{db: db, store: store, recorder: recorder, metrics: m, registry: progressRegistry}, nil
}

// demoSchema is the field contract the built-in reference pipeline
// exercises end to end: an "id" key every demo row carries.
func demoSchema() (*contract.Contract, error) {
	idField, err := contract.NewField("id", "id", contract.TypeInt, true, contract.SourceDeclared)
	if err != nil {
		return nil, err
	}
	return contract.New(contract.ModeFlexible, []contract.Field{idField}, false)
}

// buildDemoGraph wires the thin reference plugins (internal/plugin/builtin)
// into a three-node source -> transform -> sink pipeline, sufficient to
// exercise the orchestrator end to end per SPEC_FULL.md §1's "thin harness,
// not a plugin ecosystem" scope. A real deployment supplies its own graph
// built from cfg.PipelineConfigPath by a separate plugin-loading layer this
// module's scope does not include.
func buildDemoGraph(cfg *config.Config, sinkWriter *os.File) (*graph.Graph, processor.Registry, contract.Contract, error) {
	schema, err := demoSchema()
	if err != nil {
		return nil, processor.Registry{}, contract.Contract{}, err
	}

	g := graph.New()
	g.AddNode(graph.NodeInfo{NodeID: "source", NodeType: model.NodeSource, PluginName: "memory_source", OutputSchema: schema})
	g.AddNode(graph.NodeInfo{NodeID: "passthrough", NodeType: model.NodeTransform, PluginName: "passthrough", InputSchema: schema, OutputSchema: schema})
	g.AddNode(graph.NodeInfo{NodeID: "sink", NodeType: model.NodeSink, PluginName: "jsonl_sink", InputSchema: schema})
	g.AddEdge("source", "passthrough", "continue", model.ModeMove)
	g.AddEdge("passthrough", "sink", "on_success", model.ModeMove)
	g.SetSinkIDMap(map[string]string{"sink": "sink"})

	transform := builtin.NewPassthroughTransform("passthrough", schema)
	sink := builtin.NewJSONLSink("sink", schema, sinkWriter)
	reg := processor.Registry{
		Transforms: map[string]plugin.Transform{"passthrough": transform},
		Sinks:      map[string]plugin.Sink{"sink": sink},
	}
	return g, reg, *schema, nil
}

func loadDemoRows(path string) ([]plugin.Row, error) {
	if path == "" {
		return []plugin.Row{{"id": 1}, {"id": 2}, {"id": 3}}, nil
	}
	return builtin.LoadJSONLRows(path)
}

func runCommand(ctx context.Context, deps *dependencies, cfg *config.Config, log *logging.Logger) {
	sinkFile := os.Stdout
	g, reg, schemaCopy, err := buildDemoGraph(cfg, sinkFile)
	if err != nil {
		log.Entry().WithError(err).Fatal("elspethd: failed to build pipeline graph")
	}
	schema := &schemaCopy

	rows, err := loadDemoRows(cfg.PipelineConfigPath)
	if err != nil {
		log.Entry().WithError(err).Fatal("elspethd: failed to load source rows")
	}
	source := builtin.NewMemorySource("source", schema, rows)

	orch := orchestrator.New(deps.recorder, deps.store)
	orchCfg := orchestrator.Config{
		Graph: g, Registry: reg, Source: source,
		CanonicalVersion: "1.0.0",
		RunConfig:        map[string]any{"pipeline": "demo"},
		SourceSchema:     map[string]any{"mode": string(schema.Mode())},
		SchemaContract:   schema,
		CheckpointPolicy: checkpoint.Policy{Mode: cfg.CheckpointMode, N: cfg.CheckpointN},
		Log:              log.Entry(),
	}

	deps.registry.SetStatus("demo-run", model.RunRunning)
	result, err := orch.Run(ctx, orchCfg, func(e model.ProgressEvent) {
		deps.registry.Publish("demo-run", e)
	})
	if err != nil {
		log.Entry().WithError(err).Fatal("elspethd: run failed")
	}
	deps.registry.SetStatus("demo-run", result.Status)
	deps.metrics.ObserveRun(string(result.Status))
	log.Entry().WithFields(map[string]any{
		"run_id": result.RunID, "rows_processed": result.RowsProcessed,
		"rows_succeeded": result.RowsSucceeded, "rows_failed": result.RowsFailed,
	}).Info("elspethd: run complete")
}

func resumeCommand(ctx context.Context, deps *dependencies, cfg *config.Config, log *logging.Logger, args []string) {
	if len(args) < 1 {
		log.Entry().Fatal("elspethd: resume requires a run id argument")
	}
	runID := args[0]

	checkpointRow, err := deps.recorder.GetLatestCheckpoint(ctx, runID)
	if err != nil {
		log.Entry().WithError(err).Fatal("elspethd: failed to load checkpoint")
	}
	if checkpointRow == nil {
		log.Entry().WithField("run_id", runID).Fatal("elspethd: no checkpoint found for run")
	}

	g, reg, schemaCopy, err := buildDemoGraph(cfg, os.Stdout)
	if err != nil {
		log.Entry().WithError(err).Fatal("elspethd: failed to build pipeline graph")
	}
	schema := &schemaCopy

	orch := orchestrator.New(deps.recorder, deps.store)
	orchCfg := orchestrator.Config{
		Graph: g, Registry: reg,
		CanonicalVersion: "1.0.0",
		RunConfig:        map[string]any{"pipeline": "demo"},
		SchemaContract:   schema,
		CheckpointPolicy: checkpoint.Policy{Mode: cfg.CheckpointMode, N: cfg.CheckpointN},
		Log:              log.Entry(),
	}

	result, err := orch.Resume(ctx, checkpointRow, orchCfg)
	if err != nil {
		log.Entry().WithError(err).Fatal("elspethd: resume failed")
	}
	log.Entry().WithField("run_id", result.RunID).Info("elspethd: resume complete")
}

func purgeCommand(ctx context.Context, deps *dependencies, cfg *config.Config, log *logging.Logger) {
	mgr := retention.New(deps.recorder, deps.store)
	refs, err := mgr.FindExpiredPayloadRefs(ctx, cfg.RetentionDays, time.Now().UTC())
	if err != nil {
		log.Entry().WithError(err).Fatal("elspethd: failed to find expired payload refs")
	}
	result, err := mgr.PurgePayloads(ctx, refs)
	if err != nil {
		log.Entry().WithError(err).Fatal("elspethd: purge failed")
	}
	deps.metrics.ObservePurge(result.BytesFreed, len(result.FailedRefs))
	log.Entry().WithFields(map[string]any{
		"deleted": result.DeletedCount, "bytes_freed": result.BytesFreed,
		"skipped": result.SkippedCount, "failed": len(result.FailedRefs),
	}).Info("elspethd: purge complete")
}
