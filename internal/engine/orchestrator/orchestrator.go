// Package orchestrator implements the Orchestrator (spec §4.11): run
// lifecycle from pre-flight validation through node/edge registration,
// row ingestion, sink batch writes with checkpoint creation, and
// complete_run — plus resume, which replays the rows a prior attempt left
// unfinished using the Checkpoint Manager instead of re-reading the
// source.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tachyon-beep/elspeth-sub005/internal/audit"
	"github.com/tachyon-beep/elspeth-sub005/internal/audit/model"
	"github.com/tachyon-beep/elspeth-sub005/internal/canon"
	"github.com/tachyon-beep/elspeth-sub005/internal/checkpoint"
	"github.com/tachyon-beep/elspeth-sub005/internal/contract"
	"github.com/tachyon-beep/elspeth-sub005/internal/elspethErr"
	"github.com/tachyon-beep/elspeth-sub005/internal/engine/aggregation"
	"github.com/tachyon-beep/elspeth-sub005/internal/engine/coalesce"
	"github.com/tachyon-beep/elspeth-sub005/internal/engine/processor"
	"github.com/tachyon-beep/elspeth-sub005/internal/engine/retry"
	"github.com/tachyon-beep/elspeth-sub005/internal/engine/tokens"
	"github.com/tachyon-beep/elspeth-sub005/internal/graph"
	"github.com/tachyon-beep/elspeth-sub005/internal/payload"
	"github.com/tachyon-beep/elspeth-sub005/internal/plugin"
)

// NodeRuntime carries the per-node metadata the audit trail records that
// the execution graph itself does not hold (graph.NodeInfo is deliberately
// silent on plugin version and determinism class — those are a deployment
// fact, not a graph-shape fact).
type NodeRuntime struct {
	Version     string
	Determinism model.Determinism
}

// Config bundles everything one Run or Resume call needs: the already-
// built, already-validated-by-construction graph, the plugin instances
// wired to each node, and the per-node runtime settings the graph does not
// carry itself.
type Config struct {
	Graph    *graph.Graph
	Registry processor.Registry
	Source   plugin.Source

	NodeRuntimes map[string]NodeRuntime
	// RetryPolicies is keyed by transform node id; a node absent from this
	// map gets retry.NoRetry() via retry.FromPolicy's nil-policy default.
	RetryPolicies map[string]*retry.Policy
	// CoalesceSettings and AggregationTriggers are keyed by node id.
	CoalesceSettings         map[string]coalesce.Settings
	CoalesceMaxCompletedKeys int
	AggregationTriggers      map[string]aggregation.Trigger

	CanonicalVersion string
	// RunConfig is the full pipeline configuration, hashed and stored
	// verbatim as the run's settings_json (spec §4.4).
	RunConfig map[string]any
	// SourceSchema is the raw, pre-contract schema the source declared (if
	// any); SchemaContract is the negotiated contract used both for
	// tamper-evident storage and resume-time rehydration validation.
	SourceSchema   map[string]any
	SchemaContract *contract.Contract

	CheckpointPolicy checkpoint.Policy

	Log *logrus.Entry
}

// RunResult summarizes one Run or Resume call.
type RunResult struct {
	RunID           string
	Status          model.RunStatus
	RowsProcessed   int64
	RowsSucceeded   int64
	RowsFailed      int64
	RowsQuarantined int64
}

// Orchestrator runs pipelines end to end against a recorder and a payload
// store, matching the teacher's convention of one long-lived coordinator
// type constructed once and handed every call's per-invocation Config.
type Orchestrator struct {
	recorder *audit.Recorder
	store    payload.Store
}

// New constructs an Orchestrator bound to recorder and store.
func New(recorder *audit.Recorder, store payload.Store) *Orchestrator {
	return &Orchestrator{recorder: recorder, store: store}
}

type wiring struct {
	runID      string
	proc       *processor.Processor
	tokenMgr   *tokens.Manager
	configHash string
	topoHash   string
	stepMap    map[string]int
	sourceID   string
	firstNode  string
}

// preflightAndWire validates cfg.Graph, begins (or, for resume, re-uses)
// the run record, registers every node and edge, and constructs the
// per-run engine components (retry configs, coalesce executors,
// aggregation buffers, token manager, row processor) a row needs to flow
// through the graph. Both Run and Resume share this setup because spec
// §4.11(c) requires resume to "re-validate all pre-flight conditions" —
// configuration may have been edited between attempts.
func (o *Orchestrator) preflightAndWire(ctx context.Context, cfg Config, existingRunID string) (*wiring, error) {
	if err := cfg.Graph.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Graph.ValidateEdgeCompatibility(); err != nil {
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	configHash, err := canon.StableHash(cfg.RunConfig)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: hash run config: %w", err)
	}
	topoHash, err := checkpoint.TopologyHash(cfg.Graph)
	if err != nil {
		return nil, err
	}

	runID := existingRunID
	if runID == "" {
		runID, err = o.recorder.BeginRun(ctx, cfg.RunConfig, cfg.CanonicalVersion, cfg.SourceSchema, cfg.SchemaContract)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: begin run: %w", err)
		}
	}

	for _, n := range cfg.Graph.GetNodes() {
		rt := cfg.NodeRuntimes[n.NodeID]
		if _, err := o.recorder.RegisterNode(ctx, runID, n.NodeID, n.PluginName, n.NodeType, rt.Version, n.Config, rt.Determinism, n.OutputSchema); err != nil {
			return nil, fmt.Errorf("orchestrator: register node %s: %w", n.NodeID, err)
		}
	}

	edgeMap := make(map[[2]string]string)
	for _, e := range cfg.Graph.GetEdges() {
		edgeID, err := o.recorder.RegisterEdge(ctx, runID, e.FromNode, e.ToNode, e.Label, e.Mode)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: register edge %s->%s[%s]: %w", e.FromNode, e.ToNode, e.Label, err)
		}
		edgeMap[[2]string{e.FromNode, e.Label}] = edgeID
	}

	stepMap := cfg.Graph.BuildStepMap()

	sourceID, ok := cfg.Graph.GetSource()
	if !ok {
		return nil, elspethErr.GraphValidationError("graph must have exactly one source node")
	}
	firstNode, ok := cfg.Graph.GetFirstTransformNode()
	if !ok {
		return nil, elspethErr.GraphValidationError("graph has no processing node reachable from its source")
	}

	retries := make(map[string]*retry.RuntimeRetryConfig)
	for _, n := range cfg.Graph.GetNodes() {
		if n.NodeType != model.NodeTransform {
			continue
		}
		retries[n.NodeID] = retry.FromPolicy(cfg.RetryPolicies[n.NodeID], log)
	}

	coalesceExecs := make(map[string]*coalesce.Executor)
	for nodeID, settings := range cfg.CoalesceSettings {
		coalesceExecs[nodeID] = coalesce.New(settings, cfg.CoalesceMaxCompletedKeys)
	}

	aggBuffers := make(map[string]*aggregation.Buffer)
	for nodeID, trigger := range cfg.AggregationTriggers {
		aggBuffers[nodeID] = aggregation.NewBuffer(nodeID, trigger)
	}

	tokenMgr := tokens.New(o.recorder)
	proc := processor.New(cfg.Graph, o.recorder, tokenMgr, cfg.Registry, retries, coalesceExecs, aggBuffers, edgeMap, log)

	return &wiring{
		runID: runID, proc: proc, tokenMgr: tokenMgr, configHash: configHash, topoHash: topoHash,
		stepMap: stepMap, sourceID: sourceID, firstNode: firstNode,
	}, nil
}

// closeAll runs Close on the source and every sink, recording failures
// without letting one plugin's cleanup error stop another's — spec §4.11's
// "close must run on all plugins even if earlier cleanup raised"
// structured-finally guarantee.
func closeAll(ctx context.Context, cfg Config, log *logrus.Entry) {
	if cfg.Source != nil {
		if err := cfg.Source.Close(ctx); err != nil {
			log.WithError(err).WithField("plugin", cfg.Source.Name()).Warn("orchestrator: source close failed")
		}
	}
	for name, sink := range cfg.Registry.Sinks {
		if err := sink.Close(ctx); err != nil {
			log.WithError(err).WithField("plugin", name).Warn("orchestrator: sink close failed")
		}
	}
}

// counters accumulates the RunResult tallies from a stream of
// processor.TokenResult values.
type counters struct {
	processed, succeeded, failed, quarantined int64
}

func (c *counters) absorb(results []processor.TokenResult) {
	for _, r := range results {
		c.processed++
		switch r.Outcome {
		case model.OutcomeCompleted, model.OutcomeRouted:
			c.succeeded++
		case model.OutcomeQuarantined:
			c.quarantined++
		case model.OutcomeFailed:
			c.failed++
		}
	}
}

// Run executes a pipeline from its source to completion (spec §4.11's
// 10-step skeleton). onProgress, if non-nil, is called after every row —
// cheap enough for a poll-driven HTTP handler to read without its own
// locking, since each call receives a fresh snapshot value.
func (o *Orchestrator) Run(ctx context.Context, cfg Config, onProgress func(model.ProgressEvent)) (*RunResult, error) {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	start := time.Now()

	w, err := o.preflightAndWire(ctx, cfg, "")
	if err != nil {
		return nil, err
	}
	defer closeAll(ctx, cfg, log)

	var c counters
	var checkpointSeq int64
	checkpointErr := func(tokenID, nodeID string) error {
		checkpointSeq++
		_, err := o.recorder.CreateCheckpoint(ctx, audit.CreateCheckpointParams{
			RunID: w.runID, TokenID: tokenID, NodeID: nodeID, SequenceNumber: checkpointSeq,
			TopologyHash: w.topoHash, ConfigHash: w.configHash, FormatVersion: checkpoint.FormatVersion,
		})
		return err
	}

	var rowIndex int64
	for {
		row, ok, err := cfg.Source.Next(ctx)
		if err != nil {
			o.failRun(ctx, w.runID, log)
			return nil, fmt.Errorf("orchestrator: source.Next: %w", err)
		}
		if !ok {
			break
		}

		rowID, err := o.recorder.CreateRow(ctx, w.runID, w.sourceID, rowIndex, row, "", true)
		if err != nil {
			o.failRun(ctx, w.runID, log)
			return nil, fmt.Errorf("orchestrator: create row: %w", err)
		}
		tokenID, err := w.tokenMgr.Allocate(ctx, rowID)
		if err != nil {
			o.failRun(ctx, w.runID, log)
			return nil, fmt.Errorf("orchestrator: allocate token: %w", err)
		}

		results, err := w.proc.ProcessRow(ctx, w.runID, processor.WorkItem{
			TokenID: tokenID, RowID: rowID, NodeID: w.firstNode, Step: w.stepMap[w.firstNode], Row: row,
		})
		if err != nil {
			o.failRun(ctx, w.runID, log)
			return nil, fmt.Errorf("orchestrator: process row %d: %w", rowIndex, err)
		}
		c.absorb(results)

		if cfg.CheckpointPolicy.ShouldCheckpoint(c.processed) {
			for _, r := range results {
				if r.SinkName == nil {
					continue
				}
				if err := checkpointErr(r.TokenID, w.firstNode); err != nil {
					o.failRun(ctx, w.runID, log)
					return nil, fmt.Errorf("orchestrator: create checkpoint: %w", err)
				}
			}
		}

		rowIndex++
		if onProgress != nil {
			onProgress(model.ProgressEvent{
				RowsProcessed: c.processed, RowsSucceeded: c.succeeded, RowsFailed: c.failed,
				RowsQuarantined: c.quarantined, ElapsedSeconds: time.Since(start).Seconds(),
			})
		}
	}

	drained, err := w.proc.DrainAggregations(ctx, w.runID)
	if err != nil {
		o.failRun(ctx, w.runID, log)
		return nil, fmt.Errorf("orchestrator: drain aggregations: %w", err)
	}
	c.absorb(drained)

	if err := o.recorder.CompleteRun(ctx, w.runID, model.RunCompleted); err != nil {
		return nil, fmt.Errorf("orchestrator: complete run: %w", err)
	}
	if err := o.recorder.DeleteCheckpoints(ctx, w.runID); err != nil {
		log.WithError(err).WithField("run_id", w.runID).Warn("orchestrator: failed to delete checkpoints after successful completion")
	}

	return &RunResult{
		RunID: w.runID, Status: model.RunCompleted, RowsProcessed: c.processed,
		RowsSucceeded: c.succeeded, RowsFailed: c.failed, RowsQuarantined: c.quarantined,
	}, nil
}

func (o *Orchestrator) failRun(ctx context.Context, runID string, log *logrus.Entry) {
	if err := o.recorder.CompleteRun(ctx, runID, model.RunFailed); err != nil {
		log.WithError(err).WithField("run_id", runID).Error("orchestrator: failed to mark run FAILED")
	}
}

// Resume continues a run from resumePoint (spec §4.11's resume skeleton):
// it skips the source entirely, sources unprocessed rows from the payload
// store, re-validates every pre-flight condition against the (possibly
// edited) current config, opens a fresh node_state for every batch left
// PENDING by the prior attempt, and produces no new checkpoints of its own
// — a crash mid-resume simply retries from the same checkpoint again.
// Aggregation buffers start empty: the checkpoint's aggregation_state_json
// is not read.
func (o *Orchestrator) Resume(ctx context.Context, resumePoint *model.Checkpoint, cfg Config) (*RunResult, error) {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	validator := checkpoint.NewValidator(o.recorder)
	configHash, err := canon.StableHash(cfg.RunConfig)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: hash run config: %w", err)
	}
	canResume, err := validator.CanResume(ctx, resumePoint.RunID, cfg.Graph, configHash)
	if err != nil {
		return nil, err
	}
	if !canResume {
		return nil, elspethErr.RouteValidationError(
			"resume: checkpoint for run %s is not compatible with the supplied graph/config", resumePoint.RunID)
	}

	w, err := o.preflightAndWire(ctx, cfg, resumePoint.RunID)
	if err != nil {
		return nil, err
	}
	defer closeAll(ctx, cfg, log)

	var c counters

	for _, batch := range mustGetIncompleteBatches(ctx, o.recorder, w.runID) {
		handle, err := o.recorder.RetryBatch(ctx, batch)
		if err != nil {
			o.failRun(ctx, w.runID, log)
			return nil, fmt.Errorf("orchestrator: retry batch %s: %w", batch.StateID, err)
		}
		_ = handle // the new OPEN node_state is not attached to any aggregation buffer
	}

	unprocessed, err := validator.GetUnprocessedRowData(ctx, w.runID, o.store, cfg.SchemaContract)
	if err != nil {
		o.failRun(ctx, w.runID, log)
		return nil, fmt.Errorf("orchestrator: get unprocessed row data: %w", err)
	}

	for _, row := range unprocessed {
		tokenID, err := w.tokenMgr.Allocate(ctx, row.RowID)
		if err != nil {
			o.failRun(ctx, w.runID, log)
			return nil, fmt.Errorf("orchestrator: allocate token for resumed row %s: %w", row.RowID, err)
		}
		results, err := w.proc.ProcessRow(ctx, w.runID, processor.WorkItem{
			TokenID: tokenID, RowID: row.RowID, NodeID: w.firstNode, Step: w.stepMap[w.firstNode], Row: row.RowData,
		})
		if err != nil {
			o.failRun(ctx, w.runID, log)
			return nil, fmt.Errorf("orchestrator: process resumed row %s: %w", row.RowID, err)
		}
		c.absorb(results)
	}

	drained, err := w.proc.DrainAggregations(ctx, w.runID)
	if err != nil {
		o.failRun(ctx, w.runID, log)
		return nil, fmt.Errorf("orchestrator: drain aggregations: %w", err)
	}
	c.absorb(drained)

	if err := o.recorder.CompleteRun(ctx, w.runID, model.RunCompleted); err != nil {
		return nil, fmt.Errorf("orchestrator: complete run: %w", err)
	}
	if err := o.recorder.DeleteCheckpoints(ctx, w.runID); err != nil {
		log.WithError(err).WithField("run_id", w.runID).Warn("orchestrator: failed to delete checkpoints after successful resume completion")
	}

	return &RunResult{
		RunID: w.runID, Status: model.RunCompleted, RowsProcessed: c.processed,
		RowsSucceeded: c.succeeded, RowsFailed: c.failed, RowsQuarantined: c.quarantined,
	}, nil
}

func mustGetIncompleteBatches(ctx context.Context, recorder *audit.Recorder, runID string) []model.NodeState {
	batches, err := recorder.GetIncompleteBatches(ctx, runID)
	if err != nil {
		return nil
	}
	return batches
}
