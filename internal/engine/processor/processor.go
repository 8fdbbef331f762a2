// Package processor implements the Row Processor (spec §4.7): work-queue
// traversal of one row's execution graph, dispatching to the plugin wired
// at each node and recording every step through the audit Recorder until
// every token descending from the row reaches a terminal outcome.
package processor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tachyon-beep/elspeth-sub005/internal/audit"
	"github.com/tachyon-beep/elspeth-sub005/internal/audit/model"
	"github.com/tachyon-beep/elspeth-sub005/internal/elspethErr"
	"github.com/tachyon-beep/elspeth-sub005/internal/engine/aggregation"
	"github.com/tachyon-beep/elspeth-sub005/internal/engine/coalesce"
	"github.com/tachyon-beep/elspeth-sub005/internal/engine/retry"
	"github.com/tachyon-beep/elspeth-sub005/internal/engine/tokens"
	"github.com/tachyon-beep/elspeth-sub005/internal/graph"
	"github.com/tachyon-beep/elspeth-sub005/internal/plugin"
)

// MaxWorkQueueIterations bounds a single row's traversal of the execution
// graph. Legitimate pipelines stay well under this; exceeding it means a
// routing misconfiguration produced a cycle that pre-flight validation
// missed (e.g. a gate whose "continue" route points back at itself through
// a coalesce).
const MaxWorkQueueIterations = 10000

// Registry resolves a node id to the plugin instance wired to it. The
// orchestrator builds one per run from PipelineConfig.
type Registry struct {
	Transforms      map[string]plugin.Transform
	BatchTransforms map[string]plugin.BatchTransform
	Gates           map[string]plugin.Gate
	Sinks           map[string]plugin.Sink
}

// Processor drives tokens through one run's execution graph.
//
// Not safe for concurrent use on the SAME coalesce/aggregation node from
// multiple goroutines — the orchestrator serializes dispatch per node the
// way the teacher serializes per-account state in its service layer.
type Processor struct {
	graph    *graph.Graph
	recorder *audit.Recorder
	tokenMgr *tokens.Manager
	registry Registry
	retries  map[string]*retry.RuntimeRetryConfig
	coalesce map[string]*coalesce.Executor
	agg      map[string]*aggregation.Buffer
	edgeMap  map[[2]string]string // (from_node, label) -> edge_id
	sinkName map[string]string    // sink node id -> sink name
	branches map[string][]string  // gate node id -> branch names it forks to
	syntheticRowSeq int64
	log      *logrus.Entry
}

// New constructs a Processor. edgeMap must contain every (from_node, label)
// pair the graph declares, keyed to the audit edge_id RegisterEdge
// returned for it.
func New(g *graph.Graph, recorder *audit.Recorder, tokenMgr *tokens.Manager, registry Registry,
	retries map[string]*retry.RuntimeRetryConfig, coalesceExecs map[string]*coalesce.Executor,
	aggBuffers map[string]*aggregation.Buffer, edgeMap map[[2]string]string, log *logrus.Entry) *Processor {

	sinkName := make(map[string]string, len(g.GetSinkIDMap()))
	for name, id := range g.GetSinkIDMap() {
		sinkName[id] = name
	}
	branches := make(map[string][]string)
	for branch, gateID := range g.GetBranchGateMap() {
		branches[gateID] = append(branches[gateID], branch)
	}
	if retries == nil {
		retries = map[string]*retry.RuntimeRetryConfig{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Processor{
		graph: g, recorder: recorder, tokenMgr: tokenMgr, registry: registry,
		retries: retries, coalesce: coalesceExecs, agg: aggBuffers,
		edgeMap: edgeMap, sinkName: sinkName, branches: branches, log: log,
	}
}

// WorkItem is one pending unit of traversal: a token sitting at NodeID,
// ready to be dispatched, carrying the row data it arrived with.
type WorkItem struct {
	TokenID string
	RowID   string
	NodeID  string
	Step    int
	Branch  string // non-empty while travelling a fork branch, for coalesce join bookkeeping
	Row     plugin.Row
	Attempt int
}

// TokenResult records one token's terminal outcome, for the orchestrator to
// fold into run-level counters.
type TokenResult struct {
	TokenID  string
	Outcome  model.TokenOutcome
	SinkName *string
	Row      plugin.Row
	Err      error
}

// ProcessRow drives seed, and every descendant token it spawns (via fork,
// aggregation expansion, or coalesce merge), to a terminal outcome. It
// returns one TokenResult per token that reached a terminal state.
func (p *Processor) ProcessRow(ctx context.Context, runID string, seed WorkItem) ([]TokenResult, error) {
	return p.drainQueue(ctx, runID, []WorkItem{seed}, seed.TokenID, seed.Step)
}

// drainQueue runs a FIFO work queue to exhaustion, the shared loop behind
// both ProcessRow (seeded from one source row) and DrainAggregations
// (seeded from a forced end-of-source flush's output tokens). seedTokenID
// and seedStep are only used to identify the offending token in a
// WorkQueueExceededError.
func (p *Processor) drainQueue(ctx context.Context, runID string, queue []WorkItem, seedTokenID string, seedStep int) ([]TokenResult, error) {
	var results []TokenResult
	iterations := 0

	for len(queue) > 0 {
		iterations++
		if iterations > MaxWorkQueueIterations {
			return results, &elspethErr.WorkQueueExceededError{TokenID: seedTokenID, Step: seedStep, Limit: MaxWorkQueueIterations}
		}

		item := queue[0]
		queue = queue[1:]

		children, result, err := p.dispatch(ctx, runID, item)
		if err != nil {
			return results, err
		}
		if result != nil {
			results = append(results, *result)
		}
		queue = append(queue, children...)
	}
	return results, nil
}

// DrainAggregations force-flushes every non-empty aggregation buffer
// regardless of its trigger — the END_OF_SOURCE flush spec §4.9 requires
// once a source is exhausted — and drains every token the flush produces
// to a terminal outcome exactly as ProcessRow does for a row arriving from
// the source.
func (p *Processor) DrainAggregations(ctx context.Context, runID string) ([]TokenResult, error) {
	var all []TokenResult
	for nodeID, buffer := range p.agg {
		if buffer.Len() == 0 {
			continue
		}
		work, result, err := p.flushAggregation(ctx, runID, nodeID, buffer)
		if err != nil {
			return all, err
		}
		if result != nil {
			all = append(all, *result)
		}
		if len(work) == 0 {
			continue
		}
		results, err := p.drainQueue(ctx, runID, work, work[0].TokenID, work[0].Step)
		if err != nil {
			return all, err
		}
		all = append(all, results...)
	}
	return all, nil
}

func (p *Processor) dispatch(ctx context.Context, runID string, item WorkItem) ([]WorkItem, *TokenResult, error) {
	info, ok := p.graph.GetNodeInfo(item.NodeID)
	if !ok {
		return nil, nil, fmt.Errorf("processor: node %q not found in graph (routing bug survived validation)", item.NodeID)
	}

	switch info.NodeType {
	case model.NodeTransform:
		return p.dispatchTransform(ctx, runID, item)
	case model.NodeGate:
		return p.dispatchGate(ctx, runID, item)
	case model.NodeAggregation:
		return p.dispatchAggregation(ctx, runID, item)
	case model.NodeCoalesce:
		return p.dispatchCoalesce(ctx, runID, item)
	case model.NodeSink:
		children, result, err := p.dispatchSink(ctx, runID, item)
		return children, result, err
	default:
		return nil, nil, fmt.Errorf("processor: node %q has unexpected type %q for dispatch", item.NodeID, info.NodeType)
	}
}

func (p *Processor) edgeID(from, label string) string { return p.edgeMap[[2]string{from, label}] }

func (p *Processor) modeFor(from, label string) model.RoutingMode {
	for _, e := range p.graph.GetOutgoingEdges(from) {
		if e.Label == label {
			return e.Mode
		}
	}
	return model.ModeMove
}

func (p *Processor) retryFor(nodeID string) *retry.RuntimeRetryConfig {
	if cfg, ok := p.retries[nodeID]; ok {
		return cfg
	}
	return retry.NoRetry()
}

// advance routes item's successor along its "continue" MOVE edge, or to the
// node's terminal sink if it has no successor transform.
func (p *Processor) advance(ctx context.Context, runID, stateID string, item WorkItem, row plugin.Row) ([]WorkItem, *TokenResult, error) {
	if next, ok := p.graph.GetNextNode(item.NodeID); ok {
		if _, err := p.recorder.RecordRoutingEvent(ctx, stateID, p.edgeID(item.NodeID, "continue"), model.ModeMove, nil, 0, ""); err != nil {
			return nil, nil, err
		}
		child := item
		child.NodeID, child.Row, child.Step, child.Attempt = next, row, item.Step+1, 0
		return []WorkItem{child}, nil, nil
	}

	if sinkName, ok := p.graph.GetTerminalSinkMap()[item.NodeID]; ok {
		sinkID := p.graph.GetSinkIDMap()[sinkName]
		if _, err := p.recorder.RecordRoutingEvent(ctx, stateID, p.edgeID(item.NodeID, "on_success"), model.ModeMove, nil, 0, ""); err != nil {
			return nil, nil, err
		}
		sinkItem := item
		sinkItem.NodeID, sinkItem.Row = sinkID, row
		return []WorkItem{sinkItem}, nil, nil
	}

	return nil, nil, fmt.Errorf("processor: node %q has no successor and no terminal sink (routing bug survived validation)", item.NodeID)
}

func (p *Processor) dispatchTransform(ctx context.Context, runID string, item WorkItem) ([]WorkItem, *TokenResult, error) {
	handle, err := p.recorder.BeginNodeState(ctx, item.TokenID, item.NodeID, runID, item.Step, item.Row, item.Attempt, nil)
	if err != nil {
		return nil, nil, err
	}

	transform := p.registry.Transforms[item.NodeID]
	start := time.Now()
	var last plugin.TransformResult
	_, retryErr := p.retryFor(item.NodeID).Do(ctx, func(ctx context.Context, attempt int) retry.Attempt {
		last = transform.Apply(ctx, item.Row)
		if last.Ok {
			return retry.Attempt{Result: last}
		}
		return retry.Attempt{Result: last, Retryable: last.Retryable, Err: last.Err}
	})
	durationMs := time.Since(start).Milliseconds()

	if retryErr != nil {
		completeErr := p.recorder.CompleteNodeState(ctx, handle.StateID, audit.CompleteNodeStateParams{
			Status: model.StateFailed, Err: map[string]any{"message": retryErr.Error()}, DurationMs: durationMs,
		})
		if completeErr != nil {
			return nil, nil, completeErr
		}
		return p.failTransform(ctx, runID, handle.StateID, item, last, retryErr)
	}

	if err := p.recorder.CompleteNodeState(ctx, handle.StateID, audit.CompleteNodeStateParams{
		Status: model.StateCompleted, OutputData: last.Row, DurationMs: durationMs,
	}); err != nil {
		return nil, nil, err
	}
	return p.advance(ctx, runID, handle.StateID, item, last.Row)
}

func (p *Processor) failTransform(ctx context.Context, runID, stateID string, item WorkItem, last plugin.TransformResult, cause error) ([]WorkItem, *TokenResult, error) {
	if last.OnError.SinkName != "" {
		sinkID, ok := p.graph.GetSinkIDMap()[last.OnError.SinkName]
		if !ok {
			return nil, nil, fmt.Errorf("processor: transform %q on_error sink %q not found", item.NodeID, last.OnError.SinkName)
		}
		edgeLabel := "on_error"
		if _, err := p.recorder.RecordRoutingEvent(ctx, stateID, p.edgeID(item.NodeID, edgeLabel), model.ModeDivert,
			map[string]any{"error": cause.Error()}, 0, ""); err != nil {
			return nil, nil, err
		}
		sinkItem := item
		sinkItem.NodeID = sinkID
		return []WorkItem{sinkItem}, nil, nil
	}

	result := &TokenResult{TokenID: item.TokenID, Outcome: model.OutcomeFailed, Err: cause}
	if err := p.recorder.RecordTokenOutcome(ctx, item.TokenID, model.OutcomeFailed, nil); err != nil {
		return nil, nil, err
	}
	return nil, result, nil
}

func (p *Processor) dispatchGate(ctx context.Context, runID string, item WorkItem) ([]WorkItem, *TokenResult, error) {
	handle, err := p.recorder.BeginNodeState(ctx, item.TokenID, item.NodeID, runID, item.Step, item.Row, item.Attempt, nil)
	if err != nil {
		return nil, nil, err
	}

	gate := p.registry.Gates[item.NodeID]
	result := gate.Evaluate(ctx, item.Row)

	if err := p.recorder.CompleteNodeState(ctx, handle.StateID, audit.CompleteNodeStateParams{
		Status: model.StateCompleted, OutputData: item.Row, SuccessReason: result.Reason,
	}); err != nil {
		return nil, nil, err
	}

	destination, ok := p.graph.GetRouteResolutionMap()[[2]string{item.NodeID, result.Label}]
	if !ok {
		destination = "continue"
	}

	switch destination {
	case "continue":
		if _, err := p.recorder.RecordRoutingEvent(ctx, handle.StateID, p.edgeID(item.NodeID, result.Label), model.ModeMove, result.Reason, 0, ""); err != nil {
			return nil, nil, err
		}
		return p.advanceFromLabel(ctx, item, result.Label)

	case "fork":
		return p.forkAt(ctx, item, handle.StateID, result.Reason)

	default:
		// destination names a sink directly: the gate diverts the token
		// without running the remaining transforms.
		sinkID, ok := p.graph.GetSinkIDMap()[destination]
		if !ok {
			return nil, nil, fmt.Errorf("processor: gate %q route %q resolves to unknown sink %q", item.NodeID, result.Label, destination)
		}
		if _, err := p.recorder.RecordRoutingEvent(ctx, handle.StateID, p.edgeID(item.NodeID, result.Label), model.ModeDivert, result.Reason, 0, ""); err != nil {
			return nil, nil, err
		}
		routed := item
		routed.NodeID = sinkID
		// the sink write records the final COMPLETED/FAILED outcome; gate
		// routing itself never terminates a token.
		return []WorkItem{routed}, nil, nil
	}
}

func (p *Processor) advanceFromLabel(ctx context.Context, item WorkItem, label string) ([]WorkItem, *TokenResult, error) {
	next, ok := p.graph.GetNextNode(item.NodeID)
	if !ok {
		if sinkName, ok := p.graph.GetTerminalSinkMap()[item.NodeID]; ok {
			sinkItem := item
			sinkItem.NodeID = p.graph.GetSinkIDMap()[sinkName]
			return []WorkItem{sinkItem}, nil, nil
		}
		return nil, nil, fmt.Errorf("processor: gate %q route %q has no successor", item.NodeID, label)
	}
	child := item
	child.NodeID, child.Step, child.Attempt = next, item.Step+1, 0
	return []WorkItem{child}, nil, nil
}

// forkAt splits item's token into one child per branch the gate declares,
// atomically recording the fan-out as one routing group, and seeds each
// child at its branch's first processing node.
func (p *Processor) forkAt(ctx context.Context, item WorkItem, stateID string, reason map[string]any) ([]WorkItem, *TokenResult, error) {
	branchNames := p.branches[item.NodeID]
	if len(branchNames) == 0 {
		return nil, nil, fmt.Errorf("processor: gate %q resolved to fork but declares no branches", item.NodeID)
	}

	children, err := p.tokenMgr.Fork(ctx, tokens.ParentToken{TokenID: item.TokenID, RowID: item.RowID}, branchNames)
	if err != nil {
		return nil, nil, err
	}

	specs := make([]audit.RoutingSpec, len(branchNames))
	for i, b := range branchNames {
		specs[i] = audit.RoutingSpec{EdgeID: p.edgeID(item.NodeID, b), Mode: model.ModeCopy}
	}
	if _, err := p.recorder.RecordRoutingEvents(ctx, stateID, specs, reason); err != nil {
		return nil, nil, err
	}

	branchFirst, err := p.graph.GetBranchFirstNodes()
	if err != nil {
		return nil, nil, err
	}

	work := make([]WorkItem, 0, len(children))
	for _, c := range children {
		firstNode, ok := branchFirst[c.BranchName]
		if !ok {
			return nil, nil, fmt.Errorf("processor: branch %q has no first node", c.BranchName)
		}
		work = append(work, WorkItem{
			TokenID: c.TokenID, RowID: c.RowID, NodeID: firstNode, Branch: c.BranchName, Row: item.Row,
		})
	}

	if err := p.recorder.RecordTokenOutcome(ctx, item.TokenID, model.OutcomeForked, nil); err != nil {
		return nil, nil, err
	}
	return work, &TokenResult{TokenID: item.TokenID, Outcome: model.OutcomeForked}, nil
}

func (p *Processor) dispatchAggregation(ctx context.Context, runID string, item WorkItem) ([]WorkItem, *TokenResult, error) {
	buffer := p.agg[item.NodeID]
	handle, err := p.recorder.BeginNodeState(ctx, item.TokenID, item.NodeID, runID, item.Step, item.Row, item.Attempt, nil)
	if err != nil {
		return nil, nil, err
	}
	if err := p.recorder.UpdateBatchStatus(ctx, handle.StateID, model.StatePending); err != nil {
		return nil, nil, err
	}

	now := time.Now()
	buffer.Add(aggregation.BufferedToken{TokenID: item.TokenID, RowID: item.RowID, Row: item.Row}, now)
	if err := p.recorder.RecordTokenOutcome(ctx, item.TokenID, model.OutcomeBuffered, nil); err != nil {
		return nil, nil, err
	}

	if !buffer.ShouldFlush(now) {
		return nil, nil, nil
	}
	return p.flushAggregation(ctx, runID, item.NodeID, buffer)
}

// flushAggregation drains buffer through its batch transform and folds the
// result back into the work queue: a single emitted row continues as the
// first buffered token, multiple rows expand into fresh children, and every
// other source token is marked CONSUMED_IN_BATCH.
func (p *Processor) flushAggregation(ctx context.Context, runID, nodeID string, buffer *aggregation.Buffer) ([]WorkItem, *TokenResult, error) {
	transform := p.registry.BatchTransforms[nodeID]
	outcome, err := buffer.Flush(ctx, transform)
	if err != nil {
		if elspethErr.IsBatchPending(err) {
			p.log.WithField("node_id", nodeID).Info("aggregation flush pending, buffer retained")
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if outcome == nil {
		return nil, nil, nil
	}

	for _, src := range outcome.SourceTokens {
		if outcome.Single != nil && src.TokenID == outcome.Single.TokenID {
			continue // carries the single output row downstream
		}
		if err := p.recorder.RecordTokenOutcome(ctx, src.TokenID, model.OutcomeConsumedInBatch, nil); err != nil {
			return nil, nil, err
		}
	}

	var work []WorkItem
	switch {
	case outcome.Single != nil:
		next, ok := p.graph.GetNextNode(nodeID)
		if !ok {
			return nil, nil, fmt.Errorf("processor: aggregation %q has no successor", nodeID)
		}
		work = append(work, WorkItem{TokenID: outcome.Single.TokenID, RowID: outcome.Single.RowID, NodeID: next, Row: outcome.Single.Row})

	case len(outcome.Expanded) > 0:
		parent := outcome.SourceTokens[0]
		rowIDs := make([]string, len(outcome.Expanded))
		for i, row := range outcome.Expanded {
			seq := atomic.AddInt64(&p.syntheticRowSeq, 1)
			rowID, err := p.recorder.CreateRow(ctx, runID, nodeID, seq, row, "", false)
			if err != nil {
				return nil, nil, err
			}
			rowIDs[i] = rowID
		}
		children, err := p.tokenMgr.ExpandToken(ctx, tokens.ParentToken{TokenID: parent.TokenID, RowID: parent.RowID}, rowIDs)
		if err != nil {
			return nil, nil, err
		}
		if err := p.recorder.RecordTokenOutcome(ctx, parent.TokenID, model.OutcomeExpanded, nil); err != nil {
			return nil, nil, err
		}
		next, ok := p.graph.GetNextNode(nodeID)
		if !ok {
			return nil, nil, fmt.Errorf("processor: aggregation %q has no successor", nodeID)
		}
		for i, c := range children {
			work = append(work, WorkItem{TokenID: c.TokenID, RowID: c.RowID, NodeID: next, Row: outcome.Expanded[i]})
		}
	}
	return work, nil, nil
}

func (p *Processor) dispatchCoalesce(ctx context.Context, runID string, item WorkItem) ([]WorkItem, *TokenResult, error) {
	exec := p.coalesce[item.NodeID]
	handle, err := p.recorder.BeginNodeState(ctx, item.TokenID, item.NodeID, runID, item.Step, item.Row, item.Attempt, nil)
	if err != nil {
		return nil, nil, err
	}
	if err := p.recorder.UpdateBatchStatus(ctx, handle.StateID, model.StatePending); err != nil {
		return nil, nil, err
	}

	// The arriving token's own row_id identifies the fork-origin row: every
	// branch descends from the same row, so it is a stable join key.
	joinKey := item.RowID
	result, failure, err := exec.Arrive(joinKey, coalesce.BranchToken{TokenID: item.TokenID, Branch: item.Branch, Row: item.Row}, time.Now())
	if err != nil {
		return nil, nil, err
	}

	if failure != nil {
		if err := p.recorder.CompleteNodeState(ctx, handle.StateID, audit.CompleteNodeStateParams{
			Status: model.StateFailed, Err: map[string]any{"message": failure.Reason},
		}); err != nil {
			return nil, nil, err
		}
		if err := p.recorder.RecordTokenOutcome(ctx, item.TokenID, model.OutcomeFailed, nil); err != nil {
			return nil, nil, err
		}
		return nil, &TokenResult{TokenID: item.TokenID, Outcome: model.OutcomeFailed, Err: fmt.Errorf("coalesce: %s", failure.Reason)}, nil
	}

	if err := p.recorder.RecordTokenOutcome(ctx, item.TokenID, model.OutcomeCoalesced, nil); err != nil {
		return nil, nil, err
	}

	if result == nil {
		// still waiting on other branches
		return nil, nil, nil
	}

	if err := p.recorder.CompleteNodeState(ctx, handle.StateID, audit.CompleteNodeStateParams{
		Status: model.StateCompleted, OutputData: result.Row,
	}); err != nil {
		return nil, nil, err
	}

	anchor := result.InputTokens[0]
	seq := atomic.AddInt64(&p.syntheticRowSeq, 1)
	rowID, err := p.recorder.CreateRow(ctx, runID, item.NodeID, seq, result.Row, "", false)
	if err != nil {
		return nil, nil, err
	}
	mergedTokenID, err := p.recorder.CreateToken(ctx, rowID, &anchor.TokenID, nil)
	if err != nil {
		return nil, nil, err
	}

	next, ok := p.graph.GetNextNode(item.NodeID)
	if !ok {
		return nil, nil, fmt.Errorf("processor: coalesce %q has no successor", item.NodeID)
	}
	return []WorkItem{{TokenID: mergedTokenID, RowID: rowID, NodeID: next, Row: result.Row}}, nil, nil
}

func (p *Processor) dispatchSink(ctx context.Context, runID string, item WorkItem) ([]WorkItem, *TokenResult, error) {
	sink := p.registry.Sinks[item.NodeID]
	name := p.sinkName[item.NodeID]

	handle, err := p.recorder.BeginNodeState(ctx, item.TokenID, item.NodeID, runID, item.Step, item.Row, item.Attempt, nil)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	writeErr := sink.Write(ctx, item.Row)
	durationMs := time.Since(start).Milliseconds()

	if writeErr != nil {
		if err := p.recorder.CompleteNodeState(ctx, handle.StateID, audit.CompleteNodeStateParams{
			Status: model.StateFailed, Err: map[string]any{"message": writeErr.Error()}, DurationMs: durationMs,
		}); err != nil {
			return nil, nil, err
		}
		if err := p.recorder.RecordTokenOutcome(ctx, item.TokenID, model.OutcomeFailed, &name); err != nil {
			return nil, nil, err
		}
		return nil, &TokenResult{TokenID: item.TokenID, Outcome: model.OutcomeFailed, SinkName: &name, Err: writeErr}, nil
	}

	if err := p.recorder.CompleteNodeState(ctx, handle.StateID, audit.CompleteNodeStateParams{
		Status: model.StateCompleted, OutputData: item.Row, DurationMs: durationMs,
	}); err != nil {
		return nil, nil, err
	}
	if err := p.recorder.RecordTokenOutcome(ctx, item.TokenID, model.OutcomeCompleted, &name); err != nil {
		return nil, nil, err
	}
	return nil, &TokenResult{TokenID: item.TokenID, Outcome: model.OutcomeCompleted, SinkName: &name, Row: item.Row}, nil
}
