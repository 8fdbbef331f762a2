// Package audit implements the Audit Recorder (spec §4.4): the relational
// store of runs, nodes, edges, rows, tokens, node_states, routing_events,
// external_calls, and checkpoints, with referential integrity and
// deterministic content hashes.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tachyon-beep/elspeth-sub005/internal/audit/model"
	"github.com/tachyon-beep/elspeth-sub005/internal/canon"
	"github.com/tachyon-beep/elspeth-sub005/internal/contract"
	"github.com/tachyon-beep/elspeth-sub005/internal/payload"
)

// Recorder is the sole entry point onto the audit database. All relational
// writes in the system go through it, matching the teacher's BaseStore
// convention of one store type per concern with context-scoped
// transactions (pkg/storage/postgres.BaseStore).
type Recorder struct {
	db      *sqlx.DB
	store   payload.Store
	inlineN int // payloads at or above this byte length are always blobbed
}

// New constructs a Recorder. store is used to persist row/call/reason
// payloads that exceed the inlining threshold (or always, per policy).
func New(db *sqlx.DB, store payload.Store) *Recorder {
	return &Recorder{db: db, store: store, inlineN: 4096}
}

func newID() string { return uuid.New().String() }

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("audit: marshal: %w", err)
	}
	return string(b), nil
}

// BeginRun creates a new run record and returns its run_id.
func (r *Recorder) BeginRun(ctx context.Context, config map[string]any, canonicalVersion string, sourceSchema map[string]any, schemaContract *contract.Contract) (string, error) {
	runID := newID()
	configHash, err := canon.StableHash(config)
	if err != nil {
		return "", fmt.Errorf("audit: hash config: %w", err)
	}
	settingsJSON, err := toJSON(config)
	if err != nil {
		return "", err
	}

	var sourceSchemaJSON *string
	if sourceSchema != nil {
		s, err := toJSON(sourceSchema)
		if err != nil {
			return "", err
		}
		sourceSchemaJSON = &s
	}

	var contractJSON, contractHash *string
	if schemaContract != nil {
		s, err := toJSON(schemaContract.ToCheckpointFormat())
		if err != nil {
			return "", err
		}
		h := schemaContract.VersionHash()
		contractJSON, contractHash = &s, &h
	}

	q := r.querier(ctx)
	_, err = q.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, config_hash, settings_json, canonical_version, status,
			source_schema_json, schema_contract_json, schema_contract_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		runID, time.Now().UTC(), configHash, settingsJSON, canonicalVersion, model.RunRunning,
		sourceSchemaJSON, contractJSON, contractHash)
	if err != nil {
		return "", fmt.Errorf("audit: insert run: %w", err)
	}
	return runID, nil
}

// CompleteRun transitions a run to a terminal status. Checkpoints are NOT
// deleted here — that is the orchestrator's responsibility on COMPLETED
// only (spec §4.11 step 10); FAILED runs must leave checkpoints in place
// for recovery.
func (r *Recorder) CompleteRun(ctx context.Context, runID string, status model.RunStatus) error {
	q := r.querier(ctx)
	_, err := q.ExecContext(ctx, `UPDATE runs SET completed_at = $1, status = $2 WHERE run_id = $3`,
		time.Now().UTC(), status, runID)
	if err != nil {
		return fmt.Errorf("audit: complete run %s: %w", runID, err)
	}
	return nil
}

// RegisterNode records a node belonging to run_id and returns its node_id.
// nodeID is the caller's graph-assigned identifier — the orchestrator must
// pass the same id the execution graph uses internally, since every other
// audit record (node_states, routing_events) keys off that id and there
// would be no way to reconcile them against a separately-generated one. If
// nodeID is empty a new one is generated.
func (r *Recorder) RegisterNode(ctx context.Context, runID, nodeID, pluginName string, nodeType model.NodeType, version string, config map[string]any, determinism model.Determinism, schemaContract *contract.Contract) (string, error) {
	if nodeID == "" {
		nodeID = newID()
	}
	configHash, err := canon.StableHash(config)
	if err != nil {
		return "", fmt.Errorf("audit: hash node config: %w", err)
	}
	configJSON, err := toJSON(config)
	if err != nil {
		return "", err
	}
	var contractJSON *string
	if schemaContract != nil {
		s, err := toJSON(schemaContract.ToCheckpointFormat())
		if err != nil {
			return "", err
		}
		contractJSON = &s
	}

	q := r.querier(ctx)
	_, err = q.ExecContext(ctx, `
		INSERT INTO nodes (node_id, run_id, plugin_name, node_type, plugin_version, determinism,
			config_hash, config_json, schema_contract_json, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		nodeID, runID, pluginName, nodeType, version, determinism, configHash, configJSON, contractJSON, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("audit: insert node: %w", err)
	}
	return nodeID, nil
}

// RegisterEdge records a directed, labeled edge. Distinct (run_id, from,
// to, label) tuples are permitted; duplicates fail the UNIQUE constraint.
func (r *Recorder) RegisterEdge(ctx context.Context, runID, from, to, label string, mode model.RoutingMode) (string, error) {
	edgeID := newID()
	q := r.querier(ctx)
	_, err := q.ExecContext(ctx, `
		INSERT INTO edges (edge_id, run_id, from_node_id, to_node_id, label, default_mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		edgeID, runID, from, to, label, mode, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("audit: insert edge %s->%s[%s]: %w", from, to, label, err)
	}
	return edgeID, nil
}

// CreateRow hashes row_data, optionally stores it as a payload blob, and
// persists the row record. If rowID is empty a new one is generated.
// alwaysStore forces blobbing regardless of the inlining threshold — the
// orchestrator must pass true for rows ingested from a source, since
// get_unprocessed_row_data (spec §4.12) can only rehydrate a row that has a
// ref; rows the processor creates mid-run for aggregation/coalesce output
// are never replayed on resume, so they keep the size-based policy.
func (r *Recorder) CreateRow(ctx context.Context, runID, sourceNodeID string, rowIndex int64, rowData map[string]any, rowID string, alwaysStore bool) (string, error) {
	if rowID == "" {
		rowID = newID()
	}
	canonical, err := canon.Marshal(rowData)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize row data: %w", err)
	}
	hash := payload.HashBytes(canonical)

	var ref *string
	if r.store != nil && (alwaysStore || len(canonical) >= r.inlineN) {
		storedHash, err := r.store.Store(ctx, canonical)
		if err != nil {
			return "", fmt.Errorf("audit: store row payload: %w", err)
		}
		ref = &storedHash
	}

	q := r.querier(ctx)
	_, err = q.ExecContext(ctx, `
		INSERT INTO rows (row_id, run_id, source_node_id, row_index, source_data_hash, source_data_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rowID, runID, sourceNodeID, rowIndex, hash, ref, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("audit: insert row: %w", err)
	}
	return rowID, nil
}

// GetRowsForRun returns every row persisted for runID, ordered by
// row_index, for the checkpoint package's unprocessed-row reconstitution
// (spec §4.12 get_unprocessed_row_data).
func (r *Recorder) GetRowsForRun(ctx context.Context, runID string) ([]model.Row, error) {
	var rows []model.Row
	q := r.querier(ctx)
	err := q.SelectContext(ctx, &rows, `SELECT * FROM rows WHERE run_id = $1 ORDER BY row_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("audit: get rows for run %s: %w", runID, err)
	}
	return rows, nil
}

// GetTerminalRowIDs returns the set of row_ids for which every descendant
// token (a row may fork into several) has reached a terminal outcome —
// COMPLETED, ROUTED, FAILED, or QUARANTINED against a destination sink. A
// row with any token still mid-graph, or any token with no outcome
// recorded at all, is excluded: that is what resume must replay.
func (r *Recorder) GetTerminalRowIDs(ctx context.Context, runID string) (map[string]bool, error) {
	var rowIDs []string
	q := r.querier(ctx)
	err := q.SelectContext(ctx, &rowIDs, `
		SELECT rw.row_id FROM rows rw
		WHERE rw.run_id = $1
		AND EXISTS (SELECT 1 FROM tokens t2 WHERE t2.row_id = rw.row_id)
		AND NOT EXISTS (
			SELECT 1 FROM tokens t
			LEFT JOIN token_outcomes o ON o.token_id = t.token_id
			WHERE t.row_id = rw.row_id
			AND (o.token_id IS NULL OR o.outcome NOT IN ($2, $3, $4, $5))
		)`,
		runID, model.OutcomeCompleted, model.OutcomeRouted, model.OutcomeFailed, model.OutcomeQuarantined)
	if err != nil {
		return nil, fmt.Errorf("audit: get terminal row ids for run %s: %w", runID, err)
	}
	set := make(map[string]bool, len(rowIDs))
	for _, id := range rowIDs {
		set[id] = true
	}
	return set, nil
}

// CreateToken allocates a token for rowID, optionally recording its parent
// (fork) and branch name.
func (r *Recorder) CreateToken(ctx context.Context, rowID string, parentTokenID, branchName *string) (string, error) {
	tokenID := newID()
	q := r.querier(ctx)
	_, err := q.ExecContext(ctx, `
		INSERT INTO tokens (token_id, row_id, parent_token_id, branch_name, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		tokenID, rowID, parentTokenID, branchName, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("audit: insert token: %w", err)
	}
	return tokenID, nil
}

// NodeStateHandle is the opaque handle returned by BeginNodeState, carrying
// enough state for CompleteNodeState to finish the record without a
// round-trip read.
type NodeStateHandle struct {
	StateID   string
	InputHash string
}

// BeginNodeState opens a node_state in status OPEN. The returned handle
// must be resolved to a terminal status via CompleteNodeState before the
// token may advance (spec §3 node-state invariant).
func (r *Recorder) BeginNodeState(ctx context.Context, tokenID, nodeID, runID string, stepIndex int, inputData map[string]any, attempt int, contextBefore map[string]any) (*NodeStateHandle, error) {
	stateID := newID()
	inputHash, err := canon.StableHash(inputData)
	if err != nil {
		return nil, fmt.Errorf("audit: hash node_state input: %w", err)
	}
	var contextBeforeJSON *string
	if contextBefore != nil {
		s, err := toJSON(contextBefore)
		if err != nil {
			return nil, err
		}
		contextBeforeJSON = &s
	}

	q := r.querier(ctx)
	_, err = q.ExecContext(ctx, `
		INSERT INTO node_states (state_id, token_id, node_id, run_id, step_index, attempt, status,
			input_hash, context_before_json, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		stateID, tokenID, nodeID, runID, stepIndex, attempt, model.StateOpen, inputHash, contextBeforeJSON, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("audit: insert node_state: %w", err)
	}
	return &NodeStateHandle{StateID: stateID, InputHash: inputHash}, nil
}

// CompleteNodeStateParams carries the fields CompleteNodeState validates
// before writing — a programming error (missing output on COMPLETED,
// missing error on FAILED, or an OPEN status) fails loudly rather than
// silently persisting an inconsistent record. DurationMs is a plain int64
// written as given: a caller that leaves it unset records 0, and its
// presence is not checked.
type CompleteNodeStateParams struct {
	Status        model.NodeStateStatus
	OutputData    map[string]any
	Err           map[string]any
	DurationMs    int64
	SuccessReason map[string]any
	ContextAfter  map[string]any
}

// CompleteNodeState resolves an OPEN node_state to a terminal status.
func (r *Recorder) CompleteNodeState(ctx context.Context, stateID string, p CompleteNodeStateParams) error {
	if p.Status == model.StateOpen {
		return fmt.Errorf("audit: CompleteNodeState: status must not be OPEN")
	}
	if p.Status == model.StateCompleted && p.OutputData == nil {
		return fmt.Errorf("audit: CompleteNodeState: COMPLETED requires output_data")
	}
	if p.Status == model.StateFailed && p.Err == nil {
		return fmt.Errorf("audit: CompleteNodeState: FAILED requires error")
	}

	var outputHash *string
	if p.OutputData != nil {
		h, err := canon.StableHash(p.OutputData)
		if err != nil {
			return fmt.Errorf("audit: hash node_state output: %w", err)
		}
		outputHash = &h
	}
	var errJSON, reasonJSON, contextAfterJSON *string
	if p.Err != nil {
		s, err := toJSON(p.Err)
		if err != nil {
			return err
		}
		errJSON = &s
	}
	if p.SuccessReason != nil {
		s, err := toJSON(p.SuccessReason)
		if err != nil {
			return err
		}
		reasonJSON = &s
	}
	if p.ContextAfter != nil {
		s, err := toJSON(p.ContextAfter)
		if err != nil {
			return err
		}
		contextAfterJSON = &s
	}

	q := r.querier(ctx)
	now := time.Now().UTC()
	_, err := q.ExecContext(ctx, `
		UPDATE node_states SET status = $1, output_hash = $2, error_json = $3, success_reason_json = $4,
			context_after_json = $5, duration_ms = $6, completed_at = $7
		WHERE state_id = $8`,
		p.Status, outputHash, errJSON, reasonJSON, contextAfterJSON, p.DurationMs, now, stateID)
	if err != nil {
		return fmt.Errorf("audit: complete node_state %s: %w", stateID, err)
	}
	return nil
}

// GetNodeState fetches one node_state by id.
func (r *Recorder) GetNodeState(ctx context.Context, stateID string) (*model.NodeState, error) {
	var ns model.NodeState
	q := r.querier(ctx)
	if err := q.GetContext(ctx, &ns, `SELECT * FROM node_states WHERE state_id = $1`, stateID); err != nil {
		return nil, fmt.Errorf("audit: get node_state %s: %w", stateID, err)
	}
	return &ns, nil
}

// RoutingSpec describes one routing decision to be recorded as part of a
// group via RecordRoutingEvents.
type RoutingSpec struct {
	EdgeID string
	Mode   model.RoutingMode
}

// RecordRoutingEvent records a single routing decision.
func (r *Recorder) RecordRoutingEvent(ctx context.Context, stateID, edgeID string, mode model.RoutingMode, reason map[string]any, ordinal int, routingGroupID string) (*model.RoutingEvent, error) {
	if routingGroupID == "" {
		routingGroupID = newID()
	}
	var reasonHash, reasonRef *string
	if reason != nil {
		h, err := canon.StableHash(reason)
		if err != nil {
			return nil, fmt.Errorf("audit: hash routing reason: %w", err)
		}
		reasonHash = &h
		if r.store != nil {
			canonical, err := canon.Marshal(reason)
			if err != nil {
				return nil, err
			}
			stored, err := r.store.Store(ctx, canonical)
			if err != nil {
				return nil, fmt.Errorf("audit: store routing reason: %w", err)
			}
			reasonRef = &stored
		}
	}

	event := &model.RoutingEvent{
		EventID: newID(), StateID: stateID, EdgeID: edgeID, RoutingGroupID: routingGroupID,
		Ordinal: ordinal, Mode: mode, ReasonHash: reasonHash, ReasonRef: reasonRef, CreatedAt: time.Now().UTC(),
	}
	q := r.querier(ctx)
	_, err := q.ExecContext(ctx, `
		INSERT INTO routing_events (event_id, state_id, edge_id, routing_group_id, ordinal, mode, reason_hash, reason_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.EventID, event.StateID, event.EdgeID, event.RoutingGroupID, event.Ordinal, event.Mode,
		event.ReasonHash, event.ReasonRef, event.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("audit: insert routing_event: %w", err)
	}
	return event, nil
}

// RecordRoutingEvents atomically records a group of simultaneous routing
// decisions sharing one routing_group_id, sequential ordinals starting at
// 0, and a single reason hash for the whole group. An empty specs slice
// returns an empty result without storing any orphaned payload.
func (r *Recorder) RecordRoutingEvents(ctx context.Context, stateID string, specs []RoutingSpec, reason map[string]any) ([]*model.RoutingEvent, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	routingGroupID := newID()
	var events []*model.RoutingEvent
	err := r.WithTx(ctx, func(ctx context.Context) error {
		for i, spec := range specs {
			ev, err := r.RecordRoutingEvent(ctx, stateID, spec.EdgeID, spec.Mode, reason, i, routingGroupID)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ExternalCallParams carries the fields needed to record one external call.
type ExternalCallParams struct {
	StateID      string
	CallIndex    int
	CallType     string
	Status       string
	Request      map[string]any
	Response     map[string]any
	Retries      int
}

// RecordExternalCall persists a side-effecting invocation tied to a
// node_state, storing request/response payloads when configured.
func (r *Recorder) RecordExternalCall(ctx context.Context, p ExternalCallParams) (*model.ExternalCall, error) {
	reqHash, err := canon.StableHash(p.Request)
	if err != nil {
		return nil, fmt.Errorf("audit: hash external call request: %w", err)
	}
	respHash, err := canon.StableHash(p.Response)
	if err != nil {
		return nil, fmt.Errorf("audit: hash external call response: %w", err)
	}

	var reqRef, respRef *string
	if r.store != nil {
		if reqBytes, err := canon.Marshal(p.Request); err == nil {
			if h, err := r.store.Store(ctx, reqBytes); err == nil {
				reqRef = &h
			}
		}
		if respBytes, err := canon.Marshal(p.Response); err == nil {
			if h, err := r.store.Store(ctx, respBytes); err == nil {
				respRef = &h
			}
		}
	}

	call := &model.ExternalCall{
		CallID: newID(), StateID: p.StateID, CallIndex: p.CallIndex, CallType: p.CallType, Status: p.Status,
		RequestHash: reqHash, RequestRef: reqRef, ResponseHash: respHash, ResponseRef: respRef,
		Retries: p.Retries, CreatedAt: time.Now().UTC(),
	}
	q := r.querier(ctx)
	_, err = q.ExecContext(ctx, `
		INSERT INTO external_calls (call_id, state_id, call_index, call_type, status, request_hash, request_ref,
			response_hash, response_ref, retries, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		call.CallID, call.StateID, call.CallIndex, call.CallType, call.Status, call.RequestHash, call.RequestRef,
		call.ResponseHash, call.ResponseRef, call.Retries, call.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("audit: insert external_call: %w", err)
	}
	return call, nil
}

// GetIncompleteBatches returns node_states left in PENDING status for
// run_id — aggregation flushes that reported BatchPendingError and have
// not yet resolved. Used by resume (spec §4.11(e)).
func (r *Recorder) GetIncompleteBatches(ctx context.Context, runID string) ([]model.NodeState, error) {
	var states []model.NodeState
	q := r.querier(ctx)
	err := q.SelectContext(ctx, &states, `SELECT * FROM node_states WHERE run_id = $1 AND status = $2 ORDER BY step_index`, runID, model.StatePending)
	if err != nil {
		return nil, fmt.Errorf("audit: get incomplete batches for run %s: %w", runID, err)
	}
	return states, nil
}

// UpdateBatchStatus transitions a PENDING node_state to a new status.
func (r *Recorder) UpdateBatchStatus(ctx context.Context, stateID string, status model.NodeStateStatus) error {
	q := r.querier(ctx)
	_, err := q.ExecContext(ctx, `UPDATE node_states SET status = $1 WHERE state_id = $2`, status, stateID)
	if err != nil {
		return fmt.Errorf("audit: update batch status for %s: %w", stateID, err)
	}
	return nil
}

// RetryBatch opens a fresh node_state for the same token and node at
// attempt+1 (with no input data), leaving the PENDING row as it was, and
// returns the new handle so the caller can re-invoke the batch plugin.
func (r *Recorder) RetryBatch(ctx context.Context, state model.NodeState) (*NodeStateHandle, error) {
	return r.BeginNodeState(ctx, state.TokenID, state.NodeID, state.RunID, state.StepIndex, nil, state.Attempt+1, nil)
}

// CreateCheckpointParams carries the fields needed to persist one
// checkpoint (spec §4.12's (run_id, token_id, node_id, sequence_number,
// topology_hash, config_hash, format_version, aggregation_state_json?)
// tuple).
type CreateCheckpointParams struct {
	RunID                string
	TokenID              string
	NodeID               string
	SequenceNumber       int64
	TopologyHash         string
	ConfigHash           string
	FormatVersion        int
	AggregationStateJSON *string
}

// CreateCheckpoint persists a durable progress marker. sequence_number must
// be strictly increasing per run_id (enforced by the checkpoints table's
// UNIQUE (run_id, sequence_number) constraint). The caller supplies it:
// Orchestrator.Run numbers its checkpoints from a per-call counter starting
// at 1, and Orchestrator.Resume creates none.
func (r *Recorder) CreateCheckpoint(ctx context.Context, p CreateCheckpointParams) (*model.Checkpoint, error) {
	cp := &model.Checkpoint{
		CheckpointID:         newID(),
		RunID:                p.RunID,
		TokenID:              p.TokenID,
		NodeID:               p.NodeID,
		SequenceNumber:       p.SequenceNumber,
		TopologyHash:         p.TopologyHash,
		ConfigHash:           p.ConfigHash,
		FormatVersion:        p.FormatVersion,
		AggregationStateJSON: p.AggregationStateJSON,
		CreatedAt:            time.Now().UTC(),
	}
	q := r.querier(ctx)
	_, err := q.ExecContext(ctx, `
		INSERT INTO checkpoints (checkpoint_id, run_id, token_id, node_id, sequence_number, topology_hash,
			config_hash, format_version, aggregation_state_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		cp.CheckpointID, cp.RunID, cp.TokenID, cp.NodeID, cp.SequenceNumber, cp.TopologyHash,
		cp.ConfigHash, cp.FormatVersion, cp.AggregationStateJSON, cp.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("audit: insert checkpoint for run %s: %w", p.RunID, err)
	}
	return cp, nil
}

// GetLatestCheckpoint returns the checkpoint with the highest sequence_number
// for run_id, or nil if the run has none (spec §4.12 get_resume_point: "the
// highest-sequence checkpoint, or none").
func (r *Recorder) GetLatestCheckpoint(ctx context.Context, runID string) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	q := r.querier(ctx)
	err := q.GetContext(ctx, &cp, `
		SELECT * FROM checkpoints WHERE run_id = $1 ORDER BY sequence_number DESC LIMIT 1`, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: get latest checkpoint for run %s: %w", runID, err)
	}
	return &cp, nil
}

// GetCheckpoints returns every checkpoint recorded for run_id, ordered by
// sequence_number.
func (r *Recorder) GetCheckpoints(ctx context.Context, runID string) ([]model.Checkpoint, error) {
	var cps []model.Checkpoint
	q := r.querier(ctx)
	err := q.SelectContext(ctx, &cps, `SELECT * FROM checkpoints WHERE run_id = $1 ORDER BY sequence_number`, runID)
	if err != nil {
		return nil, fmt.Errorf("audit: get checkpoints for run %s: %w", runID, err)
	}
	return cps, nil
}

// DeleteCheckpoints removes every checkpoint for run_id. Called by the
// orchestrator after complete_run(COMPLETED) only (spec §4.11 step 10) —
// including the early-exit case where no rows needed processing. FAILED
// runs must retain their checkpoints for recovery, so this must never be
// called unconditionally from CompleteRun.
func (r *Recorder) DeleteCheckpoints(ctx context.Context, runID string) error {
	q := r.querier(ctx)
	_, err := q.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("audit: delete checkpoints for run %s: %w", runID, err)
	}
	return nil
}

// FindExpiredPayloadRefs returns every distinct payload ref older than
// retentionDays that is not referenced by any run still within the
// retention window (spec §4.13). Joins are scoped through node_states'
// run_id, never through nodes — a node_id may be reused across runs, so a
// join through nodes would conflate unrelated runs' payloads (the
// correctness-critical invariant spec §3 calls out).
func (r *Recorder) FindExpiredPayloadRefs(ctx context.Context, retentionDays int, asOf time.Time) ([]string, error) {
	cutoff := asOf.AddDate(0, 0, -retentionDays)
	q := r.querier(ctx)

	var refs []string
	err := q.SelectContext(ctx, &refs, `
		SELECT DISTINCT ref FROM (
			SELECT r.source_data_ref AS ref, r.run_id AS run_id
			FROM rows r
			WHERE r.source_data_ref IS NOT NULL
			UNION ALL
			SELECT ec.request_ref AS ref, ns.run_id AS run_id
			FROM external_calls ec
			JOIN node_states ns ON ns.state_id = ec.state_id
			WHERE ec.request_ref IS NOT NULL
			UNION ALL
			SELECT ec.response_ref AS ref, ns.run_id AS run_id
			FROM external_calls ec
			JOIN node_states ns ON ns.state_id = ec.state_id
			WHERE ec.response_ref IS NOT NULL
			UNION ALL
			SELECT rev.reason_ref AS ref, ns.run_id AS run_id
			FROM routing_events rev
			JOIN node_states ns ON ns.state_id = rev.state_id
			WHERE rev.reason_ref IS NOT NULL
		) candidate
		WHERE candidate.ref NOT IN (
			SELECT inner_candidate.ref FROM (
				SELECT r.source_data_ref AS ref, r.run_id AS run_id
				FROM rows r
				WHERE r.source_data_ref IS NOT NULL
				UNION ALL
				SELECT ec.request_ref AS ref, ns.run_id AS run_id
				FROM external_calls ec
				JOIN node_states ns ON ns.state_id = ec.state_id
				WHERE ec.request_ref IS NOT NULL
				UNION ALL
				SELECT ec.response_ref AS ref, ns.run_id AS run_id
				FROM external_calls ec
				JOIN node_states ns ON ns.state_id = ec.state_id
				WHERE ec.response_ref IS NOT NULL
				UNION ALL
				SELECT rev.reason_ref AS ref, ns.run_id AS run_id
				FROM routing_events rev
				JOIN node_states ns ON ns.state_id = rev.state_id
				WHERE rev.reason_ref IS NOT NULL
			) inner_candidate
			JOIN runs x ON x.run_id = inner_candidate.run_id
			WHERE x.status = $1 OR x.started_at > $2
		)`, model.RunRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("audit: find expired payload refs: %w", err)
	}
	return refs, nil
}

// token_outcomes is not one of the tables named in spec §6's literal list,
// but §4.4 requires RecordTokenOutcome/complete_run to be queryable — we
// add a narrow outcomes table (migrations 0002) rather than overload
// node_states, which is scoped per-(token,node,attempt) and cannot hold a
// single terminal-outcome-per-token fact.
func (r *Recorder) RecordTokenOutcome(ctx context.Context, tokenID string, outcome model.TokenOutcome, sinkName *string) error {
	q := r.querier(ctx)
	_, err := q.ExecContext(ctx, `
		INSERT INTO token_outcomes (token_id, outcome, sink_name, recorded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token_id) DO UPDATE SET outcome = EXCLUDED.outcome, sink_name = EXCLUDED.sink_name, recorded_at = EXCLUDED.recorded_at`,
		tokenID, outcome, sinkName, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("audit: record token outcome for %s: %w", tokenID, err)
	}
	return nil
}
