// Package checkpoint implements the Checkpoint Manager & Recovery subsystem
// (spec §4.12): durable progress markers tied to sink writes, resume-point
// selection, and replay of rows a run did not finish before it stopped.
//
// A checkpoint asserts that everything up to one token, through one node,
// has been durably persisted. Resuming a run re-validates that the graph
// and its configuration have not changed underneath the checkpoint (the
// topology_hash and config_hash fields exist for exactly that reason) and
// then replays every row the prior attempt did not finish, using payloads
// already sitting in the content-addressed store rather than re-reading
// the source.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tachyon-beep/elspeth-sub005/internal/audit"
	"github.com/tachyon-beep/elspeth-sub005/internal/audit/model"
	"github.com/tachyon-beep/elspeth-sub005/internal/canon"
	"github.com/tachyon-beep/elspeth-sub005/internal/contract"
	"github.com/tachyon-beep/elspeth-sub005/internal/elspethErr"
	"github.com/tachyon-beep/elspeth-sub005/internal/graph"
	"github.com/tachyon-beep/elspeth-sub005/internal/payload"
)

// FormatVersion is embedded in every checkpoint this build writes.
// CanResume rejects a checkpoint whose FormatVersion is newer than this —
// an older binary must never guess at a newer checkpoint's shape.
const FormatVersion = 1

// Policy selects when the orchestrator creates a checkpoint after a
// durable sink write (spec §4.12).
type Policy struct {
	// Mode is one of "every_row", "every_n", or "aggregation_only".
	Mode string
	// N is the interval for "every_n"; ignored otherwise.
	N int
}

// ShouldCheckpoint reports whether the orchestrator should create a
// checkpoint after the writesSoFar'th durable sink write (1-indexed).
// aggregation_only returns false here, and the orchestrator creates no
// checkpoint on an aggregation flush either, so a run in that mode writes
// no checkpoints.
func (p Policy) ShouldCheckpoint(writesSoFar int64) bool {
	switch p.Mode {
	case "every_row":
		return true
	case "every_n":
		n := p.N
		if n <= 0 {
			n = 1
		}
		return writesSoFar%int64(n) == 0
	case "aggregation_only":
		return false
	default:
		return true
	}
}

// TopologyHash derives a stable fingerprint of a graph's node and edge
// shape, independent of the node_ids a particular run assigned — two runs
// of the same pipeline definition must hash identically so a checkpoint
// from one run can be judged compatible with a re-registered graph built
// from the same definition.
func TopologyHash(g *graph.Graph) (string, error) {
	nodes := g.GetNodes()
	shape := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		shape = append(shape, map[string]any{
			"node_id":     n.NodeID,
			"node_type":   string(n.NodeType),
			"plugin_name": n.PluginName,
		})
	}
	edges := g.GetEdges()
	edgeShape := make([]map[string]any, 0, len(edges))
	for _, e := range edges {
		edgeShape = append(edgeShape, map[string]any{
			"from":  e.FromNode,
			"to":    e.ToNode,
			"label": e.Label,
			"mode":  string(e.Mode),
		})
	}
	hash, err := canon.StableHash(map[string]any{"nodes": shape, "edges": edgeShape})
	if err != nil {
		return "", fmt.Errorf("checkpoint: hash topology: %w", err)
	}
	return hash, nil
}

// Validator implements CheckpointCompatibilityValidator from spec §4.12:
// it decides whether a stored checkpoint may be resumed against a freshly
// built graph and configuration, and if so, which row the resumed run
// should continue from.
type Validator struct {
	recorder *audit.Recorder
}

// NewValidator constructs a Validator bound to recorder.
func NewValidator(recorder *audit.Recorder) *Validator {
	return &Validator{recorder: recorder}
}

// CanResume reports whether runID's latest checkpoint is compatible with g
// and configHash. A run with no checkpoints cannot be resumed — it must be
// started fresh. A topology or config mismatch is a hard incompatibility:
// resuming against a changed pipeline could silently replay rows through
// different logic than originally recorded, defeating the audit trail's
// purpose.
func (v *Validator) CanResume(ctx context.Context, runID string, g *graph.Graph, configHash string) (bool, error) {
	cp, err := v.recorder.GetLatestCheckpoint(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("checkpoint: can_resume: %w", err)
	}
	if cp == nil {
		return false, nil
	}
	if cp.FormatVersion > FormatVersion {
		return false, nil
	}
	topoHash, err := TopologyHash(g)
	if err != nil {
		return false, err
	}
	if cp.TopologyHash != topoHash {
		return false, nil
	}
	if cp.ConfigHash != configHash {
		return false, nil
	}
	return true, nil
}

// GetResumePoint returns the highest-sequence checkpoint for runID, or nil
// if the run has none. Callers must check CanResume first — this method
// does not itself re-validate topology/config compatibility.
func (v *Validator) GetResumePoint(ctx context.Context, runID string) (*model.Checkpoint, error) {
	cp, err := v.recorder.GetLatestCheckpoint(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: get_resume_point: %w", err)
	}
	return cp, nil
}

// UnprocessedRow is one row a resumed run must still feed through the
// graph, rehydrated from the payload store rather than the original source.
type UnprocessedRow struct {
	RowID    string
	RowIndex int64
	RowData  map[string]any
}

// GetUnprocessedRowData returns, for every row of runID not yet recorded
// as terminally COMPLETED/ROUTED/FAILED/QUARANTINED, a rehydrated
// (row_id, row_index, row_data) triple. sourceSchema is the run's
// persisted source schema contract (spec §4.12: "rehydration uses the
// persisted source_schema_json strictly" — a row whose stored data no
// longer matches that contract's shape is a corruption, not something to
// silently coerce around).
func (v *Validator) GetUnprocessedRowData(ctx context.Context, runID string, store payload.Store, sourceSchema *contract.Contract) ([]UnprocessedRow, error) {
	rows, err := v.recorder.GetRowsForRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: get_unprocessed_row_data: %w", err)
	}
	terminal, err := v.recorder.GetTerminalRowIDs(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: get_unprocessed_row_data: %w", err)
	}

	var out []UnprocessedRow
	for _, row := range rows {
		if terminal[row.RowID] {
			continue
		}
		if row.SourceDataRef == nil {
			return nil, elspethErr.IntegrityError(
				"checkpoint: row %s has no stored payload ref and cannot be replayed on resume", row.RowID)
		}
		raw, err := store.Retrieve(ctx, *row.SourceDataRef)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: retrieve payload for row %s: %w", row.RowID, err)
		}
		data, err := decodeRow(raw)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: decode row %s: %w", row.RowID, err)
		}
		if sourceSchema != nil {
			if err := validateAgainstSchema(data, sourceSchema); err != nil {
				return nil, err
			}
		}
		out = append(out, UnprocessedRow{RowID: row.RowID, RowIndex: row.RowIndex, RowData: data})
	}
	return out, nil
}

func decodeRow(raw []byte) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("unmarshal canonical row payload: %w", err)
	}
	return data, nil
}

// validateAgainstSchema rejects a rehydrated row carrying a field the
// persisted source contract never declared, and a required field it
// locked in but the row omits. It deliberately does not attempt any type
// coercion: a schema mismatch on replay means the stored payload and the
// stored contract have drifted, which is a Tier-1 integrity concern, not
// something to paper over.
func validateAgainstSchema(data map[string]any, schema *contract.Contract) error {
	for name := range data {
		if _, ok := schema.FindName(name); !ok {
			return elspethErr.IntegrityError("checkpoint: rehydrated row has field %q not declared by the persisted source schema", name)
		}
	}
	for _, f := range schema.Fields() {
		if f.Required {
			if _, ok := data[f.NormalizedName]; !ok {
				return elspethErr.IntegrityError("checkpoint: rehydrated row is missing required field %q", f.NormalizedName)
			}
		}
	}
	return nil
}
