package orchestrator_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth-sub005/internal/audit"
	"github.com/tachyon-beep/elspeth-sub005/internal/audit/model"
	"github.com/tachyon-beep/elspeth-sub005/internal/checkpoint"
	"github.com/tachyon-beep/elspeth-sub005/internal/contract"
	"github.com/tachyon-beep/elspeth-sub005/internal/engine/orchestrator"
	"github.com/tachyon-beep/elspeth-sub005/internal/engine/processor"
	"github.com/tachyon-beep/elspeth-sub005/internal/graph"
	"github.com/tachyon-beep/elspeth-sub005/internal/plugin"
	"github.com/tachyon-beep/elspeth-sub005/internal/plugin/builtin"
)

// linearGraph mirrors the fixture internal/graph's own tests build: a
// source feeding a single transform feeding a single sink.
func linearGraph() *graph.Graph {
	g := graph.New()
	g.AddNode(graph.NodeInfo{NodeID: "src", NodeType: model.NodeSource, PluginName: "memory_source"})
	g.AddNode(graph.NodeInfo{NodeID: "t1", NodeType: model.NodeTransform, PluginName: "passthrough"})
	g.AddNode(graph.NodeInfo{NodeID: "sink", NodeType: model.NodeSink, PluginName: "jsonl"})
	g.AddEdge("src", "t1", "continue", model.ModeMove)
	g.AddEdge("t1", "sink", "on_success", model.ModeMove)
	g.SetSinkIDMap(map[string]string{"out": "sink"})
	return g
}

// expectFullRunSQL registers the statement-shape expectations one full Run
// over a single-row source produces: a run row, one row per graph node,
// one row per graph edge, the row/token/node-state/routing/outcome
// bookkeeping processor.ProcessRow performs for that single row, a
// checkpoint (the policy here is every_row), and the final
// complete-and-clear-checkpoints pair. Order is not asserted — preflight
// wiring, row processing, and teardown do not have to interleave in any
// particular statement order to be correct.
func expectFullRunSQL(mock sqlmock.Sqlmock) {
	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec("INSERT INTO runs").WillReturnResult(sqlmock.NewResult(0, 1))
	for i := 0; i < 3; i++ {
		mock.ExpectExec("INSERT INTO nodes").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	for i := 0; i < 2; i++ {
		mock.ExpectExec("INSERT INTO edges").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec("INSERT INTO rows").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO tokens").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO node_states").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO node_states").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE node_states").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE node_states").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO routing_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO token_outcomes").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO checkpoints").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE runs SET completed_at").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM checkpoints").WillReturnResult(sqlmock.NewResult(0, 1))
}

func baseConfig(buf *bytes.Buffer) orchestrator.Config {
	g := linearGraph()
	return orchestrator.Config{
		Graph: g,
		Registry: processor.Registry{
			Transforms: map[string]plugin.Transform{"t1": builtin.NewPassthroughTransform("passthrough", nil)},
			Sinks:      map[string]plugin.Sink{"sink": builtin.NewJSONLSink("jsonl", nil, buf)},
		},
		Source: builtin.NewMemorySource("memory_source", nil, []plugin.Row{{"id": 1}}),
		NodeRuntimes: map[string]orchestrator.NodeRuntime{
			"src":  {Version: "1.0.0", Determinism: model.IORead},
			"t1":   {Version: "1.0.0", Determinism: model.Deterministic},
			"sink": {Version: "1.0.0", Determinism: model.IOWrite},
		},
		CanonicalVersion: "1.0.0",
		RunConfig:        map[string]any{"batch_size": 1},
		CheckpointPolicy: checkpoint.Policy{Mode: "every_row"},
	}
}

func TestOrchestrator_RunDrivesSourceToCompletion(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	expectFullRunSQL(mock)

	db := sqlx.NewDb(mockDB, "postgres")
	rec := audit.New(db, nil)
	o := orchestrator.New(rec, nil)

	var buf bytes.Buffer
	result, err := o.Run(context.Background(), baseConfig(&buf), nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, result.Status)
	assert.Equal(t, int64(1), result.RowsProcessed)
	assert.Equal(t, int64(1), result.RowsSucceeded)
	assert.Equal(t, int64(0), result.RowsFailed)
	assert.Contains(t, buf.String(), `"id":1`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrchestrator_RunReportsSourceErrorAsFailedRun(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec("INSERT INTO runs").WillReturnResult(sqlmock.NewResult(0, 1))
	for i := 0; i < 3; i++ {
		mock.ExpectExec("INSERT INTO nodes").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	for i := 0; i < 2; i++ {
		mock.ExpectExec("INSERT INTO edges").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec("UPDATE runs SET completed_at").
		WithArgs(sqlmock.AnyArg(), model.RunFailed, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	db := sqlx.NewDb(mockDB, "postgres")
	rec := audit.New(db, nil)
	o := orchestrator.New(rec, nil)

	var buf bytes.Buffer
	cfg := baseConfig(&buf)
	cfg.Source = failingSource{}

	_, err = o.Run(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrchestrator_ResumeRejectsRunWithNoCheckpoint(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	mock.ExpectQuery("SELECT \\* FROM checkpoints").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"checkpoint_id", "run_id", "token_id", "node_id", "sequence_number",
			"topology_hash", "config_hash", "format_version", "aggregation_state_json", "created_at",
		}))

	db := sqlx.NewDb(mockDB, "postgres")
	rec := audit.New(db, nil)
	o := orchestrator.New(rec, nil)

	var buf bytes.Buffer
	cfg := baseConfig(&buf)
	resumePoint := &model.Checkpoint{RunID: "run-1"}

	_, err = o.Resume(context.Background(), resumePoint, cfg)
	require.Error(t, err, "no checkpoint row at all means CanResume is false, and Resume must refuse to proceed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

type failingSource struct{}

func (failingSource) Name() string                       { return "failing" }
func (failingSource) Version() string                     { return "1.0.0" }
func (failingSource) OutputSchema() *contract.Contract    { return nil }
func (failingSource) Close(ctx context.Context) error     { return nil }
func (failingSource) Next(ctx context.Context) (plugin.Row, bool, error) {
	return nil, false, assert.AnError
}
