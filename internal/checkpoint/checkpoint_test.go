package checkpoint_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth-sub005/internal/audit"
	"github.com/tachyon-beep/elspeth-sub005/internal/audit/model"
	"github.com/tachyon-beep/elspeth-sub005/internal/checkpoint"
	"github.com/tachyon-beep/elspeth-sub005/internal/contract"
	"github.com/tachyon-beep/elspeth-sub005/internal/graph"
)

func checkpointColumns() []string {
	return []string{"checkpoint_id", "run_id", "token_id", "node_id", "sequence_number",
		"topology_hash", "config_hash", "format_version", "aggregation_state_json", "created_at"}
}

func rowColumns() []string {
	return []string{"row_id", "run_id", "source_node_id", "row_index",
		"source_data_hash", "source_data_ref", "created_at"}
}

func newTestGraph() *graph.Graph {
	g := graph.New()
	g.AddNode(graph.NodeInfo{NodeID: "t1", NodeType: model.NodeTransform, PluginName: "passthrough"})
	g.AddNode(graph.NodeInfo{NodeID: "s1", NodeType: model.NodeSink, PluginName: "jsonl"})
	g.AddEdge("t1", "s1", "on_success", model.ModeMove)
	g.SetSinkIDMap(map[string]string{"out": "s1"})
	return g
}

func newValidator(t *testing.T) (*checkpoint.Validator, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	db := sqlx.NewDb(mockDB, "postgres")
	rec := audit.New(db, nil)
	return checkpoint.NewValidator(rec), mock
}

func TestPolicy_ShouldCheckpoint(t *testing.T) {
	assert.True(t, checkpoint.Policy{Mode: "every_row"}.ShouldCheckpoint(1))
	assert.True(t, checkpoint.Policy{Mode: "every_row"}.ShouldCheckpoint(2))

	every3 := checkpoint.Policy{Mode: "every_n", N: 3}
	assert.False(t, every3.ShouldCheckpoint(1))
	assert.False(t, every3.ShouldCheckpoint(2))
	assert.True(t, every3.ShouldCheckpoint(3))
	assert.True(t, every3.ShouldCheckpoint(6))

	assert.False(t, checkpoint.Policy{Mode: "aggregation_only"}.ShouldCheckpoint(1))
	assert.True(t, checkpoint.Policy{Mode: "unrecognized"}.ShouldCheckpoint(1), "an unrecognized mode defaults to checkpointing every write rather than silently never checkpointing")
}

func TestPolicy_ShouldCheckpointEveryNCoercesNonPositiveN(t *testing.T) {
	p := checkpoint.Policy{Mode: "every_n", N: 0}
	assert.True(t, p.ShouldCheckpoint(1))
	assert.True(t, p.ShouldCheckpoint(2))
}

func TestTopologyHash_StableAcrossCalls(t *testing.T) {
	g := newTestGraph()
	h1, err := checkpoint.TopologyHash(g)
	require.NoError(t, err)
	h2, err := checkpoint.TopologyHash(g)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestTopologyHash_ChangesWithEdgeShape(t *testing.T) {
	g1 := newTestGraph()
	g2 := graph.New()
	g2.AddNode(graph.NodeInfo{NodeID: "t1", NodeType: model.NodeTransform, PluginName: "passthrough"})
	g2.AddNode(graph.NodeInfo{NodeID: "s1", NodeType: model.NodeSink, PluginName: "jsonl"})
	g2.AddNode(graph.NodeInfo{NodeID: "s2", NodeType: model.NodeSink, PluginName: "jsonl"})
	g2.AddEdge("t1", "s2", "on_success", model.ModeMove)
	g2.SetSinkIDMap(map[string]string{"out": "s2"})

	h1, err := checkpoint.TopologyHash(g1)
	require.NoError(t, err)
	h2, err := checkpoint.TopologyHash(g2)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestValidator_CanResumeFalseWhenNoCheckpointExists(t *testing.T) {
	v, mock := newValidator(t)
	ctx := context.Background()
	g := newTestGraph()

	mock.ExpectQuery("SELECT \\* FROM checkpoints").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows(checkpointColumns()))

	ok, err := v.CanResume(ctx, "run-1", g, "cfg-hash")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidator_CanResumeFalseOnTopologyMismatch(t *testing.T) {
	v, mock := newValidator(t)
	ctx := context.Background()
	g := newTestGraph()

	rows := sqlmock.NewRows(checkpointColumns()).
		AddRow("cp-1", "run-1", "tok-1", "t1", int64(1), "stale-topology-hash", "cfg-hash",
			checkpoint.FormatVersion, nil, time.Now())
	mock.ExpectQuery("SELECT \\* FROM checkpoints").WithArgs("run-1").WillReturnRows(rows)

	ok, err := v.CanResume(ctx, "run-1", g, "cfg-hash")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidator_CanResumeFalseOnConfigMismatch(t *testing.T) {
	v, mock := newValidator(t)
	ctx := context.Background()
	g := newTestGraph()
	topoHash, err := checkpoint.TopologyHash(g)
	require.NoError(t, err)

	rows := sqlmock.NewRows(checkpointColumns()).
		AddRow("cp-1", "run-1", "tok-1", "t1", int64(1), topoHash, "old-cfg-hash",
			checkpoint.FormatVersion, nil, time.Now())
	mock.ExpectQuery("SELECT \\* FROM checkpoints").WithArgs("run-1").WillReturnRows(rows)

	ok, err := v.CanResume(ctx, "run-1", g, "new-cfg-hash")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidator_CanResumeFalseWhenFormatVersionIsNewer(t *testing.T) {
	v, mock := newValidator(t)
	ctx := context.Background()
	g := newTestGraph()
	topoHash, err := checkpoint.TopologyHash(g)
	require.NoError(t, err)

	rows := sqlmock.NewRows(checkpointColumns()).
		AddRow("cp-1", "run-1", "tok-1", "t1", int64(1), topoHash, "cfg-hash",
			checkpoint.FormatVersion+1, nil, time.Now())
	mock.ExpectQuery("SELECT \\* FROM checkpoints").WithArgs("run-1").WillReturnRows(rows)

	ok, err := v.CanResume(ctx, "run-1", g, "cfg-hash")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidator_CanResumeTrueWhenTopologyAndConfigMatch(t *testing.T) {
	v, mock := newValidator(t)
	ctx := context.Background()
	g := newTestGraph()
	topoHash, err := checkpoint.TopologyHash(g)
	require.NoError(t, err)

	rows := sqlmock.NewRows(checkpointColumns()).
		AddRow("cp-1", "run-1", "tok-1", "t1", int64(1), topoHash, "cfg-hash",
			checkpoint.FormatVersion, nil, time.Now())
	mock.ExpectQuery("SELECT \\* FROM checkpoints").WithArgs("run-1").WillReturnRows(rows)

	ok, err := v.CanResume(ctx, "run-1", g, "cfg-hash")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidator_GetUnprocessedRowDataSkipsTerminalRows(t *testing.T) {
	v, mock := newValidator(t)
	ctx := context.Background()
	store := &fakeRetrieveStore{data: map[string][]byte{
		"ref-2": []byte(`{"id":2}`),
	}}

	ref2 := "ref-2"
	rows := sqlmock.NewRows(rowColumns()).
		AddRow("row-1", "run-1", "source-1", int64(0), "hash-1", nil, time.Now()).
		AddRow("row-2", "run-1", "source-1", int64(1), "hash-2", &ref2, time.Now())
	mock.ExpectQuery("SELECT \\* FROM rows").WithArgs("run-1").WillReturnRows(rows)

	terminalRows := sqlmock.NewRows([]string{"row_id"}).AddRow("row-1")
	mock.ExpectQuery("SELECT rw.row_id FROM rows rw").
		WithArgs("run-1", model.OutcomeCompleted, model.OutcomeRouted, model.OutcomeFailed, model.OutcomeQuarantined).
		WillReturnRows(terminalRows)

	out, err := v.GetUnprocessedRowData(ctx, "run-1", store, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "row-2", out[0].RowID)
	assert.Equal(t, float64(2), out[0].RowData["id"])
}

func TestValidator_GetUnprocessedRowDataRejectsRowWithoutStoredRef(t *testing.T) {
	v, mock := newValidator(t)
	ctx := context.Background()
	store := &fakeRetrieveStore{data: map[string][]byte{}}

	rows := sqlmock.NewRows(rowColumns()).
		AddRow("row-1", "run-1", "source-1", int64(0), "hash-1", nil, time.Now())
	mock.ExpectQuery("SELECT \\* FROM rows").WithArgs("run-1").WillReturnRows(rows)

	terminalRows := sqlmock.NewRows([]string{"row_id"})
	mock.ExpectQuery("SELECT rw.row_id FROM rows rw").
		WithArgs("run-1", model.OutcomeCompleted, model.OutcomeRouted, model.OutcomeFailed, model.OutcomeQuarantined).
		WillReturnRows(terminalRows)

	_, err := v.GetUnprocessedRowData(ctx, "run-1", store, nil)
	require.Error(t, err)
}

func TestValidator_GetUnprocessedRowDataRejectsFieldNotInSchema(t *testing.T) {
	v, mock := newValidator(t)
	ctx := context.Background()
	ref := "ref-1"
	store := &fakeRetrieveStore{data: map[string][]byte{"ref-1": []byte(`{"id":1,"extra":true}`)}}

	rows := sqlmock.NewRows(rowColumns()).
		AddRow("row-1", "run-1", "source-1", int64(0), "hash-1", &ref, time.Now())
	mock.ExpectQuery("SELECT \\* FROM rows").WithArgs("run-1").WillReturnRows(rows)

	terminalRows := sqlmock.NewRows([]string{"row_id"})
	mock.ExpectQuery("SELECT rw.row_id FROM rows rw").
		WithArgs("run-1", model.OutcomeCompleted, model.OutcomeRouted, model.OutcomeFailed, model.OutcomeQuarantined).
		WillReturnRows(terminalRows)

	field, err := contract.NewField("id", "id", contract.TypeInt, true, contract.SourceDeclared)
	require.NoError(t, err)
	schema, err := contract.New(contract.ModeFixed, []contract.Field{field}, true)
	require.NoError(t, err)

	_, err = v.GetUnprocessedRowData(ctx, "run-1", store, schema)
	require.Error(t, err)
}

type fakeRetrieveStore struct {
	data map[string][]byte
}

func (s *fakeRetrieveStore) Store(ctx context.Context, data []byte) (string, error) {
	return "unused", nil
}

func (s *fakeRetrieveStore) Retrieve(ctx context.Context, hexHash string) ([]byte, error) {
	b, ok := s.data[hexHash]
	if !ok {
		return nil, assert.AnError
	}
	return b, nil
}

func (s *fakeRetrieveStore) Exists(ctx context.Context, hexHash string) (bool, error) {
	_, ok := s.data[hexHash]
	return ok, nil
}

func (s *fakeRetrieveStore) Delete(ctx context.Context, hexHash string) (bool, error) {
	delete(s.data, hexHash)
	return true, nil
}
