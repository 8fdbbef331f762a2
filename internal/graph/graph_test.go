package graph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth-sub005/internal/audit/model"
	"github.com/tachyon-beep/elspeth-sub005/internal/graph"
)

func linearGraph() *graph.Graph {
	g := graph.New()
	g.AddNode(graph.NodeInfo{NodeID: "src", NodeType: model.NodeSource, PluginName: "csv_source"})
	g.AddNode(graph.NodeInfo{NodeID: "t1", NodeType: model.NodeTransform, PluginName: "uppercase"})
	g.AddNode(graph.NodeInfo{NodeID: "sink", NodeType: model.NodeSink, PluginName: "jsonl_sink"})
	g.AddEdge("src", "t1", "continue", model.ModeMove)
	g.AddEdge("t1", "sink", "on_success", model.ModeMove)
	return g
}

func TestValidate_AcceptsLinearPipeline(t *testing.T) {
	g := linearGraph()
	require.NoError(t, g.Validate())
}

func TestValidate_RejectsCycle(t *testing.T) {
	g := linearGraph()
	g.AddEdge("sink", "t1", "loop", model.ModeMove)
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidate_RequiresExactlyOneSource(t *testing.T) {
	g := graph.New()
	g.AddNode(graph.NodeInfo{NodeID: "sink", NodeType: model.NodeSink})
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one source")
}

func TestValidate_RequiresAtLeastOneSink(t *testing.T) {
	g := graph.New()
	g.AddNode(graph.NodeInfo{NodeID: "src", NodeType: model.NodeSource})
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one sink")
}

func TestValidate_RejectsUnreachableNode(t *testing.T) {
	g := linearGraph()
	g.AddNode(graph.NodeInfo{NodeID: "orphan", NodeType: model.NodeTransform})
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestValidate_RejectsDuplicateOutgoingLabel(t *testing.T) {
	g := linearGraph()
	g.AddNode(graph.NodeInfo{NodeID: "sink2", NodeType: model.NodeSink})
	g.AddEdge("t1", "sink2", "on_success", model.ModeMove) // duplicate "on_success" from t1
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate outgoing edge label")
}

func TestValidate_RejectsIncompleteGateRouteResolution(t *testing.T) {
	g := graph.New()
	g.AddNode(graph.NodeInfo{NodeID: "src", NodeType: model.NodeSource})
	g.AddNode(graph.NodeInfo{
		NodeID: "gate", NodeType: model.NodeGate, PluginName: "suspicious_gate",
		Config: map[string]any{"routes": map[string]string{"suspicious": "quarantine_sink"}},
	})
	g.AddNode(graph.NodeInfo{NodeID: "sink", NodeType: model.NodeSink})
	g.AddEdge("src", "gate", "continue", model.ModeMove)
	g.AddEdge("gate", "sink", "continue", model.ModeMove)
	// no AddRouteResolutionEntry for the "suspicious" label
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "route label")
}

func TestTopologicalOrder_OrdersSourceBeforeSink(t *testing.T) {
	g := linearGraph()
	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	require.Equal(t, []string{"src", "t1", "sink"}, order)
}

func TestBuildStepMap_AssignsSourceStepZero(t *testing.T) {
	g := linearGraph()
	steps := g.BuildStepMap()
	assert.Equal(t, 0, steps["src"])
	assert.Equal(t, 1, steps["t1"])
}

func TestGetPipelineNodeSequence_ExcludesSourceAndSinks(t *testing.T) {
	g := linearGraph()
	seq := g.GetPipelineNodeSequence()
	assert.Equal(t, []string{"t1"}, seq)
}

func TestGetBranchFirstNodes_IdentityBranch(t *testing.T) {
	g := graph.New()
	g.AddNode(graph.NodeInfo{NodeID: "src", NodeType: model.NodeSource})
	g.AddNode(graph.NodeInfo{NodeID: "gate", NodeType: model.NodeGate})
	g.AddNode(graph.NodeInfo{NodeID: "coalesce", NodeType: model.NodeCoalesce, Config: map[string]any{"merge": "union"}})
	g.AddNode(graph.NodeInfo{NodeID: "sink", NodeType: model.NodeSink})
	g.AddEdge("src", "gate", "continue", model.ModeMove)
	g.AddEdge("gate", "coalesce", "branch_a", model.ModeCopy)
	g.AddEdge("coalesce", "sink", "on_success", model.ModeMove)

	g.SetCoalesceIDMap(map[string]string{"join1": "coalesce"})
	g.SetBranchGateMap(map[string]string{"branch_a": "gate"})
	g.SetBranchToCoalesce(map[string]string{"branch_a": "join1"})

	first, err := g.GetBranchFirstNodes()
	require.NoError(t, err)
	assert.Equal(t, "coalesce", first["branch_a"])
}

func TestWarnDivertCoalesceInteractions_FlagsRequireAllWithDivert(t *testing.T) {
	g := graph.New()
	g.AddNode(graph.NodeInfo{NodeID: "src", NodeType: model.NodeSource})
	g.AddNode(graph.NodeInfo{NodeID: "gate", NodeType: model.NodeGate})
	g.AddNode(graph.NodeInfo{NodeID: "t1", NodeType: model.NodeTransform})
	g.AddNode(graph.NodeInfo{NodeID: "coalesce", NodeType: model.NodeCoalesce, Config: map[string]any{"merge": "union"}})
	g.AddNode(graph.NodeInfo{NodeID: "errsink", NodeType: model.NodeSink})
	g.AddNode(graph.NodeInfo{NodeID: "sink", NodeType: model.NodeSink})

	g.AddEdge("src", "gate", "continue", model.ModeMove)
	g.AddEdge("gate", "t1", "branch_a", model.ModeMove)
	g.AddEdge("t1", "coalesce", "continue", model.ModeMove)
	g.AddEdge("t1", "errsink", "on_error", model.ModeDivert)
	g.AddEdge("coalesce", "sink", "on_success", model.ModeMove)

	g.SetBranchGateMap(map[string]string{"branch_a": "gate"})
	g.SetCoalesceConfigs(map[string]graph.CoalesceConfig{"coalesce": {Policy: "require_all", Merge: "union"}})

	warnings := g.WarnDivertCoalesceInteractions()
	require.Len(t, warnings, 1)
	assert.Equal(t, "DIVERT_COALESCE_REQUIRE_ALL", warnings[0].Code)
}
