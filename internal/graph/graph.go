// Package graph implements the execution graph (spec §4.5): a directed
// multigraph of typed nodes with parallel labeled edges, built from wired
// plugin instances and validated before any row flows.
package graph

import (
	"github.com/tachyon-beep/elspeth-sub005/internal/audit/model"
	"github.com/tachyon-beep/elspeth-sub005/internal/contract"
)

// NodeInfo describes one vertex: its plugin identity, type, configuration,
// and the schema contracts it exposes on its input and output edges.
type NodeInfo struct {
	NodeID       string
	NodeType     model.NodeType
	PluginName   string
	Config       map[string]any
	InputSchema  *contract.Contract
	OutputSchema *contract.Contract
}

// EdgeInfo describes one directed, labeled connection.
type EdgeInfo struct {
	FromNode string
	ToNode   string
	Label    string
	Mode     model.RoutingMode
}

// CoalesceConfig mirrors the settings a coalesce node was built from, kept
// alongside the graph so warnDivertCoalesceInteractions can inspect policy
// without reaching back into the orchestrator's config tree.
type CoalesceConfig struct {
	Policy string
	Merge  string
}

// Graph is a directed multigraph: adjacency keyed by node, parallel edges
// distinguished by label. There is no third-party graph library in the
// reference corpus that models parallel labeled edges with per-node schema
// contracts, so the adjacency structure itself is hand-rolled (see
// DESIGN.md); the algorithms over it (cycle detection, topological sort,
// reachability) are textbook and still follow the shape of the graph this
// was translated from node-for-node.
type Graph struct {
	nodes map[string]*NodeInfo
	order []string // insertion order, for deterministic iteration

	out map[string][]EdgeInfo // from_node -> outgoing edges
	in  map[string][]EdgeInfo // to_node -> incoming edges

	sinkIDMap       map[string]string // sink name -> node id
	transformIDMap  map[int]string    // sequence index -> node id
	gateIDMap       map[string]string // gate name -> node id
	aggregationIDMap map[string]string
	coalesceIDMap   map[string]string

	branchToCoalesce map[string]string // branch name -> coalesce name
	branchGateMap    map[string]string // branch name -> producing gate node id
	routeLabelMap    map[[2]string]string // (gate node id, sink name) -> label
	routeResolution  map[[2]string]string // (gate node id, label) -> destination ("continue"|"fork"|sink name)

	coalesceConfigs map[string]CoalesceConfig // node id -> config

	pipelineNodes []string       // cached ordered processing nodes
	stepMap       map[string]int // node id -> audit step
}

// New returns an empty graph ready for AddNode/AddEdge calls.
func New() *Graph {
	return &Graph{
		nodes:            make(map[string]*NodeInfo),
		out:              make(map[string][]EdgeInfo),
		in:               make(map[string][]EdgeInfo),
		sinkIDMap:        make(map[string]string),
		transformIDMap:   make(map[int]string),
		gateIDMap:        make(map[string]string),
		aggregationIDMap: make(map[string]string),
		coalesceIDMap:    make(map[string]string),
		branchToCoalesce: make(map[string]string),
		branchGateMap:    make(map[string]string),
		routeLabelMap:    make(map[[2]string]string),
		routeResolution:  make(map[[2]string]string),
		coalesceConfigs:  make(map[string]CoalesceConfig),
	}
}

// AddNode registers a vertex. Re-adding an existing node_id overwrites its
// info, matching the builder's "last write wins" construction order.
func (g *Graph) AddNode(info NodeInfo) {
	if _, exists := g.nodes[info.NodeID]; !exists {
		g.order = append(g.order, info.NodeID)
	}
	cp := info
	g.nodes[info.NodeID] = &cp
}

// AddEdge registers a directed, labeled edge. label doubles as the edge's
// key, so (from, label) is expected to be unique — Validate enforces this
// rather than AddEdge, matching the original's "construct first, validate
// later" sequencing.
func (g *Graph) AddEdge(from, to, label string, mode model.RoutingMode) {
	e := EdgeInfo{FromNode: from, ToNode: to, Label: label, Mode: mode}
	g.out[from] = append(g.out[from], e)
	g.in[to] = append(g.in[to], e)
}

func (g *Graph) HasNode(nodeID string) bool {
	_, ok := g.nodes[nodeID]
	return ok
}

// GetNodeInfo returns node info or ok=false if nodeID is unknown.
func (g *Graph) GetNodeInfo(nodeID string) (NodeInfo, bool) {
	info, ok := g.nodes[nodeID]
	if !ok {
		return NodeInfo{}, false
	}
	return *info, true
}

func (g *Graph) NodeCount() int { return len(g.nodes) }

func (g *Graph) EdgeCount() int {
	n := 0
	for _, edges := range g.out {
		n += len(edges)
	}
	return n
}

// GetNodes returns every node's info in insertion order.
func (g *Graph) GetNodes() []NodeInfo {
	out := make([]NodeInfo, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.nodes[id])
	}
	return out
}

// GetEdges returns every edge in the graph, grouped by from_node in
// insertion order.
func (g *Graph) GetEdges() []EdgeInfo {
	var out []EdgeInfo
	for _, id := range g.order {
		out = append(out, g.out[id]...)
	}
	return out
}

func (g *Graph) GetOutgoingEdges(nodeID string) []EdgeInfo { return g.out[nodeID] }
func (g *Graph) GetIncomingEdges(nodeID string) []EdgeInfo { return g.in[nodeID] }

func (g *Graph) IsSinkNode(nodeID string) bool {
	info, ok := g.nodes[nodeID]
	return ok && info.NodeType == model.NodeSink
}

// GetSource returns the sole source node, or ok=false if there is not
// exactly one.
func (g *Graph) GetSource() (string, bool) {
	var found string
	count := 0
	for _, id := range g.order {
		if g.nodes[id].NodeType == model.NodeSource {
			found = id
			count++
		}
	}
	return found, count == 1
}

// GetSinks returns every sink node id, in insertion order.
func (g *Graph) GetSinks() []string {
	var sinks []string
	for _, id := range g.order {
		if g.nodes[id].NodeType == model.NodeSink {
			sinks = append(sinks, id)
		}
	}
	return sinks
}

// ===== construction-time setters, mirroring the builder's population of
// the graph's auxiliary lookup maps (spec §4.5's "Construction" list). =====

func (g *Graph) SetSinkIDMap(m map[string]string)        { g.sinkIDMap = m }
func (g *Graph) SetTransformIDMap(m map[int]string)       { g.transformIDMap = m }
func (g *Graph) SetGateIDMap(m map[string]string)         { g.gateIDMap = m }
func (g *Graph) SetAggregationIDMap(m map[string]string)  { g.aggregationIDMap = m }
func (g *Graph) SetCoalesceIDMap(m map[string]string)     { g.coalesceIDMap = m }
func (g *Graph) SetBranchToCoalesce(m map[string]string)  { g.branchToCoalesce = m }
func (g *Graph) SetBranchGateMap(m map[string]string)     { g.branchGateMap = m }
func (g *Graph) SetCoalesceConfigs(m map[string]CoalesceConfig) { g.coalesceConfigs = m }

func (g *Graph) AddRouteLabelEntry(gateNodeID, sinkName, label string) {
	g.routeLabelMap[[2]string{gateNodeID, sinkName}] = label
}

func (g *Graph) AddRouteResolutionEntry(gateNodeID, label, destination string) {
	g.routeResolution[[2]string{gateNodeID, label}] = destination
}

func (g *Graph) GetSinkIDMap() map[string]string       { return g.sinkIDMap }
func (g *Graph) GetAggregationIDMap() map[string]string { return g.aggregationIDMap }
func (g *Graph) GetCoalesceIDMap() map[string]string    { return g.coalesceIDMap }
func (g *Graph) GetBranchToCoalesceMap() map[string]string { return g.branchToCoalesce }
func (g *Graph) GetBranchGateMap() map[string]string    { return g.branchGateMap }

// GetRouteResolutionMap returns the (gate_node_id, label) -> destination
// mapping the executor uses to resolve gate route labels.
func (g *Graph) GetRouteResolutionMap() map[[2]string]string { return g.routeResolution }

// GetRouteLabel returns the label an edge from a gate to a sink carries, or
// "continue" if no explicit mapping was recorded for that (gate, sink) pair.
func (g *Graph) GetRouteLabel(fromNodeID, sinkName string) string {
	if label, ok := g.routeLabelMap[[2]string{fromNodeID, sinkName}]; ok {
		return label
	}
	return "continue"
}
