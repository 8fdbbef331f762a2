package graph

import (
	"fmt"
	"sort"

	"github.com/tachyon-beep/elspeth-sub005/internal/audit/model"
	"github.com/tachyon-beep/elspeth-sub005/internal/contract"
	"github.com/tachyon-beep/elspeth-sub005/internal/elspethErr"
)

// Warning is a non-fatal structural finding — construction may proceed, but
// the condition is likely to surprise an operator at runtime.
type Warning struct {
	Code     string
	Message  string
	NodeIDs  []string
}

// Validate enforces the structural invariants spec §4.5.5 names: acyclic,
// exactly one source, at least one sink, every node reachable from the
// source, outgoing-edge labels unique per node, and every declared gate
// route label resolved at construction time.
func (g *Graph) Validate() error {
	if cycle, ok := g.findCycle(); ok {
		return elspethErr.GraphValidationError("graph contains a cycle: %v", cycle)
	}

	var sources []string
	for _, id := range g.order {
		if g.nodes[id].NodeType == model.NodeSource {
			sources = append(sources, id)
		}
	}
	if len(sources) != 1 {
		return elspethErr.GraphValidationError("graph must have exactly one source, found %d", len(sources))
	}
	sourceID := sources[0]

	if len(g.GetSinks()) < 1 {
		return elspethErr.GraphValidationError("graph must have at least one sink")
	}

	reachable := g.descendants(sourceID)
	reachable[sourceID] = struct{}{}
	var unreachable []string
	for _, id := range g.order {
		if _, ok := reachable[id]; !ok {
			unreachable = append(unreachable, id)
		}
	}
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		return elspethErr.GraphValidationError(
			"%d unreachable node(s) detected: %v; all nodes must be reachable from source %q", len(unreachable), unreachable, sourceID)
	}

	for _, id := range g.order {
		seen := make(map[string]struct{})
		for _, e := range g.out[id] {
			if _, dup := seen[e.Label]; dup {
				return elspethErr.GraphValidationError(
					"node %q has duplicate outgoing edge label %q; edge labels must be unique per source node", id, e.Label)
			}
			seen[e.Label] = struct{}{}
		}
	}

	return g.validateRouteResolutionComplete()
}

// validateRouteResolutionComplete ensures every route label a gate's config
// declares has a corresponding entry in routeResolution — no label may be
// resolved lazily at runtime.
func (g *Graph) validateRouteResolutionComplete() error {
	for _, id := range g.order {
		info := g.nodes[id]
		if info.NodeType != model.NodeGate {
			continue
		}
		routesVal, ok := info.Config["routes"]
		if !ok {
			continue
		}
		routes, ok := routesVal.(map[string]string)
		if !ok {
			continue
		}
		for label := range routes {
			if _, ok := g.routeResolution[[2]string{id, label}]; !ok {
				return elspethErr.GraphValidationError(
					"gate %q route label %q has no destination in the route resolution map", info.PluginName, label)
			}
		}
	}
	return nil
}

// findCycle reports whether the graph contains a cycle via iterative DFS,
// returning the path of node ids forming it.
func (g *Graph) findCycle() ([]string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.order))
	var path []string

	var visit func(string) ([]string, bool)
	visit = func(u string) ([]string, bool) {
		color[u] = gray
		path = append(path, u)
		for _, e := range g.out[u] {
			switch color[e.ToNode] {
			case gray:
				return append(append([]string{}, path...), e.ToNode), true
			case white:
				if cyc, found := visit(e.ToNode); found {
					return cyc, true
				}
			}
		}
		path = path[:len(path)-1]
		color[u] = black
		return nil, false
	}

	for _, id := range g.order {
		if color[id] == white {
			if cyc, found := visit(id); found {
				return cyc, true
			}
		}
	}
	return nil, false
}

// descendants returns every node reachable from start (excluding start
// itself) following outgoing edges of any mode.
func (g *Graph) descendants(start string) map[string]struct{} {
	seen := make(map[string]struct{})
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.out[cur] {
			if _, ok := seen[e.ToNode]; ok {
				continue
			}
			seen[e.ToNode] = struct{}{}
			stack = append(stack, e.ToNode)
		}
	}
	return seen
}

// TopologicalOrder returns node ids in topological order via Kahn's
// algorithm, ties broken by insertion order for determinism.
func (g *Graph) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		indegree[id] = 0
	}
	for _, id := range g.order {
		for _, e := range g.out[id] {
			indegree[e.ToNode]++
		}
	}

	var queue []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var result []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		result = append(result, id)
		for _, e := range g.out[id] {
			indegree[e.ToNode]--
			if indegree[e.ToNode] == 0 {
				queue = append(queue, e.ToNode)
			}
		}
	}

	if len(result) != len(g.order) {
		return nil, elspethErr.GraphValidationError("cannot topologically sort graph: a cycle remains")
	}
	return result, nil
}

// ValidateEdgeCompatibility enforces schema-contract compatibility across
// every non-DIVERT edge (spec §4.5 "Separate validate_edge_compatibility").
// Contract compatibility here is delegated to internal/contract.Merge: two
// contracts are compatible across an edge iff they merge without a type
// conflict on any shared field name.
func (g *Graph) ValidateEdgeCompatibility() error {
	for _, id := range g.order {
		for _, e := range g.out[id] {
			if e.Mode == model.ModeDivert {
				continue
			}
			toInfo := g.nodes[e.ToNode]
			if toInfo.NodeType == model.NodeCoalesce {
				continue // coalesce validated separately, branch-aware
			}
			if err := g.validateSingleEdge(e.FromNode, e.ToNode); err != nil {
				return err
			}
		}
	}

	for _, id := range g.order {
		if g.nodes[id].NodeType == model.NodeCoalesce {
			if err := g.validateCoalesceCompatibility(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) validateSingleEdge(fromID, toID string) error {
	fromInfo, toInfo := g.nodes[fromID], g.nodes[toID]

	if toInfo.NodeType == model.NodeGate && toInfo.InputSchema != nil && toInfo.OutputSchema != nil {
		if toInfo.InputSchema.VersionHash() != toInfo.OutputSchema.VersionHash() {
			return elspethErr.GraphValidationError("gate %q must preserve schema: input and output contracts differ", toID)
		}
	}

	producer := g.effectiveProducerSchema(fromID)
	consumer := toInfo.InputSchema
	if producer == nil || consumer == nil {
		return nil // an observed/dynamic side bypasses static validation
	}
	if _, err := producer.Merge(consumer); err != nil {
		return elspethErr.GraphValidationError(
			"edge %q -> %q invalid: producer %q incompatible with consumer %q: %v",
			fromID, toID, fromInfo.PluginName, toInfo.PluginName, err)
	}
	return nil
}

// effectiveProducerSchema walks through pass-through nodes (gates always;
// coalesce only under the select strategy) to find the nearest
// schema-carrying producer, mirroring the original's backward walk.
func (g *Graph) effectiveProducerSchema(nodeID string) *contract.Contract {
	info := g.nodes[nodeID]
	if info.OutputSchema != nil {
		return info.OutputSchema
	}

	if info.NodeType == model.NodeCoalesce {
		merge, _ := info.Config["merge"].(string)
		if merge == "select" {
			selectBranch, _ := info.Config["select_branch"].(string)
			if selectBranch != "" {
				if first, ok := g.branchFirstNodeForSelect(nodeID, selectBranch); ok {
					return g.effectiveProducerSchema(first)
				}
			}
		}
		return nil
	}

	if info.NodeType == model.NodeGate {
		incoming := g.in[nodeID]
		if len(incoming) == 0 {
			return nil
		}
		return g.effectiveProducerSchema(incoming[0].FromNode)
	}

	return nil
}

func (g *Graph) branchFirstNodeForSelect(coalesceID, branchName string) (string, bool) {
	for _, e := range g.in[coalesceID] {
		if e.Mode == model.ModeCopy && e.Label == branchName {
			return e.FromNode, true
		}
	}
	first, _, err := g.traceBranchEndpoints(coalesceID, branchName)
	if err != nil {
		return "", false
	}
	return first, true
}

func (g *Graph) validateCoalesceCompatibility(coalesceID string) error {
	incoming := g.in[coalesceID]
	if len(incoming) < 2 {
		return nil
	}
	info := g.nodes[coalesceID]
	merge, _ := info.Config["merge"].(string)
	if merge == "nested" || merge == "select" {
		return nil
	}

	var branchSchemas []*contract.Contract
	for _, e := range incoming {
		branchSchemas = append(branchSchemas, g.effectiveProducerSchema(e.FromNode))
	}

	var first *contract.Contract
	for i, s := range branchSchemas {
		if i == 0 {
			first = s
			continue
		}
		if first == nil || s == nil {
			continue // either side dynamic: compatible with anything
		}
		if _, err := first.Merge(s); err != nil {
			return elspethErr.GraphValidationError(
				"coalesce %q receives incompatible schemas across branches: %v", coalesceID, err)
		}
	}
	return nil
}

// WarnDivertCoalesceInteractions detects transforms with on_error DIVERT
// edges feeding a require_all coalesce — the coalesce would wait forever
// for the diverted branch. Non-fatal: returns warnings, never an error.
func (g *Graph) WarnDivertCoalesceInteractions() []Warning {
	divertTransforms := make(map[string]struct{})
	for _, e := range g.GetEdges() {
		if e.Mode != model.ModeDivert {
			continue
		}
		if info, ok := g.nodes[e.FromNode]; ok && info.NodeType == model.NodeTransform {
			divertTransforms[e.FromNode] = struct{}{}
		}
	}
	if len(divertTransforms) == 0 {
		return nil
	}

	var warnings []Warning
	for coalesceID, cfg := range g.coalesceConfigs {
		if cfg.Policy != "require_all" {
			continue
		}
		for _, e := range g.in[coalesceID] {
			if e.Mode != model.ModeMove {
				continue
			}
			current := e.FromNode
			visited := make(map[string]struct{})
			for {
				if _, seen := visited[current]; seen {
					break
				}
				visited[current] = struct{}{}
				info, ok := g.nodes[current]
				if !ok || info.NodeType != model.NodeTransform {
					break
				}
				if _, diverts := divertTransforms[current]; diverts {
					warnings = append(warnings, Warning{
						Code: "DIVERT_COALESCE_REQUIRE_ALL",
						Message: fmt.Sprintf(
							"transform %q has on_error routing and feeds require_all coalesce %q; diverted rows will never reach it",
							current, coalesceID),
						NodeIDs: []string{current, coalesceID},
					})
					break
				}
				var pred string
				found := false
				for _, pe := range g.in[current] {
					if pe.Mode == model.ModeMove {
						pred, found = pe.FromNode, true
						break
					}
				}
				if !found {
					break
				}
				current = pred
			}
		}
	}
	return warnings
}
