package graph

import (
	"github.com/tachyon-beep/elspeth-sub005/internal/audit/model"
	"github.com/tachyon-beep/elspeth-sub005/internal/elspethErr"
)

// GetFirstTransformNode follows the source's "continue" MOVE edge to the
// first processing node, or returns ok=false for a source-only pipeline.
func (g *Graph) GetFirstTransformNode() (string, bool) {
	sourceID, ok := g.GetSource()
	if !ok {
		return "", false
	}
	return g.GetNextNode(sourceID)
}

// GetNextNode follows the "continue" MOVE edge out of nodeID to the next
// non-sink processing node.
func (g *Graph) GetNextNode(nodeID string) (string, bool) {
	var next []string
	for _, e := range g.out[nodeID] {
		if e.Label != "continue" || e.Mode != model.ModeMove {
			continue
		}
		if g.IsSinkNode(e.ToNode) {
			continue
		}
		next = append(next, e.ToNode)
	}
	if len(next) > 1 {
		return "", false
	}
	if len(next) == 1 {
		return next[0], true
	}
	return "", false
}

// GetPipelineNodeSequence returns ordered processing nodes (no source or
// sinks) in traversal order, following MOVE edges from the first transform.
func (g *Graph) GetPipelineNodeSequence() []string {
	if g.pipelineNodes != nil {
		return append([]string{}, g.pipelineNodes...)
	}

	first, ok := g.GetFirstTransformNode()
	if !ok {
		return nil
	}

	reachable := make(map[string]struct{})
	pending := []string{first}
	for len(pending) > 0 {
		cur := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if _, seen := reachable[cur]; seen {
			continue
		}
		reachable[cur] = struct{}{}
		for _, e := range g.out[cur] {
			if e.Mode != model.ModeMove || g.IsSinkNode(e.ToNode) {
				continue
			}
			pending = append(pending, e.ToNode)
		}
	}

	topo, err := g.TopologicalOrder()
	if err != nil {
		return nil
	}
	var seq []string
	for _, id := range topo {
		if _, ok := reachable[id]; ok {
			seq = append(seq, id)
		}
	}
	return seq
}

// SetPipelineNodes caches a precomputed sequence (used by the builder once
// construction has settled).
func (g *Graph) SetPipelineNodes(nodes []string) { g.pipelineNodes = append([]string{}, nodes...) }

// BuildStepMap assigns audit step numbers: source is step 0, each
// subsequent processing node increments by one in traversal order.
func (g *Graph) BuildStepMap() map[string]int {
	sourceID, ok := g.GetSource()
	if !ok {
		return nil
	}
	steps := map[string]int{sourceID: 0}
	for i, id := range g.GetPipelineNodeSequence() {
		steps[id] = i + 1
	}
	g.stepMap = steps
	out := make(map[string]int, len(steps))
	for k, v := range steps {
		out[k] = v
	}
	return out
}

// GetBranchFirstNodes maps every coalesce branch name to the first
// processing node a token on that branch should visit: the coalesce node
// itself for identity (COPY) branches, or the first transform in the
// branch's MOVE chain otherwise.
func (g *Graph) GetBranchFirstNodes() (map[string]string, error) {
	result := make(map[string]string)
	for branchName, coalesceName := range g.branchToCoalesce {
		coalesceID, ok := g.coalesceIDMap[coalesceName]
		if !ok {
			continue
		}

		isIdentity := false
		for _, e := range g.in[coalesceID] {
			if e.Mode == model.ModeCopy && e.Label == branchName {
				isIdentity = true
				break
			}
		}
		if isIdentity {
			result[branchName] = coalesceID
			continue
		}

		first, _, err := g.traceBranchEndpoints(coalesceID, branchName)
		if err != nil {
			return nil, err
		}
		result[branchName] = first
	}
	return result, nil
}

// traceBranchEndpoints walks backwards from a coalesce node through MOVE
// edges to find the first and last transform in branchName's chain,
// terminating at the fork gate that produced the branch. The backward walk
// follows any MOVE edge (not just "continue") because intermediate routing
// gates within a branch carry route-specific labels.
func (g *Graph) traceBranchEndpoints(coalesceID, branchName string) (first, last string, err error) {
	forkGateID, ok := g.branchGateMap[branchName]
	if !ok {
		return "", "", elspethErr.GraphValidationError(
			"no producing gate recorded for branch %q", branchName)
	}

	var candidates []string
	for _, e := range g.in[coalesceID] {
		if e.Mode == model.ModeMove {
			candidates = append(candidates, e.FromNode)
		}
	}

	for _, candidate := range candidates {
		current := candidate
		visited := make(map[string]struct{})
		for {
			if _, seen := visited[current]; seen {
				break
			}
			visited[current] = struct{}{}

			foundEntry := false
			for _, e := range g.in[current] {
				if e.Mode == model.ModeMove && e.Label == branchName && e.FromNode == forkGateID {
					foundEntry = true
					break
				}
			}
			if foundEntry {
				return current, candidate, nil
			}

			var predecessor string
			found := false
			for _, e := range g.in[current] {
				if e.Mode == model.ModeMove {
					predecessor, found = e.FromNode, true
					break
				}
			}
			if !found {
				break
			}
			current = predecessor
		}
	}

	return "", "", elspethErr.GraphValidationError(
		"cannot trace first transform for branch %q leading to coalesce %q", branchName, coalesceID)
}

// GetBranchToSinkMap returns fork branches that route directly to a sink
// (COPY edges from a gate to a sink node), excluding branches that route to
// a coalesce.
func (g *Graph) GetBranchToSinkMap() map[string]string {
	sinkNodeToName := make(map[string]string, len(g.sinkIDMap))
	for name, id := range g.sinkIDMap {
		sinkNodeToName[id] = name
	}
	result := make(map[string]string)
	for _, e := range g.GetEdges() {
		if e.Mode != model.ModeCopy {
			continue
		}
		if name, ok := sinkNodeToName[e.ToNode]; ok {
			result[e.Label] = name
		}
	}
	return result
}

// GetTerminalSinkMap maps terminal processing nodes to the sink name their
// "on_success" MOVE edge targets.
func (g *Graph) GetTerminalSinkMap() map[string]string {
	sinkNodeToName := make(map[string]string, len(g.sinkIDMap))
	for name, id := range g.sinkIDMap {
		sinkNodeToName[id] = name
	}
	result := make(map[string]string)
	for _, e := range g.GetEdges() {
		if e.Label == "on_success" && e.Mode == model.ModeMove {
			if name, ok := sinkNodeToName[e.ToNode]; ok {
				result[e.FromNode] = name
			}
		}
	}
	return result
}
