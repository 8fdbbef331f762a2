// Package coalesce implements the Coalesce Executor (spec §4.8): fork/join
// reconciliation across parallel branches, with bounded FIFO retention of
// completed join keys so late arrivals can be distinguished from bugs.
package coalesce

import (
	"fmt"
	"sort"
	"time"
)

// Policy selects when a join key is considered ready to merge.
type Policy string

const (
	PolicyRequireAll  Policy = "require_all"
	PolicyFirst       Policy = "first"
	PolicyQuorum      Policy = "quorum"
	PolicyBestEffort  Policy = "best_effort"
)

// MergeStrategy selects how branch rows combine into one output row.
type MergeStrategy string

const (
	MergeUnion  MergeStrategy = "union"
	MergeNested MergeStrategy = "nested"
	MergeSelect MergeStrategy = "select"
)

// Settings is one coalesce node's declared configuration.
type Settings struct {
	Name           string
	Branches       []string // declared order; union conflicts resolve last-wins in this order
	Policy         Policy
	QuorumCount    int
	Merge          MergeStrategy
	TimeoutSeconds float64
	SelectBranch   string
}

// BranchToken is one branch's arriving row, keyed by its token id.
type BranchToken struct {
	TokenID string
	Branch  string
	Row     map[string]any
}

type pendingEntry struct {
	received  map[string]BranchToken // branch -> token
	order     []string               // arrival order, for MergeResult.InputTokens
	startedAt time.Time
}

// MergeResult is the outcome of a successful join.
type MergeResult struct {
	JoinKey     string
	Row         map[string]any
	InputTokens []BranchToken // every branch token that contributed, in arrival order
	Reason      string
}

// Failure records a join key that could not produce a merge.
type Failure struct {
	JoinKey string
	Reason  string
}

// Executor holds per-coalesce-node join state. Not safe for concurrent use
// without external synchronization — the row processor serializes access
// per node.
type Executor struct {
	settings        Settings
	maxCompletedKeys int

	pending   map[string]*pendingEntry
	completed map[string]struct{}
	completedOrder []string // FIFO for eviction
}

// New constructs an Executor for one coalesce node. maxCompletedKeys bounds
// the late-arrival detection window; 0 means unbounded.
func New(settings Settings, maxCompletedKeys int) *Executor {
	return &Executor{
		settings:         settings,
		maxCompletedKeys: maxCompletedKeys,
		pending:          make(map[string]*pendingEntry),
		completed:        make(map[string]struct{}),
	}
}

// Arrive processes one branch token's arrival at joinKey (derived by the
// caller from the token's parent/ancestor lineage). It returns a
// MergeResult when the policy is satisfied, a Failure for a late arrival or
// a select-branch that never arrived, or neither if the key remains
// pending.
func (e *Executor) Arrive(joinKey string, bt BranchToken, now time.Time) (*MergeResult, *Failure, error) {
	if _, done := e.completed[joinKey]; done {
		return nil, &Failure{JoinKey: joinKey, Reason: fmt.Sprintf("late arrival: branch %q for already-completed join key %q", bt.Branch, joinKey)}, nil
	}

	entry, ok := e.pending[joinKey]
	if !ok {
		entry = &pendingEntry{received: make(map[string]BranchToken), startedAt: now}
		e.pending[joinKey] = entry
	}
	if _, dup := entry.received[bt.Branch]; !dup {
		entry.order = append(entry.order, bt.Branch)
	}
	entry.received[bt.Branch] = bt

	ready, reason := e.evaluatePolicy(entry)
	if !ready {
		return nil, nil, nil
	}
	return e.merge(joinKey, entry, reason)
}

func (e *Executor) evaluatePolicy(entry *pendingEntry) (bool, string) {
	switch e.settings.Policy {
	case PolicyFirst:
		return true, "first branch arrived"
	case PolicyRequireAll:
		if len(entry.received) >= len(e.settings.Branches) {
			return true, "all declared branches arrived"
		}
		return false, ""
	case PolicyQuorum:
		if len(entry.received) >= e.settings.QuorumCount {
			return true, fmt.Sprintf("quorum of %d branches reached", e.settings.QuorumCount)
		}
		return false, ""
	case PolicyBestEffort:
		return false, "" // only flush_pending can resolve best_effort
	default:
		return false, ""
	}
}

// FlushPending is invoked at end-of-source (or on a per-key timeout): it
// force-merges best_effort and timed-out keys with whatever branches
// arrived, and reports a Failure for require_all/quorum keys that never
// reached their threshold.
func (e *Executor) FlushPending(now time.Time) ([]MergeResult, []Failure) {
	var merges []MergeResult
	var failures []Failure

	keys := make([]string, 0, len(e.pending))
	for k := range e.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		entry := e.pending[key]
		timedOut := e.settings.TimeoutSeconds > 0 && now.Sub(entry.startedAt).Seconds() >= e.settings.TimeoutSeconds

		switch e.settings.Policy {
		case PolicyBestEffort, PolicyQuorum, PolicyRequireAll:
			if e.settings.Policy == PolicyBestEffort || timedOut {
				result, err := e.mergeNow(key, entry, "end-of-source/timeout flush with partial branches")
				if err != nil {
					failures = append(failures, Failure{JoinKey: key, Reason: err.Error()})
					delete(e.pending, key)
					continue
				}
				merges = append(merges, *result)
				e.markCompleted(key)
				continue
			}
			missing := e.missingBranches(entry)
			failures = append(failures, Failure{JoinKey: key, Reason: fmt.Sprintf("missing branches at end-of-source: %v", missing)})
			delete(e.pending, key)
		}
	}

	return merges, failures
}

func (e *Executor) missingBranches(entry *pendingEntry) []string {
	var missing []string
	for _, b := range e.settings.Branches {
		if _, ok := entry.received[b]; !ok {
			missing = append(missing, b)
		}
	}
	return missing
}

func (e *Executor) merge(joinKey string, entry *pendingEntry, reason string) (*MergeResult, *Failure, error) {
	result, err := e.mergeNow(joinKey, entry, reason)
	if err != nil {
		e.markCompleted(joinKey)
		return nil, &Failure{JoinKey: joinKey, Reason: err.Error()}, nil
	}
	e.markCompleted(joinKey)
	return result, nil, nil
}

func (e *Executor) mergeNow(joinKey string, entry *pendingEntry, reason string) (*MergeResult, error) {
	var row map[string]any
	switch e.settings.Merge {
	case MergeUnion:
		row = make(map[string]any)
		for _, branch := range e.settings.Branches {
			tok, ok := entry.received[branch]
			if !ok {
				continue
			}
			for k, v := range tok.Row {
				row[k] = v
			}
		}
	case MergeNested:
		row = make(map[string]any, len(entry.received))
		for branch, tok := range entry.received {
			row[branch] = tok.Row
		}
	case MergeSelect:
		tok, ok := entry.received[e.settings.SelectBranch]
		if !ok {
			return nil, fmt.Errorf("select branch %q did not arrive for join key %q", e.settings.SelectBranch, joinKey)
		}
		row = tok.Row
	default:
		return nil, fmt.Errorf("unknown merge strategy %q", e.settings.Merge)
	}

	inputs := make([]BranchToken, 0, len(entry.order))
	for _, branch := range entry.order {
		inputs = append(inputs, entry.received[branch])
	}

	return &MergeResult{JoinKey: joinKey, Row: row, InputTokens: inputs, Reason: reason}, nil
}

func (e *Executor) markCompleted(joinKey string) {
	delete(e.pending, joinKey)
	if _, already := e.completed[joinKey]; already {
		return
	}
	e.completed[joinKey] = struct{}{}
	e.completedOrder = append(e.completedOrder, joinKey)
	if e.maxCompletedKeys > 0 && len(e.completedOrder) > e.maxCompletedKeys {
		oldest := e.completedOrder[0]
		e.completedOrder = e.completedOrder[1:]
		delete(e.completed, oldest)
	}
}
