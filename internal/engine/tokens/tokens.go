// Package tokens implements the Token Manager (spec §4.6): allocation,
// forking for gate fan-out, and expansion for aggregation fan-out, with
// every derived token's audit lineage tied back to its parent.
package tokens

import (
	"context"
	"fmt"

	"github.com/tachyon-beep/elspeth-sub005/internal/audit"
)

// Manager allocates tokens through the audit Recorder so every token's
// existence is itself an audit fact from the moment it is created.
type Manager struct {
	recorder *audit.Recorder
}

// New constructs a Manager bound to recorder.
func New(recorder *audit.Recorder) *Manager {
	return &Manager{recorder: recorder}
}

// Allocate creates the first token for a freshly ingested row.
func (m *Manager) Allocate(ctx context.Context, rowID string) (string, error) {
	return m.recorder.CreateToken(ctx, rowID, nil, nil)
}

// Fork splits parent into len(branchNames) children, one per declared
// branch, each recording parentTokenID and its own branch name so the
// audit trail can reconstruct the fan-out.
func (m *Manager) Fork(ctx context.Context, parent ParentToken, branchNames []string) ([]ChildToken, error) {
	if len(branchNames) == 0 {
		return nil, fmt.Errorf("tokens: fork requires at least one branch name")
	}
	children := make([]ChildToken, 0, len(branchNames))
	for _, branch := range branchNames {
		branchCopy := branch
		childID, err := m.recorder.CreateToken(ctx, parent.RowID, &parent.TokenID, &branchCopy)
		if err != nil {
			return nil, fmt.Errorf("tokens: fork parent %s branch %q: %w", parent.TokenID, branch, err)
		}
		children = append(children, ChildToken{TokenID: childID, BranchName: branch, RowID: parent.RowID})
	}
	return children, nil
}

// ExpandToken creates one child token per row id in rowIDs (one per row an
// aggregation's batch transform emitted), each parented at parent. The
// caller (the row processor) has already recorded each row with CreateRow;
// this method only allocates the tokens.
func (m *Manager) ExpandToken(ctx context.Context, parent ParentToken, rowIDs []string) ([]ChildToken, error) {
	children := make([]ChildToken, 0, len(rowIDs))
	for _, rowID := range rowIDs {
		childID, err := m.recorder.CreateToken(ctx, rowID, &parent.TokenID, nil)
		if err != nil {
			return nil, fmt.Errorf("tokens: expand parent %s row %s: %w", parent.TokenID, rowID, err)
		}
		children = append(children, ChildToken{TokenID: childID, RowID: rowID})
	}
	return children, nil
}

// ParentToken carries the identifying fields Fork/ExpandToken need from a
// token already on the work queue.
type ParentToken struct {
	TokenID string
	RowID   string
}

// ChildToken is one token produced by Fork or ExpandToken.
type ChildToken struct {
	TokenID    string
	BranchName string
	RowID      string
}
