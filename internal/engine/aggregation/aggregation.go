// Package aggregation implements the Aggregation Executor (spec §4.9): a
// per-node FIFO buffer with count/time/end-of-source flush triggers, handed
// to a batch-aware transform on flush.
package aggregation

import (
	"context"
	"time"

	"github.com/tachyon-beep/elspeth-sub005/internal/elspethErr"
	"github.com/tachyon-beep/elspeth-sub005/internal/plugin"
)

// Trigger describes when a buffer should flush.
type Trigger struct {
	Count       int     // flush after this many buffered tokens; 0 disables
	TimeSeconds float64 // flush this many seconds after the first buffered token; 0 disables
}

// BufferedToken is one token waiting in an aggregation buffer.
type BufferedToken struct {
	TokenID string
	RowID   string
	Row     plugin.Row
}

// BatchTransform is the plugin contract this buffer flushes into; it is
// exactly plugin.BatchTransform, re-exported so callers of this package
// need not import plugin just to name the type.
type BatchTransform = plugin.BatchTransform

// Buffer holds one aggregation node's pending tokens and flush state.
type Buffer struct {
	nodeID    string
	trigger   Trigger
	tokens    []BufferedToken
	startedAt time.Time
}

// NewBuffer constructs an empty buffer for one aggregation node.
func NewBuffer(nodeID string, trigger Trigger) *Buffer {
	return &Buffer{nodeID: nodeID, trigger: trigger}
}

// Add appends a token to the buffer, starting the time-trigger clock on the
// first arrival.
func (b *Buffer) Add(tok BufferedToken, now time.Time) {
	if len(b.tokens) == 0 {
		b.startedAt = now
	}
	b.tokens = append(b.tokens, tok)
}

// Len reports how many tokens are currently buffered.
func (b *Buffer) Len() int { return len(b.tokens) }

// ShouldFlush reports whether a count or time trigger has fired.
func (b *Buffer) ShouldFlush(now time.Time) bool {
	if len(b.tokens) == 0 {
		return false
	}
	if b.trigger.Count > 0 && len(b.tokens) >= b.trigger.Count {
		return true
	}
	if b.trigger.TimeSeconds > 0 && now.Sub(b.startedAt).Seconds() >= b.trigger.TimeSeconds {
		return true
	}
	return false
}

// FlushOutcome describes what happened to the buffer's contents on flush.
type FlushOutcome struct {
	// Single is set when the batch transform returned exactly one row,
	// reusing the first buffered token's metadata.
	Single *BufferedToken
	// Expanded holds the rows to fan out into new tokens via the Token
	// Manager, when the batch transform emitted more than one row.
	Expanded []plugin.Row
	// SourceTokens is every token that was in the buffer at flush time,
	// for audit lineage regardless of how many rows came out.
	SourceTokens []BufferedToken
}

// Flush drains the buffer through transform. A pending result leaves the
// buffer untouched and returns elspethErr.BatchPendingError so the caller
// can surface it without failing the run.
func (b *Buffer) Flush(ctx context.Context, transform BatchTransform) (*FlushOutcome, error) {
	if len(b.tokens) == 0 {
		return nil, nil
	}

	rows := make([]plugin.Row, len(b.tokens))
	for i, t := range b.tokens {
		rows[i] = t.Row
	}

	rowsOut, pending, reason, err := transform.Flush(ctx, rows)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, &elspethErr.BatchPendingError{NodeID: b.nodeID, Reason: reason}
	}

	drained := b.tokens
	b.tokens = nil

	outcome := &FlushOutcome{SourceTokens: drained}
	switch len(rowsOut) {
	case 0:
		// Nothing emitted — every source token is CONSUMED_IN_BATCH with no
		// successor; the caller records that outcome per source token.
	case 1:
		single := drained[0]
		single.Row = rowsOut[0]
		outcome.Single = &single
	default:
		outcome.Expanded = rowsOut
	}
	return outcome, nil
}
