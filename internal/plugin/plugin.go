// Package plugin defines the contracts every pipeline component
// implements: sources, transforms, gates, aggregations, and sinks. The
// engine depends only on these interfaces, never on a concrete plugin.
package plugin

import (
	"context"

	"github.com/tachyon-beep/elspeth-sub005/internal/contract"
)

// Row is one record flowing through the pipeline.
type Row = map[string]any

// Source produces rows to seed a run. Next returns ok=false once exhausted.
type Source interface {
	Name() string
	Version() string
	OutputSchema() *contract.Contract
	Next(ctx context.Context) (row Row, ok bool, err error)
	Close(ctx context.Context) error
}

// OnErrorAction names what a transform wants done with a row it failed to
// process: discard it, or divert it to a named sink.
type OnErrorAction struct {
	Discard  bool
	SinkName string
}

// TransformResult is the sum type a Transform's Apply call returns: exactly
// one of Row (success) or Err (failure) is meaningful, distinguished by Ok.
type TransformResult struct {
	Ok        bool
	Row       Row
	Err       error
	Retryable bool
	OnError   OnErrorAction
}

// Transform maps one row to zero-or-one output rows.
type Transform interface {
	Name() string
	Version() string
	InputSchema() *contract.Contract
	OutputSchema() *contract.Contract
	Apply(ctx context.Context, row Row) TransformResult
}

// BatchTransform is a Transform that only operates on buffered batches
// (spec §4.9); Apply is never called directly by the row processor.
type BatchTransform interface {
	Name() string
	Version() string
	InputSchema() *contract.Contract
	OutputSchema() *contract.Contract
	Flush(ctx context.Context, rows []Row) (rowsOut []Row, pending bool, pendingReason string, err error)
}

// GateResult is the label a Gate chose for one row, plus the reasoning to
// record in the audit trail.
type GateResult struct {
	Label  string
	Reason map[string]any
}

// Gate inspects a row and chooses a route label without modifying the row.
type Gate interface {
	Name() string
	Version() string
	Schema() *contract.Contract
	Evaluate(ctx context.Context, row Row) GateResult
}

// Sink consumes completed rows. Write is called once per row reaching the
// sink; Close flushes and releases any resources.
type Sink interface {
	Name() string
	Version() string
	InputSchema() *contract.Contract
	Write(ctx context.Context, row Row) error
	Close(ctx context.Context) error
}
