// Package builtin provides the thin reference plugin implementations used
// to exercise the orchestrator end to end: an in-memory source, a
// passthrough transform, a field-comparison gate, and a JSONL sink.
package builtin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tachyon-beep/elspeth-sub005/internal/contract"
	"github.com/tachyon-beep/elspeth-sub005/internal/plugin"
)

// LoadJSONLRows reads one JSON object per line from path into a slice of
// plugin.Row, for feeding MemorySource from a file instead of a literal
// slice in code.
func LoadJSONLRows(path string) ([]plugin.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("builtin: open %s: %w", path, err)
	}
	defer f.Close()

	var rows []plugin.Row
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row plugin.Row
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("builtin: parse %s: %w", path, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("builtin: read %s: %w", path, err)
	}
	return rows, nil
}

// MemorySource replays a fixed slice of rows, for tests and demos.
type MemorySource struct {
	name   string
	schema *contract.Contract
	rows   []plugin.Row
	idx    int
}

// NewMemorySource returns a source that yields rows in order, then reports
// exhaustion.
func NewMemorySource(name string, schema *contract.Contract, rows []plugin.Row) *MemorySource {
	return &MemorySource{name: name, schema: schema, rows: rows}
}

func (s *MemorySource) Name() string                        { return s.name }
func (s *MemorySource) Version() string                      { return "1.0.0" }
func (s *MemorySource) OutputSchema() *contract.Contract      { return s.schema }
func (s *MemorySource) Close(ctx context.Context) error      { return nil }

func (s *MemorySource) Next(ctx context.Context) (plugin.Row, bool, error) {
	if s.idx >= len(s.rows) {
		return nil, false, nil
	}
	row := s.rows[s.idx]
	s.idx++
	return row, true, nil
}

// PassthroughTransform emits its input row unchanged — a schema-preserving
// identity step, useful as a no-op pipeline stage and in tests.
type PassthroughTransform struct {
	name   string
	schema *contract.Contract
}

// NewPassthroughTransform returns a Transform whose input and output
// schemas are the same contract.
func NewPassthroughTransform(name string, schema *contract.Contract) *PassthroughTransform {
	return &PassthroughTransform{name: name, schema: schema}
}

func (t *PassthroughTransform) Name() string                   { return t.name }
func (t *PassthroughTransform) Version() string                 { return "1.0.0" }
func (t *PassthroughTransform) InputSchema() *contract.Contract  { return t.schema }
func (t *PassthroughTransform) OutputSchema() *contract.Contract { return t.schema }

func (t *PassthroughTransform) Apply(ctx context.Context, row plugin.Row) plugin.TransformResult {
	return plugin.TransformResult{Ok: true, Row: row}
}

// FieldEqualsGate routes "match" when field equals value, "continue"
// otherwise — a minimal gate sufficient to exercise routing end to end.
type FieldEqualsGate struct {
	name   string
	schema *contract.Contract
	field  string
	value  any
}

// NewFieldEqualsGate returns a Gate comparing row[field] against value.
func NewFieldEqualsGate(name string, schema *contract.Contract, field string, value any) *FieldEqualsGate {
	return &FieldEqualsGate{name: name, schema: schema, field: field, value: value}
}

func (g *FieldEqualsGate) Name() string                { return g.name }
func (g *FieldEqualsGate) Version() string               { return "1.0.0" }
func (g *FieldEqualsGate) Schema() *contract.Contract     { return g.schema }

func (g *FieldEqualsGate) Evaluate(ctx context.Context, row plugin.Row) plugin.GateResult {
	if v, ok := row[g.field]; ok && v == g.value {
		return plugin.GateResult{Label: "match", Reason: map[string]any{"field": g.field, "matched_value": v}}
	}
	return plugin.GateResult{Label: "continue", Reason: map[string]any{"field": g.field, "matched": false}}
}

// JSONLSink writes one JSON object per line to an io.Writer. Safe for
// concurrent Write calls.
type JSONLSink struct {
	name   string
	schema *contract.Contract
	w      io.Writer
	mu     sync.Mutex
	closer io.Closer
}

// NewJSONLSink wraps w (optionally also an io.Closer, e.g. an *os.File).
func NewJSONLSink(name string, schema *contract.Contract, w io.Writer) *JSONLSink {
	s := &JSONLSink{name: name, schema: schema, w: w}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

func (s *JSONLSink) Name() string                   { return s.name }
func (s *JSONLSink) Version() string                 { return "1.0.0" }
func (s *JSONLSink) InputSchema() *contract.Contract  { return s.schema }

func (s *JSONLSink) Write(ctx context.Context, row plugin.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("builtin: jsonl sink %s: marshal row: %w", s.name, err)
	}
	if _, err := s.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("builtin: jsonl sink %s: write: %w", s.name, err)
	}
	return nil
}

func (s *JSONLSink) Close(ctx context.Context) error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
