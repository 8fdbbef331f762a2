package contract

import "github.com/tachyon-beep/elspeth-sub005/internal/elspethErr"

// Merge combines c and other for coalesce/fork convergence per spec §4.3:
//
//   - Mode precedence FIXED > FLEXIBLE > OBSERVED (most restrictive wins).
//   - locked is the OR of both inputs.
//   - A field present in both branches keeps the OR of required, the type
//     (which must agree), and 'declared' wins over 'inferred' for source.
//   - A field present in only one branch becomes required=False in the
//     merged contract, regardless of its own declared required flag.
//   - Conflicting types for the same normalized_name fail with
//     ContractMergeError.
//   - Output fields are sorted by normalized_name (New already guarantees
//     this, but merge documents it as load-bearing for hash determinism).
func (c *Contract) Merge(other *Contract) (*Contract, error) {
	mergedMode := c.mode
	if modeRank[other.mode] > modeRank[mergedMode] {
		mergedMode = other.mode
	}
	mergedLocked := c.locked || other.locked

	names := make(map[string]struct{})
	for n := range c.byNormalized {
		names[n] = struct{}{}
	}
	for n := range other.byNormalized {
		names[n] = struct{}{}
	}

	merged := make([]Field, 0, len(names))
	for name := range names {
		left, inLeft := c.byNormalized[name]
		right, inRight := other.byNormalized[name]

		switch {
		case inLeft && inRight:
			if left.PythonType != right.PythonType {
				return nil, elspethErr.ContractMergeError(
					"field %q has conflicting types: %s vs %s", name, left.PythonType, right.PythonType)
			}
			source := SourceInferred
			if left.FieldSource == SourceDeclared || right.FieldSource == SourceDeclared {
				source = SourceDeclared
			}
			field, err := NewField(name, left.OriginalName, left.PythonType, left.Required || right.Required, source)
			if err != nil {
				return nil, err
			}
			merged = append(merged, field)
		case inLeft:
			field, err := NewField(name, left.OriginalName, left.PythonType, false, left.FieldSource)
			if err != nil {
				return nil, err
			}
			merged = append(merged, field)
		default:
			field, err := NewField(name, right.OriginalName, right.PythonType, false, right.FieldSource)
			if err != nil {
				return nil, err
			}
			merged = append(merged, field)
		}
	}

	return New(mergedMode, merged, mergedLocked)
}
