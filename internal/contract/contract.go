package contract

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/tachyon-beep/elspeth-sub005/internal/elspethErr"
)

// Mode governs how a contract treats fields not explicitly declared.
type Mode string

const (
	ModeFixed    Mode = "FIXED"
	ModeFlexible Mode = "FLEXIBLE"
	ModeObserved Mode = "OBSERVED"
)

// modeRank implements the merge precedence FIXED > FLEXIBLE > OBSERVED.
var modeRank = map[Mode]int{ModeFixed: 2, ModeFlexible: 1, ModeObserved: 0}

// Contract is a frozen schema value: an ordered field set, a mode, a lock
// flag, and the indices derived from them. Construct via New or
// FromCheckpoint; every mutation (WithField, WithLocked) returns a new
// Contract rather than modifying the receiver.
type Contract struct {
	mode   Mode
	fields []Field // sorted by NormalizedName for deterministic hashing
	locked bool

	byNormalized map[string]Field
	byOriginal   map[string]string // original -> normalized
}

// New constructs a Contract from an unordered field slice, validating the
// invariants in spec §3: normalized_name uniqueness (item 1) and
// original->normalized injectivity (item 2).
func New(mode Mode, fields []Field, locked bool) (*Contract, error) {
	if mode != ModeFixed && mode != ModeFlexible && mode != ModeObserved {
		return nil, fmt.Errorf("contract: invalid mode %q", mode)
	}
	sorted := append([]Field(nil), fields...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].NormalizedName < sorted[j].NormalizedName })

	byNormalized := make(map[string]Field, len(sorted))
	byOriginal := make(map[string]string, len(sorted))
	for _, f := range sorted {
		if _, dup := byNormalized[f.NormalizedName]; dup {
			return nil, fmt.Errorf("contract: duplicate normalized_name %q", f.NormalizedName)
		}
		byNormalized[f.NormalizedName] = f
		if existing, dup := byOriginal[f.OriginalName]; dup && existing != f.NormalizedName {
			return nil, fmt.Errorf("contract: original_name %q maps to multiple normalized names (%q, %q)", f.OriginalName, existing, f.NormalizedName)
		}
		byOriginal[f.OriginalName] = f.NormalizedName
	}

	return &Contract{mode: mode, fields: sorted, locked: locked, byNormalized: byNormalized, byOriginal: byOriginal}, nil
}

func (c *Contract) Mode() Mode       { return c.mode }
func (c *Contract) Locked() bool     { return c.locked }
func (c *Contract) Fields() []Field  { return append([]Field(nil), c.fields...) }
func (c *Contract) FieldCount() int  { return len(c.fields) }

// ResolveName returns the normalized name for x (already-normalized or an
// original name), or an error if x is not known to the contract.
func (c *Contract) ResolveName(x string) (string, error) {
	if n, ok := c.FindName(x); ok {
		return n, nil
	}
	return "", fmt.Errorf("contract: unknown field %q", x)
}

// FindName is the non-erroring counterpart to ResolveName.
func (c *Contract) FindName(x string) (string, bool) {
	if _, ok := c.byNormalized[x]; ok {
		return x, true
	}
	if n, ok := c.byOriginal[x]; ok {
		return n, true
	}
	return "", false
}

// GetField returns the field for normalizedName or an error if absent.
func (c *Contract) GetField(normalizedName string) (Field, error) {
	f, ok := c.byNormalized[normalizedName]
	if !ok {
		return Field{}, fmt.Errorf("contract: unknown field %q", normalizedName)
	}
	return f, nil
}

// FindField is the non-erroring counterpart to GetField.
func (c *Contract) FindField(normalizedName string) (Field, bool) {
	f, ok := c.byNormalized[normalizedName]
	return f, ok
}

// WithField returns a new unlocked-input-only Contract with one additional
// inferred field. Only permitted on unlocked contracts; always rejects
// duplicates, even though the contract is unlocked (no silent overwrite).
func (c *Contract) WithField(normalizedName, originalName string, sampleValue any) (*Contract, error) {
	if c.locked {
		return nil, fmt.Errorf("contract: cannot add field %q to a locked contract", normalizedName)
	}
	if _, exists := c.byNormalized[normalizedName]; exists {
		return nil, fmt.Errorf("contract: field %q already exists (no silent overwrite)", normalizedName)
	}
	pyType, err := inferPyType(sampleValue)
	if err != nil {
		return nil, err
	}
	field, err := NewField(normalizedName, originalName, pyType, false, SourceInferred)
	if err != nil {
		return nil, err
	}
	return New(c.mode, append(c.Fields(), field), c.locked)
}

// WithLocked returns a new Contract identical to c but locked.
func (c *Contract) WithLocked() *Contract {
	n, err := New(c.mode, c.Fields(), true)
	if err != nil {
		// Unreachable: c was already valid, locking cannot introduce a
		// validation failure.
		panic(err)
	}
	return n
}

func inferPyType(v any) (PyType, error) {
	switch t := v.(type) {
	case nil:
		return TypeNone, nil
	case bool:
		return TypeBool, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeInt, nil
	case float32:
		f := float64(t)
		if isNonFinite(f) {
			return "", elspethErr.InvalidValueError("contract: sample value is non-finite")
		}
		return TypeFloat, nil
	case float64:
		if isNonFinite(t) {
			return "", elspethErr.InvalidValueError("contract: sample value is non-finite")
		}
		return TypeFloat, nil
	case string:
		return TypeStr, nil
	case time.Time:
		return TypeDatetime, nil
	default:
		return TypeAny, nil
	}
}

func isNonFinite(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}
