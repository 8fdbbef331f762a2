package contract

import (
	"fmt"
	"time"
)

// ViolationKind distinguishes the three ways a row can fail validation.
type ViolationKind string

const (
	ViolationMissingField ViolationKind = "missing_field"
	ViolationTypeMismatch ViolationKind = "type_mismatch"
	ViolationExtraField   ViolationKind = "extra_field"
)

// Violation reports one row-validation failure against a Contract.
type Violation struct {
	Kind      ViolationKind
	FieldName string
	Detail    string
}

func (v Violation) Error() string {
	return fmt.Sprintf("%s: %s (%s)", v.Kind, v.FieldName, v.Detail)
}

// Validate checks row against the contract per spec §3's mode rules:
//
//   - FIXED: required fields must be present and type-match; extras rejected.
//     A field declared required rejects a present-but-nil value; a field
//     declared optional accepts nil regardless of declared type.
//   - FLEXIBLE: as FIXED for declared fields, but extras are permitted.
//   - OBSERVED: no declared requirements; extras permitted.
func (c *Contract) Validate(row map[string]any) []Violation {
	var violations []Violation

	for _, f := range c.fields {
		value, present := row[f.NormalizedName]
		if !present {
			if f.Required {
				violations = append(violations, Violation{
					Kind: ViolationMissingField, FieldName: f.NormalizedName,
					Detail: "required field absent from row",
				})
			}
			continue
		}
		if value == nil {
			if f.Required {
				violations = append(violations, Violation{
					Kind: ViolationTypeMismatch, FieldName: f.NormalizedName,
					Detail: "required field is null",
				})
			}
			continue // optional field: nil is always acceptable
		}
		if !typeMatches(f.PythonType, value) {
			violations = append(violations, Violation{
				Kind: ViolationTypeMismatch, FieldName: f.NormalizedName,
				Detail: fmt.Sprintf("expected %s, got %T", f.PythonType, value),
			})
		}
	}

	if c.mode == ModeFixed {
		for name := range row {
			if _, declared := c.byNormalized[name]; !declared {
				violations = append(violations, Violation{
					Kind: ViolationExtraField, FieldName: name,
					Detail: "field not declared in FIXED contract",
				})
			}
		}
	}

	return violations
}

// typeMatches implements the whitelist's duck-typing rules: Go's various
// numeric kinds collapse onto int/float, and any concrete time.Time value
// satisfies "datetime". python_type=object (TypeAny) accepts anything —
// presence is still required per spec's "any type still requires presence".
func typeMatches(want PyType, value any) bool {
	if want == TypeAny {
		return true
	}
	switch want {
	case TypeInt:
		switch value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		}
		return false
	case TypeFloat:
		switch value.(type) {
		case float32, float64:
			return true
		}
		return false
	case TypeStr:
		_, ok := value.(string)
		return ok
	case TypeBool:
		_, ok := value.(bool)
		return ok
	case TypeDatetime:
		_, ok := value.(time.Time)
		return ok
	case TypeNone:
		return value == nil
	default:
		return false
	}
}
