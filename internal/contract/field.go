// Package contract implements the schema contract primitive (spec §3, §4.3):
// the frozen, version-hashed field-set value that governs all data crossing
// a pipeline node boundary.
package contract

import (
	"fmt"
	"regexp"
)

// PyType is the fixed whitelist of checkpoint-serializable field types.
// Decimal and user-defined types are deliberately absent — the contract is
// the audit-serialization boundary and every field must survive a
// canonical-JSON round trip.
type PyType string

const (
	TypeInt      PyType = "int"
	TypeStr      PyType = "str"
	TypeFloat    PyType = "float"
	TypeBool     PyType = "bool"
	TypeDatetime PyType = "datetime"
	TypeNone     PyType = "NoneType"
	TypeAny      PyType = "object"
)

var validTypes = map[PyType]bool{
	TypeInt: true, TypeStr: true, TypeFloat: true, TypeBool: true,
	TypeDatetime: true, TypeNone: true, TypeAny: true,
}

// Source records whether a field's type was explicitly declared by
// configuration or inferred from observed sample data.
type Source string

const (
	SourceDeclared Source = "declared"
	SourceInferred Source = "inferred"
)

var identifierRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Field describes one field of a SchemaContract.
type Field struct {
	NormalizedName string `json:"normalized_name"`
	OriginalName   string `json:"original_name"`
	PythonType     PyType `json:"python_type"`
	Required       bool   `json:"required"`
	FieldSource    Source `json:"source"`
}

// NewField validates and constructs a Field. It is the sole constructor —
// SchemaContract.WithField and direct contract construction both route
// through it so the python_type whitelist and identifier rule are enforced
// in exactly one place.
func NewField(normalizedName, originalName string, pythonType PyType, required bool, source Source) (Field, error) {
	if !identifierRE.MatchString(normalizedName) {
		return Field{}, fmt.Errorf("contract: normalized_name %q is not a valid identifier", normalizedName)
	}
	if !validTypes[pythonType] {
		return Field{}, fmt.Errorf("contract: invalid python_type %q", pythonType)
	}
	if source != SourceDeclared && source != SourceInferred {
		return Field{}, fmt.Errorf("contract: invalid source %q", source)
	}
	return Field{
		NormalizedName: normalizedName,
		OriginalName:   originalName,
		PythonType:     pythonType,
		Required:       required,
		FieldSource:    source,
	}, nil
}

// MustNewField panics on validation failure. Reserved for package-internal
// construction of fields already known to be valid.
func MustNewField(normalizedName, originalName string, pythonType PyType, required bool, source Source) Field {
	f, err := NewField(normalizedName, originalName, pythonType, required, source)
	if err != nil {
		panic(err)
	}
	return f
}
