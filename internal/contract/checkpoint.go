package contract

import (
	"fmt"

	"github.com/tachyon-beep/elspeth-sub005/internal/canon"
	"github.com/tachyon-beep/elspeth-sub005/internal/elspethErr"
)

// versionHashLen is the number of hex characters kept from the full
// SHA-256 digest — a "stable 128-bit prefix" per spec §3.
const versionHashLen = 32

// checkpointFieldForm is the canonical-JSON shape of one Field. Keeping a
// plain struct (rather than reusing Field directly) makes explicit exactly
// which bytes the version hash covers, including the fields that are easy
// to forget to cover: locked and source.
type checkpointFieldForm struct {
	NormalizedName string `json:"normalized_name"`
	OriginalName   string `json:"original_name"`
	PythonType     string `json:"python_type"`
	Required       bool   `json:"required"`
	Source         string `json:"source"`
}

type checkpointForm struct {
	Mode   string                `json:"mode"`
	Locked bool                  `json:"locked"`
	Fields []checkpointFieldForm `json:"fields"`
}

func (c *Contract) canonicalForm() checkpointForm {
	fields := make([]checkpointFieldForm, len(c.fields))
	for i, f := range c.fields {
		fields[i] = checkpointFieldForm{
			NormalizedName: f.NormalizedName,
			OriginalName:   f.OriginalName,
			PythonType:     string(f.PythonType),
			Required:       f.Required,
			Source:         string(f.FieldSource),
		}
	}
	return checkpointForm{Mode: string(c.mode), Locked: c.locked, Fields: fields}
}

// VersionHash returns the stable 128-bit-prefix hash covering mode, locked,
// and every field including its source — tampering with any of those
// fields after serialization flips the hash.
func (c *Contract) VersionHash() string {
	full := canon.MustStableHash(c.canonicalForm())
	return full[:versionHashLen]
}

// ToCheckpointFormat returns a canonical-JSON-ready map including the
// integrity-tagging version_hash, always present per spec §6.
func (c *Contract) ToCheckpointFormat() map[string]any {
	form := c.canonicalForm()
	fields := make([]map[string]any, len(form.Fields))
	for i, f := range form.Fields {
		fields[i] = map[string]any{
			"normalized_name": f.NormalizedName,
			"original_name":   f.OriginalName,
			"python_type":     f.PythonType,
			"required":        f.Required,
			"source":          f.Source,
		}
	}
	return map[string]any{
		"mode":         form.Mode,
		"locked":       form.Locked,
		"fields":       fields,
		"version_hash": c.VersionHash(),
	}
}

// FromCheckpoint reconstructs a Contract from checkpoint JSON, validating
// the embedded version_hash. A missing hash is corruption, not an older
// format to tolerate — there is no backward-compatible fallback.
func FromCheckpoint(data map[string]any) (*Contract, error) {
	rawHash, ok := data["version_hash"]
	if !ok {
		return nil, fmt.Errorf("contract: checkpoint missing required key %q", "version_hash")
	}
	wantHash, ok := rawHash.(string)
	if !ok {
		return nil, fmt.Errorf("contract: checkpoint version_hash is not a string")
	}

	modeStr, ok := data["mode"].(string)
	if !ok {
		return nil, fmt.Errorf("contract: checkpoint missing required key %q", "mode")
	}
	lockedVal, ok := data["locked"].(bool)
	if !ok {
		return nil, fmt.Errorf("contract: checkpoint missing required key %q", "locked")
	}
	var rawFields []any
	switch fs := data["fields"].(type) {
	case []any:
		rawFields = fs
	case []map[string]any:
		// ToCheckpointFormat's own output, not yet round-tripped through JSON.
		rawFields = make([]any, len(fs))
		for i, f := range fs {
			rawFields[i] = f
		}
	default:
		return nil, fmt.Errorf("contract: checkpoint missing required key %q", "fields")
	}

	fields := make([]Field, 0, len(rawFields))
	for i, rf := range rawFields {
		m, ok := rf.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("contract: checkpoint field %d is not an object", i)
		}
		normalized, _ := m["normalized_name"].(string)
		original, _ := m["original_name"].(string)
		pyTypeStr, _ := m["python_type"].(string)
		required, _ := m["required"].(bool)
		sourceStr, _ := m["source"].(string)

		pyType := PyType(pyTypeStr)
		if !validTypes[pyType] {
			return nil, fmt.Errorf("contract: checkpoint field %q has unknown python_type %q", normalized, pyTypeStr)
		}
		field, err := NewField(normalized, original, pyType, required, Source(sourceStr))
		if err != nil {
			return nil, fmt.Errorf("contract: checkpoint field %d: %w", i, err)
		}
		fields = append(fields, field)
	}

	restored, err := New(Mode(modeStr), fields, lockedVal)
	if err != nil {
		return nil, fmt.Errorf("contract: checkpoint reconstruction failed: %w", err)
	}

	gotHash := restored.VersionHash()
	if gotHash != wantHash {
		return nil, elspethErr.IntegrityError(
			"contract: checkpoint failed integrity check (stored version_hash %s does not match recomputed %s)", wantHash, gotHash)
	}
	return restored, nil
}
