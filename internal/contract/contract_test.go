package contract_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth-sub005/internal/contract"
	"github.com/tachyon-beep/elspeth-sub005/internal/elspethErr"
)

func field(t *testing.T, normalized, original string, pyType contract.PyType, required bool, source contract.Source) contract.Field {
	t.Helper()
	f, err := contract.NewField(normalized, original, pyType, required, source)
	require.NoError(t, err)
	return f
}

func TestNewField_RejectsInvalidType(t *testing.T) {
	_, err := contract.NewField("x", "X", contract.PyType("list"), true, contract.SourceDeclared)
	require.Error(t, err)
}

func TestNew_RejectsDuplicateNormalizedName(t *testing.T) {
	f1 := field(t, "amount", "Amount", contract.TypeInt, true, contract.SourceDeclared)
	f2 := field(t, "amount", "AMOUNT", contract.TypeFloat, false, contract.SourceDeclared)
	_, err := contract.New(contract.ModeFixed, []contract.Field{f1, f2}, true)
	require.Error(t, err)
}

func TestResolveAndFindName_BothDirections(t *testing.T) {
	f := field(t, "amount_usd", "'Amount USD'", contract.TypeFloat, true, contract.SourceDeclared)
	c, err := contract.New(contract.ModeFixed, []contract.Field{f}, true)
	require.NoError(t, err)

	n, err := c.ResolveName("amount_usd")
	require.NoError(t, err)
	assert.Equal(t, "amount_usd", n)

	n, err = c.ResolveName("'Amount USD'")
	require.NoError(t, err)
	assert.Equal(t, "amount_usd", n)

	_, ok := c.FindName("nope")
	assert.False(t, ok)
}

func TestWithField_RejectsOnLockedContract(t *testing.T) {
	c, err := contract.New(contract.ModeFlexible, nil, true)
	require.NoError(t, err)
	_, err = c.WithField("x", "X", 1)
	require.Error(t, err)
}

func TestWithField_RejectsDuplicateEvenUnlocked(t *testing.T) {
	f := field(t, "x", "X", contract.TypeInt, true, contract.SourceDeclared)
	c, err := contract.New(contract.ModeFlexible, []contract.Field{f}, false)
	require.NoError(t, err)
	_, err = c.WithField("x", "X2", 2)
	require.Error(t, err)
}

func TestWithField_InfersTypeFromSample(t *testing.T) {
	c, err := contract.New(contract.ModeFlexible, nil, false)
	require.NoError(t, err)
	c2, err := c.WithField("n", "N", 3.5)
	require.NoError(t, err)
	f, ok := c2.FindField("n")
	require.True(t, ok)
	assert.Equal(t, contract.TypeFloat, f.PythonType)
	assert.Equal(t, contract.SourceInferred, f.FieldSource)
}

func TestValidate_FixedRejectsExtras(t *testing.T) {
	f := field(t, "x", "X", contract.TypeInt, true, contract.SourceDeclared)
	c, err := contract.New(contract.ModeFixed, []contract.Field{f}, true)
	require.NoError(t, err)

	violations := c.Validate(map[string]any{"x": 1, "y": 2})
	require.Len(t, violations, 1)
	assert.Equal(t, contract.ViolationExtraField, violations[0].Kind)
}

func TestValidate_FlexibleAllowsExtras(t *testing.T) {
	f := field(t, "x", "X", contract.TypeInt, true, contract.SourceDeclared)
	c, err := contract.New(contract.ModeFlexible, []contract.Field{f}, true)
	require.NoError(t, err)

	violations := c.Validate(map[string]any{"x": 1, "y": 2})
	assert.Empty(t, violations)
}

func TestValidate_OptionalFieldAllowsNone(t *testing.T) {
	f := field(t, "x", "X", contract.TypeInt, false, contract.SourceDeclared)
	c, err := contract.New(contract.ModeFixed, []contract.Field{f}, true)
	require.NoError(t, err)

	violations := c.Validate(map[string]any{"x": nil})
	assert.Empty(t, violations)
}

func TestValidate_RequiredFieldRejectsNone(t *testing.T) {
	f := field(t, "x", "X", contract.TypeInt, true, contract.SourceDeclared)
	c, err := contract.New(contract.ModeFixed, []contract.Field{f}, true)
	require.NoError(t, err)

	violations := c.Validate(map[string]any{"x": nil})
	require.Len(t, violations, 1)
	assert.Equal(t, contract.ViolationTypeMismatch, violations[0].Kind)
}

func TestValidate_MissingRequiredField(t *testing.T) {
	f := field(t, "x", "X", contract.TypeInt, true, contract.SourceDeclared)
	c, err := contract.New(contract.ModeFixed, []contract.Field{f}, true)
	require.NoError(t, err)

	violations := c.Validate(map[string]any{})
	require.Len(t, violations, 1)
	assert.Equal(t, contract.ViolationMissingField, violations[0].Kind)
}

func TestValidate_TypeMismatch(t *testing.T) {
	f := field(t, "x", "X", contract.TypeInt, true, contract.SourceDeclared)
	c, err := contract.New(contract.ModeFixed, []contract.Field{f}, true)
	require.NoError(t, err)

	violations := c.Validate(map[string]any{"x": "not an int"})
	require.Len(t, violations, 1)
	assert.Equal(t, contract.ViolationTypeMismatch, violations[0].Kind)
}

func TestVersionHash_DeterministicAndLength32(t *testing.T) {
	f := field(t, "x", "X", contract.TypeInt, true, contract.SourceDeclared)
	c, err := contract.New(contract.ModeFixed, []contract.Field{f}, true)
	require.NoError(t, err)

	h1 := c.VersionHash()
	h2 := c.VersionHash()
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 32)
}

func TestVersionHash_ChangesOnLockedOrSourceTampering(t *testing.T) {
	fDeclared := field(t, "x", "X", contract.TypeInt, true, contract.SourceDeclared)
	fInferred := field(t, "x", "X", contract.TypeInt, true, contract.SourceInferred)

	cLocked, err := contract.New(contract.ModeFixed, []contract.Field{fDeclared}, true)
	require.NoError(t, err)
	cUnlocked, err := contract.New(contract.ModeFixed, []contract.Field{fDeclared}, false)
	require.NoError(t, err)
	cInferred, err := contract.New(contract.ModeFixed, []contract.Field{fInferred}, true)
	require.NoError(t, err)

	assert.NotEqual(t, cLocked.VersionHash(), cUnlocked.VersionHash())
	assert.NotEqual(t, cLocked.VersionHash(), cInferred.VersionHash())
}

func TestCheckpointRoundTrip(t *testing.T) {
	f1 := field(t, "amount", "'Amount USD'", contract.TypeInt, true, contract.SourceDeclared)
	f2 := field(t, "note", "Note", contract.TypeStr, false, contract.SourceInferred)
	c, err := contract.New(contract.ModeFlexible, []contract.Field{f1, f2}, true)
	require.NoError(t, err)

	data := c.ToCheckpointFormat()
	assert.Contains(t, data, "version_hash")

	restored, err := contract.FromCheckpoint(data)
	require.NoError(t, err)
	assert.Equal(t, c.VersionHash(), restored.VersionHash())
	assert.Equal(t, c.Mode(), restored.Mode())
	assert.Equal(t, c.Locked(), restored.Locked())
}

func TestFromCheckpoint_DetectsTamperedHash(t *testing.T) {
	f := field(t, "id", "id", contract.TypeInt, true, contract.SourceDeclared)
	c, err := contract.New(contract.ModeFlexible, []contract.Field{f}, true)
	require.NoError(t, err)

	data := c.ToCheckpointFormat()
	data["locked"] = false

	_, err = contract.FromCheckpoint(data)
	require.Error(t, err)
	var coreErr *elspethErr.CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, elspethErr.CodeIntegrity, coreErr.Code)
}

func TestFromCheckpoint_DetectsSourceTampering(t *testing.T) {
	f := field(t, "id", "id", contract.TypeInt, true, contract.SourceDeclared)
	c, err := contract.New(contract.ModeFlexible, []contract.Field{f}, true)
	require.NoError(t, err)

	data := c.ToCheckpointFormat()
	fields := data["fields"].([]map[string]any)
	fields[0]["source"] = "inferred"

	_, err = contract.FromCheckpoint(data)
	require.Error(t, err)
}

func TestFromCheckpoint_MissingHashFails(t *testing.T) {
	f := field(t, "id", "id", contract.TypeInt, true, contract.SourceDeclared)
	c, err := contract.New(contract.ModeFlexible, []contract.Field{f}, true)
	require.NoError(t, err)

	data := c.ToCheckpointFormat()
	delete(data, "version_hash")

	_, err = contract.FromCheckpoint(data)
	require.Error(t, err)
}

func TestMerge_ConflictingTypesFail(t *testing.T) {
	f1 := field(t, "x", "X", contract.TypeInt, true, contract.SourceDeclared)
	f2 := field(t, "x", "X", contract.TypeStr, true, contract.SourceDeclared)
	c1, err := contract.New(contract.ModeFlexible, []contract.Field{f1}, true)
	require.NoError(t, err)
	c2, err := contract.New(contract.ModeFlexible, []contract.Field{f2}, true)
	require.NoError(t, err)

	_, err = c1.Merge(c2)
	require.Error(t, err)
	var coreErr *elspethErr.CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, elspethErr.CodeContractMerge, coreErr.Code)
}

func TestMerge_FieldOnlyInOneBranchBecomesOptional(t *testing.T) {
	fx := field(t, "x", "X", contract.TypeInt, true, contract.SourceDeclared)
	fy := field(t, "y", "Y", contract.TypeStr, true, contract.SourceDeclared)
	c1, err := contract.New(contract.ModeFlexible, []contract.Field{fx, fy}, true)
	require.NoError(t, err)
	c2, err := contract.New(contract.ModeFlexible, []contract.Field{fx}, true)
	require.NoError(t, err)

	merged, err := c1.Merge(c2)
	require.NoError(t, err)
	y, ok := merged.FindField("y")
	require.True(t, ok)
	assert.False(t, y.Required)
}

func TestMerge_ModePrecedence(t *testing.T) {
	fixed, err := contract.New(contract.ModeFixed, nil, true)
	require.NoError(t, err)
	observed, err := contract.New(contract.ModeObserved, nil, true)
	require.NoError(t, err)

	m1, err := fixed.Merge(observed)
	require.NoError(t, err)
	assert.Equal(t, contract.ModeFixed, m1.Mode())

	m2, err := observed.Merge(fixed)
	require.NoError(t, err)
	assert.Equal(t, contract.ModeFixed, m2.Mode())
}

func TestMerge_RequiredIfEitherRequired(t *testing.T) {
	fReq := field(t, "x", "X", contract.TypeInt, true, contract.SourceDeclared)
	fOpt := field(t, "x", "X", contract.TypeInt, false, contract.SourceInferred)
	c1, err := contract.New(contract.ModeFlexible, []contract.Field{fReq}, true)
	require.NoError(t, err)
	c2, err := contract.New(contract.ModeFlexible, []contract.Field{fOpt}, true)
	require.NoError(t, err)

	merged, err := c1.Merge(c2)
	require.NoError(t, err)
	x, ok := merged.FindField("x")
	require.True(t, ok)
	assert.True(t, x.Required)
	assert.Equal(t, contract.SourceDeclared, x.FieldSource)
}

func TestMerge_FieldsOrderedByNormalizedName(t *testing.T) {
	fz := field(t, "zeta", "Zeta", contract.TypeInt, true, contract.SourceDeclared)
	fb := field(t, "bravo", "Bravo", contract.TypeStr, true, contract.SourceDeclared)
	fa := field(t, "alpha", "Alpha", contract.TypeFloat, true, contract.SourceDeclared)
	c1, err := contract.New(contract.ModeFlexible, []contract.Field{fz, fb}, true)
	require.NoError(t, err)
	c2, err := contract.New(contract.ModeFlexible, []contract.Field{fa}, true)
	require.NoError(t, err)

	merged, err := c1.Merge(c2)
	require.NoError(t, err)
	var names []string
	for _, f := range merged.Fields() {
		names = append(names, f.NormalizedName)
	}
	assert.Equal(t, []string{"alpha", "bravo", "zeta"}, names)
}
