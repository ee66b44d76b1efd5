package mapping

import (
	"testing"

	"github.com/ChuLiYu/fleetsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Path helpers
// ============================================================================

func TestGetPath(t *testing.T) {
	data := map[string]any{
		"inputs": map[string]any{
			"amount": 12.5,
			"nested": map[string]any{"currency": "EUR"},
		},
		"empty": nil,
	}

	v, ok := GetPath(data, "inputs.amount")
	assert.True(t, ok)
	assert.Equal(t, 12.5, v)

	v, ok = GetPath(data, "inputs.nested.currency")
	assert.True(t, ok)
	assert.Equal(t, "EUR", v)

	_, ok = GetPath(data, "inputs.missing")
	assert.False(t, ok)

	_, ok = GetPath(data, "inputs.amount.deeper")
	assert.False(t, ok, "cannot traverse a scalar")

	v, ok = GetPath(data, "empty")
	assert.True(t, ok)
	assert.Nil(t, v)

	_, ok = GetPath(data, "")
	assert.False(t, ok)
}

func TestSetPathCreatesIntermediateMaps(t *testing.T) {
	data := map[string]any{}
	require.NoError(t, SetPath(data, "parameters.limits.max", 3))

	v, ok := GetPath(data, "parameters.limits.max")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestSetPathRejectsScalarParent(t *testing.T) {
	data := map[string]any{"parameters": "flat"}
	err := SetPath(data, "parameters.x", 1)
	assert.ErrorIs(t, err, ErrPathConflict)
	assert.ErrorIs(t, SetPath(data, "", 1), ErrEmptyPath)
}

// ============================================================================
// Transforms
// ============================================================================

func TestRegistryBuiltinsAndLookup(t *testing.T) {
	reg, err := NewRegistry(map[string]LookupTable{
		"priority_names": {Mapping: map[string]any{"1": "high", "2": "medium"}},
		"region":         {Mapping: map[string]any{"eu": "europe"}, Passthrough: true},
	})
	require.NoError(t, err)

	out, err := reg.Apply("uppercase", "abc")
	require.NoError(t, err)
	assert.Equal(t, "ABC", out)

	out, err = reg.Apply("priority_names", 1)
	require.NoError(t, err)
	assert.Equal(t, "high", out)

	_, err = reg.Apply("priority_names", 9)
	assert.ErrorIs(t, err, ErrNoLookupEntry)

	out, err = reg.Apply("region", "us")
	require.NoError(t, err)
	assert.Equal(t, "us", out, "passthrough table returns unknown values unchanged")

	_, err = reg.Apply("eval", "1+1")
	assert.ErrorIs(t, err, ErrTransformNotFound)
}

func TestRegistryRejectsShadowingBuiltins(t *testing.T) {
	_, err := NewRegistry(map[string]LookupTable{
		"uppercase": {Mapping: map[string]any{"a": "b"}},
	})
	assert.Error(t, err)
}

func TestRegistryInvert(t *testing.T) {
	reg, err := NewRegistry(map[string]LookupTable{
		"tier":   {Mapping: map[string]any{"gold": "high", "bronze": "low"}},
		"bucket": {Mapping: map[string]any{"a": "x", "b": "x"}},
		"loose":  {Mapping: map[string]any{"a": "x", "b": "x"}, Passthrough: true},
	})
	require.NoError(t, err)

	v, err := reg.Invert("tier", "low")
	require.NoError(t, err)
	assert.Equal(t, "bronze", v)

	_, err = reg.Invert("tier", "medium")
	assert.ErrorIs(t, err, ErrNotInvertible)

	// 多對一沒有反向表，只有不動點能寫回
	_, err = reg.Invert("bucket", "x")
	assert.ErrorIs(t, err, ErrNotInvertible)
	v, err = reg.Invert("loose", "y")
	require.NoError(t, err)
	assert.Equal(t, "y", v)

	v, err = reg.Invert("lowercase", "eu-west")
	require.NoError(t, err)
	assert.Equal(t, "eu-west", v)
	_, err = reg.Invert("lowercase", "EU")
	assert.ErrorIs(t, err, ErrNotInvertible)

	_, err = reg.Invert("missing", "x")
	assert.ErrorIs(t, err, ErrTransformNotFound)

	assert.True(t, reg.Invertible("tier"))
	assert.True(t, reg.Invertible("trim"))
	assert.False(t, reg.Invertible("bucket"))
	assert.False(t, reg.Invertible("missing"))
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		in      any
		typ     string
		want    any
		wantErr bool
	}{
		{in: "42", typ: "int", want: 42},
		{in: 42.0, typ: "int", want: 42},
		{in: 42.5, typ: "int", wantErr: true},
		{in: "1.5", typ: "float", want: 1.5},
		{in: 3, typ: "float", want: 3.0},
		{in: "true", typ: "bool", want: true},
		{in: 12.5, typ: "string", want: "12.5"},
		{in: map[string]any{"a": 1}, typ: "string", wantErr: true},
		{in: []any{1}, typ: "list", want: []any{1}},
		{in: "x", typ: "map", wantErr: true},
		{in: "x", typ: "", want: "x"},
		{in: "x", typ: "decimal", wantErr: true},
	}

	for _, tt := range tests {
		got, err := Coerce(tt.in, tt.typ)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrTypeCoercion, "Coerce(%v, %s)", tt.in, tt.typ)
			continue
		}
		require.NoError(t, err, "Coerce(%v, %s)", tt.in, tt.typ)
		assert.Equal(t, tt.want, got, "Coerce(%v, %s)", tt.in, tt.typ)
	}
}

// ============================================================================
// Projection
// ============================================================================

func TestProject(t *testing.T) {
	reg, err := NewRegistry(map[string]LookupTable{
		"tier": {Mapping: map[string]any{"gold": "high"}},
	})
	require.NoError(t, err)
	m := NewMapper(reg)

	source := map[string]any{
		"inputs": map[string]any{"amount": "100", "tier": "gold"},
	}

	v, ok, err := m.Project(types.FieldMapping{FieldName: "amount", SourcePath: "inputs.amount", ValueType: "int"}, source)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 100, v)

	v, ok, err = m.Project(types.FieldMapping{FieldName: "tier", SourcePath: "inputs.tier", Transform: "tier"}, source)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "high", v)

	v, ok, err = m.Project(types.FieldMapping{FieldName: "mode", SourcePath: "inputs.mode", Default: "fast", HasDefault: true}, source)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "fast", v)

	_, ok, err = m.Project(types.FieldMapping{FieldName: "note", SourcePath: "inputs.note"}, source)
	require.NoError(t, err)
	assert.False(t, ok, "optional absent field is skipped")

	_, ok, err = m.Project(types.FieldMapping{FieldName: "ref", SourcePath: "inputs.ref", Required: true}, source)
	assert.ErrorIs(t, err, ErrRequiredMissing)
	assert.False(t, ok)
}

// ============================================================================
// Mapping table
// ============================================================================

func TestTableIndexAndValidate(t *testing.T) {
	table, err := NewTable([]WorkerMapping{
		{
			WorkerID:        "w2",
			AuthorityTaskID: "t2",
			Inputs: []types.FieldMapping{
				{FieldName: "b", SourcePath: "x.b", TargetPath: "parameters.b"},
				{FieldName: "a", SourcePath: "x.a", TargetPath: "parameters.a", Transform: "nope"},
			},
		},
		{WorkerID: "w1", AuthorityTaskID: "t1"},
	})
	require.NoError(t, err)

	id, ok := table.WorkerForTask("t2")
	assert.True(t, ok)
	assert.Equal(t, "w2", id)
	_, ok = table.WorkerForTask("unknown")
	assert.False(t, ok)

	assert.Equal(t, []string{"w1", "w2"}, table.WorkerIDs())

	w, _ := table.Worker("w2")
	assert.Equal(t, "a", w.Inputs[0].FieldName, "inputs are sorted by field name")

	reg, _ := NewRegistry(nil)
	assert.ErrorIs(t, table.Validate(reg), ErrTransformNotFound)
}

func TestTableRejectsDuplicateTask(t *testing.T) {
	_, err := NewTable([]WorkerMapping{
		{WorkerID: "w1", AuthorityTaskID: "t1"},
		{WorkerID: "w2", AuthorityTaskID: "t1"},
	})
	assert.Error(t, err)
}

func TestCloneMapIsDeep(t *testing.T) {
	original := map[string]any{
		"outputs": map[string]any{"score": 1},
		"tags":    []any{"a", map[string]any{"k": "v"}},
	}
	clone := CloneMap(original)

	require.NoError(t, SetPath(clone, "outputs.score", 2))
	clone["tags"].([]any)[1].(map[string]any)["k"] = "changed"

	v, _ := GetPath(original, "outputs.score")
	assert.Equal(t, 1, v)
	assert.Equal(t, "v", original["tags"].([]any)[1].(map[string]any)["k"])
	assert.Nil(t, CloneMap(nil))
}
