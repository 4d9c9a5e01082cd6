package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskorch/orchestrator/internal/model"
)

func reasoningEntry() MethodEntry {
	return MethodEntry{
		Method:          "run_reasoning",
		Version:         1,
		Capability:      "reasoning",
		DefaultPriority: model.PriorityNormal,
		Fields: []FieldSpec{
			{Name: "prompt", Tag: "required", Required: true},
		},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(reasoningEntry()))

	entry, ok := r.Lookup("run_reasoning", 1)
	require.True(t, ok)
	assert.Equal(t, "reasoning", entry.Capability)
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(reasoningEntry()))
	require.NoError(t, r.Register(reasoningEntry()))
}

func TestRegisterRejectsSchemaChangeForSameVersion(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(reasoningEntry()))

	changed := reasoningEntry()
	changed.Capability = "codegen"
	err := r.Register(changed)
	assert.Error(t, err)
}

func TestLookupUnknownMethod(t *testing.T) {
	r := New()
	_, ok := r.Lookup("nonexistent", 1)
	assert.False(t, ok)
}

func TestUnregisterRefusesWhileReferenced(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(reasoningEntry()))
	r.AcquireRef("run_reasoning", 1)

	err := r.Unregister("run_reasoning", 1)
	assert.Error(t, err)

	r.ReleaseRef("run_reasoning", 1)
	assert.NoError(t, r.Unregister("run_reasoning", 1))
}

func TestValidateRequiredField(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(reasoningEntry()))

	_, err := r.Validate("run_reasoning", 1, map[string]any{})
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "prompt", ve.Field)
}

func TestValidateSucceedsWithRequiredField(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(reasoningEntry()))

	sanitized, err := r.Validate("run_reasoning", 1, map[string]any{"prompt": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", sanitized["prompt"])
}

func TestValidateUnknownMethodErrors(t *testing.T) {
	r := New()
	_, err := r.Validate("nonexistent", 1, map[string]any{})
	assert.Error(t, err)
}

func TestValidateAppliesValidatorTag(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(MethodEntry{
		Method: "run_codegen", Version: 1, Capability: "codegen",
		Fields: []FieldSpec{{Name: "priority", Tag: "oneof=critical high normal low", Required: false}},
	}))

	_, err := r.Validate("run_codegen", 1, map[string]any{"priority": "urgent"})
	assert.Error(t, err)

	_, err = r.Validate("run_codegen", 1, map[string]any{"priority": "high"})
	assert.NoError(t, err)
}

func TestMultipleVersionsCoexist(t *testing.T) {
	r := New()
	v1 := reasoningEntry()
	v2 := reasoningEntry()
	v2.Version = 2
	require.NoError(t, r.Register(v1))
	require.NoError(t, r.Register(v2))

	_, ok1 := r.Lookup("run_reasoning", 1)
	_, ok2 := r.Lookup("run_reasoning", 2)
	assert.True(t, ok1)
	assert.True(t, ok2)
}
