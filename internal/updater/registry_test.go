package updater

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(sc *StepContext) (Result, error) { return Finished("", ""), nil }

func testDefinition() Definition {
	return Definition{
		Workflow: "demo",
		Steps: []StepDef{
			{Step: "start", Kind: KindEntry, Status: "Starting", Handler: noop},
			{Step: "work", Status: "Working", Handler: noop},
			{Step: "done", Kind: KindFinish, Status: "Finishing", Handler: noop},
		},
		Transitions: map[Step][]Step{
			"start": {"work"},
			"work":  {"done"},
		},
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry(testDefinition())

	def, err := r.Lookup("demo", "work")
	require.NoError(t, err)
	assert.Equal(t, KindNormal, def.Kind)

	_, err = r.Lookup("nope", "work")
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
	assert.Equal(t, "UnknownWorkflow", ErrorCode(err))

	_, err = r.Lookup("demo", "nope")
	assert.ErrorIs(t, err, ErrUnknownStep)
	assert.Equal(t, 400, HTTPStatus(err))
}

func TestRegistry_StatusFor(t *testing.T) {
	r := NewRegistry(testDefinition())

	status, err := r.StatusFor("demo", "done")
	require.NoError(t, err)
	assert.Equal(t, "Finishing", status)

	_, err = r.StatusFor("demo", "missing")
	assert.ErrorIs(t, err, ErrUnknownStep)
}

func TestRegistry_Allowed(t *testing.T) {
	r := NewRegistry(testDefinition())

	assert.True(t, r.Allowed("demo", "start", "work"))
	assert.True(t, r.Allowed("demo", "work", "work"))
	assert.False(t, r.Allowed("demo", "start", "done"))
	assert.False(t, r.Allowed("demo", "done", "start"))
	assert.False(t, r.Allowed("demo", "work", "missing"))
	assert.False(t, r.Allowed("other", "start", "work"))
}

func TestRegistry_RegisterPanics(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Definition)
	}{
		{"no name", func(d *Definition) { d.Workflow = "" }},
		{"nil handler", func(d *Definition) { d.Steps[1].Handler = nil }},
		{"duplicate step", func(d *Definition) { d.Steps = append(d.Steps, d.Steps[1]) }},
		{"no entry", func(d *Definition) { d.Steps[0].Kind = KindNormal }},
		{"unknown target", func(d *Definition) { d.Transitions["work"] = []Step{"elsewhere"} }},
		{"unknown source", func(d *Definition) { d.Transitions["elsewhere"] = []Step{"work"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := testDefinition()
			tt.mutate(&def)
			assert.Panics(t, func() { NewRegistry(def) })
		})
	}
}

func TestRegistry_DuplicateWorkflowPanics(t *testing.T) {
	r := NewRegistry(testDefinition())
	assert.Panics(t, func() { r.Register(testDefinition()) })
	assert.Equal(t, []string{"demo"}, r.Workflows())
}
