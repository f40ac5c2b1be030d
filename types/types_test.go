package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStepIdentifier(t *testing.T) {
	tests := []struct {
		name string
		step StepDefinition
		want string
	}{
		{name: "id wins", step: StepDefinition{ID: "a", Name: "Alpha"}, want: "a"},
		{name: "name fallback", step: StepDefinition{Name: "Alpha"}, want: "Alpha"},
		{name: "index fallback", step: StepDefinition{}, want: "step_3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.step.Identifier(3))
		})
	}
}

func TestNewExecutionContext(t *testing.T) {
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	devices := map[string]any{"r1": map[string]any{"ip": "10.0.0.1"}}

	ctx := NewExecutionContext("upgrade", started, map[string]any{
		KeyDevices:      devices,
		KeyWorkflowName: "overridden",
	})

	assert.Equal(t, "upgrade", ctx.WorkflowName())
	assert.Equal(t, "2024-05-01T10:00:00Z", ctx.StartedAt())
	assert.Equal(t, map[string]any{}, ctx[KeyStepResults])
	assert.Equal(t, "10.0.0.1", ctx.Device("r1")["ip"])
	assert.Nil(t, ctx.Device("missing"))
}

func TestNewExecutionContextCopiesNestedValues(t *testing.T) {
	initial := map[string]any{
		KeyDevices: map[string]any{
			"r1": map[string]any{"ip": "10.0.0.1", "neighbors": []any{"a", map[string]any{"peer": "b"}}},
		},
		"tags": []string{"core"},
	}

	first := NewExecutionContext("wf", time.Now(), initial)
	first.Device("r1")["ip"] = "changed"
	neighbors := first.Device("r1")["neighbors"].([]any)
	neighbors[0] = "changed"
	neighbors[1].(map[string]any)["peer"] = "changed"
	first["tags"].([]string)[0] = "changed"

	second := NewExecutionContext("wf", time.Now(), initial)
	assert.Equal(t, "10.0.0.1", second.Device("r1")["ip"])
	assert.Equal(t, []any{"a", map[string]any{"peer": "b"}}, second.Device("r1")["neighbors"])
	assert.Equal(t, []string{"core"}, second["tags"])

	r1 := initial[KeyDevices].(map[string]any)["r1"].(map[string]any)
	assert.Equal(t, "10.0.0.1", r1["ip"])
	assert.Equal(t, []string{"core"}, initial["tags"])
}

func TestRecordStepResult(t *testing.T) {
	ctx := NewExecutionContext("wf", time.Now(), nil)
	ctx.RecordStepResult("s1", Success("ok", map[string]any{"n": 1}))
	ctx.RecordStepResult("s2", Failure("boom"))

	results := ctx[KeyStepResults].(map[string]any)
	assert.Equal(t, map[string]any{
		"status":  StatusSuccess,
		"message": "ok",
		"data":    map[string]any{"n": 1},
	}, results["s1"])
	assert.Equal(t, map[string]any{"status": StatusFailed, "error": "boom"}, results["s2"])
}

func TestSnapshotIsShallowCopy(t *testing.T) {
	ctx := NewExecutionContext("wf", time.Now(), nil)
	snap := ctx.Snapshot()
	ctx["extra"] = 1

	_, ok := snap["extra"]
	assert.False(t, ok)
	assert.Equal(t, "wf", snap[KeyWorkflowName])
}
