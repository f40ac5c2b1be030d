package types

import "time"

// ExecutionContext is the mutable, run-scoped store shared by the steps of one run.
type ExecutionContext map[string]any

// NewExecutionContext seeds a context for a run of the named workflow and
// merges a deep copy of the caller-supplied values (typically "devices") at
// top level, so runs never share nested maps or slices with the caller.
func NewExecutionContext(workflowName string, startedAt time.Time, initial map[string]any) ExecutionContext {
	ctx := ExecutionContext{}
	for k, v := range initial {
		ctx[k] = deepCopy(v)
	}
	ctx[KeyWorkflowName] = workflowName
	ctx[KeyStartedAt] = FormatTime(startedAt)
	ctx[KeyStepResults] = map[string]any{}
	return ctx
}

// WorkflowName returns the seeded workflow name.
func (c ExecutionContext) WorkflowName() string {
	name, _ := c[KeyWorkflowName].(string)
	return name
}

// StartedAt returns the seeded run start time.
func (c ExecutionContext) StartedAt() string {
	ts, _ := c[KeyStartedAt].(string)
	return ts
}

// RecordStepResult stores the result under the step identifier.
func (c ExecutionContext) RecordStepResult(id string, r StepResult) {
	results, ok := c[KeyStepResults].(map[string]any)
	if !ok {
		results = map[string]any{}
		c[KeyStepResults] = results
	}
	results[id] = r.AsMap()
}

// Device returns the per-device data bag supplied by the caller, if any.
func (c ExecutionContext) Device(name string) map[string]any {
	devices, ok := c[KeyDevices].(map[string]any)
	if !ok {
		return nil
	}
	bag, _ := devices[name].(map[string]any)
	return bag
}

// Snapshot returns a shallow copy of the context.
func (c ExecutionContext) Snapshot() map[string]any {
	out := make(map[string]any, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopy(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, item := range t {
			out[k] = item
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
