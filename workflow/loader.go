package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/viperbmw/netstacks-sub000/types"
)

// Keys of a step entry that are interpreted by the engine. Every other key is
// kept in StepDefinition.Params for the handler.
const (
	keyName       = "name"
	keyID         = "id"
	keyType       = "type"
	keyOnSuccess  = "on_success"
	keyOnFailure  = "on_failure"
	keyCondition  = "condition"
	keyMaxRetries = "max_retries"
	keyRetryDelay = "retry_delay"
	keySaveFields = "save_fields"
	keyParams     = "params"
)

// Load builds a WorkflowDefinition from an already decoded document. Only the
// structure is checked: the document must be a map whose "steps" entry is a
// non-empty list.
func Load(doc any) (*types.WorkflowDefinition, error) {
	root, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level must be a map, got %T", ErrMalformedWorkflow, doc)
	}

	rawSteps, ok := root["steps"]
	if !ok {
		return nil, fmt.Errorf("%w: missing steps", ErrMalformedWorkflow)
	}
	list, ok := rawSteps.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: steps must be a list, got %T", ErrMalformedWorkflow, rawSteps)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWorkflow, ErrEmptyWorkflow)
	}

	wf := &types.WorkflowDefinition{
		Name:        cast.ToString(root["name"]),
		Description: cast.ToString(root["description"]),
		Steps:       make([]types.StepDefinition, 0, len(list)),
	}
	if devices, ok := root["devices"]; ok && devices != nil {
		wf.Devices = cast.ToStringSlice(devices)
	}

	for _, raw := range list {
		wf.Steps = append(wf.Steps, loadStep(raw))
	}
	return wf, nil
}

// loadStep never fails: entries that are not maps become empty steps, which
// fail at dispatch as an unknown type.
func loadStep(raw any) types.StepDefinition {
	m, ok := raw.(map[string]any)
	if !ok {
		return types.StepDefinition{}
	}

	step := types.StepDefinition{Params: map[string]any{}}
	for k, v := range m {
		switch k {
		case keyName:
			step.Name = cast.ToString(v)
		case keyID:
			step.ID = cast.ToString(v)
		case keyType:
			step.Type = cast.ToString(v)
		case keyOnSuccess:
			step.OnSuccess = cast.ToString(v)
		case keyOnFailure:
			step.OnFailure = cast.ToString(v)
		case keyCondition:
			step.Condition = cast.ToString(v)
		case keyMaxRetries:
			step.MaxRetries = cast.ToInt(v)
		case keyRetryDelay:
			step.RetryDelay = cast.ToFloat64(v)
		case keySaveFields:
			step.SaveFields = cast.ToStringMapString(v)
		case keyParams:
			if nested, ok := v.(map[string]any); ok {
				for pk, pv := range nested {
					if _, exists := step.Params[pk]; !exists {
						step.Params[pk] = pv
					}
				}
				continue
			}
			step.Params[k] = v
		default:
			step.Params[k] = v
		}
	}
	return step
}

// LoadYAML decodes a YAML document and loads it.
func LoadYAML(data []byte) (*types.WorkflowDefinition, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWorkflow, err)
	}
	return Load(doc)
}

// LoadJSON decodes a JSON document and loads it.
func LoadJSON(data []byte) (*types.WorkflowDefinition, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWorkflow, err)
	}
	return Load(doc)
}

// LoadFile reads path and loads it as JSON when it has a .json extension and
// as YAML otherwise.
func LoadFile(path string) (*types.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return LoadJSON(data)
	}
	return LoadYAML(data)
}
