package types

import (
	"fmt"
	"time"
)

// Run and step status values.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"

	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Reserved context keys seeded at run start.
const (
	KeyWorkflowName = "workflow_name"
	KeyStartedAt    = "started_at"
	KeyStepResults  = "step_results"
	KeyDevices      = "devices"
)

// Custom step type variants.
const (
	CustomTypeScript  = "script"
	CustomTypeWebhook = "webhook"
)

// WorkflowDefinition is an operator-authored procedure (MOP).
type WorkflowDefinition struct {
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Devices     []string         `json:"devices,omitempty" yaml:"devices,omitempty"`
	Steps       []StepDefinition `json:"steps" yaml:"steps"`
}

// StepDefinition is one unit of work within a workflow.
type StepDefinition struct {
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	ID        string `json:"id,omitempty" yaml:"id,omitempty"`
	Type      string `json:"type" yaml:"type"`
	OnSuccess string `json:"on_success,omitempty" yaml:"on_success,omitempty"`
	OnFailure string `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`

	// Engine-level options, all optional.
	Condition  string            `json:"condition,omitempty" yaml:"condition,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	RetryDelay float64           `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"` // seconds
	SaveFields map[string]string `json:"save_fields,omitempty" yaml:"save_fields,omitempty"`

	// Params holds the type-specific keys (commands, urls, scripts, ...).
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Identifier returns the jump-target identifier of the step at index i.
func (s StepDefinition) Identifier(i int) string {
	if s.ID != "" {
		return s.ID
	}
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("step_%d", i)
}

// DisplayName returns the name used in the execution log.
func (s StepDefinition) DisplayName(i int) string {
	if s.Name != "" {
		return s.Name
	}
	return s.Identifier(i)
}

// StepResult is the normalized outcome of a single step.
type StepResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Details any    `json:"details,omitempty"`
}

// Succeeded reports whether the result carries a success status.
func (r StepResult) Succeeded() bool {
	return r.Status == StatusSuccess
}

// AsMap renders the result as a plain map so it can be walked by
// the variable resolver and the sandbox.
func (r StepResult) AsMap() map[string]any {
	m := map[string]any{"status": r.Status}
	if r.Message != "" {
		m["message"] = r.Message
	}
	if r.Data != nil {
		m["data"] = r.Data
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	if r.Details != nil {
		m["details"] = r.Details
	}
	return m
}

// Success builds a success result.
func Success(message string, data any) StepResult {
	return StepResult{Status: StatusSuccess, Message: message, Data: data}
}

// Failure builds a failed result.
func Failure(err string) StepResult {
	return StepResult{Status: StatusFailed, Error: err}
}

// ExecutionLogEntry records one executed step, in execution order.
type ExecutionLogEntry struct {
	StepName  string `json:"step_name"`
	StepType  string `json:"step_type"`
	StepIndex int    `json:"step_index"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// WorkflowRunResult is the terminal object returned by a run.
type WorkflowRunResult struct {
	RunID        uint64              `json:"run_id"`
	WorkflowName string              `json:"workflow_name"`
	Status       string              `json:"status"`
	Message      string              `json:"message,omitempty"`
	Error        string              `json:"error,omitempty"`
	ExecutionLog []ExecutionLogEntry `json:"execution_log"`
	Context      map[string]any      `json:"context"`
	CompletedAt  string              `json:"completed_at,omitempty"`
	FailedAt     string              `json:"failed_at,omitempty"`
}

// CustomStepType is an operator-defined step kind owned by an external registry.
type CustomStepType struct {
	StepTypeID           string            `json:"step_type_id"`
	Name                 string            `json:"name"`
	IsCustom             bool              `json:"is_custom"`
	CustomType           string            `json:"custom_type"`
	CustomCode           string            `json:"custom_code,omitempty"`
	CustomLanguage       string            `json:"custom_language,omitempty"`
	CustomWebhookURL     string            `json:"custom_webhook_url,omitempty"`
	CustomWebhookMethod  string            `json:"custom_webhook_method,omitempty"`
	CustomWebhookHeaders map[string]string `json:"custom_webhook_headers,omitempty"`
}

// Now returns the current time formatted as ISO-8601 UTC.
func Now() string {
	return FormatTime(time.Now())
}

// FormatTime formats t as ISO-8601 UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
