package workflow

import "errors"

// Run-terminating errors. Handler failures are not listed here: they are
// converted to failed step results and routed by on_failure.
var (
	ErrMalformedWorkflow = errors.New("malformed workflow")
	ErrEmptyWorkflow     = errors.New("workflow has no steps")
	ErrUnknownStepType   = errors.New("unknown step type")
	ErrMissingJumpTarget = errors.New("jump target not found")
	ErrUnknownStepStatus = errors.New("unknown step status")
	ErrStepFailed        = errors.New("step failed")
	ErrMaxStepsExceeded  = errors.New("maximum step executions exceeded")
	ErrRunCanceled       = errors.New("run canceled")
)

// Handler-level errors, reported inside failed step results.
var (
	ErrMissingParam          = errors.New("missing required parameter")
	ErrNoDevices             = errors.New("no devices specified")
	ErrUnsupportedMethod     = errors.New("unsupported HTTP method")
	ErrWebhookStatus         = errors.New("webhook returned non-2xx status")
	ErrUnknownCustomType     = errors.New("unknown custom step type")
	ErrNotCustom             = errors.New("step type is not marked custom")
	ErrCollaboratorMissing   = errors.New("collaborator not configured")
	ErrHandlerPanic          = errors.New("step handler panicked")
	ErrWorkflowNotRegistered = errors.New("workflow not registered")
)
