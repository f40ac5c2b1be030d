package workflow

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/viperbmw/netstacks-sub000/sandbox"
	"github.com/viperbmw/netstacks-sub000/types"
	"github.com/viperbmw/netstacks-sub000/vars"
)

// KeyWebhookContext is the body key under which run metadata is sent to
// custom webhook steps.
const KeyWebhookContext = "_context"

// CustomStep is a step type defined in the external registry.
type CustomStep interface {
	Handler
	Definition() types.CustomStepType
}

var (
	_ CustomStep = (*ScriptStep)(nil)
	_ CustomStep = (*WebhookStep)(nil)
)

// newCustomStep selects the variant named by def.CustomType.
func (e *Engine) newCustomStep(def types.CustomStepType) (CustomStep, error) {
	switch def.CustomType {
	case types.CustomTypeScript:
		if strings.TrimSpace(def.CustomCode) == "" {
			return nil, fmt.Errorf("%w: custom_code for step type %s", ErrMissingParam, def.StepTypeID)
		}
		return &ScriptStep{def: def, executor: e.sandbox}, nil
	case types.CustomTypeWebhook:
		if def.CustomWebhookURL == "" {
			return nil, fmt.Errorf("%w: custom_webhook_url for step type %s", ErrMissingParam, def.StepTypeID)
		}
		return &WebhookStep{def: def, engine: e}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCustomType, def.CustomType)
	}
}

// ScriptStep runs the registry entry's code in the sandbox with network
// access granted.
type ScriptStep struct {
	def      types.CustomStepType
	executor *sandbox.Executor
}

// Definition implements CustomStep.
func (s *ScriptStep) Definition() types.CustomStepType { return s.def }

// Handle implements Handler.
func (s *ScriptStep) Handle(ctx context.Context, req *StepRequest) (types.StepResult, error) {
	return s.executor.Execute(ctx, sandbox.Request{
		Code:         s.def.CustomCode,
		Language:     s.def.CustomLanguage,
		AllowNetwork: true,
		Bindings:     scriptBindings(req),
		Logger:       req.Logger,
	}), nil
}

// WebhookStep posts the step parameters to the registry entry's URL.
type WebhookStep struct {
	def    types.CustomStepType
	engine *Engine
}

// Definition implements CustomStep.
func (s *WebhookStep) Definition() types.CustomStepType { return s.def }

// Handle implements Handler. The URL and the top-level string parameters are
// resolved against the run context, and run metadata is added under
// KeyWebhookContext.
func (s *WebhookStep) Handle(ctx context.Context, req *StepRequest) (types.StepResult, error) {
	url := vars.Resolve(s.def.CustomWebhookURL, req.Context)
	method := strings.ToUpper(s.def.CustomWebhookMethod)
	if method == "" {
		method = http.MethodPost
	}

	var body map[string]any
	if method != http.MethodGet {
		body = vars.ResolveTopLevel(req.Step.Params, req.Context)
		if body == nil {
			body = map[string]any{}
		}
		body[KeyWebhookContext] = map[string]any{
			"workflow_name": req.Context.WorkflowName(),
			"run_id":        req.RunID,
			"step_name":     req.Step.DisplayName(req.Index),
			"step_id":       req.Step.Identifier(req.Index),
			"step_type":     req.Step.Type,
			"timestamp":     types.Now(),
		}
	}

	var payload any
	if body != nil {
		payload = body
	}
	resp, err := s.engine.sendJSON(ctx, method, url, payload, s.def.CustomWebhookHeaders, s.engine.webhookTimeout)
	if err != nil {
		return types.StepResult{}, err
	}
	return types.Success(fmt.Sprintf("custom webhook %s returned %d", s.def.StepTypeID, resp.StatusCode), resp.data()), nil
}
