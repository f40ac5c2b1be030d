// Package workflow loads operator-authored procedures (MOPs) and executes
// them step by step. A run is a program counter over the step list: each
// step's result is recorded in the run context and selects the next step
// through its on_success and on_failure targets.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oliveagle/jsonpath"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/viperbmw/netstacks-sub000/events"
	"github.com/viperbmw/netstacks-sub000/logger"
	"github.com/viperbmw/netstacks-sub000/rules"
	"github.com/viperbmw/netstacks-sub000/sandbox"
	"github.com/viperbmw/netstacks-sub000/storage"
	"github.com/viperbmw/netstacks-sub000/types"
)

// Defaults applied by NewEngine.
const (
	DefaultPingTimeout    = 2 * time.Second
	DefaultWebhookTimeout = 30 * time.Second

	MessageCompleted = "Workflow completed successfully"
	MessageSkipped   = "skipped: condition not met"
)

type (
	// StepRequest is everything a handler may look at for one dispatch.
	StepRequest struct {
		RunID    uint64
		Workflow *types.WorkflowDefinition
		Step     types.StepDefinition
		Index    int
		Context  types.ExecutionContext
		Logger   *zap.Logger
	}

	// Handler executes one kind of step. A returned error is converted to a
	// failed step result; it never terminates the run by itself.
	Handler interface {
		Handle(ctx context.Context, req *StepRequest) (types.StepResult, error)
	}

	// HandlerFunc adapts a function to Handler.
	HandlerFunc func(ctx context.Context, req *StepRequest) (types.StepResult, error)

	// Engine executes workflow definitions.
	Engine struct {
		handlers       map[string]Handler
		mu             sync.RWMutex
		stepTypes      storage.StepTypeRegistry
		storage        storage.Storage
		eventBus       *events.EventBus
		evaluator      rules.Evaluator
		commander      Commander
		deployer       StackDeployer
		pinger         Pinger
		httpClient     *http.Client
		sandbox        *sandbox.Executor
		generate       generator.Generator
		logger         *zap.Logger
		maxSteps       int
		pingTimeout    time.Duration
		webhookTimeout time.Duration
	}

	// Option configures an Engine.
	Option func(*Engine)
)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, req *StepRequest) (types.StepResult, error) {
	return f(ctx, req)
}

// Devices returns the step's device override, or the workflow defaults.
func (r *StepRequest) Devices() []string {
	if raw, ok := r.Step.Params["devices"]; ok && raw != nil {
		if devices := toStringList(raw); len(devices) > 0 {
			return devices
		}
	}
	if r.Workflow == nil {
		return nil
	}
	return r.Workflow.Devices
}

// WithStepTypes sets the registry consulted for custom step types.
func WithStepTypes(reg storage.StepTypeRegistry) Option {
	return func(e *Engine) { e.stepTypes = reg }
}

// WithStorage sets where definitions and run results are persisted.
func WithStorage(s storage.Storage) Option {
	return func(e *Engine) {
		if s != nil {
			e.storage = s
		}
	}
}

// WithEventBus sets the bus that receives lifecycle events.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) { e.eventBus = bus }
}

// WithEvaluator sets the evaluator for step conditions.
func WithEvaluator(ev rules.Evaluator) Option {
	return func(e *Engine) {
		if ev != nil {
			e.evaluator = ev
		}
	}
}

// WithCommander sets the device command collaborator.
func WithCommander(c Commander) Option {
	return func(e *Engine) { e.commander = c }
}

// WithStackDeployer sets the stack deployment collaborator.
func WithStackDeployer(d StackDeployer) Option {
	return func(e *Engine) { e.deployer = d }
}

// WithPinger replaces the OS ping adapter.
func WithPinger(p Pinger) Option {
	return func(e *Engine) {
		if p != nil {
			e.pinger = p
		}
	}
}

// WithHTTPClient sets the client used by webhook steps.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		if c != nil {
			e.httpClient = c
		}
	}
}

// WithSandbox sets the script executor.
func WithSandbox(s *sandbox.Executor) Option {
	return func(e *Engine) {
		if s != nil {
			e.sandbox = s
		}
	}
}

// WithGenerator sets the run ID generator.
func WithGenerator(g generator.Generator) Option {
	return func(e *Engine) {
		if g != nil {
			e.generate = g
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMaxSteps aborts a run after n step executions. Zero, the default,
// means unlimited: a cyclic jump graph then runs until ctx is canceled.
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxSteps = n
		}
	}
}

// WithPingTimeout sets the default per-device ping timeout.
func WithPingTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pingTimeout = d
		}
	}
}

// WithWebhookTimeout sets the default timeout for webhook requests.
func WithWebhookTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.webhookTimeout = d
		}
	}
}

// NewEngine creates an Engine with the built-in step handlers registered.
func NewEngine(options ...Option) *Engine {
	e := &Engine{
		handlers:       make(map[string]Handler),
		storage:        storage.NewMemoryStorage(),
		evaluator:      rules.NewExprEvaluator(),
		pinger:         &OSPinger{},
		httpClient:     &http.Client{},
		sandbox:        sandbox.NewExecutor(),
		generate:       generator.NewSnowflake(time.Now().Add(-1*time.Second), 1),
		logger:         logger.L(),
		pingTimeout:    DefaultPingTimeout,
		webhookTimeout: DefaultWebhookTimeout,
	}
	for _, option := range options {
		option(e)
	}
	e.registerBuiltins()
	return e
}

// RegisterHandler registers or replaces the handler for a step type.
func (e *Engine) RegisterHandler(stepType string, h Handler) error {
	if stepType == "" || h == nil {
		return errors.New("step type and handler are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[stepType] = h
	return nil
}

// RegisterWorkflow stores a definition so it can be run by name.
func (e *Engine) RegisterWorkflow(ctx context.Context, wf types.WorkflowDefinition) error {
	if wf.Name == "" {
		return fmt.Errorf("%w: name is required", ErrMalformedWorkflow)
	}
	if len(wf.Steps) == 0 {
		return fmt.Errorf("%w: %v", ErrMalformedWorkflow, ErrEmptyWorkflow)
	}
	return e.storage.SaveWorkflow(ctx, wf)
}

// RunStored executes a workflow previously registered under name.
func (e *Engine) RunStored(ctx context.Context, name string, initial map[string]any) (*types.WorkflowRunResult, error) {
	wf, err := e.storage.GetWorkflow(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotRegistered, name)
		}
		return nil, err
	}
	return e.Run(ctx, &wf, initial), nil
}

// GetRun returns a persisted run result.
func (e *Engine) GetRun(ctx context.Context, id uint64) (*types.WorkflowRunResult, error) {
	res, err := e.storage.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// run is the mutable state of one execution.
type run struct {
	id     uint64
	wf     *types.WorkflowDefinition
	ctx    types.ExecutionContext
	log    []types.ExecutionLogEntry
	logger *zap.Logger
}

// Run executes wf to a terminal state and returns its result. It blocks until
// the program counter runs off the end of the step list, a step terminates
// the run, or ctx is done. It never returns nil.
func (e *Engine) Run(ctx context.Context, wf *types.WorkflowDefinition, initial map[string]any) (result *types.WorkflowRunResult) {
	if wf == nil {
		wf = &types.WorkflowDefinition{}
	}
	id, err := e.generate.NextID()
	if err != nil {
		e.logger.Warn("failed to generate run id", zap.Error(err))
	}

	r := &run{
		id:     id,
		wf:     wf,
		ctx:    types.NewExecutionContext(wf.Name, time.Now(), initial),
		log:    []types.ExecutionLogEntry{},
		logger: e.logger.With(zap.Uint64("run_id", id), zap.String("workflow", wf.Name)),
	}

	defer func() {
		if p := recover(); p != nil {
			result = e.finish(ctx, r, fmt.Errorf("engine panic: %v", p))
		}
	}()

	r.logger.Info("run started", zap.Int("steps", len(wf.Steps)))
	return e.finish(ctx, r, e.execute(ctx, r))
}

// execute drives the program counter. A nil return means completed.
func (e *Engine) execute(ctx context.Context, r *run) error {
	steps := r.wf.Steps
	if len(steps) == 0 {
		return ErrEmptyWorkflow
	}

	executed := 0
	pc := 0
	for pc < len(steps) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrRunCanceled, err)
		}
		if e.maxSteps > 0 && executed >= e.maxSteps {
			return fmt.Errorf("%w: %d", ErrMaxStepsExceeded, e.maxSteps)
		}

		step := steps[pc]
		req := &StepRequest{
			RunID:    r.id,
			Workflow: r.wf,
			Step:     step,
			Index:    pc,
			Context:  r.ctx,
			Logger:   r.logger.With(zap.String("step", step.DisplayName(pc)), zap.String("type", step.Type)),
		}

		res, err := e.dispatch(ctx, req)
		if err != nil {
			r.record(req, types.Failure(err.Error()))
			return err
		}
		executed++
		r.record(req, res)
		e.publish(ctx, events.StepExecuted, r, map[string]any{
			"step":   step.DisplayName(pc),
			"index":  pc,
			"status": res.Status,
		})

		switch res.Status {
		case types.StatusSuccess:
			if step.OnSuccess != "" {
				if target, ok := findStep(steps, step.OnSuccess); ok {
					req.Logger.Debug("jumping", zap.String("on_success", step.OnSuccess), zap.Int("target", target))
					pc = target
					continue
				}
				// A missing on_success target falls through to the next step.
				req.Logger.Warn("on_success target not found, continuing", zap.String("on_success", step.OnSuccess))
			}
			pc++

		case types.StatusFailed:
			if step.OnFailure == "" {
				return fmt.Errorf("%w: %s: %s", ErrStepFailed, step.DisplayName(pc), res.Error)
			}
			target, ok := findStep(steps, step.OnFailure)
			if !ok {
				return fmt.Errorf("%w: on_failure target %q of step %s", ErrMissingJumpTarget, step.OnFailure, step.DisplayName(pc))
			}
			req.Logger.Info("step failed, jumping", zap.String("on_failure", step.OnFailure), zap.Int("target", target))
			pc = target

		default:
			return fmt.Errorf("%w: %q from step %s", ErrUnknownStepStatus, res.Status, step.DisplayName(pc))
		}
	}
	return nil
}

func (r *run) record(req *StepRequest, res types.StepResult) {
	r.ctx.RecordStepResult(req.Step.Identifier(req.Index), res)
	r.log = append(r.log, types.ExecutionLogEntry{
		StepName:  req.Step.DisplayName(req.Index),
		StepType:  req.Step.Type,
		StepIndex: req.Index,
		Status:    res.Status,
		Message:   res.Message,
		Timestamp: types.Now(),
		Data:      res.Data,
		Error:     res.Error,
		Details:   res.Details,
	})
	req.Logger.Info("step executed", zap.Int("index", req.Index), zap.String("status", res.Status))
}

// finish builds the terminal result, persists it and publishes the outcome.
func (e *Engine) finish(ctx context.Context, r *run, runErr error) *types.WorkflowRunResult {
	res := &types.WorkflowRunResult{
		RunID:        r.id,
		WorkflowName: r.wf.Name,
		ExecutionLog: r.log,
		Context:      r.ctx.Snapshot(),
	}

	eventType := events.RunCompleted
	if runErr == nil {
		res.Status = types.RunCompleted
		res.Message = MessageCompleted
		res.CompletedAt = types.Now()
		r.logger.Info("run completed", zap.Int("executed", len(r.log)))
	} else {
		eventType = events.RunFailed
		res.Status = types.RunFailed
		res.Error = runErr.Error()
		res.FailedAt = types.Now()
		r.logger.Error("run failed", zap.Int("executed", len(r.log)), zap.Error(runErr))
	}

	if err := e.storage.SaveRun(context.WithoutCancel(ctx), *res); err != nil {
		r.logger.Warn("failed to persist run result", zap.Error(err))
	}
	e.publish(ctx, eventType, r, map[string]any{
		"status":   res.Status,
		"error":    res.Error,
		"executed": len(r.log),
	})
	return res
}

func (e *Engine) publish(ctx context.Context, eventType string, r *run, data map[string]any) {
	if e.eventBus == nil {
		return
	}
	evt := events.Event{Type: eventType, RunID: r.id, WorkflowName: r.wf.Name, Data: data}
	err := e.eventBus.Publish(context.WithoutCancel(ctx), evt)
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		r.logger.Warn("failed to publish event", zap.String("event", eventType), zap.Error(err))
	}
}

// dispatch runs one step through its guard, handler, retries and field
// extraction. Only an unknown step type is returned as an error.
func (e *Engine) dispatch(ctx context.Context, req *StepRequest) (types.StepResult, error) {
	step := req.Step
	if step.Condition != "" {
		ok, err := e.evaluator.Evaluate(step.Condition, req.Context.Snapshot())
		if err != nil {
			return types.Failure(fmt.Sprintf("condition %q: %v", step.Condition, err)), nil
		}
		if !ok {
			return types.Success(MessageSkipped, nil), nil
		}
	}

	h, err := e.resolveHandler(ctx, step.Type)
	if err != nil {
		return types.StepResult{}, err
	}

	res := e.invokeWithRetry(ctx, h, req)
	if res.Succeeded() && len(step.SaveFields) > 0 {
		e.saveFields(req, res.Data)
	}
	return res, nil
}

// resolveHandler prefers built-in and registered handlers, then the custom
// step-type registry.
func (e *Engine) resolveHandler(ctx context.Context, stepType string) (Handler, error) {
	e.mu.RLock()
	h, ok := e.handlers[stepType]
	e.mu.RUnlock()
	if ok {
		return h, nil
	}
	if e.stepTypes == nil || stepType == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStepType, stepType)
	}

	def, err := e.stepTypes.LookupStepType(ctx, stepType)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStepType, stepType)
	}
	if err != nil {
		// Registry outages fail the step, not the run.
		return HandlerFunc(func(context.Context, *StepRequest) (types.StepResult, error) {
			return types.StepResult{}, fmt.Errorf("step type lookup %q: %w", stepType, err)
		}), nil
	}
	if !def.IsCustom {
		return nil, fmt.Errorf("%w: %q: %v", ErrUnknownStepType, stepType, ErrNotCustom)
	}

	cs, err := e.newCustomStep(def)
	if err != nil {
		return HandlerFunc(func(context.Context, *StepRequest) (types.StepResult, error) {
			return types.StepResult{}, err
		}), nil
	}
	return cs, nil
}

// invoke calls h once, converting errors and panics to failed results.
func (e *Engine) invoke(ctx context.Context, h Handler, req *StepRequest) (res types.StepResult) {
	defer func() {
		if p := recover(); p != nil {
			req.Logger.Error("step handler panicked", zap.Any("panic", p))
			res = types.Failure(fmt.Sprintf("%v: %v", ErrHandlerPanic, p))
		}
	}()

	res, err := h.Handle(ctx, req)
	if err != nil {
		return types.StepResult{Status: types.StatusFailed, Error: err.Error(), Details: res.Details}
	}
	if res.Status == types.StatusFailed && res.Error == "" {
		res.Error = "step failed"
	}
	return res
}

var errAttemptFailed = errors.New("attempt failed")

func (e *Engine) invokeWithRetry(ctx context.Context, h Handler, req *StepRequest) types.StepResult {
	var res types.StepResult
	attempt := func() error {
		res = e.invoke(ctx, h, req)
		if res.Status == types.StatusFailed {
			return errAttemptFailed
		}
		return nil
	}

	retries := req.Step.MaxRetries
	if retries <= 0 {
		_ = attempt()
		return res
	}

	delay := time.Duration(req.Step.RetryDelay * float64(time.Second))
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(retries)), ctx,
	)
	_ = backoff.RetryNotify(attempt, policy, func(_ error, wait time.Duration) {
		req.Logger.Info("retrying step", zap.String("error", res.Error), zap.Duration("wait", wait))
	})
	return res
}

// saveFields stores JSONPath extracts of data at the top level of the
// context. Paths that do not match are skipped.
func (e *Engine) saveFields(req *StepRequest, data any) {
	doc, err := normalize(data)
	if err != nil {
		req.Logger.Warn("cannot extract fields from step data", zap.Error(err))
		return
	}
	for key, path := range req.Step.SaveFields {
		v, err := jsonpath.JsonPathLookup(doc, path)
		if err != nil {
			req.Logger.Warn("save_fields path did not match",
				zap.String("key", key), zap.String("path", path), zap.Error(err))
			continue
		}
		req.Context[key] = v
	}
}

// normalize converts arbitrary Go values to the generic JSON shapes the
// JSONPath evaluator walks.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, errors.New("step returned no data")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// findStep returns the index of the first step whose id or name is target.
func findStep(steps []types.StepDefinition, target string) (int, bool) {
	for i, s := range steps {
		if s.ID == target || s.Name == target || s.Identifier(i) == target {
			return i, true
		}
	}
	return 0, false
}
