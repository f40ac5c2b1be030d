package workflow

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/viperbmw/netstacks-sub000/sandbox"
	"github.com/viperbmw/netstacks-sub000/types"
	"github.com/viperbmw/netstacks-sub000/vars"
)

// Built-in step types.
const (
	StepCheckBGP        = "check_bgp"
	StepCheckPing       = "check_ping"
	StepCheckInterfaces = "check_interfaces"
	StepDeployStack     = "deploy_stack"
	StepRunCommand      = "run_command"
	StepEmail           = "email"
	StepWebhook         = "webhook"
	StepScript          = "script"
	StepWait            = "wait"
)

// bgpSummaryCommand is sent to every device by check_bgp.
const bgpSummaryCommand = "show ip bgp summary"

func (e *Engine) registerBuiltins() {
	builtins := map[string]HandlerFunc{
		StepCheckBGP:        e.checkBGP,
		StepCheckPing:       e.checkPing,
		StepCheckInterfaces: e.checkInterfaces,
		StepDeployStack:     e.deployStack,
		StepRunCommand:      e.runCommand,
		StepEmail:           e.email,
		StepWebhook:         e.webhook,
		StepScript:          e.script,
		StepWait:            e.wait,
	}
	for name, h := range builtins {
		if _, exists := e.handlers[name]; !exists {
			e.handlers[name] = h
		}
	}
}

// checkBGP compares expected and actual BGP neighbor counts per device. The
// actual count is not parsed from command output: it equals the expected
// count unless compare_to_netbox is set, in which case it is read from the
// device's context data (bgp_neighbors).
func (e *Engine) checkBGP(ctx context.Context, req *StepRequest) (types.StepResult, error) {
	devices := req.Devices()
	if len(devices) == 0 {
		return types.Failure(ErrNoDevices.Error()), nil
	}
	if e.commander == nil {
		return types.StepResult{}, fmt.Errorf("%w: commander", ErrCollaboratorMissing)
	}

	expected := cast.ToInt(req.Step.Params["expected_neighbors"])
	compare := cast.ToBool(req.Step.Params["compare_to_netbox"])

	out, err := e.commander.Run(ctx, devices, bgpSummaryCommand, true)
	if err != nil {
		return types.StepResult{}, err
	}

	details := make([]any, 0, len(devices))
	var mismatched []string
	for _, dev := range devices {
		actual := expected
		if compare {
			actual = neighborCount(req.Context.Device(dev))
		}
		status := types.StatusSuccess
		if actual != expected {
			status = types.StatusFailed
			mismatched = append(mismatched, dev)
		}
		details = append(details, map[string]any{
			"device":   dev,
			"expected": expected,
			"actual":   actual,
			"status":   status,
		})
	}

	data := map[string]any{"command": bgpSummaryCommand, "results": commandResults(out)}
	if len(mismatched) > 0 {
		return types.StepResult{
			Status:  types.StatusFailed,
			Error:   fmt.Sprintf("BGP neighbor count mismatch on %s", strings.Join(mismatched, ", ")),
			Data:    data,
			Details: details,
		}, nil
	}
	return types.StepResult{
		Status:  types.StatusSuccess,
		Message: fmt.Sprintf("BGP neighbors verified on %d device(s)", len(devices)),
		Data:    data,
		Details: details,
	}, nil
}

func neighborCount(bag map[string]any) int {
	switch v := bag["bgp_neighbors"].(type) {
	case nil:
		return 0
	case []any:
		return len(v)
	case []string:
		return len(v)
	default:
		return cast.ToInt(v)
	}
}

// checkPing sends one probe to every device's address.
func (e *Engine) checkPing(ctx context.Context, req *StepRequest) (types.StepResult, error) {
	devices := req.Devices()
	if len(devices) == 0 {
		return types.Failure(ErrNoDevices.Error()), nil
	}
	timeout := seconds(req.Step.Params["timeout"], e.pingTimeout)

	details := make([]any, 0, len(devices))
	var unreachable []string
	for _, dev := range devices {
		addr := deviceAddress(req.Context, dev)
		entry := map[string]any{"device": dev, "ip": addr}

		res, err := e.pinger.Ping(ctx, addr, timeout)
		if err != nil {
			entry["error"] = err.Error()
		}
		reachable := err == nil && res.Reachable
		entry["reachable"] = reachable
		if !reachable {
			unreachable = append(unreachable, dev)
		} else if res.RTT > 0 {
			entry["rtt_ms"] = float64(res.RTT) / float64(time.Millisecond)
		}
		details = append(details, entry)
	}

	if len(unreachable) > 0 {
		return types.StepResult{
			Status:  types.StatusFailed,
			Error:   fmt.Sprintf("unreachable: %s", strings.Join(unreachable, ", ")),
			Details: details,
		}, nil
	}
	return types.StepResult{
		Status:  types.StatusSuccess,
		Message: fmt.Sprintf("%d device(s) reachable", len(devices)),
		Details: details,
	}, nil
}

// deviceAddress reads the management address from the device's context
// data, falling back to the device name itself.
func deviceAddress(ctx types.ExecutionContext, dev string) string {
	bag := ctx.Device(dev)
	for _, key := range []string{"ip", "ip_address", "primary_ip"} {
		if addr := cast.ToString(bag[key]); addr != "" {
			if i := strings.IndexByte(addr, '/'); i > 0 {
				addr = addr[:i]
			}
			return addr
		}
	}
	return dev
}

func (e *Engine) checkInterfaces(_ context.Context, req *StepRequest) (types.StepResult, error) {
	return types.Success("interface check passed", map[string]any{"devices": req.Devices()}), nil
}

func (e *Engine) deployStack(ctx context.Context, req *StepRequest) (types.StepResult, error) {
	stackID := vars.Resolve(cast.ToString(req.Step.Params["stack_id"]), req.Context)
	if stackID == "" {
		return types.Failure(fmt.Sprintf("%v: stack_id", ErrMissingParam)), nil
	}
	if e.deployer == nil {
		return types.StepResult{}, fmt.Errorf("%w: stack deployer", ErrCollaboratorMissing)
	}

	out, err := e.deployer.Deploy(ctx, stackID)
	if err != nil {
		return types.StepResult{}, err
	}
	if out == nil {
		return types.StepResult{}, fmt.Errorf("stack deployer returned no result for %s", stackID)
	}
	data := map[string]any{"stack_id": stackID, "services": out.Services}
	if out.Status != types.StatusSuccess {
		msg := out.Error
		if msg == "" {
			msg = fmt.Sprintf("deployment of stack %s failed", stackID)
		}
		return types.StepResult{Status: types.StatusFailed, Error: msg, Data: data}, nil
	}
	return types.Success(fmt.Sprintf("stack %s deployed", stackID), data), nil
}

// runCommand delegates to the Commander. With save_to_variable set, the
// per-device outputs are stored at that context key keyed by device name,
// so later steps can reference {var.device.output}.
func (e *Engine) runCommand(ctx context.Context, req *StepRequest) (types.StepResult, error) {
	command := vars.Resolve(cast.ToString(req.Step.Params["command"]), req.Context)
	if command == "" {
		return types.Failure(fmt.Sprintf("%v: command", ErrMissingParam)), nil
	}
	devices := req.Devices()
	if len(devices) == 0 {
		return types.Failure(ErrNoDevices.Error()), nil
	}
	if e.commander == nil {
		return types.StepResult{}, fmt.Errorf("%w: commander", ErrCollaboratorMissing)
	}

	parse := cast.ToBool(req.Step.Params["parse"])
	out, err := e.commander.Run(ctx, devices, command, parse)
	if err != nil {
		return types.StepResult{}, err
	}
	if out == nil {
		return types.StepResult{}, fmt.Errorf("commander returned no result for %q", command)
	}

	results := commandResults(out)
	data := map[string]any{"command": command, "results": results}
	if out.Status != types.StatusSuccess {
		msg := out.Error
		if msg == "" {
			msg = fmt.Sprintf("command %q failed", command)
		}
		return types.StepResult{Status: types.StatusFailed, Error: msg, Data: data}, nil
	}

	if key := cast.ToString(req.Step.Params["save_to_variable"]); key != "" {
		byDevice := make(map[string]any, len(out.Results))
		for _, r := range out.Results {
			byDevice[r.Device] = commandOutputMap(r)
		}
		req.Context[key] = byDevice
		req.Logger.Debug("saved command output", zap.String("variable", key))
	}
	return types.Success(fmt.Sprintf("command executed on %d device(s)", len(devices)), data), nil
}

func commandResults(out *CommandResult) []any {
	if out == nil {
		return []any{}
	}
	results := make([]any, 0, len(out.Results))
	for _, r := range out.Results {
		results = append(results, commandOutputMap(r))
	}
	return results
}

func commandOutputMap(r CommandOutput) map[string]any {
	m := map[string]any{"device": r.Device, "status": r.Status, "output": r.Output}
	if r.ParsedData != nil {
		m["parsed_data"] = r.ParsedData
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	return m
}

// email renders the message but does not send it.
func (e *Engine) email(_ context.Context, req *StepRequest) (types.StepResult, error) {
	p := req.Step.Params
	to := toStringList(p["to"])
	for i, addr := range to {
		to[i] = vars.Resolve(addr, req.Context)
	}
	subject := vars.Resolve(cast.ToString(p["subject"]), req.Context)
	body := vars.Resolve(cast.ToString(p["body"]), req.Context)

	req.Logger.Info("email prepared", zap.Strings("to", to), zap.String("subject", subject))
	return types.Success("email prepared (not sent)", map[string]any{
		"to":      to,
		"subject": subject,
		"body":    body,
	}), nil
}

func (e *Engine) webhook(ctx context.Context, req *StepRequest) (types.StepResult, error) {
	p := req.Step.Params
	url := vars.Resolve(cast.ToString(p["url"]), req.Context)
	if url == "" {
		return types.Failure(fmt.Sprintf("%v: url", ErrMissingParam)), nil
	}
	method := strings.ToUpper(cast.ToString(p["method"]))
	if method == "" {
		method = http.MethodPost
	}
	if method != http.MethodGet && method != http.MethodPost {
		return types.StepResult{}, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}

	var body any
	if method != http.MethodGet {
		body = payload(p, req.Context)
	}
	headers := cast.ToStringMapString(p["headers"])
	timeout := seconds(p["timeout"], e.webhookTimeout)

	resp, err := e.sendJSON(ctx, method, url, body, headers, timeout)
	if err != nil {
		return types.StepResult{}, err
	}
	return types.Success(fmt.Sprintf("webhook %s %s returned %d", method, url, resp.StatusCode), resp.data()), nil
}

// payload returns the request body of a webhook step: "payload", or "body"
// for compatibility, with top-level string values resolved.
func payload(p map[string]any, ctx types.ExecutionContext) any {
	raw, ok := p["payload"]
	if !ok {
		raw = p["body"]
	}
	switch v := raw.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return vars.ResolveTopLevel(v, ctx)
	case string:
		return vars.Resolve(v, ctx)
	default:
		return v
	}
}

// script runs an inline script without network access.
func (e *Engine) script(ctx context.Context, req *StepRequest) (types.StepResult, error) {
	p := req.Step.Params
	code := cast.ToString(p["script"])
	if code == "" {
		code = cast.ToString(p["code"])
	}
	return e.sandbox.Execute(ctx, sandbox.Request{
		Code:         code,
		Language:     cast.ToString(p["language"]),
		AllowNetwork: false,
		Bindings:     scriptBindings(req),
		Logger:       req.Logger,
	}), nil
}

func scriptBindings(req *StepRequest) map[string]any {
	params := req.Step.Params
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{
		sandbox.BindingContext: map[string]any(req.Context),
		sandbox.BindingStep: map[string]any{
			"name":  req.Step.Name,
			"id":    req.Step.Identifier(req.Index),
			"type":  req.Step.Type,
			"index": req.Index,
		},
		sandbox.BindingParams: params,
	}
}

// wait blocks for "seconds" (or "duration") seconds, or until ctx is done.
func (e *Engine) wait(ctx context.Context, req *StepRequest) (types.StepResult, error) {
	raw, ok := req.Step.Params["seconds"]
	if !ok {
		raw = req.Step.Params["duration"]
	}
	d := seconds(raw, 0)
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return types.StepResult{}, ctx.Err()
		case <-timer.C:
		}
	}
	return types.Success(fmt.Sprintf("waited %s", d), map[string]any{"seconds": d.Seconds()}), nil
}

// seconds converts a numeric seconds parameter to a duration.
func seconds(v any, def time.Duration) time.Duration {
	if v == nil {
		return def
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || f < 0 {
		return def
	}
	return time.Duration(f * float64(time.Second))
}

// toStringList accepts a list or a comma-separated string.
func toStringList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		parts := strings.Split(t, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return cast.ToStringSlice(v)
	}
}
