package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viperbmw/netstacks-sub000/types"
)

// recorder captures the requests received by a test webhook endpoint.
type recorder struct {
	mu       sync.Mutex
	requests []recordedRequest
}

type recordedRequest struct {
	Method  string
	Header  http.Header
	Body    map[string]any
	Arrived time.Time
}

func (rec *recorder) server(t *testing.T, status int, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		rec.mu.Lock()
		rec.requests = append(rec.requests, recordedRequest{
			Method: r.Method, Header: r.Header.Clone(), Body: body, Arrived: time.Now(),
		})
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (rec *recorder) all() []recordedRequest {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]recordedRequest(nil), rec.requests...)
}

func single(step types.StepDefinition) *types.WorkflowDefinition {
	return &types.WorkflowDefinition{Name: "single", Steps: []types.StepDefinition{step}}
}

func TestWaitThenWebhook(t *testing.T) {
	rec := &recorder{}
	srv := rec.server(t, http.StatusOK, `{"accepted":true}`)
	e, _ := newTestEngine(t)

	wf := &types.WorkflowDefinition{
		Name: "notify",
		Steps: []types.StepDefinition{
			{Name: "A", Type: StepWait, OnSuccess: "B", Params: map[string]any{"seconds": 0}},
			{Name: "B", Type: StepWebhook, Params: map[string]any{
				"url":     srv.URL + "/hooks/{workflow_name}",
				"payload": map[string]any{"workflow": "{workflow_name}", "count": 3},
				"headers": map[string]any{"X-Token": "secret"},
			}},
		},
	}
	started := time.Now()
	res := e.Run(context.Background(), wf, nil)

	require.Equal(t, types.RunCompleted, res.Status, res.Error)
	assert.Equal(t, []string{"A", "B"}, stepNames(res))

	reqs := rec.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.True(t, !reqs[0].Arrived.Before(started))
	assert.Equal(t, "notify", reqs[0].Body["workflow"])
	assert.Equal(t, float64(3), reqs[0].Body["count"])
	assert.Equal(t, "secret", reqs[0].Header.Get("X-Token"))
	assert.NotEmpty(t, reqs[0].Header.Get(HeaderRequestID))
	assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))

	data := res.ExecutionLog[1].Data.(map[string]any)
	assert.Equal(t, http.StatusOK, data["status_code"])
	assert.Equal(t, map[string]any{"accepted": true}, data["response"])
}

func TestWebhook(t *testing.T) {
	t.Run("GetSendsNoBody", func(t *testing.T) {
		rec := &recorder{}
		srv := rec.server(t, http.StatusOK, "pong")
		e, _ := newTestEngine(t)

		res := e.Run(context.Background(), single(types.StepDefinition{
			Name: "get", Type: StepWebhook, Params: map[string]any{"url": srv.URL, "method": "get"},
		}), nil)

		require.Equal(t, types.RunCompleted, res.Status, res.Error)
		reqs := rec.all()
		require.Len(t, reqs, 1)
		assert.Equal(t, http.MethodGet, reqs[0].Method)
		assert.Nil(t, reqs[0].Body)
		assert.Equal(t, "pong", res.ExecutionLog[0].Data.(map[string]any)["response"])
	})

	t.Run("BodyAlias", func(t *testing.T) {
		rec := &recorder{}
		srv := rec.server(t, http.StatusCreated, "{}")
		e, _ := newTestEngine(t)

		res := e.Run(context.Background(), single(types.StepDefinition{
			Name: "post", Type: StepWebhook, Params: map[string]any{
				"url": srv.URL, "body": map[string]any{"text": "run {workflow_name}"},
			},
		}), nil)

		require.Equal(t, types.RunCompleted, res.Status, res.Error)
		assert.Equal(t, "run single", rec.all()[0].Body["text"])
	})

	t.Run("Non2xxFails", func(t *testing.T) {
		rec := &recorder{}
		srv := rec.server(t, http.StatusBadGateway, "upstream down")
		e, _ := newTestEngine(t)

		res := e.Run(context.Background(), single(types.StepDefinition{
			Name: "post", Type: StepWebhook, Params: map[string]any{"url": srv.URL},
		}), nil)

		assert.Equal(t, types.RunFailed, res.Status)
		assert.Contains(t, res.ExecutionLog[0].Error, ErrWebhookStatus.Error())
		assert.Contains(t, res.ExecutionLog[0].Error, "502")
	})

	t.Run("UnsupportedMethod", func(t *testing.T) {
		e, _ := newTestEngine(t)
		res := e.Run(context.Background(), single(types.StepDefinition{
			Name: "put", Type: StepWebhook, Params: map[string]any{"url": "http://127.0.0.1:1", "method": "PUT"},
		}), nil)

		assert.Equal(t, types.RunFailed, res.Status)
		assert.Contains(t, res.ExecutionLog[0].Error, ErrUnsupportedMethod.Error())
	})

	t.Run("MissingURL", func(t *testing.T) {
		e, _ := newTestEngine(t)
		res := e.Run(context.Background(), single(types.StepDefinition{Name: "x", Type: StepWebhook}), nil)

		assert.Contains(t, res.ExecutionLog[0].Error, ErrMissingParam.Error())
	})

	t.Run("Timeout", func(t *testing.T) {
		block := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-block:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(block)
		e, _ := newTestEngine(t)

		res := e.Run(context.Background(), single(types.StepDefinition{
			Name: "slow", Type: StepWebhook, Params: map[string]any{"url": srv.URL, "timeout": 0.05},
		}), nil)

		assert.Equal(t, types.RunFailed, res.Status)
		assert.Contains(t, res.ExecutionLog[0].Error, "deadline exceeded")
	})
}

func TestWait(t *testing.T) {
	e, _ := newTestEngine(t)

	res := e.Run(context.Background(), single(types.StepDefinition{
		Name: "pause", Type: StepWait, Params: map[string]any{"duration": "0.01"},
	}), nil)
	require.Equal(t, types.RunCompleted, res.Status)
	assert.Equal(t, 0.01, res.ExecutionLog[0].Data.(map[string]any)["seconds"])

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	res = e.Run(ctx, single(types.StepDefinition{
		Name: "long", Type: StepWait, Params: map[string]any{"seconds": 30},
	}), nil)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, types.RunFailed, res.Status)
	assert.Contains(t, res.ExecutionLog[0].Error, context.DeadlineExceeded.Error())
}

func TestCheckBGP(t *testing.T) {
	var gotDevices []string
	var gotCommand string
	commander := CommanderFunc(func(_ context.Context, devices []string, command string, parse bool) (*CommandResult, error) {
		gotDevices, gotCommand = devices, command
		out := &CommandResult{Status: types.StatusSuccess}
		for _, d := range devices {
			out.Results = append(out.Results, CommandOutput{Device: d, Status: types.StatusSuccess, Output: "ok"})
		}
		return out, nil
	})

	t.Run("NoDevices", func(t *testing.T) {
		e, _ := newTestEngine(t, WithCommander(commander))
		res := e.Run(context.Background(), single(types.StepDefinition{Name: "bgp", Type: StepCheckBGP}), nil)
		assert.Equal(t, ErrNoDevices.Error(), res.ExecutionLog[0].Error)
	})

	t.Run("NoCommander", func(t *testing.T) {
		e, _ := newTestEngine(t)
		wf := single(types.StepDefinition{Name: "bgp", Type: StepCheckBGP})
		wf.Devices = []string{"r1"}
		res := e.Run(context.Background(), wf, nil)
		assert.Contains(t, res.ExecutionLog[0].Error, ErrCollaboratorMissing.Error())
	})

	t.Run("Matches", func(t *testing.T) {
		e, _ := newTestEngine(t, WithCommander(commander))
		wf := single(types.StepDefinition{
			Name: "bgp", Type: StepCheckBGP, Params: map[string]any{"expected_neighbors": 2},
		})
		wf.Devices = []string{"r1", "r2"}

		res := e.Run(context.Background(), wf, nil)

		require.Equal(t, types.RunCompleted, res.Status, res.Error)
		assert.Equal(t, []string{"r1", "r2"}, gotDevices)
		assert.Equal(t, bgpSummaryCommand, gotCommand)
		assert.Len(t, res.ExecutionLog[0].Details, 2)
	})

	t.Run("ComparesDeviceData", func(t *testing.T) {
		e, _ := newTestEngine(t, WithCommander(commander))
		wf := single(types.StepDefinition{
			Name: "bgp", Type: StepCheckBGP,
			Params: map[string]any{"expected_neighbors": "2", "compare_to_netbox": true, "devices": "r1, r2"},
		})

		res := e.Run(context.Background(), wf, map[string]any{
			"devices": map[string]any{
				"r1": map[string]any{"bgp_neighbors": []any{"10.0.0.1", "10.0.0.2"}},
				"r2": map[string]any{"bgp_neighbors": 1},
			},
		})

		assert.Equal(t, types.RunFailed, res.Status)
		entry := res.ExecutionLog[0]
		assert.Contains(t, entry.Error, "r2")
		assert.NotContains(t, entry.Error, "r1")
		details := entry.Details.([]any)
		assert.Equal(t, 1, details[1].(map[string]any)["actual"])
	})
}

func TestCheckPing(t *testing.T) {
	var mu sync.Mutex
	probed := map[string]time.Duration{}
	pinger := PingerFunc(func(_ context.Context, addr string, timeout time.Duration) (PingResult, error) {
		mu.Lock()
		probed[addr] = timeout
		mu.Unlock()
		switch addr {
		case "10.0.0.1":
			return PingResult{Reachable: true, RTT: 2 * time.Millisecond}, nil
		case "core2":
			return PingResult{}, errors.New("no such host")
		default:
			return PingResult{Reachable: false}, nil
		}
	})
	e, _ := newTestEngine(t, WithPinger(pinger))

	ctx := map[string]any{"devices": map[string]any{
		"edge1": map[string]any{"primary_ip": "10.0.0.1/32"},
		"edge2": map[string]any{"ip_address": "10.0.0.2"},
	}}

	wf := single(types.StepDefinition{Name: "ping", Type: StepCheckPing, Params: map[string]any{"timeout": 1}})
	wf.Devices = []string{"edge1"}
	res := e.Run(context.Background(), wf, ctx)
	require.Equal(t, types.RunCompleted, res.Status, res.Error)
	detail := res.ExecutionLog[0].Details.([]any)[0].(map[string]any)
	assert.Equal(t, "10.0.0.1", detail["ip"])
	assert.Equal(t, 2.0, detail["rtt_ms"])
	assert.Equal(t, time.Second, probed["10.0.0.1"])

	wf.Devices = []string{"edge1", "edge2", "core2"}
	wf.Steps[0].Params = nil
	res = e.Run(context.Background(), wf, ctx)
	assert.Equal(t, types.RunFailed, res.Status)
	assert.Equal(t, "unreachable: edge2, core2", res.ExecutionLog[0].Error)
	assert.Equal(t, DefaultPingTimeout, probed["10.0.0.2"])
	assert.Contains(t, probed, "core2")
}

func TestCheckInterfaces(t *testing.T) {
	e, _ := newTestEngine(t)
	wf := single(types.StepDefinition{Name: "ifaces", Type: StepCheckInterfaces})
	wf.Devices = []string{"r1"}

	res := e.Run(context.Background(), wf, nil)

	assert.Equal(t, types.RunCompleted, res.Status)
}

func TestDeployStack(t *testing.T) {
	deployer := StackDeployerFunc(func(_ context.Context, stackID string) (*DeployResult, error) {
		switch stackID {
		case "vlan-100":
			return &DeployResult{Status: types.StatusSuccess, Services: []map[string]any{{"name": "svc"}}}, nil
		case "broken":
			return &DeployResult{Status: types.StatusFailed, Error: "template render failed"}, nil
		default:
			return nil, nil
		}
	})
	e, _ := newTestEngine(t, WithStackDeployer(deployer))

	res := e.Run(context.Background(), single(types.StepDefinition{
		Name: "deploy", Type: StepDeployStack, Params: map[string]any{"stack_id": "vlan-{vlan}"},
	}), map[string]any{"vlan": 100})
	require.Equal(t, types.RunCompleted, res.Status, res.Error)
	assert.Equal(t, "vlan-100", res.ExecutionLog[0].Data.(map[string]any)["stack_id"])

	res = e.Run(context.Background(), single(types.StepDefinition{
		Name: "deploy", Type: StepDeployStack, Params: map[string]any{"stack_id": "broken"},
	}), nil)
	assert.Equal(t, "template render failed", res.ExecutionLog[0].Error)

	res = e.Run(context.Background(), single(types.StepDefinition{
		Name: "deploy", Type: StepDeployStack, Params: map[string]any{"stack_id": "ghost"},
	}), nil)
	assert.Contains(t, res.ExecutionLog[0].Error, "no result")

	res = e.Run(context.Background(), single(types.StepDefinition{Name: "deploy", Type: StepDeployStack}), nil)
	assert.Contains(t, res.ExecutionLog[0].Error, ErrMissingParam.Error())
}

func TestRunCommandThenEmail(t *testing.T) {
	commander := CommanderFunc(func(_ context.Context, devices []string, command string, parse bool) (*CommandResult, error) {
		assert.True(t, parse)
		out := &CommandResult{Status: types.StatusSuccess}
		for _, d := range devices {
			out.Results = append(out.Results, CommandOutput{Device: d, Status: types.StatusSuccess, Output: d + ": " + command})
		}
		return out, nil
	})
	e, _ := newTestEngine(t, WithCommander(commander))

	wf := &types.WorkflowDefinition{
		Name:    "collect",
		Devices: []string{"r1", "r2"},
		Steps: []types.StepDefinition{
			{Name: "version", Type: StepRunCommand, Params: map[string]any{
				"command": "show {what}", "parse": true, "save_to_variable": "version_out",
			}},
			{Name: "report", Type: StepEmail, Params: map[string]any{
				"to":      "noc@example.net, {owner}",
				"subject": "{workflow_name} done",
				"body":    "{version_out.r1.output}",
			}},
		},
	}

	res := e.Run(context.Background(), wf, map[string]any{"what": "version", "owner": "ops@example.net"})

	require.Equal(t, types.RunCompleted, res.Status, res.Error)
	assert.Contains(t, res.Context, "version_out")

	mail := res.ExecutionLog[1]
	assert.Equal(t, "email prepared (not sent)", mail.Message)
	data := mail.Data.(map[string]any)
	assert.Equal(t, []string{"noc@example.net", "ops@example.net"}, data["to"])
	assert.Equal(t, "collect done", data["subject"])
	assert.Equal(t, "r1: show version", data["body"])
}

func TestRunCommandFailure(t *testing.T) {
	commander := CommanderFunc(func(context.Context, []string, string, bool) (*CommandResult, error) {
		return &CommandResult{Status: types.StatusFailed, Error: "auth failed on r1"}, nil
	})
	e, _ := newTestEngine(t, WithCommander(commander))
	wf := single(types.StepDefinition{Name: "cmd", Type: StepRunCommand, Params: map[string]any{"command": "show run"}})
	wf.Devices = []string{"r1"}

	res := e.Run(context.Background(), wf, nil)

	assert.Equal(t, types.RunFailed, res.Status)
	assert.Equal(t, "auth failed on r1", res.ExecutionLog[0].Error)

	res = e.Run(context.Background(), single(types.StepDefinition{Name: "cmd", Type: StepRunCommand}), nil)
	assert.Contains(t, res.ExecutionLog[0].Error, ErrMissingParam.Error())
}

func TestScriptStep(t *testing.T) {
	e, _ := newTestEngine(t)

	t.Run("JavaScript", func(t *testing.T) {
		res := e.Run(context.Background(), single(types.StepDefinition{
			Name: "js", Type: StepScript, Params: map[string]any{
				"script": `result = {status: "success", message: context.workflow_name + ":" + step.name + ":" + params.who}`,
				"who":    "noc",
			},
		}), nil)
		require.Equal(t, types.RunCompleted, res.Status, res.Error)
		assert.Equal(t, "single:js:noc", res.ExecutionLog[0].Message)
	})

	t.Run("NoNetwork", func(t *testing.T) {
		res := e.Run(context.Background(), single(types.StepDefinition{
			Name: "js", Type: StepScript, Params: map[string]any{"code": `result = typeof http`},
		}), nil)
		require.Equal(t, types.RunCompleted, res.Status, res.Error)
		assert.Equal(t, "undefined", res.ExecutionLog[0].Data)
	})

	t.Run("Lua", func(t *testing.T) {
		res := e.Run(context.Background(), single(types.StepDefinition{
			Name: "lua", Type: StepScript, Params: map[string]any{
				"language": "lua",
				"script":   `result = {status = "failed", error = "bad " .. context.workflow_name}`,
			},
		}), nil)
		assert.Equal(t, types.RunFailed, res.Status)
		assert.Equal(t, "bad single", res.ExecutionLog[0].Error)
	})
}

func TestSecondsAndStringList(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, seconds("1.5", 0))
	assert.Equal(t, time.Minute, seconds(nil, time.Minute))
	assert.Equal(t, time.Minute, seconds(-3, time.Minute))
	assert.Equal(t, time.Minute, seconds("soon", time.Minute))

	assert.Nil(t, toStringList(""))
	assert.Equal(t, []string{"a", "b"}, toStringList(" a, ,b"))
	assert.Equal(t, []string{"a", "b"}, toStringList([]any{"a", "b"}))
}
