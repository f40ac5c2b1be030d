package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/viperbmw/netstacks-sub000/types"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	return atomic.AddUint64(&g.id, 1), nil
}

// stubStep returns the status, message and error named in its params and
// counts its invocations per step.
type stubStep struct {
	mu    sync.Mutex
	calls map[string]int
}

func (s *stubStep) Handle(_ context.Context, req *StepRequest) (types.StepResult, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[req.Step.Identifier(req.Index)]++
	s.mu.Unlock()

	p := req.Step.Params
	status := cast.ToString(p["status"])
	if status == "" {
		status = types.StatusSuccess
	}
	return types.StepResult{
		Status:  status,
		Message: cast.ToString(p["message"]),
		Error:   cast.ToString(p["error"]),
		Data:    p["data"],
	}, nil
}

func (s *stubStep) count(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func newTestEngine(t *testing.T, options ...Option) (*Engine, *stubStep) {
	t.Helper()
	base := []Option{
		WithGenerator(&MockGenerator{}),
		WithLogger(zap.NewNop()),
	}
	e := NewEngine(append(base, options...)...)
	stub := &stubStep{}
	if err := e.RegisterHandler("stub", stub); err != nil {
		t.Fatal(err)
	}
	return e, stub
}

func ok(name string, extra ...string) types.StepDefinition {
	s := types.StepDefinition{Name: name, Type: "stub", Params: map[string]any{}}
	if len(extra) > 0 {
		s.OnSuccess = extra[0]
	}
	return s
}

func fail(name, errMsg, onFailure string) types.StepDefinition {
	return types.StepDefinition{
		Name:      name,
		Type:      "stub",
		OnFailure: onFailure,
		Params:    map[string]any{"status": types.StatusFailed, "error": errMsg},
	}
}

func stepNames(res *types.WorkflowRunResult) []string {
	names := make([]string, 0, len(res.ExecutionLog))
	for _, entry := range res.ExecutionLog {
		names = append(names, entry.StepName)
	}
	return names
}

func waitFor(t *testing.T, ch <-chan struct{}, d time.Duration) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(d):
		t.Fatal("timed out")
	}
}
