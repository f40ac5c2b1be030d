package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestExprEvaluator tests the ExprEvaluator implementation.
func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	stepEnv := map[string]any{
		"workflow_name": "upgrade",
		"step_results": map[string]any{
			"precheck": map[string]any{"status": "success", "data": map[string]any{"neighbors": 4}},
		},
		"devices": map[string]any{"r1": map[string]any{"platform": "ios"}},
	}

	tests := []struct {
		name       string
		expression string
		env        map[string]any
		wantResult bool
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "Step result status",
			expression: `step_results.precheck.status == "success"`,
			env:        stepEnv,
			wantResult: true,
		},
		{
			name:       "Nested data comparison",
			expression: "step_results.precheck.data.neighbors > 5",
			env:        stepEnv,
			wantResult: false,
		},
		{
			name:       "Device attribute",
			expression: `devices.r1.platform in ["ios", "eos"]`,
			env:        stepEnv,
			wantResult: true,
		},
		{
			name:       "Undefined variable is nil",
			expression: "dry_run == nil",
			env:        stepEnv,
			wantResult: true,
		},
		{
			name:       "Non-boolean result",
			expression: "age + 5",
			env:        map[string]any{"age": 25},
			wantErr:    true,
			errMsg:     "expression 'age + 5' did not evaluate to a boolean, got int",
		},
		{
			name:       "Invalid expression",
			expression: "age >>> 18",
			env:        map[string]any{"age": 25},
			wantErr:    true,
			errMsg:     "unexpected token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.env)
			if tt.wantErr {
				assert.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
				assert.False(t, result)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.wantResult, result)
		})
	}

	t.Run("Caching works", func(t *testing.T) {
		expression := "score > 10"
		r1, err := evaluator.Evaluate(expression, map[string]any{"score": 15})
		assert.NoError(t, err)
		assert.True(t, r1)

		r2, err := evaluator.Evaluate(expression, map[string]any{"score": 5})
		assert.NoError(t, err)
		assert.False(t, r2)

		evaluator.mu.RLock()
		_, cached := evaluator.cache[expression]
		evaluator.mu.RUnlock()
		assert.True(t, cached)
	})

	t.Run("Helpers do not leak into env", func(t *testing.T) {
		ev := NewExprEvaluator()
		ev.AddHelper("device_count", func(env map[string]any) any {
			devices, _ := env["devices"].(map[string]any)
			return len(devices)
		})
		env := map[string]any{"devices": map[string]any{"r1": nil, "r2": nil}}

		ok, err := ev.Evaluate("device_count == 2", env)
		assert.NoError(t, err)
		assert.True(t, ok)
		_, leaked := env["device_count"]
		assert.False(t, leaked)
	})

	t.Run("Concurrent evaluation", func(t *testing.T) {
		var wg sync.WaitGroup
		n := 100
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				result, err := evaluator.Evaluate("value > 0", map[string]any{"value": 42})
				assert.NoError(t, err)
				assert.True(t, result)
			}()
		}
		wg.Wait()
	})
}

func BenchmarkEvaluate(b *testing.B) {
	evaluator := NewExprEvaluator()
	env := map[string]any{"x": 10}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = evaluator.Evaluate("x > 5", env)
	}
}
