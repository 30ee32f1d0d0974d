package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		env        map[string]interface{}
		want       bool
		errMsg     string
	}{
		{
			name:       "amount over threshold",
			expression: "amount > 1000",
			env:        map[string]interface{}{"amount": 2500},
			want:       true,
		},
		{
			name:       "amount under threshold",
			expression: "amount > 1000",
			env:        map[string]interface{}{"amount": 10},
		},
		{
			name:       "step output lookup",
			expression: `steps.fraud_check.requires_manual_review == true`,
			env: map[string]interface{}{
				"steps": map[string]interface{}{
					"fraud_check": map[string]interface{}{"requires_manual_review": true},
				},
			},
			want: true,
		},
		{
			name:       "undefined variable is nil",
			expression: "region == nil",
			env:        map[string]interface{}{},
			want:       true,
		},
		{
			name:       "non-boolean result",
			expression: "amount + 5",
			env:        map[string]interface{}{"amount": 25},
			errMsg:     "did not evaluate to a boolean, got int",
		},
		{
			name:       "syntax error",
			expression: "amount >>> 18",
			env:        map[string]interface{}{"amount": 25},
			errMsg:     "compile",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.Evaluate(tt.expression, tt.env)
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				assert.False(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExprEvaluator_Validate(t *testing.T) {
	evaluator := NewExprEvaluator()
	assert.NoError(t, evaluator.Validate("priority >= 3 && task_type == 'deploy'"))
	assert.Error(t, evaluator.Validate("priority >="))

	evaluator.mu.RLock()
	_, cached := evaluator.cache["priority >= 3 && task_type == 'deploy'"]
	evaluator.mu.RUnlock()
	assert.True(t, cached)
}

func TestExprEvaluator_OptionFuncDoesNotMutateEnv(t *testing.T) {
	evaluator := NewExprEvaluator()
	evaluator.AddOptionFunc("high_value", func(env map[string]interface{}) interface{} {
		amount, _ := env["amount"].(int)
		return amount > 1000
	})

	env := map[string]interface{}{"amount": 5000}
	ok, err := evaluator.Evaluate("high_value", env)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotContains(t, env, "high_value")
}

func TestExprEvaluator_Concurrent(t *testing.T) {
	evaluator := NewExprEvaluator()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := evaluator.Evaluate("n % 2 == 0", map[string]interface{}{"n": i})
			assert.NoError(t, err)
			assert.Equal(t, i%2 == 0, got)
		}(i)
	}
	wg.Wait()
}
