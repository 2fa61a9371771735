package condition

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateEmptyExpressionIsTrue(t *testing.T) {
	e := New()
	ok, err := e.Evaluate(context.Background(), "", nil)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateComparisonAgainstVariables(t *testing.T) {
	e := New()
	env := map[string]interface{}{
		"variables": map[string]interface{}{"score": 0.8},
	}
	ok, err := e.Evaluate(context.Background(), "variables.score > 0.5", env)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateCachesCompiledProgram(t *testing.T) {
	e := New()
	env := map[string]interface{}{"variables": map[string]interface{}{"score": 0.1}}
	_, err := e.Evaluate(context.Background(), "variables.score > 0.5", env)
	require.NoError(t, err)
	require.Len(t, e.cache, 1)

	_, err = e.Evaluate(context.Background(), "variables.score > 0.5", env)
	require.NoError(t, err)
	require.Len(t, e.cache, 1)
}

func TestEvaluateNonBoolResultErrors(t *testing.T) {
	e := New()
	_, err := e.Evaluate(context.Background(), `"not a bool"`, nil)
	require.Error(t, err)
}

func TestEvaluateInvalidExpressionErrors(t *testing.T) {
	e := New()
	_, err := e.Evaluate(context.Background(), "variables.(((", nil)
	require.Error(t, err)
}
