package condition_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raspkit/go-agent/internal/condition"
)

func TestResultString(t *testing.T) {
	require.Equal(t, "true", condition.True.String())
	require.Equal(t, "false", condition.False.String())
	require.Equal(t, "unknown", condition.Unknown.String())
	require.Equal(t, "unknown", condition.Result(42).String())
}

func TestFunc(t *testing.T) {
	var got condition.Bindings
	f := condition.Func(func(b condition.Bindings) condition.Result {
		got = b
		return condition.True
	})

	b := condition.Bindings{
		Request: "request",
		Args:    []interface{}{1, 2},
		Data:    "data",
	}
	require.Equal(t, condition.True, f.Evaluate(b))
	require.Equal(t, b, got)
}

func TestIsEmpty(t *testing.T) {
	require.True(t, condition.IsEmpty(nil))
	require.False(t, condition.IsEmpty(condition.Func(func(condition.Bindings) condition.Result {
		return condition.False
	})))
}
