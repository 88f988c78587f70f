package execengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/jobdispatcherd/internal/dispatch"
)

func TestExecuteRunsRegisteredHandler(t *testing.T) {
	e := New()
	e.Register("always-finishes", func(_ context.Context, _ []byte) (dispatch.Result, error) {
		return dispatch.Result{Outcome: dispatch.Finished}, nil
	})

	result, err := e.Execute(context.Background(), "always-finishes", nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Finished, result.Outcome)
}

func TestExecuteUnregisteredHandlerReportsFailedNotError(t *testing.T) {
	e := New()
	result, err := e.Execute(context.Background(), "nonexistent", nil)
	require.NoError(t, err, "an unregistered handler is a task failure, not a transport error")
	assert.Equal(t, dispatch.Failed, result.Outcome)
	assert.Contains(t, string(result.Stack), "nonexistent")
}

func TestRegisterReplacesExistingHandler(t *testing.T) {
	e := New()
	e.Register("h", func(_ context.Context, _ []byte) (dispatch.Result, error) {
		return dispatch.Result{Outcome: dispatch.Failed}, nil
	})
	e.Register("h", func(_ context.Context, _ []byte) (dispatch.Result, error) {
		return dispatch.Result{Outcome: dispatch.Finished}, nil
	})

	result, err := e.Execute(context.Background(), "h", nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Finished, result.Outcome)
}

func TestEchoHandlerFinishesImmediately(t *testing.T) {
	e := New()
	RegisterDemoHandlers(e)

	result, err := e.Execute(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Finished, result.Outcome)
}

func TestCountdownHandlerContinuesThenFinishes(t *testing.T) {
	e := New()
	RegisterDemoHandlers(e)

	var state []byte
	for i := 0; i < 3; i++ {
		result, err := e.Execute(context.Background(), "countdown", state)
		require.NoError(t, err)
		require.Equal(t, dispatch.Continue, result.Outcome)
		state = result.State
	}

	result, err := e.Execute(context.Background(), "countdown", state)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Finished, result.Outcome)
}
