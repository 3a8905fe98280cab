package agent

import (
	"context"
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAdmin(t *testing.T) {
	assert.True(t, IsAdmin("_adm_hello"))
	assert.False(t, IsAdmin("mypackage.myfunc"))
}

func TestRegisterAndResolve(t *testing.T) {
	a := New()
	called := false
	a.Register("echo", func(ctx context.Context, kwargs map[string]any) (any, error) {
		called = true
		return kwargs["value"], nil
	})

	fn, err := a.Resolve("echo")
	require.NoError(t, err)

	result, err := fn(context.Background(), map[string]any{"value": 42})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.True(t, called)
}

func TestResolveUnknown(t *testing.T) {
	a := New()
	_, err := a.Resolve("nope")
	assert.Error(t, err)
}

func TestAdminCPUCount(t *testing.T) {
	a := New()
	fn, err := a.Resolve("_adm_cpu_count")
	require.NoError(t, err)

	result, err := fn(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, runtime.NumCPU(), result)
}

func TestAdminList(t *testing.T) {
	a := New()
	a.Register("my.module:fn", func(context.Context, map[string]any) (any, error) { return nil, nil })

	fn, err := a.Resolve("_adm_list")
	require.NoError(t, err)

	result, err := fn(context.Background(), nil)
	require.NoError(t, err)

	ids, ok := result.([]string)
	require.True(t, ok)
	assert.Contains(t, ids, "my.module:fn")
	assert.Contains(t, ids, "_adm_hello")
}

func TestAdminHelloUsesPeerAddr(t *testing.T) {
	a := New()
	fn, err := a.Resolve("_adm_hello")
	require.NoError(t, err)

	ctx := withPeerAddr(context.Background(), "127.0.0.1:9000")
	result, err := fn(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello, 127.0.0.1:9000!", result)
}

func TestAdminSuspendUnknownUUID(t *testing.T) {
	a := New()
	fn, err := a.Resolve("_adm_suspend")
	require.NoError(t, err)

	_, err = fn(context.Background(), map[string]any{"uuid": "does-not-exist"})
	assert.Error(t, err)
}

func TestRunCaughtConvertsError(t *testing.T) {
	a := New()
	boom := errors.New("boom")
	fn := func(context.Context, map[string]any) (any, error) { return nil, boom }

	_, caught := a.runCaught(context.Background(), fn, nil)
	require.NotNil(t, caught)
	assert.Equal(t, "boom", caught.exceptionRepr)
}

func TestRunCaughtConvertsPanic(t *testing.T) {
	a := New()
	fn := func(context.Context, map[string]any) (any, error) {
		panic("kaboom")
	}

	_, caught := a.runCaught(context.Background(), fn, nil)
	require.NotNil(t, caught)
	assert.Contains(t, caught.exceptionRepr, "kaboom")
}

func TestCleanProcessesDropsExited(t *testing.T) {
	a := New()
	entry := &processEntry{}
	entry.exited.Store(true)
	a.processes["done"] = entry
	a.processes["running"] = &processEntry{}

	a.cleanProcesses()

	_, doneStillThere := a.processes["done"]
	_, runningStillThere := a.processes["running"]
	assert.False(t, doneStillThere)
	assert.True(t, runningStillThere)
}
