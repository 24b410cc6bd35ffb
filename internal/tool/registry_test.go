package tool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "tiny-agent/internal/errors"
)

type funcTool struct {
	info Info
	fn   func(ctx context.Context, args map[string]any) *Result
}

func (f *funcTool) Info() Info { return f.info }

func (f *funcTool) Execute(ctx context.Context, args map[string]any) *Result {
	return f.fn(ctx, args)
}

func newFuncTool(name string, fn func(ctx context.Context, args map[string]any) *Result) *funcTool {
	return &funcTool{info: Info{Name: name, Description: name + " tool"}, fn: fn}
}

func echoTool() *funcTool {
	t := newFuncTool("echo", func(_ context.Context, args map[string]any) *Result {
		return OK(map[string]any{"text": args["text"]})
	})
	t.info.Schema = SchemaFor[echoArgs]()
	return t
}

func TestRegisterAndList(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoTool()))
	require.NoError(t, reg.Register(newFuncTool("alpha", nil)))

	err := reg.Register(echoTool())
	require.Equal(t, xerrors.CodeToolConflict, xerrors.CodeOf(err))
	require.NoError(t, reg.Replace(echoTool()))

	require.Equal(t, []string{"alpha", "echo"}, reg.Names())
	require.Equal(t, 2, reg.Len())
	require.Equal(t, "alpha", reg.List()[0].Name)

	_, ok := reg.Get("echo")
	require.True(t, ok)
	require.True(t, reg.Unregister("echo"))
	require.False(t, reg.Unregister("echo"))
	_, ok = reg.Get("echo")
	require.False(t, ok)
}

func TestRegisterRejectsInvalid(t *testing.T) {
	reg := NewRegistry(WithPolicy(Policy{Denied: []Capability{CapabilityExecution}}))

	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(reg.Register(nil)))
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(reg.Register(newFuncTool("bad name", nil))))

	shell := newFuncTool("shell", nil)
	shell.info.Capabilities = []Capability{CapabilityExecution}
	require.Equal(t, xerrors.CodeToolForbidden, xerrors.CodeOf(reg.Register(shell)))
	require.Zero(t, reg.Len())
}

func TestInvokeUnknownTool(t *testing.T) {
	res := NewRegistry().Invoke(context.Background(), Call{Name: "missing"})
	require.False(t, res.Success)
	require.Equal(t, xerrors.CodeToolNotFound, res.Code)
	require.Equal(t, "Tool 'missing' not found", res.Error)
	require.Equal(t, "missing", res.Metadata["tool"])
	require.Contains(t, res.Metadata, "duration_ms")
	require.NotContains(t, res.Metadata, "call_id")
}

func TestInvokeValidatesArgs(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoTool()))

	res := reg.Invoke(context.Background(), Call{ID: "c1", Name: "echo", Args: map[string]any{"text": "hi"}})
	require.True(t, res.Success)
	require.Equal(t, "hi", res.Data["text"])
	require.Equal(t, "c1", res.Metadata["call_id"])
	require.Contains(t, res.Metadata, "duration_ms")

	res = reg.Invoke(context.Background(), Call{Name: "echo"})
	require.False(t, res.Success)
	require.Equal(t, xerrors.CodeToolInvalidArgs, res.Code)
}

func TestInvokeRecoversPanicAndNil(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(newFuncTool("boom", func(context.Context, map[string]any) *Result {
		panic("kaboom")
	})))
	require.NoError(t, reg.Register(newFuncTool("empty", func(context.Context, map[string]any) *Result {
		return nil
	})))

	res := reg.Invoke(context.Background(), Call{Name: "boom"})
	require.False(t, res.Success)
	require.Equal(t, xerrors.CodeToolPanic, res.Code)
	require.Contains(t, res.Error, "kaboom")

	res = reg.Invoke(context.Background(), Call{Name: "empty"})
	require.Equal(t, xerrors.CodeToolFailure, res.Code)
}

func TestInvokeTimeoutAndCancel(t *testing.T) {
	block := func(ctx context.Context, _ map[string]any) *Result {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return OK(nil)
	}
	reg := NewRegistry(WithDefaultTimeout(20 * time.Millisecond))
	require.NoError(t, reg.Register(newFuncTool("slow", block)))

	res := reg.Invoke(context.Background(), Call{Name: "slow"})
	require.False(t, res.Success)
	require.Equal(t, xerrors.CodeTimeout, res.Code)
	require.Contains(t, res.Error, "timed out")

	ctx, cancel := context.WithCancel(context.Background())
	reg = NewRegistry()
	require.NoError(t, reg.Register(newFuncTool("slow", block)))
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res = reg.Invoke(ctx, Call{Name: "slow"})
	require.Equal(t, xerrors.CodeCancelled, res.Code)
}

func TestInvokeRateLimited(t *testing.T) {
	reg := NewRegistry(WithRateLimit(0.001, 1))
	require.NoError(t, reg.Register(echoTool()))

	args := map[string]any{"text": "x"}
	require.True(t, reg.Invoke(context.Background(), Call{Name: "echo", Args: args}).Success)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := reg.Invoke(ctx, Call{Name: "echo", Args: args})
	require.False(t, res.Success)
	require.Equal(t, xerrors.CodeToolRateLimited, res.Code)
}

func TestInvokeConcurrent(t *testing.T) {
	var calls atomic.Int64
	reg := NewRegistry()
	require.NoError(t, reg.Register(newFuncTool("count", func(_ context.Context, args map[string]any) *Result {
		calls.Add(1)
		args["mutated"] = true
		return OK(map[string]any{"n": args["n"]})
	})))

	shared := map[string]any{"n": 1}
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := reg.Invoke(context.Background(), Call{ID: fmt.Sprint(i), Name: "count", Args: shared})
			require.True(t, res.Success)
		}(i)
	}
	wg.Wait()
	require.EqualValues(t, 32, calls.Load())
	require.NotContains(t, shared, "mutated")
}
