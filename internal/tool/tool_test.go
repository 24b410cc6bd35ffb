package tool

import (
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "tiny-agent/internal/errors"
)

func TestFromErrorKeepsCode(t *testing.T) {
	res := FromError(xerrors.New(xerrors.CodeToolInvalidArgs, "bad"))
	require.False(t, res.Success)
	require.Equal(t, xerrors.CodeToolInvalidArgs, res.Code)
	require.Equal(t, "bad", res.Error)

	res = FromError(assertErr("plain"))
	require.Equal(t, xerrors.CodeToolFailure, res.Code)
	require.Equal(t, "plain", res.Error)
}

func TestResultToMap(t *testing.T) {
	ok := OK(map[string]any{"n": 1}).ToMap()
	require.Equal(t, true, ok["success"])
	require.Nil(t, ok["error"])
	require.NotContains(t, ok, "code")

	failed := Fail(xerrors.CodeToolNotFound, "").ToMap()
	require.Equal(t, false, failed["success"])
	require.Equal(t, "tool not found", failed["error"])
	require.Equal(t, "TOOL_NOT_FOUND", failed["code"])
}

func TestResultErrAndClone(t *testing.T) {
	require.NoError(t, OK(nil).Err())
	err := Fail(xerrors.CodeTimeout, "timed out").Err()
	require.True(t, xerrors.RetryableError(err))

	orig := OK(map[string]any{"a": 1})
	dup := orig.Clone()
	dup.Data["a"] = 2
	require.Equal(t, 1, orig.Data["a"])
}

func TestPolicyCheck(t *testing.T) {
	deny := Policy{Denied: []Capability{CapabilityExecution}}
	require.NoError(t, deny.Check("http", []Capability{CapabilityNetwork}))
	err := deny.Check("shell", []Capability{CapabilityExecution})
	require.Equal(t, xerrors.CodeToolForbidden, xerrors.CodeOf(err))

	allow := Policy{Allowed: []Capability{CapabilityNetwork}}
	require.NoError(t, allow.Check("http", []Capability{CapabilityNetwork}))
	require.Error(t, allow.Check("file", []Capability{CapabilityFilesystem}))

	both := Policy{Allowed: []Capability{CapabilityNetwork}, Denied: []Capability{CapabilityNetwork}}
	require.Error(t, both.Check("http", []Capability{CapabilityNetwork}))

	merged := Policy{}.Merge(deny)
	require.Equal(t, deny.Denied, merged.Denied)
	require.True(t, Policy{}.Empty())
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
