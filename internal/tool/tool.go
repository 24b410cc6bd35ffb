package tool

import (
	"context"
	"fmt"
	"maps"

	xerrors "tiny-agent/internal/errors"
)

// Capability 描述工具需要访问的敏感资源。
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
)

// Known 判断能力是否为已定义的取值。
func (c Capability) Known() bool {
	switch c {
	case CapabilityFilesystem, CapabilityNetwork, CapabilityExecution:
		return true
	}
	return false
}

// Info 是工具的静态描述，Schema 为 JSON Schema 格式的入参说明。
type Info struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Schema       map[string]any `json:"schema,omitempty"`
	Capabilities []Capability   `json:"capabilities,omitempty"`
}

// Tool 是智能体可调用的能力。Execute 不应返回 nil。
type Tool interface {
	Info() Info
	Execute(ctx context.Context, args map[string]any) *Result
}

// Call 描述一次待执行的工具调用。
type Call struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Result 是工具执行的统一返回结构。
type Result struct {
	Success  bool           `json:"success"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Code     xerrors.Code   `json:"code,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// OK 构造成功结果。
func OK(data map[string]any) *Result {
	return &Result{Success: true, Data: data}
}

// Fail 构造失败结果。
func Fail(code xerrors.Code, message string) *Result {
	if message == "" {
		message = xerrors.AttributesOf(code).Message
	}
	return &Result{Success: false, Code: code, Error: message}
}

// Failf 以格式化消息构造失败结果。
func Failf(code xerrors.Code, format string, args ...any) *Result {
	return Fail(code, fmt.Sprintf(format, args...))
}

// FromError 将 error 转换为失败结果，保留统一错误码。
func FromError(err error) *Result {
	if err == nil {
		return OK(nil)
	}
	code := xerrors.CodeOf(err)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeToolFailure
	}
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	return Fail(code, message)
}

// WithData 在失败结果上附带数据，例如命令的退出码与输出。
func (r *Result) WithData(data map[string]any) *Result {
	r.Data = data
	return r
}

// Err 将失败结果转换回 error，成功时返回 nil。
func (r *Result) Err() error {
	if r == nil {
		return xerrors.New(xerrors.CodeToolFailure, "empty result")
	}
	if r.Success {
		return nil
	}
	return xerrors.New(r.Code, r.Error)
}

// Clone 返回结果的浅拷贝，map 字段独立。
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	dup := *r
	dup.Data = maps.Clone(r.Data)
	dup.Metadata = maps.Clone(r.Metadata)
	return &dup
}

// ToMap 将结果转换为可写入记忆存储的结构。
func (r *Result) ToMap() map[string]any {
	if r == nil {
		return nil
	}
	out := map[string]any{
		"success": r.Success,
		"data":    r.Data,
		"error":   nil,
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	if r.Code != "" {
		out["code"] = string(r.Code)
	}
	if len(r.Metadata) > 0 {
		out["metadata"] = r.Metadata
	}
	return out
}
