package tool

import (
	"slices"

	xerrors "tiny-agent/internal/errors"
)

// Policy 约束工具可以声明的能力。Denied 优先于 Allowed；
// Allowed 为空表示不限制。
type Policy struct {
	Allowed []Capability `yaml:"allowed" json:"allowed,omitempty"`
	Denied  []Capability `yaml:"denied" json:"denied,omitempty"`
}

// Empty 判断策略是否未设置任何约束。
func (p Policy) Empty() bool {
	return len(p.Allowed) == 0 && len(p.Denied) == 0
}

// Merge 使用 other 的值填充未设置的字段。
func (p Policy) Merge(other Policy) Policy {
	if len(p.Allowed) == 0 {
		p.Allowed = other.Allowed
	}
	if len(p.Denied) == 0 {
		p.Denied = other.Denied
	}
	return p
}

// Check 校验一组能力是否被策略允许。
func (p Policy) Check(name string, capabilities []Capability) error {
	for _, capability := range capabilities {
		if slices.Contains(p.Denied, capability) {
			return xerrors.New(xerrors.CodeToolForbidden,
				"工具 "+name+" 需要的能力 "+string(capability)+" 已被禁止",
				xerrors.WithMetadata("capability", string(capability)))
		}
	}
	if len(p.Allowed) == 0 {
		return nil
	}
	for _, capability := range capabilities {
		if !slices.Contains(p.Allowed, capability) {
			return xerrors.New(xerrors.CodeToolForbidden,
				"工具 "+name+" 需要的能力 "+string(capability)+" 未被允许",
				xerrors.WithMetadata("capability", string(capability)))
		}
	}
	return nil
}
