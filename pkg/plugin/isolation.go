package plugin

import (
	"errors"
	"fmt"
	"slices"

	"tiny-agent/internal/tool"
)

// IsolationPolicy governs the capabilities a plugin and its tools may use.
// It has the same semantics as the tool registry policy: denied wins, an
// empty allow list permits everything not denied.
type IsolationPolicy = tool.Policy

// IsolationStrategy decides whether a plugin, and each tool it exports, may
// run under a policy. Prepare and Cleanup bracket the plugin's Start/Stop.
type IsolationStrategy interface {
	Validate(info Info, policy IsolationPolicy) error
	ValidateTool(plugin Info, t tool.Info, policy IsolationPolicy) error
	Prepare(info Info) error
	Cleanup(info Info) error
}

// PolicyStrategy enforces capability policies without any process sandbox.
type PolicyStrategy struct{}

// Validate rejects plugins whose declared capabilities the policy forbids.
// A plugin that declares capabilities must run under a non-empty policy.
func (PolicyStrategy) Validate(info Info, policy IsolationPolicy) error {
	if len(info.Capabilities) > 0 && policy.Empty() {
		return errors.New("plugins declaring capabilities require an isolation policy")
	}
	return policy.Check(info.ID, info.Capabilities)
}

// ValidateTool limits a tool to the capabilities its plugin declared and the
// policy permits.
func (PolicyStrategy) ValidateTool(plugin Info, t tool.Info, policy IsolationPolicy) error {
	for _, capability := range t.Capabilities {
		if !slices.Contains(plugin.Capabilities, capability) {
			return fmt.Errorf("plugin %s tool %s uses undeclared capability %s", plugin.ID, t.Name, capability)
		}
	}
	if err := policy.Check(t.Name, t.Capabilities); err != nil {
		return fmt.Errorf("plugin %s: %w", plugin.ID, err)
	}
	return nil
}

// Prepare implements IsolationStrategy.
func (PolicyStrategy) Prepare(Info) error { return nil }

// Cleanup implements IsolationStrategy.
func (PolicyStrategy) Cleanup(Info) error { return nil }

func orDefaultStrategy(strategy IsolationStrategy) IsolationStrategy {
	if strategy == nil {
		return PolicyStrategy{}
	}
	return strategy
}

// MergePolicies layers a plugin specific policy over the defaults.
func MergePolicies(defaults IsolationPolicy, plugin *IsolationPolicy) IsolationPolicy {
	if plugin == nil || plugin.Empty() {
		return defaults
	}
	return plugin.Merge(defaults)
}
