package plugin

import "tiny-agent/internal/tool"

// Type represents the functional category of a plugin.
type Type string

const (
	// TypeTool plugins contribute tools to the agent registry.
	TypeTool Type = "tool"
	// TypeService plugins run background work next to the agent (watchers, syncers).
	TypeService Type = "service"
)

// Capability expresses optional features a plugin may request access to.
// Plugins and tools share the same capability vocabulary.
type Capability = tool.Capability

const (
	CapabilityFilesystem = tool.CapabilityFilesystem
	CapabilityNetwork    = tool.CapabilityNetwork
	CapabilityExecution  = tool.CapabilityExecution
)

// Info contains descriptive metadata for a plugin implementation.
type Info struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Author       string       `json:"author,omitempty"`
	Version      string       `json:"version,omitempty"`
	Category     Type         `json:"category,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

// State represents the lifecycle position of a plugin instance.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialised State = "initialised"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
)
