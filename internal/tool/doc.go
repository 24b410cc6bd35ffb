// Package tool defines the contract every agent capability implements, the
// uniform Result returned by an invocation, and the Registry that resolves,
// validates, isolates and times tool calls.
package tool
