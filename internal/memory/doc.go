// Package memory implements the agent's session-scoped key/value state.
//
// Every Store records an ordered history of set and delete operations next to
// the current values. Values are normalised through JSON so that the memory,
// redis and sqlite backends return identical shapes.
package memory
