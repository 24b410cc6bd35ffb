// Package agent contains the tool-invocation loop at the heart of tiny-agent.
// An Agent owns a tool registry and a memory store; Run repeatedly asks a
// Planner for the next step, executes the requested tool calls concurrently,
// records their results in memory and stops when the planner answers, the
// step budget is exhausted or the context is cancelled.
package agent
