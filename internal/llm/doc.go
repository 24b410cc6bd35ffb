// Package llm defines the provider-neutral chat contract used by the LLM
// planner: messages, tool specifications exposed for function calling, and
// the tool calls a model may request in its reply. Provider adapters live in
// sub-packages.
package llm
