// Package builtin provides the default tool set: HTTP requests, file
// operations, shell commands and read-only EVM chain queries.
package builtin
