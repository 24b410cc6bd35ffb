// Package web3 houses the read-only blockchain access used by the chain_query
// tool: a Client abstraction over EVM JSON-RPC endpoints and the snapshot
// types it returns. Concrete clients live in sub-packages such as ethereum,
// and provider keeps a named set of them.
package web3
