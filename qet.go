// ABOUTME: Root package carrying the module version and documentation
// ABOUTME: The interpreter, collector, and data structures live in subpackages

// Package qet is a small class-based bytecode interpreter built around a
// concurrent tri-color mark-sweep garbage collector. The collector (package
// gc) never stops the world: mutator goroutines coordinate with a single
// collector goroutine through per-mutator handshake channels. Interned
// strings live in a lock-free ctrie (package intern) whose weak semantics
// are realized by a fourth object color, and object fields live in a
// concurrent open-addressed table (package table).
package qet

// Version is the semantic version of the qet interpreter
const Version = "0.1.0-dev"
