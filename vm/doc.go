// Package vm implements the execution engine core: NaN-boxed values
// over a generational-handle arena, a stop-the-world mark/sweep
// collector, a register bytecode interpreter with explicit frame
// stacks, and a cooperative scheduler for goroutines and
// single-assignment futures.
//
// One VM is one world. All state (heap, globals, interning tables,
// tasks) hangs off the VM value; nothing is package-global, so hosts
// can run several isolated instances side by side. The VM is not safe
// for concurrent use: exactly one host goroutine drives Run, Await or
// Step at a time, which is what lets the collector stop the world by
// simply running between instructions.
package vm
