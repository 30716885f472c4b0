// Package types defines the shared contract types of the blockpool engine:
// block pointers and their device virtual addresses, I/O priorities and
// flags, checksum values, and the statistics snapshot structs exported by
// the cache, pipeline, and per-device queue.
//
// The package has no dependencies on the engine internals so that both the
// consumers of the pool and every internal component can import it freely.
package types
