// Package config holds the tunable surface of the blockpool engine.
//
// Every numeric policy constant of the cache, pipeline, and device queue is
// exposed here with its documented default: the defaults match the behavior
// the engine was tuned for, but none of them is load-bearing for
// correctness, only for performance characteristics.
//
// Configuration is loaded from YAML files and overridable from environment
// variables prefixed with BLOCKPOOL_.
package config
