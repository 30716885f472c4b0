/*
Package cache provides the adaptive block cache in front of the I/O pipeline.

The cache balances two competing populations, recently used blocks and
frequently used blocks, and adapts the split between them from observed
misses rather than a fixed policy. A second, persistent tier on a dedicated
device extends the reach of the memory tier at device latency.

# Cache Architecture

	┌─────────────────────────────────────────────┐
	│              Pool Frontend                  │
	│          (block read / write)               │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│            Adaptive Memory Tier             │  ← This Package
	│   recent ↔ frequent, ghost-directed split   │
	└─────────────────────────────────────────────┘
	                      │
	┌──────────────────────┬──────────────────────┐
	│   Second Tier        │     I/O Pipeline     │
	│ (persistent device)  │    (backing pool)    │
	└──────────────────────┴──────────────────────┘

Every cached block is tracked by a header. Headers outlive their data:
after eviction a header lingers on a ghost list, and a later miss on a
ghost is the signal that the evicted population deserves more space. The
target size and the recent/frequent split move continuously under this
feedback.

Lookup is sharded 256 ways; list maintenance is split across sublists so
eviction and insertion proceed concurrently. Eviction never blocks on a
busy sublist, it skips ahead and records the miss.
*/
package cache
