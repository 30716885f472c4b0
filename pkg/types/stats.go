package types

// CacheStats is a point-in-time snapshot of the adaptive cache.
type CacheStats struct {
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	MRUHits      uint64 `json:"mru_hits"`
	MFUHits      uint64 `json:"mfu_hits"`
	MRUGhostHits uint64 `json:"mru_ghost_hits"`
	MFUGhostHits uint64 `json:"mfu_ghost_hits"`

	Size      int64 `json:"size"`
	Target    int64 `json:"target"`
	MRUTarget int64 `json:"mru_target"`
	MinSize   int64 `json:"min_size"`
	MaxSize   int64 `json:"max_size"`

	AnonSize     int64 `json:"anon_size"`
	MRUSize      int64 `json:"mru_size"`
	MRUGhostSize int64 `json:"mru_ghost_size"`
	MFUSize      int64 `json:"mfu_size"`
	MFUGhostSize int64 `json:"mfu_ghost_size"`
	MetadataSize int64 `json:"metadata_size"`
	DataSize     int64 `json:"data_size"`

	Evictions     uint64 `json:"evictions"`
	EvictSkips    uint64 `json:"evict_skips"`
	MutexMisses   uint64 `json:"mutex_misses"`
	RecycleMisses uint64 `json:"recycle_misses"`
	DeletedGhosts uint64 `json:"deleted_ghosts"`

	L2Size        int64  `json:"l2_size"`
	L2Hits        uint64 `json:"l2_hits"`
	L2Misses      uint64 `json:"l2_misses"`
	L2Writes      uint64 `json:"l2_writes"`
	L2WriteErrors uint64 `json:"l2_write_errors"`
	L2ChecksumBad uint64 `json:"l2_checksum_bad"`
	L2Evictions   uint64 `json:"l2_evictions"`
}

// QueueStats is a point-in-time snapshot of one device queue.
type QueueStats struct {
	Queued [NumQueueablePriorities]int `json:"queued"`
	Active [NumQueueablePriorities]int `json:"active"`

	TotalActive     int    `json:"total_active"`
	Issued          uint64 `json:"issued"`
	Aggregated      uint64 `json:"aggregated"`
	AggregatedBytes uint64 `json:"aggregated_bytes"`
	Shrunk          uint64 `json:"shrunk"`
}

// PipelineStats is a point-in-time snapshot of the I/O pipeline engine.
type PipelineStats struct {
	Created    uint64 `json:"created"`
	Completed  uint64 `json:"completed"`
	Errors     uint64 `json:"errors"`
	Retries    uint64 `json:"retries"`
	Reexecutes uint64 `json:"reexecutes"`
	NopWrites  uint64 `json:"nop_writes"`
	GangWrites uint64 `json:"gang_writes"`
	DedupHits  uint64 `json:"dedup_hits"`
	Suspended  bool   `json:"suspended"`
}
