// Package zio implements the staged asynchronous I/O pipeline of the pool.
//
// Every logical block operation (read, write, free, claim, flush) is one
// pipeline unit: a node in a parent/child DAG that descends through an
// ordered set of stages, transforming data (compression, checksumming),
// allocating space, splitting into gang sub-blocks when contiguous space is
// unavailable, deduplicating by reference count, and finally handing leaf
// requests to the per-device queue. Completion unwinds bottom-up: a parent
// cannot pass a wait point while any counted child is outstanding.
//
// Stage execution never blocks a worker: a stage that must wait rewinds its
// own stage number, parks, and is redispatched by whichever event (child
// ready, child done, device completion) satisfies the wait.
package zio

// Stage is one bit in the strictly increasing pipeline bitmask.
type Stage uint32

const (
	StageOpen Stage = 1 << iota
	StageReadBPInit
	StageFreeBPInit
	StageIssueAsync
	StageWriteBPInit
	StageChecksumGenerate
	StageNopWrite
	StageDDTReadStart
	StageDDTReadDone
	StageDDTWrite
	StageDDTFree
	StageGangAssemble
	StageGangIssue
	StageDVAAllocate
	StageDVAFree
	StageDVAClaim
	StageReady
	StageVdevIOStart
	StageVdevIODone
	StageVdevIOAssess
	StageChecksumVerify
	StageDone

	stageCount = 22
)

// Stage set helpers.
const (
	stagesVdevIO Stage = StageVdevIOStart | StageVdevIODone | StageVdevIOAssess
	stagesGang   Stage = StageGangAssemble | StageGangIssue

	pipelineInterlock = StageOpen | StageReady | StageDone

	pipelineRead = pipelineInterlock | StageReadBPInit |
		stagesVdevIO | StageChecksumVerify

	pipelineDDTRead = pipelineInterlock | StageReadBPInit |
		StageDDTReadStart | StageDDTReadDone

	pipelineWriteCommon = pipelineInterlock | StageChecksumGenerate | stagesVdevIO

	pipelineWrite = pipelineWriteCommon | StageIssueAsync | StageWriteBPInit |
		StageDVAAllocate

	pipelineRewrite = pipelineWriteCommon | StageWriteBPInit

	pipelineDDTWrite = pipelineInterlock | StageIssueAsync | StageWriteBPInit |
		StageChecksumGenerate | StageDDTWrite

	pipelineFree = pipelineInterlock | StageFreeBPInit | StageDVAFree

	pipelineClaim = pipelineInterlock | StageDVAClaim

	pipelineIoctl = pipelineInterlock | stagesVdevIO
)

// String names the highest stage bit set, for logs.
func (s Stage) String() string {
	names := []string{
		"open", "read_bp_init", "free_bp_init", "issue_async",
		"write_bp_init", "checksum_generate", "nop_write",
		"ddt_read_start", "ddt_read_done", "ddt_write", "ddt_free",
		"gang_assemble", "gang_issue", "dva_allocate", "dva_free",
		"dva_claim", "ready", "vdev_io_start", "vdev_io_done",
		"vdev_io_assess", "checksum_verify", "done",
	}
	for i := stageCount - 1; i >= 0; i-- {
		if s&(1<<uint(i)) != 0 {
			return names[i]
		}
	}
	return "none"
}

// pipeRv is a stage function's verdict: keep executing or park.
type pipeRv int

const (
	pipelineContinue pipeRv = iota
	pipelineStop
)

// stageFuncs maps a stage's bit position to its implementation. The open
// stage has no function; execute advances straight past it. Filled in by
// init to keep the table out of the package initialization graph.
var stageFuncs [stageCount]func(*ZIO) pipeRv

func init() {
	stageFuncs = [stageCount]func(*ZIO) pipeRv{
		nil, // open
		(*ZIO).stageReadBPInit,
		(*ZIO).stageFreeBPInit,
		(*ZIO).stageIssueAsync,
		(*ZIO).stageWriteBPInit,
		(*ZIO).stageChecksumGenerate,
		(*ZIO).stageNopWrite,
		(*ZIO).stageDDTReadStart,
		(*ZIO).stageDDTReadDone,
		(*ZIO).stageDDTWrite,
		(*ZIO).stageDDTFree,
		(*ZIO).stageGangAssemble,
		(*ZIO).stageGangIssue,
		(*ZIO).stageDVAAllocate,
		(*ZIO).stageDVAFree,
		(*ZIO).stageDVAClaim,
		(*ZIO).stageReady,
		(*ZIO).stageVdevIOStart,
		(*ZIO).stageVdevIODone,
		(*ZIO).stageVdevIOAssess,
		(*ZIO).stageChecksumVerify,
		(*ZIO).stageDoneFunc,
	}
}

// bitPos returns the index of the single set bit in s.
func bitPos(s Stage) int {
	for i := 0; i < stageCount; i++ {
		if s&(1<<uint(i)) != 0 {
			return i
		}
	}
	return -1
}
