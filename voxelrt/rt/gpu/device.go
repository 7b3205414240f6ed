package gpu

import (
	"context"
	"errors"
)

// QueueFamilyIgnored marks a buffer that no queue family has claimed yet, or a
// barrier that does not transfer ownership.
const QueueFamilyIgnored = ^uint32(0)

var (
	ErrHazard         = errors.New("gpu: unsynchronized buffer access")
	ErrOwnership      = errors.New("gpu: buffer not owned by queue family")
	ErrReleased       = errors.New("gpu: use of released resource")
	ErrNotEnded       = errors.New("gpu: command buffer not ended")
	ErrAlreadyEnded   = errors.New("gpu: command buffer already ended")
	ErrWrongQueue     = errors.New("gpu: command buffer recorded for another queue")
	ErrOutOfBounds    = errors.New("gpu: buffer range out of bounds")
	ErrMissingKernel  = errors.New("gpu: kernel has no implementation for this backend")
	ErrMissingBinding = errors.New("gpu: bind group does not cover kernel binding")
)

// Stage is a pipeline stage mask used by barriers.
type Stage uint32

const (
	StageTopOfPipe Stage = 1 << iota
	StageDrawIndirect
	StageComputeShader
	StageTransfer
	StageHost
	StageBottomOfPipe
)

// Access is a memory access mask.
type Access uint32

const (
	AccessIndirectRead Access = 1 << iota
	AccessShaderRead
	AccessShaderWrite
	AccessTransferRead
	AccessTransferWrite
	AccessHostRead
	AccessHostWrite
)

const writeAccesses = AccessShaderWrite | AccessTransferWrite | AccessHostWrite

func (a Access) Writes() bool { return a&writeAccesses != 0 }

type BufferUsage uint32

const (
	BufferUsageStorage BufferUsage = 1 << iota
	BufferUsageIndirect
	BufferUsageCopySrc
	BufferUsageCopyDst
	BufferUsageMapRead
	BufferUsageMapWrite
)

type BufferDescriptor struct {
	Label string
	Size  uint64 // bytes, rounded up to a whole word
	Usage BufferUsage
}

// Buffer is accelerator memory addressed in 32-bit words.
type Buffer interface {
	Label() string
	Size() uint64
	Usage() BufferUsage
	Release() error
}

// BufferBarrier makes writes to Buffer visible to later accesses, and
// optionally moves the buffer between queue families when SrcQueueFamily and
// DstQueueFamily differ. A transfer must be recorded twice: once on the
// releasing queue and once on the acquiring queue.
type BufferBarrier struct {
	Buffer         Buffer
	SrcAccess      Access
	DstAccess      Access
	SrcQueueFamily uint32
	DstQueueFamily uint32
}

// MemoryBarrier returns a barrier on buf without an ownership transfer.
func MemoryBarrier(buf Buffer, src, dst Access) BufferBarrier {
	return BufferBarrier{
		Buffer:         buf,
		SrcAccess:      src,
		DstAccess:      dst,
		SrcQueueFamily: QueueFamilyIgnored,
		DstQueueFamily: QueueFamilyIgnored,
	}
}

// OwnershipBarrier returns a queue family transfer barrier for buf.
func OwnershipBarrier(buf Buffer, srcFamily, dstFamily uint32) BufferBarrier {
	return BufferBarrier{
		Buffer:         buf,
		SrcQueueFamily: srcFamily,
		DstQueueFamily: dstFamily,
	}
}

func (b BufferBarrier) transfers() bool {
	return b.SrcQueueFamily != b.DstQueueFamily &&
		b.SrcQueueFamily != QueueFamilyIgnored && b.DstQueueFamily != QueueFamilyIgnored
}

// Binding declares how a kernel uses the buffer bound at Slot.
type Binding struct {
	Slot   uint32
	Access Access
}

// Kernel is a compute program with a WGSL source for accelerator backends and
// an Invoke function that the CPU backend runs once per invocation.
// Constants lists the names of specialization constants, in the order the CPU
// implementation reads them with Invocation.Constant.
type Kernel struct {
	Label         string
	EntryPoint    string
	WGSL          string
	WorkgroupSize uint32
	Bindings      []Binding
	Constants     []string
	Invoke        func(inv *Invocation)
}

type Pipeline interface {
	Kernel() *Kernel
	Release() error
}

// BindGroup binds one buffer per kernel binding, in Kernel.Bindings order.
type BindGroup interface {
	Pipeline() Pipeline
	Buffers() []Buffer
	Release() error
}

// CommandBuffer records work for a single queue. Nothing recorded is ordered
// against anything else unless a PipelineBarrier separates it.
type CommandBuffer interface {
	Queue() Queue
	CopyBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset uint64, size uint64)
	Dispatch(p Pipeline, bg BindGroup, x, y, z uint32)
	DispatchIndirect(p Pipeline, bg BindGroup, indirect Buffer, offset uint64)
	PipelineBarrier(src, dst Stage, barriers ...BufferBarrier)
	End() error
	Commands() []Command
}

// Queue is an independently scheduled command stream. Host reads and writes
// issued through a queue are ordered with the queue's submissions.
type Queue interface {
	Family() uint32
	Submit(cb CommandBuffer, fence Fence) error
	WriteBuffer(buf Buffer, offset uint64, words []uint32) error
	ReadBuffer(buf Buffer, offset uint64, count int) ([]uint32, error)
	WaitIdle() error
}

// Fence is signalled when a submission finishes. It carries the submission's
// execution error, if any.
type Fence interface {
	Wait(ctx context.Context) error
	Reset()
}

type Device interface {
	MainQueue() Queue
	LoaderQueue() Queue
	CreateBuffer(desc BufferDescriptor) (Buffer, error)
	CreatePipeline(k *Kernel, constants map[string]uint32) (Pipeline, error)
	CreateBindGroup(p Pipeline, buffers ...Buffer) (BindGroup, error)
	CreateCommandBuffer(q Queue) (CommandBuffer, error)
	CreateFence() Fence
	Release() error
}

// GroupCount64 returns the number of 64-wide workgroups covering n items.
func GroupCount64(n uint32) uint32 {
	return (n >> 6) + boolToUint32(n&0x3f != 0)
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// AlignWords rounds size up to a whole number of 32-bit words.
func AlignWords(size uint64) uint64 {
	if size%4 != 0 {
		size += 4 - (size % 4)
	}
	return size
}
