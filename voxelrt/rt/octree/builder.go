package octree

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/gekko3d/svo/voxelrt/rt/gpu"
	"github.com/gekko3d/svo/voxelrt/rt/volume"
)

const (
	DefaultNodeCountMin = 1_000_000
	DefaultNodeCountMax = 500_000_000
)

var (
	ErrCapacityExceeded = errors.New("octree: node capacity exceeded")
	ErrAlreadyBuilt     = errors.New("octree: builder already used")
	ErrNotBuilt         = errors.New("octree: build has not completed")
	ErrFragmentsBusy    = errors.New("octree: fragment list is leased by another user")
)

type State int32

const (
	StateUninitialized State = iota
	StateBuilding
	StateBuilt
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBuilding:
		return "building"
	case StateBuilt:
		return "built"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Options sizes the node buffer: clamp(fragments * NodeRatio, NodeCountMin,
// NodeCountMax) words. Zero values take the defaults; NodeRatio defaults to
// level/3.
type Options struct {
	NodeCountMin uint32
	NodeCountMax uint32
	NodeRatio    uint32
}

// NodeCapacity returns the node buffer size in words for a build.
func (o Options) NodeCapacity(fragments, level uint32) uint32 {
	lo, hi := o.NodeCountMin, o.NodeCountMax
	if lo == 0 {
		lo = DefaultNodeCountMin
	}
	if hi == 0 {
		hi = DefaultNodeCountMax
	}
	ratio := o.NodeRatio
	if ratio == 0 {
		ratio = max(level/3, 1)
	}
	n := uint64(fragments) * uint64(ratio)
	n = max(n, uint64(lo))
	n = min(n, uint64(hi))
	return max(uint32(n), BlockSize)
}

type leaser interface {
	TryLease() (func(), bool)
}

// Builder turns a fragment list into a linear octree. Each level runs init,
// tag, alloc and modify-arg passes; the last level stops after tag.
type Builder struct {
	dev       gpu.Device
	fragments volume.Producer
	level     uint32
	count     uint32
	capacity  uint32
	state     atomic.Int32

	counter     *gpu.Counter
	nodes       gpu.Buffer
	buildInfo   gpu.Buffer
	indirect    gpu.Buffer
	diagnostics gpu.Buffer
	staging     gpu.Buffer

	initPipeline, tagPipeline, allocPipeline, modifyPipeline gpu.Pipeline
	initGroup, tagGroup, allocGroup, modifyGroup             gpu.BindGroup
}

// Staging layout: build info, indirect args, counter, diagnostics.
const (
	stagingBuildInfo = 0
	stagingIndirect  = stagingBuildInfo + buildInfoWords
	stagingCounter   = stagingIndirect + 3
	stagingDiag      = stagingCounter + 1
)

// NewBuilder allocates every resource of a build and uploads its initial
// arguments through q. The fragment count is captured here.
func NewBuilder(dev gpu.Device, q gpu.Queue, fragments volume.Producer, opts Options) (*Builder, error) {
	level := fragments.Level()
	if err := volume.ValidateLevel(level); err != nil {
		return nil, err
	}
	b := &Builder{
		dev:       dev,
		fragments: fragments,
		level:     level,
		count:     fragments.Count(),
	}
	b.capacity = opts.NodeCapacity(b.count, level)
	if err := b.init(q); err != nil {
		return nil, multierr.Append(err, b.Release())
	}
	return b, nil
}

func (b *Builder) init(q gpu.Queue) error {
	var err error
	if b.counter, err = gpu.NewCounter(b.dev, "OctreeCounter"); err != nil {
		return err
	}
	buffers := []struct {
		dst   *gpu.Buffer
		label string
		words uint32
		usage gpu.BufferUsage
	}{
		{&b.nodes, "OctreeNodes", b.capacity, gpu.BufferUsageStorage | gpu.BufferUsageCopySrc},
		{&b.buildInfo, "OctreeBuildInfo", buildInfoWords, gpu.BufferUsageStorage | gpu.BufferUsageCopyDst},
		{&b.indirect, "OctreeIndirect", 3, gpu.BufferUsageStorage | gpu.BufferUsageIndirect | gpu.BufferUsageCopyDst},
		{&b.diagnostics, "OctreeDiagnostics", b.diagnosticsWords(), gpu.BufferUsageStorage | gpu.BufferUsageCopyDst},
		{&b.staging, "OctreeStaging", stagingDiag + b.diagnosticsWords(), gpu.BufferUsageCopySrc},
	}
	for _, d := range buffers {
		*d.dst, err = b.dev.CreateBuffer(gpu.BufferDescriptor{
			Label: d.label,
			Size:  uint64(d.words) * WordSize,
			Usage: d.usage,
		})
		if err != nil {
			return fmt.Errorf("failed to create %s buffer: %w", d.label, err)
		}
	}

	staging := make([]uint32, stagingDiag+b.diagnosticsWords())
	staging[stagingBuildInfo+infoAllocBegin] = 0
	staging[stagingBuildInfo+infoAllocNum] = BlockSize
	staging[stagingIndirect] = 1
	staging[stagingIndirect+1] = 1
	staging[stagingIndirect+2] = 1
	if err = q.WriteBuffer(b.staging, 0, staging); err != nil {
		return fmt.Errorf("failed to upload build arguments: %w", err)
	}
	return b.createPipelines()
}

func (b *Builder) diagnosticsWords() uint32 {
	return diagCounts + b.level
}

func (b *Builder) createPipelines() error {
	var err error
	resolution := uint32(1) << b.level
	capacity := map[string]uint32{"NODE_CAPACITY": b.capacity}

	if b.initPipeline, err = b.dev.CreatePipeline(initNodeKernel, nil); err != nil {
		return fmt.Errorf("failed to create init pipeline: %w", err)
	}
	if b.tagPipeline, err = b.dev.CreatePipeline(tagNodeKernel, map[string]uint32{
		"FRAGMENT_NUM":     b.count,
		"VOXEL_RESOLUTION": resolution,
	}); err != nil {
		return fmt.Errorf("failed to create tag pipeline: %w", err)
	}
	if b.allocPipeline, err = b.dev.CreatePipeline(allocNodeKernel, capacity); err != nil {
		return fmt.Errorf("failed to create alloc pipeline: %w", err)
	}
	if b.modifyPipeline, err = b.dev.CreatePipeline(modifyArgKernel, capacity); err != nil {
		return fmt.Errorf("failed to create modify-arg pipeline: %w", err)
	}

	if b.initGroup, err = b.dev.CreateBindGroup(b.initPipeline, b.nodes, b.buildInfo); err != nil {
		return fmt.Errorf("failed to create init bind group: %w", err)
	}
	if b.tagGroup, err = b.dev.CreateBindGroup(b.tagPipeline, b.nodes, b.fragments.Buffer()); err != nil {
		return fmt.Errorf("failed to create tag bind group: %w", err)
	}
	if b.allocGroup, err = b.dev.CreateBindGroup(b.allocPipeline,
		b.counter.Buffer(), b.nodes, b.buildInfo, b.diagnostics); err != nil {
		return fmt.Errorf("failed to create alloc bind group: %w", err)
	}
	if b.modifyGroup, err = b.dev.CreateBindGroup(b.modifyPipeline,
		b.counter.Buffer(), b.buildInfo, b.indirect, b.diagnostics); err != nil {
		return fmt.Errorf("failed to create modify-arg bind group: %w", err)
	}
	return nil
}

func (b *Builder) Level() uint32              { return b.level }
func (b *Builder) Capacity() uint32           { return b.capacity }
func (b *Builder) FragmentCount() uint32      { return b.count }
func (b *Builder) Fragments() volume.Producer { return b.fragments }
func (b *Builder) NodeBuffer() gpu.Buffer     { return b.nodes }
func (b *Builder) State() State               { return State(b.state.Load()) }

// CmdBuild records the whole build into cb. The argument buffers are reset
// from staging first, so the recorded commands start a fresh build.
func (b *Builder) CmdBuild(cb gpu.CommandBuffer) {
	const (
		rw       = gpu.AccessShaderRead | gpu.AccessShaderWrite
		compute  = gpu.StageComputeShader
		indirect = gpu.StageDrawIndirect | gpu.StageComputeShader
	)

	cb.CopyBuffer(b.staging, stagingBuildInfo*WordSize, b.buildInfo, 0, buildInfoWords*WordSize)
	cb.CopyBuffer(b.staging, stagingIndirect*WordSize, b.indirect, 0, 3*WordSize)
	cb.CopyBuffer(b.staging, stagingCounter*WordSize, b.counter.Buffer(), 0, WordSize)
	cb.CopyBuffer(b.staging, stagingDiag*WordSize, b.diagnostics, 0, uint64(b.diagnosticsWords())*WordSize)
	cb.PipelineBarrier(gpu.StageTransfer, indirect,
		gpu.MemoryBarrier(b.buildInfo, gpu.AccessTransferWrite, rw),
		gpu.MemoryBarrier(b.indirect, gpu.AccessTransferWrite, gpu.AccessIndirectRead|gpu.AccessShaderWrite),
		gpu.MemoryBarrier(b.counter.Buffer(), gpu.AccessTransferWrite, rw),
		gpu.MemoryBarrier(b.diagnostics, gpu.AccessTransferWrite, rw),
	)

	tagGroups := gpu.GroupCount64(b.count)
	for i := uint32(1); i <= b.level; i++ {
		cb.DispatchIndirect(b.initPipeline, b.initGroup, b.indirect, 0)
		cb.PipelineBarrier(compute, compute, gpu.MemoryBarrier(b.nodes, gpu.AccessShaderWrite, rw))

		cb.Dispatch(b.tagPipeline, b.tagGroup, tagGroups, 1, 1)
		if i == b.level {
			break
		}
		cb.PipelineBarrier(compute, compute, gpu.MemoryBarrier(b.nodes, gpu.AccessShaderWrite, rw))

		cb.DispatchIndirect(b.allocPipeline, b.allocGroup, b.indirect, 0)
		cb.PipelineBarrier(compute, compute,
			gpu.MemoryBarrier(b.nodes, gpu.AccessShaderWrite, rw),
			gpu.MemoryBarrier(b.counter.Buffer(), gpu.AccessShaderWrite, rw),
			gpu.MemoryBarrier(b.diagnostics, gpu.AccessShaderWrite, rw),
		)

		cb.Dispatch(b.modifyPipeline, b.modifyGroup, 1, 1, 1)
		cb.PipelineBarrier(compute, indirect,
			gpu.MemoryBarrier(b.indirect, gpu.AccessShaderWrite, gpu.AccessIndirectRead|gpu.AccessShaderWrite),
			gpu.MemoryBarrier(b.buildInfo, gpu.AccessShaderWrite, rw),
			gpu.MemoryBarrier(b.diagnostics, gpu.AccessShaderWrite, rw),
		)
	}
}

// CmdTransferOwnership records one half of moving the node buffer between
// queue families. The releasing queue records it with its own family as src,
// the acquiring queue records the same call.
func (b *Builder) CmdTransferOwnership(cb gpu.CommandBuffer, srcFamily, dstFamily uint32, srcStage, dstStage gpu.Stage) {
	cb.PipelineBarrier(srcStage, dstStage, gpu.OwnershipBarrier(b.nodes, srcFamily, dstFamily))
}

// Run records, submits and waits for the build on q. When dstFamily differs
// from q's family the releasing half of the node buffer transfer is appended.
func (b *Builder) Run(ctx context.Context, q gpu.Queue, dstFamily uint32) error {
	if !b.state.CompareAndSwap(int32(StateUninitialized), int32(StateBuilding)) {
		return fmt.Errorf("%w: state %s", ErrAlreadyBuilt, b.State())
	}
	if l, ok := b.fragments.(leaser); ok {
		release, ok := l.TryLease()
		if !ok {
			b.state.Store(int32(StateFailed))
			return ErrFragmentsBusy
		}
		defer release()
	}

	if err := b.run(ctx, q, dstFamily); err != nil {
		b.state.Store(int32(StateFailed))
		return err
	}
	b.state.Store(int32(StateBuilt))
	return nil
}

func (b *Builder) run(ctx context.Context, q gpu.Queue, dstFamily uint32) error {
	cb, err := b.dev.CreateCommandBuffer(q)
	if err != nil {
		return fmt.Errorf("failed to create command buffer: %w", err)
	}
	b.CmdBuild(cb)
	if dstFamily != gpu.QueueFamilyIgnored && dstFamily != q.Family() {
		b.CmdTransferOwnership(cb, q.Family(), dstFamily, gpu.StageComputeShader, gpu.StageBottomOfPipe)
	}
	if err := cb.End(); err != nil {
		return fmt.Errorf("invalid build commands: %w", err)
	}

	fence := b.dev.CreateFence()
	if err := q.Submit(cb, fence); err != nil {
		return fmt.Errorf("failed to submit build: %w", err)
	}
	if err := fence.Wait(ctx); err != nil {
		return fmt.Errorf("build failed: %w", err)
	}

	overflow, err := q.ReadBuffer(b.diagnostics, diagOverflow*WordSize, 1)
	if err != nil {
		return fmt.Errorf("failed to read build diagnostics: %w", err)
	}
	if overflow[0] != 0 {
		return fmt.Errorf("%w: %d words for %d fragments at level %d",
			ErrCapacityExceeded, b.capacity, b.count, b.level)
	}
	return nil
}

// OctreeRange returns the number of bytes of the node buffer in use, root
// block included. It blocks until q is idle.
func (b *Builder) OctreeRange(q gpu.Queue) (uint64, error) {
	v, err := b.counter.Read(q)
	if err != nil {
		return 0, fmt.Errorf("failed to read octree counter: %w", err)
	}
	return (uint64(v) + 1) * BlockSize * WordSize, nil
}

// LevelCounts returns the counter value after each allocating level, in
// level order.
func (b *Builder) LevelCounts(q gpu.Queue) ([]uint32, error) {
	words, err := q.ReadBuffer(b.diagnostics, 0, int(b.diagnosticsWords()))
	if err != nil {
		return nil, fmt.Errorf("failed to read build diagnostics: %w", err)
	}
	n := min(words[diagCursor], b.level)
	return words[diagCounts : diagCounts+n], nil
}

// ReadNodes copies the used part of the node buffer back through q.
func (b *Builder) ReadNodes(q gpu.Queue) ([]uint32, error) {
	size, err := b.OctreeRange(q)
	if err != nil {
		return nil, err
	}
	words := min(size/WordSize, uint64(b.capacity))
	return q.ReadBuffer(b.nodes, 0, int(words))
}

// Release frees the builder's resources. The fragment list is not owned by
// the builder and stays alive.
func (b *Builder) Release() error {
	var err error
	for _, g := range []gpu.BindGroup{b.initGroup, b.tagGroup, b.allocGroup, b.modifyGroup} {
		if g != nil {
			err = multierr.Append(err, g.Release())
		}
	}
	for _, p := range []gpu.Pipeline{b.initPipeline, b.tagPipeline, b.allocPipeline, b.modifyPipeline} {
		if p != nil {
			err = multierr.Append(err, p.Release())
		}
	}
	for _, buf := range []gpu.Buffer{b.nodes, b.buildInfo, b.indirect, b.diagnostics, b.staging} {
		if buf != nil {
			err = multierr.Append(err, buf.Release())
		}
	}
	if b.counter != nil {
		err = multierr.Append(err, b.counter.Release())
	}
	return err
}
