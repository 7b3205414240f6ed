package core

import (
	"fmt"
	"sync"

	"github.com/gekko3d/svo/voxelrt/rt/gpu"
	"github.com/gekko3d/svo/voxelrt/rt/octree"
)

// Consumer takes over finished builds. The renderer binds Buffer() and reads
// Range() bytes of it.
type Consumer interface {
	Update(q gpu.Queue, b *octree.Builder) error
	Empty() bool
	Level() uint32
	Buffer() gpu.Buffer
	Range() uint64
}

// Octree is the live octree. It owns the builder it was last updated with
// and releases the previous one on update.
type Octree struct {
	mu      sync.RWMutex
	builder *octree.Builder
	size    uint64
	logger  Logger
}

func NewOctree(logger Logger) *Octree {
	return &Octree{logger: OrNop(logger)}
}

// Update adopts a built builder. q must be the queue the build ran on; the
// node buffer must already be usable by the queues that read it.
func (o *Octree) Update(q gpu.Queue, b *octree.Builder) error {
	if b == nil || b.State() != octree.StateBuilt {
		return octree.ErrNotBuilt
	}
	size, err := b.OctreeRange(q)
	if err != nil {
		return fmt.Errorf("failed to read octree range: %w", err)
	}

	o.mu.Lock()
	old := o.builder
	o.builder = b
	o.size = size
	o.mu.Unlock()

	o.logger.Infof("Octree updated: level %d, %d bytes of %d", b.Level(), size, uint64(b.Capacity())*octree.WordSize)
	if old != nil && old != b {
		if err := old.Release(); err != nil {
			o.logger.Warnf("Failed to release previous octree: %v", err)
		}
	}
	return nil
}

func (o *Octree) Empty() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.builder == nil
}

func (o *Octree) Level() uint32 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.builder == nil {
		return 0
	}
	return o.builder.Level()
}

func (o *Octree) Buffer() gpu.Buffer {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.builder == nil {
		return nil
	}
	return o.builder.NodeBuffer()
}

func (o *Octree) Range() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.size
}

// Nodes reads the used part of the node buffer through q.
func (o *Octree) Nodes(q gpu.Queue) ([]uint32, error) {
	o.mu.RLock()
	b, size := o.builder, o.size
	o.mu.RUnlock()
	if b == nil {
		return nil, nil
	}
	return q.ReadBuffer(b.NodeBuffer(), 0, int(size/octree.WordSize))
}

// Voxel looks up the color of one voxel.
func (o *Octree) Voxel(q gpu.Queue, x, y, z uint32) (uint32, bool, error) {
	nodes, err := o.Nodes(q)
	if err != nil {
		return 0, false, err
	}
	rgb, ok := octree.Lookup(nodes, o.Level(), x, y, z)
	return rgb, ok, nil
}

func (o *Octree) Release() error {
	o.mu.Lock()
	b := o.builder
	o.builder = nil
	o.size = 0
	o.mu.Unlock()
	if b == nil {
		return nil
	}
	return b.Release()
}

var _ Consumer = (*Octree)(nil)
