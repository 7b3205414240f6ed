package gpu

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
)

// CPUDeviceOptions configures the CPU backend.
type CPUDeviceOptions struct {
	// SeparateLoaderFamily gives the loader queue its own queue family, so
	// buffers produced on it must be transferred before the main queue may
	// use them.
	SeparateLoaderFamily bool
	// Workers bounds how many workgroups run at once. Zero means GOMAXPROCS.
	Workers int
}

// CPUDevice runs kernels on goroutines. It follows the same ordering rules as
// an accelerator: commands between two barriers run concurrently and buffers
// belong to one queue family at a time.
type CPUDevice struct {
	workers int
	main    *cpuQueue
	loader  *cpuQueue

	mu       sync.Mutex
	buffers  map[*cpuBuffer]struct{}
	released bool
}

func NewCPUDevice(opts CPUDeviceOptions) *CPUDevice {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	d := &CPUDevice{
		workers: workers,
		buffers: make(map[*cpuBuffer]struct{}),
	}
	d.main = newCPUQueue(d, 0)
	if opts.SeparateLoaderFamily {
		d.loader = newCPUQueue(d, 1)
	} else {
		d.loader = newCPUQueue(d, 0)
	}
	return d
}

func (d *CPUDevice) MainQueue() Queue   { return d.main }
func (d *CPUDevice) LoaderQueue() Queue { return d.loader }

func (d *CPUDevice) CreateBuffer(desc BufferDescriptor) (Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, ErrReleased
	}
	size := AlignWords(desc.Size)
	b := &cpuBuffer{
		label:      desc.Label,
		size:       size,
		usage:      desc.Usage,
		words:      make([]uint32, size/4),
		owner:      QueueFamilyIgnored,
		releasedTo: QueueFamilyIgnored,
	}
	d.buffers[b] = struct{}{}
	return b, nil
}

func (d *CPUDevice) CreatePipeline(k *Kernel, constants map[string]uint32) (Pipeline, error) {
	if k == nil || k.Invoke == nil {
		return nil, fmt.Errorf("%w: %q", ErrMissingKernel, kernelLabel(k))
	}
	values, err := resolveConstants(k, constants)
	if err != nil {
		return nil, err
	}
	return &cpuPipeline{kernel: k, constants: values}, nil
}

func (d *CPUDevice) CreateBindGroup(p Pipeline, buffers ...Buffer) (BindGroup, error) {
	cp, ok := p.(*cpuPipeline)
	if !ok {
		return nil, fmt.Errorf("gpu: pipeline %T does not belong to the CPU device", p)
	}
	if len(buffers) < len(cp.kernel.Bindings) {
		return nil, fmt.Errorf("%w: kernel %q needs %d buffers, got %d",
			ErrMissingBinding, cp.kernel.Label, len(cp.kernel.Bindings), len(buffers))
	}
	maxSlot := uint32(0)
	for _, b := range cp.kernel.Bindings {
		if b.Slot > maxSlot {
			maxSlot = b.Slot
		}
	}
	bufs := make([]*cpuBuffer, len(cp.kernel.Bindings))
	for i := range cp.kernel.Bindings {
		cb, ok := buffers[i].(*cpuBuffer)
		if !ok || cb == nil {
			return nil, fmt.Errorf("%w: binding %d of kernel %q", ErrMissingBinding, i, cp.kernel.Label)
		}
		bufs[i] = cb
	}
	return &cpuBindGroup{pipeline: cp, buffers: bufs, slotCount: maxSlot + 1}, nil
}

func (d *CPUDevice) CreateCommandBuffer(q Queue) (CommandBuffer, error) {
	if _, ok := q.(*cpuQueue); !ok {
		return nil, fmt.Errorf("%w: %T", ErrWrongQueue, q)
	}
	return NewRecorder(q), nil
}

func (d *CPUDevice) CreateFence() Fence {
	return newCPUFence()
}

// Release stops both queues and frees every buffer still alive.
func (d *CPUDevice) Release() error {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return nil
	}
	d.released = true
	buffers := make([]*cpuBuffer, 0, len(d.buffers))
	for b := range d.buffers {
		buffers = append(buffers, b)
	}
	d.mu.Unlock()

	d.main.close()
	if d.loader != d.main {
		d.loader.close()
	}
	var err error
	for _, b := range buffers {
		err = multierr.Append(err, b.Release())
	}
	return err
}

func kernelLabel(k *Kernel) string {
	if k == nil {
		return "<nil>"
	}
	return k.Label
}

func resolveConstants(k *Kernel, constants map[string]uint32) ([]uint32, error) {
	values := make([]uint32, len(k.Constants))
	for i, name := range k.Constants {
		v, ok := constants[name]
		if !ok {
			return nil, fmt.Errorf("gpu: kernel %q: missing constant %s", k.Label, name)
		}
		values[i] = v
	}
	return values, nil
}

type cpuBuffer struct {
	label string
	size  uint64
	usage BufferUsage
	words []uint32

	mu         sync.Mutex
	owner      uint32
	releasedTo uint32
	released   atomic.Bool
}

func (b *cpuBuffer) Label() string      { return b.label }
func (b *cpuBuffer) Size() uint64       { return b.size }
func (b *cpuBuffer) Usage() BufferUsage { return b.usage }

func (b *cpuBuffer) Release() error {
	if b.released.Swap(true) {
		return nil
	}
	b.mu.Lock()
	b.words = nil
	b.mu.Unlock()
	return nil
}

// data snapshots the backing words. Release drops them under b.mu, so a
// snapshot taken before stays valid for the running command.
func (b *cpuBuffer) data() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.words
}

// claim checks that family may touch the buffer. The first family to use an
// unowned buffer becomes its owner.
func (b *cpuBuffer) claim(family uint32) error {
	if b.released.Load() {
		return fmt.Errorf("%w: buffer %q", ErrReleased, b.label)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.owner {
	case QueueFamilyIgnored:
		b.owner = family
		return nil
	case family:
		return nil
	}
	return fmt.Errorf("%w: buffer %q is owned by family %d, accessed from family %d",
		ErrOwnership, b.label, b.owner, family)
}

// transfer applies one half of an ownership transfer executed on family.
func (b *cpuBuffer) transfer(family uint32, bar BufferBarrier) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch family {
	case bar.SrcQueueFamily:
		if b.owner != QueueFamilyIgnored && b.owner != family {
			return fmt.Errorf("%w: release of %q from family %d, owned by %d",
				ErrOwnership, b.label, family, b.owner)
		}
		b.releasedTo = bar.DstQueueFamily
		return nil
	case bar.DstQueueFamily:
		if b.releasedTo != family {
			return fmt.Errorf("%w: acquire of %q by family %d without matching release",
				ErrOwnership, b.label, family)
		}
		b.owner = family
		b.releasedTo = QueueFamilyIgnored
		return nil
	}
	return fmt.Errorf("%w: transfer of %q recorded on unrelated family %d",
		ErrOwnership, b.label, family)
}

// Owner returns the queue family currently owning b, or QueueFamilyIgnored.
func (b *cpuBuffer) Owner() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.owner
}

type cpuPipeline struct {
	kernel    *Kernel
	constants []uint32
}

func (p *cpuPipeline) Kernel() *Kernel { return p.kernel }
func (p *cpuPipeline) Release() error  { return nil }

type cpuBindGroup struct {
	pipeline  *cpuPipeline
	buffers   []*cpuBuffer
	slotCount uint32
}

func (g *cpuBindGroup) Pipeline() Pipeline { return g.pipeline }

func (g *cpuBindGroup) Buffers() []Buffer {
	out := make([]Buffer, len(g.buffers))
	for i, b := range g.buffers {
		out[i] = b
	}
	return out
}

func (g *cpuBindGroup) Release() error { return nil }

type cpuFence struct {
	mu   sync.Mutex
	done chan struct{}
	err  error
}

func newCPUFence() *cpuFence {
	return &cpuFence{done: make(chan struct{})}
}

func (f *cpuFence) signal(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return
	default:
	}
	f.err = err
	close(f.done)
}

func (f *cpuFence) Wait(ctx context.Context) error {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()
	select {
	case <-done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *cpuFence) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done = make(chan struct{})
	f.err = nil
}
