package gpu

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// cpuQueue executes submissions in order on one worker goroutine. Work inside
// a submission fans out across the device's workers.
type cpuQueue struct {
	dev    *CPUDevice
	family uint32

	mu     sync.RWMutex
	jobs   chan func()
	closed bool
	done   chan struct{}
}

func newCPUQueue(dev *CPUDevice, family uint32) *cpuQueue {
	q := &cpuQueue{
		dev:    dev,
		family: family,
		jobs:   make(chan func(), 64),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *cpuQueue) run() {
	defer close(q.done)
	for job := range q.jobs {
		job()
	}
}

func (q *cpuQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()
	<-q.done
}

func (q *cpuQueue) enqueue(job func()) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return fmt.Errorf("%w: queue family %d", ErrReleased, q.family)
	}
	q.jobs <- job
	return nil
}

// call runs fn on the queue and waits for its result.
func (q *cpuQueue) call(fn func() error) error {
	res := make(chan error, 1)
	if err := q.enqueue(func() { res <- fn() }); err != nil {
		return err
	}
	return <-res
}

func (q *cpuQueue) Family() uint32 { return q.family }

func (q *cpuQueue) Submit(cb CommandBuffer, fence Fence) error {
	rec, ok := cb.(*Recorder)
	if !ok {
		return fmt.Errorf("gpu: command buffer %T does not belong to the CPU device", cb)
	}
	if !rec.Ended() {
		return ErrNotEnded
	}
	if rec.Queue() != Queue(q) {
		return ErrWrongQueue
	}
	var cf *cpuFence
	if fence != nil {
		cf, ok = fence.(*cpuFence)
		if !ok {
			return fmt.Errorf("gpu: fence %T does not belong to the CPU device", fence)
		}
	}
	commands := rec.Commands()
	return q.enqueue(func() {
		err := q.execute(commands)
		if cf != nil {
			cf.signal(err)
		}
	})
}

func (q *cpuQueue) WriteBuffer(buf Buffer, offset uint64, words []uint32) error {
	b, err := q.buffer(buf)
	if err != nil {
		return err
	}
	return q.call(func() error {
		if err := b.claim(q.family); err != nil {
			return err
		}
		dst, err := b.span(offset, uint64(len(words))*4)
		if err != nil {
			return err
		}
		for i, w := range words {
			atomic.StoreUint32(&dst[i], w)
		}
		return nil
	})
}

func (q *cpuQueue) ReadBuffer(buf Buffer, offset uint64, count int) ([]uint32, error) {
	b, err := q.buffer(buf)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, count)
	err = q.call(func() error {
		if err := b.claim(q.family); err != nil {
			return err
		}
		src, err := b.span(offset, uint64(count)*4)
		if err != nil {
			return err
		}
		for i := range out {
			out[i] = atomic.LoadUint32(&src[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (q *cpuQueue) WaitIdle() error {
	return q.call(func() error { return nil })
}

func (q *cpuQueue) buffer(buf Buffer) (*cpuBuffer, error) {
	b, ok := buf.(*cpuBuffer)
	if !ok || b == nil {
		return nil, fmt.Errorf("gpu: buffer %T does not belong to the CPU device", buf)
	}
	if b.released.Load() {
		return nil, fmt.Errorf("%w: buffer %q", ErrReleased, b.label)
	}
	return b, nil
}

// span returns the words covering [offset, offset+size).
func (b *cpuBuffer) span(offset, size uint64) ([]uint32, error) {
	if offset%4 != 0 || size%4 != 0 || offset+size > b.size {
		return nil, fmt.Errorf("%w: %q [%d, %d) of %d bytes",
			ErrOutOfBounds, b.label, offset, offset+size, b.size)
	}
	words := b.data()
	if uint64(len(words))*4 < offset+size {
		return nil, fmt.Errorf("%w: buffer %q", ErrReleased, b.label)
	}
	return words[offset/4 : (offset+size)/4], nil
}

// execute runs a command list. Commands between two barriers have no
// ordering guarantee, so they run concurrently.
func (q *cpuQueue) execute(commands []Command) error {
	var batch []Command
	for _, c := range commands {
		if c.Kind != CommandBarrier {
			batch = append(batch, c)
			continue
		}
		if err := q.runBatch(batch); err != nil {
			return err
		}
		batch = batch[:0]
		if err := q.applyBarrier(c); err != nil {
			return err
		}
	}
	return q.runBatch(batch)
}

func (q *cpuQueue) applyBarrier(c Command) error {
	var err error
	for _, b := range c.Barriers {
		if !b.transfers() {
			continue
		}
		cb, cerr := q.buffer(b.Buffer)
		if cerr != nil {
			err = multierr.Append(err, cerr)
			continue
		}
		err = multierr.Append(err, cb.transfer(q.family, b))
	}
	return err
}

func (q *cpuQueue) runBatch(batch []Command) error {
	if len(batch) == 0 {
		return nil
	}
	// Ownership is checked before anything runs so a violation leaves
	// the buffers untouched.
	for _, c := range batch {
		for _, a := range c.accesses() {
			b, err := q.buffer(a.buffer)
			if err != nil {
				return err
			}
			if err := b.claim(q.family); err != nil {
				return err
			}
		}
	}
	if len(batch) == 1 {
		return q.runCommand(batch[0])
	}
	var g errgroup.Group
	for _, c := range batch {
		g.Go(func() error { return q.runCommand(c) })
	}
	return g.Wait()
}

func (q *cpuQueue) runCommand(c Command) error {
	switch c.Kind {
	case CommandCopy:
		return q.copyBuffer(c)
	case CommandDispatch:
		return q.dispatch(c.Pipeline, c.BindGroup, c.Groups)
	case CommandDispatchIndirect:
		ib, err := q.buffer(c.Indirect)
		if err != nil {
			return err
		}
		args, err := ib.span(c.IndirectOffset, 12)
		if err != nil {
			return err
		}
		groups := [3]uint32{
			atomic.LoadUint32(&args[0]),
			atomic.LoadUint32(&args[1]),
			atomic.LoadUint32(&args[2]),
		}
		return q.dispatch(c.Pipeline, c.BindGroup, groups)
	}
	return fmt.Errorf("gpu: unexpected %s command", c.Kind)
}

func (q *cpuQueue) copyBuffer(c Command) error {
	src, err := q.buffer(c.Src)
	if err != nil {
		return err
	}
	dst, err := q.buffer(c.Dst)
	if err != nil {
		return err
	}
	from, err := src.span(c.SrcOffset, c.Size)
	if err != nil {
		return err
	}
	to, err := dst.span(c.DstOffset, c.Size)
	if err != nil {
		return err
	}
	for i := range from {
		atomic.StoreUint32(&to[i], atomic.LoadUint32(&from[i]))
	}
	return nil
}

func (q *cpuQueue) dispatch(p Pipeline, bg BindGroup, groups [3]uint32) error {
	cp, ok := p.(*cpuPipeline)
	if !ok {
		return fmt.Errorf("gpu: pipeline %T does not belong to the CPU device", p)
	}
	cbg, ok := bg.(*cpuBindGroup)
	if !ok {
		return fmt.Errorf("gpu: bind group %T does not belong to the CPU device", bg)
	}
	total := uint64(groups[0]) * uint64(groups[1]) * uint64(groups[2])
	if total == 0 {
		return nil
	}

	slots := make([][]uint32, cbg.slotCount)
	for i, b := range cp.kernel.Bindings {
		slots[b.Slot] = cbg.buffers[i].data()
	}

	workers := uint64(q.dev.workers)
	chunk := total / (workers * 4)
	if chunk == 0 {
		chunk = 1
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(int(workers))
	for start := uint64(0); start < total; start += chunk {
		end := min(start+chunk, total)
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			return runWorkgroups(cp, slots, groups, start, end)
		})
	}
	return g.Wait()
}

// runWorkgroups runs the flattened workgroup range [start, end).
func runWorkgroups(p *cpuPipeline, slots [][]uint32, groups [3]uint32, start, end uint64) (err error) {
	k := p.kernel
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gpu: kernel %q panicked: %v", k.Label, r)
		}
	}()
	size := max(k.WorkgroupSize, 1)
	inv := Invocation{
		NumWorkgroups: groups,
		constants:     p.constants,
		slots:         slots,
	}
	gx, gy := uint64(groups[0]), uint64(groups[1])
	for flat := start; flat < end; flat++ {
		wg := [3]uint32{
			uint32(flat % gx),
			uint32((flat / gx) % gy),
			uint32(flat / (gx * gy)),
		}
		inv.WorkgroupID = wg
		for local := uint32(0); local < size; local++ {
			inv.LocalID = local
			inv.GlobalID = [3]uint32{wg[0]*size + local, wg[1], wg[2]}
			k.Invoke(&inv)
		}
	}
	return nil
}
