// Package webgpu runs the accelerator abstraction on a WebGPU device.
//
// WebGPU orders storage buffer accesses between dispatches and exposes a
// single queue, so barriers and ownership transfers recorded by callers are
// validated but translate to nothing here.
package webgpu

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/gekko3d/svo/voxelrt/rt/gpu"
)

type Device struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *queue
}

// NewDevice opens the high performance adapter without a surface.
func NewDevice() (*Device, error) {
	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("failed to request adapter: %w", err)
	}
	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("failed to request device: %w", err)
	}
	d := &Device{instance: instance, adapter: adapter, device: device}
	d.queue = &queue{dev: d, q: device.GetQueue()}
	return d, nil
}

func (d *Device) MainQueue() gpu.Queue   { return d.queue }
func (d *Device) LoaderQueue() gpu.Queue { return d.queue }

func (d *Device) CreateBuffer(desc gpu.BufferDescriptor) (gpu.Buffer, error) {
	size := gpu.AlignWords(desc.Size)
	if size == 0 {
		size = 4
	}
	b, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: desc.Label,
		Size:  size,
		Usage: toUsage(desc.Usage),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer %q: %w", desc.Label, err)
	}
	return &buffer{label: desc.Label, size: size, usage: desc.Usage, buf: b}, nil
}

func toUsage(u gpu.BufferUsage) wgpu.BufferUsage {
	// Every buffer can be written and read back through the queue.
	out := wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc
	if u&gpu.BufferUsageStorage != 0 {
		out |= wgpu.BufferUsageStorage
	}
	if u&gpu.BufferUsageIndirect != 0 {
		out |= wgpu.BufferUsageIndirect | wgpu.BufferUsageStorage
	}
	return out
}

// CreatePipeline compiles the kernel's WGSL with its constants prepended as
// module scope declarations.
func (d *Device) CreatePipeline(k *gpu.Kernel, constants map[string]uint32) (gpu.Pipeline, error) {
	if k == nil || k.WGSL == "" {
		return nil, fmt.Errorf("%w: no WGSL source", gpu.ErrMissingKernel)
	}
	var src strings.Builder
	for _, name := range k.Constants {
		v, ok := constants[name]
		if !ok {
			return nil, fmt.Errorf("kernel %q: missing constant %s", k.Label, name)
		}
		fmt.Fprintf(&src, "const %s: u32 = %du;\n", name, v)
	}
	src.WriteString(k.WGSL)

	module, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label: k.Label,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{
			Code: src.String(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create shader module %q: %w", k.Label, err)
	}
	defer module.Release()

	p, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label: k.Label,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: k.EntryPoint,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline %q: %w", k.Label, err)
	}
	return &pipeline{kernel: k, p: p}, nil
}

func (d *Device) CreateBindGroup(p gpu.Pipeline, buffers ...gpu.Buffer) (gpu.BindGroup, error) {
	wp, ok := p.(*pipeline)
	if !ok {
		return nil, fmt.Errorf("pipeline %T does not belong to the WebGPU device", p)
	}
	k := wp.kernel
	if len(buffers) < len(k.Bindings) {
		return nil, fmt.Errorf("%w: kernel %q needs %d buffers, got %d",
			gpu.ErrMissingBinding, k.Label, len(k.Bindings), len(buffers))
	}
	entries := make([]wgpu.BindGroupEntry, len(k.Bindings))
	for i, b := range k.Bindings {
		wb, ok := buffers[i].(*buffer)
		if !ok {
			return nil, fmt.Errorf("%w: binding %d of kernel %q", gpu.ErrMissingBinding, i, k.Label)
		}
		entries[i] = wgpu.BindGroupEntry{Binding: b.Slot, Buffer: wb.buf, Size: wgpu.WholeSize}
	}
	layout := wp.p.GetBindGroupLayout(0)
	defer layout.Release()
	bg, err := d.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   k.Label,
		Layout:  layout,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bind group %q: %w", k.Label, err)
	}
	return &bindGroup{pipeline: wp, buffers: append([]gpu.Buffer(nil), buffers[:len(k.Bindings)]...), bg: bg}, nil
}

func (d *Device) CreateCommandBuffer(q gpu.Queue) (gpu.CommandBuffer, error) {
	if q != gpu.Queue(d.queue) {
		return nil, gpu.ErrWrongQueue
	}
	return gpu.NewRecorder(q), nil
}

func (d *Device) CreateFence() gpu.Fence {
	return &fence{dev: d}
}

func (d *Device) Release() error {
	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
	return nil
}

type buffer struct {
	label string
	size  uint64
	usage gpu.BufferUsage
	buf   *wgpu.Buffer
}

func (b *buffer) Label() string          { return b.label }
func (b *buffer) Size() uint64           { return b.size }
func (b *buffer) Usage() gpu.BufferUsage { return b.usage }

func (b *buffer) Release() error {
	if b.buf == nil {
		return nil
	}
	b.buf.Release()
	b.buf = nil
	return nil
}

type pipeline struct {
	kernel *gpu.Kernel
	p      *wgpu.ComputePipeline
}

func (p *pipeline) Kernel() *gpu.Kernel { return p.kernel }

func (p *pipeline) Release() error {
	p.p.Release()
	return nil
}

type bindGroup struct {
	pipeline *pipeline
	buffers  []gpu.Buffer
	bg       *wgpu.BindGroup
}

func (g *bindGroup) Pipeline() gpu.Pipeline { return g.pipeline }
func (g *bindGroup) Buffers() []gpu.Buffer  { return g.buffers }

func (g *bindGroup) Release() error {
	g.bg.Release()
	return nil
}

// fence waits by polling the device until all submitted work is done.
type fence struct {
	dev *Device
	err error
}

func (f *fence) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.dev.device.Poll(true, nil)
	return f.err
}

func (f *fence) Reset() { f.err = nil }

type queue struct {
	dev *Device
	q   *wgpu.Queue
}

func (q *queue) Family() uint32 { return 0 }

func (q *queue) Submit(cb gpu.CommandBuffer, f gpu.Fence) error {
	rec, ok := cb.(*gpu.Recorder)
	if !ok {
		return fmt.Errorf("command buffer %T does not belong to the WebGPU device", cb)
	}
	if !rec.Ended() {
		return gpu.ErrNotEnded
	}
	if rec.Queue() != gpu.Queue(q) {
		return gpu.ErrWrongQueue
	}
	encoder, err := q.dev.device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("failed to create command encoder: %w", err)
	}
	defer encoder.Release()

	if err := encode(encoder, rec.Commands()); err != nil {
		return err
	}
	cmdBuf, err := encoder.Finish(nil)
	if err != nil {
		return fmt.Errorf("failed to finish command buffer: %w", err)
	}
	defer cmdBuf.Release()
	q.q.Submit(cmdBuf)

	if wf, ok := f.(*fence); ok {
		wf.err = nil
	}
	return nil
}

// encode translates recorded commands. Consecutive dispatches share one
// compute pass.
func encode(encoder *wgpu.CommandEncoder, commands []gpu.Command) error {
	var pass *wgpu.ComputePassEncoder
	endPass := func() {
		if pass != nil {
			pass.End()
			pass.Release()
			pass = nil
		}
	}
	defer endPass()

	for _, c := range commands {
		switch c.Kind {
		case gpu.CommandBarrier:
			continue
		case gpu.CommandCopy:
			endPass()
			src, ok1 := c.Src.(*buffer)
			dst, ok2 := c.Dst.(*buffer)
			if !ok1 || !ok2 {
				return fmt.Errorf("copy between foreign buffers %T -> %T", c.Src, c.Dst)
			}
			encoder.CopyBufferToBuffer(src.buf, c.SrcOffset, dst.buf, c.DstOffset, c.Size)
		case gpu.CommandDispatch, gpu.CommandDispatchIndirect:
			p, ok1 := c.Pipeline.(*pipeline)
			bg, ok2 := c.BindGroup.(*bindGroup)
			if !ok1 || !ok2 {
				return fmt.Errorf("dispatch with foreign pipeline %T or bind group %T", c.Pipeline, c.BindGroup)
			}
			if pass == nil {
				pass = encoder.BeginComputePass(nil)
			}
			pass.SetPipeline(p.p)
			pass.SetBindGroup(0, bg.bg, nil)
			if c.Kind == gpu.CommandDispatch {
				pass.DispatchWorkgroups(c.Groups[0], c.Groups[1], c.Groups[2])
				continue
			}
			ib, ok := c.Indirect.(*buffer)
			if !ok {
				return fmt.Errorf("indirect dispatch from foreign buffer %T", c.Indirect)
			}
			pass.DispatchWorkgroupsIndirect(ib.buf, c.IndirectOffset)
		}
	}
	return nil
}

func (q *queue) WriteBuffer(buf gpu.Buffer, offset uint64, words []uint32) error {
	b, ok := buf.(*buffer)
	if !ok {
		return fmt.Errorf("buffer %T does not belong to the WebGPU device", buf)
	}
	if offset+uint64(len(words))*4 > b.size {
		return fmt.Errorf("%w: %q", gpu.ErrOutOfBounds, b.label)
	}
	data := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(data[i*4:], w)
	}
	q.q.WriteBuffer(b.buf, offset, data)
	return nil
}

// ReadBuffer copies the range into a mappable staging buffer and maps it.
func (q *queue) ReadBuffer(buf gpu.Buffer, offset uint64, count int) ([]uint32, error) {
	b, ok := buf.(*buffer)
	if !ok {
		return nil, fmt.Errorf("buffer %T does not belong to the WebGPU device", buf)
	}
	size := uint64(count) * 4
	if offset+size > b.size {
		return nil, fmt.Errorf("%w: %q", gpu.ErrOutOfBounds, b.label)
	}
	if count == 0 {
		return nil, nil
	}

	staging, err := q.dev.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: b.label + " readback",
		Size:  size,
		Usage: wgpu.BufferUsageCopyDst | wgpu.BufferUsageMapRead,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readback buffer: %w", err)
	}
	defer staging.Release()

	encoder, err := q.dev.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create command encoder: %w", err)
	}
	defer encoder.Release()
	encoder.CopyBufferToBuffer(b.buf, offset, staging, 0, size)
	cmdBuf, err := encoder.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to finish readback: %w", err)
	}
	defer cmdBuf.Release()
	q.q.Submit(cmdBuf)

	var mapErr error
	staging.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("failed to map readback buffer: status %d", status)
		}
	})
	q.dev.device.Poll(true, nil)
	if mapErr != nil {
		return nil, mapErr
	}

	data := staging.GetMappedRange(0, uint(size))
	out := make([]uint32, count)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	staging.Unmap()
	return out, nil
}

func (q *queue) WaitIdle() error {
	q.dev.device.Poll(true, nil)
	return nil
}

var _ gpu.Device = (*Device)(nil)

