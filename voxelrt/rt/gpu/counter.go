package gpu

import "fmt"

// Counter is a single 32-bit word in device memory that kernels bump with an
// atomic add. Each add hands out a distinct value.
type Counter struct {
	buf Buffer
}

func NewCounter(dev Device, label string) (*Counter, error) {
	buf, err := dev.CreateBuffer(BufferDescriptor{
		Label: label,
		Size:  4,
		Usage: BufferUsageStorage | BufferUsageCopySrc | BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create counter buffer: %w", err)
	}
	return &Counter{buf: buf}, nil
}

func (c *Counter) Buffer() Buffer { return c.buf }

// Reset stores v into the counter through q.
func (c *Counter) Reset(q Queue, v uint32) error {
	return q.WriteBuffer(c.buf, 0, []uint32{v})
}

// Read returns the counter's value once all prior work on q has finished.
func (c *Counter) Read(q Queue) (uint32, error) {
	words, err := q.ReadBuffer(c.buf, 0, 1)
	if err != nil {
		return 0, err
	}
	return words[0], nil
}

func (c *Counter) Release() error {
	if c.buf == nil {
		return nil
	}
	err := c.buf.Release()
	c.buf = nil
	return err
}
