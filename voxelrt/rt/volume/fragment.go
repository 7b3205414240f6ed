package volume

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gekko3d/svo/voxelrt/rt/gpu"
)

const (
	// MaxLevel is the deepest tree the 12-bit fragment axes can address.
	MaxLevel = 12

	FragmentWords = 2
	FragmentBytes = FragmentWords * 4

	coordMask = 0xfff
	colorMask = 0xffffff
)

var (
	ErrUnsupportedLevel = errors.New("volume: unsupported octree level")
	ErrLeaseHeld        = errors.New("volume: fragment list is in use")
	ErrTooManyFragments = errors.New("volume: fragment list capacity exceeded")
)

// Fragment is one voxel sample packed into two words:
//
//	Lo: x[0:12] | y[12:24] | z&0xff [24:32]
//	Hi: rgb[0:24] | z>>8 [28:32]
type Fragment struct {
	Lo, Hi uint32
}

func PackFragment(x, y, z, rgb uint32) Fragment {
	return Fragment{
		Lo: x&coordMask | (y&coordMask)<<12 | (z&0xff)<<24,
		Hi: ((z>>8)&0xf)<<28 | rgb&colorMask,
	}
}

func (f Fragment) Unpack() (x, y, z, rgb uint32) {
	x = f.Lo & coordMask
	y = (f.Lo >> 12) & coordMask
	z = f.Lo>>24 | (f.Hi>>28)<<8
	rgb = f.Hi & colorMask
	return
}

func (f Fragment) Position() [3]uint32 {
	x, y, z, _ := f.Unpack()
	return [3]uint32{x, y, z}
}

func (f Fragment) Color() uint32 { return f.Hi & colorMask }

// Producer is what a front end hands to the octree builder.
type Producer interface {
	Level() uint32
	Resolution() uint32
	Count() uint32
	Buffer() gpu.Buffer
}

// FragmentList is a device resident array of packed fragments. Its count may
// shrink after creation when fragments are removed; the buffer keeps its size.
type FragmentList struct {
	level    uint32
	capacity uint32
	count    atomic.Uint32
	buf      gpu.Buffer

	lease sync.Mutex
}

func ValidateLevel(level uint32) error {
	if level == 0 || level > MaxLevel {
		return fmt.Errorf("%w: %d (want 1..%d)", ErrUnsupportedLevel, level, MaxLevel)
	}
	return nil
}

// NewFragmentList uploads fragments through q.
func NewFragmentList(dev gpu.Device, q gpu.Queue, level uint32, fragments []Fragment) (*FragmentList, error) {
	if err := ValidateLevel(level); err != nil {
		return nil, err
	}
	capacity := uint32(max(len(fragments), 1))
	buf, err := dev.CreateBuffer(gpu.BufferDescriptor{
		Label: "FragmentList",
		Size:  uint64(capacity) * FragmentBytes,
		Usage: gpu.BufferUsageStorage | gpu.BufferUsageCopySrc | gpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create fragment buffer: %w", err)
	}
	l := &FragmentList{level: level, capacity: capacity, buf: buf}
	if len(fragments) > 0 {
		if err := q.WriteBuffer(buf, 0, flatten(fragments)); err != nil {
			_ = buf.Release()
			return nil, fmt.Errorf("failed to upload fragments: %w", err)
		}
	}
	l.count.Store(uint32(len(fragments)))
	return l, nil
}

func (l *FragmentList) Level() uint32      { return l.level }
func (l *FragmentList) Resolution() uint32 { return 1 << l.level }
func (l *FragmentList) Count() uint32      { return l.count.Load() }
func (l *FragmentList) Capacity() uint32   { return l.capacity }
func (l *FragmentList) Buffer() gpu.Buffer { return l.buf }

// TryLease grants exclusive use of the list. The returned func ends the lease.
func (l *FragmentList) TryLease() (func(), bool) {
	if !l.lease.TryLock() {
		return nil, false
	}
	return l.lease.Unlock, true
}

// Read returns the live fragments.
func (l *FragmentList) Read(q gpu.Queue) ([]Fragment, error) {
	n := l.Count()
	if n == 0 {
		return nil, nil
	}
	words, err := q.ReadBuffer(l.buf, 0, int(n)*FragmentWords)
	if err != nil {
		return nil, fmt.Errorf("failed to read fragments: %w", err)
	}
	out := make([]Fragment, n)
	for i := range out {
		out[i] = Fragment{Lo: words[i*2], Hi: words[i*2+1]}
	}
	return out, nil
}

// Replace overwrites the list in place and sets its count to len(fragments).
func (l *FragmentList) Replace(q gpu.Queue, fragments []Fragment) error {
	if uint32(len(fragments)) > l.capacity {
		return fmt.Errorf("%w: %d > %d", ErrTooManyFragments, len(fragments), l.capacity)
	}
	if len(fragments) > 0 {
		if err := q.WriteBuffer(l.buf, 0, flatten(fragments)); err != nil {
			return fmt.Errorf("failed to write fragments: %w", err)
		}
	}
	l.count.Store(uint32(len(fragments)))
	return nil
}

func (l *FragmentList) Release() error {
	if l.buf == nil {
		return nil
	}
	err := l.buf.Release()
	l.buf = nil
	return err
}

func flatten(fragments []Fragment) []uint32 {
	words := make([]uint32, 0, len(fragments)*FragmentWords)
	for _, f := range fragments {
		words = append(words, f.Lo, f.Hi)
	}
	return words
}
