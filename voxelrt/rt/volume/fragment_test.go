package volume

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/svo/voxelrt/rt/gpu"
)

func TestPackFragmentLayout(t *testing.T) {
	f := PackFragment(0xabc, 0x123, 0x9f5, 0x00ff8040)

	if f.Lo != 0xabc|0x123<<12|0xf5<<24 {
		t.Errorf("Lo = %#x", f.Lo)
	}
	if f.Hi != 0x9<<28|0xff8040 {
		t.Errorf("Hi = %#x", f.Hi)
	}

	x, y, z, rgb := f.Unpack()
	assert.Equal(t, uint32(0xabc), x)
	assert.Equal(t, uint32(0x123), y)
	assert.Equal(t, uint32(0x9f5), z)
	assert.Equal(t, uint32(0xff8040), rgb)
}

func TestPackFragmentMasksOverflow(t *testing.T) {
	f := PackFragment(0x1fff, 0, 0, 0xff123456)
	x, _, _, rgb := f.Unpack()
	assert.Equal(t, uint32(0xfff), x)
	assert.Equal(t, uint32(0x123456), rgb)
}

func TestValidateLevel(t *testing.T) {
	assert.ErrorIs(t, ValidateLevel(0), ErrUnsupportedLevel)
	assert.ErrorIs(t, ValidateLevel(MaxLevel+1), ErrUnsupportedLevel)
	assert.NoError(t, ValidateLevel(1))
	assert.NoError(t, ValidateLevel(MaxLevel))
}

func TestFragmentListReadReplace(t *testing.T) {
	dev := gpu.NewCPUDevice(gpu.CPUDeviceOptions{})
	defer dev.Release()
	q := dev.MainQueue()

	frags := []Fragment{
		PackFragment(1, 2, 3, 0x111111),
		PackFragment(4, 5, 6, 0x222222),
		PackFragment(7, 0, 1, 0x333333),
	}
	list, err := NewFragmentList(dev, q, 4, frags)
	require.NoError(t, err)
	defer list.Release()

	assert.Equal(t, uint32(16), list.Resolution())
	assert.Equal(t, uint32(3), list.Count())

	got, err := list.Read(q)
	require.NoError(t, err)
	assert.Equal(t, frags, got)

	require.NoError(t, list.Replace(q, frags[1:2]))
	assert.Equal(t, uint32(1), list.Count())
	assert.Equal(t, uint32(3), list.Capacity())
	got, err = list.Read(q)
	require.NoError(t, err)
	assert.Equal(t, frags[1:2], got)

	err = list.Replace(q, append(frags, frags...))
	assert.ErrorIs(t, err, ErrTooManyFragments)

	require.NoError(t, list.Replace(q, nil))
	got, err = list.Read(q)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFragmentListLease(t *testing.T) {
	dev := gpu.NewCPUDevice(gpu.CPUDeviceOptions{})
	defer dev.Release()

	list, err := NewFragmentList(dev, dev.MainQueue(), 2, nil)
	require.NoError(t, err)

	release, ok := list.TryLease()
	require.True(t, ok)
	_, ok = list.TryLease()
	assert.False(t, ok)
	release()
	release, ok = list.TryLease()
	assert.True(t, ok)
	release()
}

func TestSetDeduplicatesPositions(t *testing.T) {
	s := NewSet(3)
	s.SetVoxel(1, 1, 1, 0x0000ff)
	s.SetVoxel(1, 1, 1, 0x00ff00)
	s.SetVoxel(8, 0, 0, 0xffffff)  // outside
	s.SetVoxel(-1, 0, 0, 0xffffff) // outside

	require.Equal(t, 1, s.Len())
	assert.Equal(t, uint32(0x00ff00), s.Fragments()[0].Color())
}

func TestSphereStaysInside(t *testing.T) {
	s := NewSet(5)
	center := mgl32.Vec3{16, 16, 16}
	Sphere(s, center, 6, 0xff0000)

	require.NotZero(t, s.Len())
	for _, f := range s.Fragments() {
		p := f.Position()
		v := mgl32.Vec3{float32(p[0]) + 0.5, float32(p[1]) + 0.5, float32(p[2]) + 0.5}
		if v.Sub(center).Len() > 6 {
			t.Errorf("voxel %v is outside the sphere", p)
		}
	}
}

func TestCubeCount(t *testing.T) {
	s := NewSet(4)
	Cube(s, mgl32.Vec3{0, 0, 0}, mgl32.Vec3{1, 2, 3}, 0x808080)
	assert.Equal(t, 2*3*4, s.Len())

	s = NewSet(4)
	Cone(s, mgl32.Vec3{8, 0, 8}, mgl32.Vec3{8, 8, 8}, 4, 0x808080)
	assert.NotZero(t, s.Len())
}
