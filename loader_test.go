package svo

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/svo/voxelrt/rt/core"
	"github.com/gekko3d/svo/voxelrt/rt/gpu"
	"github.com/gekko3d/svo/voxelrt/rt/octree"
	"github.com/gekko3d/svo/voxelrt/rt/volume"
	"github.com/gekko3d/svo/voxelrt/rt/voxelize"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NodeCountMin = 1 << 14
	cfg.NodeCountMax = 1 << 20
	return cfg
}

type harness struct {
	dev    *gpu.CPUDevice
	octree *core.Octree
	loader *Loader
}

func newHarness(t *testing.T, opts gpu.CPUDeviceOptions) *harness {
	t.Helper()
	dev := gpu.NewCPUDevice(opts)
	o := core.NewOctree(nil)
	l := NewLoader(testConfig(), dev, o, nil)
	t.Cleanup(func() {
		assert.NoError(t, l.Close())
		assert.NoError(t, o.Release())
		assert.NoError(t, dev.Release())
	})
	return &harness{dev: dev, octree: o, loader: l}
}

func (h *harness) join(t *testing.T) {
	t.Helper()
	require.Eventually(t, h.loader.TryJoin, 10*time.Second, time.Millisecond)
}

func (h *harness) voxel(t *testing.T, x, y, z uint32) (uint32, bool) {
	t.Helper()
	rgb, ok, err := h.octree.Voxel(h.dev.MainQueue(), x, y, z)
	require.NoError(t, err)
	return rgb, ok
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoaderSingleVoxelModel(t *testing.T) {
	h := newHarness(t, gpu.CPUDeviceOptions{})
	path := writeFile(t, "one.vox", singleVoxelFile())

	require.True(t, h.loader.Launch(path, 4))
	h.join(t)

	require.NoError(t, h.loader.LastError())
	require.NotNil(t, h.loader.Builder())
	assert.Equal(t, uint32(1), h.loader.FragmentCount())
	assert.Equal(t, "Ready", h.loader.Status())
	assert.False(t, h.loader.Running())

	assert.False(t, h.octree.Empty())
	assert.Equal(t, uint32(4), h.octree.Level())
	// One block per level.
	assert.Equal(t, uint64(4*32), h.octree.Range())
	rgb, ok := h.voxel(t, 7, 7, 7)
	assert.True(t, ok)
	assert.Zero(t, rgb)
	_, ok = h.voxel(t, 0, 0, 0)
	assert.False(t, ok)

	stats := h.loader.Profiler().GetStatsString()
	assert.Contains(t, stats, "load")
	assert.Contains(t, stats, "build")
}

func TestLoaderLaunchTwice(t *testing.T) {
	h := newHarness(t, gpu.CPUDeviceOptions{})
	path := writeFile(t, "one.vox", singleVoxelFile())

	require.True(t, h.loader.Launch(path, 4))
	assert.False(t, h.loader.Launch(path, 4))
	assert.False(t, h.loader.LaunchRebuild())
	assert.True(t, h.loader.Running())

	h.join(t)
	assert.False(t, h.loader.TryJoin(), "only one result is published")
	assert.False(t, h.loader.Running())
	assert.NotNil(t, h.loader.Builder())

	// A new load may start once the previous one was joined.
	require.True(t, h.loader.Launch(path, 5))
	h.join(t)
	assert.Equal(t, uint32(5), h.octree.Level())
}

func TestLoaderFailureKeepsOctree(t *testing.T) {
	h := newHarness(t, gpu.CPUDeviceOptions{})
	good := writeFile(t, "one.vox", singleVoxelFile())
	require.True(t, h.loader.Launch(good, 4))
	h.join(t)
	range0 := h.octree.Range()

	bad := singleVoxelFile()
	copy(bad, "RIFF")
	tests := []struct {
		name string
		path string
		want error
	}{
		{"invalid magic", writeFile(t, "bad.vox", bad), ErrInvalidMagic},
		{"empty model", writeFile(t, "empty.vox", voxBytes(200, chunk("SIZE", u32s(1, 1, 1), nil), chunk("XYZI", u32s(0), nil))), ErrEmptyModel},
		{"empty mesh", writeFile(t, "empty.obj", []byte("v 0 0 0\n")), voxelize.ErrEmptyMesh},
		{"missing file", filepath.Join(t.TempDir(), "missing.vox"), os.ErrNotExist},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.True(t, h.loader.Launch(tt.path, 4))
			h.join(t)
			assert.ErrorIs(t, h.loader.LastError(), tt.want)
			assert.Nil(t, h.loader.Builder())
			assert.Equal(t, "Load failed", h.loader.Status())

			assert.Equal(t, range0, h.octree.Range())
			_, ok := h.voxel(t, 7, 7, 7)
			assert.True(t, ok, "previous octree stays live")
			assert.Equal(t, uint32(1), h.loader.FragmentCount())
		})
	}
}

func TestLoaderMeshOnSeparateQueueFamily(t *testing.T) {
	h := newHarness(t, gpu.CPUDeviceOptions{SeparateLoaderFamily: true})
	obj := "v 0 0 0\nv 1 0 0\nv 1 1 0\nv 0 1 0\nf 1 2 3 4\n"
	path := writeFile(t, "quad.OBJ", []byte(obj))

	require.True(t, h.loader.Launch(path, 5))
	h.join(t)
	require.NoError(t, h.loader.LastError())
	assert.Equal(t, uint32(32*32), h.loader.FragmentCount())

	// The main queue reads the node buffer after the worker's transfer.
	for _, p := range [][3]uint32{{0, 0, 0}, {3, 4, 0}, {31, 31, 0}} {
		rgb, ok := h.voxel(t, p[0], p[1], p[2])
		assert.True(t, ok, "voxel %v", p)
		assert.Equal(t, voxelize.DefaultColor, rgb)
	}
	_, ok := h.voxel(t, 3, 4, 1)
	assert.False(t, ok)
}

func TestLoaderRegionEditAndRebuild(t *testing.T) {
	h := newHarness(t, gpu.CPUDeviceOptions{})

	_, err := h.loader.RemoveVoxelsRegion(mgl32.Vec3{}, 1)
	assert.ErrorIs(t, err, ErrNoFragments)
	assert.False(t, h.loader.LaunchRebuild())

	set := volume.NewSet(4)
	volume.Cube(set, mgl32.Vec3{0, 0, 0}, mgl32.Vec3{15, 15, 15}, 0x336699)
	require.True(t, h.loader.LaunchSource(SetSource{Name: "cube", Set: set}, 4))
	_, err = h.loader.RemoveVoxelsRegion(mgl32.Vec3{}, 1)
	assert.ErrorIs(t, err, ErrBuildRunning)
	h.join(t)
	require.NoError(t, h.loader.LastError())
	assert.Equal(t, uint32(4096), h.loader.FragmentCount())

	removed, err := h.loader.RemoveVoxelsRegion(mgl32.Vec3{0.5, 0.5, 0.5}, 0.25)
	require.NoError(t, err)
	require.NotZero(t, removed)
	assert.True(t, h.loader.NeedsRebuild())

	// The live octree only changes after the rebuild.
	_, ok := h.voxel(t, 8, 8, 8)
	assert.True(t, ok)

	built := h.loader.Builder()
	require.True(t, h.loader.LaunchRebuild())
	assert.True(t, h.loader.NeedsRebuild(), "cleared only once the rebuild is joined")
	h.join(t)
	require.NoError(t, h.loader.LastError())
	assert.False(t, h.loader.NeedsRebuild())
	assert.NotSame(t, built, h.loader.Builder())
	assert.Equal(t, uint32(4096-removed), h.loader.FragmentCount())

	_, ok = h.voxel(t, 8, 8, 8)
	assert.False(t, ok)
	rgb, ok := h.voxel(t, 0, 0, 0)
	assert.True(t, ok)
	assert.Equal(t, uint32(0x336699), rgb)

	// Nothing left to remove there.
	removed, err = h.loader.RemoveVoxelsRegion(mgl32.Vec3{0.5, 0.5, 0.5}, 0.25)
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.False(t, h.loader.NeedsRebuild())

	// Removing everything still rebuilds to a root-only octree.
	left := h.loader.FragmentCount()
	removed, err = h.loader.RemoveVoxelsRegion(mgl32.Vec3{}, float32(math.Inf(1)))
	require.NoError(t, err)
	assert.Equal(t, int(left), removed)
	require.True(t, h.loader.LaunchRebuild())
	h.join(t)
	require.NoError(t, h.loader.LastError())
	assert.Zero(t, h.loader.FragmentCount())
	assert.Equal(t, uint64(32), h.octree.Range())
}

func TestLoaderFailedRebuildKeepsEdit(t *testing.T) {
	h := newHarness(t, gpu.CPUDeviceOptions{})
	set := volume.NewSet(4)
	volume.Cube(set, mgl32.Vec3{0, 0, 0}, mgl32.Vec3{15, 15, 15}, 0x336699)
	require.True(t, h.loader.LaunchSource(SetSource{Name: "cube", Set: set}, 4))
	h.join(t)
	require.NoError(t, h.loader.LastError())

	removed, err := h.loader.RemoveVoxelsRegion(mgl32.Vec3{0.5, 0.5, 0.5}, 0.25)
	require.NoError(t, err)
	require.NotZero(t, removed)
	require.True(t, h.loader.NeedsRebuild())

	// Another user holds the fragment list, so the rebuild fails.
	release, ok := h.loader.fragments.TryLease()
	require.True(t, ok)
	failures := testutil.ToFloat64(loadFailures.WithLabelValues("rebuild", "other"))
	require.True(t, h.loader.LaunchRebuild())
	h.join(t)
	assert.ErrorIs(t, h.loader.LastError(), octree.ErrFragmentsBusy)
	assert.Equal(t, failures+1, testutil.ToFloat64(loadFailures.WithLabelValues("rebuild", "other")))
	assert.True(t, h.loader.NeedsRebuild(), "the edit is not in the live octree yet")
	_, ok = h.voxel(t, 8, 8, 8)
	assert.True(t, ok)

	release()
	require.True(t, h.loader.LaunchRebuild())
	h.join(t)
	require.NoError(t, h.loader.LastError())
	assert.False(t, h.loader.NeedsRebuild())
	_, ok = h.voxel(t, 8, 8, 8)
	assert.False(t, ok)
}

func TestLoaderMetricsAndStatus(t *testing.T) {
	h := newHarness(t, gpu.CPUDeviceOptions{})
	assert.Equal(t, "Ready", h.loader.Status())

	set := volume.NewSet(3)
	volume.Sphere(set, mgl32.Vec3{4, 4, 4}, 3, 0xffffff)
	loaded := testutil.ToFloat64(loads.WithLabelValues("set"))
	require.True(t, h.loader.LaunchSource(SetSource{Name: "sphere", Set: set}, 3))
	assert.Contains(t, []string{"Starting set load", "Building Octree"}, h.loader.Status())
	h.join(t)
	require.NoError(t, h.loader.LastError())
	assert.Equal(t, "Ready", h.loader.Status())
	assert.Equal(t, loaded+1, testutil.ToFloat64(loads.WithLabelValues("set")))
	size := float64(h.octree.Range())
	assert.Equal(t, size, testutil.ToFloat64(octreeRange))

	failures := testutil.ToFloat64(loadFailures.WithLabelValues("set", "unsupported_level"))
	require.True(t, h.loader.LaunchSource(SetSource{Name: "small", Set: volume.NewSet(2)}, 3))
	h.join(t)
	assert.Error(t, h.loader.LastError())
	assert.Equal(t, "Load failed", h.loader.Status())
	assert.Equal(t, failures+1, testutil.ToFloat64(loadFailures.WithLabelValues("set", "unsupported_level")))
	assert.Equal(t, loaded+1, testutil.ToFloat64(loads.WithLabelValues("set")))
	assert.Equal(t, size, testutil.ToFloat64(octreeRange), "failed loads keep the gauge")

	before := testutil.ToFloat64(removedVoxels)
	removed, err := h.loader.RemoveVoxelsRegion(mgl32.Vec3{0.5, 0.5, 0.5}, 0.3)
	require.NoError(t, err)
	require.NotZero(t, removed)
	assert.Equal(t, before+float64(removed), testutil.ToFloat64(removedVoxels))
}

func TestLoaderSetLevelMismatch(t *testing.T) {
	h := newHarness(t, gpu.CPUDeviceOptions{})
	require.True(t, h.loader.LaunchSource(SetSource{Name: "small", Set: volume.NewSet(3)}, 4))
	h.join(t)
	assert.ErrorIs(t, h.loader.LastError(), volume.ErrUnsupportedLevel)
	assert.True(t, h.octree.Empty())
}

func TestLoaderCloseWhileRunning(t *testing.T) {
	dev := gpu.NewCPUDevice(gpu.CPUDeviceOptions{})
	defer dev.Release()
	o := core.NewOctree(nil)
	l := NewLoader(testConfig(), dev, o, nil)

	set := volume.NewSet(3)
	volume.Sphere(set, mgl32.Vec3{4, 4, 4}, 3, 0xffffff)
	require.True(t, l.LaunchSource(SetSource{Name: "sphere", Set: set}, 3))
	require.NoError(t, l.Close())
	assert.False(t, l.Running())
	assert.True(t, o.Empty())
}
