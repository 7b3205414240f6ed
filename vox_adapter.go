package svo

import (
	"errors"
	"math"

	"github.com/gekko3d/svo/voxelrt/rt/volume"
)

var ErrEmptyModel = errors.New("vox: model has no voxels")

// VoxFragments places the voxels of every model of vf into a 2^level grid.
// The model keeps its density: it is scaled down only when its longest axis
// exceeds a quarter of the grid, and it is centered. MagicaVoxel is Z-up, so
// the Y and Z axes are swapped. Every voxel yields one fragment.
func VoxFragments(vf *VoxFile, level uint32, logger Logger) ([]volume.Fragment, error) {
	logger = orNop(logger)
	if err := volume.ValidateLevel(level); err != nil {
		return nil, err
	}
	if vf.VoxelCount() == 0 {
		return nil, ErrEmptyModel
	}

	minB := [3]int{math.MaxInt, math.MaxInt, math.MaxInt}
	maxB := [3]int{math.MinInt, math.MinInt, math.MinInt}
	for _, m := range vf.Models {
		for _, v := range m.Voxels {
			p := [3]int{int(v.X), int(v.Y), int(v.Z)}
			for i := range p {
				minB[i] = min(minB[i], p[i])
				maxB[i] = max(maxB[i], p[i])
			}
		}
	}
	var size [3]int
	for i := range size {
		size[i] = maxB[i] - minB[i] + 1
	}
	maxSize := max(size[0], size[1], size[2])

	res := uint32(1) << level
	scale := min(1, float32(res/4)/float32(maxSize))
	offset := func(n int) uint32 { return (res - uint32(float32(n)*scale)) / 2 }
	offX, offY, offZ := offset(size[0]), offset(size[2]), offset(size[1])

	logger.Infof("Vox data bounds: (%d,%d,%d) to (%d,%d,%d), size: %dx%dx%d, scale: %g, voxel count: %d",
		minB[0], minB[1], minB[2], maxB[0], maxB[1], maxB[2], size[0], size[1], size[2], scale, vf.VoxelCount())
	logger.Infof("Target resolution: %d, offsets: (%d,%d,%d)", res, offX, offY, offZ)

	place := func(v, lo int, off uint32) uint32 {
		return min(uint32(float32(v-lo)*scale)+off, res-1)
	}
	fragments := make([]volume.Fragment, 0, vf.VoxelCount())
	for _, m := range vf.Models {
		for _, v := range m.Voxels {
			x := place(int(v.X), minB[0], offX)
			y := place(int(v.Z), minB[2], offY)
			z := place(int(v.Y), minB[1], offZ)
			fragments = append(fragments, volume.PackFragment(x, y, z, vf.Color(v.ColorIndex)))
		}
	}
	return fragments, nil
}
