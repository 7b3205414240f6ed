package voxelize

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/svo/voxelrt/rt/volume"
)

// DefaultColor is used for meshes without vertex colors.
const DefaultColor uint32 = 0xc8c8c8

// Voxelize rasterizes the surface of m into a 2^level grid. The mesh bounds
// are scaled uniformly so the longest axis spans the whole grid.
func Voxelize(m *Mesh, level uint32) (*volume.Set, error) {
	if err := volume.ValidateLevel(level); err != nil {
		return nil, err
	}
	if m == nil || m.TriangleCount() == 0 {
		return nil, ErrEmptyMesh
	}
	res := float32(uint32(1) << level)
	minB, maxB := m.Bounds()
	extent := maxB.Sub(minB)
	longest := max(extent[0], extent[1], extent[2])
	scale := float32(1)
	if longest > 0 {
		scale = res / longest
	}
	toGrid := func(v mgl32.Vec3) mgl32.Vec3 { return v.Sub(minB).Mul(scale) }

	s := volume.NewSet(level)
	limit := int(res) - 1
	for t := 0; t < m.TriangleCount(); t++ {
		i0, i1, i2 := m.Indices[3*t], m.Indices[3*t+1], m.Indices[3*t+2]
		a, b, c := toGrid(m.Vertices[i0]), toGrid(m.Vertices[i1]), toGrid(m.Vertices[i2])
		ca, cb, cc := m.color(i0), m.color(i1), m.color(i2)

		ab, ac := b.Sub(a), c.Sub(a)
		edge := max(ab.Len(), ac.Len(), c.Sub(b).Len())
		// Two samples per voxel along the longest edge leaves no holes.
		n := int(math.Ceil(float64(edge)))*2 + 1
		for i := 0; i <= n; i++ {
			u := float32(i) / float32(n)
			for j := 0; i+j <= n; j++ {
				v := float32(j) / float32(n)
				p := a.Add(ab.Mul(u)).Add(ac.Mul(v))
				col := ca.Mul(1 - u - v).Add(cb.Mul(u)).Add(cc.Mul(v))
				s.SetVoxel(clampAxis(p[0], limit), clampAxis(p[1], limit), clampAxis(p[2], limit), packRGB(col))
			}
		}
	}
	return s, nil
}

func (m *Mesh) color(i uint32) mgl32.Vec3 {
	if m.Colors == nil {
		return unpackRGB(DefaultColor)
	}
	return m.Colors[i]
}

func clampAxis(v float32, limit int) int {
	return min(max(int(math.Floor(float64(v))), 0), limit)
}

func packRGB(c mgl32.Vec3) uint32 {
	ch := func(f float32) uint32 { return uint32(mgl32.Clamp(f, 0, 1)*255 + 0.5) }
	return ch(c[0])<<16 | ch(c[1])<<8 | ch(c[2])
}

func unpackRGB(rgb uint32) mgl32.Vec3 {
	return mgl32.Vec3{
		float32(rgb>>16&0xff) / 255,
		float32(rgb>>8&0xff) / 255,
		float32(rgb&0xff) / 255,
	}
}
