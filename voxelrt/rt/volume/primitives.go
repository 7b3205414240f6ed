package volume

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Set collects fragments with one entry per voxel position. Setting a voxel
// twice keeps the first position slot and the last color.
type Set struct {
	level     uint32
	index     map[uint64]int
	fragments []Fragment
}

func NewSet(level uint32) *Set {
	return &Set{level: level, index: make(map[uint64]int)}
}

func (s *Set) Level() uint32 { return s.level }
func (s *Set) Len() int      { return len(s.fragments) }

// Fragments returns the collected fragments in insertion order.
func (s *Set) Fragments() []Fragment { return s.fragments }

// SetVoxel adds a voxel, ignoring positions outside [0, 2^level).
func (s *Set) SetVoxel(x, y, z int, rgb uint32) {
	res := 1 << s.level
	if x < 0 || y < 0 || z < 0 || x >= res || y >= res || z >= res {
		return
	}
	key := uint64(x) | uint64(y)<<12 | uint64(z)<<24
	f := PackFragment(uint32(x), uint32(y), uint32(z), rgb)
	if i, ok := s.index[key]; ok {
		s.fragments[i] = f
		return
	}
	s.index[key] = len(s.fragments)
	s.fragments = append(s.fragments, f)
}

func bounds(center mgl32.Vec3, extent float32) (minB, maxB [3]int) {
	for i := 0; i < 3; i++ {
		minB[i] = int(math.Floor(float64(center[i] - extent)))
		maxB[i] = int(math.Ceil(float64(center[i] + extent)))
	}
	return
}

// Sphere fills a sphere given in voxel units.
func Sphere(s *Set, center mgl32.Vec3, radius float32, rgb uint32) {
	r2 := radius * radius
	minB, maxB := bounds(center, radius)
	for x := minB[0]; x <= maxB[0]; x++ {
		for y := minB[1]; y <= maxB[1]; y++ {
			for z := minB[2]; z <= maxB[2]; z++ {
				p := mgl32.Vec3{float32(x) + 0.5, float32(y) + 0.5, float32(z) + 0.5}
				if p.Sub(center).LenSqr() <= r2 {
					s.SetVoxel(x, y, z, rgb)
				}
			}
		}
	}
}

// Cube fills the voxels between minB and maxB, inclusive.
func Cube(s *Set, minB, maxB mgl32.Vec3, rgb uint32) {
	var lo, hi [3]int
	for i := 0; i < 3; i++ {
		lo[i] = int(math.Floor(float64(minB[i])))
		hi[i] = int(math.Floor(float64(maxB[i])))
	}
	for x := lo[0]; x <= hi[0]; x++ {
		for y := lo[1]; y <= hi[1]; y++ {
			for z := lo[2]; z <= hi[2]; z++ {
				s.SetVoxel(x, y, z, rgb)
			}
		}
	}
}

// Cone fills a cone. base is the center of the base circle, tip is the apex.
func Cone(s *Set, base, tip mgl32.Vec3, radius float32, rgb uint32) {
	heightVec := tip.Sub(base)
	height := heightVec.Len()
	if height < 1e-5 {
		return
	}
	axis := heightVec.Normalize()

	maxDim := float32(math.Max(float64(radius), float64(height)))
	minB, maxB := bounds(base.Add(tip).Mul(0.5), maxDim)
	for x := minB[0]; x <= maxB[0]; x++ {
		for y := minB[1]; y <= maxB[1]; y++ {
			for z := minB[2]; z <= maxB[2]; z++ {
				p := mgl32.Vec3{float32(x) + 0.5, float32(y) + 0.5, float32(z) + 0.5}
				v := p.Sub(base)
				distOnAxis := v.Dot(axis)
				if distOnAxis < 0 || distOnAxis > height {
					continue
				}
				radiusAtDist := radius * (1.0 - distOnAxis/height)
				distToAxis2 := v.LenSqr() - distOnAxis*distOnAxis
				if distToAxis2 <= radiusAtDist*radiusAtDist {
					s.SetVoxel(x, y, z, rgb)
				}
			}
		}
	}
}
