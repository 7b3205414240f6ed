package voxelize

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/svo/voxelrt/rt/volume"
)

const quadOBJ = `# unit quad
v 0 0 0
v 1 0 0
v 1 1 0
v 0 1 0
vn 0 0 1
f 1 2 3 4
`

func TestParseOBJFan(t *testing.T) {
	m, err := ParseOBJ(strings.NewReader(quadOBJ))
	require.NoError(t, err)
	assert.Len(t, m.Vertices, 4)
	assert.Nil(t, m.Colors)
	assert.Equal(t, []uint32{0, 1, 2, 0, 2, 3}, m.Indices)
	assert.Equal(t, 2, m.TriangleCount())

	minB, maxB := m.Bounds()
	assert.Equal(t, mgl32.Vec3{0, 0, 0}, minB)
	assert.Equal(t, mgl32.Vec3{1, 1, 0}, maxB)
}

func TestParseOBJIndexForms(t *testing.T) {
	src := "v 0 0 0 1 0 0\nv 1 0 0 0 1 0\nv 0 1 0 0 0 1\nf -3 -2 -1\nf 1/1/1 2//2 3/3\n"
	m, err := ParseOBJ(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 2, 0, 1, 2}, m.Indices)
	require.Len(t, m.Colors, 3)
	assert.Equal(t, mgl32.Vec3{0, 1, 0}, m.Colors[1])
}

func TestParseOBJErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want error
	}{
		{"no faces", "v 0 0 0\n", ErrEmptyMesh},
		{"index past end", "v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1 2 4\n", ErrBadIndex},
		{"zero index", "v 0 0 0\nv 1 0 0\nv 0 1 0\nf 0 1 2\n", ErrBadIndex},
		{"relative before start", "v 0 0 0\nf -1 -2 -3\n", ErrBadIndex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOBJ(strings.NewReader(tt.src))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := ParseOBJ(strings.NewReader("v 0 zero 0\n"))
	assert.Error(t, err)
	_, err = ParseOBJ(strings.NewReader("v 0 0 0\nf 1 2\n"))
	assert.Error(t, err)
}

func TestLoadOBJ(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quad.obj")
	require.NoError(t, os.WriteFile(path, []byte(quadOBJ), 0o644))
	m, err := LoadOBJ(path)
	require.NoError(t, err)
	assert.Equal(t, 2, m.TriangleCount())

	_, err = LoadOBJ(filepath.Join(t.TempDir(), "missing.obj"))
	assert.Error(t, err)
}

func TestVoxelizeTriangleCoversSurface(t *testing.T) {
	m := &Mesh{
		Vertices: []mgl32.Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
		Indices:  []uint32{0, 1, 2},
	}
	s, err := Voxelize(m, 3)
	require.NoError(t, err)

	seen := make(map[[2]uint32]bool)
	for _, f := range s.Fragments() {
		x, y, z, rgb := f.Unpack()
		assert.Zero(t, z)
		assert.Equal(t, DefaultColor, rgb)
		assert.LessOrEqual(t, x+y, uint32(8))
		key := [2]uint32{x, y}
		assert.False(t, seen[key], "duplicate voxel %v", key)
		seen[key] = true
	}
	for x := uint32(0); x < 8; x++ {
		for y := uint32(0); x+y < 8; y++ {
			if !seen[[2]uint32{x, y}] {
				t.Errorf("voxel (%d,%d) under the triangle was not produced", x, y)
			}
		}
	}
}

func TestVoxelizeVertexColors(t *testing.T) {
	red := mgl32.Vec3{1, 0, 0}
	m := &Mesh{
		Vertices: []mgl32.Vec3{{-2, -2, -2}, {2, -2, 2}, {-2, 2, 2}},
		Colors:   []mgl32.Vec3{red, red, red},
		Indices:  []uint32{0, 1, 2},
	}
	s, err := Voxelize(m, 5)
	require.NoError(t, err)
	require.NotZero(t, s.Len())
	for _, f := range s.Fragments() {
		assert.Equal(t, uint32(0xff0000), f.Color())
		for _, c := range f.Position() {
			assert.Less(t, c, uint32(32))
		}
	}
}

func TestVoxelizeRejects(t *testing.T) {
	_, err := Voxelize(&Mesh{}, 4)
	assert.ErrorIs(t, err, ErrEmptyMesh)

	m := &Mesh{Vertices: []mgl32.Vec3{{}, {}, {}}, Indices: []uint32{0, 1, 2}}
	_, err = Voxelize(m, volume.MaxLevel+1)
	assert.ErrorIs(t, err, volume.ErrUnsupportedLevel)

	// A degenerate triangle still lands on one voxel.
	s, err := Voxelize(m, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
}
