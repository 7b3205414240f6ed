package svo

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/svo/voxelrt/rt/core"
	"github.com/gekko3d/svo/voxelrt/rt/volume"
)

func chunk(id string, content, children []byte) []byte {
	var b bytes.Buffer
	b.WriteString(id)
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(content)))
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(children)))
	b.Write(content)
	b.Write(children)
	return b.Bytes()
}

func u32s(vals ...uint32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[4*i:], v)
	}
	return out
}

func voxBytes(version uint32, children ...[]byte) []byte {
	out := u32s(VOXMagicNumber, version)
	return append(out, chunk("MAIN", nil, bytes.Join(children, nil))...)
}

// singleVoxelFile is a 2x2x2 model holding one voxel at the origin with
// color index 1 and no palette.
func singleVoxelFile() []byte {
	return voxBytes(200,
		chunk("SIZE", u32s(2, 2, 2), nil),
		chunk("XYZI", append(u32s(1), 0, 0, 0, 1), nil),
	)
}

func TestReadVoxSingleVoxel(t *testing.T) {
	vf, err := ReadVox(bytes.NewReader(singleVoxelFile()), nil)
	require.NoError(t, err)
	assert.Equal(t, 200, vf.Version)
	require.Len(t, vf.Models, 1)
	assert.Equal(t, VoxModel{SizeX: 2, SizeY: 2, SizeZ: 2, Voxels: []Voxel{{0, 0, 0, 1}}}, vf.Models[0])
	assert.False(t, vf.CustomPalette)
	assert.Equal(t, DefaultPalette(), vf.Palette)

	frags, err := VoxFragments(vf, 4, nil)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	x, y, z, rgb := frags[0].Unpack()
	assert.Equal(t, [3]uint32{7, 7, 7}, [3]uint32{x, y, z})
	// Index 1 is the first default entry.
	assert.Equal(t, uint32(0), rgb)
}

func TestReadVoxVersions(t *testing.T) {
	var out, errOut bytes.Buffer
	logger := core.NewLogger("vox", false, &out, &errOut)

	newer := voxBytes(250, chunk("SIZE", u32s(1, 1, 1), nil), chunk("XYZI", append(u32s(1), 0, 0, 0, 5), nil))
	vf, err := ReadVox(bytes.NewReader(newer), logger)
	require.NoError(t, err)
	assert.Equal(t, 250, vf.Version)
	assert.Contains(t, errOut.String(), "newer than tested version 200")

	_, err = ReadVox(bytes.NewReader(voxBytes(149)), nil)
	assert.ErrorIs(t, err, ErrVersionTooOld)
}

func TestReadVoxErrors(t *testing.T) {
	size := chunk("SIZE", u32s(2, 2, 2), nil)
	xyzi := chunk("XYZI", append(u32s(1), 1, 1, 1, 1), nil)

	badMagic := voxBytes(200, size, xyzi)
	copy(badMagic, "XOV ")

	// An XYZI header claiming far more content than the file holds.
	hugeXYZI := append([]byte("XYZI"), u32s(0xF0000000, 0)...)
	hugeMain := append(u32s(VOXMagicNumber, 200), []byte("MAIN")...)
	hugeMain = append(hugeMain, u32s(0, 0xFFFFFFFF)...)
	hugeMain = append(append(hugeMain, size...), hugeXYZI...)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"bad magic", badMagic, ErrInvalidMagic},
		{"no xyzi", voxBytes(200, size), ErrMissingChunk},
		{"no size", voxBytes(200, xyzi), ErrMalformedChunk},
		{"empty main", voxBytes(200), ErrMissingChunk},
		{"root is not main", append(u32s(VOXMagicNumber, 200), size...), ErrMissingChunk},
		{"short size", voxBytes(200, chunk("SIZE", u32s(2, 2), nil), xyzi), ErrMalformedChunk},
		{"xyzi count too large", voxBytes(200, size, chunk("XYZI", append(u32s(3), 1, 1, 1, 1), nil)), ErrMalformedChunk},
		{"chunk larger than main", voxBytes(200, size, hugeXYZI), ErrMalformedChunk},
		{"main larger than file", hugeMain, ErrMalformedChunk},
		{"truncated xyzi", voxBytes(200, size, chunk("XYZI", u32s(1), nil)[:14]), ErrMalformedChunk},
		{"short palette", voxBytes(200, size, xyzi, chunk("RGBA", make([]byte, 1020), nil)), ErrMalformedChunk},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadVox(bytes.NewReader(tt.data), nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := ReadVox(bytes.NewReader([]byte("VOX")), nil)
	assert.Error(t, err)

	truncated := singleVoxelFile()
	_, err = ReadVox(bytes.NewReader(truncated[:len(truncated)-2]), nil)
	assert.Error(t, err)
}

func TestReadVoxSkipsUnknownChunks(t *testing.T) {
	nested := chunk("nGRP", u32s(1, 2, 3), chunk("nSHP", u32s(4), nil))
	palette := make([]byte, 1024)
	palette[0], palette[1], palette[2], palette[3] = 10, 20, 30, 255
	data := voxBytes(200,
		chunk("PACK", u32s(1), nil),
		chunk("SIZE", u32s(4, 4, 4), u32s(9, 9)),
		nested,
		chunk("XYZI", append(u32s(1), 3, 2, 1, 1), nil),
		chunk("RGBA", palette, nil),
		chunk("MATL", u32s(1, 0), nil),
	)
	vf, err := ReadVox(bytes.NewReader(data), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, vf.VoxelCount())
	assert.True(t, vf.CustomPalette)
	assert.Equal(t, uint32(0x0a141e), vf.Color(1))
	assert.Equal(t, uint32(0), vf.Color(0))
}

func TestDefaultPalette(t *testing.T) {
	p := DefaultPalette()
	assert.Equal(t, [4]byte{0, 0, 0, 0}, p[0])
	assert.Equal(t, [4]byte{255, 255, 255, 255}, p[1])
	assert.Equal(t, [4]byte{51, 0, 0, 255}, p[15])
	assert.Equal(t, [4]byte{255, 0, 0, 255}, p[16], "hue sweep starts at red")
	for i := 16; i < len(p); i++ {
		assert.Equal(t, byte(255), p[i][3])
	}
}

func TestVoxRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var palette VoxPalette
	for i := range palette {
		palette[i] = [4]byte{byte(i), byte(255 - i), byte(i * 3), 255}
	}
	model := VoxModel{SizeX: 20, SizeY: 20, SizeZ: 20}
	for i := 0; i < 500; i++ {
		model.Voxels = append(model.Voxels, Voxel{
			X:          byte(rng.Intn(20)),
			Y:          byte(rng.Intn(20)),
			Z:          byte(rng.Intn(20)),
			ColorIndex: byte(1 + rng.Intn(255)),
		})
	}
	in := &VoxFile{Version: 200, Models: []VoxModel{model}, Palette: palette, CustomPalette: true}

	path := filepath.Join(t.TempDir(), "model.vox")
	var buf bytes.Buffer
	require.NoError(t, WriteVox(&buf, in))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	out, err := LoadVoxFile(path, nil)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// Level 7 leaves room for the whole model at scale 1.
	frags, err := VoxFragments(out, 7, nil)
	require.NoError(t, err)
	require.Len(t, frags, len(model.Voxels))

	minB, maxB := [3]int{255, 255, 255}, [3]int{}
	for _, v := range model.Voxels {
		for i, c := range []int{int(v.X), int(v.Y), int(v.Z)} {
			minB[i] = min(minB[i], c)
			maxB[i] = max(maxB[i], c)
		}
	}
	off := func(axis int) int { return (128 - (maxB[axis] - minB[axis] + 1)) / 2 }
	for i, v := range model.Voxels {
		x, y, z, rgb := frags[i].Unpack()
		assert.Equal(t, uint32(int(v.X)-minB[0]+off(0)), x)
		assert.Equal(t, uint32(int(v.Z)-minB[2]+off(2)), y, "z maps to y")
		assert.Equal(t, uint32(int(v.Y)-minB[1]+off(1)), z, "y maps to z")
		assert.Equal(t, out.Color(v.ColorIndex), rgb)
	}
}

func TestVoxFragmentsScalesLargeModels(t *testing.T) {
	model := VoxModel{SizeX: 256, SizeY: 256, SizeZ: 256}
	for i := 0; i < 256; i += 5 {
		model.Voxels = append(model.Voxels, Voxel{X: byte(i), Y: byte(255 - i), Z: byte(i / 2), ColorIndex: 1})
	}
	vf := &VoxFile{Models: []VoxModel{model}, Palette: DefaultPalette()}

	frags, err := VoxFragments(vf, 6, nil)
	require.NoError(t, err)
	assert.Len(t, frags, len(model.Voxels))
	for _, f := range frags {
		for _, c := range f.Position() {
			// A quarter of the grid, centered.
			assert.GreaterOrEqual(t, c, uint32(24))
			assert.Less(t, c, uint32(40))
		}
	}
}

func TestVoxFragmentsRejects(t *testing.T) {
	empty := &VoxFile{Models: []VoxModel{{SizeX: 1, SizeY: 1, SizeZ: 1}}}
	_, err := VoxFragments(empty, 4, nil)
	assert.ErrorIs(t, err, ErrEmptyModel)

	vf, err := ReadVox(bytes.NewReader(singleVoxelFile()), nil)
	require.NoError(t, err)
	_, err = VoxFragments(vf, volume.MaxLevel+1, nil)
	assert.ErrorIs(t, err, volume.ErrUnsupportedLevel)
}

func TestSourceFor(t *testing.T) {
	assert.Equal(t, VoxSource{Path: "a/b.vox"}, SourceFor("a/b.vox"))
	assert.Equal(t, VoxSource{Path: "B.VOX"}, SourceFor("B.VOX"))
	assert.Equal(t, MeshSource{Path: "bunny.obj"}, SourceFor("bunny.obj"))
	assert.Equal(t, MeshSource{Path: "vox"}, SourceFor("vox"))
	assert.Equal(t, "vox", SourceFor("x.Vox").Kind())
}
