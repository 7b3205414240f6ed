package voxelize

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
)

var (
	ErrEmptyMesh = errors.New("voxelize: mesh has no triangles")
	ErrBadIndex  = errors.New("voxelize: face index out of range")
)

// Mesh is an indexed triangle mesh. Colors holds one RGB triple per vertex
// in [0,1]; it is nil when the source had no vertex colors.
type Mesh struct {
	Vertices []mgl32.Vec3
	Colors   []mgl32.Vec3
	Indices  []uint32 // 3 per triangle
}

func (m *Mesh) TriangleCount() int { return len(m.Indices) / 3 }

// Bounds returns the axis aligned bounds of the referenced vertices.
func (m *Mesh) Bounds() (minB, maxB mgl32.Vec3) {
	if len(m.Vertices) == 0 {
		return
	}
	minB, maxB = m.Vertices[0], m.Vertices[0]
	for _, v := range m.Vertices[1:] {
		for i := 0; i < 3; i++ {
			minB[i] = min(minB[i], v[i])
			maxB[i] = max(maxB[i], v[i])
		}
	}
	return
}

func LoadOBJ(path string) (*Mesh, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mesh: %w", err)
	}
	defer f.Close()
	return ParseOBJ(f)
}

// ParseOBJ reads the geometry of a Wavefront OBJ stream: "v x y z [r g b]"
// and "f" records. Polygons are fanned into triangles, negative indices are
// relative to the end of the vertex list, and every other record is ignored.
func ParseOBJ(r io.Reader) (*Mesh, error) {
	m := &Mesh{}
	hasColor := false
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		switch fields[0] {
		case "v":
			if len(fields) < 4 {
				return nil, fmt.Errorf("line %d: vertex needs 3 coordinates", line)
			}
			vals, err := parseFloats(fields[1:])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			m.Vertices = append(m.Vertices, mgl32.Vec3{vals[0], vals[1], vals[2]})
			color := mgl32.Vec3{1, 1, 1}
			if len(vals) >= 6 {
				color = mgl32.Vec3{vals[3], vals[4], vals[5]}
				hasColor = true
			}
			m.Colors = append(m.Colors, color)
		case "f":
			if len(fields) < 4 {
				return nil, fmt.Errorf("line %d: face needs 3 vertices", line)
			}
			idx := make([]uint32, 0, len(fields)-1)
			for _, ref := range fields[1:] {
				i, err := vertexIndex(ref, len(m.Vertices))
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", line, err)
				}
				idx = append(idx, i)
			}
			for k := 1; k+1 < len(idx); k++ {
				m.Indices = append(m.Indices, idx[0], idx[k], idx[k+1])
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read mesh: %w", err)
	}
	if !hasColor {
		m.Colors = nil
	}
	if m.TriangleCount() == 0 {
		return nil, ErrEmptyMesh
	}
	return m, nil
}

func parseFloats(fields []string) ([]float32, error) {
	out := make([]float32, 0, len(fields))
	for _, s := range fields {
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, err
		}
		out = append(out, float32(v))
	}
	return out, nil
}

// vertexIndex resolves the position part of a "v/vt/vn" reference.
func vertexIndex(ref string, count int) (uint32, error) {
	pos, _, _ := strings.Cut(ref, "/")
	i, err := strconv.Atoi(pos)
	if err != nil {
		return 0, fmt.Errorf("bad face reference %q: %w", ref, err)
	}
	if i < 0 {
		i += count
	} else {
		i--
	}
	if i < 0 || i >= count {
		return 0, fmt.Errorf("%w: %q with %d vertices", ErrBadIndex, ref, count)
	}
	return uint32(i), nil
}
