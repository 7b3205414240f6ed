package svo

import (
	"path/filepath"
	"strings"

	"github.com/gekko3d/svo/voxelrt/rt/volume"
)

// Source is the input of one load. It is one of MeshSource, VoxSource,
// SetSource, or the loader's own rebuild source.
type Source interface {
	Kind() string
	isSource()
}

// MeshSource is a Wavefront OBJ file voxelized on load.
type MeshSource struct{ Path string }

// VoxSource is a MagicaVoxel model.
type VoxSource struct{ Path string }

// SetSource is a fragment set already in memory, such as generated
// primitives. Its level must match the requested depth.
type SetSource struct {
	Name string
	Set  *volume.Set
}

// rebuildSource reuses the fragment list of the live octree.
type rebuildSource struct{ list *volume.FragmentList }

func (MeshSource) Kind() string    { return "mesh" }
func (VoxSource) Kind() string     { return "vox" }
func (SetSource) Kind() string     { return "set" }
func (rebuildSource) Kind() string { return "rebuild" }

func (MeshSource) isSource()    {}
func (VoxSource) isSource()     {}
func (SetSource) isSource()     {}
func (rebuildSource) isSource() {}

// SourceFor picks the source type from the file extension: ".vox" in any
// case is a voxel model, everything else a mesh.
func SourceFor(path string) Source {
	if strings.EqualFold(filepath.Ext(path), ".vox") {
		return VoxSource{Path: path}
	}
	return MeshSource{Path: path}
}
