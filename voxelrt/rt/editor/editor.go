package editor

import (
	"fmt"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/svo/voxelrt/rt/core"
	"github.com/gekko3d/svo/voxelrt/rt/gpu"
	"github.com/gekko3d/svo/voxelrt/rt/volume"
)

// Editor removes voxels from a fragment list and remembers that the octree
// built from it is stale. It never rebuilds on its own.
type Editor struct {
	logger       core.Logger
	needsRebuild atomic.Bool
}

func NewEditor(logger core.Logger) *Editor {
	return &Editor{logger: core.OrNop(logger)}
}

func (e *Editor) NeedsRebuild() bool { return e.needsRebuild.Load() }

func (e *Editor) ClearRebuildFlag() { e.needsRebuild.Store(false) }

// RemoveVoxelsRegion drops every fragment whose position, in units of the
// whole volume (voxel / resolution), lies closer than radius to center. The
// survivors are written back in place. It returns the number of removed
// fragments; when nothing is removed the list and the rebuild flag are left
// untouched.
func (e *Editor) RemoveVoxelsRegion(q gpu.Queue, list *volume.FragmentList, center mgl32.Vec3, radius float32) (int, error) {
	release, ok := list.TryLease()
	if !ok {
		return 0, volume.ErrLeaseHeld
	}
	defer release()

	fragments, err := list.Read(q)
	if err != nil {
		return 0, err
	}
	if len(fragments) == 0 {
		e.logger.Infof("Voxel destruction: fragment list is empty")
		return 0, nil
	}

	res := float32(list.Resolution())
	kept := make([]volume.Fragment, 0, len(fragments))
	for _, f := range fragments {
		p := f.Position()
		pos := mgl32.Vec3{float32(p[0]) / res, float32(p[1]) / res, float32(p[2]) / res}
		if pos.Sub(center).Len() >= radius {
			kept = append(kept, f)
		}
	}

	removed := len(fragments) - len(kept)
	if removed == 0 {
		e.logger.Infof("Voxel destruction: no voxels removed at (%g,%g,%g)", center.X(), center.Y(), center.Z())
		return 0, nil
	}
	if err := list.Replace(q, kept); err != nil {
		return 0, fmt.Errorf("failed to write back fragments: %w", err)
	}
	e.needsRebuild.Store(true)
	e.logger.Infof("Voxel destruction: removed %d voxels at (%g,%g,%g) radius %g, %d left",
		removed, center.X(), center.Y(), center.Z(), radius, len(kept))
	return removed, nil
}
