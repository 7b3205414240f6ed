package octree

import (
	"github.com/gekko3d/svo/voxelrt/rt/gpu"
	"github.com/gekko3d/svo/voxelrt/rt/shaders"
	"github.com/gekko3d/svo/voxelrt/rt/volume"
)

// Binding slots shared by the WGSL sources and the CPU kernels.
const (
	SlotCounter uint32 = iota
	SlotNodes
	SlotFragments
	SlotBuildInfo
	SlotIndirect
	SlotDiagnostics
)

// Build info words.
const (
	infoAllocBegin = 0
	infoAllocNum   = 1
	buildInfoWords = 2
)

// Diagnostics words: the overflow flag, the number of allocating levels run,
// then the counter value after each of them.
const (
	diagOverflow = 0
	diagCursor   = 1
	diagCounts   = 2
)

const workgroupSize = 64

var initNodeKernel = &gpu.Kernel{
	Label:         "OctreeInitNode",
	EntryPoint:    "main",
	WGSL:          shaders.OctreeInitNodeWGSL,
	WorkgroupSize: workgroupSize,
	Bindings: []gpu.Binding{
		{Slot: SlotNodes, Access: gpu.AccessShaderWrite},
		{Slot: SlotBuildInfo, Access: gpu.AccessShaderRead},
	},
	Invoke: func(inv *gpu.Invocation) {
		gid := inv.GlobalID[0]
		if gid >= inv.Load(SlotBuildInfo, infoAllocNum) {
			return
		}
		inv.Store(SlotNodes, inv.Load(SlotBuildInfo, infoAllocBegin)+gid, 0)
	},
}

var tagNodeKernel = &gpu.Kernel{
	Label:         "OctreeTagNode",
	EntryPoint:    "main",
	WGSL:          shaders.OctreeTagNodeWGSL,
	WorkgroupSize: workgroupSize,
	Bindings: []gpu.Binding{
		{Slot: SlotNodes, Access: gpu.AccessShaderRead | gpu.AccessShaderWrite},
		{Slot: SlotFragments, Access: gpu.AccessShaderRead},
	},
	Constants: []string{"FRAGMENT_NUM", "VOXEL_RESOLUTION"},
	Invoke: func(inv *gpu.Invocation) {
		gid := inv.GlobalID[0]
		if gid >= inv.Constant(0) {
			return
		}
		f := volume.Fragment{
			Lo: inv.Load(SlotFragments, gid*2),
			Hi: inv.Load(SlotFragments, gid*2+1),
		}
		x, y, z, rgb := f.Unpack()

		dim := inv.Constant(1)
		var cur, idx uint32
		for {
			dim >>= 1
			idx = cur + octant(x, y, z, dim)
			cur = inv.Load(SlotNodes, idx) & PointerMask
			if cur == 0 || dim <= 1 {
				break
			}
		}
		if dim <= 1 {
			inv.Store(SlotNodes, idx, NodeFlag|rgb)
		} else {
			inv.Store(SlotNodes, idx, NodeFlag)
		}
	},
}

var allocNodeKernel = &gpu.Kernel{
	Label:         "OctreeAllocNode",
	EntryPoint:    "main",
	WGSL:          shaders.OctreeAllocNodeWGSL,
	WorkgroupSize: workgroupSize,
	Bindings: []gpu.Binding{
		{Slot: SlotCounter, Access: gpu.AccessShaderRead | gpu.AccessShaderWrite},
		{Slot: SlotNodes, Access: gpu.AccessShaderRead | gpu.AccessShaderWrite},
		{Slot: SlotBuildInfo, Access: gpu.AccessShaderRead},
		{Slot: SlotDiagnostics, Access: gpu.AccessShaderRead | gpu.AccessShaderWrite},
	},
	Constants: []string{"NODE_CAPACITY"},
	Invoke: func(inv *gpu.Invocation) {
		gid := inv.GlobalID[0]
		if gid >= inv.Load(SlotBuildInfo, infoAllocNum) {
			return
		}
		idx := inv.Load(SlotBuildInfo, infoAllocBegin) + gid
		if inv.Load(SlotNodes, idx) != NodeFlag {
			return
		}
		child := (inv.AtomicAdd(SlotCounter, 0, 1) + 1) << 3
		if child+BlockSize > inv.Constant(0) {
			inv.Store(SlotDiagnostics, diagOverflow, 1)
			return
		}
		inv.Store(SlotNodes, idx, NodeFlag|child)
	},
}

var modifyArgKernel = &gpu.Kernel{
	Label:         "OctreeModifyArg",
	EntryPoint:    "main",
	WGSL:          shaders.OctreeModifyArgWGSL,
	WorkgroupSize: 1,
	Bindings: []gpu.Binding{
		{Slot: SlotCounter, Access: gpu.AccessShaderRead},
		{Slot: SlotBuildInfo, Access: gpu.AccessShaderRead | gpu.AccessShaderWrite},
		{Slot: SlotIndirect, Access: gpu.AccessShaderWrite},
		{Slot: SlotDiagnostics, Access: gpu.AccessShaderRead | gpu.AccessShaderWrite},
	},
	Constants: []string{"NODE_CAPACITY"},
	Invoke: func(inv *gpu.Invocation) {
		counter := inv.Load(SlotCounter, 0)
		total := min((counter+1)<<3, inv.Constant(0))
		begin := inv.Load(SlotBuildInfo, infoAllocBegin) + inv.Load(SlotBuildInfo, infoAllocNum)
		var num uint32
		if total > begin {
			num = total - begin
		}
		inv.Store(SlotBuildInfo, infoAllocBegin, begin)
		inv.Store(SlotBuildInfo, infoAllocNum, num)

		inv.Store(SlotIndirect, 0, gpu.GroupCount64(num))
		inv.Store(SlotIndirect, 1, 1)
		inv.Store(SlotIndirect, 2, 1)

		level := inv.AtomicAdd(SlotDiagnostics, diagCursor, 1)
		if level+diagCounts < inv.Len(SlotDiagnostics) {
			inv.Store(SlotDiagnostics, level+diagCounts, counter)
		}
	},
}
