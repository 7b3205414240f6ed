package shaders

import (
	_ "embed"
)

//go:embed octree_init_node.wgsl
var OctreeInitNodeWGSL string

//go:embed octree_tag_node.wgsl
var OctreeTagNodeWGSL string

//go:embed octree_alloc_node.wgsl
var OctreeAllocNodeWGSL string

//go:embed octree_modify_arg.wgsl
var OctreeModifyArgWGSL string
