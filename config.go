package svo

import (
	"github.com/gekko3d/svo/voxelrt/rt/core"
	"github.com/gekko3d/svo/voxelrt/rt/octree"
)

type Logger = core.Logger

func NewDefaultLogger(prefix string, debug bool) Logger {
	return core.NewDefaultLogger(prefix, debug)
}

func orNop(l Logger) Logger { return core.OrNop(l) }

// Config controls the loader and the node buffer sizing of its builds.
type Config struct {
	LogPrefix string
	Debug     bool

	// NodeCountMin and NodeCountMax clamp the node buffer, in words.
	NodeCountMin uint32
	NodeCountMax uint32

	// Workers bounds CPU backend parallelism; 0 means GOMAXPROCS.
	Workers int
}

func DefaultConfig() Config {
	return Config{
		LogPrefix:    "svo",
		NodeCountMin: octree.DefaultNodeCountMin,
		NodeCountMax: octree.DefaultNodeCountMax,
	}
}

func (c Config) builderOptions(ratio uint32) octree.Options {
	return octree.Options{
		NodeCountMin: c.NodeCountMin,
		NodeCountMax: c.NodeCountMax,
		NodeRatio:    ratio,
	}
}
