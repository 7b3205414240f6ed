package main

import (
	"errors"
	"fmt"
	"math/bits"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/gekko3d/svo"
	"github.com/gekko3d/svo/voxelrt/rt/core"
	"github.com/gekko3d/svo/voxelrt/rt/gpu"
	"github.com/gekko3d/svo/voxelrt/rt/gpu/webgpu"
	"github.com/gekko3d/svo/voxelrt/rt/octree"
	"github.com/gekko3d/svo/voxelrt/rt/volume"
)

const (
	flagInput          = "input"
	flagLevel          = "level"
	flagBackend        = "backend"
	flagSeparateQueues = "separate-queues"
	flagWorkers        = "workers"
	flagDebug          = "debug"
	flagNodeMin        = "node-min"
	flagNodeMax        = "node-max"
	flagRemove         = "remove"
	flagDemo           = "demo"
	flagMetricsAddr    = "metrics-addr"
	flagOut            = "out"
	flagSize           = "size"
	flagColor          = "color"
)

func init() {
	// The accelerator backend is driven from the main thread.
	runtime.LockOSThread()
}

func main() {
	app := &cli.App{
		Name:  "svo",
		Usage: "build sparse voxel octrees from meshes and voxel models",
		Commands: []*cli.Command{
			buildCommand(),
			exportCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildCommand() *cli.Command {
	return &cli.Command{
		Name:  "build",
		Usage: "load a .obj or .vox file (or a demo shape) and build its octree",
		Flags: []cli.Flag{
			&cli.PathFlag{Name: flagInput, Aliases: []string{"i"}, Usage: "model file, .vox or .obj", EnvVars: []string{"SVO_INPUT"}},
			&cli.UintFlag{Name: flagLevel, Aliases: []string{"l"}, Value: 8, Usage: "octree depth, 1 to 12", EnvVars: []string{"SVO_LEVEL"}},
			&cli.StringFlag{Name: flagBackend, Value: "cpu", Usage: "cpu or webgpu", EnvVars: []string{"SVO_BACKEND"}},
			&cli.BoolFlag{Name: flagSeparateQueues, Usage: "cpu backend: build on a separate queue family", EnvVars: []string{"SVO_SEPARATE_QUEUES"}},
			&cli.IntFlag{Name: flagWorkers, Usage: "cpu backend: parallel workgroups, 0 for GOMAXPROCS", EnvVars: []string{"SVO_WORKERS"}},
			&cli.BoolFlag{Name: flagDebug, Usage: "debug logging", EnvVars: []string{"SVO_DEBUG"}},
			&cli.UintFlag{Name: flagNodeMin, Value: octree.DefaultNodeCountMin, Usage: "minimum node buffer size in words", EnvVars: []string{"SVO_NODE_MIN"}},
			&cli.UintFlag{Name: flagNodeMax, Value: octree.DefaultNodeCountMax, Usage: "maximum node buffer size in words", EnvVars: []string{"SVO_NODE_MAX"}},
			&cli.Float64SliceFlag{Name: flagRemove, Usage: "remove a sphere x,y,z,radius in unit volume coordinates and rebuild"},
			&cli.StringFlag{Name: flagDemo, Usage: "build a generated sphere, cube or cone instead of a file"},
			&cli.StringFlag{Name: flagMetricsAddr, Usage: "serve prometheus metrics on this address", EnvVars: []string{"SVO_METRICS_ADDR"}},
		},
		Action: runBuild,
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "write a demo shape as a .vox model",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagDemo, Value: "sphere", Usage: "sphere, cube or cone"},
			&cli.PathFlag{Name: flagOut, Aliases: []string{"o"}, Required: true, Usage: "output .vox file"},
			&cli.UintFlag{Name: flagSize, Value: 64, Usage: "model size in voxels, at most 256"},
			&cli.UintFlag{Name: flagColor, Value: 0xd08030, Usage: "24-bit RGB color"},
		},
		Action: runExport,
	}
}

func newDevice(c *cli.Context) (gpu.Device, error) {
	switch backend := c.String(flagBackend); backend {
	case "cpu":
		return gpu.NewCPUDevice(gpu.CPUDeviceOptions{
			SeparateLoaderFamily: c.Bool(flagSeparateQueues),
			Workers:              c.Int(flagWorkers),
		}), nil
	case "webgpu":
		return webgpu.NewDevice()
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

// demoSet fills a set of the given level with a shape spanning half the grid.
func demoSet(shape string, level uint32, rgb uint32) (*volume.Set, error) {
	s := volume.NewSet(level)
	res := float32(uint32(1) << level)
	c := mgl32.Vec3{res / 2, res / 2, res / 2}
	switch shape {
	case "sphere":
		volume.Sphere(s, c, res/4, rgb)
	case "cube":
		volume.Cube(s, c.Sub(mgl32.Vec3{res / 4, res / 4, res / 4}), c.Add(mgl32.Vec3{res / 4, res / 4, res / 4}), rgb)
	case "cone":
		volume.Cone(s, c.Sub(mgl32.Vec3{0, res / 4, 0}), c.Add(mgl32.Vec3{0, res / 4, 0}), res/4, rgb)
	default:
		return nil, fmt.Errorf("unknown demo shape %q", shape)
	}
	return s, nil
}

func runBuild(c *cli.Context) error {
	cfg := svo.DefaultConfig()
	cfg.Debug = c.Bool(flagDebug)
	cfg.Workers = c.Int(flagWorkers)
	cfg.NodeCountMin = uint32(c.Uint(flagNodeMin))
	cfg.NodeCountMax = uint32(c.Uint(flagNodeMax))
	logger := svo.NewDefaultLogger(cfg.LogPrefix, cfg.Debug)
	level := uint32(c.Uint(flagLevel))

	var src svo.Source
	switch {
	case c.String(flagDemo) != "":
		if err := volume.ValidateLevel(level); err != nil {
			return err
		}
		set, err := demoSet(c.String(flagDemo), level, 0xd08030)
		if err != nil {
			return err
		}
		src = svo.SetSource{Name: c.String(flagDemo), Set: set}
	case c.Path(flagInput) != "":
		src = svo.SourceFor(c.Path(flagInput))
	default:
		return errors.New("either --input or --demo is required")
	}

	var remove []float64
	if c.IsSet(flagRemove) {
		remove = c.Float64Slice(flagRemove)
		if len(remove) != 4 {
			return fmt.Errorf("--%s needs x,y,z,radius, got %d values", flagRemove, len(remove))
		}
	}

	if addr := c.String(flagMetricsAddr); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Errorf("Metrics server stopped: %v", err)
			}
		}()
		logger.Infof("Serving metrics on %s/metrics", addr)
	}

	dev, err := newDevice(c)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	defer dev.Release()

	live := core.NewOctree(logger)
	defer live.Release()
	loader := svo.NewLoader(cfg, dev, live, logger)
	defer loader.Close()

	if !loader.LaunchSource(src, level) {
		return errors.New("loader is busy")
	}
	if err := wait(loader, logger); err != nil {
		return err
	}
	report(dev, loader, live, logger)

	if remove != nil {
		center := mgl32.Vec3{float32(remove[0]), float32(remove[1]), float32(remove[2])}
		removed, err := loader.RemoveVoxelsRegion(center, float32(remove[3]))
		if err != nil {
			return err
		}
		logger.Infof("Removed %d voxels", removed)
		if loader.NeedsRebuild() {
			loader.LaunchRebuild()
			if err := wait(loader, logger); err != nil {
				return err
			}
			report(dev, loader, live, logger)
		}
	}
	return nil
}

// wait polls the loader the way a frame loop would and logs status changes.
func wait(loader *svo.Loader, logger svo.Logger) error {
	ticker := time.NewTicker(16 * time.Millisecond)
	defer ticker.Stop()
	last := ""
	for range ticker.C {
		if s := loader.Status(); s != last && s != "" {
			logger.Debugf("Status: %s", s)
			last = s
		}
		if loader.TryJoin() {
			break
		}
	}
	return loader.LastError()
}

func report(dev gpu.Device, loader *svo.Loader, live *core.Octree, logger svo.Logger) {
	logger.Infof("Octree level %d, %d fragments, %d bytes", live.Level(), loader.FragmentCount(), live.Range())
	if b := loader.Builder(); b != nil {
		if counts, err := b.LevelCounts(dev.LoaderQueue()); err == nil {
			logger.Infof("Allocated blocks per level: %v", counts)
		}
	}
	if logger.DebugEnabled() {
		logger.Debugf("\n%s", loader.Profiler().GetStatsString())
	}
}

func runExport(c *cli.Context) error {
	size := c.Uint(flagSize)
	if size == 0 || size > 256 {
		return fmt.Errorf("--%s must be in 1..256", flagSize)
	}
	rgb := uint32(c.Uint(flagColor))
	// The shape spans half the grid, so half the grid must hold size voxels.
	level := uint32(bits.Len(size-1)) + 1
	set, err := demoSet(c.String(flagDemo), level, rgb)
	if err != nil {
		return err
	}

	half := float32(uint32(1)<<level) / 2
	scale := float32(size) / half
	lo := half / 2
	seen := make(map[[3]byte]bool)
	model := svo.VoxModel{SizeX: uint32(size), SizeY: uint32(size), SizeZ: uint32(size)}
	for _, f := range set.Fragments() {
		p := f.Position()
		var v [3]byte
		for i := range v {
			v[i] = byte(min(uint(max((float32(p[i])-lo)*scale, 0)), size-1))
		}
		if seen[v] {
			continue
		}
		seen[v] = true
		// Voxel models are Z-up.
		model.Voxels = append(model.Voxels, svo.Voxel{X: v[0], Y: v[2], Z: v[1], ColorIndex: 1})
	}

	vf := &svo.VoxFile{Models: []svo.VoxModel{model}, Palette: svo.DefaultPalette(), CustomPalette: true}
	vf.Palette[0] = [4]byte{byte(rgb >> 16), byte(rgb >> 8), byte(rgb), 255}

	out, err := os.Create(c.Path(flagOut))
	if err != nil {
		return err
	}
	if err := svo.WriteVox(out, vf); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	fmt.Printf("wrote %d voxels to %s\n", len(model.Voxels), c.Path(flagOut))
	return nil
}
