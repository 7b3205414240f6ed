package svo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/gekko3d/svo/voxelrt/rt/app"
	"github.com/gekko3d/svo/voxelrt/rt/core"
	"github.com/gekko3d/svo/voxelrt/rt/editor"
	"github.com/gekko3d/svo/voxelrt/rt/gpu"
	"github.com/gekko3d/svo/voxelrt/rt/octree"
	"github.com/gekko3d/svo/voxelrt/rt/volume"
	"github.com/gekko3d/svo/voxelrt/rt/voxelize"
)

var (
	ErrBuildRunning = errors.New("svo: a build is running")
	ErrNoFragments  = errors.New("svo: no fragment list loaded")

	errWorkerPanic = errors.New("svo: loader worker panicked")
)

// voxNodeRatioFloor is the minimum node ratio of voxel model builds, whose
// fragments are sparser per node than voxelized surfaces.
const voxNodeRatioFloor = 8

type loadResult struct {
	job     uuid.UUID
	source  string
	started time.Time
	builder *octree.Builder
	list    *volume.FragmentList
	err     error
}

// status is the human readable progress line shown while a load runs.
type status struct {
	mu  sync.RWMutex
	msg string
}

func (s *status) set(msg string) {
	s.mu.Lock()
	s.msg = msg
	s.mu.Unlock()
}

func (s *status) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.msg
}

// Loader runs loads on a worker goroutine and hands finished octrees to the
// live octree from the main loop. At most one worker runs at a time. Builds
// run on the device's loader queue; the node buffer is moved to the main
// queue family when the two differ.
type Loader struct {
	cfg      Config
	dev      gpu.Device
	octree   core.Consumer
	logger   Logger
	editor   *editor.Editor
	profiler *app.Profiler
	status   status

	mu        sync.Mutex
	running   bool
	results   chan loadResult
	done      chan struct{}
	builder   *octree.Builder
	fragments *volume.FragmentList
	lastErr   error
}

func NewLoader(cfg Config, dev gpu.Device, consumer core.Consumer, logger Logger) *Loader {
	logger = orNop(logger)
	l := &Loader{
		cfg:      cfg,
		dev:      dev,
		octree:   consumer,
		logger:   logger,
		editor:   editor.NewEditor(logger),
		profiler: app.NewProfiler(),
	}
	l.status.set("Ready")
	return l
}

// Launch starts loading path into an octree of the given depth. It returns
// false and does nothing while another load is running.
func (l *Loader) Launch(path string, depth uint32) bool {
	return l.LaunchSource(SourceFor(path), depth)
}

func (l *Loader) LaunchSource(src Source, depth uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launchLocked(src, depth)
}

// LaunchRebuild builds a new octree from the current fragment list, which
// region edits may have changed. NeedsRebuild stays set until the rebuilt
// octree is joined.
func (l *Loader) LaunchRebuild() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fragments == nil {
		return false
	}
	return l.launchLocked(rebuildSource{list: l.fragments}, l.fragments.Level())
}

func (l *Loader) launchLocked(src Source, depth uint32) bool {
	if l.running {
		l.logger.Debugf("Loader: %s load refused, a build is running", src.Kind())
		return false
	}
	l.running = true
	l.results = make(chan loadResult, 1)
	l.done = make(chan struct{})
	job := uuid.New()
	l.status.set("Starting " + src.Kind() + " load")
	l.logger.Infof("Loader job %s: %s load at level %d", job, src.Kind(), depth)
	go l.work(job, src, depth, l.results, l.done)
	return true
}

func (l *Loader) work(job uuid.UUID, src Source, depth uint32, results chan<- loadResult, done chan<- struct{}) {
	defer close(done)
	res := loadResult{job: job, source: src.Kind(), started: time.Now()}
	defer func() {
		if r := recover(); r != nil {
			res.builder, res.list = nil, nil
			res.err = fmt.Errorf("%w: %v", errWorkerPanic, r)
		}
		results <- res
	}()

	res.builder, res.list, res.err = l.build(context.Background(), job, src, depth)
	if res.err == nil {
		l.logger.Infof("Loader job %s: octree build FINISHED in %d ms", job, time.Since(res.started).Milliseconds())
	}
}

// build turns src into a built octree on the loader queue. The returned
// fragment list is the one the octree was built from.
func (l *Loader) build(ctx context.Context, job uuid.UUID, src Source, depth uint32) (*octree.Builder, *volume.FragmentList, error) {
	q := l.dev.LoaderQueue()
	list, ratio, owned, err := l.fragmentList(q, src, depth)
	if err != nil {
		return nil, nil, err
	}
	fail := func(err error) (*octree.Builder, *volume.FragmentList, error) {
		if owned {
			err = multierr.Append(err, list.Release())
		}
		return nil, nil, err
	}

	b, err := octree.NewBuilder(l.dev, q, list, l.cfg.builderOptions(ratio))
	if err != nil {
		return fail(fmt.Errorf("failed to create octree builder: %w", err))
	}
	mainFamily := l.dev.MainQueue().Family()
	d, err := l.profiler.Scope("build", func() error { return b.Run(ctx, q, mainFamily) })
	if err != nil {
		return fail(multierr.Append(err, b.Release()))
	}
	l.logger.Debugf("Loader job %s: %d fragments, %d levels in %d ms", job, b.FragmentCount(), b.Level(), d.Milliseconds())

	if mainFamily != q.Family() {
		if err := l.acquire(ctx, b, q.Family(), mainFamily); err != nil {
			return fail(multierr.Append(fmt.Errorf("failed to acquire octree: %w", err), b.Release()))
		}
	}
	return b, list, nil
}

// acquire records the receiving half of the node buffer transfer on the main
// queue.
func (l *Loader) acquire(ctx context.Context, b *octree.Builder, src, dst uint32) error {
	main := l.dev.MainQueue()
	cb, err := l.dev.CreateCommandBuffer(main)
	if err != nil {
		return err
	}
	b.CmdTransferOwnership(cb, src, dst, gpu.StageTopOfPipe, gpu.StageComputeShader)
	if err := cb.End(); err != nil {
		return err
	}
	fence := l.dev.CreateFence()
	if err := main.Submit(cb, fence); err != nil {
		return err
	}
	return fence.Wait(ctx)
}

// fragmentList converts src into a fragment list on q. owned reports whether
// the list was created here.
func (l *Loader) fragmentList(q gpu.Queue, src Source, depth uint32) (list *volume.FragmentList, ratio uint32, owned bool, err error) {
	var frags []volume.Fragment
	switch s := src.(type) {
	case VoxSource:
		l.status.set("Loading .vox file")
		var vf *VoxFile
		if _, err := l.profiler.Scope("load", func() (err error) {
			vf, err = LoadVoxFile(s.Path, l.logger)
			return err
		}); err != nil {
			return nil, 0, false, err
		}
		l.status.set("Converting .vox data")
		if frags, err = VoxFragments(vf, depth, l.logger); err != nil {
			return nil, 0, false, err
		}
		ratio = max(voxNodeRatioFloor, depth/3)
		l.status.set("Building Octree from .vox data")
	case MeshSource:
		l.status.set("Loading mesh")
		var m *voxelize.Mesh
		if _, err := l.profiler.Scope("load", func() (err error) {
			m, err = voxelize.LoadOBJ(s.Path)
			return err
		}); err != nil {
			return nil, 0, false, err
		}
		l.status.set("Voxelizing and Building Octree")
		var set *volume.Set
		if _, err := l.profiler.Scope("voxelize", func() (err error) {
			set, err = voxelize.Voxelize(m, depth)
			return err
		}); err != nil {
			return nil, 0, false, err
		}
		frags = set.Fragments()
	case SetSource:
		if s.Set == nil || s.Set.Level() != depth {
			return nil, 0, false, fmt.Errorf("%w: set %q does not match depth %d", volume.ErrUnsupportedLevel, s.Name, depth)
		}
		l.status.set("Building Octree")
		frags = s.Set.Fragments()
	case rebuildSource:
		l.status.set("Rebuilding Octree")
		return s.list, 0, false, nil
	default:
		return nil, 0, false, fmt.Errorf("unknown source %T", src)
	}

	l.profiler.SetCount("fragments", len(frags))
	list, err = volume.NewFragmentList(l.dev, q, depth, frags)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to create fragment list: %w", err)
	}
	return list, ratio, true, nil
}

// TryJoin polls for the worker's result without blocking. Once a result is
// available it joins the worker and, on success, hands the builder to the
// live octree after the main queue is idle. It reports whether a result was
// consumed.
func (l *Loader) TryJoin() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return false
	}
	var res loadResult
	select {
	case res = <-l.results:
	default:
		return false
	}
	<-l.done
	l.running = false
	l.builder = nil
	l.lastErr = nil

	if res.err != nil {
		l.fail(res, res.err)
		return true
	}
	if err := l.dev.MainQueue().WaitIdle(); err != nil {
		l.discard(res)
		l.fail(res, fmt.Errorf("failed to wait for main queue: %w", err))
		return true
	}
	if err := l.octree.Update(l.dev.LoaderQueue(), res.builder); err != nil {
		l.discard(res)
		l.fail(res, fmt.Errorf("failed to update octree: %w", err))
		return true
	}

	l.builder = res.builder
	if res.list != l.fragments {
		if l.fragments != nil {
			if err := l.fragments.Release(); err != nil {
				l.logger.Warnf("Failed to release previous fragment list: %v", err)
			}
		}
		l.fragments = res.list
	}
	l.editor.ClearRebuildFlag()
	size := l.octree.Range()
	octreeRange.Set(float64(size))
	instrumentLoad(res.source, res.started)
	l.status.set("Ready")
	l.logger.Infof("Octree range: %d (%.2f MB)", size, float64(size)/1e6)
	return true
}

// discard releases a result that will not reach the live octree. The
// current fragment list is kept.
func (l *Loader) discard(res loadResult) {
	err := res.builder.Release()
	if res.list != nil && res.list != l.fragments {
		err = multierr.Append(err, res.list.Release())
	}
	if err != nil {
		l.logger.Warnf("Failed to release discarded build: %v", err)
	}
}

func (l *Loader) fail(res loadResult, err error) {
	l.lastErr = err
	instrumentLoadFailure(res.source, err)
	l.status.set("Load failed")
	l.logger.Errorf("Loader job %s: %s load failed: %v", res.job, res.source, err)
}

func (l *Loader) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Builder returns the builder of the last successful join, or nil if the
// last joined load failed. The live octree owns it.
func (l *Loader) Builder() *octree.Builder {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.builder
}

func (l *Loader) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

func (l *Loader) Status() string { return l.status.get() }

func (l *Loader) Profiler() *app.Profiler { return l.profiler }

// FragmentCount returns the size of the fragment list of the live octree.
func (l *Loader) FragmentCount() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fragments == nil {
		return 0
	}
	return l.fragments.Count()
}

// RemoveVoxelsRegion removes the voxels within radius of center, both in
// units of the whole volume, from the live octree's fragment list. It is
// refused while a build runs. The octree is unchanged until LaunchRebuild.
func (l *Loader) RemoveVoxelsRegion(center mgl32.Vec3, radius float32) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return 0, ErrBuildRunning
	}
	if l.fragments == nil {
		return 0, ErrNoFragments
	}
	removed, err := l.editor.RemoveVoxelsRegion(l.dev.LoaderQueue(), l.fragments, center, radius)
	if err != nil {
		return 0, err
	}
	removedVoxels.Add(float64(removed))
	return removed, nil
}

func (l *Loader) NeedsRebuild() bool { return l.editor.NeedsRebuild() }

// Close waits for a running worker, drops its result and releases the
// fragment list. The live octree is not released.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	if l.running {
		<-l.done
		res := <-l.results
		l.running = false
		if res.err == nil {
			err = res.builder.Release()
			if res.list != l.fragments {
				err = multierr.Append(err, res.list.Release())
			}
		}
	}
	if l.fragments != nil {
		err = multierr.Append(err, l.fragments.Release())
		l.fragments = nil
	}
	l.builder = nil
	return err
}
