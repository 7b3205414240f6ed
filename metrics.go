package svo

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gekko3d/svo/voxelrt/rt/octree"
	"github.com/gekko3d/svo/voxelrt/rt/volume"
	"github.com/gekko3d/svo/voxelrt/rt/voxelize"
)

const (
	sourceLabel = "source"
	reasonLabel = "reason"
)

var (
	loads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "svo_loads_total",
		Help: "The number of octree builds that were handed to the live octree.",
	}, []string{
		sourceLabel,
	})

	loadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "svo_load_failures_total",
		Help: "The number of loads that produced no octree.",
	}, []string{
		sourceLabel,
		reasonLabel,
	})

	buildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "svo_build_duration_seconds",
		Help:    "The time from launch to a finished octree build.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{
		sourceLabel,
	})

	octreeRange = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "svo_octree_range_bytes",
		Help: "The used size of the live octree node buffer.",
	})

	removedVoxels = promauto.NewCounter(prometheus.CounterOpts{
		Name: "svo_region_removed_voxels_total",
		Help: "The number of voxels removed by region edits.",
	})
)

func instrumentLoad(source string, start time.Time) {
	loads.With(prometheus.Labels{
		sourceLabel: source,
	}).Inc()
	buildDuration.With(prometheus.Labels{
		sourceLabel: source,
	}).Observe(time.Since(start).Seconds())
}

func instrumentLoadFailure(source string, err error) {
	loadFailures.
		With(prometheus.Labels{
			sourceLabel: source,
			reasonLabel: failureReason(err),
		}).
		Inc()
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidMagic), errors.Is(err, ErrVersionTooOld),
		errors.Is(err, ErrMissingChunk), errors.Is(err, ErrMalformedChunk):
		return "invalid_vox"
	case errors.Is(err, ErrEmptyModel), errors.Is(err, voxelize.ErrEmptyMesh):
		return "empty_model"
	case errors.Is(err, volume.ErrUnsupportedLevel):
		return "unsupported_level"
	case errors.Is(err, octree.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, errWorkerPanic):
		return "panic"
	default:
		return "other"
	}
}
