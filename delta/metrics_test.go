package delta

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsObserveFrame(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveFrame(FrameOutcome{
		Frame:    2,
		Status:   StatusOK,
		Duration: 20 * time.Millisecond,
		Stats:    FrameStats{SourceSize: 10, MatchPercent: 80, MeanDelta: 0.5, Clipped: 3, NonFinite: 1},
	})
	m.ObserveFrame(FrameOutcome{Frame: 3, Status: StatusDegraded, Stats: FrameStats{}})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesTotal.WithLabelValues("degraded")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.LastFrame))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ClippedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NonFiniteTotal))
	// Degraded frames leave the match gauges at the last good values.
	assert.Equal(t, 80.0, testutil.ToFloat64(m.MatchPercent))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.MeanDelta))

	assert.Equal(t, 1, testutil.CollectAndCount(m.FrameDuration))
}

func TestMetricsObserveRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	ref := newSet([]int64{1, 2}, Vec3{0, 0, 0}, Vec3{1, 0, 0})
	src := MemorySource{1: ref, 2: ref}
	d, _ := newTestDriver(NewMemorySink(), baseOptions(StrategyFrameToBase))
	d.AddObserver(m)

	_, err := d.Run(t.Context(), FrameRange{First: 1, Last: 3, Base: 1}, src, src)
	assert.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesTotal.WithLabelValues("degraded")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.MatchPercent))

	n, err := testutil.GatherAndCount(reg, "splatdelta_frames_total")
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
}
