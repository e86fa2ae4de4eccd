package delta

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports pipeline progress. It implements FrameObserver.
type Metrics struct {
	FramesTotal      *prometheus.CounterVec
	FrameDuration    prometheus.Histogram
	MatchPercent     prometheus.Gauge
	MeanDelta        prometheus.Gauge
	NonFiniteTotal   prometheus.Counter
	ClippedTotal     prometheus.Counter
	LastFrame        prometheus.Gauge
	ServedBytesTotal *prometheus.CounterVec
}

// NewMetrics registers the pipeline metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "splatdelta_frames_total",
				Help: "Frames processed by outcome",
			},
			[]string{"status"}, // ok/degraded/fatal
		),
		FrameDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "splatdelta_frame_duration_seconds",
			Help:    "Time to load, match, compute and write one frame",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		MatchPercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "splatdelta_match_percent",
			Help: "Match percentage of the last successful frame",
		}),
		MeanDelta: f.NewGauge(prometheus.GaugeOpts{
			Name: "splatdelta_mean_position_delta",
			Help: "Mean position delta magnitude of the last successful frame",
		}),
		NonFiniteTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "splatdelta_non_finite_components_total",
			Help: "Delta components replaced with zero because they were NaN or infinite",
		}),
		ClippedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "splatdelta_clipped_components_total",
			Help: "Position delta components clamped to the clip range",
		}),
		LastFrame: f.NewGauge(prometheus.GaugeOpts{
			Name: "splatdelta_last_frame",
			Help: "Index of the most recently processed frame",
		}),
		ServedBytesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "splatdelta_served_bytes_total",
				Help: "Bytes written by the artifact server",
			},
			[]string{"kind"}, // delta/report/other
		),
	}
}

// ObserveFrame implements FrameObserver.
func (m *Metrics) ObserveFrame(o FrameOutcome) {
	m.FramesTotal.WithLabelValues(string(o.Status)).Inc()
	m.FrameDuration.Observe(o.Duration.Seconds())
	m.LastFrame.Set(float64(o.Frame))
	m.NonFiniteTotal.Add(float64(o.Stats.NonFinite))
	m.ClippedTotal.Add(float64(o.Stats.Clipped))
	if o.Status == StatusOK && o.Stats.SourceSize > 0 {
		m.MatchPercent.Set(o.Stats.MatchPercent)
		m.MeanDelta.Set(o.Stats.MeanDelta)
	}
}
