package symbolicator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/symsrv/symsrv/pkg/util"
)

type metrics struct {
	duration *prometheus.HistogramVec
	frames   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "symsrv_symbolication_duration_seconds",
			Help:    "End-to-end time to symbolicate a crash report.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symsrv_symbolication_frames_total",
			Help: "Crash-report frames by resolution outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		m.duration = util.RegisterOrGet(reg, m.duration)
		m.frames = util.RegisterOrGet(reg, m.frames)
	}
	return m
}
