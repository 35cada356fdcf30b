package firmware

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/symsrv/symsrv/pkg/util"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

type metrics struct {
	refreshDuration *prometheus.HistogramVec
	artifacts       prometheus.Gauge
	matches         *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		refreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "symsrv_firmware_refresh_duration_seconds",
			Help:    "Time taken to rebuild the firmware catalog snapshot.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		artifacts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "symsrv_firmware_catalog_artifacts",
			Help: "Number of firmware archives in the current catalog snapshot.",
		}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symsrv_firmware_match_total",
			Help: "Catalog match queries by outcome.",
		}, []string{"result"}),
	}
	if reg != nil {
		m.refreshDuration = util.RegisterOrGet(reg, m.refreshDuration)
		m.artifacts = util.RegisterOrGet(reg, m.artifacts)
		m.matches = util.RegisterOrGet(reg, m.matches)
	}
	return m
}
