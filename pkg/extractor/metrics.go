package extractor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/symsrv/symsrv/pkg/util"
)

type metrics struct {
	scanDuration     *prometheus.HistogramVec
	scans            *prometheus.CounterVec
	symbolsExtracted prometheus.Counter
	cachesFound      prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		scanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "symsrv_extractor_scan_duration_seconds",
			Help:    "Time taken to download and scan a firmware archive.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"status"}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symsrv_extractor_scans_total",
			Help: "Firmware scans by outcome.",
		}, []string{"status"}),
		symbolsExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "symsrv_extractor_symbols_extracted_total",
			Help: "Symbol ranges extracted from firmware archives.",
		}),
		cachesFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "symsrv_extractor_shared_caches_found_total",
			Help: "Shared-library caches located inside firmware archives.",
		}),
	}
	if reg != nil {
		m.scanDuration = util.RegisterOrGet(reg, m.scanDuration)
		m.scans = util.RegisterOrGet(reg, m.scans)
		m.symbolsExtracted = util.RegisterOrGet(reg, m.symbolsExtracted)
		m.cachesFound = util.RegisterOrGet(reg, m.cachesFound)
	}
	return m
}
