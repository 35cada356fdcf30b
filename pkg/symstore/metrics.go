package symstore

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/symsrv/symsrv/pkg/util"
)

type metrics struct {
	lookupDuration *prometheus.HistogramVec
	lookups        *prometheus.CounterVec
	insertedRanges prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		lookupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "symsrv_symstore_lookup_duration_seconds",
			Help:    "Time taken to resolve a symbol lookup.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symsrv_symstore_lookups_total",
			Help: "Symbol lookups by source of the answer.",
		}, []string{"source"}),
		insertedRanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "symsrv_symstore_inserted_ranges_total",
			Help: "Symbol ranges written by bulk inserts.",
		}),
	}
	if reg != nil {
		m.lookupDuration = util.RegisterOrGet(reg, m.lookupDuration)
		m.lookups = util.RegisterOrGet(reg, m.lookups)
		m.insertedRanges = util.RegisterOrGet(reg, m.insertedRanges)
	}
	return m
}

const (
	lookupSourceMemory     = "memory_cache"
	lookupSourcePersistent = "persistent_cache"
	lookupSourceDatabase   = "database"
	lookupSourceMiss       = "miss"
)
