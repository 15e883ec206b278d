package symbolizer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/jitsym/pkg/util"
)

const (
	sourceJIT     = "jit"
	sourceLibrary = "library"
	sourceNone    = "none"

	statusFound     = "found"
	statusNoContext = "no_debug_info"
	statusNotFound  = "not_found"
)

type metrics struct {
	lookups              *prometheus.CounterVec
	profileSymbolization *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		lookups: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jitsym_lookups_total",
			Help: "Total number of address lookups by the resolver that answered and outcome",
		}, []string{"source", "status"})),
		profileSymbolization: util.RegisterOrGet(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jitsym_profile_symbolization_duration_seconds",
			Help:    "Time spent symbolizing a profile",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"})),
	}
	return m
}
