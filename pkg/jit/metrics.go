package jit

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/jitsym/pkg/util"
)

type Metrics struct {
	Images          prometheus.Gauge
	Sections        prometheus.Gauge
	RegisterErrors  *prometheus.CounterVec
	ContextErrors   prometheus.Counter
	ContextsCreated prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Images: util.RegisterOrGet(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jitsym_jit_images",
			Help: "Number of JIT images currently registered",
		})),
		Sections: util.RegisterOrGet(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jitsym_jit_sections",
			Help: "Number of executable JIT sections currently registered",
		})),
		RegisterErrors: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jitsym_jit_register_errors_total",
			Help: "Total number of rejected JIT image registrations",
		}, []string{"error"})),
		ContextErrors: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jitsym_jit_context_errors_total",
			Help: "Total number of JIT images whose debug info could not be loaded",
		})),
		ContextsCreated: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jitsym_jit_contexts_created_total",
			Help: "Total number of debug info contexts created for JIT images",
		})),
	}
	return m
}
