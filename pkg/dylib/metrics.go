package dylib

import (
	stdelf "debug/elf"
	"errors"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/jitsym/pkg/debuginfo"
	"github.com/grafana/jitsym/pkg/debuginfo/elf"
	"github.com/grafana/jitsym/pkg/util"
)

type Metrics struct {
	LibraryErrors   *prometheus.CounterVec
	ProcErrors      *prometheus.CounterVec
	LibrariesLoaded prometheus.Counter
	Refreshes       prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LibraryErrors: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jitsym_library_errors_total",
			Help: "Total number of errors while trying to load a mapped library",
		}, []string{"error"})),
		ProcErrors: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jitsym_proc_errors_total",
			Help: "Total number of errors while trying to read /proc/pid/maps",
		}, []string{"error"})),
		LibrariesLoaded: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jitsym_libraries_loaded_total",
			Help: "Total number of library files parsed",
		})),
		Refreshes: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jitsym_proc_maps_refreshes_total",
			Help: "Total number of times the memory map was re-read",
		})),
	}
	return m
}

func errorType(err error) string {
	var formatErr *stdelf.FormatError
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "ErrNotExist"
	case errors.Is(err, os.ErrPermission):
		return "ErrPermission"
	case errors.Is(err, os.ErrClosed):
		return "ErrClosed"
	case errors.Is(err, os.ErrInvalid):
		return "ErrInvalid"
	case errors.Is(err, elf.ErrBaseNotFound):
		return "ErrBaseNotFound"
	case errors.Is(err, debuginfo.ErrNoDebugInfo):
		return "ErrNoDebugInfo"
	case errors.As(err, &formatErr):
		return "FormatError"
	}
	return "Other"
}
