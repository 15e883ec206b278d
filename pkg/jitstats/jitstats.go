// Package jitstats accounts for machine code emitted by the JIT.
//
// All functions in this package are safe to call from any goroutine and from
// contexts that must not block: updates are a single atomic add and never
// allocate.
package jitstats

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// Counter accumulates emitted code bytes. The zero value is ready to use.
type Counter struct {
	bytes atomic.Uint64
}

// Default is the process-wide counter.
var Default = &Counter{}

// AddBytes adds n emitted bytes to the process-wide counter.
func AddBytes(n uint64) {
	Default.AddBytes(n)
}

// TotalBytes returns the number of bytes added to the process-wide counter.
func TotalBytes() uint64 {
	return Default.TotalBytes()
}

func (c *Counter) AddBytes(n uint64) {
	c.bytes.Add(n)
}

func (c *Counter) TotalBytes() uint64 {
	return c.bytes.Load()
}

// NewCollector exposes c as a monotonic prometheus counter.
func NewCollector(c *Counter) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "jitsym_jit_emitted_bytes_total",
		Help: "Total number of bytes of machine code emitted by the JIT",
	}, func() float64 {
		return float64(c.TotalBytes())
	})
}
