package jitstats

import (
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounterConcurrentAdds(t *testing.T) {
	c := &Counter{}
	const (
		workers = 16
		adds    = 1000
	)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < adds; i++ {
				c.AddBytes(uint64(w + 1))
			}
		}(w)
	}
	wg.Wait()

	expected := uint64(0)
	for w := 0; w < workers; w++ {
		expected += uint64(w+1) * adds
	}
	require.Equal(t, expected, c.TotalBytes())
}

func TestCounterMonotonic(t *testing.T) {
	c := &Counter{}
	prev := c.TotalBytes()
	for _, n := range []uint64{0, 1, 4096, 0, 17} {
		c.AddBytes(n)
		cur := c.TotalBytes()
		require.GreaterOrEqual(t, cur, prev)
		require.Equal(t, prev+n, cur)
		prev = cur
	}
}

func TestDefaultCounter(t *testing.T) {
	before := TotalBytes()
	AddBytes(128)
	require.Equal(t, before+128, TotalBytes())
}

func TestCollector(t *testing.T) {
	c := &Counter{}
	c.AddBytes(42)
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(c))

	expected := `
# HELP jitsym_jit_emitted_bytes_total Total number of bytes of machine code emitted by the JIT
# TYPE jitsym_jit_emitted_bytes_total counter
jitsym_jit_emitted_bytes_total 42
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "jitsym_jit_emitted_bytes_total"))
}
