package jit

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/jitsym/pkg/debuginfo"
	elf2 "github.com/grafana/jitsym/pkg/debuginfo/elf"
	"github.com/grafana/jitsym/pkg/jitstats"
	"github.com/grafana/jitsym/pkg/object"
	"github.com/grafana/jitsym/pkg/util"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const loadAddress = 0x7e0000000000

//go:noinline
func jitTarget(x int) int {
	return x*3 + 1
}

var (
	selfOnce sync.Once
	selfData []byte
	selfText object.SectionRef
)

// selfImage returns the running test binary as a JIT image with .text
// loaded at at.
func selfImage(t *testing.T, at uint64) Image {
	t.Helper()
	selfOnce.Do(func() {
		exe, err := os.Executable()
		require.NoError(t, err)
		selfData, err = os.ReadFile(exe)
		require.NoError(t, err)
		f, err := elf2.OpenBytes(selfData)
		require.NoError(t, err)
		for i := range f.Sections {
			if f.Sections[i].Name == ".text" {
				selfText = f.SectionRef(i)
			}
		}
	})
	require.NotEmpty(t, selfData)
	return Image{
		Name:     "self",
		Object:   selfData,
		Sections: []LoadedSection{{Name: ".text", LoadAddress: at}, {Name: ".rodata", LoadAddress: at + 0x40000000}},
	}
}

// runtimeAddress maps a function of this binary into the fake load address.
func runtimeAddress(fn any, at uint64) uint64 {
	pc := uint64(reflect.ValueOf(fn).Pointer())
	return pc - selfText.Address + at
}

func newTestRegistry(t *testing.T) (*Registry, *jitstats.Counter) {
	counter := &jitstats.Counter{}
	r := NewRegistry(util.TestLogger(t), Options{Counter: counter})
	t.Cleanup(func() { require.NoError(t, r.Close()) })
	return r, counter
}

func TestRegisterLookup(t *testing.T) {
	r, counter := newTestRegistry(t)
	require.NoError(t, r.Register(selfImage(t, loadAddress)))
	require.Equal(t, selfText.Size, counter.TotalBytes())

	pc := runtimeAddress(jitTarget, loadAddress)
	info, status := r.Lookup(pc)
	require.Equal(t, Found, status)
	require.Equal(t, ".text", info.Section.Name)
	require.Equal(t, uint64(reflect.ValueOf(jitTarget).Pointer()), info.Slide.FileAddress(pc))
	require.True(t, info.Section.Contains(info.Slide.FileAddress(pc)))
	require.Greater(t, info.SymbolSize, uint64(0))
	require.NotNil(t, info.Context)

	li, err := info.Context.LineInfoForAddress(object.MakeAddress(info.Section, info.Slide.FileAddress(pc)))
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(li.FunctionName, ".jitTarget"), li.FunctionName)
	require.True(t, strings.HasSuffix(li.FileName, "jit_test.go"), li.FileName)

	again, status := r.Lookup(pc + 1)
	require.Equal(t, Found, status)
	require.Same(t, info.Context, again.Context)
	require.Equal(t, info.SymbolSize, again.SymbolSize)

	start, ok := r.SectionStart(pc)
	require.True(t, ok)
	require.Equal(t, uint64(loadAddress), start)

	images := r.Images()
	require.Len(t, images, 1)
	require.Equal(t, "self", images[0].Name)
	require.Equal(t, uint64(loadAddress), images[0].LoadAddress)
}

func TestLookupNotFound(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, status := r.Lookup(loadAddress)
	require.Equal(t, NotFound, status)

	require.NoError(t, r.Register(selfImage(t, loadAddress)))
	for _, pc := range []uint64{0, loadAddress - 1, loadAddress + selfText.Size, loadAddress + 0x40000000} {
		info, status := r.Lookup(pc)
		require.Equal(t, NotFound, status, "pc 0x%x", pc)
		require.Nil(t, info.Context)
	}
	_, ok := r.SectionStart(loadAddress - 1)
	require.False(t, ok)
}

func TestRegisterOverlap(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := &jitstats.Counter{}
	r := NewRegistry(util.TestLogger(t), Options{Counter: counter, Metrics: NewMetrics(reg)})
	defer r.Close()

	require.NoError(t, r.Register(selfImage(t, loadAddress)))
	err := r.Register(selfImage(t, loadAddress+selfText.Size/2))
	require.ErrorIs(t, err, ErrOverlap)
	require.Equal(t, selfText.Size, counter.TotalBytes())
	require.Equal(t, 1.0, testutil.ToFloat64(r.options.Metrics.RegisterErrors.WithLabelValues("overlap")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.options.Metrics.Images))

	require.NoError(t, r.Register(selfImage(t, loadAddress+selfText.Size)))
	require.Equal(t, 2*selfText.Size, counter.TotalBytes())
	require.Equal(t, 2.0, testutil.ToFloat64(r.options.Metrics.Images))
}

func TestUnregister(t *testing.T) {
	r, counter := newTestRegistry(t)
	require.NoError(t, r.Register(selfImage(t, loadAddress)))

	pc := runtimeAddress(jitTarget, loadAddress)
	require.False(t, r.Unregister(loadAddress+1))
	require.True(t, r.Unregister(loadAddress))
	require.False(t, r.Unregister(loadAddress))

	_, status := r.Lookup(pc)
	require.Equal(t, NotFound, status)
	require.Empty(t, r.Images())
	// emitted bytes are never given back
	require.Equal(t, selfText.Size, counter.TotalBytes())

	require.NoError(t, r.Register(selfImage(t, loadAddress)))
	_, status = r.Lookup(pc)
	require.Equal(t, Found, status)
}

func TestRegisterInvalid(t *testing.T) {
	r, counter := newTestRegistry(t)

	err := r.Register(Image{Name: "garbage", Object: []byte("not an object")})
	require.Error(t, err)

	img := selfImage(t, loadAddress)
	img.Sections = []LoadedSection{{Name: ".rodata", LoadAddress: loadAddress}}
	require.ErrorIs(t, r.Register(img), elf2.ErrNoExecutableSection)

	img.Sections = []LoadedSection{{Name: ".no-such-section", LoadAddress: loadAddress}}
	require.Error(t, r.Register(img))

	img.Sections = []LoadedSection{{Name: ".text", LoadAddress: ^uint64(0) - 10}}
	require.Error(t, r.Register(img))

	require.Equal(t, uint64(0), counter.TotalBytes())
	require.Empty(t, r.Images())
}

func TestConcurrentLookup(t *testing.T) {
	r, _ := newTestRegistry(t)
	pc := runtimeAddress(jitTarget, loadAddress)

	var wg sync.WaitGroup
	contexts := make([]debuginfo.DIContext, 8)
	require.NoError(t, r.Register(selfImage(t, loadAddress)))
	others := make([]Image, 4)
	for i := 1; i < len(others); i++ {
		others[i] = selfImage(t, loadAddress+uint64(i)*2*selfText.Size)
	}
	for i := range contexts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info, status := r.Lookup(pc)
			if status == Found {
				contexts[i] = info.Context
			}
		}(i)
	}
	for i := 1; i < len(others); i++ {
		wg.Add(1)
		go func(img Image) {
			defer wg.Done()
			if err := r.Register(img); err == nil {
				r.Unregister(img.Sections[0].LoadAddress)
			}
		}(others[i])
	}
	wg.Wait()
	for _, c := range contexts {
		require.NotNil(t, c)
		require.Same(t, contexts[0], c)
	}
}

func objectImage(t *testing.T, file string, sections ...LoadedSection) Image {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", file))
	require.NoError(t, err)
	return Image{Name: file, Object: data, Sections: sections}
}

// testdata/code.c compiled with gcc -g -O0 -c, once into a single .text and
// once with -ffunction-sections.
func TestRegisterRelocatable(t *testing.T) {
	type location struct {
		pc        uint64
		function  string
		size      uint64
		line      int64
		startLine int64
	}
	for _, tc := range []struct {
		name      string
		image     Image
		locations []location
	}{
		{
			name:  "single text section",
			image: objectImage(t, "code.o", LoadedSection{Name: ".text", LoadAddress: loadAddress}),
			locations: []location{
				{pc: loadAddress, function: "small_fn", size: 15, line: 3, startLine: 3},
				{pc: loadAddress + 0x7, function: "small_fn", size: 15, line: 4, startLine: 3},
				{pc: loadAddress + 0xf, function: "big_fn", size: 79, line: 7, startLine: 7},
				{pc: loadAddress + 0x2d, function: "big_fn", size: 79, line: 10, startLine: 7},
			},
		},
		{
			name: "function sections",
			image: objectImage(t, "code_sections.o",
				LoadedSection{Name: ".text.small_fn", LoadAddress: loadAddress + 0x10000},
				LoadedSection{Name: ".text.big_fn", LoadAddress: loadAddress + 0x20000},
			),
			locations: []location{
				{pc: loadAddress + 0x10000, function: "small_fn", size: 15, line: 3, startLine: 3},
				{pc: loadAddress + 0x10007, function: "small_fn", size: 15, line: 4, startLine: 3},
				{pc: loadAddress + 0x20000, function: "big_fn", size: 79, line: 7, startLine: 7},
				{pc: loadAddress + 0x2001e, function: "big_fn", size: 79, line: 10, startLine: 7},
				{pc: loadAddress + 0x2004a, function: "big_fn", size: 79, line: 13, startLine: 7},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r, counter := newTestRegistry(t)
			require.NoError(t, r.Register(tc.image))
			require.Equal(t, uint64(15+79), counter.TotalBytes())

			for _, loc := range tc.locations {
				info, status := r.Lookup(loc.pc)
				require.Equal(t, Found, status, "pc 0x%x", loc.pc)
				require.Equal(t, loc.size, info.SymbolSize, "pc 0x%x", loc.pc)
				require.NotNil(t, info.Context)

				addr := object.MakeAddress(info.Section, info.Slide.FileAddress(loc.pc))
				require.True(t, info.Section.Contains(addr.Address))
				frames, err := info.Context.InliningInfoForAddress(addr)
				require.NoError(t, err)
				require.Len(t, frames, 1)
				require.Equal(t, loc.function, frames[0].FunctionName, "pc 0x%x", loc.pc)
				require.Equal(t, loc.line, frames[0].Line, "pc 0x%x", loc.pc)
				require.Equal(t, loc.startLine, frames[0].StartLine, "pc 0x%x", loc.pc)
				require.Equal(t, "code.c", filepath.Base(frames[0].FileName))
			}
		})
	}
}

func TestRelocatableSectionsDoNotOverlap(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "code_sections.o"))
	require.NoError(t, err)
	f, err := elf2.OpenBytes(data)
	require.NoError(t, err)

	sections := f.ExecutableSections()
	require.Len(t, sections, 2)
	small, big := sections[0], sections[1]
	require.Equal(t, ".text.small_fn", small.Name)
	require.Equal(t, ".text.big_fn", big.Name)
	require.NotZero(t, small.Address)
	require.LessOrEqual(t, small.End(), big.Address)
}

func TestRegisterDuplicateSection(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := &jitstats.Counter{}
	r := NewRegistry(util.TestLogger(t), Options{Counter: counter, Metrics: NewMetrics(reg)})
	defer r.Close()

	img := objectImage(t, "code_sections.o",
		LoadedSection{Name: ".text.big_fn", LoadAddress: loadAddress},
		LoadedSection{Name: ".text.big_fn", LoadAddress: loadAddress + 0x1000},
	)
	require.ErrorIs(t, r.Register(img), ErrDuplicateSection)
	require.Equal(t, uint64(0), counter.TotalBytes())
	require.Empty(t, r.Images())
	require.Equal(t, 1.0, testutil.ToFloat64(r.options.Metrics.RegisterErrors.WithLabelValues("duplicate_section")))
}

func TestCloseReleasesUnregisteredImages(t *testing.T) {
	r := NewRegistry(util.TestLogger(t), Options{Counter: &jitstats.Counter{}})
	require.NoError(t, r.Register(objectImage(t, "code.o", LoadedSection{Name: ".text", LoadAddress: loadAddress})))

	info, status := r.Lookup(loadAddress)
	require.Equal(t, Found, status)
	require.NotNil(t, info.Context)
	im := r.snap.Load().entries[0].image

	require.True(t, r.Unregister(loadAddress))
	// contexts handed out before stay usable until Close
	_, err := info.Context.LineInfoForAddress(object.MakeAddress(info.Section, info.Slide.FileAddress(loadAddress)))
	require.NoError(t, err)
	require.Same(t, info.Context, im.ctx.Load().ctx)

	require.NoError(t, r.Close())
	require.ErrorIs(t, im.ctx.Load().err, errImageClosed)
	require.Nil(t, im.ctx.Load().ctx)
	require.Empty(t, r.retired)
}

func TestLookupSymbol(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(objectImage(t, "code_sections.o",
		LoadedSection{Name: ".text.small_fn", LoadAddress: loadAddress + 0x10000},
		LoadedSection{Name: ".text.big_fn", LoadAddress: loadAddress + 0x20000},
	)))

	addr, ok := r.LookupSymbol("big_fn")
	require.True(t, ok)
	require.Equal(t, uint64(loadAddress+0x20000), addr)
	addr, ok = r.LookupSymbol("small_fn")
	require.True(t, ok)
	require.Equal(t, uint64(loadAddress+0x10000), addr)

	_, ok = r.LookupSymbol("counter")
	require.False(t, ok)
	_, ok = r.LookupSymbol("no_such_fn")
	require.False(t, ok)
}

func TestMetricsShareRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, b := NewMetrics(reg), NewMetrics(reg)
	require.Same(t, a.RegisterErrors, b.RegisterErrors)
	require.Same(t, a.Images, b.Images)
}
