package dylib

import (
	stdelf "debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/jitsym/pkg/debuginfo"
	"github.com/grafana/jitsym/pkg/debuginfo/elf"
	"github.com/grafana/jitsym/pkg/object"
	"github.com/grafana/jitsym/pkg/util"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

//go:noinline
func dylibTarget(x int) int {
	return x*7 - 2
}

func newSelfResolver(t *testing.T, options Options) *Resolver {
	t.Helper()
	options.Pid = os.Getpid()
	if options.RefreshInterval == 0 {
		options.RefreshInterval = time.Hour
	}
	r, err := NewResolver(util.TestLogger(t), options)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, r.Close()) })
	return r
}

func TestResolveSelf(t *testing.T) {
	r := newSelfResolver(t, Options{})
	exe, err := os.Executable()
	require.NoError(t, err)

	pc := uint64(reflect.ValueOf(dylibTarget).Pointer())
	info, ok := r.Resolve(pc+2, false)
	require.True(t, ok)
	require.Equal(t, exe, info.FileName)
	require.False(t, info.IsImage)
	require.Equal(t, pc, info.SymbolAddress)
	require.True(t, strings.HasSuffix(info.SymbolName, ".dylibTarget"), info.SymbolName)

	fileAddr := info.Slide.FileAddress(pc)
	require.Equal(t, pc-info.Base, fileAddr)
	require.Equal(t, ".text", info.Section.Name)
	require.True(t, info.Section.Executable)
	require.True(t, info.Section.Contains(fileAddr))

	require.NotNil(t, info.Context)
	li, err := info.Context.LineInfoForAddress(object.MakeAddress(info.Section, fileAddr))
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(li.FunctionName, ".dylibTarget"), li.FunctionName)
	require.True(t, strings.HasSuffix(li.FileName, "resolver_test.go"), li.FileName)

	again, ok := r.Resolve(pc, false)
	require.True(t, ok)
	require.Same(t, info.Context, again.Context)
}

func TestResolveOnlyImage(t *testing.T) {
	pc := uint64(reflect.ValueOf(dylibTarget).Pointer())

	plain := newSelfResolver(t, Options{})
	_, ok := plain.Resolve(pc, true)
	require.False(t, ok)

	image := newSelfResolver(t, Options{ImageMarkers: []string{"runtime.main"}})
	info, ok := image.Resolve(pc, true)
	require.True(t, ok)
	require.True(t, info.IsImage)
	info, ok = image.Resolve(pc, false)
	require.True(t, ok)
	require.True(t, info.IsImage)
}

func TestResolveNotFound(t *testing.T) {
	r := newSelfResolver(t, Options{})
	heap := make([]byte, 64)
	for _, pc := range []uint64{0, 1, uint64(uintptr(unsafe.Pointer(&heap[0])))} {
		info, ok := r.Resolve(pc, false)
		require.False(t, ok, "pc 0x%x", pc)
		require.Nil(t, info.Context)
	}
}

func TestRefreshKeepsLibraries(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := newSelfResolver(t, Options{Metrics: NewMetrics(reg)})
	pc := uint64(reflect.ValueOf(dylibTarget).Pointer())

	before, ok := r.Resolve(pc, false)
	require.True(t, ok)
	require.NoError(t, r.Refresh())
	after, ok := r.Resolve(pc, false)
	require.True(t, ok)
	require.Same(t, before.Context, after.Context)

	require.Equal(t, 2.0, testutil.ToFloat64(r.options.Metrics.Refreshes))
	require.Equal(t, 1.0, testutil.ToFloat64(r.options.Metrics.LibrariesLoaded))
}

func TestRefreshRateLimited(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := newSelfResolver(t, Options{Metrics: NewMetrics(reg), RefreshInterval: time.Hour})
	for i := 0; i < 10; i++ {
		_, ok := r.Resolve(uint64(i+1), false)
		require.False(t, ok)
	}
	require.Equal(t, 1.0, testutil.ToFloat64(r.options.Metrics.Refreshes))
}

func TestLibraries(t *testing.T) {
	r := newSelfResolver(t, Options{})
	exe, err := os.Executable()
	require.NoError(t, err)

	libs := r.Libraries()
	require.NotEmpty(t, libs)
	var self *Library
	for i := range libs {
		if libs[i].Path == exe {
			self = &libs[i]
		}
	}
	require.NotNil(t, self)
	require.NoError(t, self.Err)
	require.False(t, self.BuildID.Empty())
	require.Less(t, self.Start, self.End)
}

func TestConcurrentResolve(t *testing.T) {
	r := newSelfResolver(t, Options{})
	pc := uint64(reflect.ValueOf(dylibTarget).Pointer())

	var wg sync.WaitGroup
	contexts := make([]debuginfo.DIContext, 16)
	for i := range contexts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if info, ok := r.Resolve(pc, false); ok {
				contexts[i] = info.Context
				info.Release()
			}
		}(i)
	}
	wg.Wait()
	for _, c := range contexts {
		require.NotNil(t, c)
		require.Same(t, contexts[0], c)
	}
}

func TestNewResolverMissingProcess(t *testing.T) {
	_, err := NewResolver(nil, Options{Pid: 1 << 30})
	require.Error(t, err)
}

func TestErrorType(t *testing.T) {
	testcases := []struct {
		err      error
		expected string
	}{
		{os.ErrNotExist, "ErrNotExist"},
		{fmt.Errorf("open: %w", os.ErrPermission), "ErrPermission"},
		{fmt.Errorf("bias: %w", elf.ErrBaseNotFound), "ErrBaseNotFound"},
		{debuginfo.ErrNoDebugInfo, "ErrNoDebugInfo"},
		{&stdelf.FormatError{}, "FormatError"},
		{fmt.Errorf("boom"), "Other"},
	}
	for _, tc := range testcases {
		require.Equal(t, tc.expected, errorType(tc.err), tc.err.Error())
	}
}

func selfMapping(t *testing.T, r *Resolver) mapping {
	t.Helper()
	m := r.maps.Load().find(uint64(reflect.ValueOf(dylibTarget).Pointer()))
	require.NotNil(t, m)
	return *m
}

func TestResolveHoldsLibrary(t *testing.T) {
	r := newSelfResolver(t, Options{})
	pc := uint64(reflect.ValueOf(dylibTarget).Pointer())

	info, ok := r.Resolve(pc, false)
	require.True(t, ok)
	lf := info.file
	require.NotNil(t, lf)

	// drops every library and evicts every file
	require.NoError(t, r.Close())
	require.True(t, lf.evicted.Load())
	require.Equal(t, int32(1), lf.refs.Load())

	li, err := info.Context.LineInfoForAddress(object.MakeAddress(info.Section, info.Slide.FileAddress(pc)))
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(li.FunctionName, ".dylibTarget"), li.FunctionName)

	info.Release()
	require.Equal(t, int32(-1), lf.refs.Load())
	require.False(t, lf.acquire())
}

func TestSharedFileLoadedOnce(t *testing.T) {
	r := newSelfResolver(t, Options{})
	m := selfMapping(t, r)
	r.files.Purge()

	var wg sync.WaitGroup
	files := make([]*libraryFile, 8)
	for i := range files {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// distinct mappings of one file bypass the per-mapping singleflight
			mi := m
			mi.start += uint64(i+1) << 40
			files[i] = r.acquireFile(&mi)
		}(i)
	}
	wg.Wait()

	cached, ok := r.files.Peek(m.key())
	require.True(t, ok)
	require.Equal(t, 1, r.files.Len())
	for _, lf := range files {
		require.Same(t, cached, lf)
		require.NoError(t, lf.err)
	}
	require.Equal(t, int32(len(files)), cached.refs.Load())
	for _, lf := range files {
		lf.release()
	}
	require.Equal(t, int32(0), cached.refs.Load())
}

func TestFailedLibraryNotCached(t *testing.T) {
	dir := t.TempDir()
	r := newSelfResolver(t, Options{RootFS: dir})
	m := mapping{start: 0x1000, end: 0x2000, path: "/libfoo.so"}

	lib := r.library(&m)
	require.ErrorIs(t, lib.err, os.ErrNotExist)
	require.False(t, r.files.Contains(m.key()))

	exe, err := os.Executable()
	require.NoError(t, err)
	data, err := os.ReadFile(exe)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "libfoo.so"), data, 0o644))

	// the failed library stays negative for its mapping
	require.ErrorIs(t, r.library(&m).err, os.ErrNotExist)

	moved := m
	moved.start, moved.end = 0x10000, 0x11000
	lf := r.acquireFile(&moved)
	require.NoError(t, lf.err)
	require.True(t, r.files.Contains(m.key()))
	lf.release()
}

func TestLookupSymbol(t *testing.T) {
	r := newSelfResolver(t, Options{})
	pc := uint64(reflect.ValueOf(dylibTarget).Pointer())

	info, ok := r.Resolve(pc, false)
	require.True(t, ok)
	info.Release()
	require.NotEmpty(t, info.SymbolName)

	addr, ok := r.LookupSymbol(info.SymbolName)
	require.True(t, ok)
	require.Equal(t, pc, addr)

	_, ok = r.LookupSymbol("no.such.function")
	require.False(t, ok)
}
