// Package dylib resolves instruction pointers inside the shared libraries
// and executables mapped into a process.
package dylib

import (
	"cmp"
	"fmt"
	"path"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/procfs"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/grafana/jitsym/pkg/debuginfo"
	"github.com/grafana/jitsym/pkg/debuginfo/elf"
	"github.com/grafana/jitsym/pkg/object"
)

// DefaultImageMarkers are the exported symbols identifying a runtime system
// image.
var DefaultImageMarkers = []string{"runtime_image_data", "runtime_image_pointers"}

type Options struct {
	Pid int
	// RootFS is the filesystem root mapped paths are resolved in. Defaults
	// to /proc/<pid>/root.
	RootFS           string
	ProcFS           string
	ImageMarkers     []string
	DebugDirectories []string
	Demangle         elf.DemangleStyle
	// CacheSize bounds the number of parsed library files kept around.
	CacheSize int
	// RefreshInterval is the minimum time between two memory map re-reads
	// triggered by addresses outside every known mapping.
	RefreshInterval time.Duration
	Metrics         *Metrics
}

// Info is the result of resolving a library address.
type Info struct {
	Section object.SectionRef
	// Slide converts the runtime address into a file address: it is the
	// negated load bias.
	Slide   object.Slide
	Context debuginfo.DIContext
	// IsImage reports whether the library is a runtime system image.
	IsImage bool
	// Base is the load bias of the library.
	Base uint64
	// SymbolAddress is the runtime address of the nearest symbol at or below
	// the pc, 0 if there is none.
	SymbolAddress uint64
	SymbolName    string
	FileName      string

	file *libraryFile
}

// Release gives back the library reference taken by Resolve. Context must
// not be used afterwards.
func (i Info) Release() {
	if i.file != nil {
		i.file.release()
	}
}

type mapping struct {
	start  uint64
	end    uint64
	offset uint64
	dev    uint64
	inode  uint64
	path   string
}

func (m *mapping) key() fileKey {
	return fileKey{dev: m.dev, inode: m.inode, pathHash: xxhash.Sum64String(m.path)}
}

type mappings struct {
	entries []mapping
}

func (ms *mappings) find(pc uint64) *mapping {
	i := sort.Search(len(ms.entries), func(i int) bool { return ms.entries[i].start > pc }) - 1
	if i < 0 || pc >= ms.entries[i].end {
		return nil
	}
	return &ms.entries[i]
}

// library is a library file placed at one mapping.
type library struct {
	mapping mapping
	base    uint64
	file    *libraryFile
	err     error
}

func (l *library) release() {
	if l.file != nil {
		l.file.release()
	}
}

// Resolver resolves addresses against the executable file mappings of one
// process. Resolve only reads immutable state and lock-free maps once the
// library of an address has been loaded.
type Resolver struct {
	logger  log.Logger
	options Options
	proc    procfs.Proc

	maps        atomic.Pointer[mappings]
	lastRefresh atomic.Int64
	refreshMu   sync.Mutex

	libs  *xsync.MapOf[uint64, *library]
	files *lru.Cache[fileKey, *libraryFile]
	group singleflight.Group
}

func NewResolver(logger log.Logger, options Options) (*Resolver, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if options.RootFS == "" {
		options.RootFS = path.Join("/proc", strconv.Itoa(options.Pid), "root")
	}
	if options.ProcFS == "" {
		options.ProcFS = procfs.DefaultMountPoint
	}
	if options.ImageMarkers == nil {
		options.ImageMarkers = DefaultImageMarkers
	}
	if options.CacheSize <= 0 {
		options.CacheSize = 256
	}
	if options.Metrics == nil {
		options.Metrics = NewMetrics(nil)
	}
	fs, err := procfs.NewFS(options.ProcFS)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	proc, err := fs.Proc(options.Pid)
	if err != nil {
		return nil, fmt.Errorf("open process %d: %w", options.Pid, err)
	}
	files, err := lru.NewWithEvict[fileKey, *libraryFile](options.CacheSize, func(_ fileKey, lf *libraryFile) {
		lf.evict()
	})
	if err != nil {
		return nil, err
	}
	r := &Resolver{
		logger:  log.With(logger, "pid", options.Pid),
		options: options,
		proc:    proc,
		libs:    xsync.NewMapOf[uint64, *library](),
		files:   files,
	}
	r.maps.Store(&mappings{})
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh re-reads the memory map of the process. Libraries whose mapping
// changed or disappeared are dropped.
func (r *Resolver) Refresh() error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	return r.refresh()
}

func (r *Resolver) refresh() error {
	r.lastRefresh.Store(time.Now().UnixNano())
	r.options.Metrics.Refreshes.Inc()
	procMaps, err := r.proc.ProcMaps()
	if err != nil {
		r.options.Metrics.ProcErrors.WithLabelValues(errorType(err)).Inc()
		return fmt.Errorf("read maps of %d: %w", r.options.Pid, err)
	}
	next := &mappings{entries: make([]mapping, 0, len(procMaps))}
	for _, pm := range procMaps {
		if pm.Perms == nil || !pm.Perms.Execute || !strings.HasPrefix(pm.Pathname, "/") {
			continue
		}
		next.entries = append(next.entries, mapping{
			start:  uint64(pm.StartAddr),
			end:    uint64(pm.EndAddr),
			offset: uint64(pm.Offset),
			dev:    pm.Dev,
			inode:  pm.Inode,
			path:   pm.Pathname,
		})
	}
	slices.SortFunc(next.entries, func(a, b mapping) int {
		return cmp.Compare(a.start, b.start)
	})
	r.maps.Store(next)

	r.libs.Range(func(start uint64, lib *library) bool {
		if m := next.find(start); m == nil || *m != lib.mapping {
			r.libs.Delete(start)
			lib.release()
		}
		return true
	})
	level.Debug(r.logger).Log("msg", "refreshed memory map", "mappings", len(next.entries))
	return nil
}

// maybeRefresh re-reads the memory map unless that happened less than
// RefreshInterval ago or another refresh is running.
func (r *Resolver) maybeRefresh() bool {
	if time.Since(time.Unix(0, r.lastRefresh.Load())) < r.options.RefreshInterval {
		return false
	}
	if !r.refreshMu.TryLock() {
		return false
	}
	defer r.refreshMu.Unlock()
	if err := r.refresh(); err != nil {
		level.Warn(r.logger).Log("msg", "failed to refresh memory map", "err", err)
		return false
	}
	return true
}

func (r *Resolver) findMapping(pc uint64) *mapping {
	if m := r.maps.Load().find(pc); m != nil {
		return m
	}
	if r.maybeRefresh() {
		return r.maps.Load().find(pc)
	}
	return nil
}

func (r *Resolver) library(m *mapping) *library {
	if lib, ok := r.libs.Load(m.start); ok && lib.mapping == *m {
		return lib
	}
	key := strconv.FormatUint(m.start, 16) + ":" + m.path
	v, _, _ := r.group.Do(key, func() (interface{}, error) {
		if lib, ok := r.libs.Load(m.start); ok && lib.mapping == *m {
			return lib, nil
		}
		lib := r.loadLibrary(m)
		if old, loaded := r.libs.LoadAndStore(m.start, lib); loaded {
			old.release()
		}
		return lib, nil
	})
	return v.(*library)
}

func (r *Resolver) loadLibrary(m *mapping) *library {
	lf := r.acquireFile(m)
	if lf.err != nil {
		return &library{mapping: *m, err: lf.err}
	}
	base, err := lf.file.LoadBias(elf.Mapping{Start: m.start, End: m.end, Offset: m.offset})
	if err != nil {
		lf.release()
		r.options.Metrics.LibraryErrors.WithLabelValues(errorType(err)).Inc()
		level.Debug(r.logger).Log("msg", "failed to compute load bias", "path", m.path, "err", err)
		return &library{mapping: *m, err: err}
	}
	return &library{mapping: *m, base: base, file: lf}
}

// acquireFile returns a referenced file for m. Files that failed to load
// are returned unreferenced and are not cached, so the failure is remembered
// by the mapping's library only.
func (r *Resolver) acquireFile(m *mapping) *libraryFile {
	key := m.key()
	for {
		lf, ok := r.files.Get(key)
		if !ok {
			fresh := r.openLibraryFile(m.path)
			if fresh.err != nil {
				return fresh
			}
			prev, found, _ := r.files.PeekOrAdd(key, fresh)
			if found {
				// another mapping of the same file loaded it first
				fresh.evict()
				lf = prev
			} else {
				lf = fresh
			}
		}
		// a file closed after eviction is out of the cache already
		if lf.acquire() {
			return lf
		}
	}
}

// Resolve resolves pc against the file-backed executable mappings of the
// process. With onlyImage set, addresses outside runtime system images are
// reported as not found.
func (r *Resolver) Resolve(pc uint64, onlyImage bool) (Info, bool) {
	m := r.findMapping(pc)
	if m == nil {
		return Info{}, false
	}
	lib, ok := r.acquireLibrary(m)
	if !ok {
		return Info{}, false
	}
	lf := lib.file
	if onlyImage && !lf.isImage {
		lf.release()
		return Info{}, false
	}
	slide := object.Slide(-int64(lib.base))
	fileAddr := slide.FileAddress(pc)
	info := Info{
		Slide:    slide,
		Context:  lf.ctx,
		IsImage:  lf.isImage,
		Base:     lib.base,
		FileName: m.path,
		file:     lf,
	}
	if section, ok := lf.file.FindSection(fileAddr); ok {
		info.Section = section
	} else {
		info.Section = object.SectionRef{Index: object.UndefSection}
	}
	if lf.table != nil {
		if sym, ok := lf.table.Lookup(fileAddr); ok {
			info.SymbolAddress = slide.RuntimeAddress(sym.Start)
			info.SymbolName = sym.Name
		}
	}
	return info, true
}

// acquireLibrary returns the library at m with its file referenced,
// reloading the library when a concurrent refresh closed it in between.
func (r *Resolver) acquireLibrary(m *mapping) (*library, bool) {
	for attempt := 0; attempt < 3; attempt++ {
		lib := r.library(m)
		if lib.err != nil {
			return nil, false
		}
		if lib.file.acquire() {
			return lib, true
		}
	}
	return nil, false
}

// LookupSymbol returns the runtime address of the function called name in
// the first mapped library that defines it. Every library is loaded.
func (r *Resolver) LookupSymbol(name string) (uint64, bool) {
	ms := r.maps.Load()
	for i := range ms.entries {
		m := &ms.entries[i]
		lib, ok := r.acquireLibrary(m)
		if !ok {
			continue
		}
		var (
			addr  uint64
			found bool
		)
		if lib.file.table != nil {
			if sym, ok := lib.file.table.LookupName(name); ok {
				addr = object.Slide(-int64(lib.base)).RuntimeAddress(sym.Start)
				found = addr >= m.start && addr < m.end
			}
		}
		lib.file.release()
		if found {
			return addr, true
		}
	}
	return 0, false
}

// Library describes a mapped library for diagnostics.
type Library struct {
	Start     uint64
	End       uint64
	Offset    uint64
	Path      string
	Base      uint64
	IsImage   bool
	BuildID   elf.BuildID
	DebugFile string
	Err       error
}

// Libraries loads and lists every executable file mapping.
func (r *Resolver) Libraries() []Library {
	ms := r.maps.Load()
	res := make([]Library, 0, len(ms.entries))
	for i := range ms.entries {
		m := &ms.entries[i]
		lib := r.library(m)
		l := Library{Start: m.start, End: m.end, Offset: m.offset, Path: m.path, Base: lib.base, Err: lib.err}
		if lib.file != nil {
			l.IsImage = lib.file.isImage
			l.BuildID = lib.file.buildID
			l.DebugFile = lib.file.debugPath
		}
		res = append(res, l)
	}
	return res
}

// Close releases every library. Contexts returned by Resolve must not be
// used afterwards.
func (r *Resolver) Close() error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	r.maps.Store(&mappings{})
	r.libs.Range(func(start uint64, lib *library) bool {
		r.libs.Delete(start)
		lib.release()
		return true
	})
	r.files.Purge()
	return nil
}
