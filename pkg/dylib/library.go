package dylib

import (
	stdelf "debug/elf"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"

	"github.com/grafana/jitsym/pkg/debuginfo"
	"github.com/grafana/jitsym/pkg/debuginfo/elf"
)

// fileKey identifies a library file independently of where it is mapped.
type fileKey struct {
	dev      uint64
	inode    uint64
	pathHash uint64
}

// libraryFile is a parsed library file, shared by every mapping of it.
// It is closed once it has left the file cache and no mapping uses it.
type libraryFile struct {
	path      string
	debugPath string
	file      *elf.File
	debugFile *elf.File
	table     *elf.SymbolTable
	ctx       debuginfo.DIContext
	buildID   elf.BuildID
	isImage   bool
	err       error

	refs      atomic.Int32
	evicted   atomic.Bool
	closeOnce sync.Once
}

// acquire takes a reference. It fails once the file has been closed.
func (lf *libraryFile) acquire() bool {
	for {
		n := lf.refs.Load()
		if n < 0 {
			return false
		}
		if lf.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (lf *libraryFile) release() {
	if lf.refs.Dec() == 0 && lf.evicted.Load() {
		lf.tryClose()
	}
}

func (lf *libraryFile) evict() {
	lf.evicted.Store(true)
	lf.tryClose()
}

// tryClose closes the file unless it is referenced. A closed file has a
// negative reference count and cannot be acquired again.
func (lf *libraryFile) tryClose() {
	if lf.refs.CompareAndSwap(0, -1) {
		_ = lf.close()
	}
}

func (lf *libraryFile) close() (err error) {
	lf.closeOnce.Do(func() {
		if lf.ctx != nil {
			err = multierror.Append(err, lf.ctx.Close()).ErrorOrNil()
		}
		// the context owns the file it reads DWARF from
		if lf.file != nil && lf.debugFile != nil {
			err = multierror.Append(err, lf.file.Close()).ErrorOrNil()
		}
	})
	return err
}

func (r *Resolver) openLibraryFile(p string) *libraryFile {
	lf := &libraryFile{path: p}
	lf.err = r.loadLibraryFile(lf)
	if lf.err != nil {
		r.options.Metrics.LibraryErrors.WithLabelValues(errorType(lf.err)).Inc()
		level.Debug(r.logger).Log("msg", "failed to load library", "path", p, "err", lf.err)
		return lf
	}
	r.options.Metrics.LibrariesLoaded.Inc()
	if lf.table != nil {
		level.Debug(r.logger).Log("msg", "loaded library", "path", p, "symbols", lf.table.Size(), "mini_debug_info", lf.table.MiniDebugInfo(), "debug_file", lf.debugPath)
	}
	return lf
}

func (r *Resolver) loadLibraryFile(lf *libraryFile) error {
	f, err := elf.Open(path.Join(r.options.RootFS, lf.path))
	if err != nil {
		return err
	}
	lf.file = f
	lf.isImage = f.HasSymbol(r.options.ImageMarkers...)
	lf.buildID, _ = f.BuildID()

	symOpts := &elf.SymbolsOptions{Demangle: r.options.Demangle}
	table, err := f.NewSymbolTable(symOpts)
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		_ = f.Close()
		return fmt.Errorf("read symbols: %w", err)
	}
	if table == nil || !table.HasSection(stdelf.SHT_SYMTAB) {
		if mdi, err := f.NewMiniDebugInfoSymbolTable(symOpts); err == nil {
			table = mdi
		}
	}

	finder := elf.DebugFileFinder{RootFS: r.options.RootFS, Directories: r.options.DebugDirectories}
	if dp := finder.Find(lf.path, lf.buildID, f); dp != "" {
		df, err := finder.Open(dp)
		if err != nil {
			level.Debug(r.logger).Log("msg", "failed to open debug file", "path", dp, "err", err)
		} else {
			lf.debugPath = dp
			lf.debugFile = df
			if table == nil {
				if dt, err := df.NewSymbolTable(symOpts); err == nil {
					table = dt
				}
			}
		}
	}
	lf.table = table

	dwarfFile := f
	if lf.debugFile != nil {
		dwarfFile = lf.debugFile
	}
	ctx, err := debuginfo.New(dwarfFile, table,
		debuginfo.WithDemangle(r.options.Demangle),
		debuginfo.WithLogger(r.logger),
	)
	if err != nil {
		// New has closed dwarfFile
		if lf.debugFile != nil {
			_ = f.Close()
		}
		return fmt.Errorf("create debug context: %w", err)
	}
	lf.ctx = ctx
	return nil
}
