// Package jit tracks the code images emitted by a JIT compiler and resolves
// instruction pointers inside them without taking locks.
package jit

import (
	"cmp"
	"debug/elf"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"

	"github.com/grafana/jitsym/pkg/debuginfo"
	elf2 "github.com/grafana/jitsym/pkg/debuginfo/elf"
	"github.com/grafana/jitsym/pkg/jitstats"
	"github.com/grafana/jitsym/pkg/object"
)

var (
	ErrOverlap          = errors.New("jit section overlaps a registered section")
	ErrDuplicateSection = errors.New("duplicate jit section")

	errImageClosed = errors.New("jit image closed")
)

// Status is the outcome of a Lookup.
type Status int

const (
	NotFound Status = 0
	Found    Status = 1
)

func (s Status) String() string {
	if s == Found {
		return "found"
	}
	return "not_found"
}

// LoadedSection places a section of an image's object at a runtime address.
type LoadedSection struct {
	Name        string
	LoadAddress uint64
}

// Image is what the JIT hands over once code has been emitted: an ELF object
// and the runtime addresses of its sections.
type Image struct {
	Name     string
	Object   []byte
	Sections []LoadedSection
}

// Info is the result of resolving a JIT address.
type Info struct {
	// SymbolSize is the size of the function containing the address, 0 if
	// the image has no sized symbol for it.
	SymbolSize uint64
	// Slide converts the runtime address into a file address of the object.
	Slide   object.Slide
	Section object.SectionRef
	Context debuginfo.DIContext
}

type Options struct {
	// Counter receives the size of every registered executable section.
	// Defaults to jitstats.Default.
	Counter  *jitstats.Counter
	Demangle elf2.DemangleStyle
	Metrics  *Metrics
}

type contextResult struct {
	ctx debuginfo.DIContext
	err error
}

type image struct {
	name  string
	file  *elf2.File
	table *elf2.SymbolTable
	ctx   atomic.Pointer[contextResult]
}

type entry struct {
	start   uint64
	end     uint64
	section object.SectionRef
	slide   object.Slide
	image   *image
}

func (e *entry) contains(pc uint64) bool {
	return pc >= e.start && pc < e.end
}

// snapshot is immutable once published.
type snapshot struct {
	entries []entry
}

func (s *snapshot) find(pc uint64) *entry {
	if s == nil {
		return nil
	}
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].start > pc }) - 1
	if i < 0 || !s.entries[i].contains(pc) {
		return nil
	}
	return &s.entries[i]
}

func (s *snapshot) overlaps(start, end uint64) bool {
	if s == nil {
		return false
	}
	for i := range s.entries {
		e := &s.entries[i]
		if start < e.end && e.start < end {
			return true
		}
	}
	return false
}

// Registry is the set of registered JIT images. Lookups read an immutable
// snapshot and never block; registrations serialize on a mutex.
type Registry struct {
	logger  log.Logger
	options Options

	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
	// unregistered images whose contexts may still be in use by callers
	retired []*image
}

func NewRegistry(logger log.Logger, options Options) *Registry {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if options.Counter == nil {
		options.Counter = jitstats.Default
	}
	if options.Metrics == nil {
		options.Metrics = NewMetrics(nil)
	}
	r := &Registry{
		logger:  logger,
		options: options,
	}
	r.snap.Store(&snapshot{})
	return r
}

// Register records every executable section of img at its load address.
// Non-executable sections are ignored. Registering a section that overlaps
// one already registered fails with ErrOverlap.
func (r *Registry) Register(img Image) error {
	err := r.register(img)
	if err != nil {
		r.options.Metrics.RegisterErrors.WithLabelValues(registerErrorType(err)).Inc()
		level.Warn(r.logger).Log("msg", "failed to register jit image", "image", img.Name, "err", err)
	}
	return err
}

func (r *Registry) register(img Image) error {
	f, err := elf2.OpenBytes(img.Object)
	if err != nil {
		return fmt.Errorf("parse jit image %s: %w", img.Name, err)
	}
	table, err := f.NewSymbolTable(&elf2.SymbolsOptions{Demangle: r.options.Demangle})
	if err != nil && !errors.Is(err, elf2.ErrNoSymbols) {
		return fmt.Errorf("read symbols of jit image %s: %w", img.Name, err)
	}
	im := &image{name: img.Name, file: f, table: table}

	var (
		added []entry
		bytes uint64
		names = make(map[string]struct{}, len(img.Sections))
	)
	for _, ls := range img.Sections {
		if _, ok := names[ls.Name]; ok {
			return fmt.Errorf("jit image %s places section %s twice: %w", img.Name, ls.Name, ErrDuplicateSection)
		}
		names[ls.Name] = struct{}{}
		idx := slices.IndexFunc(f.Sections, func(s elf.SectionHeader) bool { return s.Name == ls.Name })
		if idx == -1 {
			return fmt.Errorf("jit image %s has no section %s", img.Name, ls.Name)
		}
		ref := f.SectionRef(idx)
		if !ref.Executable || ref.Size == 0 {
			continue
		}
		e := entry{
			start:   ls.LoadAddress,
			end:     ls.LoadAddress + ref.Size,
			section: ref,
			slide:   object.NewSlide(ref.Address, ls.LoadAddress),
			image:   im,
		}
		if e.end < e.start {
			return fmt.Errorf("section %s of %s wraps the address space", ls.Name, img.Name)
		}
		for i := range added {
			if e.start < added[i].end && added[i].start < e.end {
				return fmt.Errorf("section %s of %s: %w", ls.Name, img.Name, ErrOverlap)
			}
		}
		added = append(added, e)
		bytes += ref.Size
	}
	if len(added) == 0 {
		return fmt.Errorf("jit image %s: %w", img.Name, elf2.ErrNoExecutableSection)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.snap.Load()
	for i := range added {
		if old.overlaps(added[i].start, added[i].end) {
			return fmt.Errorf("section %s of %s at 0x%x: %w", added[i].section.Name, img.Name, added[i].start, ErrOverlap)
		}
	}
	next := &snapshot{entries: make([]entry, 0, len(old.entries)+len(added))}
	next.entries = append(next.entries, old.entries...)
	next.entries = append(next.entries, added...)
	slices.SortFunc(next.entries, func(a, b entry) int {
		return cmp.Compare(a.start, b.start)
	})
	r.snap.Store(next)
	r.options.Counter.AddBytes(bytes)
	r.updateGauges(next)

	level.Debug(r.logger).Log("msg", "registered jit image", "image", img.Name, "sections", len(added), "bytes", bytes)
	return nil
}

// Unregister removes the image owning the section loaded at loadAddress.
// It reports whether such an image was registered. Contexts already handed
// out by Lookup stay usable.
func (r *Registry) Unregister(loadAddress uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.snap.Load()
	var target *image
	for i := range old.entries {
		if old.entries[i].start == loadAddress {
			target = old.entries[i].image
			break
		}
	}
	if target == nil {
		return false
	}
	next := &snapshot{entries: make([]entry, 0, len(old.entries))}
	for _, e := range old.entries {
		if e.image != target {
			next.entries = append(next.entries, e)
		}
	}
	r.snap.Store(next)
	r.retired = append(r.retired, target)
	r.updateGauges(next)
	level.Debug(r.logger).Log("msg", "unregistered jit image", "image", target.name)
	return true
}

// Lookup resolves pc against the registered JIT sections. It only consults
// JIT images. The debug info context of an image is created on the first
// lookup that hits it and shared afterwards.
func (r *Registry) Lookup(pc uint64) (Info, Status) {
	e := r.snap.Load().find(pc)
	if e == nil {
		return Info{}, NotFound
	}
	info := Info{
		Slide:   e.slide,
		Section: e.section,
		Context: r.context(e.image),
	}
	if e.image.table != nil {
		if sym, ok := e.image.table.Lookup(e.slide.FileAddress(pc)); ok {
			info.SymbolSize = sym.Size
		}
	}
	return info, Found
}

// LookupSymbol returns the runtime address of the registered function called
// name.
func (r *Registry) LookupSymbol(name string) (uint64, bool) {
	s := r.snap.Load()
	for i := range s.entries {
		e := &s.entries[i]
		if e.image.table == nil {
			continue
		}
		if sym, ok := e.image.table.LookupName(name); ok && e.section.Contains(sym.Start) {
			return e.slide.RuntimeAddress(sym.Start), true
		}
	}
	return 0, false
}

// SectionStart returns the load address of the JIT section containing pc.
func (r *Registry) SectionStart(pc uint64) (uint64, bool) {
	e := r.snap.Load().find(pc)
	if e == nil {
		return 0, false
	}
	return e.start, true
}

func (r *Registry) context(im *image) debuginfo.DIContext {
	if res := im.ctx.Load(); res != nil {
		return res.ctx
	}
	ctx, err := debuginfo.New(im.file, im.table,
		debuginfo.WithDemangle(r.options.Demangle),
		debuginfo.WithLogger(r.logger),
	)
	res := &contextResult{ctx: ctx, err: err}
	if !im.ctx.CompareAndSwap(nil, res) {
		// another lookup published first
		if ctx != nil {
			_ = ctx.Close()
		}
		return im.ctx.Load().ctx
	}
	if err != nil {
		r.options.Metrics.ContextErrors.Inc()
		level.Debug(r.logger).Log("msg", "no debug info for jit image", "image", im.name, "err", err)
	} else {
		r.options.Metrics.ContextsCreated.Inc()
	}
	return ctx
}

// LoadedImage describes a registered section for diagnostics.
type LoadedImage struct {
	Name        string
	Section     object.SectionRef
	LoadAddress uint64
	Slide       object.Slide
}

// Images returns the registered sections ordered by load address.
func (r *Registry) Images() []LoadedImage {
	s := r.snap.Load()
	res := make([]LoadedImage, 0, len(s.entries))
	for _, e := range s.entries {
		res = append(res, LoadedImage{
			Name:        e.image.name,
			Section:     e.section,
			LoadAddress: e.start,
			Slide:       e.slide,
		})
	}
	return res
}

// Close unregisters every image and closes the debug contexts created for
// them, including those of images unregistered earlier.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.snap.Swap(&snapshot{})
	r.updateGauges(&snapshot{})

	images := r.retired
	r.retired = nil
	for _, e := range old.entries {
		images = append(images, e.image)
	}
	var errs error
	seen := make(map[*image]struct{})
	for _, im := range images {
		if _, ok := seen[im]; ok {
			continue
		}
		seen[im] = struct{}{}
		if err := im.close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close %s: %w", im.name, err))
		}
	}
	return errs
}

// close releases the debug context of the image. A lookup racing with it
// publishes a context that is closed right away.
func (im *image) close() error {
	res := im.ctx.Swap(&contextResult{err: errImageClosed})
	if res == nil || res.ctx == nil {
		return nil
	}
	return res.ctx.Close()
}

func (r *Registry) updateGauges(s *snapshot) {
	images := make(map[*image]struct{})
	for _, e := range s.entries {
		images[e.image] = struct{}{}
	}
	r.options.Metrics.Images.Set(float64(len(images)))
	r.options.Metrics.Sections.Set(float64(len(s.entries)))
}

func registerErrorType(err error) string {
	switch {
	case errors.Is(err, ErrOverlap):
		return "overlap"
	case errors.Is(err, ErrDuplicateSection):
		return "duplicate_section"
	case errors.Is(err, elf2.ErrNoExecutableSection):
		return "no_executable_section"
	}
	return "invalid_object"
}
