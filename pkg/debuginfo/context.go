// Package debuginfo answers "which function, file and line is this address"
// for ELF objects, from DWARF when present and from symbol tables otherwise.
package debuginfo

import (
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"

	"github.com/grafana/jitsym/pkg/debuginfo/elf"
	"github.com/grafana/jitsym/pkg/object"
)

var (
	ErrNoDebugInfo     = errors.New("no debug info")
	ErrAddressNotFound = errors.New("address not found")
)

// LineInfo describes the source location of an address.
type LineInfo struct {
	FunctionName string
	FileName     string
	Line         int64
	// StartLine is the declaration line of the function, 0 if unknown.
	StartLine int64
	// StartAddress is the file address of the function entry, 0 if unknown.
	StartAddress uint64
}

// DIContext resolves file addresses of one object to source locations.
// Implementations are safe for concurrent use.
type DIContext interface {
	// LineInfoForAddress returns the innermost source location of addr.
	LineInfoForAddress(addr object.SectionedAddress) (LineInfo, error)
	// InliningInfoForAddress returns the inlined call chain at addr,
	// innermost frame first. It has at least one element on success.
	InliningInfoForAddress(addr object.SectionedAddress) ([]LineInfo, error)
	Close() error
}

type options struct {
	demangle elf.DemangleStyle
	logger   log.Logger
}

type Option func(*options)

// WithDemangle demangles function names taken from linkage names.
func WithDemangle(style elf.DemangleStyle) Option {
	return func(o *options) {
		o.demangle = style
	}
}

func WithLogger(l log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func newOptions(opts []Option) options {
	o := options{
		demangle: elf.DemangleNone,
		logger:   log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New returns a context for f that prefers DWARF and falls back to table for
// addresses DWARF does not describe. Either source may be missing but not
// both. The returned context takes ownership of f, which is closed when no
// context can be built.
func New(f *elf.File, table *elf.SymbolTable, opts ...Option) (DIContext, error) {
	var (
		dw  DIContext
		err error
	)
	if f != nil {
		dw, err = NewDWARFContext(f, opts...)
		if err != nil && !errors.Is(err, ErrNoDebugInfo) {
			if table == nil {
				_ = f.Close()
				return nil, err
			}
			o := newOptions(opts)
			level.Warn(o.logger).Log("msg", "ignoring unreadable dwarf", "file", f.FilePath(), "err", err)
		}
	}
	switch {
	case dw != nil && table != nil:
		return &fallbackContext{primary: dw, secondary: NewSymbolContext(table)}, nil
	case dw != nil:
		return dw, nil
	case table != nil:
		sc := NewSymbolContext(table)
		if f != nil {
			return &ownedContext{DIContext: sc, f: f}, nil
		}
		return sc, nil
	}
	if f != nil {
		_ = f.Close()
	}
	return nil, ErrNoDebugInfo
}

// fallbackContext consults secondary for addresses primary cannot resolve and
// for function names primary does not know.
type fallbackContext struct {
	primary   DIContext
	secondary DIContext
}

func (c *fallbackContext) LineInfoForAddress(addr object.SectionedAddress) (LineInfo, error) {
	li, err := c.primary.LineInfoForAddress(addr)
	if err != nil {
		return c.secondary.LineInfoForAddress(addr)
	}
	if li.FunctionName == "" {
		if sli, err := c.secondary.LineInfoForAddress(addr); err == nil {
			li.FunctionName = sli.FunctionName
			li.StartAddress = sli.StartAddress
		}
	}
	return li, nil
}

func (c *fallbackContext) InliningInfoForAddress(addr object.SectionedAddress) ([]LineInfo, error) {
	frames, err := c.primary.InliningInfoForAddress(addr)
	if err != nil {
		return c.secondary.InliningInfoForAddress(addr)
	}
	last := &frames[len(frames)-1]
	if last.FunctionName == "" {
		if sli, err := c.secondary.LineInfoForAddress(addr); err == nil {
			last.FunctionName = sli.FunctionName
			last.StartAddress = sli.StartAddress
		}
	}
	return frames, nil
}

func (c *fallbackContext) Close() error {
	var errs error
	if err := c.primary.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := c.secondary.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs
}

type ownedContext struct {
	DIContext
	f *elf.File
}

func (c *ownedContext) Close() error {
	var errs error
	if err := c.DIContext.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := c.f.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close %s: %w", c.f.FilePath(), err))
	}
	return errs
}
