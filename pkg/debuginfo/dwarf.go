package debuginfo

import (
	"cmp"
	"debug/dwarf"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"

	"github.com/go-delve/delve/pkg/dwarf/godwarf"
	"github.com/go-delve/delve/pkg/dwarf/reader"
	"github.com/go-kit/log/level"

	"github.com/grafana/jitsym/pkg/debuginfo/elf"
	"github.com/grafana/jitsym/pkg/object"
)

type addrRange struct {
	low, high uint64
	idx       int
}

func findRange(ranges []addrRange, addr uint64) (addrRange, bool) {
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].low > addr }) - 1
	for ; i >= 0; i-- {
		r := ranges[i]
		if addr < r.high {
			return r, true
		}
		// nested ranges are only found when they share a start
		if i > 0 && ranges[i-1].low != r.low {
			break
		}
	}
	return addrRange{}, false
}

func sortRanges(ranges []addrRange) {
	slices.SortFunc(ranges, func(a, b addrRange) int {
		if c := cmp.Compare(a.low, b.low); c != 0 {
			return c
		}
		return cmp.Compare(b.high, a.high)
	})
}

// unit is the decoded state of one compilation unit.
type unit struct {
	entry    *dwarf.Entry
	files    []*dwarf.LineFile
	rows     []dwarf.LineEntry
	funcs    []*godwarf.Tree
	funcIdx  []addrRange
	loadOnce sync.Once
	err      error
}

type dwarfContext struct {
	f    *elf.File
	data *dwarf.Data
	opts options

	indexOnce sync.Once
	units     []*unit
	unitIdx   []addrRange
	indexErr  error
}

// NewDWARFContext returns a context backed by the DWARF sections of f. It
// takes ownership of f. Compilation units are decoded on first use.
func NewDWARFContext(f *elf.File, opts ...Option) (DIContext, error) {
	if f.Section(".debug_info") == nil && f.Section(".zdebug_info") == nil {
		return nil, fmt.Errorf("%s: %w", f.FilePath(), ErrNoDebugInfo)
	}
	data, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("load dwarf %s: %w", f.FilePath(), err)
	}
	return &dwarfContext{
		f:    f,
		data: data,
		opts: newOptions(opts),
	}, nil
}

func (c *dwarfContext) Close() error {
	return c.f.Close()
}

func (c *dwarfContext) buildIndex() {
	r := c.data.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			c.indexErr = fmt.Errorf("read compilation units: %w", err)
			return
		}
		if e == nil {
			break
		}
		if e.Tag != dwarf.TagCompileUnit && e.Tag != dwarf.TagPartialUnit {
			r.SkipChildren()
			continue
		}
		ranges, err := c.data.Ranges(e)
		if err != nil {
			level.Debug(c.opts.logger).Log("msg", "skipping compilation unit ranges", "offset", e.Offset, "err", err)
		}
		idx := len(c.units)
		c.units = append(c.units, &unit{entry: e})
		for _, rng := range ranges {
			if rng[1] > rng[0] {
				c.unitIdx = append(c.unitIdx, addrRange{low: rng[0], high: rng[1], idx: idx})
			}
		}
		r.SkipChildren()
	}
	sortRanges(c.unitIdx)
}

func (c *dwarfContext) unitFor(addr uint64) (*unit, error) {
	c.indexOnce.Do(c.buildIndex)
	if c.indexErr != nil {
		return nil, c.indexErr
	}
	r, ok := findRange(c.unitIdx, addr)
	if !ok {
		return nil, fmt.Errorf("compilation unit for 0x%x: %w", addr, ErrAddressNotFound)
	}
	u := c.units[r.idx]
	u.loadOnce.Do(func() {
		u.err = c.load(u)
		if u.err != nil {
			level.Warn(c.opts.logger).Log("msg", "failed to decode compilation unit", "offset", u.entry.Offset, "err", u.err)
		}
	})
	return u, u.err
}

func (c *dwarfContext) load(u *unit) error {
	lr, err := c.data.LineReader(u.entry)
	if err != nil {
		return fmt.Errorf("create line reader: %w", err)
	}
	if lr != nil {
		for {
			var row dwarf.LineEntry
			if err := lr.Next(&row); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return fmt.Errorf("read line entry: %w", err)
			}
			u.rows = append(u.rows, row)
		}
		u.files = lr.Files()
		// sequence ends sort before rows starting at the same address
		slices.SortStableFunc(u.rows, func(a, b dwarf.LineEntry) int {
			if c := cmp.Compare(a.Address, b.Address); c != 0 {
				return c
			}
			switch {
			case a.EndSequence == b.EndSequence:
				return 0
			case a.EndSequence:
				return -1
			}
			return 1
		})
	}

	r := c.data.Reader()
	r.Seek(u.entry.Offset)
	if _, err := r.Next(); err != nil {
		return fmt.Errorf("read compilation unit: %w", err)
	}
	for {
		e, err := r.Next()
		if err != nil {
			return fmt.Errorf("read entry: %w", err)
		}
		if e == nil || e.Tag == dwarf.TagCompileUnit || e.Tag == dwarf.TagPartialUnit {
			break
		}
		if e.Tag != dwarf.TagSubprogram || e.AttrField(dwarf.AttrInline) != nil {
			continue
		}
		tree, err := godwarf.LoadTree(e.Offset, c.data, 0)
		if err != nil {
			return fmt.Errorf("load subprogram tree at 0x%x: %w", e.Offset, err)
		}
		// LoadTree already walked the body
		r.SkipChildren()
		if len(tree.Ranges) == 0 {
			continue
		}
		idx := len(u.funcs)
		u.funcs = append(u.funcs, tree)
		for _, rng := range tree.Ranges {
			u.funcIdx = append(u.funcIdx, addrRange{low: rng[0], high: rng[1], idx: idx})
		}
	}
	sortRanges(u.funcIdx)
	return nil
}

func (u *unit) lineFor(addr uint64) (dwarf.LineEntry, bool) {
	i := sort.Search(len(u.rows), func(i int) bool { return u.rows[i].Address > addr }) - 1
	if i < 0 || u.rows[i].EndSequence {
		return dwarf.LineEntry{}, false
	}
	return u.rows[i], true
}

func (u *unit) function(addr uint64) *godwarf.Tree {
	r, ok := findRange(u.funcIdx, addr)
	if !ok {
		return nil
	}
	return u.funcs[r.idx]
}

func (u *unit) fileName(idx int64) string {
	if idx < 0 || int(idx) >= len(u.files) || u.files[idx] == nil {
		return ""
	}
	return u.files[idx].Name
}

func (c *dwarfContext) functionName(e godwarf.Entry) string {
	name, _ := e.Val(dwarf.AttrName).(string)
	linkage, _ := e.Val(dwarf.AttrLinkageName).(string)
	if linkage != "" && (name == "" || c.opts.demangle != elf.DemangleNone) {
		return c.opts.demangle.Demangle(linkage)
	}
	return name
}

func (c *dwarfContext) funcInfo(t *godwarf.Tree) LineInfo {
	li := LineInfo{FunctionName: c.functionName(t)}
	li.StartLine, _ = t.Val(dwarf.AttrDeclLine).(int64)
	if len(t.Ranges) > 0 {
		li.StartAddress = t.Ranges[0][0]
	}
	return li
}

func (c *dwarfContext) InliningInfoForAddress(addr object.SectionedAddress) ([]LineInfo, error) {
	u, err := c.unitFor(addr.Address)
	if err != nil {
		return nil, err
	}
	row, hasRow := u.lineFor(addr.Address)
	fn := u.function(addr.Address)
	if fn == nil {
		if !hasRow {
			return nil, fmt.Errorf("line for %s: %w", addr, ErrAddressNotFound)
		}
		return []LineInfo{{FileName: fileEntryName(row.File), Line: int64(row.Line)}}, nil
	}

	// innermost inlined call first, the enclosing function last
	var chain []*godwarf.Tree
	for _, t := range reader.InlineStack(fn, addr.Address) {
		if t != fn && t.Tag == dwarf.TagInlinedSubroutine {
			chain = append(chain, t)
		}
	}
	chain = append(chain, fn)

	frames := make([]LineInfo, len(chain))
	for i, t := range chain {
		frames[i] = c.funcInfo(t)
	}
	if hasRow {
		frames[0].FileName = fileEntryName(row.File)
		frames[0].Line = int64(row.Line)
	}
	// each caller is positioned at the call site of its inlined callee
	for i := 1; i < len(chain); i++ {
		callee := chain[i-1]
		callFile, _ := callee.Val(dwarf.AttrCallFile).(int64)
		frames[i].FileName = u.fileName(callFile)
		frames[i].Line, _ = callee.Val(dwarf.AttrCallLine).(int64)
	}
	return frames, nil
}

func (c *dwarfContext) LineInfoForAddress(addr object.SectionedAddress) (LineInfo, error) {
	frames, err := c.InliningInfoForAddress(addr)
	if err != nil {
		return LineInfo{}, err
	}
	return frames[0], nil
}

func fileEntryName(f *dwarf.LineFile) string {
	if f == nil {
		return ""
	}
	return f.Name
}
