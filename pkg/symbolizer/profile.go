package symbolizer

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/pprof/profile"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/jitsym/pkg/util"
)

// ReadProfile parses a pprof profile, gzip or zstd compressed or not.
func ReadProfile(r io.Reader) (*profile.Profile, error) {
	data, err := util.DecompressReader(r)
	if err != nil {
		return nil, err
	}
	return profile.Parse(data)
}

// WriteProfile writes p gzip compressed.
func WriteProfile(w io.Writer, p *profile.Profile) error {
	return p.Write(w)
}

type symbolizedLocation struct {
	loc    *profile.Location
	frames []Frame
}

// SymbolizeProfile fills in the lines of every location that has none.
// Locations are resolved against the running process: their addresses must
// be runtime addresses of it.
func (s *Symbolizer) SymbolizeProfile(ctx context.Context, p *profile.Profile) (err error) {
	start := time.Now()
	defer func() { s.observeProfile(start, err) }()

	pending := lo.Filter(p.Location, func(loc *profile.Location, _ int) bool {
		return len(loc.Line) == 0 && loc.Address != 0
	})
	if len(pending) == 0 {
		return nil
	}

	byMapping := lo.GroupBy(pending, func(loc *profile.Location) uint64 {
		if loc.Mapping == nil {
			return 0
		}
		return loc.Mapping.ID
	})

	symbolized, err := s.symbolizeMappingsConcurrently(ctx, byMapping)
	if err != nil {
		return fmt.Errorf("symbolizing mappings: %w", err)
	}
	s.updateProfile(p, symbolized)
	return p.CheckValid()
}

func (s *Symbolizer) symbolizeMappingsConcurrently(ctx context.Context, byMapping map[uint64][]*profile.Location) ([]symbolizedLocation, error) {
	mappingIDs := lo.Keys(byMapping)
	sort.Slice(mappingIDs, func(i, j int) bool { return mappingIDs[i] < mappingIDs[j] })

	results := make([][]symbolizedLocation, len(mappingIDs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.options.MaxConcurrency)
	for i, id := range mappingIDs {
		i, locs := i, byMapping[id]
		g.Go(func() error {
			out := make([]symbolizedLocation, 0, len(locs))
			for _, loc := range locs {
				if err := ctx.Err(); err != nil {
					return err
				}
				out = append(out, symbolizedLocation{
					loc:    loc,
					frames: s.Frames(loc.Address, s.options.NoInline),
				})
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return lo.Flatten(results), nil
}

type funcKey struct {
	name     string
	filename string
}

func (s *Symbolizer) updateProfile(p *profile.Profile, symbolized []symbolizedLocation) {
	functions := make(map[funcKey]*profile.Function, len(p.Function))
	var maxID uint64
	for _, fn := range p.Function {
		functions[funcKey{fn.Name, fn.Filename}] = fn
		maxID = max(maxID, fn.ID)
	}

	var unresolved int
	for _, item := range symbolized {
		if item.frames[0].Function == "" {
			unresolved++
			continue
		}
		lines := make([]profile.Line, 0, len(item.frames))
		for _, frame := range item.frames {
			key := funcKey{frame.Function, frame.File}
			fn, ok := functions[key]
			if !ok {
				maxID++
				fn = &profile.Function{
					ID:         maxID,
					Name:       frame.Function,
					SystemName: frame.Function,
					Filename:   frame.File,
					StartLine:  frame.StartLine,
				}
				p.Function = append(p.Function, fn)
				functions[key] = fn
			} else if fn.StartLine == 0 && frame.StartLine > 0 {
				fn.StartLine = frame.StartLine
			}
			lines = append(lines, profile.Line{Function: fn, Line: frame.Line})
		}
		item.loc.Line = lines

		if m := item.loc.Mapping; m != nil {
			m.HasFunctions = true
			m.HasFilenames = m.HasFilenames || lines[0].Function.Filename != ""
			m.HasLineNumbers = m.HasLineNumbers || lines[0].Line != 0
			m.HasInlineFrames = m.HasInlineFrames || len(lines) > 1
		}
	}
	if unresolved > 0 {
		level.Debug(s.logger).Log("msg", "locations left unsymbolized", "count", unresolved, "total", len(symbolized))
	}
}
