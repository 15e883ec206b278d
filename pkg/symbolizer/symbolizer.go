// Package symbolizer turns instruction pointers into source frames by asking
// the JIT registry first and the loaded libraries after.
package symbolizer

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/jitsym/pkg/debuginfo"
	"github.com/grafana/jitsym/pkg/dylib"
	"github.com/grafana/jitsym/pkg/jit"
	"github.com/grafana/jitsym/pkg/object"
)

type JITResolver interface {
	Lookup(pc uint64) (jit.Info, jit.Status)
}

type LibraryResolver interface {
	Resolve(pc uint64, onlyImage bool) (dylib.Info, bool)
}

// Frame is one source frame of an address. Inlined frames come before the
// frame of the function they were inlined into.
type Frame struct {
	Function  string
	File      string
	Line      int64
	StartLine int64
	Inlined   bool
	FromJIT   bool
	FromImage bool
	Address   uint64
}

type Options struct {
	NoInline       bool
	MaxConcurrency int
}

type Symbolizer struct {
	logger  log.Logger
	jit     JITResolver
	libs    LibraryResolver
	options Options
	metrics *metrics
}

// New returns a symbolizer over the given resolvers. Either may be nil.
func New(logger log.Logger, options Options, reg prometheus.Registerer, jitResolver JITResolver, libResolver LibraryResolver) *Symbolizer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if options.MaxConcurrency <= 0 {
		options.MaxConcurrency = 8
	}
	return &Symbolizer{
		logger:  logger,
		jit:     jitResolver,
		libs:    libResolver,
		options: options,
		metrics: newMetrics(reg),
	}
}

// Frames returns the source frames of pc, innermost first. An unresolvable
// pc yields a single frame with empty names. pc is used as is: callers
// holding return addresses adjust them first.
func (s *Symbolizer) Frames(pc uint64, noInline bool) []Frame {
	if s.jit != nil {
		if info, status := s.jit.Lookup(pc); status == jit.Found {
			frames, ok := s.contextFrames(info.Context, info.Section, info.Slide, pc, noInline)
			s.observe(sourceJIT, ok)
			for i := range frames {
				frames[i].FromJIT = true
			}
			return frames
		}
	}
	if s.libs != nil {
		if info, found := s.libs.Resolve(pc, false); found {
			frames, ok := s.contextFrames(info.Context, info.Section, info.Slide, pc, noInline)
			info.Release()
			s.observe(sourceLibrary, ok)
			outer := &frames[len(frames)-1]
			if outer.Function == "" {
				outer.Function = info.SymbolName
			}
			for i := range frames {
				frames[i].FromImage = info.IsImage
				if frames[i].File == "" {
					frames[i].File = info.FileName
				}
			}
			return frames
		}
	}
	s.metrics.lookups.WithLabelValues(sourceNone, statusNotFound).Inc()
	return []Frame{{Address: pc}}
}

func (s *Symbolizer) observe(source string, ok bool) {
	status := statusFound
	if !ok {
		status = statusNoContext
	}
	s.metrics.lookups.WithLabelValues(source, status).Inc()
}

func (s *Symbolizer) contextFrames(ctx debuginfo.DIContext, section object.SectionRef, slide object.Slide, pc uint64, noInline bool) ([]Frame, bool) {
	if ctx == nil {
		return []Frame{{Address: pc}}, false
	}
	addr := object.MakeAddress(section, slide.FileAddress(pc))
	var (
		lines []debuginfo.LineInfo
		err   error
	)
	if noInline {
		var li debuginfo.LineInfo
		li, err = ctx.LineInfoForAddress(addr)
		lines = []debuginfo.LineInfo{li}
	} else {
		lines, err = ctx.InliningInfoForAddress(addr)
	}
	if err != nil {
		level.Debug(s.logger).Log("msg", "no line info", "pc", addr, "err", err)
		return []Frame{{Address: pc}}, false
	}
	frames := make([]Frame, len(lines))
	for i, li := range lines {
		frames[i] = Frame{
			Function:  li.FunctionName,
			File:      li.FileName,
			Line:      li.Line,
			StartLine: li.StartLine,
			Inlined:   i < len(lines)-1,
			Address:   pc,
		}
	}
	return frames, true
}

func (s *Symbolizer) observeProfile(start time.Time, err error) {
	status := "success"
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = "canceled"
	case err != nil:
		status = "error"
	}
	s.metrics.profileSymbolization.WithLabelValues(status).Observe(time.Since(start).Seconds())
}
