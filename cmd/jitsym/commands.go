package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/jitsym/pkg/config"
	"github.com/grafana/jitsym/pkg/dylib"
	"github.com/grafana/jitsym/pkg/jit"
	"github.com/grafana/jitsym/pkg/jitstats"
	"github.com/grafana/jitsym/pkg/symbolizer"
	"github.com/grafana/jitsym/pkg/util"
)

type jitParams struct {
	images jitImageSpecs
}

func addJITParams(cmd *kingpin.CmdClause) *jitParams {
	params := &jitParams{}
	cmd.Flag("jit-image", "ELF object emitted by a JIT with the runtime addresses of its sections, as path:section=address[,section=address]. Repeatable.").SetValue(&params.images)
	return params
}

type resolveParams struct {
	*jitParams
	onlyImage bool
	addresses []string
}

func addResolveParams(cmd *kingpin.CmdClause) *resolveParams {
	params := &resolveParams{jitParams: addJITParams(cmd)}
	cmd.Flag("only-image", "Resolve library addresses only inside runtime system images.").BoolVar(&params.onlyImage)
	cmd.Arg("address", "Hexadecimal runtime addresses or function names.").Required().StringsVar(&params.addresses)
	return params
}

func (p *resolveParams) reset() {
	p.images = nil
	p.addresses = nil
}

type imagesParams struct {
	*jitParams
}

func addImagesParams(cmd *kingpin.CmdClause) *imagesParams {
	return &imagesParams{jitParams: addJITParams(cmd)}
}

type symbolizeParams struct {
	*jitParams
	input  string
	output string
}

func addSymbolizeParams(cmd *kingpin.CmdClause) *symbolizeParams {
	params := &symbolizeParams{jitParams: addJITParams(cmd)}
	cmd.Arg("input", "pprof profile to symbolize.").Required().ExistingFileVar(&params.input)
	cmd.Arg("output", "Where the symbolized profile is written.").Required().StringVar(&params.output)
	return params
}

// newRegistry registers the given JIT images with a fresh registry.
func newRegistry(cfg config.Config, reg prometheus.Registerer, specs jitImageSpecs) (*jit.Registry, error) {
	counter := &jitstats.Counter{}
	util.Register(reg, jitstats.NewCollector(counter))
	registry := jit.NewRegistry(logger, jit.Options{
		Counter:  counter,
		Demangle: cfg.DemangleStyle(),
		Metrics:  jit.NewMetrics(reg),
	})
	for _, spec := range specs {
		data, err := os.ReadFile(spec.path)
		if err != nil {
			return nil, multierror.Append(err, registry.Close())
		}
		img := jit.Image{
			Name:   spec.path,
			Object: data,
			Sections: lo.MapToSlice(spec.sections, func(name string, addr uint64) jit.LoadedSection {
				return jit.LoadedSection{Name: name, LoadAddress: addr}
			}),
		}
		if err := registry.Register(img); err != nil {
			return nil, multierror.Append(fmt.Errorf("register %s: %w", spec.path, err), registry.Close())
		}
		level.Debug(logger).Log("msg", "registered jit image", "path", spec.path, "total_bytes", counter.TotalBytes())
	}
	return registry, nil
}

type imageOnlyResolver struct {
	*dylib.Resolver
}

func (r imageOnlyResolver) Resolve(pc uint64, _ bool) (dylib.Info, bool) {
	return r.Resolver.Resolve(pc, true)
}

// symbolLookup finds the runtime address of a function by name.
type symbolLookup interface {
	LookupSymbol(name string) (uint64, bool)
}

// parseTargets turns resolve arguments into addresses. Arguments that are
// not hexadecimal are looked up as function names, JIT code first.
func parseTargets(args []string, lookups ...symbolLookup) ([]uint64, error) {
	pcs := make([]uint64, 0, len(args))
	for _, a := range args {
		pc, err := parseAddress(a)
		if err == nil {
			pcs = append(pcs, pc)
			continue
		}
		found := false
		for _, l := range lookups {
			if pc, found = l.LookupSymbol(a); found {
				pcs = append(pcs, pc)
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%q is neither an address nor a known function", a)
		}
	}
	return pcs, nil
}

func resolve(_ context.Context, cfg config.Config, reg *prometheus.Registry, params *resolveParams) error {
	registry, err := newRegistry(cfg, reg, params.images)
	if err != nil {
		return err
	}
	defer registry.Close()
	resolver, err := dylib.NewResolver(logger, cfg.ResolverOptions(dylib.NewMetrics(reg)))
	if err != nil {
		return err
	}
	defer resolver.Close()

	pcs, err := parseTargets(params.addresses, registry, resolver)
	if err != nil {
		return err
	}

	var libs symbolizer.LibraryResolver = resolver
	if params.onlyImage {
		libs = imageOnlyResolver{resolver}
	}
	s := symbolizer.New(logger, symbolizer.Options{NoInline: cfg.NoInline, MaxConcurrency: cfg.MaxConcurrency}, reg, registry, libs)

	table := tablewriter.NewWriter(output)
	table.SetHeader([]string{"Address", "Source", "Function", "Location", "Inlined"})
	table.SetAutoWrapText(false)
	for _, pc := range pcs {
		for _, frame := range s.Frames(pc, cfg.NoInline) {
			table.Append([]string{
				fmt.Sprintf("0x%x", pc),
				frameSource(frame),
				lo.Ternary(frame.Function == "", unknown, frame.Function),
				frameLocation(frame),
				strconv.FormatBool(frame.Inlined),
			})
		}
	}
	table.Render()
	return nil
}

func frameSource(f symbolizer.Frame) string {
	switch {
	case f.FromJIT:
		return "jit"
	case f.FromImage:
		return "image"
	case f.Function != "" || f.File != "":
		return "library"
	}
	return "-"
}

var unknown = color.New(color.FgRed).Sprint("??")

func frameLocation(f symbolizer.Frame) string {
	if f.File == "" {
		return unknown
	}
	if f.Line == 0 {
		return f.File
	}
	return fmt.Sprintf("%s:%d", f.File, f.Line)
}

func libraries(_ context.Context, cfg config.Config, reg *prometheus.Registry) error {
	resolver, err := dylib.NewResolver(logger, cfg.ResolverOptions(dylib.NewMetrics(reg)))
	if err != nil {
		return err
	}
	defer resolver.Close()

	table := tablewriter.NewWriter(output)
	table.SetHeader([]string{"Start", "End", "Offset", "Base", "Image", "Build ID", "Path", "Debug file", "Error"})
	table.SetAutoWrapText(false)
	for _, lib := range resolver.Libraries() {
		errText := ""
		if lib.Err != nil {
			errText = lib.Err.Error()
		}
		table.Append([]string{
			fmt.Sprintf("0x%x", lib.Start),
			fmt.Sprintf("0x%x", lib.End),
			fmt.Sprintf("0x%x", lib.Offset),
			fmt.Sprintf("0x%x", lib.Base),
			strconv.FormatBool(lib.IsImage),
			lib.BuildID.String(),
			lib.Path,
			lib.DebugFile,
			errText,
		})
	}
	table.Render()
	return nil
}

func images(_ context.Context, cfg config.Config, reg *prometheus.Registry, params *imagesParams) error {
	registry, err := newRegistry(cfg, reg, params.images)
	if err != nil {
		return err
	}
	defer registry.Close()

	var total uint64
	table := tablewriter.NewWriter(output)
	table.SetHeader([]string{"Image", "Section", "Load address", "Size", "Slide"})
	for _, img := range registry.Images() {
		total += img.Section.Size
		table.Append([]string{
			img.Name,
			img.Section.Name,
			fmt.Sprintf("0x%x", img.LoadAddress),
			humanize.IBytes(img.Section.Size),
			strconv.FormatInt(int64(img.Slide), 10),
		})
	}
	table.SetFooter([]string{"", "", "total", humanize.IBytes(total), ""})
	table.Render()
	return nil
}

func symbolize(ctx context.Context, cfg config.Config, reg *prometheus.Registry, params *symbolizeParams) (err error) {
	in, err := os.Open(params.input)
	if err != nil {
		return err
	}
	p, err := symbolizer.ReadProfile(in)
	in.Close()
	if err != nil {
		return fmt.Errorf("read %s: %w", params.input, err)
	}

	registry, err := newRegistry(cfg, reg, params.images)
	if err != nil {
		return err
	}
	defer registry.Close()
	resolver, err := dylib.NewResolver(logger, cfg.ResolverOptions(dylib.NewMetrics(reg)))
	if err != nil {
		return err
	}
	defer resolver.Close()

	s := symbolizer.New(logger, symbolizer.Options{NoInline: cfg.NoInline, MaxConcurrency: cfg.MaxConcurrency}, reg, registry, resolver)
	if err := s.SymbolizeProfile(ctx, p); err != nil {
		return err
	}

	out, err := os.Create(params.output)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()
	return symbolizer.WriteProfile(out, p)
}
