package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/jitsym/pkg/config"
	"github.com/grafana/jitsym/pkg/debuginfo/elf"
)

// registerConfigFlags binds the configuration to flags. The flags carry no
// kingpin defaults so that values already in cfg survive when a flag is
// absent.
func registerConfigFlags(app *kingpin.Application, cfg *config.Config) {
	app.Flag("pid", "Process whose addresses are resolved. 0 is the current process.").IntVar(&cfg.PID)
	app.Flag("root-fs", "Filesystem root mapped library paths are resolved in. Defaults to /proc/<pid>/root.").StringVar(&cfg.RootFS)
	app.Flag("image-markers", "Comma separated exported symbols that identify a runtime system image.").SetValue(&cfg.ImageMarkers)
	app.Flag("debug-directories", "Comma separated directories searched for separate debug files.").SetValue(&cfg.DebugDirectories)
	app.Flag("demangle", fmt.Sprintf("Demangling style of C++ and Rust symbols, one of %v.", elf.DemangleStyles)).StringVar(&cfg.Demangle)
	app.Flag("library-cache-size", "Maximum number of parsed library files kept in memory.").IntVar(&cfg.LibraryCacheSize)
	app.Flag("refresh-interval", "Minimum time between re-reads of the memory map caused by unknown addresses.").DurationVar(&cfg.RefreshInterval)
	app.Flag("inline", "Report inlined frames. --no-inline reports the innermost frame only.").SetValue(&invertedBool{&cfg.NoInline})
	app.Flag("max-concurrency", "Maximum number of mappings symbolized concurrently.").IntVar(&cfg.MaxConcurrency)
	app.Flag("log.level", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error]").StringVar(&cfg.LogLevel)
	app.Flag("log.format", "Output log messages in the given format. Valid formats: [logfmt, json]").StringVar(&cfg.LogFormat)
}

// invertedBool is a boolean flag that stores the negation of its value.
type invertedBool struct {
	b *bool
}

func (v *invertedBool) Set(s string) error {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	*v.b = !b
	return nil
}

func (v *invertedBool) String() string {
	return strconv.FormatBool(!*v.b)
}

func (v *invertedBool) IsBoolFlag() bool { return true }

// jitImageSpec is an ELF object emitted by a JIT and the runtime addresses
// of its sections, written as path:section=address[,section=address...].
type jitImageSpec struct {
	path     string
	sections map[string]uint64
}

func parseJITImageSpec(s string) (jitImageSpec, error) {
	path, rest, ok := strings.Cut(s, ":")
	if !ok || path == "" || rest == "" {
		return jitImageSpec{}, fmt.Errorf("invalid jit image %q, expected path:section=address", s)
	}
	spec := jitImageSpec{path: path, sections: map[string]uint64{}}
	for _, part := range strings.Split(rest, ",") {
		name, addr, ok := strings.Cut(part, "=")
		if !ok || name == "" {
			return jitImageSpec{}, fmt.Errorf("invalid jit image section %q", part)
		}
		v, err := parseAddress(addr)
		if err != nil {
			return jitImageSpec{}, fmt.Errorf("invalid jit image section %q: %w", part, err)
		}
		spec.sections[name] = v
	}
	return spec, nil
}

type jitImageSpecs []jitImageSpec

func (v *jitImageSpecs) Set(s string) error {
	spec, err := parseJITImageSpec(s)
	if err != nil {
		return err
	}
	*v = append(*v, spec)
	return nil
}

func (v *jitImageSpecs) String() string {
	parts := make([]string, 0, len(*v))
	for _, spec := range *v {
		parts = append(parts, spec.path)
	}
	return strings.Join(parts, ",")
}

func (v *jitImageSpecs) IsCumulative() bool { return true }

// parseAddress accepts hexadecimal addresses with or without 0x prefix.
func parseAddress(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strconv.ParseUint(s, 16, 64)
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
