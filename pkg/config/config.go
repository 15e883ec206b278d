package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/grafana/dskit/flagext"
	"gopkg.in/yaml.v3"

	"github.com/grafana/jitsym/pkg/debuginfo/elf"
	"github.com/grafana/jitsym/pkg/dylib"
)

type Config struct {
	PID              int                    `yaml:"pid"`
	RootFS           string                 `yaml:"root_fs"`
	ImageMarkers     flagext.StringSliceCSV `yaml:"image_markers"`
	DebugDirectories flagext.StringSliceCSV `yaml:"debug_directories"`
	Demangle         string                 `yaml:"demangle"`
	LibraryCacheSize int                    `yaml:"library_cache_size" category:"advanced"`
	RefreshInterval  time.Duration          `yaml:"refresh_interval" category:"advanced"`
	NoInline         bool                   `yaml:"no_inline"`
	MaxConcurrency   int                    `yaml:"max_concurrency" category:"advanced"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.ImageMarkers = append(flagext.StringSliceCSV{}, dylib.DefaultImageMarkers...)
	cfg.DebugDirectories = flagext.StringSliceCSV{elf.DefaultDebugDirectory}

	f.IntVar(&cfg.PID, "pid", 0, "Process whose JIT and library addresses are resolved. 0 is the current process.")
	f.StringVar(&cfg.RootFS, "root-fs", "", "Filesystem root mapped library paths are resolved in. Defaults to /proc/<pid>/root.")
	f.Var(&cfg.ImageMarkers, "image-markers", "Comma separated exported symbols that identify a runtime system image.")
	f.Var(&cfg.DebugDirectories, "debug-directories", "Comma separated directories searched for separate debug files.")
	f.StringVar(&cfg.Demangle, "demangle", string(elf.DemangleFull), fmt.Sprintf("Demangling style of C++ and Rust symbols, one of %v.", elf.DemangleStyles))
	f.IntVar(&cfg.LibraryCacheSize, "library-cache-size", 256, "Maximum number of parsed library files kept in memory.")
	f.DurationVar(&cfg.RefreshInterval, "refresh-interval", time.Second, "Minimum time between re-reads of the memory map caused by unknown addresses.")
	f.BoolVar(&cfg.NoInline, "no-inline", false, "Report only the innermost frame of inlined calls.")
	f.IntVar(&cfg.MaxConcurrency, "max-concurrency", 8, "Maximum number of mappings symbolized concurrently.")
	f.StringVar(&cfg.LogLevel, "log.level", "info", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error]")
	f.StringVar(&cfg.LogFormat, "log.format", "logfmt", "Output log messages in the given format. Valid formats: [logfmt, json]")
}

func (cfg *Config) Validate() error {
	if cfg.PID < 0 {
		return fmt.Errorf("invalid pid %d, must not be negative", cfg.PID)
	}
	if _, err := elf.ParseDemangleStyle(cfg.Demangle); err != nil {
		return err
	}
	if cfg.LibraryCacheSize < 1 {
		return errors.New("invalid library-cache-size value, must be positive")
	}
	if cfg.RefreshInterval < 0 {
		return errors.New("invalid refresh-interval value, must not be negative")
	}
	if cfg.MaxConcurrency < 1 {
		return errors.New("invalid max-concurrency value, must be positive")
	}
	return nil
}

// Default returns the configuration with every flag at its default value.
func Default() Config {
	var cfg Config
	flagext.DefaultValues(&cfg)
	return cfg
}

// Load reads a YAML document on top of the defaults. Unknown fields are an
// error.
func Load(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Load(bytes.NewReader(data))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// DemangleStyle returns the validated demangling style.
func (cfg *Config) DemangleStyle() elf.DemangleStyle {
	style, err := elf.ParseDemangleStyle(cfg.Demangle)
	if err != nil {
		return elf.DemangleNone
	}
	return style
}

// TargetPID returns the configured process, the current one for 0.
func (cfg *Config) TargetPID() int {
	if cfg.PID == 0 {
		return os.Getpid()
	}
	return cfg.PID
}

// ResolverOptions returns the library resolver options for the configured
// process.
func (cfg *Config) ResolverOptions(metrics *dylib.Metrics) dylib.Options {
	return dylib.Options{
		Pid:              cfg.TargetPID(),
		RootFS:           cfg.RootFS,
		ImageMarkers:     cfg.ImageMarkers,
		DebugDirectories: cfg.DebugDirectories,
		Demangle:         cfg.DemangleStyle(),
		CacheSize:        cfg.LibraryCacheSize,
		RefreshInterval:  cfg.RefreshInterval,
		Metrics:          metrics,
	}
}
