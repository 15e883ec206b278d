package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grafana/jitsym/pkg/debuginfo/elf"
	"github.com/grafana/jitsym/pkg/dylib"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 0, cfg.PID)
	require.Equal(t, []string(dylib.DefaultImageMarkers), []string(cfg.ImageMarkers))
	require.Equal(t, []string{elf.DefaultDebugDirectory}, []string(cfg.DebugDirectories))
	require.Equal(t, elf.DemangleFull, cfg.DemangleStyle())
	require.Equal(t, time.Second, cfg.RefreshInterval)
	require.Equal(t, os.Getpid(), cfg.TargetPID())
}

func TestFlags(t *testing.T) {
	var cfg Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"-pid", "42",
		"-image-markers", "sys_a,sys_b",
		"-debug-directories", "/opt/debug",
		"-demangle", "simplified",
		"-no-inline",
	}))
	require.NoError(t, cfg.Validate())
	require.Equal(t, 42, cfg.TargetPID())
	require.Equal(t, []string{"sys_a", "sys_b"}, []string(cfg.ImageMarkers))

	opts := cfg.ResolverOptions(nil)
	require.Equal(t, 42, opts.Pid)
	require.Equal(t, []string{"/opt/debug"}, opts.DebugDirectories)
	require.Equal(t, elf.DemangleSimplified, opts.Demangle)
	require.Equal(t, 256, opts.CacheSize)
	require.True(t, cfg.NoInline)
}

func TestValidate(t *testing.T) {
	testcases := []struct {
		name   string
		modify func(*Config)
	}{
		{"negative pid", func(c *Config) { c.PID = -1 }},
		{"unknown demangle", func(c *Config) { c.Demangle = "pretty" }},
		{"cache size", func(c *Config) { c.LibraryCacheSize = 0 }},
		{"refresh interval", func(c *Config) { c.RefreshInterval = -time.Second }},
		{"concurrency", func(c *Config) { c.MaxConcurrency = 0 }},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load(strings.NewReader(`
pid: 7
image_markers: sys_image
demangle: none
refresh_interval: 5s
max_concurrency: 2
`))
	require.NoError(t, err)
	require.Equal(t, 7, cfg.PID)
	require.Equal(t, []string{"sys_image"}, []string(cfg.ImageMarkers))
	require.Equal(t, elf.DemangleNone, cfg.DemangleStyle())
	require.Equal(t, 5*time.Second, cfg.RefreshInterval)
	require.Equal(t, 2, cfg.MaxConcurrency)
	// untouched fields keep their defaults
	require.Equal(t, 256, cfg.LibraryCacheSize)

	empty, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, Default(), empty)

	_, err = Load(strings.NewReader("unknown_field: 1\n"))
	require.Error(t, err)
	_, err = Load(strings.NewReader("max_concurrency: 0\n"))
	require.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "jitsym.yaml")
	require.NoError(t, os.WriteFile(p, []byte("no_inline: true\n"), 0o644))
	cfg, err := LoadFile(p)
	require.NoError(t, err)
	require.True(t, cfg.NoInline)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
