package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	_ "go.uber.org/automaxprocs"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/jitsym/pkg/config"
	"github.com/grafana/jitsym/pkg/util"
)

var (
	consoleOutput io.Writer = os.Stderr
	logger                  = log.NewLogfmtLogger(consoleOutput)
	output        io.Writer = os.Stdout
)

func main() {
	ctx := context.Background()
	cfg := config.Default()

	app := kingpin.New(filepath.Base(os.Args[0]), "Resolves JIT and shared library addresses of a process to source frames.").UsageWriter(os.Stdout)
	app.Version(version.Print("jitsym"))
	app.HelpFlag.Short('h')
	configFile := app.Flag("config.file", "YAML configuration file. Flags given on the command line override it.").String()
	printMetrics := app.Flag("print-metrics", "Print the collected metrics to stderr before exiting.").Bool()
	registerConfigFlags(app, &cfg)

	resolveCmd := app.Command("resolve", "Resolve addresses to source frames.")
	resolveParams := addResolveParams(resolveCmd)

	librariesCmd := app.Command("libraries", "List the executable file mappings of the process.")

	imagesCmd := app.Command("images", "Register JIT objects and list their executable sections.")
	imagesParams := addImagesParams(imagesCmd)

	symbolizeCmd := app.Command("symbolize", "Fill in the source frames of a pprof profile taken from the process.")
	symbolizeParams := addSymbolizeParams(symbolizeCmd)

	args := os.Args[1:]
	parsedCmd := kingpin.MustParse(app.Parse(args))
	if *configFile != "" {
		fileCfg, err := config.LoadFile(*configFile)
		if err != nil {
			os.Exit(checkError(err))
		}
		// command line flags take precedence over the file
		cfg = fileCfg
		// repeatable flags and args accumulate across parses
		resolveParams.reset()
		imagesParams.images = nil
		symbolizeParams.images = nil
		parsedCmd = kingpin.MustParse(app.Parse(args))
	}
	if err := cfg.Validate(); err != nil {
		os.Exit(checkError(err))
	}

	l, err := util.NewLogger(consoleOutput, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		os.Exit(checkError(err))
	}
	logger = l

	reg := prometheus.NewRegistry()
	var cmdErr error
	switch parsedCmd {
	case resolveCmd.FullCommand():
		cmdErr = resolve(ctx, cfg, reg, resolveParams)
	case librariesCmd.FullCommand():
		cmdErr = libraries(ctx, cfg, reg)
	case imagesCmd.FullCommand():
		cmdErr = images(ctx, cfg, reg, imagesParams)
	case symbolizeCmd.FullCommand():
		cmdErr = symbolize(ctx, cfg, reg, symbolizeParams)
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
	if *printMetrics {
		if err := writeMetrics(consoleOutput, reg); err != nil {
			level.Warn(logger).Log("msg", "failed to print metrics", "err", err)
		}
	}
	os.Exit(checkError(cmdErr))
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}
