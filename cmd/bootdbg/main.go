package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"github.com/spf13/afero"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/ferros-dev/bootdbg/pkg/bootstrap"
	"github.com/ferros-dev/bootdbg/pkg/config"
	"github.com/ferros-dev/bootdbg/pkg/debugger/gdbmi"
)

var flags struct {
	verbose         bool
	configFile      string
	remoteEndpoint  string
	debugImage      string
	loaderImage     string
	kernelImage     string
	gdbPath         string
	strict          bool
	noConsole       bool
	metricsTextfile string
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Attach gdb to a relocated two-stage kernel image running under a remote stub.").UsageWriter(os.Stdout)
	app.Version(version.Print("bootdbg"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&flags.verbose)
	app.Flag("config.file", "YAML configuration file.").Short('c').StringVar(&flags.configFile)
	app.Flag("remote-endpoint", "host:port of the remote debug stub.").StringVar(&flags.remoteEndpoint)
	app.Flag("images.debug", "Debug-symbol image.").StringVar(&flags.debugImage)
	app.Flag("images.loader", "Loader stage image.").StringVar(&flags.loaderImage)
	app.Flag("images.kernel", "Kernel stage image.").StringVar(&flags.kernelImage)
	app.Flag("gdb.path", "gdb executable.").StringVar(&flags.gdbPath)
	app.Flag("probe.strict", "Fail when the computed base address is misaligned.").BoolVar(&flags.strict)
	app.Flag("metrics.textfile", "Write metrics in text format to this file on exit.").StringVar(&flags.metricsTextfile)

	fullCmd := app.Command("full-bootstrap", "Attach while the debug stub waits and follow the loader into the kernel.").Alias("connect")
	fullCmd.Flag("no-console", "Exit instead of handing the session to the operator.").BoolVar(&flags.noConsole)
	attachCmd := app.Command("attach-mid-loader", "Attach while the stub waits and stop at the loader's entry.").Alias("connect-loader")
	attachCmd.Flag("no-console", "Exit instead of handing the session to the operator.").BoolVar(&flags.noConsole)

	sectionsCmd := app.Command("sections", "Print the section and load addresses of an image.")
	sectionsImage := sectionsCmd.Arg("image", "ELF image path.").Required().String()
	sectionsOffset := sectionsCmd.Flag("offset", "Relocation offset, e.g. 0x7e3c2000 or -0x2100.").Default("0").String()

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if !flags.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	fs := afero.NewOsFs()
	switch parsedCmd {
	case fullCmd.FullCommand():
		os.Exit(checkError(run(ctx, fs, bootstrap.ProcedureFullBootstrap)))
	case attachCmd.FullCommand():
		os.Exit(checkError(run(ctx, fs, bootstrap.ProcedureAttachMidLoader)))
	case sectionsCmd.FullCommand():
		os.Exit(checkError(printSections(os.Stdout, fs, *sectionsImage, *sectionsOffset)))
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
}

func loadConfig(fs afero.Fs) (config.Config, error) {
	cfg, err := config.Load(fs, flags.configFile)
	if err != nil {
		return cfg, err
	}
	for _, o := range []struct {
		flag  string
		field *string
	}{
		{flags.remoteEndpoint, &cfg.RemoteEndpoint},
		{flags.debugImage, &cfg.Images.Debug},
		{flags.loaderImage, &cfg.Images.Loader},
		{flags.kernelImage, &cfg.Images.Kernel},
		{flags.gdbPath, &cfg.GDB.Path},
	} {
		if o.flag != "" {
			*o.field = o.flag
		}
	}
	if flags.strict {
		cfg.Probe.Strict = true
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, fs afero.Fs, procedure string) (err error) {
	cfg, err := loadConfig(fs)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	if flags.metricsTextfile != "" {
		defer func() {
			if werr := prometheus.WriteToTextfile(flags.metricsTextfile, reg); werr != nil {
				level.Warn(logger).Log("msg", "failed to write metrics", "path", flags.metricsTextfile, "err", werr)
			}
		}()
	}

	// Ctrl-C aborts the bootstrap. Once the console runs it stops the
	// target instead.
	bctx, stopBootstrap := signal.NotifyContext(ctx, os.Interrupt)
	defer stopBootstrap()

	dbg, err := gdbmi.Start(bctx, log.With(logger, "component", "gdbmi"), gdbmi.Options{
		Path:         cfg.GDB.Path,
		Args:         cfg.GDB.Args,
		Architecture: cfg.GDB.Architecture,
		SourceDirs:   cfg.GDB.SourceDirs,
		Output:       os.Stdout,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := dbg.Close(); cerr != nil {
			level.Warn(logger).Log("msg", "failed to close gdb", "err", cerr)
		}
	}()

	session := bootstrap.NewSession(log.With(logger, "component", "bootstrap"), withProgress(dbg, consoleOutput), cfg, bootstrap.Options{
		Fs:      fs,
		Metrics: bootstrap.NewMetrics(reg),
	})
	switch procedure {
	case bootstrap.ProcedureFullBootstrap:
		err = session.FullBootstrap(bctx)
	case bootstrap.ProcedureAttachMidLoader:
		err = session.AttachMidLoader(bctx)
	default:
		err = fmt.Errorf("unknown procedure %q", procedure)
	}
	if err != nil || flags.noConsole {
		return err
	}
	stopBootstrap()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	return runConsole(ctx, dbg, os.Stdin, os.Stdout, interrupts)
}

func checkError(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		// interrupted by the operator
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return 1
}
