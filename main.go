package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/doridoridoriand/latency-probe/internal/cli"
	"github.com/doridoridoriand/latency-probe/internal/clock"
	"github.com/doridoridoriand/latency-probe/internal/config"
	"github.com/doridoridoriand/latency-probe/internal/log"
	"github.com/doridoridoriand/latency-probe/internal/metrics"
	"github.com/doridoridoriand/latency-probe/internal/probe"
	"github.com/doridoridoriand/latency-probe/internal/scheduler"
	"github.com/doridoridoriand/latency-probe/internal/state"
	"github.com/doridoridoriand/latency-probe/internal/ui"
)

const (
	version       = "0.1.0"
	uiLogFile     = "latency-probe.log"
	shutdownGrace = 10 * time.Second
)

var logLevels = []string{"debug", "info", "warn", "error"}

// Command holds the parsed command line and the streams it writes to.
type Command struct {
	OutStream io.Writer
	ErrStream io.Writer

	ConfigPath     string
	Interval       cli.OptionalDuration
	Timeout        cli.OptionalDuration
	Jitter         cli.OptionalFloat
	MetricsListen  cli.OptionalString
	LogLevel       cli.OptionalString
	LogFile        string
	LatencyHistory cli.OptionalBool
	UIScale        cli.OptionalInt
	NoUI           bool
	ShowVersion    bool
	ShowHelp       bool

	flags *pflag.FlagSet
}

func main() {
	cmd := &Command{OutStream: os.Stdout, ErrStream: os.Stderr}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cmd.Run(ctx, os.Args)
	stop()
	os.Exit(code)
}

// ParseArgs fills cmd from args, where args[0] is the program name.
func (cmd *Command) ParseArgs(args []string) (exitCode int) {
	flags := pflag.NewFlagSet("latency-probe", pflag.ContinueOnError)
	flags.SetOutput(cmd.ErrStream)
	cmd.Jitter = cli.OptionalFloat{Min: 0, Max: 1}
	cmd.LogLevel = cli.OptionalString{Choices: logLevels}

	flags.StringVarP(&cmd.ConfigPath, "config", "c", "", "target config file (default $TARGET_CONFIG or targets.json)")
	flags.VarP(&cmd.Interval, "interval", "i", "probe interval, e.g. 1s or 1000 (override config)")
	flags.VarP(&cmd.Timeout, "timeout", "t", "default probe timeout (override config)")
	flags.Var(&cmd.Jitter, "jitter", "start jitter as a fraction of the interval, in [0, 1) (override config)")
	flags.Var(&cmd.MetricsListen, "metrics-listen", "metrics listen address (default $METRICS_LISTEN or :9100)")
	flags.Var(&cmd.LogLevel, "log-level", "log level: debug|info|warn|error (override config)")
	flags.StringVar(&cmd.LogFile, "log-file", "", "write logs to a rotated file instead of stderr")
	cli.BoolVar(flags, &cmd.LatencyHistory, "latency-history", "", "export the latency histogram (override config)")
	flags.Var(&cmd.UIScale, "ui-scale", "milliseconds per bar cell in the dashboard")
	flags.BoolVar(&cmd.NoUI, "no-ui", false, "disable the dashboard (log only)")
	flags.BoolVarP(&cmd.ShowVersion, "version", "v", false, "show version")
	flags.BoolVarP(&cmd.ShowHelp, "help", "h", false, "show help message")
	cmd.flags = flags

	if err := flags.Parse(args[1:]); err != nil {
		fmt.Fprintln(cmd.ErrStream, err)
		fmt.Fprintf(cmd.ErrStream, "\nPlease see `%s -h` for more information.\n", args[0])
		return 2
	}
	if cmd.ConfigPath == "" && flags.NArg() > 0 {
		cmd.ConfigPath = flags.Arg(0)
	}
	if flags.NArg() > 1 {
		fmt.Fprintf(cmd.ErrStream, "too many arguments: %v\n", flags.Args()[1:])
		return 2
	}
	return 0
}

// PrintUsage writes flag help to the error stream.
func (cmd *Command) PrintUsage() {
	fmt.Fprintf(cmd.ErrStream, "usage: latency-probe [options] [config-file]\n\nOptions:\n")
	cmd.flags.PrintDefaults()
}

// Run parses args and probes until ctx is cancelled.
func (cmd *Command) Run(ctx context.Context, args []string) (exitCode int) {
	if code := cmd.ParseArgs(args); code != 0 {
		return code
	}
	if cmd.ShowVersion {
		fmt.Fprintf(cmd.OutStream, "latency-probe version %s\n", version)
		return 0
	}
	if cmd.ShowHelp {
		cmd.PrintUsage()
		return 0
	}

	env := config.FromEnv()
	if cmd.ConfigPath != "" {
		env.TargetConfig = cmd.ConfigPath
	}
	if v, ok := cmd.MetricsListen.Value(); ok && v != "" {
		env.MetricsListen = v
	}

	useUI := !cmd.NoUI && isTerminal(cmd.OutStream)
	logFile := cmd.LogFile
	if useUI && logFile == "" {
		logFile = uiLogFile
	}
	level, _ := cmd.LogLevel.Value()
	logger := log.New(log.Options{Level: level, File: logFile, Output: cmd.ErrStream})
	defer func() { _ = logger.Sync() }()

	clk, err := clock.New()
	if err != nil {
		fmt.Fprintf(cmd.ErrStream, "error: %v\n", err)
		return 1
	}

	loader, every, err := newLoader(ctx, env)
	if err != nil {
		fmt.Fprintf(cmd.ErrStream, "error: %v\n", err)
		return 1
	}

	source := config.NewSource(logger)
	agg := state.NewAggregator()
	collector := metrics.NewCollector(agg, source)

	watcher := config.NewWatcher(loader, source, buildOverrides(cmd), every, logger)
	watcher.OnFile = func(f *config.File) {
		logger.SetLevel(f.LogLevel)
		collector.SetLatencyHistory(f.LatencyHistory())
	}
	if _, err := watcher.Reload(ctx); err != nil {
		fmt.Fprintf(cmd.ErrStream, "failed to load config from %s: %v\n", loader.Describe(), err)
		return 1
	}

	sched := scheduler.New(source, clk, probe.NewRegistry(clk), agg, logger)
	server := metrics.NewServer(collector, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		failOnce sync.Once
		failure  error
	)
	fail := func(component string, err error) {
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		failOnce.Do(func() {
			failure = fmt.Errorf("%s: %w", component, err)
			logger.LogError(component, err)
			cancel()
		})
	}
	spawn := func(component string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fail(component, fn(runCtx))
		}()
	}

	spawn("metrics", func(ctx context.Context) error {
		return metrics.Serve(ctx, env.MetricsListen, server.Handler())
	})
	spawn("config", watcher.Run)
	spawn("scheduler", sched.Run)

	logger.Info("latency-probe started",
		zap.String("version", version),
		zap.String("config", loader.Describe()),
		zap.String("metrics_listen", env.MetricsListen),
		zap.Bool("ui", useUI),
	)

	if useUI {
		opts := []ui.Option{ui.WithTicks(sched.Ticks)}
		if scale, ok := cmd.UIScale.Value(); ok {
			opts = append(opts, ui.WithScale(scale))
		}
		fail("ui", ui.New(source, agg, opts...).Run(runCtx))
		cancel()
	}
	<-runCtx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		logger.Warn("shutdown grace period exceeded")
	}

	if failure != nil {
		fmt.Fprintf(cmd.ErrStream, "error: %v\n", failure)
		return 1
	}
	logger.Info("latency-probe stopped", zap.Uint64("cycles", sched.Ticks()))
	return 0
}

func newLoader(ctx context.Context, env config.Env) (config.Loader, time.Duration, error) {
	if env.UseAppConfig {
		loader, err := config.NewAppConfigLoader(ctx, env.AppConfig)
		if err != nil {
			return nil, 0, fmt.Errorf("set up AppConfig: %w", err)
		}
		return loader, env.AppConfig.PollInterval, nil
	}
	return config.FileLoader{Path: env.TargetConfig}, env.PollInterval, nil
}

func buildOverrides(cmd *Command) config.CLIOverrides {
	overrides := config.CLIOverrides{}

	if v, ok := cmd.Interval.Value(); ok {
		value := v
		overrides.Interval = &value
	}
	if v, ok := cmd.Timeout.Value(); ok {
		value := v
		overrides.Timeout = &value
	}
	if v, ok := cmd.Jitter.Value(); ok {
		value := v
		overrides.Jitter = &value
	}
	if v, ok := cmd.LogLevel.Value(); ok && v != "" {
		value := v
		overrides.LogLevel = &value
	}
	if v, ok := cmd.LatencyHistory.Value(); ok {
		value := v
		overrides.LatencyHistory = &value
	}

	return overrides
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
