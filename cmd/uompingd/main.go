package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/markus-lassfolk/uomping/pkg"
	"github.com/markus-lassfolk/uomping/pkg/audit"
	"github.com/markus-lassfolk/uomping/pkg/collector"
	"github.com/markus-lassfolk/uomping/pkg/config"
	"github.com/markus-lassfolk/uomping/pkg/controller"
	"github.com/markus-lassfolk/uomping/pkg/decision"
	"github.com/markus-lassfolk/uomping/pkg/discovery"
	"github.com/markus-lassfolk/uomping/pkg/export"
	"github.com/markus-lassfolk/uomping/pkg/fetch"
	"github.com/markus-lassfolk/uomping/pkg/logx"
	"github.com/markus-lassfolk/uomping/pkg/metrics"
	"github.com/markus-lassfolk/uomping/pkg/mqtt"
	"github.com/markus-lassfolk/uomping/pkg/pidfile"
	"github.com/markus-lassfolk/uomping/pkg/telem"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to the run configuration (JSON or YAML)")
	actionsPath = flag.String("actions", config.DefaultActionsPath, "Path to the fetch action list")
	pidPath     = flag.String("pid-file", "/tmp/uompingd.pid", "Path to PID file")
	logLevel    = flag.String("log-level", "", "Override log level (debug|info|warn|error|trace)")
	version     = flag.Bool("version", false, "Show version information")
	dryRun      = flag.Bool("dry-run", false, "Print the effective configuration, actions and interfaces, then exit")
	force       = flag.Bool("force", false, "Force start by removing stale PID file")
)

const (
	AppName    = "uompingd"
	AppVersion = "1.0.0"
)

// slowOperation is the duration above which probe and fetch completions are logged
const slowOperation = 30 * time.Second

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	bootLevel := "info"
	if *logLevel != "" {
		bootLevel = *logLevel
	}
	logger := logx.NewLogger(bootLevel, AppName)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}
	actions, err := config.LoadActions(*actionsPath)
	if err != nil {
		logger.Error("Failed to load action list", "error", err, "path", *actionsPath)
		os.Exit(1)
	}

	effectiveLogLevel := cfg.EffectiveLogLevel(logx.LevelForVerbosity)
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	logger.SetLevel(effectiveLogLevel)

	if *dryRun {
		printDryRun(cfg, actions, discovery.NewDiscoverer(logger))
		return
	}

	pidFile := pidfile.New(*pidPath)
	running, existingPID, err := pidFile.CheckRunning()
	if err != nil {
		logger.Error("Failed to check for running instance", "error", err)
		os.Exit(1)
	}
	if running {
		if !*force {
			logger.Error("Another instance is already running", "existing_pid", existingPID, "pid_file", *pidPath)
			fmt.Fprintf(os.Stderr, "Error: %s is already running with PID %d\n", AppName, existingPID)
			fmt.Fprintf(os.Stderr, "Use --force to override, or stop the existing instance first\n")
			os.Exit(1)
		}
		logger.Warn("Another instance is running, but force flag specified", "existing_pid", existingPID)
		if err := pidFile.ForceRemove(); err != nil {
			logger.Error("Failed to remove existing PID file", "error", err)
			os.Exit(1)
		}
	}
	if err := pidFile.Create(); err != nil {
		logger.Error("Failed to create PID file", "error", err, "path", *pidPath)
		os.Exit(1)
	}

	code := run(cfg, actions, logger)

	if err := pidFile.Remove(); err != nil {
		logger.Error("Failed to remove PID file", "error", err)
	}
	os.Exit(code)
}

func run(cfg *config.Config, actions []config.ActionSpec, logger *logx.Logger) int {
	start := time.Now()
	logger.Info("Starting uomping daemon",
		"version", AppVersion,
		"pid", os.Getpid(),
		"guid", cfg.Guid,
		"node_id", cfg.NodeID,
		"interfaces", cfg.InterfaceNames,
		"actions", len(actions),
	)
	logger.LogDebugVerbose("effective_config", map[string]interface{}{"config": cfg})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := telem.NewStore(cfg.InterfaceNames, telem.WindowSize)
	if err != nil {
		logger.Error("Failed to initialize statistics store", "error", err)
		return 1
	}
	ifaces, err := controller.NewInterfaces(cfg.InterfaceNames, cfg.HasMetadata, store)
	if err != nil {
		logger.Error("Failed to initialize interfaces", "error", err)
		return 1
	}

	var bus *mqtt.Bus
	if cfg.NeedsBus() {
		busConfig := mqtt.DefaultConfig()
		busConfig.Broker = cfg.BusAddress
		busConfig.ClientID = AppName + "-" + cfg.NodeID + "-" + cfg.Guid[:min(8, len(cfg.Guid))]
		bus = mqtt.NewBus(busConfig, logger.WithComponent("mqtt"))
		if err := bus.Connect(); err != nil {
			// metadata workers keep retrying through supervisor restarts
			logger.Warn("MQTT connection failed", "error", err)
		}
		defer bus.Disconnect()
	}

	exporter, err := export.NewFileExporter(cfg.ResultDir, cfg.ResultFile, logger.WithComponent("export"))
	if err != nil {
		logger.Error("Failed to initialize result export", "error", err)
		return 1
	}
	flushCtx, stopFlush := context.WithCancel(context.Background())
	defer stopFlush()
	go exporter.Run(flushCtx, cfg.ExportInterval())

	sinks := export.MultiSink{exporter}
	var busSinkDone chan struct{}
	if cfg.PublishResults && bus != nil {
		busSink := export.NewBusSink(bus, cfg.ResultTopicPrefix, 1024, logger.WithComponent("publish"))
		busSinkDone = make(chan struct{})
		go func() {
			defer close(busSinkDone)
			busSink.Run(flushCtx)
		}()
		sinks = append(sinks, busSink)
	}

	var sink pkg.FlushingSink = sinks
	var observer *metrics.Metrics
	if cfg.MetricsListen != "" {
		observer = metrics.New()
		sink = observer.WrapSink(sinks)
	}

	var ledger decision.Ledger
	if cfg.StateFile != "" {
		l, err := audit.Open(cfg.StateFile, logger.WithComponent("audit"))
		if err != nil {
			logger.Error("Failed to open action ledger", "error", err, "path", cfg.StateFile)
			return 1
		}
		defer l.Close()
		ledger = l
	}

	var prober collector.Prober
	switch cfg.ProbeBackend {
	case config.ProbeBackendICMP:
		prober = collector.NewICMPProber(time.Second)
	default:
		prober = collector.NewFpingProber(cfg.FpingPath)
	}

	perf := logx.NewPerformanceLogger(logger.WithComponent("perf"), slowOperation)

	schedOpts := decision.Options{
		Config:  cfg,
		Actions: actions,
		Start:   start,
		View:    ifaces,
		Fetcher: fetch.NewCurlFetcher(cfg.CurlPath),
		Sink:    sink,
		Ledger:  ledger,
		Logger:  logger.WithComponent("scheduler"),
		Perf:    perf,
	}
	if observer != nil {
		schedOpts.Observer = observer
	}
	scheduler, err := decision.NewScheduler(schedOpts)
	if err != nil {
		logger.Error("Failed to initialize scheduler", "error", err)
		return 1
	}

	supOpts := controller.Options{
		Config:     cfg,
		Links:      discovery.NewDiscoverer(logger.WithComponent("discovery")),
		Prober:     prober,
		Scheduler:  scheduler,
		Interfaces: ifaces,
		Sink:       sink,
		Logger:     logger,
		Perf:       perf,
	}
	if bus != nil {
		supOpts.Source = bus
	}
	if observer != nil {
		supOpts.Observer = observer
	}
	supervisor, err := controller.NewSupervisor(supOpts)
	if err != nil {
		logger.Error("Failed to initialize supervisor", "error", err)
		return 1
	}

	if observer != nil {
		srv := metrics.NewServer(cfg.MetricsListen, observer, supervisor.Health, logger.WithComponent("metrics"))
		srv.SetStatus(func() map[string]interface{} {
			return map[string]interface{}{
				"ranking":    store.SortedByLatency(),
				"avg_rtt_ms": store.Averages(),
				"pending":    scheduler.Pending(),
			}
		})
		if err := srv.Start(); err != nil {
			logger.Error("Failed to start metrics server", "error", err, "addr", cfg.MetricsListen)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Metrics server shutdown failed", "error", err)
			}
		}()
	}

	err = supervisor.Run(ctx)
	if busSinkDone != nil {
		select {
		case <-busSinkDone:
		case <-time.After(5 * time.Second):
			logger.Warn("Timed out publishing queued results")
		}
	}

	switch {
	case err == nil:
		logger.Info("Run completed", "duration", time.Since(start).Round(time.Second).String(), "records", exporter.Saved())
	case errors.Is(err, context.Canceled):
		logger.Info("Run interrupted by signal", "records", exporter.Saved())
	default:
		logger.Error("Run ended with error", "error", err)
		return 1
	}
	return 0
}

func printDryRun(cfg *config.Config, actions []config.ActionSpec, d *discovery.Discoverer) {
	out := map[string]interface{}{
		"config":     cfg,
		"actions":    actions,
		"interfaces": d.Describe(cfg.InterfaceNames),
	}
	if candidates, err := d.Candidates(); err == nil {
		out["local_interfaces"] = candidates
	}
	if cfg.StateFile != "" {
		if _, err := os.Stat(cfg.StateFile); err == nil {
			// fails after the open timeout while a daemon holds the ledger
			if l, err := audit.Open(cfg.StateFile, nil); err != nil {
				out["executed_actions_error"] = err.Error()
			} else {
				recs, err := l.Records(cfg.Guid)
				l.Close()
				if err != nil {
					out["executed_actions_error"] = err.Error()
				} else {
					out["executed_actions"] = recs
				}
			}
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
