package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/therealutkarshpriyadarshi/machinetail/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/config"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/health"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/logging"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/metrics"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/monitor"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/parser"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/profiling"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/security"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/server"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/sink"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/tailer"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/tracing"
	"github.com/therealutkarshpriyadarshi/machinetail/pkg/types"
)

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	once       = flag.Bool("once", false, "Run a single tick, print its result and exit")
	version    = "0.1.0"
)

const (
	shutdownTimeout    = 30 * time.Second
	seedTimeout        = 10 * time.Second
	defaultStaleAfter  = 30 * time.Second
	checkpointInterval = 30 * time.Second
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := security.ResolveSinkSecrets(&cfg.Sinks); err != nil {
		return fmt.Errorf("failed to resolve sink credentials: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Close()
	logging.SetGlobal(logger)

	logger.Info().
		Str("version", version).
		Str("machine", cfg.Machine.Name).
		Str("location", cfg.Machine.Location).
		Msg("Starting machinetail")

	shutdownMgr := shutdown.New(shutdown.Config{Timeout: shutdownTimeout, Logger: logger})
	defer shutdownMgr.HandlePanic()
	ctx, cancel := shutdownMgr.Context(context.Background())
	defer cancel()

	identity := types.Identity{
		Machine:       cfg.Machine.Name,
		LocationPoint: cfg.Machine.LocationPoint,
		LocationName:  cfg.Machine.Location,
	}

	normalizer, err := newNormalizer(cfg.Machine)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()

	tracingCfg := tracing.Config{
		Version:  version,
		Machine:  cfg.Machine.Name,
		Location: cfg.Machine.Location,
	}
	if cfg.Tracing != nil {
		tracingCfg.Enabled = cfg.Tracing.Enabled
		tracingCfg.Endpoint = cfg.Tracing.Endpoint
		tracingCfg.Insecure = cfg.Tracing.Insecure
		tracingCfg.SampleRate = cfg.Tracing.SampleRate
	}
	tp, err := tracing.NewProvider(ctx, tracingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	shutdownMgr.RegisterFunc("tracing", tp.Shutdown)

	source := newSource(cfg.Source, logger)
	if closer, ok := source.(io.Closer); ok {
		shutdownMgr.RegisterFunc("source", func(context.Context) error { return closer.Close() })
	}

	warehouse, err := sink.NewWarehouse(ctx, cfg.Sinks.Warehouse)
	if err != nil {
		return fmt.Errorf("failed to create warehouse sink: %w", err)
	}
	live, err := sink.NewLiveStatusStore(ctx, cfg.Sinks.LiveStatus)
	if err != nil {
		warehouse.Close()
		return fmt.Errorf("failed to create live status sink: %w", err)
	}

	dispatcher, err := sink.NewDispatcher(sink.DispatcherConfig{
		Warehouse:         warehouse,
		LiveStatus:        live,
		HeartbeatInterval: cfg.Sinks.LiveStatus.HeartbeatInterval,
		Reliability:       cfg.Reliability,
		Logger:            logger,
		Metrics:           collector,
		Tracer:            tp.Tracer(),
	})
	if err != nil {
		return fmt.Errorf("failed to create sinks: %w", err)
	}
	shutdownMgr.RegisterComponent(dispatcher)

	logger.Info().
		Str("source", source.Name()).
		Str("warehouse", warehouse.Name()).
		Str("live_status", live.Name()).
		Msg("Pipeline initialized")

	var ckpt *checkpoint.Manager
	if cfg.State.Path != "" {
		ckpt, err = checkpoint.NewManager(cfg.State.Path, cfg.Machine.Name, checkpointInterval, logger)
		if err != nil {
			return fmt.Errorf("failed to create checkpoint manager: %w", err)
		}
		ckpt.Start()
		// Registered after the sinks so it is flushed first
		shutdownMgr.RegisterFunc("checkpoint", func(context.Context) error { return ckpt.Stop() })
	}

	loopCfg := monitor.Config{
		Machine:  cfg.Machine.Name,
		Interval: cfg.Monitor.Interval,
		Tailer:   tailer.New(source, logger),
		Parser:   parser.New(identity, normalizer),
		Sink:     dispatcher,
		Logger:   logger,
		Metrics:  collector,
		Tracer:   tp.Tracer(),
	}
	if ckpt != nil {
		loopCfg.Recorder = ckpt
	}
	loop, err := monitor.New(loopCfg)
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}

	if last := lastSent(ctx, ckpt, dispatcher, identity, logger); last != nil {
		loop.Seed(last)
		dispatcher.Seed(last)
	}

	if *once {
		res := loop.Tick(ctx)
		printResult(os.Stdout, res)
		return shutdownMgr.Shutdown()
	}

	if err := startServers(cfg, collector, loop, dispatcher, shutdownMgr, logger); err != nil {
		shutdownMgr.Shutdown()
		return err
	}

	profiler := profiling.New(cfg.Profiling, logger)
	if err := profiler.Start(); err != nil {
		shutdownMgr.Shutdown()
		return fmt.Errorf("failed to start profiling: %w", err)
	}
	shutdownMgr.RegisterComponent(profiler)

	collector.Start()
	shutdownMgr.RegisterFunc("metrics", func(context.Context) error {
		collector.Stop()
		return nil
	})

	runErr := loop.Run(ctx)

	logger.Info().Msg("Shutting down")
	return errors.Join(runErr, shutdownMgr.Shutdown())
}

func newNormalizer(m config.MachineConfig) (*parser.Normalizer, error) {
	if !m.ConvertTimezone {
		return parser.NewNormalizer(), nil
	}

	zone, _ := m.Timezone()
	normalizer, err := parser.NewZoneNormalizer(zone)
	if err != nil {
		return nil, fmt.Errorf("failed to set up timestamp conversion: %w", err)
	}
	return normalizer, nil
}

func newSource(cfg config.SourceConfig, logger *logging.Logger) tailer.Source {
	if cfg.Type == "file" {
		return tailer.NewFileSource(cfg.Path, logger)
	}
	return tailer.NewCommandSource(cfg.Command, cfg.Args, cfg.Timeout)
}

// lastSent returns the record forwarded before the restart: the local
// checkpoint when there is one, else the newest warehouse row
func lastSent(ctx context.Context, ckpt *checkpoint.Manager, dispatcher *sink.Dispatcher, id types.Identity, logger *logging.Logger) types.Record {
	if ckpt != nil {
		rec, err := ckpt.Load()
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to load checkpoint, starting fresh")
		}
		if rec != nil {
			logger.Info().Str("path", ckpt.Path()).Str("timestamp", rec[types.FieldTimestamp]).Msg("Resuming from checkpoint")
			return rec
		}
	}

	ctx, cancel := context.WithTimeout(ctx, seedTimeout)
	defer cancel()

	rec, err := dispatcher.Latest(ctx, id)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read latest warehouse row")
		return nil
	}
	if rec != nil {
		logger.Info().Str("timestamp", rec[types.FieldTimestamp]).Msg("Resuming from latest warehouse row")
	}
	return rec
}

func startServers(cfg *config.Config, collector *metrics.Collector, loop *monitor.Loop, dispatcher *sink.Dispatcher, shutdownMgr *shutdown.Manager, logger *logging.Logger) error {
	srvCfg := server.Config{Logger: logger}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		srvCfg.MetricsAddress = cfg.Metrics.Address
		srvCfg.MetricsPath = cfg.Metrics.Path
		srvCfg.MetricsRegistry = collector.Registry()
	}

	if cfg.Health != nil && cfg.Health.Enabled {
		staleAfter := cfg.Health.StaleAfter
		if staleAfter == 0 {
			staleAfter = defaultStaleAfter
		}

		checker := health.NewChecker(cfg.Health.Timeout).WithMetrics(collector)
		checker.Register("source", health.Freshness("log read", loop.LastRead, staleAfter))
		checker.Register(sink.WarehouseSink, health.Breaker(dispatcher.WarehouseBreaker()))
		checker.Register(sink.LiveStatusSink, health.Breaker(dispatcher.LiveStatusBreaker()))

		srvCfg.HealthAddress = cfg.Health.Address
		srvCfg.LivenessPath = cfg.Health.LivenessPath
		srvCfg.ReadinessPath = cfg.Health.ReadinessPath
		srvCfg.HealthChecker = checker

		logger.Info().Strs("checks", checker.Names()).Dur("stale_after", staleAfter).Msg("Health checks registered")
	}

	srv := server.New(srvCfg)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	shutdownMgr.RegisterFunc("server", srv.Stop)
	return nil
}

func printResult(w io.Writer, res monitor.Result) {
	out := struct {
		Outcome    monitor.Outcome `json:"outcome"`
		Reason     string          `json:"reason,omitempty"`
		Status     string          `json:"status,omitempty"`
		Error      string          `json:"error,omitempty"`
		SinkErrors []string        `json:"sink_errors,omitempty"`
		Record     types.Record    `json:"record,omitempty"`
	}{
		Outcome: res.Outcome,
		Reason:  res.Reason,
		Status:  res.Status.String(),
		Record:  res.Record,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	for _, err := range res.SinkErrors {
		out.SinkErrors = append(out.SinkErrors, err.Error())
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(out)
}
