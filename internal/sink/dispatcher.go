package sink

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/therealutkarshpriyadarshi/machinetail/internal/config"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/logging"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/metrics"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/reliability"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/tracing"
	"github.com/therealutkarshpriyadarshi/machinetail/pkg/types"
)

// Sink names used in metrics, spans and breaker names
const (
	WarehouseSink  = "warehouse"
	LiveStatusSink = "live_status"
)

// DispatcherConfig wires a Dispatcher
type DispatcherConfig struct {
	Warehouse  Warehouse
	LiveStatus LiveStatusStore

	HeartbeatInterval time.Duration
	Reliability       config.ReliabilityConfig

	Logger  *logging.Logger
	Metrics *metrics.Collector
	Tracer  trace.Tracer
}

// Dispatcher implements Sink. Every delivery runs its retry sequence inside
// a per-sink circuit breaker, so an unreachable sink is skipped quickly
// until its cooldown has passed.
type Dispatcher struct {
	warehouse Warehouse
	live      LiveStatusStore
	planner   *Planner

	warehouseGuard *guard
	liveGuard      *guard

	logger  *logging.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
}

var _ Sink = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher over both stores
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Warehouse == nil {
		return nil, errors.New("warehouse sink is required")
	}
	if cfg.LiveStatus == nil {
		return nil, errors.New("live-status sink is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithComponent("sink")

	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.NewCollector()
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("machinetail")
	}

	return &Dispatcher{
		warehouse:      cfg.Warehouse,
		live:           cfg.LiveStatus,
		planner:        NewPlanner(cfg.HeartbeatInterval),
		warehouseGuard: newGuard(WarehouseSink, cfg.Warehouse.Name(), cfg.Reliability.Warehouse, logger, collector),
		liveGuard:      newGuard(LiveStatusSink, cfg.LiveStatus.Name(), cfg.Reliability.LiveStatus, logger, collector),
		logger:         logger,
		metrics:        collector,
		tracer:         tracer,
	}, nil
}

// SendToWarehouse appends the record as a new warehouse row
func (d *Dispatcher) SendToWarehouse(ctx context.Context, rec types.Record) error {
	return d.deliver(ctx, d.warehouseGuard, func(ctx context.Context) error {
		return d.warehouse.Append(ctx, rec)
	})
}

// UpdateLiveStatus writes the record's status document when the status
// changed, or refreshes its PI_Timestamp when a heartbeat is due
func (d *Dispatcher) UpdateLiveStatus(ctx context.Context, rec types.Record) error {
	doc, err := NewStatusDocument(rec)
	if err != nil {
		d.metrics.SinkFailures.WithLabelValues(LiveStatusSink, d.live.Name(), "rejected").Inc()
		return err
	}

	decision := d.planner.Plan(doc.Status)

	switch decision.Action {
	case ActionSkip:
		d.logger.Debug().
			Str("machine", doc.Machine).
			Str("status", doc.Status).
			Msg("Live status unchanged, heartbeat not due")
		return nil

	case ActionTouch:
		err = d.deliver(ctx, d.liveGuard, func(ctx context.Context) error {
			err := d.live.Touch(ctx, doc.Machine, doc.PITimestamp)
			if errors.Is(err, ErrDocumentNotFound) {
				return d.live.Set(ctx, doc)
			}
			return err
		})

	default:
		err = d.deliver(ctx, d.liveGuard, func(ctx context.Context) error {
			return d.live.Set(ctx, doc)
		})
	}

	if err != nil {
		decision.Abort()
		return err
	}

	d.planner.Commit(doc.Status)
	return nil
}

// Seed primes the live-status planner with the last forwarded record
func (d *Dispatcher) Seed(rec types.Record) {
	if rec.Empty() {
		return
	}
	d.planner.Seed(rec[types.FieldStatus])
}

// Latest asks the warehouse for the newest row it holds for the machine.
// It returns nil when the warehouse cannot answer.
func (d *Dispatcher) Latest(ctx context.Context, id types.Identity) (types.Record, error) {
	seeder, ok := d.warehouse.(Seeder)
	if !ok {
		return nil, nil
	}
	return seeder.LatestRecord(ctx, id)
}

// WarehouseBreaker returns the breaker guarding the warehouse
func (d *Dispatcher) WarehouseBreaker() *reliability.CircuitBreaker {
	return d.warehouseGuard.breaker
}

// LiveStatusBreaker returns the breaker guarding the live-status store
func (d *Dispatcher) LiveStatusBreaker() *reliability.CircuitBreaker {
	return d.liveGuard.breaker
}

// Name implements shutdown.Component
func (d *Dispatcher) Name() string {
	return "sinks"
}

// Stop implements shutdown.Component
func (d *Dispatcher) Stop(ctx context.Context) error {
	return d.Close()
}

// Close releases both stores
func (d *Dispatcher) Close() error {
	return errors.Join(d.warehouse.Close(), d.live.Close())
}

func (d *Dispatcher) deliver(ctx context.Context, g *guard, fn reliability.RetryFunc) error {
	ctx, span := tracing.TraceSink(ctx, d.tracer, g.sink, g.kind)
	defer span.End()

	start := time.Now()
	err := g.do(ctx, fn)
	d.metrics.SinkDuration.WithLabelValues(g.sink).Observe(time.Since(start).Seconds())
	d.metrics.CircuitBreakerConsecutive.WithLabelValues(g.sink).Set(float64(g.breaker.Counts().ConsecutiveFailures))

	if err != nil {
		reason := failureReason(err)
		d.metrics.SinkFailures.WithLabelValues(g.sink, g.kind, reason).Inc()
		span.SetAttributes(attribute.String("sink.failure", reason))
		tracing.RecordError(ctx, err)
		return err
	}

	d.metrics.SinkDeliveries.WithLabelValues(g.sink, g.kind).Inc()
	return nil
}

// guard pairs a retry policy with a circuit breaker for one sink
type guard struct {
	sink    string
	kind    string
	retry   reliability.RetryConfig
	breaker *reliability.CircuitBreaker
}

func newGuard(sink, kind string, cfg config.SinkReliabilityConfig, logger *logging.Logger, collector *metrics.Collector) *guard {
	g := &guard{sink: sink, kind: kind}

	g.retry = reliability.RetryConfig{
		MaxRetries:     cfg.Retry.Retries(),
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
		Multiplier:     cfg.Retry.Multiplier,
		Jitter:         cfg.Retry.Jitter,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			collector.SinkRetries.WithLabelValues(sink).Inc()
			logger.Warn().
				Err(err).
				Str("sink", sink).
				Str("type", kind).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Sink delivery failed, retrying")
		},
	}

	g.breaker = reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		Cooldown:         cfg.CircuitBreaker.Cooldown,
		OnStateChange: func(from, to reliability.State) {
			collector.CircuitBreakerState.WithLabelValues(sink).Set(float64(to))
			event := logger.Info()
			if to == reliability.StateOpen {
				event = logger.Warn()
			}
			event.
				Str("sink", sink).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
	collector.CircuitBreakerState.WithLabelValues(sink).Set(float64(reliability.StateClosed))

	return g
}

// do runs fn with retries inside the breaker. Rejected records and
// cancellation are returned to the caller without counting against the
// breaker.
func (g *guard) do(ctx context.Context, fn reliability.RetryFunc) error {
	var final error
	err := g.breaker.Execute(func() error {
		err := reliability.Retry(ctx, g.retry, fn)
		if err != nil && (reliability.IsPermanent(err) || ctx.Err() != nil) {
			final = err
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return final
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, reliability.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, reliability.ErrRetryAborted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case reliability.IsPermanent(err):
		return "rejected"
	case errors.Is(err, reliability.ErrMaxRetriesExceeded):
		return "retries_exhausted"
	default:
		return "error"
	}
}
