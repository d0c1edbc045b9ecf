// Package monitor drives the poll, infer, parse and forward cycle for one
// machine log.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/therealutkarshpriyadarshi/machinetail/internal/logging"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/metrics"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/parser"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/sink"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/state"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/tailer"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/tracing"
	"github.com/therealutkarshpriyadarshi/machinetail/pkg/types"
)

// DefaultInterval is the wait between two ticks
const DefaultInterval = time.Second

// Outcome of a tick
type Outcome string

const (
	Forwarded Outcome = "forwarded"
	Skipped   Outcome = "skipped"
)

// Reasons a tick can be skipped
const (
	ReasonReadError         = "read_error"
	ReasonInsufficientLines = "insufficient_lines"
	ReasonParseError        = "parse_error"
	ReasonShortRecord       = "short_record"
	ReasonTimeParseError    = "time_parse_error"
	ReasonUnchanged         = "unchanged"
	ReasonPanic             = "panic"
)

// Result describes what one tick did
type Result struct {
	Outcome Outcome
	Reason  string
	Status  state.Label
	Record  types.Record
	Err     error

	// SinkErrors holds delivery failures of a forwarded record
	SinkErrors []error
}

func (r Result) String() string {
	if r.Outcome == Forwarded {
		return fmt.Sprintf("forwarded (%s)", r.Status)
	}
	if r.Err != nil {
		return fmt.Sprintf("skipped: %s: %v", r.Reason, r.Err)
	}
	return "skipped: " + r.Reason
}

func skip(reason string, err error) Result {
	return Result{Outcome: Skipped, Reason: reason, Err: err}
}

// Recorder remembers the last forwarded record across restarts
type Recorder interface {
	Update(rec types.Record)
}

// Config holds the loop collaborators
type Config struct {
	Machine  string
	Interval time.Duration

	Tailer   *tailer.Tailer
	Parser   *parser.Parser
	Sink     sink.Sink
	Recorder Recorder

	Logger  *logging.Logger
	Metrics *metrics.Collector
	Tracer  trace.Tracer
}

// Loop polls the machine log and forwards one record per observed change
type Loop struct {
	machine  string
	interval time.Duration

	tailer   *tailer.Tailer
	parser   *parser.Parser
	sink     sink.Sink
	recorder Recorder

	logger  *logging.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer

	// last is only touched by the loop goroutine
	last types.Record

	mu          sync.RWMutex
	lastRead    time.Time
	lastForward time.Time
}

// New creates a monitoring loop
func New(cfg Config) (*Loop, error) {
	if cfg.Tailer == nil {
		return nil, errors.New("tailer is required")
	}
	if cfg.Parser == nil {
		return nil, errors.New("parser is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("sink is required")
	}

	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCollector()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("machinetail")
	}

	return &Loop{
		machine:  cfg.Machine,
		interval: cfg.Interval,
		tailer:   cfg.Tailer,
		parser:   cfg.Parser,
		sink:     cfg.Sink,
		recorder: cfg.Recorder,
		logger:   cfg.Logger.WithComponent("monitor"),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
	}, nil
}

// Seed sets the record the next one is compared against
func (l *Loop) Seed(rec types.Record) {
	l.last = rec.Clone()
}

// LastRead returns when the log source was last read successfully
func (l *Loop) LastRead() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastRead
}

// LastForward returns when a record was last forwarded
func (l *Loop) LastForward() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastForward
}

// Run ticks until ctx is cancelled
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info().
		Str("machine", l.machine).
		Dur("interval", l.interval).
		Str("source", l.tailer.Source().Name()).
		Msg("Monitoring started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("Monitoring stopped")
			return nil
		case <-timer.C:
		}

		l.Tick(ctx)
		timer.Reset(l.interval)
	}
}

// Tick runs one poll, infer, parse and forward cycle. It never panics.
func (l *Loop) Tick(ctx context.Context) (res Result) {
	ctx, span := tracing.TraceTick(ctx, l.tracer, l.machine)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res = skip(ReasonPanic, fmt.Errorf("tick panicked: %v", r))
			l.logger.Error().Interface("panic", r).Msg("Recovered from panic in tick")
		}

		span.SetAttributes(
			attribute.String("tick.outcome", string(res.Outcome)),
			attribute.String("tick.reason", res.Reason),
		)
		if res.Err != nil {
			tracing.RecordError(ctx, res.Err)
		}
		span.End()

		l.metrics.ObserveTick(string(res.Outcome), res.Reason, time.Since(start))
	}()

	return l.tick(ctx)
}

func (l *Loop) tick(ctx context.Context) Result {
	window, err := l.poll(ctx)
	if err != nil {
		return skip(ReasonReadError, err)
	}

	if !window.Eligible() {
		l.logger.Debug().Int("lines", len(window)).Msg("Not enough lines to infer state")
		return skip(ReasonInsufficientLines, nil)
	}

	status, err := state.Infer(window.Oldest(), window.Newest())
	if err != nil {
		l.logger.Warn().Err(err).Str("line", window.Newest()).Msg("Failed to infer machine state")
		l.metrics.RecordsFailed.WithLabelValues(ReasonParseError).Inc()
		return skip(ReasonParseError, err)
	}
	l.metrics.SetMachineRunning(l.machine, status == state.Running)

	rec, err := l.parse(ctx, window.Newest(), status)
	if err != nil {
		reason := parseFailureReason(err)
		l.logger.Warn().Err(err).Str("reason", reason).Str("line", window.Newest()).Msg("Dropping record")
		l.metrics.RecordsFailed.WithLabelValues(reason).Inc()
		res := skip(reason, err)
		res.Status = status
		return res
	}
	l.metrics.RecordsParsed.Inc()

	if l.last.Equal(rec) {
		return Result{Outcome: Skipped, Reason: ReasonUnchanged, Status: status}
	}

	res := Result{Outcome: Forwarded, Status: status, Record: rec.Clone()}
	res.SinkErrors = l.forward(ctx, rec)

	l.last = rec
	if l.recorder != nil {
		l.recorder.Update(rec)
	}

	now := time.Now()
	l.mu.Lock()
	l.lastForward = now
	l.mu.Unlock()
	l.metrics.RecordsForwarded.Inc()
	l.metrics.LastRecordForwarded.Set(float64(now.Unix()))

	l.logger.Info().
		Str("status", status.String()).
		Str("timestamp", rec[types.FieldTimestamp]).
		Str("counter", rec[types.FieldCounter]).
		Int("sink_errors", len(res.SinkErrors)).
		Msg("Record forwarded")

	return res
}

func (l *Loop) poll(ctx context.Context) (tailer.Window, error) {
	ctx, span := tracing.TraceSource(ctx, l.tracer, l.tailer.Source().Name())
	defer span.End()

	start := time.Now()
	lines, err := l.tailer.Poll(ctx)
	l.metrics.ObserveRead(l.tailer.Source().Name(), len(lines), time.Since(start), err)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	l.mu.Lock()
	l.lastRead = time.Now()
	l.mu.Unlock()

	span.SetAttributes(attribute.Int("source.lines", len(lines)))
	return tailer.Slide(lines), nil
}

func (l *Loop) parse(ctx context.Context, line string, status state.Label) (types.Record, error) {
	_, span := tracing.TraceParser(ctx, l.tracer, l.parser.Name())
	defer span.End()

	composed := parser.Compose(line, status)
	return l.parser.Parse(composed, status)
}

// forward hands independent copies of rec to both sinks. Failures are
// logged and returned; they do not stop the loop.
func (l *Loop) forward(ctx context.Context, rec types.Record) []error {
	var errs []error

	if err := l.sink.SendToWarehouse(ctx, rec.Clone()); err != nil {
		l.logger.Error().Err(err).Str("sink", sink.WarehouseSink).Msg("Failed to send record to warehouse")
		errs = append(errs, fmt.Errorf("%s: %w", sink.WarehouseSink, err))
	}

	if err := l.sink.UpdateLiveStatus(ctx, rec.Clone()); err != nil {
		l.logger.Error().Err(err).Str("sink", sink.LiveStatusSink).Msg("Failed to update live status")
		errs = append(errs, fmt.Errorf("%s: %w", sink.LiveStatusSink, err))
	}

	return errs
}

func parseFailureReason(err error) string {
	switch {
	case errors.Is(err, parser.ErrShortRecord):
		return ReasonShortRecord
	case errors.Is(err, parser.ErrTimeParse):
		return ReasonTimeParseError
	default:
		return ReasonParseError
	}
}
