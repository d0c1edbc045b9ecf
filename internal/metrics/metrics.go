package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "machinetail"

// Collector provides a central place for all application metrics
type Collector struct {
	// Monitoring loop metrics
	TicksTotal   *prometheus.CounterVec
	TickDuration prometheus.Histogram

	// Source metrics
	SourceReads        *prometheus.CounterVec
	SourceReadDuration *prometheus.HistogramVec
	SourceLines        prometheus.Gauge
	SourceLastRead     prometheus.Gauge

	// Parser metrics
	RecordsParsed       prometheus.Counter
	RecordsFailed       *prometheus.CounterVec
	RecordsForwarded    prometheus.Counter
	LastRecordForwarded prometheus.Gauge

	// Machine metrics
	MachineRunning *prometheus.GaugeVec

	// Sink metrics
	SinkDeliveries *prometheus.CounterVec
	SinkFailures   *prometheus.CounterVec
	SinkRetries    *prometheus.CounterVec
	SinkDuration   *prometheus.HistogramVec

	// System metrics
	SystemGoroutines prometheus.Gauge
	SystemMemAlloc   prometheus.Gauge
	SystemMemSys     prometheus.Gauge
	SystemGCPauses   prometheus.Histogram

	// Circuit breaker metrics
	CircuitBreakerState       *prometheus.GaugeVec
	CircuitBreakerConsecutive *prometheus.GaugeVec

	// Health metrics
	HealthStatus *prometheus.GaugeVec

	registry *prometheus.Registry
	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
	}

	c.initMonitorMetrics()
	c.initSourceMetrics()
	c.initRecordMetrics()
	c.initSinkMetrics()
	c.initSystemMetrics()
	c.initCircuitBreakerMetrics()
	c.initHealthMetrics()

	return c
}

func (c *Collector) initMonitorMetrics() {
	c.TicksTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "ticks_total",
			Help:      "Total number of monitoring ticks by outcome and skip reason",
		},
		[]string{"outcome", "reason"},
	)

	c.TickDuration = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "tick_duration_seconds",
			Help:      "Time taken by one monitoring tick, sink delivery included",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~30s
		},
	)

	c.MachineRunning = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "machine",
			Name:      "running",
			Help:      "Last inferred machine state (1=running, 0=stopped)",
		},
		[]string{"machine"},
	)
}

func (c *Collector) initSourceMetrics() {
	c.SourceReads = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "reads_total",
			Help:      "Total number of log source reads",
		},
		[]string{"source", "status"},
	)

	c.SourceReadDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "read_duration_seconds",
			Help:      "Time taken to read the full log source",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"source"},
	)

	c.SourceLines = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "lines",
			Help:      "Number of lines in the last log snapshot",
		},
	)

	c.SourceLastRead = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "last_read_timestamp_seconds",
			Help:      "Unix time of the last successful log read",
		},
	)
}

func (c *Collector) initRecordMetrics() {
	c.RecordsParsed = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "records_parsed_total",
			Help:      "Total number of lines parsed into records",
		},
	)

	c.RecordsFailed = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "records_failed_total",
			Help:      "Total number of lines that could not be turned into records",
		},
		[]string{"reason"},
	)

	c.RecordsForwarded = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "records_forwarded_total",
			Help:      "Total number of records handed to the sinks",
		},
	)

	c.LastRecordForwarded = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "last_forward_timestamp_seconds",
			Help:      "Unix time of the last forwarded record",
		},
	)
}

func (c *Collector) initSinkMetrics() {
	c.SinkDeliveries = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "deliveries_total",
			Help:      "Total number of successful sink deliveries",
		},
		[]string{"sink", "type"},
	)

	c.SinkFailures = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "failures_total",
			Help:      "Total number of sink deliveries that failed after retries",
		},
		[]string{"sink", "type", "reason"},
	)

	c.SinkRetries = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "retries_total",
			Help:      "Total number of sink delivery retries",
		},
		[]string{"sink"},
	)

	c.SinkDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "duration_seconds",
			Help:      "Time taken to deliver a record to a sink",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~30s
		},
		[]string{"sink"},
	)
}

func (c *Collector) initSystemMetrics() {
	c.SystemGoroutines = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines_total",
			Help:      "Current number of goroutines",
		},
	)

	c.SystemMemAlloc = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_allocated_bytes",
			Help:      "Bytes of allocated heap objects",
		},
	)

	c.SystemMemSys = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_system_bytes",
			Help:      "Total bytes of memory obtained from the OS",
		},
	)

	c.SystemGCPauses = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "gc_pause_seconds",
			Help:      "GC pause duration",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 15), // 10µs to ~300ms
		},
	)
}

func (c *Collector) initCircuitBreakerMetrics() {
	c.CircuitBreakerState = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	c.CircuitBreakerConsecutive = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "consecutive_failures",
			Help:      "Current number of consecutive failures",
		},
		[]string{"name"},
	)
}

func (c *Collector) initHealthMetrics() {
	c.HealthStatus = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Health status of components (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)
}

// ObserveTick records the outcome of one monitoring tick
func (c *Collector) ObserveTick(outcome, reason string, d time.Duration) {
	c.TicksTotal.WithLabelValues(outcome, reason).Inc()
	c.TickDuration.Observe(d.Seconds())
}

// ObserveRead records a log source read
func (c *Collector) ObserveRead(source string, lines int, d time.Duration, err error) {
	c.SourceReadDuration.WithLabelValues(source).Observe(d.Seconds())
	if err != nil {
		c.SourceReads.WithLabelValues(source, "error").Inc()
		return
	}
	c.SourceReads.WithLabelValues(source, "ok").Inc()
	c.SourceLines.Set(float64(lines))
	c.SourceLastRead.SetToCurrentTime()
}

// SetMachineRunning records the last inferred state of a machine
func (c *Collector) SetMachineRunning(machine string, running bool) {
	v := 0.0
	if running {
		v = 1
	}
	c.MachineRunning.WithLabelValues(machine).Set(v)
}

// Start begins collecting system metrics periodically
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return
	}

	c.started = true
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh

	c.collectSystemMetrics()

	// Collect system metrics every 15 seconds
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.collectSystemMetrics()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop stops the metrics collector
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}

	close(c.stopCh)
	c.started = false
}

// collectSystemMetrics gathers runtime metrics
func (c *Collector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.SystemGoroutines.Set(float64(runtime.NumGoroutine()))
	c.SystemMemAlloc.Set(float64(m.Alloc))
	c.SystemMemSys.Set(float64(m.Sys))

	// Record GC pause time
	if m.NumGC > 0 {
		lastPause := m.PauseNs[(m.NumGC+255)%256]
		c.SystemGCPauses.Observe(float64(lastPause) / 1e9)
	}
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
