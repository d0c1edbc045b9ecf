// Package profiling serves pprof and runtime statistics on a debug address.
package profiling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/machinetail/internal/config"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/logging"
)

const (
	DefaultAddress            = "localhost:6060"
	DefaultGoroutineThreshold = 1000

	goroutineCheckInterval = 30 * time.Second
)

// Profiler runs the debug server. A disabled profiler does nothing.
type Profiler struct {
	cfg    config.ProfilingConfig
	logger *logging.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a profiler from its configuration section. A nil section
// yields a disabled profiler.
func New(cfg *config.ProfilingConfig, logger *logging.Logger) *Profiler {
	var c config.ProfilingConfig
	if cfg != nil {
		c = *cfg
	}
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.GoroutineThreshold <= 0 {
		c.GoroutineThreshold = DefaultGoroutineThreshold
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Profiler{
		cfg:    c,
		logger: logger.WithComponent("profiling"),
	}
}

// Enabled reports whether Start will serve anything
func (p *Profiler) Enabled() bool {
	return p.cfg.Enabled
}

// Handler returns the debug mux
func (p *Profiler) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/debug/stats", statsHandler)
	return mux
}

// Start listens on the debug address and begins watching the goroutine count
func (p *Profiler) Start() error {
	if !p.cfg.Enabled {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.server != nil {
		return errors.New("profiler already started")
	}

	if p.cfg.BlockProfile {
		runtime.SetBlockProfileRate(1)
	}
	if p.cfg.MutexProfile {
		runtime.SetMutexProfileFraction(1)
	}

	ln, err := net.Listen("tcp", p.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.cfg.Address, err)
	}

	p.listener = ln
	p.server = &http.Server{
		Handler:     p.Handler(),
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error().Err(err).Msg("Profiling server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.watchGoroutines(ctx)

	p.logger.Info().Str("address", ln.Addr().String()).Msg("Profiling server started")
	return nil
}

// Addr returns the address the server listens on, or "" before Start
func (p *Profiler) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Name implements shutdown.Component
func (p *Profiler) Name() string {
	return "profiling"
}

// Stop implements shutdown.Component
func (p *Profiler) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.server == nil {
		return nil
	}

	p.cancel()
	<-p.done

	if p.cfg.BlockProfile {
		runtime.SetBlockProfileRate(0)
	}
	if p.cfg.MutexProfile {
		runtime.SetMutexProfileFraction(0)
	}

	err := p.server.Shutdown(ctx)
	p.server = nil
	p.listener = nil
	return err
}

func (p *Profiler) watchGoroutines(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(goroutineCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if count := runtime.NumGoroutine(); count > p.cfg.GoroutineThreshold {
				p.logger.Warn().
					Int("goroutines", count).
					Int("threshold", p.cfg.GoroutineThreshold).
					Msg("High goroutine count detected")
			}
		}
	}
}

// Stats is a snapshot of runtime statistics
type Stats struct {
	Goroutines   int    `json:"goroutines"`
	CPUs         int    `json:"cpus"`
	HeapAlloc    uint64 `json:"heap_alloc_bytes"`
	HeapInuse    uint64 `json:"heap_inuse_bytes"`
	HeapObjects  uint64 `json:"heap_objects"`
	Sys          uint64 `json:"sys_bytes"`
	NumGC        uint32 `json:"num_gc"`
	PauseTotalNs uint64 `json:"gc_pause_total_ns"`
}

// ReadStats samples the runtime
func ReadStats() Stats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return Stats{
		Goroutines:   runtime.NumGoroutine(),
		CPUs:         runtime.NumCPU(),
		HeapAlloc:    m.HeapAlloc,
		HeapInuse:    m.HeapInuse,
		HeapObjects:  m.HeapObjects,
		Sys:          m.Sys,
		NumGC:        m.NumGC,
		PauseTotalNs: m.PauseTotalNs,
	}
}

func statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ReadStats())
}
