package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/phrazzld/storyboard-worker/internal/events"
	"github.com/phrazzld/storyboard-worker/internal/task"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrNotConnected is returned by operations that need dependencies before the
// processor has connected, or while it is reconnecting.
var ErrNotConnected = errors.New("processor is not connected")

// Health is the processor's position in its self-healing state machine.
type Health int32

const (
	HealthStarting Health = iota
	HealthHealthy
	HealthDegraded
	HealthReinitializing
)

func (h Health) String() string {
	switch h {
	case HealthStarting:
		return "starting"
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthReinitializing:
		return "reinitializing"
	}
	return fmt.Sprintf("health(%d)", int32(h))
}

// MarshalText encodes the health as its name.
func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// Option customizes a Processor.
type Option func(*Processor)

// WithEmitter sets the emitter that receives outcome events.
func WithEmitter(e events.EventEmitter) Option {
	return func(p *Processor) { p.emitter = e }
}

// WithRegisterer registers the processor's metrics with reg instead of a
// private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Processor) { p.registerer = reg }
}

// WithWaker lets a signal start the next cycle early while the processor is
// healthy. It never shortens an error backoff.
func WithWaker(c <-chan struct{}) Option {
	return func(p *Processor) { p.waker = c }
}

// WithClock replaces time.Now for timeout cutoffs and event timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// Processor is the scheduler. It holds every handle it works through, so
// reinitialization replaces fields rather than global state, and several
// processors can run in one process.
type Processor struct {
	cfg        Config
	connector  Connector
	logger     *slog.Logger
	emitter    events.EventEmitter
	registerer prometheus.Registerer
	waker      <-chan struct{}
	now        func() time.Time
	metrics    *metrics

	// backoff is only touched by the loop goroutine.
	backoff *backoff.ExponentialBackOff

	mu                sync.RWMutex
	deps              *Dependencies
	health            Health
	consecutiveErrors int
	cycles            int64
	lastCycleAt       time.Time
	lastReport        CycleReport
}

// New creates a Processor. It does not connect until Run.
func New(cfg Config, connector Connector, logger *slog.Logger, opts ...Option) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if connector == nil {
		return nil, errors.New("processor: connector is required")
	}

	p := &Processor{
		cfg:        cfg,
		connector:  connector,
		logger:     logger.With("component", "processor", "owner", cfg.OwnerID),
		registerer: prometheus.NewRegistry(),
		now:        time.Now,
		health:     HealthStarting,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.metrics = newMetrics(p.registerer, p.stats)
	p.backoff = &backoff.ExponentialBackOff{
		InitialInterval:     cfg.PollInterval,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         cfg.MaxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	p.backoff.Reset()
	return p, nil
}

// Run connects and drives cycles until ctx is cancelled. A cancellation
// stops the loop after the unit of work in progress completes; dependencies
// are closed before Run returns.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "processor starting",
		"poll_interval", p.cfg.PollInterval,
		"task_timeout", p.cfg.TaskTimeout,
		"max_pending_batch", p.cfg.MaxPendingBatch,
		"max_active_batch", p.cfg.MaxActiveBatch)
	defer p.disconnect()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
		case <-timer.C:
		case <-p.waker:
			if p.Health() != HealthHealthy {
				continue
			}
			p.logger.Debug("woken early")
		}
		if ctx.Err() != nil {
			p.logger.Info("processor stopped")
			return nil
		}

		timer.Reset(p.step(ctx))
	}
}

// step runs one iteration of the loop and returns the delay before the next.
func (p *Processor) step(ctx context.Context) time.Duration {
	if p.dependencies() == nil {
		if err := p.connect(ctx); err != nil {
			p.metrics.adapterErrors.WithLabelValues("connect").Inc()
			p.logger.Error("failed to connect dependencies", "error", err)
			p.recordFailure()
			return p.backoff.NextBackOff()
		}
	}
	if ctx.Err() != nil {
		return 0
	}

	report := p.RunCycle(ctx)
	if report.Interrupted {
		return 0
	}
	if report.Errors == 0 {
		p.recordSuccess()
		return p.cfg.PollInterval
	}

	n := p.recordFailure()
	if n >= p.cfg.MaxConsecutiveErrors {
		return p.reinitialize(ctx)
	}
	delay := p.backoff.NextBackOff()
	p.logger.Warn("cycle had errors, backing off",
		"errors", report.Errors,
		"consecutive_errors", n,
		"delay", delay)
	return delay
}

// reinitialize discards every dependency handle and builds new ones.
func (p *Processor) reinitialize(ctx context.Context) time.Duration {
	p.setHealth(HealthReinitializing)
	p.logger.Warn("too many consecutive errors, reinitializing dependencies",
		"consecutive_errors", p.ConsecutiveErrors())

	p.disconnect()
	if err := p.connect(ctx); err != nil {
		p.metrics.reinitializations.WithLabelValues("failure").Inc()
		p.setHealth(HealthDegraded)
		p.logger.Error("reinitialization failed", "error", err, "retry_in", p.cfg.MaxBackoff)
		return p.cfg.MaxBackoff
	}

	p.metrics.reinitializations.WithLabelValues("success").Inc()
	p.recordSuccess()
	p.logger.Info("dependencies reinitialized")
	return p.cfg.PollInterval
}

func (p *Processor) connect(ctx context.Context) error {
	deps, err := p.connector.Connect(ctx)
	if err != nil {
		return err
	}
	if deps == nil || deps.Tasks == nil || deps.Generator == nil || deps.Artifacts == nil {
		if deps != nil {
			_ = deps.Close()
		}
		return errors.New("connector returned incomplete dependencies")
	}

	p.mu.Lock()
	p.deps = deps
	if p.health == HealthStarting {
		p.health = HealthHealthy
	}
	p.mu.Unlock()
	p.metrics.health.Set(float64(p.Health()))
	return nil
}

func (p *Processor) disconnect() {
	p.mu.Lock()
	deps := p.deps
	p.deps = nil
	p.mu.Unlock()

	if deps == nil {
		return
	}
	if err := deps.Close(); err != nil {
		p.logger.Warn("error closing dependencies", "error", err)
	}
}

func (p *Processor) dependencies() *Dependencies {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.deps
}

func (p *Processor) recordSuccess() {
	p.mu.Lock()
	p.consecutiveErrors = 0
	p.health = HealthHealthy
	p.mu.Unlock()

	p.backoff.Reset()
	p.metrics.consecutiveErrors.Set(0)
	p.metrics.health.Set(float64(HealthHealthy))
}

func (p *Processor) recordFailure() int {
	p.mu.Lock()
	p.consecutiveErrors++
	n := p.consecutiveErrors
	if p.health != HealthStarting {
		p.health = HealthDegraded
	}
	h := p.health
	p.mu.Unlock()

	p.metrics.consecutiveErrors.Set(float64(n))
	p.metrics.health.Set(float64(h))
	return n
}

func (p *Processor) setHealth(h Health) {
	p.mu.Lock()
	p.health = h
	p.mu.Unlock()
	p.metrics.health.Set(float64(h))
}

// Health returns the current health state.
func (p *Processor) Health() Health {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

// ConsecutiveErrors returns the number of failed cycles since the last clean one.
func (p *Processor) ConsecutiveErrors() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.consecutiveErrors
}

func (p *Processor) stats(ctx context.Context) (task.Stats, error) {
	deps := p.dependencies()
	if deps == nil {
		return nil, ErrNotConnected
	}
	return deps.Tasks.Stats(ctx)
}

// Snapshot is a point-in-time view of the processor for operators.
type Snapshot struct {
	Health            Health      `json:"health"`
	Connected         bool        `json:"connected"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	Cycles            int64       `json:"cycles"`
	LastCycleAt       *time.Time  `json:"last_cycle_at,omitempty"`
	LastCycle         CycleReport `json:"last_cycle"`
	Tasks             task.Stats  `json:"tasks,omitempty"`
	StatsError        string      `json:"stats_error,omitempty"`
}

// Snapshot reports the processor's state and the store's task counts.
func (p *Processor) Snapshot(ctx context.Context) Snapshot {
	p.mu.RLock()
	s := Snapshot{
		Health:            p.health,
		Connected:         p.deps != nil,
		ConsecutiveErrors: p.consecutiveErrors,
		Cycles:            p.cycles,
		LastCycle:         p.lastReport,
	}
	if !p.lastCycleAt.IsZero() {
		at := p.lastCycleAt
		s.LastCycleAt = &at
	}
	p.mu.RUnlock()

	stats, err := p.stats(ctx)
	if err != nil {
		s.StatsError = err.Error()
	} else {
		s.Tasks = stats
	}
	return s
}
