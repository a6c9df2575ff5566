package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Mode is what asked for a sync.
type Mode string

const (
	ModeAuto      Mode = "auto"
	ModeManual    Mode = "manual"
	ModeTriggered Mode = "triggered"
)

// Phase is the coordinator's state.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseSyncing  Phase = "syncing"
	PhaseRetrying Phase = "retrying"
	PhaseError    Phase = "error"
)

// Defaults for Options fields left at zero.
const (
	DefaultBatchSize       = 50
	DefaultMaxBatches      = 10
	DefaultTickBudget      = 20 * time.Second
	DefaultDrainDelay      = 250 * time.Millisecond
	DefaultBackoffMin      = 2 * time.Second
	DefaultBackoffMax      = 2 * time.Minute
	DefaultTriggerInterval = time.Second
)

// ErrNotStarted is returned by RequestSync before Start.
var ErrNotStarted = errors.New("coordinator not started")

// Options tune scheduling.
type Options struct {
	BatchSize  int
	MaxBatches int
	TickBudget time.Duration
	// DrainDelay is the pause before a follow-up tick when a successful tick
	// left work behind.
	DrainDelay time.Duration
	BackoffMin time.Duration
	BackoffMax time.Duration
	// AutoInterval is the period of background syncs; zero disables them.
	AutoInterval time.Duration
	// TriggerInterval is the minimum spacing of syncs caused by local writes.
	TriggerInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxBatches <= 0 {
		o.MaxBatches = DefaultMaxBatches
	}
	if o.TickBudget <= 0 {
		o.TickBudget = DefaultTickBudget
	}
	if o.DrainDelay <= 0 {
		o.DrainDelay = DefaultDrainDelay
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = DefaultBackoffMin
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = max(DefaultBackoffMax, o.BackoffMin)
	}
	if o.TriggerInterval <= 0 {
		o.TriggerInterval = DefaultTriggerInterval
	}
	return o
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	Phase               Phase       `json:"phase"`
	InFlight            bool        `json:"in_flight"`
	LastMode            Mode        `json:"last_mode,omitempty"`
	LastResult          *TickResult `json:"last_result,omitempty"`
	LastError           string      `json:"last_error,omitempty"`
	LastSuccessAt       *time.Time  `json:"last_success_at,omitempty"`
	NextRunAt           *time.Time  `json:"next_run_at,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	ForceRefresh        bool        `json:"force_refresh"`
}

// Coordinator serializes sync attempts: at most one worker tick is in
// flight, and concurrent requests share its result.
type Coordinator struct {
	worker  *Worker
	opts    Options
	metrics *Metrics
	logger  *slog.Logger

	group   singleflight.Group
	limiter *rate.Limiter

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopping bool
	backoff  *backoff.ExponentialBackOff
	timer    *time.Timer
	timerGen uint64
	status   Status
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMetrics records attempts into m.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a Coordinator driving runner through a dedicated Worker.
func New(runner Runner, opts Options, options ...Option) *Coordinator {
	opts = opts.withDefaults()
	c := &Coordinator{
		opts:    opts,
		logger:  slog.Default(),
		limiter: rate.NewLimiter(rate.Every(opts.TriggerInterval), 1),
		status:  Status{Phase: PhaseIdle},
	}
	for _, o := range options {
		o(c)
	}
	c.worker = NewWorker(runner, c.logger)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.BackoffMin
	b.MaxInterval = opts.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	c.backoff = b
	return c
}

// Start launches the worker and, when AutoInterval is set, the periodic
// sync loop. Everything stops when ctx is done or Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.ctx, c.cancel = ctx, cancel
	c.mu.Unlock()

	c.worker.Start(ctx)
	if c.opts.AutoInterval > 0 {
		c.wg.Add(1)
		go c.autoLoop(ctx)
	}
}

// Stop cancels pending timers, stops the worker and waits for background
// goroutines. Writes notified after Stop begins are ignored.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	// Background goroutines are only added under mu while stopping is
	// false, so none can be added once Wait starts.
	c.stopping = true
	c.stopTimerLocked()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-c.worker.Done()
	}
	c.wg.Wait()
}

func (c *Coordinator) autoLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.AutoInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			retrying := c.status.Phase == PhaseRetrying
			c.mu.Unlock()
			if retrying {
				continue
			}
			_, _ = c.RequestSync(ctx, ModeAuto)
		}
	}
}

// RequestSync runs a sync attempt, or joins the one already in flight.
//
// The error is non-nil when the attempt failed. Joined callers receive the
// in-flight attempt's result, whichever mode started it. ctx only bounds the
// wait; an attempt that already started runs to completion.
func (c *Coordinator) RequestSync(ctx context.Context, mode Mode) (TickResult, error) {
	c.mu.Lock()
	base := c.ctx
	c.mu.Unlock()
	if base == nil {
		return TickResult{}, ErrNotStarted
	}

	ch := c.group.DoChan("sync", func() (any, error) {
		res := c.attempt(base, mode)
		if !res.OK() {
			return res, errors.New(res.FailureReason())
		}
		return res, nil
	})
	select {
	case <-ctx.Done():
		return TickResult{}, ctx.Err()
	case r := <-ch:
		res, _ := r.Val.(TickResult)
		return res, r.Err
	}
}

// NotifyLocalWrite schedules a sync after a local mutation. It never blocks.
// Triggers are spaced by TriggerInterval and ignored while a backoff retry
// is pending.
func (c *Coordinator) NotifyLocalWrite() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil || c.stopping || c.ctx.Err() != nil || c.status.Phase == PhaseRetrying {
		return
	}

	r := c.limiter.Reserve()
	delay := r.Delay()
	if delay == 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			_, _ = c.RequestSync(c.ctx, ModeTriggered)
		}()
		return
	}
	if c.timer != nil {
		// An armed timer will pick the write up.
		r.Cancel()
		return
	}
	c.scheduleLocked(delay, ModeTriggered)
}

// Status returns a snapshot of the coordinator state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.status
	if s.LastResult != nil {
		r := *s.LastResult
		s.LastResult = &r
	}
	return s
}

// ClearForceRefresh acknowledges that authoritative state was reloaded.
func (c *Coordinator) ClearForceRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.ForceRefresh = false
}

func (c *Coordinator) attempt(ctx context.Context, mode Mode) TickResult {
	c.mu.Lock()
	c.stopTimerLocked()
	c.status.Phase = PhaseSyncing
	c.status.InFlight = true
	c.status.LastMode = mode
	c.mu.Unlock()

	res, err := c.worker.Tick(ctx, TickParams{
		BatchSize:  c.opts.BatchSize,
		MaxBatches: c.opts.MaxBatches,
		Budget:     c.opts.TickBudget,
	})
	if err != nil {
		res.Err = err
	}
	c.metrics.observe(mode, res)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.InFlight = false
	c.status.LastResult = &res
	c.status.ForceRefresh = c.status.ForceRefresh || res.ForceRefresh
	stopped := ctx.Err() != nil

	if res.OK() {
		c.backoff.Reset()
		now := time.Now()
		c.status.LastSuccessAt = &now
		c.status.ConsecutiveFailures = 0
		c.status.LastError = ""
		c.status.Phase = PhaseIdle
		if res.Pending > 0 && !stopped {
			// Drain follow-ups are background work whatever started them.
			c.scheduleLocked(c.opts.DrainDelay, ModeAuto)
		}
		c.logger.Debug("sync attempt done",
			"mode", mode,
			"acked", res.Acked,
			"conflicts", res.Conflicts,
			"pending", res.Pending,
			"batches", res.Batches,
		)
		return res
	}

	c.status.ConsecutiveFailures++
	c.status.LastError = res.FailureReason()
	c.status.Phase = PhaseError
	// A broken tick says nothing about the backlog; assume work remains.
	if mode != ModeManual && (res.Pending > 0 || res.Err != nil) && !stopped {
		delay := c.nextBackoffLocked()
		c.scheduleLocked(delay, mode)
		c.status.Phase = PhaseRetrying
	}
	c.logger.Warn("sync attempt failed",
		"mode", mode,
		"phase", c.status.Phase,
		"error", c.status.LastError,
		"failures", c.status.ConsecutiveFailures,
		"pending", res.Pending,
	)
	return res
}

// nextBackoffLocked returns the next retry delay, never above BackoffMax.
func (c *Coordinator) nextBackoffLocked() time.Duration {
	d := c.backoff.NextBackOff()
	if d == backoff.Stop || d > c.opts.BackoffMax {
		d = c.opts.BackoffMax
	}
	return d
}

// scheduleLocked arms the single follow-up timer, replacing any armed one.
func (c *Coordinator) scheduleLocked(delay time.Duration, mode Mode) {
	c.stopTimerLocked()
	c.timerGen++
	gen := c.timerGen
	at := time.Now().Add(delay)
	c.status.NextRunAt = &at

	ctx := c.ctx
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if gen != c.timerGen || c.stopping || ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.status.NextRunAt = nil
		c.wg.Add(1)
		c.mu.Unlock()
		defer c.wg.Done()
		_, _ = c.RequestSync(ctx, mode)
	})
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
	c.status.NextRunAt = nil
}
