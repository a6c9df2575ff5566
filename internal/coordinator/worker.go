package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/roach88/tabkiosk/internal/syncer"
)

// Runner performs one sync attempt. *syncer.Engine implements it.
type Runner interface {
	RunOnce(ctx context.Context, limit int) (syncer.Result, error)
}

// TickParams bound one worker tick.
type TickParams struct {
	BatchSize  int
	MaxBatches int
	Budget     time.Duration
}

// TickResult aggregates every batch of a tick.
type TickResult struct {
	syncer.Result
	Batches int           `json:"batches"`
	Elapsed time.Duration `json:"elapsed"`
	// Err is set when the tick itself broke: a local store failure or a
	// crashed worker. Row-level failures are reported through Failed.
	Err error `json:"-"`
}

// OK reports whether the tick counts as a successful attempt. Conflicts are
// terminal outcomes, not failures.
func (r TickResult) OK() bool {
	return r.Err == nil && r.Result.Failed == 0
}

// FailureReason describes the failure, or "" for a clean tick.
func (r TickResult) FailureReason() string {
	switch {
	case r.Err != nil:
		return r.Err.Error()
	case r.Result.Failed > 0:
		return r.LastError
	}
	return ""
}

// ErrWorkerStopped is returned for ticks requested after the worker exited.
var ErrWorkerStopped = errors.New("sync worker stopped")

type tickRequest struct {
	params TickParams
	reply  chan TickResult
}

// Worker runs ticks on its own goroutine. Requests and results cross the
// boundary as values over channels; the worker shares no mutable state with
// its callers.
type Worker struct {
	runner   Runner
	requests chan tickRequest
	done     chan struct{}
	logger   *slog.Logger
}

// NewWorker returns a Worker driving runner. Call Start before Tick.
func NewWorker(runner Runner, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		runner:   runner,
		requests: make(chan tickRequest),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// Start launches the worker goroutine. It exits when ctx is done.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Done is closed when the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Tick asks the worker for one tick and waits for its result.
func (w *Worker) Tick(ctx context.Context, p TickParams) (TickResult, error) {
	req := tickRequest{params: p, reply: make(chan TickResult, 1)}
	select {
	case w.requests <- req:
	case <-w.done:
		return TickResult{}, ErrWorkerStopped
	case <-ctx.Done():
		return TickResult{}, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res, nil
	case <-ctx.Done():
		return TickResult{}, ctx.Err()
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.requests:
			req.reply <- w.safeTick(ctx, req.params)
		}
	}
}

// safeTick turns a panic inside the tick into a failed result so the
// goroutine survives for the next request.
func (w *Worker) safeTick(ctx context.Context, p TickParams) (res TickResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("sync worker crashed", "panic", r, "stack", string(debug.Stack()))
			res.Err = fmt.Errorf("sync worker crashed: %v", r)
			res.Elapsed = time.Since(start)
		}
	}()
	return w.tick(ctx, p, start)
}

// tick runs batches until the outbox drains, a bound is hit, or a batch
// moves nothing out of the pending set.
func (w *Worker) tick(ctx context.Context, p TickParams, start time.Time) TickResult {
	maxBatches := p.MaxBatches
	if maxBatches <= 0 {
		maxBatches = 1
	}

	var res TickResult
	for res.Batches < maxBatches {
		if p.Budget > 0 && res.Batches > 0 && time.Since(start) >= p.Budget {
			break
		}
		r, err := w.runner.RunOnce(ctx, p.BatchSize)
		res.Batches++
		res.Result.Add(r)
		if err != nil {
			res.Err = err
			break
		}
		if r.Pending == 0 || r.Processed == 0 {
			break
		}
		if r.Acked+r.Conflicts == 0 {
			break
		}
	}
	res.Elapsed = time.Since(start)
	return res
}
