package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tabkiosk/internal/syncer"
)

func startWorker(t *testing.T, r Runner) *Worker {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(r, nil)
	w.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-w.Done()
	})
	return w
}

func TestWorker_DrainsUntilEmpty(t *testing.T) {
	r := newFakeRunner(
		outcome{res: syncer.Result{Processed: 2, Acked: 2, Pending: 3}},
		outcome{res: syncer.Result{Processed: 2, Acked: 1, Conflicts: 1, Pending: 1, ForceRefresh: true}},
		outcome{res: syncer.Result{Processed: 1, Acked: 1, Pending: 0}},
	)
	w := startWorker(t, r)

	res, err := w.Tick(context.Background(), TickParams{BatchSize: 2, MaxBatches: 10})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 5, res.Processed)
	assert.Equal(t, 4, res.Acked)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 0, res.Pending)
	assert.True(t, res.ForceRefresh)
	assert.Equal(t, []int{2, 2, 2}, r.limits)
}

func TestWorker_Bounds(t *testing.T) {
	busy := outcome{res: syncer.Result{Processed: 1, Acked: 1, Pending: 100}}

	t.Run("max batches", func(t *testing.T) {
		r := newFakeRunner(busy, busy, busy, busy)
		w := startWorker(t, r)
		res, err := w.Tick(context.Background(), TickParams{BatchSize: 1, MaxBatches: 2})
		require.NoError(t, err)
		assert.Equal(t, 2, res.Batches)
		assert.Equal(t, 100, res.Pending)
	})

	t.Run("time budget", func(t *testing.T) {
		r := newFakeRunner(busy, busy, busy)
		r.hold()
		go func() {
			<-r.entered
			time.Sleep(20 * time.Millisecond)
			r.release()
		}()
		w := startWorker(t, r)
		res, err := w.Tick(context.Background(), TickParams{BatchSize: 1, MaxBatches: 10, Budget: 10 * time.Millisecond})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Batches)
	})

	t.Run("no progress", func(t *testing.T) {
		r := newFakeRunner(
			outcome{res: syncer.Result{Processed: 3, Failed: 3, Pending: 3, LastError: "offline"}},
			busy,
		)
		w := startWorker(t, r)
		res, err := w.Tick(context.Background(), TickParams{BatchSize: 3, MaxBatches: 10})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Batches)
		assert.False(t, res.OK())
		assert.Equal(t, "offline", res.FailureReason())
	})
}

func TestWorker_StoreErrorEndsTick(t *testing.T) {
	r := newFakeRunner(outcome{err: errors.New("disk I/O error")})
	w := startWorker(t, r)

	res, err := w.Tick(context.Background(), TickParams{MaxBatches: 5})
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.EqualError(t, res.Err, "disk I/O error")
	assert.Equal(t, 1, r.Calls())
}

func TestWorker_CrashIsReportedAndSurvived(t *testing.T) {
	r := newFakeRunner(
		outcome{panic: "nil map write"},
		outcome{res: syncer.Result{Processed: 1, Acked: 1}},
	)
	w := startWorker(t, r)

	res, err := w.Tick(context.Background(), TickParams{MaxBatches: 1})
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.EqualError(t, res.Err, "sync worker crashed: nil map write")

	res, err = w.Tick(context.Background(), TickParams{MaxBatches: 1})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, 1, res.Acked)
}

func TestWorker_Stopped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(newFakeRunner(), nil)
	w.Start(ctx)
	cancel()
	<-w.Done()

	_, err := w.Tick(context.Background(), TickParams{})
	assert.ErrorIs(t, err, ErrWorkerStopped)
}
