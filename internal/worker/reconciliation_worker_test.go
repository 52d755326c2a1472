package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// blockingReconciler holds each sweep until released so overlap is forced.
type blockingReconciler struct {
	runs    atomic.Int64
	release chan struct{}
}

func (b *blockingReconciler) Run(ctx context.Context) error {
	b.runs.Add(1)
	if b.release != nil {
		select {
		case <-b.release:
		case <-ctx.Done():
		}
	}
	return nil
}

func TestRunOnceSkipsWhileSweepInFlight(t *testing.T) {
	rec := &blockingReconciler{release: make(chan struct{})}
	w := NewReconciliationWorker(rec)

	started := make(chan struct{})
	go func() {
		close(started)
		w.RunOnce(context.Background())
	}()
	<-started
	require.Eventually(t, func() bool { return rec.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Second trigger while the first sweep is blocked must be a no-op.
	w.RunOnce(context.Background())
	require.EqualValues(t, 1, rec.runs.Load())

	close(rec.release)
	require.Eventually(t, func() bool {
		w.RunOnce(context.Background())
		return rec.runs.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

type failingReconciler struct{ runs atomic.Int64 }

func (f *failingReconciler) Run(ctx context.Context) error {
	f.runs.Add(1)
	return context.DeadlineExceeded
}

func TestRunOnceReleasesGuardAfterFailure(t *testing.T) {
	rec := &failingReconciler{}
	w := NewReconciliationWorker(rec)

	w.RunOnce(context.Background())
	w.RunOnce(context.Background())
	require.EqualValues(t, 2, rec.runs.Load())
}

func TestTicksDuringSweepAreSkippedNotQueued(t *testing.T) {
	rec := &blockingReconciler{release: make(chan struct{})}
	w := NewReconciliationWorker(rec).WithInterval(5 * time.Millisecond)

	stop := w.Run(context.Background())
	defer stop()

	require.Eventually(t, func() bool { return rec.runs.Load() == 1 }, time.Second, time.Millisecond)

	// Many ticks fire while the first sweep is blocked; none of them may
	// start a sweep, and none may queue one for later.
	time.Sleep(60 * time.Millisecond)
	require.EqualValues(t, 1, rec.runs.Load())

	close(rec.release)
	require.Eventually(t, func() bool { return rec.runs.Load() >= 2 }, time.Second, time.Millisecond)
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	rec := &blockingReconciler{}
	w := NewReconciliationWorker(rec).WithInterval(10 * time.Millisecond)

	stop := w.Run(context.Background())
	require.Eventually(t, func() bool { return rec.runs.Load() >= 2 }, time.Second, 5*time.Millisecond)

	stop()
	// Stop is idempotent.
	stop()

	seen := rec.runs.Load()
	time.Sleep(50 * time.Millisecond)
	require.LessOrEqual(t, rec.runs.Load(), seen+1)
}
