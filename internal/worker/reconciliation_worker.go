package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TambongStercy/SBC-MS-sub009/internal/observability"
	"go.uber.org/zap"
)

// Reconciler is the sweep the worker drives on a schedule.
type Reconciler interface {
	Run(ctx context.Context) error
}

// ReconciliationWorker runs the periodic withdrawal reconciliation sweep.
type ReconciliationWorker struct {
	svc      Reconciler
	interval time.Duration
	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReconciliationWorker constructs a worker with the default five minute
// interval.
func NewReconciliationWorker(svc Reconciler) *ReconciliationWorker {
	return &ReconciliationWorker{
		svc:      svc,
		interval: 5 * time.Minute,
		stopCh:   make(chan struct{}),
	}
}

// WithInterval updates the run interval.
func (w *ReconciliationWorker) WithInterval(interval time.Duration) *ReconciliationWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// Start blocks and runs reconciliation at the configured interval. Sweeps
// run off the ticker loop so a tick that fires while the previous sweep is
// still going hits the re-entrancy guard and is skipped, not queued behind
// the running one.
func (w *ReconciliationWorker) Start(ctx context.Context) {
	zap.L().Info("reconciliation worker starting", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately at startup.
	go w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("reconciliation worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("reconciliation worker stop signal received")
			return
		case <-ticker.C:
			go w.runOnce(ctx)
		}
	}
}

// Stop stops the worker loop. The sweep in flight, if any, finishes.
func (w *ReconciliationWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *ReconciliationWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

// RunOnce triggers a single sweep immediately, subject to the same
// re-entrancy guard as the ticker.
func (w *ReconciliationWorker) RunOnce(ctx context.Context) {
	w.runOnce(ctx)
}

func (w *ReconciliationWorker) runOnce(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		observability.IncrementWorkerRun("reconciliation", "skipped")
		zap.L().Warn("previous reconciliation sweep still running, skipping tick")
		return
	}
	defer w.running.Store(false)

	if err := w.svc.Run(ctx); err != nil {
		observability.IncrementWorkerRun("reconciliation", "failed")
		zap.L().Error("reconciliation sweep failed", zap.Error(err))
		return
	}
	observability.IncrementWorkerRun("reconciliation", "success")
}
