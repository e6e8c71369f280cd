package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Local runs workflows on an in-process worker pool fed by a bounded queue.
type Local struct {
	run     Runner
	workers int
	queue   chan string

	mu      sync.RWMutex
	started bool
	closed  bool
	g       *errgroup.Group
}

// NewLocal creates a pool of workers reading from a queue of queueSize.
func NewLocal(run Runner, workers, queueSize int) *Local {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Local{run: run, workers: workers, queue: make(chan string, queueSize)}
}

// Start launches the workers. Runs use ctx, so canceling it abandons
// in-flight stages. The queue is not durable: after a restart, Redispatch
// hands the unfinished workflows back.
func (l *Local) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.closed {
		return
	}
	l.started = true
	l.g = new(errgroup.Group)
	for i := 0; i < l.workers; i++ {
		l.g.Go(func() error {
			for id := range l.queue {
				l.runOne(ctx, id)
			}
			return nil
		})
	}
}

func (l *Local) runOne(ctx context.Context, workflowID string) {
	log := zap.L().With(zap.String("workflow_id", workflowID))
	w, err := l.run.Run(ctx, workflowID)
	if err != nil {
		log.Error("dispatch: local run failed", zap.Error(err))
		return
	}
	log.Info("dispatch: local run finished", zap.String("status", string(w.Status)))
}

// Dispatch enqueues workflowID without blocking.
func (l *Local) Dispatch(_ context.Context, workflowID string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.queue <- workflowID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting work and waits for queued runs to drain.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	g := l.g
	l.mu.Unlock()

	if g == nil {
		return nil
	}
	return g.Wait()
}
