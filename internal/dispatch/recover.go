package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/trip-planner/internal/model"
)

// WorkflowLister finds workflows by status.
type WorkflowLister interface {
	ListWorkflows(ctx context.Context, statuses ...model.WorkflowStatus) ([]*model.WorkflowState, error)
}

// queueFullBackoff is how long Redispatch waits for a full queue to drain.
const queueFullBackoff = 100 * time.Millisecond

// Redispatch hands every pending or processing workflow back to d. Work held
// only in memory is lost on restart, so a dispatcher without durable delivery
// calls this once at startup. A full queue is waited out until ctx ends. It
// returns how many workflows were dispatched.
func Redispatch(ctx context.Context, src WorkflowLister, d Dispatcher) (int, error) {
	ws, err := src.ListWorkflows(ctx, model.StatusPending, model.StatusProcessing)
	if err != nil {
		return 0, eris.Wrap(err, "dispatch: list unfinished workflows")
	}

	n := 0
	for _, w := range ws {
		for {
			err = d.Dispatch(ctx, w.WorkflowID)
			if !errors.Is(err, ErrQueueFull) {
				break
			}
			select {
			case <-ctx.Done():
				return n, eris.Wrap(ctx.Err(), "dispatch: redispatch")
			case <-time.After(queueFullBackoff):
			}
		}
		if err != nil {
			return n, eris.Wrapf(err, "dispatch: redispatch %s", w.WorkflowID)
		}
		n++
	}
	if n > 0 {
		zap.L().Info("dispatch: resumed unfinished workflows", zap.Int("count", n))
	}
	return n, nil
}
