// Package workflow runs the four-stage generation pipeline. Each stage is a
// resumable unit keyed by (workflowId, stage); its output is persisted before
// the workflow advances, so re-delivering a run is a no-op for finished work.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/trip-planner/internal/budget"
	"github.com/sells-group/trip-planner/internal/model"
	"github.com/sells-group/trip-planner/internal/resilience"
	"github.com/sells-group/trip-planner/internal/router"
	"github.com/sells-group/trip-planner/internal/store"
)

// ExceededPolicy decides what a stage does when its reservation is denied.
type ExceededPolicy string

const (
	// PolicySkip degrades (or fails) the stage immediately.
	PolicySkip ExceededPolicy = "skip"
	// PolicyFreeRetry routes once more with a zero ceiling, so only
	// zero-cost providers are tried.
	PolicyFreeRetry ExceededPolicy = "free-retry"
)

// Config controls orchestration timing and policy.
type Config struct {
	StageDeadline       time.Duration
	SessionTTL          time.Duration
	EstimatedCompletion time.Duration
	ExceededPolicy      ExceededPolicy
	// StatusPath prefixes the status endpoint returned on submit.
	StatusPath string
	Retry      resilience.RetryConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("workflow", "persist")
	return Config{
		StageDeadline:       180 * time.Second,
		SessionTTL:          24 * time.Hour,
		EstimatedCompletion: 90 * time.Second,
		ExceededPolicy:      PolicySkip,
		StatusPath:          "/status/",
		Retry:               retry,
	}
}

// Validate checks the policy name and durations.
func (c Config) Validate() error {
	switch c.ExceededPolicy {
	case PolicySkip, PolicyFreeRetry:
	default:
		return eris.Errorf("workflow: unknown budget exceeded policy %q", c.ExceededPolicy)
	}
	if c.StageDeadline <= 0 {
		return eris.New("workflow: stage deadline must be positive")
	}
	if c.SessionTTL <= 0 {
		return eris.New("workflow: session ttl must be positive")
	}
	return nil
}

// GenerateRequest is the POST generate body.
type GenerateRequest struct {
	FormData  json.RawMessage `json:"formData"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Accepted is returned once a workflow has been recorded.
type Accepted struct {
	WorkflowID          string    `json:"workflowId"`
	EstimatedCompletion time.Time `json:"estimatedCompletion"`
	StatusEndpoint      string    `json:"statusEndpoint"`
	SessionID           string    `json:"sessionId"`
}

// Orchestrator owns every mutation of WorkflowState.
type Orchestrator struct {
	st     store.Store
	router *router.Router
	guard  *budget.Guard
	cfg    Config
	now    func() time.Time
	runs   singleflight.Group
}

// New creates an Orchestrator. st must be unscoped; callers are checked
// per operation.
func New(st store.Store, rt *router.Router, guard *budget.Guard, cfg Config) *Orchestrator {
	return &Orchestrator{st: st, router: rt, guard: guard, cfg: cfg, now: time.Now}
}

// Submit validates the form data, creates or reuses the caller's session and
// records a pending workflow. It does not run any stage.
func (o *Orchestrator) Submit(ctx context.Context, p store.Principal, req GenerateRequest) (*Accepted, error) {
	trip, err := model.ParseTripRequest(req.FormData)
	if err != nil {
		return nil, err
	}
	input, err := json.Marshal(trip)
	if err != nil {
		return nil, eris.Wrap(err, "workflow: encode form data")
	}

	st := store.Scoped(o.st, p)
	now := o.now().UTC()

	sess, err := o.session(ctx, st, p, req.SessionID, input, now)
	if err != nil {
		return nil, err
	}

	w := model.NewWorkflow(uuid.New().String(), sess.ID, sess.OwnerID, now)
	w.Input = input
	w.AppendLog("submit", "workflow accepted", now)
	if err := o.put(ctx, w); err != nil {
		return nil, err
	}

	zap.L().Info("workflow: accepted",
		zap.String("workflow_id", w.WorkflowID),
		zap.String("session_id", sess.ID),
	)
	return &Accepted{
		WorkflowID:          w.WorkflowID,
		EstimatedCompletion: now.Add(o.cfg.EstimatedCompletion),
		StatusEndpoint:      o.cfg.StatusPath + w.WorkflowID,
		SessionID:           sess.ID,
	}, nil
}

func (o *Orchestrator) session(ctx context.Context, st store.Store, p store.Principal, id string, input json.RawMessage, now time.Time) (*model.Session, error) {
	if id == "" {
		sess := model.NewSession(uuid.New().String(), p.ID, now, o.cfg.SessionTTL)
		if p.Service {
			sess.OwnerID = ""
		}
		sess.RawInputs = input
		if err := st.CreateSession(ctx, sess, o.guard.Limit()); err != nil {
			return nil, eris.Wrap(err, "workflow: create session")
		}
		return sess, nil
	}

	sess, err := st.GetSession(ctx, id)
	if errors.Is(err, resilience.ErrNotFound) {
		return nil, resilience.NewValidationError("sessionId", "unknown session")
	}
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: get session %s", id)
	}
	if !sess.Active(now) {
		return nil, resilience.NewValidationError("sessionId", "session is "+sessionStateLabel(sess, now))
	}
	if err := st.TouchSession(ctx, id, now, o.cfg.SessionTTL); err != nil {
		return nil, eris.Wrapf(err, "workflow: touch session %s", id)
	}
	return sess, nil
}

func sessionStateLabel(s *model.Session, now time.Time) string {
	if s.State == model.SessionActive && !now.Before(s.ExpiresAt) {
		return string(model.SessionExpired)
	}
	return string(s.State)
}

// Fail marks a non-terminal workflow as errored, for example when it could
// not be handed to a dispatcher.
func (o *Orchestrator) Fail(ctx context.Context, workflowID, detail string) error {
	w, err := o.st.GetWorkflow(ctx, workflowID)
	if err != nil {
		return eris.Wrapf(err, "workflow: fail %s", workflowID)
	}
	if w.Terminal() {
		return nil
	}
	now := o.now()
	w.AppendLog(string(w.CurrentStage), detail, now)
	_ = w.Fail(detail, now)
	return o.put(ctx, w)
}

// Run executes every remaining stage of workflowID. Concurrent calls for the
// same workflow share one execution. Terminal workflows are returned as
// stored.
func (o *Orchestrator) Run(ctx context.Context, workflowID string) (*model.WorkflowState, error) {
	v, err, _ := o.runs.Do(workflowID, func() (any, error) {
		return o.run(ctx, workflowID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.WorkflowState).Clone(), nil
}

func (o *Orchestrator) run(ctx context.Context, workflowID string) (*model.WorkflowState, error) {
	w, err := o.st.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: load %s", workflowID)
	}
	// One pass per stage plus the final completion write.
	for range len(model.Stages) + 1 {
		if w.Terminal() {
			return w, nil
		}
		if w, err = o.RunStage(ctx, workflowID, w.CurrentStage); err != nil {
			return nil, err
		}
	}
	if !w.Terminal() {
		return nil, eris.Errorf("workflow: %s did not finish at %s", workflowID, w.CurrentStage)
	}
	return w, nil
}

// RunStage executes stage for workflowID if it is the current stage and has
// no recorded output. Terminal workflows and already-recorded stages are
// returned unchanged. Stage failures are recorded in the returned state, not
// as an error; an error means the state could not be loaded or persisted, or
// ctx was canceled.
func (o *Orchestrator) RunStage(ctx context.Context, workflowID string, stage model.Stage) (*model.WorkflowState, error) {
	w, err := o.st.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: load %s", workflowID)
	}
	if w.Terminal() || w.Recorded(stage) {
		return w, nil
	}
	if stage != w.CurrentStage {
		return nil, eris.Wrapf(model.ErrStageOutOfOrder, "workflow: %s is at %s, asked for %s", workflowID, w.CurrentStage, stage)
	}

	log := zap.L().With(
		zap.String("workflow_id", workflowID),
		zap.String("session_id", w.SessionID),
		zap.String("stage", string(stage)),
	)

	if w.Status == model.StatusPending {
		if err := w.Start(o.now()); err != nil {
			return nil, eris.Wrap(err, "workflow: start")
		}
		w.AppendLog(string(stage), "workflow started", o.now())
	}

	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageDeadline)
	start := o.now()
	out, runErr := o.exec(stageCtx, w, stage)
	cancel()

	// The caller gave up; leave the stage for the next delivery.
	if runErr != nil && ctx.Err() != nil {
		log.Info("workflow: stage abandoned", zap.Error(ctx.Err()))
		return nil, eris.Wrapf(ctx.Err(), "workflow: %s %s", workflowID, stage)
	}

	now := o.now()
	switch {
	case runErr == nil:
		if err := w.RecordStage(*out, now); err != nil {
			return nil, eris.Wrap(err, "workflow: record stage")
		}
		w.AppendLog(string(stage), successMessage(out), now)
		log.Info("workflow: stage complete",
			zap.String("provider", out.Provider),
			zap.Int("fallback_depth", out.FallbackDepth),
			zap.Duration("duration", now.Sub(start)),
		)
		if stage == model.StageCompile {
			if err := w.Complete(out.Output, now); err != nil {
				return nil, eris.Wrap(err, "workflow: complete")
			}
			w.AppendLog(string(stage), "workflow complete", now)
		}

	case stage.HardFail():
		fatal := &resilience.WorkflowFatalError{Stage: string(stage), Err: runErr}
		detail := failureReason(runErr)
		log.Error("workflow: stage failed", zap.Error(fatal))
		w.AppendLog(string(stage), stage.Label()+" failed: "+detail, now)
		if err := w.Fail(detail, now); err != nil {
			return nil, eris.Wrap(err, "workflow: fail")
		}

	default:
		reason := failureReason(runErr)
		log.Warn("workflow: stage degraded", zap.String("reason", reason), zap.Error(runErr))
		degraded := model.StageOutput{Stage: stage, Degraded: true, Gap: reason}
		if err := w.RecordStage(degraded, now); err != nil {
			return nil, eris.Wrap(err, "workflow: record degraded stage")
		}
		w.AppendLog(string(stage), stage.Label()+" degraded, continuing with partial data: "+reason, now)
	}

	if err := o.put(ctx, w); err != nil {
		if errors.Is(err, resilience.ErrWorkflowImmutable) || errors.Is(err, resilience.ErrWorkflowStale) {
			// Another runner got further or finished first; its state wins.
			log.Info("workflow: concurrent runner ahead, keeping stored state", zap.Error(err))
			return o.st.GetWorkflow(ctx, workflowID)
		}
		return nil, err
	}

	if w.Status == model.StatusComplete {
		if err := o.st.MarkSessionResult(ctx, w.SessionID); err != nil {
			log.Warn("workflow: mark session result failed", zap.Error(err))
		}
	}
	return w, nil
}

// put persists w, retrying transient store failures.
func (o *Orchestrator) put(ctx context.Context, w *model.WorkflowState) error {
	err := resilience.Do(ctx, o.cfg.Retry, func(ctx context.Context) error {
		return o.st.PutWorkflow(ctx, w)
	})
	return eris.Wrapf(err, "workflow: persist %s", w.WorkflowID)
}

// Status returns the client view of a workflow. It never triggers work.
func (o *Orchestrator) Status(ctx context.Context, p store.Principal, workflowID string) (*StatusView, error) {
	if _, err := uuid.Parse(workflowID); err != nil {
		return nil, resilience.NewValidationError("workflowId", "must be a uuid")
	}
	w, err := store.Scoped(o.st, p).GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: status %s", workflowID)
	}
	return NewStatusView(w), nil
}

func successMessage(out *model.StageOutput) string {
	msg := out.Stage.Label() + " completed"
	if out.Provider != "" {
		msg += fmt.Sprintf(" via %s", out.Provider)
		if out.FallbackDepth > 0 {
			msg += fmt.Sprintf(" (fallback depth %d)", out.FallbackDepth)
		}
	}
	return msg
}

// failureReason condenses a stage error into the text shown to clients.
func failureReason(err error) string {
	var (
		noProvider *resilience.NoProviderAvailableError
		denied     *resilience.BudgetExceededError
		invalid    *resilience.ValidationError
	)
	switch {
	case errors.As(err, &denied):
		return "budget exceeded: " + denied.Reason
	case errors.As(err, &noProvider):
		return noProvider.Error()
	case errors.As(err, &invalid):
		return invalid.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "stage deadline exceeded"
	default:
		return err.Error()
	}
}
