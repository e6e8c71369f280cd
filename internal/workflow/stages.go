package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/trip-planner/internal/budget"
	"github.com/sells-group/trip-planner/internal/cost"
	"github.com/sells-group/trip-planner/internal/model"
	"github.com/sells-group/trip-planner/internal/provider"
	"github.com/sells-group/trip-planner/internal/resilience"
	"github.com/sells-group/trip-planner/internal/router"
)

const (
	researchMaxTokens = 1024
	planMaxTokens     = 3072
	compileMaxTokens  = 4096
)

// Research is the info-gather stage output.
type Research struct {
	Summary   string   `json:"summary"`
	Citations []string `json:"citations,omitempty"`
}

// plan is the plan stage output.
type plan struct {
	Skeleton string `json:"skeleton"`
}

// exec runs one stage and returns its output. It does not touch w.
func (o *Orchestrator) exec(ctx context.Context, w *model.WorkflowState, stage model.Stage) (*model.StageOutput, error) {
	if stage == model.StageDataGather {
		return gatherData(w)
	}

	intent, err := decodeOutput[model.TripIntent](w, model.StageDataGather)
	if err != nil {
		return nil, err
	}

	switch stage {
	case model.StageInfoGather:
		res, err := o.route(ctx, w, researchRequest(intent))
		if err != nil {
			return nil, err
		}
		return stageOutput(stage, res, Research{Summary: res.Text, Citations: res.Citations})

	case model.StagePlan:
		var notes *Research
		if r, err := decodeOutput[Research](w, model.StageInfoGather); err == nil {
			notes = r
		}
		res, err := o.route(ctx, w, planRequest(intent, notes))
		if err != nil {
			return nil, err
		}
		return stageOutput(stage, res, plan{Skeleton: res.Text})

	case model.StageCompile:
		return o.compile(ctx, w, intent)

	default:
		return nil, resilience.NewValidationError("stage", "unknown stage "+string(stage))
	}
}

// gatherData normalizes the accepted form data. It makes no provider call.
func gatherData(w *model.WorkflowState) (*model.StageOutput, error) {
	trip, err := model.ParseTripRequest(w.Input)
	if err != nil {
		return nil, err
	}
	intent, err := trip.Normalize()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(intent)
	if err != nil {
		return nil, eris.Wrap(err, "workflow: encode intent")
	}
	return &model.StageOutput{Stage: model.StageDataGather, Output: raw}, nil
}

func (o *Orchestrator) compile(ctx context.Context, w *model.WorkflowState, intent *model.TripIntent) (*model.StageOutput, error) {
	var (
		notes *Research
		pl    *plan
		gaps  []Gap
	)
	for _, s := range []model.Stage{model.StageInfoGather, model.StagePlan} {
		if out := w.StageOutputs[s]; out != nil && out.Degraded {
			gaps = append(gaps, Gap{Stage: s, Reason: out.Gap})
		}
	}
	if r, err := decodeOutput[Research](w, model.StageInfoGather); err == nil {
		notes = r
	}
	if p, err := decodeOutput[plan](w, model.StagePlan); err == nil {
		pl = p
	}

	res, err := o.route(ctx, w, compileRequest(intent, notes, pl, gaps))
	if err != nil {
		return nil, err
	}

	result := Result{
		Itinerary: res.Text,
		Research:  notes,
		Partial:   len(gaps) > 0,
		Gaps:      gaps,
	}
	if pl != nil {
		result.Plan = pl.Skeleton
	}
	if result.Gaps == nil {
		result.Gaps = []Gap{}
	}
	return stageOutput(model.StageCompile, res, result)
}

// route reserves budget for req, calls the router and commits the actual
// cost of every billed attempt, including failed ones when the chain is
// exhausted. A denied reservation never reaches a provider unless the
// free-retry policy allows a zero-cost attempt.
func (o *Orchestrator) route(ctx context.Context, w *model.WorkflowState, req provider.Request) (*router.Result, error) {
	estimate := o.router.Estimate(req)
	bc := router.BudgetContext{SessionID: w.SessionID, Ceiling: estimate}

	res, err := o.guard.Reserve(ctx, w.SessionID, estimate)
	if err != nil {
		if !errors.Is(err, resilience.ErrBudgetExceeded) || o.cfg.ExceededPolicy != PolicyFreeRetry {
			return nil, err
		}
		zap.L().Info("workflow: reservation denied, retrying with free providers only",
			zap.String("workflow_id", w.WorkflowID),
			zap.String("stage", req.Stage),
		)
		if res, err = o.guard.Reserve(ctx, w.SessionID, 0); err != nil {
			return nil, err
		}
		bc.Ceiling = 0
	}

	out, err := o.router.Route(ctx, req, bc)
	if err != nil {
		var npe *resilience.NoProviderAvailableError
		if !errors.As(err, &npe) {
			o.guard.Release(res)
			return nil, err
		}
		if cerr := o.commit(ctx, w, req, res, npe.Attempts); cerr != nil {
			zap.L().Error("workflow: commit failed attempts", zap.String("workflow_id", w.WorkflowID), zap.Error(cerr))
		}
		return nil, err
	}
	if err := o.commit(ctx, w, req, res, out.Attempts); err != nil {
		return nil, err
	}
	return out, nil
}

// commit settles res with one usage record per billed attempt.
func (o *Orchestrator) commit(ctx context.Context, w *model.WorkflowState, req provider.Request, res *budget.Reservation, attempts []resilience.Attempt) error {
	op := model.OpGeneration
	if req.Kind == provider.KindSearch {
		op = model.OpSearch
	}
	var recs []model.TokenUsageRecord
	for _, a := range attempts {
		if !a.Billed() && a.Outcome != router.OutcomeSuccess {
			continue
		}
		recs = append(recs, model.TokenUsageRecord{
			WorkflowID:   w.WorkflowID,
			Provider:     a.Provider,
			Model:        a.Model,
			Operation:    op,
			InputTokens:  a.Usage.InputTokens,
			OutputTokens: a.Usage.OutputTokens,
			Cost:         cost.USD(a.CostUnits),
		})
	}
	_, err := o.guard.CommitUsage(ctx, res, recs)
	return eris.Wrapf(err, "workflow: commit %s", req.Stage)
}

func stageOutput(stage model.Stage, res *router.Result, v any) (*model.StageOutput, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: encode %s output", stage)
	}
	return &model.StageOutput{
		Stage:         stage,
		Provider:      res.Provider,
		Model:         res.Model,
		FallbackDepth: res.FallbackDepth,
		Output:        raw,
		Cost:          res.TotalCost,
	}, nil
}

// decodeOutput reads a recorded, non-degraded stage output.
func decodeOutput[T any](w *model.WorkflowState, stage model.Stage) (*T, error) {
	out := w.StageOutputs[stage]
	if out == nil || out.Degraded || len(out.Output) == 0 {
		return nil, eris.Errorf("workflow: no %s output", stage)
	}
	var v T
	if err := json.Unmarshal(out.Output, &v); err != nil {
		return nil, eris.Wrapf(err, "workflow: decode %s output", stage)
	}
	return &v, nil
}

func describeTrip(in *model.TripIntent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Destination: %s\n", in.Destination)
	if in.Origin != "" {
		fmt.Fprintf(&b, "Origin: %s\n", in.Origin)
	}
	fmt.Fprintf(&b, "Dates: %s to %s (%d nights)\n",
		in.StartDate.Format("2006-01-02"), in.EndDate.Format("2006-01-02"), in.Nights)
	fmt.Fprintf(&b, "Travelers: %d\nBudget: %s\nPace: %s\n", in.Travelers, in.BudgetLevel, in.Pace)
	if len(in.Interests) > 0 {
		fmt.Fprintf(&b, "Interests: %s\n", strings.Join(in.Interests, ", "))
	}
	if in.Notes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", in.Notes)
	}
	return b.String()
}

func researchRequest(in *model.TripIntent) provider.Request {
	return provider.Request{
		Stage: string(model.StageInfoGather),
		Kind:  provider.KindSearch,
		Task:  "current events, opening hours, seasonal weather and travel advisories",
		Query: fmt.Sprintf("%s travel %s to %s events weather advisories %s",
			in.Destination, in.StartDate.Format("January 2"), in.EndDate.Format("January 2 2006"),
			strings.Join(in.Interests, " ")),
		System:          "Return concise, current facts useful for planning a trip. Cite sources.",
		Prompt:          describeTrip(in),
		MaxOutputTokens: researchMaxTokens,
		Depth:           in.Depth,
	}
}

func planRequest(in *model.TripIntent, notes *Research) provider.Request {
	var b strings.Builder
	b.WriteString(describeTrip(in))
	if notes != nil {
		b.WriteString("\nResearch:\n")
		b.WriteString(notes.Summary)
	} else {
		b.WriteString("\nResearch: unavailable, plan from general knowledge.\n")
	}
	return provider.Request{
		Stage:           string(model.StagePlan),
		Kind:            provider.KindGeneration,
		Class:           provider.ClassDeep,
		Task:            "produce a day by day itinerary skeleton; sequence activities and reconcile constraints",
		System:          "You are a travel planning strategist. Output one section per day with morning, afternoon and evening slots.",
		Prompt:          b.String(),
		MaxOutputTokens: planMaxTokens,
		Depth:           in.Depth,
	}
}

func compileRequest(in *model.TripIntent, notes *Research, pl *plan, gaps []Gap) provider.Request {
	var b strings.Builder
	b.WriteString(describeTrip(in))
	if pl != nil {
		b.WriteString("\nPlan:\n")
		b.WriteString(pl.Skeleton)
	}
	if notes != nil {
		b.WriteString("\nResearch:\n")
		b.WriteString(notes.Summary)
	}
	for _, g := range gaps {
		fmt.Fprintf(&b, "\nMissing %s: %s", g.Stage.Label(), g.Reason)
	}
	return provider.Request{
		Stage:           string(model.StageCompile),
		Kind:            provider.KindGeneration,
		Class:           provider.ClassBalanced,
		Task:            "merge plan and research into the final itinerary",
		System:          "Write the final trip itinerary in Markdown. Mention any missing information plainly.",
		Prompt:          b.String(),
		MaxOutputTokens: compileMaxTokens,
		Depth:           in.Depth,
	}
}
