package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/sells-group/trip-planner/internal/cost"
	"github.com/sells-group/trip-planner/internal/resilience"
	"github.com/sells-group/trip-planner/pkg/anthropic"
)

const defaultMaxOutputTokens = 2048

// Anthropic serves generation requests from one Claude model.
type Anthropic struct {
	name   string
	class  Class
	model  string
	client anthropic.Client
}

// NewAnthropic wraps client as a generation provider for model.
func NewAnthropic(name string, class Class, model string, client anthropic.Client) *Anthropic {
	return &Anthropic{name: name, class: class, model: model, client: client}
}

func (a *Anthropic) Name() string  { return a.name }
func (a *Anthropic) Kind() Kind    { return KindGeneration }
func (a *Anthropic) Class() Class  { return a.class }
func (a *Anthropic) Model() string { return a.model }

// Call sends the prompt as a single user turn.
func (a *Anthropic) Call(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}

	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     a.model,
		MaxTokens: int64(maxTokens),
		System:    req.System,
		Messages:  []anthropic.Message{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		pe := resilience.NewProviderError(a.name, "request failed", err)
		var apiErr *anthropic.APIError
		if errors.As(err, &apiErr) {
			pe.Reason = "bad status"
			pe.StatusCode = apiErr.StatusCode
		}
		return nil, pe
	}

	usage := cost.Usage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		pe := resilience.NewProviderError(a.name, "empty payload", nil)
		pe.Usage = usage
		return nil, pe
	}
	return &Response{Text: text, Model: a.model, Usage: usage}, nil
}
