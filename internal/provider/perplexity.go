package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/sells-group/trip-planner/internal/cost"
	"github.com/sells-group/trip-planner/internal/resilience"
	"github.com/sells-group/trip-planner/pkg/perplexity"
)

// Perplexity answers search requests with a grounded completion.
type Perplexity struct {
	name   string
	class  Class
	model  string
	client perplexity.Client
}

// NewPerplexity wraps client as a search provider.
func NewPerplexity(name string, class Class, model string, client perplexity.Client) *Perplexity {
	return &Perplexity{name: name, class: class, model: model, client: client}
}

func (p *Perplexity) Name() string  { return p.name }
func (p *Perplexity) Kind() Kind    { return KindSearch }
func (p *Perplexity) Class() Class  { return p.class }
func (p *Perplexity) Model() string { return p.model }

// Call asks the search model the request's query, falling back to the prompt.
func (p *Perplexity) Call(ctx context.Context, req Request) (*Response, error) {
	question := req.Prompt
	if question == "" {
		question = req.Query
	}
	msgs := []perplexity.Message{}
	if req.System != "" {
		msgs = append(msgs, perplexity.Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, perplexity.Message{Role: "user", Content: question})

	cr := perplexity.ChatCompletionRequest{
		Model:               p.model,
		Messages:            msgs,
		SearchRecencyFilter: "month",
	}
	if req.MaxOutputTokens > 0 {
		n := req.MaxOutputTokens
		cr.MaxTokens = &n
	}

	resp, err := p.client.ChatCompletion(ctx, cr)
	if err != nil {
		pe := resilience.NewProviderError(p.name, "request failed", err)
		var se *perplexity.StatusError
		if errors.As(err, &se) {
			pe.Reason = "bad status"
			pe.StatusCode = se.StatusCode
		}
		return nil, pe
	}

	usage := cost.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Queries:      1,
	}
	text := strings.TrimSpace(resp.Content())
	if text == "" {
		pe := resilience.NewProviderError(p.name, "empty payload", nil)
		pe.Usage = usage
		return nil, pe
	}
	return &Response{
		Text:      text,
		Model:     p.model,
		Citations: resp.Citations,
		Usage:     usage,
	}, nil
}
