package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sells-group/trip-planner/internal/cost"
	"github.com/sells-group/trip-planner/internal/resilience"
	"github.com/sells-group/trip-planner/pkg/jina"
)

const (
	jinaMaxResults  = 8
	jinaSnippetSize = 600
)

// JinaSearch answers search requests with raw web results.
type JinaSearch struct {
	name   string
	class  Class
	client jina.Client
}

// NewJinaSearch wraps client as a search provider.
func NewJinaSearch(name string, class Class, client jina.Client) *JinaSearch {
	return &JinaSearch{name: name, class: class, client: client}
}

func (j *JinaSearch) Name() string  { return j.name }
func (j *JinaSearch) Kind() Kind    { return KindSearch }
func (j *JinaSearch) Class() Class  { return j.class }
func (j *JinaSearch) Model() string { return "jina-search" }

// Call runs the request's query and flattens the top results into text.
func (j *JinaSearch) Call(ctx context.Context, req Request) (*Response, error) {
	query := req.Query
	if query == "" {
		query = req.Task
	}
	if query == "" {
		return nil, resilience.NewProviderError(j.name, "empty query", nil)
	}

	resp, err := j.client.Search(ctx, query)
	if err != nil {
		pe := resilience.NewProviderError(j.name, "request failed", err)
		var se *jina.StatusError
		if errors.As(err, &se) {
			pe.Reason = "bad status"
			pe.StatusCode = se.StatusCode
		}
		return nil, pe
	}
	usage := cost.Usage{InputTokens: resp.Tokens(), Queries: 1}
	if len(resp.Data) == 0 {
		pe := resilience.NewProviderError(j.name, "empty payload", nil)
		pe.Usage = usage
		return nil, pe
	}

	var b strings.Builder
	cites := make([]string, 0, jinaMaxResults)
	for i, d := range resp.Data {
		if i == jinaMaxResults {
			break
		}
		snippet := d.Description
		if snippet == "" {
			snippet = d.Content
		}
		if len(snippet) > jinaSnippetSize {
			snippet = snippet[:jinaSnippetSize]
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", d.Title, d.URL, strings.TrimSpace(snippet))
		cites = append(cites, d.URL)
	}

	return &Response{
		Text:      strings.TrimSpace(b.String()),
		Model:     j.Model(),
		Citations: cites,
		Usage:     usage,
	}, nil
}
