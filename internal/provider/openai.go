package provider

import (
	"context"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/sells-group/trip-planner/internal/cost"
	"github.com/sells-group/trip-planner/internal/resilience"
)

// OpenAI serves generation requests through langchaingo's OpenAI model.
type OpenAI struct {
	name  string
	class Class
	model string
	llm   llms.Model
}

// NewOpenAI builds an OpenAI-backed provider. baseURL may be empty.
func NewOpenAI(name string, class Class, model, apiKey, baseURL string) (*OpenAI, error) {
	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, resilience.NewProviderError(name, "init client", err)
	}
	return NewOpenAIWithModel(name, class, model, client), nil
}

// NewOpenAIWithModel wraps any langchaingo model.
func NewOpenAIWithModel(name string, class Class, model string, m llms.Model) *OpenAI {
	return &OpenAI{name: name, class: class, model: model, llm: m}
}

func (o *OpenAI) Name() string  { return o.name }
func (o *OpenAI) Kind() Kind    { return KindGeneration }
func (o *OpenAI) Class() Class  { return o.class }
func (o *OpenAI) Model() string { return o.model }

// Call sends the system and user prompts as a two-message chat.
func (o *OpenAI) Call(ctx context.Context, req Request) (*Response, error) {
	var msgs []llms.MessageContent
	if req.System != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}

	resp, err := o.llm.GenerateContent(ctx, msgs,
		llms.WithModel(o.model),
		llms.WithMaxTokens(maxTokens),
	)
	if err != nil {
		return nil, resilience.NewProviderError(o.name, "request failed", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, resilience.NewProviderError(o.name, "empty payload", nil)
	}

	choice := resp.Choices[0]
	usage := cost.Usage{
		InputTokens:  intInfo(choice.GenerationInfo, "PromptTokens"),
		OutputTokens: intInfo(choice.GenerationInfo, "CompletionTokens"),
	}
	text := strings.TrimSpace(choice.Content)
	if text == "" {
		pe := resilience.NewProviderError(o.name, "empty payload", nil)
		pe.Usage = usage
		return nil, pe
	}
	return &Response{Text: text, Model: o.model, Usage: usage}, nil
}

func intInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
