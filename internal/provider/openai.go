package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const defaultGrokBaseURL = "https://api.x.ai/v1"

// GrokProvider is the tier-2 provider: xAI Grok through its OpenAI-compatible
// API (openai-go with an overridden base URL).
type GrokProvider struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// NewGrokProvider builds the Grok provider. baseURL may be empty to use the
// xAI default; timeout <= 0 means 30s.
func NewGrokProvider(apiKey, baseURL, model string, timeout time.Duration) *GrokProvider {
	if baseURL == "" {
		baseURL = defaultGrokBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GrokProvider{
		client:  openai.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(baseURL)),
		model:   model,
		timeout: timeout,
	}
}

func (p *GrokProvider) Name() string { return "grok" }

func (p *GrokProvider) Analyze(ctx context.Context, in Input) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(buildUserMessage(in)),
		},
		MaxCompletionTokens: openai.Int(1024),
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("grok completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Verdict{}, fmt.Errorf("grok completion: empty response")
	}

	return parseVerdict(resp.Choices[0].Message.Content, p.model)
}
