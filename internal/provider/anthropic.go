package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ClaudeProvider covers tiers 3 and 4: Anthropic Claude via the official SDK.
// The mid tier and deep tier differ only in model and system prompt.
type ClaudeProvider struct {
	client  anthropic.Client
	model   string
	name    string
	deep    bool
	timeout time.Duration
}

// NewClaudeProvider builds a Claude-backed provider. deep selects the
// deep-analysis system prompt (tier 4). timeout <= 0 means 60s.
func NewClaudeProvider(apiKey, model, name string, deep bool, timeout time.Duration) *ClaudeProvider {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ClaudeProvider{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		name:    name,
		deep:    deep,
		timeout: timeout,
	}
}

func (p *ClaudeProvider) Name() string { return p.name }

func (p *ClaudeProvider) Analyze(ctx context.Context, in Input) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	system := systemPrompt
	if p.deep {
		system = deepSystemPrompt
	}

	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: 1024,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildUserMessage(in))),
		},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("claude message: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return Verdict{}, fmt.Errorf("claude message: no text content")
	}

	return parseVerdict(text.String(), p.model)
}
