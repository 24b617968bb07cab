package llmrouter

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements Provider using the official Anthropic Go
// SDK. It is the router's second BestAvailable cloud candidate, adopted
// from the richest LLM-provider dependency surface in the retrieved
// example pack, giving the router a genuinely different
// vision/tool_use/structured_output capability profile to choose between.
type AnthropicProvider struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	caps      Capabilities
}

// AnthropicOption configures an AnthropicProvider.
type AnthropicOption func(*anthropicConfig)

type anthropicConfig struct {
	apiKey    string
	model     anthropic.Model
	maxTokens int64
	timeout   time.Duration
}

func WithAnthropicAPIKey(key string) AnthropicOption {
	return func(c *anthropicConfig) { c.apiKey = key }
}

func WithAnthropicModel(model anthropic.Model) AnthropicOption {
	return func(c *anthropicConfig) { c.model = model }
}

func WithAnthropicMaxTokens(n int64) AnthropicOption {
	return func(c *anthropicConfig) { c.maxTokens = n }
}

func WithAnthropicTimeout(d time.Duration) AnthropicOption {
	return func(c *anthropicConfig) { c.timeout = d }
}

// NewAnthropicProvider creates an AnthropicProvider. It is always a cloud
// (IsLocal=false) candidate: Anthropic's API has no loopback mode, unlike
// the OpenAI-compatible local providers this router also supports.
func NewAnthropicProvider(opts ...AnthropicOption) *AnthropicProvider {
	cfg := anthropicConfig{
		model:     anthropic.Model("claude-sonnet-4-5"),
		maxTokens: 4096,
	}
	for _, o := range opts {
		o(&cfg)
	}

	var clientOpts []option.RequestOption
	if cfg.apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.apiKey))
	}
	if cfg.timeout > 0 {
		clientOpts = append(clientOpts, option.WithRequestTimeout(cfg.timeout))
	}

	return &AnthropicProvider{
		client:    anthropic.NewClient(clientOpts...),
		model:     cfg.model,
		maxTokens: cfg.maxTokens,
		caps: Capabilities{
			MaxContext:       200_000,
			Vision:           true,
			ToolUse:          true,
			StructuredOutput: true,
			IsLocal:          false,
		},
	}
}

func (p *AnthropicProvider) Name() string               { return "anthropic" }
func (p *AnthropicProvider) Capabilities() Capabilities { return p.caps }

// Complete sends a messages request to the Anthropic API. System messages
// are hoisted into the request's top-level System field, matching the
// Anthropic Messages API shape (system is not a message role there).
func (p *AnthropicProvider) Complete(ctx context.Context, messages []Message) (*Response, error) {
	var system string
	var turns []anthropic.MessageParam

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if system != "" {
				system += "\n"
			}
			system += m.Content
		case RoleAssistant:
			turns = append(turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			turns = append(turns, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		Messages:  turns,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}

	var content string
	for _, block := range msg.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &Response{
		Content:          content,
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}, nil
}
