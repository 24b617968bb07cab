package llmrouter

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIProvider implements Provider using the official OpenAI Go SDK. The
// same type backs two distinct ProviderCapabilities entries in the
// router's candidate list: a cloud OpenAI provider (IsLocal=false) and a
// local OpenAI-compatible provider pointed at a loopback base URL
// (IsLocal=true), per spec.md §6 "Local providers are assumed on a
// loopback address".
type OpenAIProvider struct {
	client  openai.Client
	model   string
	name    string
	isLocal bool
	caps    Capabilities
}

// OpenAIOption configures an OpenAIProvider.
type OpenAIOption func(*openaiConfig)

type openaiConfig struct {
	model   string
	apiKey  string
	baseURL string
	timeout time.Duration
	name    string
	isLocal bool
	caps    Capabilities
}

func WithModel(model string) OpenAIOption { return func(c *openaiConfig) { c.model = model } }
func WithAPIKey(key string) OpenAIOption  { return func(c *openaiConfig) { c.apiKey = key } }
func WithBaseURL(url string) OpenAIOption { return func(c *openaiConfig) { c.baseURL = url } }
func WithTimeout(d time.Duration) OpenAIOption {
	return func(c *openaiConfig) { c.timeout = d }
}
func WithName(name string) OpenAIOption { return func(c *openaiConfig) { c.name = name } }

// WithLocal marks the provider as local (is_local=true in routing
// decisions) so the PII filter is not required before it sees a prompt.
func WithLocal() OpenAIOption { return func(c *openaiConfig) { c.isLocal = true } }

// WithCapabilities sets the capability flags reported to the router.
// IsLocal is taken from WithLocal/default rather than from this call.
func WithCapabilities(caps Capabilities) OpenAIOption {
	return func(c *openaiConfig) { c.caps = caps }
}

// NewOpenAIProvider creates an OpenAIProvider. A loopback BaseURL plus
// WithLocal() produces the router's local candidate; omitting both
// produces a cloud candidate authenticated against the real OpenAI API.
func NewOpenAIProvider(opts ...OpenAIOption) *OpenAIProvider {
	cfg := openaiConfig{
		model: "gpt-4o",
		name:  "openai",
		caps:  Capabilities{MaxContext: 128_000, ToolUse: true, StructuredOutput: true},
	}
	for _, o := range opts {
		o(&cfg)
	}

	var clientOpts []option.RequestOption
	if cfg.apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.apiKey))
	}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		clientOpts = append(clientOpts, option.WithRequestTimeout(cfg.timeout))
	}

	caps := cfg.caps
	caps.IsLocal = cfg.isLocal

	return &OpenAIProvider{
		client:  openai.NewClient(clientOpts...),
		model:   cfg.model,
		name:    cfg.name,
		isLocal: cfg.isLocal,
		caps:    caps,
	}
}

func (p *OpenAIProvider) Name() string               { return p.name }
func (p *OpenAIProvider) Capabilities() Capabilities { return p.caps }

// Complete sends a chat completion request to the configured endpoint
// (cloud OpenAI or a loopback-local OpenAI-compatible server) and returns
// the response content with token usage metadata.
func (p *OpenAIProvider) Complete(ctx context.Context, messages []Message) (*Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: toOpenAIMessages(messages),
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	return &Response{
		Content:          completion.Choices[0].Message.Content,
		PromptTokens:     int(completion.Usage.PromptTokens),
		CompletionTokens: int(completion.Usage.CompletionTokens),
	}, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, len(msgs))
	for i, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out[i] = openai.SystemMessage(m.Content)
		case RoleAssistant:
			out[i] = openai.AssistantMessage(m.Content)
		default:
			out[i] = openai.UserMessage(m.Content)
		}
	}
	return out
}
