package llm

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/amon/internal/config"
)

// Provider construction errors.
var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrMissingAPIKey   = errors.New("provider API key not configured")
)

const defaultAnthropicMaxTokens = 4096

// AnthropicClient streams completions through the official Anthropic SDK.
type AnthropicClient struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicClient builds a client from provider configuration. The API key
// is read from the configured environment variable.
func NewAnthropicClient(cfg config.ProviderConfig) (*AnthropicClient, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set %s", ErrMissingAPIKey, cfg.APIKeyEnv)
	}
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{
		client:       anthropic.NewClient(options...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// GenerateStream implements Client.
func (c *AnthropicClient) GenerateStream(ctx context.Context, messages []Message, model string) (<-chan string, <-chan error) {
	tokens := make(chan string)
	errs := make(chan error, 1)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.resolveModel(model)),
		MaxTokens: defaultAnthropicMaxTokens,
	}
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Type: "text", Text: msg.Content})
		case RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	go func() {
		defer close(tokens)
		defer close(errs)

		stream := c.client.Messages.NewStreaming(ctx, params)
		for stream.Next() {
			event := stream.Current()
			if event.Type != "content_block_delta" {
				continue
			}
			delta := event.AsContentBlockDelta().Delta
			if delta.Type != "text_delta" || delta.Text == "" {
				continue
			}
			select {
			case tokens <- delta.Text:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if err := stream.Err(); err != nil {
			errs <- fmt.Errorf("anthropic stream: %w", err)
		}
	}()

	return tokens, errs
}

func (c *AnthropicClient) resolveModel(model string) string {
	if model != "" {
		return model
	}
	return c.defaultModel
}
