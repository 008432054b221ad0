package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/amon/internal/config"
)

// OpenAIClient streams completions from any OpenAI-compatible endpoint.
type OpenAIClient struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIClient builds a client from provider configuration.
func NewOpenAIClient(cfg config.ProviderConfig) (*OpenAIClient, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set %s", ErrMissingAPIKey, cfg.APIKeyEnv)
	}
	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// GenerateStream implements Client.
func (c *OpenAIClient) GenerateStream(ctx context.Context, messages []Message, model string) (<-chan string, <-chan error) {
	tokens := make(chan string)
	errs := make(chan error, 1)

	request := openai.ChatCompletionRequest{
		Model:  c.resolveModel(model),
		Stream: true,
	}
	for _, msg := range messages {
		request.Messages = append(request.Messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	go func() {
		defer close(tokens)
		defer close(errs)

		stream, err := c.client.CreateChatCompletionStream(ctx, request)
		if err != nil {
			errs <- fmt.Errorf("openai stream: %w", err)
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errs <- fmt.Errorf("openai stream recv: %w", err)
				return
			}
			if len(response.Choices) == 0 {
				continue
			}
			content := response.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			select {
			case tokens <- content:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return tokens, errs
}

func (c *OpenAIClient) resolveModel(model string) string {
	if model != "" {
		return model
	}
	return c.defaultModel
}
