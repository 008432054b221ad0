// Package llm defines the streaming LLM client contract used by the TaskGraph
// runtime and the provider adapters that implement it. The runtime only ever
// sees this interface; provider transports stay behind it.
package llm

import (
	"context"
	"strings"

	"github.com/haasonsaas/amon/internal/config"
)

// Message is one chat message in provider-neutral form.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Roles used when assembling node messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Client streams completion tokens for a message batch. Implementations close
// the token channel when generation finishes; a terminal failure is delivered
// on the error channel (buffered, at most one).
type Client interface {
	GenerateStream(ctx context.Context, messages []Message, model string) (<-chan string, <-chan error)
}

// ClientFunc adapts a function to a Client.
type ClientFunc func(ctx context.Context, messages []Message, model string) (<-chan string, <-chan error)

// GenerateStream implements Client.
func (f ClientFunc) GenerateStream(ctx context.Context, messages []Message, model string) (<-chan string, <-chan error) {
	return f(ctx, messages, model)
}

// Collect consumes a client's stream and returns the concatenated text.
func Collect(ctx context.Context, client Client, messages []Message, model string) (string, error) {
	tokens, errs := client.GenerateStream(ctx, messages, model)
	var out strings.Builder
	for token := range tokens {
		out.WriteString(token)
	}
	select {
	case err := <-errs:
		if err != nil {
			return "", err
		}
	default:
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return out.String(), nil
}

// StaticClient replays fixed responses in order, one per call. It backs tests
// and dry runs.
type StaticClient struct {
	Responses []string
	calls     int
}

// GenerateStream implements Client.
func (c *StaticClient) GenerateStream(ctx context.Context, messages []Message, model string) (<-chan string, <-chan error) {
	tokens := make(chan string, 1)
	errs := make(chan error, 1)
	response := ""
	if c.calls < len(c.Responses) {
		response = c.Responses[c.calls]
	}
	c.calls++
	tokens <- response
	close(tokens)
	close(errs)
	return tokens, errs
}

// Build constructs the configured provider client.
func Build(cfg config.Config) (Client, error) {
	name := cfg.Provider
	provider, ok := cfg.Providers[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	switch provider.Type {
	case "anthropic":
		return NewAnthropicClient(provider)
	case "openai_compatible":
		return NewOpenAIClient(provider)
	default:
		return nil, ErrUnknownProvider
	}
}
