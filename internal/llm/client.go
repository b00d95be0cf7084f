// Package llm provides the LLM client used by semantic merge
// resolution, rebase/cherry-pick resolution, and collapse
// summarization. The client is injected; nothing in the core calls
// the network on its own.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"

	"github.com/tracthq/tract/internal/audit"
)

// ErrAPIKeyRequired is returned when no API key is available.
var ErrAPIKeyRequired = errors.New("API key required")

const defaultMaxRetries = 3

// Client is the minimal completion surface the core depends on.
// Implementations may block on I/O. Resolvers built on a Client run
// inside the storage transaction of the merge, rebase, or cherry-pick
// that calls them; they are not moved outside it.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// AnthropicClient calls the Anthropic Messages API with exponential
// backoff on transient failures.
type AnthropicClient struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	audit     *audit.Logger
	tractID   string
}

// AnthropicOptions configure NewAnthropicClient.
type AnthropicOptions struct {
	// APIKey is overridden by ANTHROPIC_API_KEY when set.
	APIKey    string
	Model     string
	MaxTokens int64
	// Audit, when set, records every call to the interactions log.
	Audit   *audit.Logger
	TractID string
}

// NewAnthropicClient builds a client. The ANTHROPIC_API_KEY
// environment variable takes precedence over the explicit key.
func NewAnthropicClient(opts AnthropicOptions) (*AnthropicClient, error) {
	apiKey := opts.APIKey
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or provide via config", ErrAPIKeyRequired)
	}
	model := opts.Model
	if model == "" {
		model = "claude-3-5-haiku-20241022"
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
		audit:     opts.Audit,
		tractID:   opts.TractID,
	}, nil
}

// Complete sends one user prompt and returns the text response.
func (c *AnthropicClient) Complete(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var text string
	operation := func() error {
		message, err := c.client.Messages.New(ctx, params)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if len(message.Content) == 0 {
			return backoff.Permanent(fmt.Errorf("unexpected response format: no content blocks"))
		}
		block := message.Content[0]
		if block.Type != "text" {
			return backoff.Permanent(fmt.Errorf("unexpected response format: not a text block (type=%s)", block.Type))
		}
		text = block.Text
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), defaultMaxRetries), ctx)
	callErr := backoff.Retry(operation, policy)

	if c.audit != nil {
		// Best-effort: never fail the caller because audit logging failed.
		e := &audit.Entry{
			Kind:     "llm_call",
			TractID:  c.tractID,
			Model:    string(c.model),
			Prompt:   prompt,
			Response: text,
		}
		if callErr != nil {
			e.Error = callErr.Error()
		}
		_, _ = c.audit.Append(e)
	}

	if callErr != nil {
		return "", fmt.Errorf("anthropic call failed: %w", callErr)
	}
	return text, nil
}
