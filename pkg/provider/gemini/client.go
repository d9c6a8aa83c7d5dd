// Package gemini provides the Google Gemini backend for the provider
// capability interface.
package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"researchd/pkg/provider"
)

// Client wraps the Google GenAI SDK to implement provider.Client.
type Client struct {
	client *genai.Client
	model  string
}

// New creates a Gemini-backed provider client.
func New(ctx context.Context, apiKey, model string) (*Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Client{client: client, model: model}, nil
}

func (c *Client) config(req provider.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(req.MaxTokens),
		Temperature:     genai.Ptr(req.Temperature),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	return cfg
}

// Generate implements provider.Client.
func (c *Client) Generate(ctx context.Context, req provider.Request) (string, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(req.Prompt), c.config(req))
	if err != nil {
		return "", provider.Classify(err)
	}
	text := resp.Text()
	if text == "" {
		return "", provider.NewError(provider.KindUnavailable, "empty response from Gemini API")
	}
	return text, nil
}

// StreamGenerate implements provider.Client.
func (c *Client) StreamGenerate(ctx context.Context, req provider.Request) (provider.Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	items := make(chan provider.StreamItem)
	go func() {
		defer close(items)
		for resp, err := range c.client.Models.GenerateContentStream(streamCtx, c.model, genai.Text(req.Prompt), c.config(req)) {
			if err != nil {
				items <- provider.StreamItem{Err: provider.Classify(err)}
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			select {
			case items <- provider.StreamItem{Text: text}:
			case <-streamCtx.Done():
				items <- provider.StreamItem{Err: streamCtx.Err()}
				return
			}
		}
	}()

	return provider.NewPullStream(items, cancel), nil
}

// HealthCheck implements provider.Client with a minimal one-token
// generation, since the GenAI SDK has no lightweight ping.
func (c *Client) HealthCheck(ctx context.Context) error {
	cfg := &genai.GenerateContentConfig{MaxOutputTokens: 1}
	_, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text("ping"), cfg)
	if err != nil {
		return provider.Classify(err)
	}
	return nil
}

// ModelName implements provider.Client.
func (c *Client) ModelName() string {
	return c.model
}
