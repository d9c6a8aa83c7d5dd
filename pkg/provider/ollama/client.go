// Package ollama provides the local Ollama backend for the provider
// capability interface.
package ollama

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"researchd/pkg/provider"
)

// Client wraps the Ollama API client to implement provider.Client.
type Client struct {
	client *api.Client
	model  string
}

// New creates an Ollama-backed provider client. hostURL is the Ollama server
// base URL, e.g. http://localhost:11434.
func New(hostURL, model string) *Client {
	parsed, err := url.Parse(hostURL)
	if err != nil {
		parsed, _ = url.Parse("http://localhost:11434")
	}
	return &Client{
		client: api.NewClient(parsed, http.DefaultClient),
		model:  model,
	}
}

func (c *Client) request(req provider.Request, stream bool) *api.ChatRequest {
	messages := make([]api.Message, 0, 2)
	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}
	messages = append(messages, api.Message{Role: "user", Content: req.Prompt})

	return &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": req.Temperature,
			"num_predict": req.MaxTokens,
		},
	}
}

// Generate implements provider.Client.
func (c *Client) Generate(ctx context.Context, req provider.Request) (string, error) {
	var content string
	err := c.client.Chat(ctx, c.request(req, false), func(resp api.ChatResponse) error {
		content = resp.Message.Content
		return nil
	})
	if err != nil {
		return "", provider.Classify(err)
	}
	if content == "" {
		return "", provider.NewError(provider.KindUnavailable, "empty response from Ollama")
	}
	return content, nil
}

// StreamGenerate implements provider.Client. Ollama's callback-driven
// streaming is adapted to the pull-based stream.
func (c *Client) StreamGenerate(ctx context.Context, req provider.Request) (provider.Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	items := make(chan provider.StreamItem)
	go func() {
		defer close(items)
		err := c.client.Chat(streamCtx, c.request(req, true), func(resp api.ChatResponse) error {
			if resp.Message.Content == "" {
				return nil
			}
			select {
			case items <- provider.StreamItem{Text: resp.Message.Content}:
				return nil
			case <-streamCtx.Done():
				return streamCtx.Err()
			}
		})
		if err != nil {
			items <- provider.StreamItem{Err: provider.Classify(err)}
		}
	}()

	return provider.NewPullStream(items, cancel), nil
}

// HealthCheck implements provider.Client using the server heartbeat.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.client.Heartbeat(ctx); err != nil {
		return provider.Classify(err)
	}
	return nil
}

// ModelName implements provider.Client.
func (c *Client) ModelName() string {
	return c.model
}
