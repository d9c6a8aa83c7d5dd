// Package anthropic provides the Anthropic Claude backend for the provider
// capability interface.
package anthropic

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"researchd/pkg/provider"
)

// Client wraps the Anthropic SDK to implement provider.Client.
type Client struct {
	client anthropic.Client
	model  anthropic.Model
}

// New creates a Claude-backed provider client.
func New(apiKey, model string) *Client {
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

func (c *Client) params(req provider.Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model: c.model,
		Messages: []anthropic.MessageParam{
			{
				Role:    anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(req.Prompt)},
			},
		},
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(float64(req.Temperature)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{
			Text: req.System,
			Type: "text",
		}}
	}
	return params
}

// Generate implements provider.Client.
func (c *Client) Generate(ctx context.Context, req provider.Request) (string, error) {
	resp, err := c.client.Messages.New(ctx, c.params(req))
	if err != nil {
		return "", provider.Classify(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return "", provider.NewError(provider.KindUnavailable, "empty response from Claude API")
	}

	var text string
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}
	if text == "" {
		return "", provider.NewError(provider.KindUnavailable, "no text content in Claude response")
	}
	return text, nil
}

// StreamGenerate implements provider.Client.
func (c *Client) StreamGenerate(ctx context.Context, req provider.Request) (provider.Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	sdkStream := c.client.Messages.NewStreaming(streamCtx, c.params(req))

	items := make(chan provider.StreamItem)
	go func() {
		defer close(items)
		for sdkStream.Next() {
			event := sdkStream.Current()
			if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if textDelta, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && textDelta.Text != "" {
					select {
					case items <- provider.StreamItem{Text: textDelta.Text}:
					case <-streamCtx.Done():
						items <- provider.StreamItem{Err: streamCtx.Err()}
						return
					}
				}
			}
		}
		if err := sdkStream.Err(); err != nil {
			items <- provider.StreamItem{Err: provider.Classify(err)}
		}
	}()

	return provider.NewPullStream(items, cancel), nil
}

// HealthCheck implements provider.Client by listing models, a cheap
// authenticated round-trip.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return provider.Classify(err)
	}
	return nil
}

// ModelName implements provider.Client.
func (c *Client) ModelName() string {
	return string(c.model)
}
