// Package openai provides the OpenAI backend for the provider capability
// interface.
package openai

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"researchd/pkg/provider"
)

// Client wraps the OpenAI SDK to implement provider.Client.
type Client struct {
	client openai.Client
	model  openai.ChatModel
}

// New creates an OpenAI-backed provider client.
func New(apiKey, model string) *Client {
	return &Client{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  openai.ChatModel(model),
	}
}

func (c *Client) params(req provider.Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	return openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   openai.Int(int64(req.MaxTokens)),
		Temperature: openai.Float(float64(req.Temperature)),
	}
}

// Generate implements provider.Client.
func (c *Client) Generate(ctx context.Context, req provider.Request) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.params(req))
	if err != nil {
		return "", provider.Classify(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", provider.NewError(provider.KindUnavailable, "empty response from OpenAI API")
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", provider.NewError(provider.KindUnavailable, "no text content in OpenAI response")
	}
	return content, nil
}

// StreamGenerate implements provider.Client.
func (c *Client) StreamGenerate(ctx context.Context, req provider.Request) (provider.Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	sdkStream := c.client.Chat.Completions.NewStreaming(streamCtx, c.params(req))

	items := make(chan provider.StreamItem)
	go func() {
		defer close(items)
		for sdkStream.Next() {
			chunk := sdkStream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			text := chunk.Choices[0].Delta.Content
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
		if err := sdkStream.Err(); err != nil {
			items <- provider.StreamItem{Err: provider.Classify(err)}
		}
	}()

	return provider.NewPullStream(items, cancel), nil
}

// HealthCheck implements provider.Client by listing models.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.client.Models.List(ctx)
	if err != nil {
		return provider.Classify(err)
	}
	return nil
}

// ModelName implements provider.Client.
func (c *Client) ModelName() string {
	return string(c.model)
}
