package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/koscakluka/ema-surgery/core/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/genai"
)

const defaultModel = "gemini-2.5-flash"

// Client is an llms.Engine backed by the Gemini API. It is the hosted
// fallback for deployments without a local vision-language model.
type Client struct {
	client *genai.Client
	model  string
}

func NewClient(ctx context.Context, apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = defaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &Client{client: client, model: model}, nil
}

func (c *Client) Model() string { return c.model }

func (c *Client) Prompt(ctx context.Context, prompt string, opts ...llms.PromptOption) (*llms.Response, error) {
	ctx, span := tracer.Start(ctx, "prompt gemini")
	defer span.End()

	options := llms.NewPromptOptions(opts...)
	span.SetAttributes(
		attribute.String("request.model", c.model),
		attribute.Bool("request.has_image", options.Image != nil),
	)

	resp, err := c.client.Models.GenerateContent(ctx, c.model, toContents(prompt, options), toConfig(options))
	if err != nil {
		err = fmt.Errorf("failed to generate content: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	content := strings.TrimSpace(resp.Text())
	if content == "" {
		span.SetStatus(codes.Error, llms.ErrEmptyResponse.Error())
		return nil, llms.ErrEmptyResponse
	}
	return &llms.Response{Content: content}, nil
}

func toContents(prompt string, options llms.PromptOptions) []*genai.Content {
	contents := make([]*genai.Content, 0, len(options.Turns)+1)
	for _, turn := range options.Turns {
		var role genai.Role = genai.RoleUser
		if turn.Role == llms.MessageRoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Content, role))
	}

	parts := []*genai.Part{genai.NewPartFromText(prompt)}
	if options.Image != nil {
		parts = append(parts, genai.NewPartFromBytes(options.Image.Data, options.Image.MIMEType))
	}
	return append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
}

func toConfig(options llms.PromptOptions) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if options.Instructions != "" {
		config.SystemInstruction = genai.NewContentFromText(options.Instructions, genai.RoleUser)
	}
	if options.Temperature != nil {
		temperature := float32(*options.Temperature)
		config.Temperature = &temperature
	}
	if options.MaxTokens > 0 {
		config.MaxOutputTokens = int32(options.MaxTokens)
	}
	if options.Schema != nil {
		config.ResponseMIMEType = "application/json"
	}
	return config
}
