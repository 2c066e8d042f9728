package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/koscakluka/ema-surgery/core/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func (c *Client) Prompt(ctx context.Context, prompt string, opts ...llms.PromptOption) (*llms.Response, error) {
	ctx, span := tracer.Start(ctx, "prompt llm")
	defer span.End()

	options := llms.NewPromptOptions(opts...)

	reqBody := requestBody{
		Model:       c.model,
		Messages:    toMessages(prompt, options),
		Temperature: options.Temperature,
	}
	if options.MaxTokens > 0 {
		reqBody.MaxTokens = &options.MaxTokens
	}
	if options.Schema != nil {
		reqBody.ResponseFormat = &responseFormat{
			Type: "json_schema",
			JSONSchema: &responseFormatSchema{
				Name:   options.SchemaName,
				Schema: *options.Schema,
			},
		}
	}

	span.SetAttributes(
		attribute.String("request.model", c.model),
		attribute.Bool("request.has_image", options.Image != nil),
	)

	requestBodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("error marshalling JSON: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewBuffer(requestBodyBytes))
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("error creating HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, recordErr(span, fmt.Errorf("error sending request: %w", err))
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		if errorBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil {
			span.SetAttributes(attribute.String("response.error", string(errorBody)))
		}
		return nil, recordErr(span, fmt.Errorf("non-OK HTTP status: %s", resp.Status))
	}

	var responseBody responseBody
	if err := json.NewDecoder(resp.Body).Decode(&responseBody); err != nil {
		return nil, recordErr(span, fmt.Errorf("error unmarshalling response body: %w", err))
	}
	if len(responseBody.Choices) == 0 {
		return nil, recordErr(span, llms.ErrEmptyResponse)
	}

	content := strings.TrimSpace(responseBody.Choices[0].Message.Content)
	if content == "" {
		return nil, recordErr(span, llms.ErrEmptyResponse)
	}
	if responseBody.Usage != nil {
		span.SetAttributes(
			attribute.Int("response.prompt_tokens", responseBody.Usage.PromptTokens),
			attribute.Int("response.completion_tokens", responseBody.Usage.CompletionTokens),
		)
	}

	return &llms.Response{Content: content}, nil
}

func recordErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	logger.Warn("llm request failed", "error", err)
	return err
}

type requestBody struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string                `json:"type"`
	JSONSchema *responseFormatSchema `json:"json_schema,omitempty"`
}

type responseFormatSchema struct {
	Name   string            `json:"name"`
	Schema jsonschema.Schema `json:"schema"`
}

type responseBody struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content,omitempty"`
		} `json:"message"`
		FinishReason *string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
