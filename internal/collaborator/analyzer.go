// Package collaborator adapts the AI image-analysis service. It sends a
// chat-completions request with the product image and checks that the model
// answered with the expected listing attributes.
package collaborator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
	openai "github.com/sashabaranov/go-openai"
	"github.com/xeipuuv/gojsonschema"
)

const systemPrompt = `You are an AI SEO assistant for e-commerce listings.
You look at product photos and generate SEO-optimized data for Etsy, Amazon and Shopify.
Focus on materials, style, color, category, and purpose.
Respond ONLY in valid JSON format with:
{
  "title": "short optimized product title",
  "seo_keywords": ["keyword1", "keyword2", "keyword3"],
  "etsy_tags": ["tag1", "tag2", "tag3"],
  "description": "1-2 sentences product description."
}`

const outputSchema = `{
  "type": "object",
  "required": ["title", "seo_keywords", "etsy_tags", "description"],
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "seo_keywords": {"type": "array", "items": {"type": "string"}},
    "etsy_tags": {"type": "array", "items": {"type": "string"}},
    "description": {"type": "string"}
  }
}`

var outputSchemaLoader = gojsonschema.NewStringLoader(outputSchema)

// ErrMalformedOutput is returned when the model reply does not match the attribute schema
var ErrMalformedOutput = errors.New("analysis output does not match schema")

// Config holds client settings
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client calls a chat-completions endpoint
type Client struct {
	api    *openai.Client
	model  string
	logger *slog.Logger
}

// NewClient creates a Client
func NewClient(cfg *Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	apiCfg.HTTPClient = &http.Client{Timeout: timeout}

	return &Client{
		api:    openai.NewClientWithConfig(apiCfg),
		model:  model,
		logger: cfg.Logger,
	}
}

// Analyze returns the structured listing attributes for the job's image and text
func (c *Client) Analyze(ctx context.Context, payload domain.JobPayload) (json.RawMessage, error) {
	started := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, c.buildRequest(payload))
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", ErrMalformedOutput)
	}

	output := []byte(resp.Choices[0].Message.Content)
	if err := validateOutput(output); err != nil {
		return nil, err
	}

	c.logger.Debug("Image analyzed",
		slog.String("image_url", payload.ImageURL),
		slog.String("model", resp.Model),
		slog.Int("total_tokens", resp.Usage.TotalTokens),
		slog.Duration("elapsed", time.Since(started)),
	)

	return json.RawMessage(output), nil
}

// classify maps a client error to the retry taxonomy. Rate limits, server
// errors and transport failures are transient; any other status is a rejection.
func classify(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	if status == 0 || status == http.StatusTooManyRequests || status >= 500 {
		return domain.NewUpstreamError(fmt.Errorf("analysis request failed: %w", err))
	}
	return fmt.Errorf("%w: analysis service returned %d: %v", domain.ErrRejected, status, err)
}

func (c *Client) buildRequest(payload domain.JobPayload) openai.ChatCompletionRequest {
	prompt := "Analyze this product image and create SEO metadata."
	if payload.Title != "" {
		prompt += "\nSeller title: " + payload.Title
	}
	if payload.Description != "" {
		prompt += "\nSeller description: " + payload.Description
	}
	if payload.Channel != "" && payload.Channel != domain.DefaultChannel {
		prompt += "\nTarget marketplace: " + payload.Channel
	}
	if payload.Lang != "" && payload.Lang != domain.DefaultLang {
		prompt += "\nWrite the output in language: " + payload.Lang
	}

	return openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: prompt},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
					URL:    payload.ImageURL,
					Detail: openai.ImageURLDetailAuto,
				}},
			}},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
}

func validateOutput(output []byte) error {
	result, err := gojsonschema.Validate(outputSchemaLoader, gojsonschema.NewBytesLoader(output))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("%w: %s", ErrMalformedOutput, strings.Join(problems, "; "))
	}
	return nil
}
