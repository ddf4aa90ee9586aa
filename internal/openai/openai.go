// Package openai adapts the OpenAI chat completions API to the
// vision.Describer contract.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	oagc "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/shelbyklein/targetvision-sub000/internal/ratelimit"
	"github.com/shelbyklein/targetvision-sub000/vision"
)

const maxTokens = 1024

type Client struct {
	oac   *oagc.Client
	model string
	rl    *ratelimit.Limiter
}

var _ vision.Describer = &Client{}

func Init(apiKey, model string, ratePerMinute int, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		oac: oagc.NewClient(
			option.WithAPIKey(apiKey),
			option.WithHTTPClient(httpClient),
			// Retries are the caller's retry policy, not the SDK's.
			option.WithMaxRetries(0),
		),
		model: model,
		rl:    ratelimit.New(ratePerMinute, time.Minute),
	}
}

func (c *Client) Name() string { return "openai" }

func (c *Client) Model() string { return c.model }

// Healthy reports whether the API accepts the configured key, by listing
// models.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.oac.Models.List(ctx)
	return err == nil
}

// Describe sends the image as a data URL part alongside the prompt and
// returns the completion text. The image is expected to be a JPEG.
func (c *Client) Describe(ctx context.Context, image []byte, prompt string) (string, error) {
	if err := c.rl.Acquire(ctx); err != nil {
		return "", err
	}

	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)
	params := oagc.ChatCompletionNewParams{
		Model: oagc.F(oagc.ChatModel(c.model)),
		Messages: oagc.F([]oagc.ChatCompletionMessageParamUnion{
			oagc.UserMessageParts(
				oagc.TextPart(prompt),
				oagc.ImagePart(dataURL),
			),
		}),
		MaxTokens: oagc.Int(maxTokens),
	}

	resp, err := c.oac.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("openai: completion has no content: %w", vision.ErrInvalidResponse)
	}

	return resp.Choices[0].Message.Content, nil
}

// classify maps SDK errors onto the vision error taxonomy. Transport errors
// without an API status count as transient.
func classify(err error) error {
	var apierr *oagc.Error
	if errors.As(err, &apierr) {
		return fmt.Errorf("openai: %v: %w", err, vision.ClassifyStatus(apierr.StatusCode))
	}
	return fmt.Errorf("openai: %v: %w", err, vision.ErrUnavailable)
}
