// Package anthropic adapts the Anthropic Messages API to the vision.Describer
// contract.
package anthropic

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shelbyklein/targetvision-sub000/internal/ratelimit"
	"github.com/shelbyklein/targetvision-sub000/vision"
)

const (
	defaultEndpoint       = "https://api.anthropic.com/v1/messages"
	defaultModelsEndpoint = "https://api.anthropic.com/v1/models"
	apiVersion            = "2023-06-01"
	maxTokens             = 1024
)

type request struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string  `json:"role"`
	Content []block `json:"content"`
}

type block struct {
	Type   string  `json:"type"`
	Text   string  `json:"text,omitempty"`
	Source *source `json:"source,omitempty"`
}

type source struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type response struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type Client struct {
	apiKey         string
	model          string
	endpoint       string
	modelsEndpoint string

	client *http.Client
	rl     *ratelimit.Limiter
}

var _ vision.Describer = &Client{}

func Init(apiKey, model string, ratePerMinute int, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		apiKey:         apiKey,
		model:          model,
		endpoint:       defaultEndpoint,
		modelsEndpoint: defaultModelsEndpoint,
		client:         httpClient,
		rl:             ratelimit.New(ratePerMinute, time.Minute),
	}
}

func (c *Client) Name() string { return "anthropic" }

func (c *Client) Model() string { return c.model }

// Healthy reports whether the API accepts the configured key, by listing
// models. A missing key fails without a request.
func (c *Client) Healthy(ctx context.Context) bool {
	if c.apiKey == "" {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.modelsEndpoint, nil)
	if err != nil {
		return false
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Describe sends the image as a base64 block alongside the prompt and returns
// the first text block of the reply. The image is expected to be a JPEG.
func (c *Client) Describe(ctx context.Context, image []byte, prompt string) (string, error) {
	if err := c.rl.Acquire(ctx); err != nil {
		return "", err
	}

	body := request{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages: []message{
			{
				Role: "user",
				Content: []block{
					{
						Type: "image",
						Source: &source{
							Type:      "base64",
							MediaType: "image/jpeg",
							Data:      base64.StdEncoding.EncodeToString(image),
						},
					},
					{Type: "text", Text: prompt},
				},
			},
		},
	}

	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&body); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("anthropic: %v: %w", err, vision.ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("anthropic: status %d: %w", resp.StatusCode, vision.ClassifyStatus(resp.StatusCode))
	}

	var rb response
	if err := json.NewDecoder(resp.Body).Decode(&rb); err != nil {
		return "", fmt.Errorf("anthropic: decoding reply: %w", vision.ErrInvalidResponse)
	}
	if len(rb.Content) == 0 || rb.Content[0].Text == "" {
		return "", fmt.Errorf("anthropic: reply has no text content: %w", vision.ErrInvalidResponse)
	}

	return rb.Content[0].Text, nil
}
