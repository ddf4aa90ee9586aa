// Package vision defines the contract for vision-language providers that turn
// an image and a prompt into descriptive text.
package vision

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrUnavailable marks transient provider failures: rate limiting,
	// timeouts, 5xx responses, transport errors. Retried per RetryPolicy.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrAuth marks credential failures. Never retried.
	ErrAuth = errors.New("provider authentication failed")

	// ErrInvalidResponse marks a provider reply missing the structure the
	// adapter requires. Not retried.
	ErrInvalidResponse = errors.New("provider response invalid")
)

// DefaultPrompt asks for the strict JSON shape the interpreter expects.
// Providers drift from it often enough that the interpreter repairs rather
// than trusts.
const DefaultPrompt = `Describe this photo for a searchable archive. Respond with a single JSON object in the form {"description": "...", "keywords": ["...", "..."]} where description is one to three sentences and keywords is 5-10 short lowercase terms. Respond with the JSON object only, no prose and no markdown.`

// Describer describes an image using a specific vision-language provider.
type Describer interface {
	// Name returns the provider name, e.g. "anthropic" or "openai".
	Name() string

	// Model returns the model identifier requests are made against.
	Model() string

	// Describe returns generated text for the provided image, which should
	// be the full contents of a JPEG file including the header. The provided
	// ctx is the parent context for the request to the provider.
	Describe(ctx context.Context, image []byte, prompt string) (string, error)

	// Healthy reports whether the provider is reachable and usable.
	Healthy(ctx context.Context) bool
}

// ClassifyStatus maps a provider HTTP status code onto the package error
// taxonomy. Auth failures are permanent, throttling and server errors are
// transient, anything else unexpected counts as an invalid response.
func ClassifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrAuth
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return ErrUnavailable
	}
	return ErrInvalidResponse
}
