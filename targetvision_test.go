package targetvision

import (
	"errors"
	"testing"
	"time"

	"github.com/shelbyklein/targetvision-sub000/config"
	"github.com/shelbyklein/targetvision-sub000/embedding"
)

func testConfig() *config.Config {
	return &config.Config{
		Providers: config.ProvidersConfig{
			AnthropicAPIKey: "test-key",
			AnthropicModel:  "claude-3-5-sonnet-20241022",
			RequestTimeout:  time.Second,
			RatePerMinute:   60,
			MaxAttempts:     1,
			RetryBaseDelay:  time.Millisecond,
		},
		Embedding: config.EmbeddingConfig{ServerURL: "http://localhost:8000"},
		Normalize: config.NormalizeConfig{MaxBytes: 1 << 20, MaxDimension: 64},
		Queue:     config.QueueConfig{Concurrency: 2, GroupPause: 5 * time.Millisecond},
		Search:    config.SearchConfig{MinSimilarity: 0.2, Limit: 20},
		Store:     config.StoreConfig{Driver: "sqlite", Path: ":memory:"},
	}
}

func TestInit(t *testing.T) {
	tv, err := Init(t.Context(), InitOptions{Config: testConfig()})
	if err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	t.Cleanup(func() { tv.Close() })

	if actual := tv.Providers(); len(actual) != 1 || actual[0] != "anthropic" {
		t.Errorf("Expected providers [anthropic], got %v", actual)
	}

	// The store is sized from the embedding service, which applies the
	// default vector width when the config leaves it unset.
	svc, ok := tv.embedder.(*embedding.Service)
	if !ok {
		t.Fatalf("Expected an embedding service, got %T", tv.embedder)
	}
	if expected, actual := embedding.DefaultDimensions, svc.Dimensions(); expected != actual {
		t.Errorf("Expected %d dimensions, got %d", expected, actual)
	}
}

func TestInitNoProviders(t *testing.T) {
	cfg := testConfig()
	cfg.Providers.AnthropicAPIKey = ""

	if _, err := Init(t.Context(), InitOptions{Config: cfg}); !errors.Is(err, ErrNoProviders) {
		t.Errorf("Expected ErrNoProviders, got %v", err)
	}
}
