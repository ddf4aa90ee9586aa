// Package targetvision wires image normalization, vision-language providers,
// CLIP embeddings and persistence into a photo metadata pipeline with
// semantic search over the results.
package targetvision

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/shelbyklein/targetvision-sub000/config"
	"github.com/shelbyklein/targetvision-sub000/embedding"
	"github.com/shelbyklein/targetvision-sub000/internal/anthropic"
	"github.com/shelbyklein/targetvision-sub000/internal/openai"
	"github.com/shelbyklein/targetvision-sub000/search"
	"github.com/shelbyklein/targetvision-sub000/store"
	"github.com/shelbyklein/targetvision-sub000/vision"
)

// ErrNoProviders is returned by Init when no provider credential is
// configured. The pipeline cannot run without at least one.
var ErrNoProviders = errors.New("no vision providers configured")

// Embedder generates vectors for images and text queries in one shared
// space. *embedding.Service satisfies it.
type Embedder interface {
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
	Model() string
	Close()
}

type InitOptions struct {
	// Config provides pipeline settings. If nil it is loaded from the
	// environment.
	Config *config.Config

	Logger *zap.Logger

	// HTTPClient is used for provider calls. If nil a client with the
	// configured request timeout is created.
	HTTPClient *http.Client

	// Source resolves photo image URLs to bytes. If nil, http(s) URLs are
	// fetched over the network and anything else is read from disk.
	Source ImageSource

	// OnOutcome, when set, is invoked once per finished batch item.
	OnOutcome func(BatchResult)
}

type TargetVision struct {
	cfg *config.Config
	log *zap.Logger

	describers []vision.Describer // anthropic first when configured
	retry      vision.RetryPolicy

	store    store.Store
	embedder Embedder
	searcher *search.Searcher
	source   ImageSource

	onOutcome func(BatchResult)
}

// Init builds an adapter for every configured provider credential, opens the
// embedding service and then the store, sized to the vectors the service
// produces, and returns the assembled pipeline.
func Init(ctx context.Context, opts InitOptions) (*TargetVision, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(); err != nil {
			return nil, err
		}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Providers.RequestTimeout}
	}

	tv := &TargetVision{
		cfg: cfg,
		log: log,
		retry: vision.RetryPolicy{
			MaxAttempts: cfg.Providers.MaxAttempts,
			BaseDelay:   cfg.Providers.RetryBaseDelay,
		},
		source:    opts.Source,
		onOutcome: opts.OnOutcome,
	}

	if cfg.HasAnthropic() {
		tv.describers = append(tv.describers,
			anthropic.Init(cfg.Providers.AnthropicAPIKey, cfg.Providers.AnthropicModel, cfg.Providers.RatePerMinute, httpClient))
	}
	if cfg.HasOpenAI() {
		tv.describers = append(tv.describers,
			openai.Init(cfg.Providers.OpenAIAPIKey, cfg.Providers.OpenAIModel, cfg.Providers.RatePerMinute, httpClient))
	}
	if len(tv.describers) == 0 {
		return nil, ErrNoProviders
	}

	svc, err := embedding.Open(embedding.Options{
		ServerURL:  cfg.Embedding.ServerURL,
		Dimensions: cfg.Embedding.Dimensions,
		BatchSize:  cfg.Embedding.BatchSize,
		BatchPause: cfg.Embedding.BatchPause,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	tv.embedder = svc

	st, err := store.Open(ctx, cfg.Store, svc.Dimensions())
	if err != nil {
		svc.Close()
		return nil, err
	}
	tv.store = st
	tv.searcher = search.NewSearcher(st, svc, cfg.Search.MinSimilarity, cfg.Search.Limit)

	if tv.source == nil {
		tv.source = &URLFetcher{Client: httpClient}
	}

	return tv, nil
}

// Close tears down the embedding service and the store.
func (tv *TargetVision) Close() error {
	tv.embedder.Close()
	return tv.store.Close()
}

// Describer returns the adapter for the named provider, or the primary one
// for an empty name. Anthropic is primary when configured, openai otherwise.
func (tv *TargetVision) Describer(provider string) (vision.Describer, error) {
	if provider == "" {
		return tv.describers[0], nil
	}
	for _, d := range tv.describers {
		if d.Name() == provider {
			return d, nil
		}
	}
	return nil, fmt.Errorf("provider %q not configured", provider)
}

// Providers lists the configured provider names, primary first.
func (tv *TargetVision) Providers() []string {
	names := make([]string, len(tv.describers))
	for i, d := range tv.describers {
		names[i] = d.Name()
	}
	return names
}

// Store exposes the underlying persistence layer.
func (tv *TargetVision) Store() store.Store { return tv.store }

// RegisterPhotos inserts photo rows in batches, skipping ids that already
// exist. Returns the number of photos added.
func (tv *TargetVision) RegisterPhotos(ctx context.Context, photos []store.Photo) (int, error) {
	return tv.store.InsertPhotos(ctx, photos, 100)
}

// Metadata returns the persisted record for one photo.
func (tv *TargetVision) Metadata(ctx context.Context, photoID string) (*store.Metadata, error) {
	return tv.store.Metadata(ctx, photoID)
}

// DeleteMetadata removes a photo's record and its queue row, returning the
// photo to the not-queued state.
func (tv *TargetVision) DeleteMetadata(ctx context.Context, photoID string) error {
	return tv.store.DeleteMetadata(ctx, photoID)
}

// SetApproved flags or unflags a photo's record as reviewed.
func (tv *TargetVision) SetApproved(ctx context.Context, photoID string, approved bool) error {
	return tv.store.SetApproved(ctx, photoID, approved)
}

// ResetFailed returns every failed queue item to pending and reports how
// many were reset.
func (tv *TargetVision) ResetFailed(ctx context.Context) (int, error) {
	return tv.store.ResetFailed(ctx)
}

// SearchByText ranks the corpus against an embedded text query.
func (tv *TargetVision) SearchByText(ctx context.Context, query string, limit int, minSimilarity float64) ([]search.Result, error) {
	return tv.searcher.SearchByText(ctx, query, limit, minSimilarity)
}

// SearchSimilar ranks the corpus against a photo's stored vector, excluding
// the photo itself.
func (tv *TargetVision) SearchSimilar(ctx context.Context, photoID string, limit int, minSimilarity float64) ([]search.Result, error) {
	return tv.searcher.SearchSimilar(ctx, photoID, limit, minSimilarity)
}

// HybridSearch blends vector and lexical scores for a text query.
func (tv *TargetVision) HybridSearch(ctx context.Context, query string, limit int) ([]search.Result, error) {
	return tv.searcher.HybridSearch(ctx, query, limit)
}
