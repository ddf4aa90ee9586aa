// Package embedding is the client for the sidecar inference service that
// produces CLIP vectors. Images and text queries embed into the same space,
// so a text query can be scored directly against stored image vectors.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrModel covers every embedding failure: the service unreachable, a non-OK
// response, or a vector of the wrong dimension.
var ErrModel = errors.New("embedding model error")

const (
	// DefaultDimensions matches CLIP ViT-B/32 output.
	DefaultDimensions = 512

	DefaultBatchSize  = 8
	DefaultBatchPause = 200 * time.Millisecond
)

// Options configures Open. Zero values fall back to the defaults above;
// ServerURL is required.
type Options struct {
	ServerURL  string
	Dimensions int
	BatchSize  int
	BatchPause time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Service is an HTTP client for the inference sidecar. The process holds one
// Service for its lifetime; it is safe for concurrent callers.
type Service struct {
	serverURL string
	dims      int
	batchSize int
	pause     time.Duration
	client    *http.Client
	log       *zap.Logger

	// Handshake state. Only success is recorded; a failed probe is retried
	// on the next call.
	mu    sync.Mutex
	ready bool
	model string

	closeOnce sync.Once
}

func Open(opts Options) (*Service, error) {
	if opts.ServerURL == "" {
		return nil, errors.New("embedding server URL is required")
	}
	if opts.Dimensions <= 0 {
		opts.Dimensions = DefaultDimensions
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchPause <= 0 {
		opts.BatchPause = DefaultBatchPause
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Service{
		serverURL: strings.TrimSuffix(opts.ServerURL, "/"),
		dims:      opts.Dimensions,
		batchSize: opts.BatchSize,
		pause:     opts.BatchPause,
		client:    opts.HTTPClient,
		log:       opts.Logger,
	}, nil
}

// Model reports the model name the sidecar announced during the handshake,
// empty before the first successful call.
func (s *Service) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Dimensions reports the vector width the service produces, after defaults
// are applied. Vector storage is sized from this.
func (s *Service) Dimensions() int { return s.dims }

// Close releases idle connections. Safe to call more than once.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.client.CloseIdleConnections()
	})
}

// ensureReady performs the one-time handshake against the sidecar's /info
// endpoint, confirming the advertised dimensions match ours.
func (s *Service) ensureReady(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.serverURL+"/info", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("embedding service handshake: %v: %w", err, ErrModel)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding service handshake: %s: %w", resp.Status, ErrModel)
	}

	var info struct {
		Model      string `json:"model"`
		Dimensions int    `json:"dimensions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return fmt.Errorf("embedding service handshake: %v: %w", err, ErrModel)
	}
	if info.Dimensions != s.dims {
		return fmt.Errorf("embedding service produces %d dimensions, want %d: %w", info.Dimensions, s.dims, ErrModel)
	}

	s.model = info.Model
	s.ready = true
	s.log.Info("embedding service ready",
		zap.String("model", info.Model),
		zap.Int("dimensions", info.Dimensions))
	return nil
}

// EmbedImage returns the unit-normalized vector for a JPEG image.
func (s *Service) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/embed/image", bytes.NewReader(image))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	return s.roundTrip(req)
}

// EmbedText returns the unit-normalized vector for a text query.
func (s *Service) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(struct {
		Text string `json:"text"`
	}{text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/embed/text", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return s.roundTrip(req)
}

// EmbedImageBatch embeds images in fixed sub-batches, each sub-batch
// concurrently, with a pacing pause between sub-batches. Vectors come back in
// input order. The first failure aborts the batch.
func (s *Service) EmbedImageBatch(ctx context.Context, images [][]byte) ([][]float32, error) {
	out := make([][]float32, len(images))
	for start := 0; start < len(images); start += s.batchSize {
		if start > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.pause):
			}
		}

		end := min(start+s.batchSize, len(images))
		eg, ectx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			eg.Go(func() error {
				vec, err := s.EmbedImage(ectx, images[i])
				if err != nil {
					return err
				}
				out[i] = vec
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Service) roundTrip(req *http.Request) ([]float32, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding service: %v: %w", err, ErrModel)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service: %s: %w", resp.Status, ErrModel)
	}

	var result struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("embedding service: %v: %w", err, ErrModel)
	}
	return s.finish(result.Embedding)
}

// finish validates the dimension and normalizes in place, whether or not the
// sidecar already emitted a unit vector.
func (s *Service) finish(vec []float32) ([]float32, error) {
	if len(vec) != s.dims {
		return nil, fmt.Errorf("embedding has %d dimensions, want %d: %w", len(vec), s.dims, ErrModel)
	}
	normalize(vec)
	return vec, nil
}

func normalize(v []float32) {
	var sum float64
	for _, val := range v {
		sum += float64(val * val)
	}
	norm := float32(math.Sqrt(sum))
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] /= norm
	}
}
