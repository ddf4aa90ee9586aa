package search

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/shelbyklein/targetvision-sub000/store"
)

// ErrNoVector is returned by SearchSimilar when the reference photo has no
// stored vector to compare against.
var ErrNoVector = errors.New("photo has no stored vector")

// Embedder produces query vectors. *embedding.Service satisfies it.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// Searcher runs the search modes against the persisted corpus. A
// non-positive limit or minSimilarity on any call falls back to the
// configured defaults.
type Searcher struct {
	store    store.Store
	embedder Embedder

	minSimilarity float64
	limit         int
}

func NewSearcher(st store.Store, embedder Embedder, minSimilarity float64, limit int) *Searcher {
	return &Searcher{
		store:         st,
		embedder:      embedder,
		minSimilarity: minSimilarity,
		limit:         limit,
	}
}

// SearchByText embeds the query and ranks the corpus by cosine similarity.
// The query embedding and the corpus fetch run concurrently.
func (s *Searcher) SearchByText(ctx context.Context, query string, limit int, minSimilarity float64) ([]Result, error) {
	if limit <= 0 {
		limit = s.limit
	}
	if minSimilarity <= 0 {
		minSimilarity = s.minSimilarity
	}

	var queryvec []float32
	var corpus []*store.Metadata

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		queryvec, err = s.embedder.EmbedText(gctx, query)
		return err
	})
	eg.Go(func() error {
		var err error
		corpus, err = s.store.Corpus(gctx, true)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return RankByVector(queryvec, corpus, minSimilarity, limit), nil
}

// SearchSimilar ranks the corpus against a reference photo's stored vector.
// The reference photo itself is excluded from the results.
func (s *Searcher) SearchSimilar(ctx context.Context, photoID string, limit int, minSimilarity float64) ([]Result, error) {
	if limit <= 0 {
		limit = s.limit
	}
	if minSimilarity <= 0 {
		minSimilarity = s.minSimilarity
	}

	ref, err := s.store.Metadata(ctx, photoID)
	if err != nil {
		return nil, err
	}
	if len(ref.Vector) == 0 {
		return nil, fmt.Errorf("photo %s: %w", photoID, ErrNoVector)
	}

	corpus, err := s.store.Corpus(ctx, true)
	if err != nil {
		return nil, err
	}

	others := make([]*store.Metadata, 0, len(corpus))
	for _, m := range corpus {
		if m.PhotoID == photoID {
			continue
		}
		others = append(others, m)
	}

	return RankByVector(ref.Vector, others, minSimilarity, limit), nil
}

// HybridSearch fuses vector and lexical ranking for the query text.
func (s *Searcher) HybridSearch(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = s.limit
	}

	var queryvec []float32
	var corpus []*store.Metadata

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		queryvec, err = s.embedder.EmbedText(gctx, query)
		return err
	})
	eg.Go(func() error {
		var err error
		corpus, err = s.store.Corpus(gctx, true)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return RankHybrid(queryvec, query, corpus, s.minSimilarity, limit), nil
}
