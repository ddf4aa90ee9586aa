// Package search ranks stored AI metadata against vector and lexical
// queries, and fuses the two for hybrid search.
package search

import (
	"math"
	"sort"
	"strings"

	"github.com/shelbyklein/targetvision-sub000/store"
)

// Weights for fusing the two scoring modes. Vector similarity recovers
// semantic matches; the lexical score rewards exact terms embeddings may
// underweight.
const (
	VectorWeight  = 0.6
	LexicalWeight = 0.4
)

// Result pairs a metadata record with its query scores. Score is what the
// results are ordered by; VectorScore and LexicalScore are the per-mode
// components behind it. Vector-only searches leave LexicalScore at 0 and
// Score equal to VectorScore.
type Result struct {
	Metadata     *store.Metadata
	VectorScore  float64
	LexicalScore float64
	Score        float64
}

// dotp computes the unnormalized dot-product between two vectors. It assumes
// that a and b are equal length.
func dotp(a, b []float32) float64 {
	var sum float64
	for i := range len(a) {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// CosineSimilarity returns the cosine of the angle between a and b in
// [-1, 1]. Vectors of different length or zero magnitude score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	dot := dotp(a, b)
	ma := dotp(a, a)
	mb := dotp(b, b)
	if ma < 1e-6 || mb < 1e-6 {
		return 0
	}

	return dot / (math.Sqrt(ma) * math.Sqrt(mb))
}

// RankByVector scores every corpus record against the query vector, drops
// records below minSimilarity, and returns up to limit results, best first.
// Ties keep their corpus order. A non-positive limit means no truncation.
func RankByVector(query []float32, corpus []*store.Metadata, minSimilarity float64, limit int) []Result {
	results := make([]Result, 0, len(corpus))
	for _, m := range corpus {
		score := CosineSimilarity(query, m.Vector)
		if score < minSimilarity {
			continue
		}
		results = append(results, Result{Metadata: m, VectorScore: score, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// LexicalScore measures how well the query matches the record's text:
// 1.0 for a description hit, 0.5 per AI keyword, 0.8 for the photo title,
// 0.6 for the filename, 0.4 per photo keyword. Case-insensitive, unbounded
// above, not normalized.
func LexicalScore(query string, m *store.Metadata) float64 {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return 0
	}

	var score float64
	if strings.Contains(strings.ToLower(m.Description), query) {
		score += 1.0
	}
	for _, kw := range m.Keywords {
		if keywordMatch(query, kw) {
			score += 0.5
		}
	}
	if m.Photo != nil {
		if m.Photo.Title != "" && strings.Contains(strings.ToLower(m.Photo.Title), query) {
			score += 0.8
		}
		if m.Photo.Filename != "" && strings.Contains(strings.ToLower(m.Photo.Filename), query) {
			score += 0.6
		}
		for _, kw := range m.Photo.Keywords {
			if keywordMatch(query, kw) {
				score += 0.4
			}
		}
	}
	return score
}

// keywordMatch is a case-insensitive substring hit in either direction:
// query "car" hits keyword "sports car", query "sports car racing" hits
// keyword "car".
func keywordMatch(query, keyword string) bool {
	keyword = strings.ToLower(keyword)
	return strings.Contains(keyword, query) || strings.Contains(query, keyword)
}

// HybridScore combines the two scores, weighted toward semantic recall.
func HybridScore(vectorScore, lexicalScore float64) float64 {
	return VectorWeight*vectorScore + LexicalWeight*lexicalScore
}

// RankHybrid fuses vector and lexical scoring over the corpus. A record on
// only one side contributes 0.0 for the missing side instead of being
// dropped, so lexical-only hits survive with a reduced combined score.
// Records scoring zero on both sides are dropped.
func RankHybrid(queryVec []float32, queryText string, corpus []*store.Metadata, minSimilarity float64, limit int) []Result {
	results := make([]Result, 0, len(corpus))
	for _, m := range corpus {
		vs := CosineSimilarity(queryVec, m.Vector)
		if vs < minSimilarity {
			vs = 0
		}
		ls := LexicalScore(queryText, m)
		if vs == 0 && ls == 0 {
			continue
		}
		results = append(results, Result{Metadata: m, VectorScore: vs, LexicalScore: ls, Score: HybridScore(vs, ls)})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
