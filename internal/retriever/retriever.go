// Package retriever answers a user question with a fused ranking of
// passages from two signals: dense vector similarity and sparse lexical
// rank.
package retriever

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/notewise/notewise/internal/ai"
	"github.com/notewise/notewise/internal/store"
	"github.com/notewise/notewise/pkg/models"
)

const (
	// DefaultLimit caps each signal's candidate list.
	DefaultLimit = 24
	// DefaultSimilarityThreshold is the minimum cosine similarity for
	// dense candidates.
	DefaultSimilarityThreshold = 0.7
	// DefaultRRFConstant is the k in 1/(k+rank+1).
	DefaultRRFConstant = 60
)

type Retriever struct {
	Client ai.Client
	Chunks store.ChunkStore

	Limit               int
	SimilarityThreshold float64
	RRFConstant         int
}

func New(client ai.Client, chunks store.ChunkStore) *Retriever {
	return &Retriever{
		Client:              client,
		Chunks:              chunks,
		Limit:               DefaultLimit,
		SimilarityThreshold: DefaultSimilarityThreshold,
		RRFConstant:         DefaultRRFConstant,
	}
}

// Retrieve runs the dense and sparse queries concurrently, joins them,
// and fuses the two rankings. Either signal failing degrades to the
// other; both failing is an error.
func (r *Retriever) Retrieve(ctx context.Context, ownerID, query string) ([]models.RetrievedPassage, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	var dense, sparse []models.RetrievedPassage
	var denseErr, sparseErr error

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		vec, err := r.Client.Embed(ctx, query)
		if err != nil {
			denseErr = err
			return
		}
		dense, denseErr = r.Chunks.VectorSearch(ctx, vec, ownerID, r.SimilarityThreshold, r.Limit)
	}()

	go func() {
		defer wg.Done()
		sparse, sparseErr = r.Chunks.LexicalSearch(ctx, query, ownerID, r.Limit)
	}()

	wg.Wait()

	if denseErr != nil && sparseErr != nil {
		return nil, errors.Join(denseErr, sparseErr)
	}
	if denseErr != nil {
		log.Warn().Err(denseErr).Msg("dense retrieval failed, using lexical results only")
		dense = nil
	}
	if sparseErr != nil {
		log.Warn().Err(sparseErr).Msg("lexical retrieval failed, using dense results only")
		sparse = nil
	}

	return Fuse(dense, sparse, r.RRFConstant), nil
}

// Fuse combines the dense and sparse rankings with reciprocal rank
// fusion: each passage scores the sum of 1/(k+rank+1) over every list it
// appears in, rank 0-based. Ties break by dense-list order, then
// sparse-list order, so the output is deterministic for fixed inputs.
func Fuse(dense, sparse []models.RetrievedPassage, k int) []models.RetrievedPassage {
	if k <= 0 {
		k = DefaultRRFConstant
	}

	type entry struct {
		passage    models.RetrievedPassage
		score      float64
		denseRank  int
		sparseRank int
	}

	byChunk := make(map[string]*entry)
	order := make([]string, 0, len(dense)+len(sparse))

	add := func(p models.RetrievedPassage, rank int, isDense bool) {
		e, ok := byChunk[p.ChunkID]
		if !ok {
			e = &entry{passage: p, denseRank: math.MaxInt, sparseRank: math.MaxInt}
			byChunk[p.ChunkID] = e
			order = append(order, p.ChunkID)
		}
		e.score += 1.0 / float64(k+rank+1)
		if isDense {
			e.denseRank = rank
		} else {
			e.sparseRank = rank
		}
	}

	for i, p := range dense {
		add(p, i, true)
	}
	for i, p := range sparse {
		add(p, i, false)
	}

	out := make([]models.RetrievedPassage, 0, len(order))
	entries := make([]*entry, 0, len(order))
	for _, id := range order {
		entries = append(entries, byChunk[id])
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.denseRank != b.denseRank {
			return a.denseRank < b.denseRank
		}
		return a.sparseRank < b.sparseRank
	})
	for _, e := range entries {
		p := e.passage
		p.Score = e.score
		p.Source = models.SignalFused
		out = append(out, p)
	}
	return out
}
