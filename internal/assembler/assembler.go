// Package assembler turns a fused passage ranking into a bounded,
// de-duplicated context set with citation metadata.
package assembler

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/notewise/notewise/internal/chunker"
	"github.com/notewise/notewise/internal/store"
	"github.com/notewise/notewise/pkg/models"
)

const (
	DefaultDiversityThreshold = 0.8
	DefaultTokenBudget        = 2000
	DefaultCitationLimit      = 5
	DefaultExcerptLen         = 200
)

// ContextPassage is a retrieved passage enriched with its parent
// document's title for prompting and citation display.
type ContextPassage struct {
	models.RetrievedPassage
	Title string
}

// Assembly is the final context set for one question.
type Assembly struct {
	Passages  []ContextPassage
	Summary   string
	Citations []models.Citation
}

type Assembler struct {
	Docs store.DocumentStore

	MinScore           float64
	DiversityThreshold float64
	TokenBudget        int
	CitationLimit      int
	ExcerptLen         int
}

func New(docs store.DocumentStore) *Assembler {
	return &Assembler{
		Docs:               docs,
		DiversityThreshold: DefaultDiversityThreshold,
		TokenBudget:        DefaultTokenBudget,
		CitationLimit:      DefaultCitationLimit,
		ExcerptLen:         DefaultExcerptLen,
	}
}

// Assemble applies, in order: the minimum-score cutoff, the diversity
// filter, the token budget, title enrichment, and citation derivation.
func (a *Assembler) Assemble(ctx context.Context, passages []models.RetrievedPassage) (Assembly, error) {
	kept := a.filterScore(passages)
	kept = a.filterDiversity(kept)
	kept = a.trimToBudget(kept)

	titles := a.resolveTitles(ctx, kept)

	out := make([]ContextPassage, 0, len(kept))
	docs := make(map[string]struct{})
	for _, p := range kept {
		title, ok := titles[p.DocumentID]
		if !ok || title == "" {
			title = synthesizeTitle(p.DocumentID)
		}
		out = append(out, ContextPassage{RetrievedPassage: p, Title: title})
		docs[p.DocumentID] = struct{}{}
	}

	citationLimit := a.CitationLimit
	if citationLimit <= 0 {
		citationLimit = DefaultCitationLimit
	}
	excerptLen := a.ExcerptLen
	if excerptLen <= 0 {
		excerptLen = DefaultExcerptLen
	}
	citations := make([]models.Citation, 0, citationLimit)
	for _, p := range out {
		if len(citations) >= citationLimit {
			break
		}
		citations = append(citations, models.Citation{
			ChunkID:    p.ChunkID,
			DocumentID: p.DocumentID,
			Title:      p.Title,
			Excerpt:    truncate(p.Content, excerptLen),
			Ordinal:    p.Ordinal,
		})
	}

	return Assembly{
		Passages:  out,
		Summary:   fmt.Sprintf("Found %d passages from %d documents", len(out), len(docs)),
		Citations: citations,
	}, nil
}

func (a *Assembler) filterScore(passages []models.RetrievedPassage) []models.RetrievedPassage {
	out := make([]models.RetrievedPassage, 0, len(passages))
	for _, p := range passages {
		if p.Score >= a.MinScore {
			out = append(out, p)
		}
	}
	return out
}

// filterDiversity keeps the top passage unconditionally and suppresses
// near-duplicate passages from the same document: a later passage
// survives only if its word-set Jaccard overlap with every already-kept
// passage of that document stays below the threshold.
func (a *Assembler) filterDiversity(passages []models.RetrievedPassage) []models.RetrievedPassage {
	threshold := a.DiversityThreshold
	if threshold <= 0 {
		threshold = DefaultDiversityThreshold
	}

	var kept []models.RetrievedPassage
	keptWords := make([]map[string]struct{}, 0, len(passages))

	for i, p := range passages {
		if i == 0 {
			kept = append(kept, p)
			keptWords = append(keptWords, wordSet(p.Content))
			continue
		}
		words := wordSet(p.Content)
		diverse := true
		for j, k := range kept {
			if k.DocumentID != p.DocumentID {
				continue
			}
			if jaccard(words, keptWords[j]) >= threshold {
				diverse = false
				break
			}
		}
		if diverse {
			kept = append(kept, p)
			keptWords = append(keptWords, words)
		}
	}
	return kept
}

// trimToBudget walks the list in order, accumulating estimated tokens,
// and stops before the passage that would exceed the budget. An exact
// fit is kept.
func (a *Assembler) trimToBudget(passages []models.RetrievedPassage) []models.RetrievedPassage {
	budget := a.TokenBudget
	if budget <= 0 {
		budget = DefaultTokenBudget
	}

	var out []models.RetrievedPassage
	total := 0
	for _, p := range passages {
		t := chunker.EstimateTokens(p.Content)
		if total+t > budget {
			break
		}
		total += t
		out = append(out, p)
	}
	return out
}

// resolveTitles is best-effort: a lookup failure logs and falls open to
// synthesized labels rather than failing the turn.
func (a *Assembler) resolveTitles(ctx context.Context, passages []models.RetrievedPassage) map[string]string {
	if a.Docs == nil || len(passages) == 0 {
		return map[string]string{}
	}
	seen := make(map[string]struct{})
	ids := make([]string, 0, len(passages))
	for _, p := range passages {
		if _, ok := seen[p.DocumentID]; ok {
			continue
		}
		seen[p.DocumentID] = struct{}{}
		ids = append(ids, p.DocumentID)
	}
	titles, err := a.Docs.DocumentTitles(ctx, ids)
	if err != nil {
		log.Warn().Err(err).Msg("title lookup failed, using synthesized labels")
		return map[string]string{}
	}
	return titles
}

func synthesizeTitle(documentID string) string {
	id := documentID
	if len(id) > 8 {
		id = id[:8]
	}
	return "Note " + id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[strings.Trim(w, ".,;:!?\"'()[]")] = struct{}{}
	}
	delete(set, "")
	return set
}

// jaccard is |intersection| / |union| of two word sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
