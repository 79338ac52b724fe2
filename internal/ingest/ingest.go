// Package ingest turns changed documents into persisted, embedded chunks.
// It is triggered by change notifications, never by polling.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/notewise/notewise/internal/ai"
	"github.com/notewise/notewise/internal/chunker"
	"github.com/notewise/notewise/internal/store"
	"github.com/notewise/notewise/pkg/models"
)

const (
	defaultWorkers = 4
	defaultPacing  = 200 * time.Millisecond
	embedRetries   = 3
)

// Ingester runs the Chunker -> Change Detector -> Embedding -> Write
// sequence for one document at a time, and batches of documents through a
// small worker pool.
type Ingester struct {
	Docs    store.DocumentStore
	Chunks  store.ChunkStore
	Client  ai.Client
	Chunker *chunker.Chunker
	Workers int
	Pacing  time.Duration
}

func New(docs store.DocumentStore, chunks store.ChunkStore, client ai.Client) *Ingester {
	return &Ingester{
		Docs:    docs,
		Chunks:  chunks,
		Client:  client,
		Chunker: chunker.New(),
		Workers: defaultWorkers,
		Pacing:  defaultPacing,
	}
}

// Fingerprint computes the stable content fingerprint of normalized text.
func Fingerprint(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// IngestDocument re-chunks and re-embeds a single document if its content
// fingerprint changed. Unchanged documents are a no-op. An embedding
// failure leaves the new chunks lexically searchable and is not an error.
func (ix *Ingester) IngestDocument(ctx context.Context, documentID string) error {
	doc, found, err := ix.Docs.GetDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("get document %s: %w", documentID, err)
	}
	if !found {
		return fmt.Errorf("document %s not found", documentID)
	}

	plain := Normalize(doc.Content)
	hash := Fingerprint(plain)

	existing, hasChunks, err := ix.Chunks.DocumentFingerprint(ctx, documentID)
	if err != nil {
		return fmt.Errorf("fingerprint lookup %s: %w", documentID, err)
	}
	if hasChunks && existing == hash {
		log.Debug().Str("document", documentID).Msg("fingerprint unchanged, skipping")
		return nil
	}

	texts := ix.Chunker.Split(plain)
	newChunks := buildChunks(doc.ID, doc.OwnerID, hash, texts)
	if err := ix.Chunks.ReplaceChunks(ctx, documentID, newChunks); err != nil {
		return fmt.Errorf("replace chunks %s: %w", documentID, err)
	}

	log.Info().Str("document", documentID).
		Int("chunks", len(newChunks)).
		Bool("replaced", hasChunks).
		Msg("chunks written")

	if len(newChunks) == 0 {
		return nil
	}

	vecs, err := ix.embedWithRetry(ctx, texts)
	if err != nil {
		log.Warn().Err(err).Str("document", documentID).
			Msg("embedding failed, chunks remain lexical-only")
		return nil
	}
	for i, c := range newChunks {
		if err := ix.Chunks.AttachEmbedding(ctx, c.ID, vecs[i], ix.Client.ModelID()); err != nil {
			log.Warn().Err(err).Str("chunk", c.ID).Msg("attach embedding failed")
		}
	}
	return nil
}

// Run processes a batch of changed documents with fixed parallelism,
// pausing briefly between batches to stay inside provider rate limits.
// One document failing never blocks or fails its siblings.
func (ix *Ingester) Run(ctx context.Context, documentIDs []string) error {
	workers := ix.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	log.Info().Int("documents", len(documentIDs)).Int("workers", workers).Msg("starting ingestion")

	for start := 0; start < len(documentIDs); start += workers {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + workers
		if end > len(documentIDs) {
			end = len(documentIDs)
		}

		var wg sync.WaitGroup
		for _, id := range documentIDs[start:end] {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if err := ix.IngestDocument(ctx, id); err != nil {
					log.Error().Err(err).Str("document", id).Msg("ingestion failed")
				}
			}(id)
		}
		wg.Wait()

		if end < len(documentIDs) && ix.Pacing > 0 {
			select {
			case <-time.After(ix.Pacing):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// embedWithRetry calls the batch embedding endpoint with exponential
// backoff. No retry survives context cancellation.
func (ix *Ingester) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < embedRetries; attempt++ {
		vecs, err := ix.Client.EmbedBatch(ctx, texts)
		if err == nil {
			if len(vecs) != len(texts) {
				return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(vecs), len(texts))
			}
			return vecs, nil
		}
		lastErr = err
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, lastErr
}

// buildChunks assembles chunk rows with dense ordinals starting at 0,
// all stamped with the same content fingerprint.
func buildChunks(documentID, ownerID, hash string, texts []string) []models.Chunk {
	out := make([]models.Chunk, 0, len(texts))
	for i, t := range texts {
		out = append(out, models.Chunk{
			ID:          uuid.NewString(),
			DocumentID:  documentID,
			OwnerID:     ownerID,
			Ordinal:     i,
			Content:     t,
			TokenCount:  chunker.EstimateTokens(t),
			ContentHash: hash,
		})
	}
	return out
}
