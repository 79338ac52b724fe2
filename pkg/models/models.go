package models

import "time"

// Document is an owner-scoped note. The notes front-end owns the content;
// this pipeline only reads it and re-ingests on change.
type Document struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Chunk is a bounded passage of a document, the unit of retrieval.
// Ordinals are dense from 0 within one (document, content hash) generation;
// a generation is always replaced wholesale, never patched.
type Chunk struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	OwnerID     string    `json:"owner_id"`
	Ordinal     int       `json:"ordinal"`
	Content     string    `json:"content"`
	TokenCount  int       `json:"token_count"`
	ContentHash string    `json:"content_hash"`
	EmbedModel  string    `json:"embed_model,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Signal identifies which ranking produced a retrieved passage's score.
type Signal string

const (
	SignalDense  Signal = "dense"
	SignalSparse Signal = "sparse"
	SignalFused  Signal = "fused"
)

// RetrievedPassage is a per-query value and is never persisted. Score
// semantics depend on Source: cosine similarity for dense, lexical rank
// score for sparse, reciprocal-rank-fusion score after fusion.
type RetrievedPassage struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Ordinal    int     `json:"ordinal"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
	Source     Signal  `json:"source"`
}

// Citation is a denormalized snapshot attached to an assistant message,
// not a foreign key into the chunk table.
type Citation struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	Excerpt    string `json:"excerpt"`
	Ordinal    int    `json:"ordinal"`
}

// Thread is an owner-scoped conversation container.
type Thread struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message belongs to exactly one thread, ordered by creation time.
type Message struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Citations []Citation     `json:"citations,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
