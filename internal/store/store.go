// Package store persists documents, chunks, embeddings, threads and
// messages in Postgres and answers the two retrieval queries (vector
// similarity and full-text rank).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/notewise/notewise/pkg/models"
)

// Store provides methods to interact with the database.
type Store struct {
	pool *pgxpool.Pool
}

// DocumentStore is the read/write surface the ingestion path needs.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (models.Document, bool, error)
	UpsertDocument(ctx context.Context, d models.Document) error
	ListDocumentIDs(ctx context.Context, ownerID string) ([]string, error)
	DocumentTitles(ctx context.Context, ids []string) (map[string]string, error)
}

// ChunkStore is the chunk/embedding surface shared by ingestion and retrieval.
type ChunkStore interface {
	DocumentFingerprint(ctx context.Context, documentID string) (string, bool, error)
	ReplaceChunks(ctx context.Context, documentID string, chunks []models.Chunk) error
	AttachEmbedding(ctx context.Context, chunkID string, vec []float32, model string) error
	VectorSearch(ctx context.Context, vec []float32, ownerID string, threshold float64, limit int) ([]models.RetrievedPassage, error)
	LexicalSearch(ctx context.Context, query, ownerID string, limit int) ([]models.RetrievedPassage, error)
}

// ThreadStore is the conversation persistence surface.
type ThreadStore interface {
	CreateThread(ctx context.Context, t models.Thread) error
	GetThread(ctx context.Context, id, ownerID string) (models.Thread, bool, error)
	ListThreads(ctx context.Context, ownerID string) ([]models.Thread, error)
	AppendMessage(ctx context.Context, m models.Message) error
	RecentMessages(ctx context.Context, threadID string, limit int) ([]models.Message, error)
	ListMessages(ctx context.Context, threadID string) ([]models.Message, error)
	TouchThread(ctx context.Context, threadID string) error
}

// New creates a new Store instance connected to the given database URL.
func New(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Ping checks the database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Migrate applies necessary database migrations and schema setup.
func (s *Store) Migrate(ctx context.Context, embedDim int) error {
	q := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS documents (
  id         TEXT PRIMARY KEY,
  owner_id   TEXT NOT NULL,
  title      TEXT NOT NULL DEFAULT '',
  content    TEXT NOT NULL DEFAULT '',
  updated_at TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE INDEX IF NOT EXISTS documents_owner_idx ON documents (owner_id);

CREATE TABLE IF NOT EXISTS chunks (
  id           TEXT PRIMARY KEY,
  document_id  TEXT NOT NULL,
  owner_id     TEXT NOT NULL,
  ordinal      INT NOT NULL,
  content      TEXT NOT NULL,
  token_count  INT NOT NULL,
  content_hash TEXT NOT NULL,
  embed_model  TEXT,
  embedding    vector(%d),
  created_at   TIMESTAMP WITH TIME ZONE DEFAULT now(),
  tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', coalesce(content,''))) STORED
);

CREATE UNIQUE INDEX IF NOT EXISTS chunks_doc_hash_ordinal_uidx
  ON chunks (document_id, content_hash, ordinal);

CREATE INDEX IF NOT EXISTS chunks_owner_idx ON chunks (owner_id);
CREATE INDEX IF NOT EXISTS chunks_document_idx ON chunks (document_id);
CREATE INDEX IF NOT EXISTS chunks_tsv_gin ON chunks USING GIN (tsv);

CREATE INDEX IF NOT EXISTS chunks_embedding_idx
  ON chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);

CREATE TABLE IF NOT EXISTS threads (
  id         TEXT PRIMARY KEY,
  owner_id   TEXT NOT NULL,
  title      TEXT NOT NULL DEFAULT '',
  updated_at TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE INDEX IF NOT EXISTS threads_owner_idx ON threads (owner_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
  id         TEXT PRIMARY KEY,
  thread_id  TEXT NOT NULL,
  role       TEXT NOT NULL,
  content    TEXT NOT NULL,
  citations  JSONB,
  metadata   JSONB,
  created_at TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE INDEX IF NOT EXISTS messages_thread_idx ON messages (thread_id, created_at);
`
	_, err := s.pool.Exec(ctx, fmt.Sprintf(q, embedDim))
	return err
}

// ---------- documents ----------

func (s *Store) GetDocument(ctx context.Context, id string) (models.Document, bool, error) {
	const q = `SELECT id, owner_id, title, content, updated_at FROM documents WHERE id = $1`
	var d models.Document
	err := s.pool.QueryRow(ctx, q, id).Scan(&d.ID, &d.OwnerID, &d.Title, &d.Content, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Document{}, false, nil
		}
		return models.Document{}, false, err
	}
	return d, true, nil
}

func (s *Store) UpsertDocument(ctx context.Context, d models.Document) error {
	const q = `
		INSERT INTO documents (id, owner_id, title, content, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			title      = EXCLUDED.title,
			content    = EXCLUDED.content,
			updated_at = now();`
	_, err := s.pool.Exec(ctx, q, d.ID, d.OwnerID, d.Title, d.Content)
	return err
}

func (s *Store) ListDocumentIDs(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM documents WHERE owner_id = $1 ORDER BY id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DocumentTitles resolves document IDs to titles for citation enrichment.
func (s *Store) DocumentTitles(ctx context.Context, ids []string) (map[string]string, error) {
	if len(ids) == 0 {
		return map[string]string{}, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id, title FROM documents WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	titles := make(map[string]string, len(ids))
	for rows.Next() {
		var id, title string
		if err := rows.Scan(&id, &title); err != nil {
			return nil, err
		}
		titles[id] = title
	}
	return titles, rows.Err()
}

// ---------- chunks ----------

// DocumentFingerprint returns the content hash shared by the document's
// current chunk generation, or found=false if the document has no chunks.
func (s *Store) DocumentFingerprint(ctx context.Context, documentID string) (string, bool, error) {
	const q = `SELECT content_hash FROM chunks WHERE document_id = $1 LIMIT 1`
	var hash string
	err := s.pool.QueryRow(ctx, q, documentID).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return hash, true, nil
}

// ReplaceChunks deletes the document's previous chunk generation and
// inserts the new one in a single transaction. Chunks are written without
// embeddings; AttachEmbedding fills them in afterwards.
func (s *Store) ReplaceChunks(ctx context.Context, documentID string, chunks []models.Chunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete stale chunks: %w", err)
	}

	const q = `
		INSERT INTO chunks (id, document_id, owner_id, ordinal, content, token_count, content_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`
	for _, c := range chunks {
		if _, err := tx.Exec(ctx, q,
			c.ID, c.DocumentID, c.OwnerID, c.Ordinal, c.Content, c.TokenCount, c.ContentHash,
		); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Ordinal, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) AttachEmbedding(ctx context.Context, chunkID string, vec []float32, model string) error {
	const q = `UPDATE chunks SET embedding = $2, embed_model = $3 WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, chunkID, pgvector.NewVector(vec), model)
	return err
}

// VectorSearch returns the owner's chunks whose embedding cosine
// similarity to vec meets the threshold, most similar first.
func (s *Store) VectorSearch(ctx context.Context, vec []float32, ownerID string, threshold float64, limit int) ([]models.RetrievedPassage, error) {
	const q = `
		SELECT id, document_id, ordinal, content,
		       1 - (embedding <=> $1) AS similarity
		FROM chunks
		WHERE owner_id = $2
		  AND embedding IS NOT NULL
		  AND 1 - (embedding <=> $1) >= $3
		ORDER BY embedding <=> $1
		LIMIT $4`
	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), ownerID, threshold, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPassages(rows, models.SignalDense)
}

// LexicalSearch runs a websearch-style full-text query scoped to the
// owner, ranked by ts_rank_cd descending.
func (s *Store) LexicalSearch(ctx context.Context, query, ownerID string, limit int) ([]models.RetrievedPassage, error) {
	const q = `
		SELECT id, document_id, ordinal, content,
		       ts_rank_cd(tsv, websearch_to_tsquery('english', $1)) AS rank
		FROM chunks
		WHERE owner_id = $2
		  AND tsv @@ websearch_to_tsquery('english', $1)
		ORDER BY rank DESC, id
		LIMIT $3`
	rows, err := s.pool.Query(ctx, q, query, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPassages(rows, models.SignalSparse)
}

func scanPassages(rows pgx.Rows, source models.Signal) ([]models.RetrievedPassage, error) {
	var out []models.RetrievedPassage
	for rows.Next() {
		var p models.RetrievedPassage
		if err := rows.Scan(&p.ChunkID, &p.DocumentID, &p.Ordinal, &p.Content, &p.Score); err != nil {
			return nil, err
		}
		p.Source = source
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---------- threads / messages ----------

func (s *Store) CreateThread(ctx context.Context, t models.Thread) error {
	const q = `INSERT INTO threads (id, owner_id, title, updated_at) VALUES ($1, $2, $3, now())`
	_, err := s.pool.Exec(ctx, q, t.ID, t.OwnerID, t.Title)
	return err
}

func (s *Store) GetThread(ctx context.Context, id, ownerID string) (models.Thread, bool, error) {
	const q = `SELECT id, owner_id, title, updated_at FROM threads WHERE id = $1 AND owner_id = $2`
	var t models.Thread
	err := s.pool.QueryRow(ctx, q, id, ownerID).Scan(&t.ID, &t.OwnerID, &t.Title, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Thread{}, false, nil
		}
		return models.Thread{}, false, err
	}
	return t, true, nil
}

func (s *Store) ListThreads(ctx context.Context, ownerID string) ([]models.Thread, error) {
	const q = `SELECT id, owner_id, title, updated_at FROM threads WHERE owner_id = $1 ORDER BY updated_at DESC`
	rows, err := s.pool.Query(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Thread
	for rows.Next() {
		var t models.Thread
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Title, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) AppendMessage(ctx context.Context, m models.Message) error {
	var citations, metadata []byte
	var err error
	if len(m.Citations) > 0 {
		if citations, err = json.Marshal(m.Citations); err != nil {
			return fmt.Errorf("marshal citations: %w", err)
		}
	}
	if len(m.Metadata) > 0 {
		if metadata, err = json.Marshal(m.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}
	const q = `
		INSERT INTO messages (id, thread_id, role, content, citations, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`
	_, err = s.pool.Exec(ctx, q, m.ID, m.ThreadID, string(m.Role), m.Content, citations, metadata)
	return err
}

// RecentMessages returns the most recent limit messages of the thread in
// chronological order.
func (s *Store) RecentMessages(ctx context.Context, threadID string, limit int) ([]models.Message, error) {
	const q = `
		SELECT id, thread_id, role, content, citations, metadata, created_at
		FROM messages
		WHERE thread_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	rows, err := s.pool.Query(ctx, q, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// Flip newest-first into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) ListMessages(ctx context.Context, threadID string) ([]models.Message, error) {
	const q = `
		SELECT id, thread_id, role, content, citations, metadata, created_at
		FROM messages
		WHERE thread_id = $1
		ORDER BY created_at, id`
	rows, err := s.pool.Query(ctx, q, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]models.Message, error) {
	var out []models.Message
	for rows.Next() {
		var m models.Message
		var role string
		var citations, metadata []byte
		if err := rows.Scan(&m.ID, &m.ThreadID, &role, &m.Content, &citations, &metadata, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = models.Role(role)
		if len(citations) > 0 {
			if err := json.Unmarshal(citations, &m.Citations); err != nil {
				return nil, fmt.Errorf("unmarshal citations: %w", err)
			}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TouchThread bumps the thread's last-activity marker. Concurrent turns
// on one thread race here; last writer wins.
func (s *Store) TouchThread(ctx context.Context, threadID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE threads SET updated_at = now() WHERE id = $1`, threadID)
	return err
}
