// Package store implements the project-local vector store backing
// retrieval: document chunks and their embeddings in SQLite at
// .hermit/index.db. Similarity search embeds the query and ranks chunks
// by cosine similarity in Go.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"hermit/internal/embedding"
	"hermit/internal/logging"
	"hermit/internal/types"
)

// VectorStore is the durable side of the retrieval pipeline. It shares no
// mutable state with the session machinery; chat only ever reads it.
type VectorStore struct {
	db       *sql.DB
	embedder types.Embedder
	mu       sync.RWMutex
	logger   *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	doc_id TEXT NOT NULL,
	origin TEXT NOT NULL,
	content TEXT NOT NULL,
	embedding BLOB NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(doc_id)
);
CREATE INDEX IF NOT EXISTS idx_documents_origin ON documents(origin);
`

// Open initializes the SQLite database at path.
func Open(path string, embedder types.Embedder) (*VectorStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &VectorStore{
		db:       db,
		embedder: embedder,
		logger:   logging.Named("store"),
	}, nil
}

// Close closes the underlying database.
func (s *VectorStore) Close() error { return s.db.Close() }

// EmbedAndInsert embeds text and upserts it under docID. Re-ingesting a
// changed chunk replaces the stale row.
func (s *VectorStore) EmbedAndInsert(ctx context.Context, docID, origin, text string) error {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed %s: %w", docID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (doc_id, origin, content, embedding) VALUES (?, ?, ?, ?)
		 ON CONFLICT(doc_id) DO UPDATE SET origin=excluded.origin, content=excluded.content, embedding=excluded.embedding`,
		docID, origin, text, encodeVector(vec),
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", docID, err)
	}
	s.logger.Debug("chunk indexed", zap.String("doc_id", docID), zap.Int("dims", len(vec)))
	return nil
}

// DeleteByOrigin removes all chunks ingested from a given origin path.
// Used by watch-mode re-ingestion when a file is removed.
func (s *VectorStore) DeleteByOrigin(ctx context.Context, origin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE origin = ?", origin)
	if err != nil {
		return fmt.Errorf("delete origin %s: %w", origin, err)
	}
	return nil
}

// Count returns the number of indexed chunks.
func (s *VectorStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Query embeds text and returns the topK most similar chunks, highest
// relevance first. Read-only.
func (s *VectorStore) Query(ctx context.Context, text string, topK int) ([]types.RetrievedFragment, error) {
	if topK <= 0 {
		topK = 4
	}

	queryVec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT doc_id, origin, content, embedding FROM documents")
	if err != nil {
		return nil, fmt.Errorf("scan documents: %w", err)
	}
	defer rows.Close()

	var fragments []types.RetrievedFragment
	for rows.Next() {
		var docID, origin, content string
		var blob []byte
		if err := rows.Scan(&docID, &origin, &content, &blob); err != nil {
			return nil, err
		}
		vec, err := decodeVector(blob)
		if err != nil {
			s.logger.Warn("skipping chunk with bad embedding",
				zap.String("doc_id", docID), zap.Error(err))
			continue
		}
		fragments = append(fragments, types.RetrievedFragment{
			SourceID:  docID,
			Text:      content,
			Relevance: embedding.CosineSimilarity(queryVec, vec),
			Origin:    origin,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(fragments, func(i, j int) bool {
		return fragments[i].Relevance > fragments[j].Relevance
	})
	if len(fragments) > topK {
		fragments = fragments[:topK]
	}
	return fragments, nil
}
