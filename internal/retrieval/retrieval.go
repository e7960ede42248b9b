// Package retrieval provides tenant-scoped semantic search over the
// knowledge base, backed by PostgreSQL with the pgvector extension.
//
// Every query is filtered by tenant in SQL and re-checked on scan: a
// snippet belonging to another tenant must never reach a prompt.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/impulso-labs/impulso/internal/models"
)

// DefaultQueryTimeout bounds every search and insert against the vector store.
const DefaultQueryTimeout = 10 * time.Second

// DefaultK is the number of snippets returned when the caller does not specify one.
const DefaultK = 3

// knowledgeSchema creates the document table. The embedding dimension
// matches OpenAI text-embedding-3-small.
const knowledgeSchema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS knowledge_documents (
    id UUID PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    content TEXT NOT NULL,
    embedding vector(1536) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_knowledge_tenant ON knowledge_documents(tenant_id);
`

// Embedder converts text into an embedding vector for similarity queries.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the retrieval contract consumed by the orchestrator.
type Searcher interface {
	Search(ctx context.Context, query, tenantID string, k int) ([]models.RetrievedSnippet, error)
}

// Store implements tenant-scoped semantic search on PostgreSQL + pgvector.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool     *pgxpool.Pool
	embedder Embedder
}

// NewStore creates a retrieval store and ensures the knowledge schema exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool, embedder Embedder) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if _, err := pool.Exec(ctx, knowledgeSchema); err != nil {
		slog.Error("retrieval.NewStore: failed to ensure knowledge schema", "error", err)
		return nil, fmt.Errorf("failed to ensure knowledge schema: %w", err)
	}
	return &Store{pool: pool, embedder: embedder}, nil
}

// Search embeds the query and returns the k nearest snippets for the tenant,
// ordered by similarity.
func (s *Store) Search(ctx context.Context, query, tenantID string, k int) ([]models.RetrievedSnippet, error) {
	if tenantID == "" {
		return nil, models.ErrEmptyTenantID
	}
	if k <= 0 {
		k = DefaultK
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT content, tenant_id
		 FROM knowledge_documents
		 WHERE tenant_id = $2
		 ORDER BY embedding <=> $1
		 LIMIT $3`,
		pgvector.NewVector(vec), tenantID, k)
	if err != nil {
		slog.Error("retrieval.Search: similarity query failed", "error", err, "tenantID", tenantID)
		return nil, fmt.Errorf("similarity query failed: %w", err)
	}
	defer rows.Close()

	var snippets []models.RetrievedSnippet
	for rows.Next() {
		var sn models.RetrievedSnippet
		if err := rows.Scan(&sn.Text, &sn.TenantID); err != nil {
			return nil, fmt.Errorf("failed to scan snippet row: %w", err)
		}
		snippets = append(snippets, sn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snippet rows: %w", err)
	}

	snippets = FilterByTenant(snippets, tenantID)
	slog.Debug("retrieval.Search: search completed", "tenantID", tenantID, "k", k, "results", len(snippets))
	return snippets, nil
}

// AddDocument embeds and stores a knowledge document for a tenant, returning
// the new document id.
func (s *Store) AddDocument(ctx context.Context, text, tenantID string) (string, error) {
	if tenantID == "" {
		return "", models.ErrEmptyTenantID
	}
	if text == "" {
		return "", fmt.Errorf("document text cannot be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("failed to embed document: %w", err)
	}

	id := uuid.New()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO knowledge_documents (id, tenant_id, content, embedding) VALUES ($1, $2, $3, $4)`,
		id, tenantID, text, pgvector.NewVector(vec))
	if err != nil {
		slog.Error("retrieval.AddDocument: insert failed", "error", err, "tenantID", tenantID)
		return "", fmt.Errorf("failed to insert document: %w", err)
	}
	slog.Info("retrieval.AddDocument: document indexed", "tenantID", tenantID, "id", id, "length", len(text))
	return id.String(), nil
}

// FilterByTenant drops any snippet whose tenant does not match the
// requesting tenant. The SQL query already filters, but cross-tenant
// leakage is a correctness violation, so mismatches are discarded and
// logged here as well.
func FilterByTenant(snippets []models.RetrievedSnippet, tenantID string) []models.RetrievedSnippet {
	filtered := snippets[:0]
	for _, sn := range snippets {
		if sn.TenantID != tenantID {
			slog.Error("retrieval.FilterByTenant: dropping cross-tenant snippet", "want", tenantID, "got", sn.TenantID)
			continue
		}
		filtered = append(filtered, sn)
	}
	return filtered
}
