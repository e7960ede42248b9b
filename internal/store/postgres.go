// Package store provides storage backends for the Impulso assistant engine.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	_ "embed"

	"github.com/impulso-labs/impulso/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store on top of a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// InsertLead persists a lead and returns its row id.
func (s *PostgresStore) InsertLead(ctx context.Context, lead models.Lead) (string, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO leads (tenant_id, name, email, intent_level, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		lead.TenantID, lead.Name, nilIfEmpty(lead.Email), nilIfEmpty(lead.IntentLevel), lead.Status, lead.CreatedAt, lead.UpdatedAt).
		Scan(&id)
	if err != nil {
		slog.Error("PostgresStore InsertLead failed", "error", err, "tenantID", lead.TenantID)
		return "", fmt.Errorf("failed to insert lead for tenant %s: %w", lead.TenantID, err)
	}
	slog.Debug("PostgresStore InsertLead succeeded", "tenantID", lead.TenantID, "leadID", id)
	return strconv.FormatInt(id, 10), nil
}

// AppendUsage records one generation call.
func (s *PostgresStore) AppendUsage(ctx context.Context, record models.UsageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (tenant_id, conversation_id, model, prompt_tokens, completion_tokens, total_tokens, question, answer, source, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		record.TenantID, record.ConversationID, record.Model, record.PromptTokens, record.CompletionTokens,
		record.TotalTokens, nilIfEmpty(record.Question), nilIfEmpty(record.Answer), record.Source, record.Timestamp)
	if err != nil {
		slog.Error("PostgresStore AppendUsage failed", "error", err, "tenantID", record.TenantID, "conversationID", record.ConversationID)
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// AppendMessage appends one turn to conversation history.
func (s *PostgresStore) AppendMessage(ctx context.Context, tenantID, conversationID, role, content string) error {
	if err := validateKeys(tenantID, conversationID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (tenant_id, conversation_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		tenantID, conversationID, role, content, time.Now().UTC())
	if err != nil {
		slog.Error("PostgresStore AppendMessage failed", "error", err, "tenantID", tenantID, "conversationID", conversationID)
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// GetConversationHistory returns up to limit most-recent turns in chronological order.
func (s *PostgresStore) GetConversationHistory(ctx context.Context, tenantID, conversationID string, limit int) ([]models.ConversationTurn, error) {
	if err := validateKeys(tenantID, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = models.DefaultHistoryWindow
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM chat_messages
		 WHERE tenant_id = $1 AND conversation_id = $2
		 ORDER BY id DESC LIMIT $3`,
		tenantID, conversationID, limit)
	if err != nil {
		slog.Error("PostgresStore GetConversationHistory query failed", "error", err, "tenantID", tenantID, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query conversation history: %w", err)
	}
	defer rows.Close()

	var turns []models.ConversationTurn
	for rows.Next() {
		var t models.ConversationTurn
		if err := rows.Scan(&t.Role, &t.Content, &t.Timestamp); err != nil {
			slog.Error("PostgresStore GetConversationHistory scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history rows: %w", err)
	}
	reverseTurns(turns)
	return turns, nil
}

// TenantUsageStats aggregates a tenant's usage over the last N days.
func (s *PostgresStore) TenantUsageStats(ctx context.Context, tenantID string, days int) (*models.TenantUsageStats, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -normalizeDays(days))
	stats := &models.TenantUsageStats{TenantID: tenantID}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0),
		        COALESCE(SUM(total_tokens), 0), COALESCE(AVG(total_tokens), 0)
		 FROM usage_records WHERE tenant_id = $1 AND timestamp >= $2`,
		tenantID, cutoff).
		Scan(&stats.TotalRequests, &stats.TotalPromptTokens, &stats.TotalCompletionTokens, &stats.TotalTokens, &stats.AverageTokens)
	if err != nil {
		slog.Error("PostgresStore TenantUsageStats failed", "error", err, "tenantID", tenantID)
		return nil, fmt.Errorf("failed to aggregate usage stats: %w", err)
	}
	return stats, nil
}

// UsageBySource aggregates a tenant's usage per request source over the last N days.
func (s *PostgresStore) UsageBySource(ctx context.Context, tenantID string, days int) ([]models.SourceUsage, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -normalizeDays(days))
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(AVG(total_tokens), 0)
		 FROM usage_records WHERE tenant_id = $1 AND timestamp >= $2
		 GROUP BY source ORDER BY source`,
		tenantID, cutoff)
	if err != nil {
		slog.Error("PostgresStore UsageBySource failed", "error", err, "tenantID", tenantID)
		return nil, fmt.Errorf("failed to aggregate usage by source: %w", err)
	}
	defer rows.Close()

	var result []models.SourceUsage
	for rows.Next() {
		var u models.SourceUsage
		if err := rows.Scan(&u.Source, &u.Requests, &u.TotalTokens, &u.AverageTokens); err != nil {
			return nil, fmt.Errorf("failed to scan source usage row: %w", err)
		}
		result = append(result, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate source usage rows: %w", err)
	}
	return result, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
