// Package store provides storage backends for the Impulso assistant engine.
//
// This file implements the SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "embed"

	"github.com/impulso-labs/impulso/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store on top of a local SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// InsertLead persists a lead and returns its row id.
func (s *SQLiteStore) InsertLead(ctx context.Context, lead models.Lead) (string, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leads (tenant_id, name, email, intent_level, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lead.TenantID, lead.Name, nilIfEmpty(lead.Email), nilIfEmpty(lead.IntentLevel), lead.Status, lead.CreatedAt, lead.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore InsertLead failed", "error", err, "tenantID", lead.TenantID)
		return "", fmt.Errorf("failed to insert lead for tenant %s: %w", lead.TenantID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("failed to read lead id: %w", err)
	}
	slog.Debug("SQLiteStore InsertLead succeeded", "tenantID", lead.TenantID, "leadID", id)
	return strconv.FormatInt(id, 10), nil
}

// AppendUsage records one generation call.
func (s *SQLiteStore) AppendUsage(ctx context.Context, record models.UsageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (tenant_id, conversation_id, model, prompt_tokens, completion_tokens, total_tokens, question, answer, source, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.TenantID, record.ConversationID, record.Model, record.PromptTokens, record.CompletionTokens,
		record.TotalTokens, nilIfEmpty(record.Question), nilIfEmpty(record.Answer), record.Source, record.Timestamp)
	if err != nil {
		slog.Error("SQLiteStore AppendUsage failed", "error", err, "tenantID", record.TenantID, "conversationID", record.ConversationID)
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	slog.Debug("SQLiteStore AppendUsage succeeded", "tenantID", record.TenantID, "totalTokens", record.TotalTokens)
	return nil
}

// AppendMessage appends one turn to conversation history.
func (s *SQLiteStore) AppendMessage(ctx context.Context, tenantID, conversationID, role, content string) error {
	if err := validateKeys(tenantID, conversationID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (tenant_id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		tenantID, conversationID, role, content, time.Now().UTC())
	if err != nil {
		slog.Error("SQLiteStore AppendMessage failed", "error", err, "tenantID", tenantID, "conversationID", conversationID)
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// GetConversationHistory returns up to limit most-recent turns in chronological order.
func (s *SQLiteStore) GetConversationHistory(ctx context.Context, tenantID, conversationID string, limit int) ([]models.ConversationTurn, error) {
	if err := validateKeys(tenantID, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = models.DefaultHistoryWindow
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM chat_messages
		 WHERE tenant_id = ? AND conversation_id = ?
		 ORDER BY id DESC LIMIT ?`,
		tenantID, conversationID, limit)
	if err != nil {
		slog.Error("SQLiteStore GetConversationHistory query failed", "error", err, "tenantID", tenantID, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query conversation history: %w", err)
	}
	defer rows.Close()

	var turns []models.ConversationTurn
	for rows.Next() {
		var t models.ConversationTurn
		if err := rows.Scan(&t.Role, &t.Content, &t.Timestamp); err != nil {
			slog.Error("SQLiteStore GetConversationHistory scan failed", "error", err)
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
func (s *SQLiteStore) TenantUsageStats(ctx context.Context, tenantID string, days int) (*models.TenantUsageStats, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -normalizeDays(days))
	stats := &models.TenantUsageStats{TenantID: tenantID}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0),
		        COALESCE(SUM(total_tokens), 0), COALESCE(AVG(total_tokens), 0)
		 FROM usage_records WHERE tenant_id = ? AND timestamp >= ?`,
		tenantID, cutoff).
		Scan(&stats.TotalRequests, &stats.TotalPromptTokens, &stats.TotalCompletionTokens, &stats.TotalTokens, &stats.AverageTokens)
	if err != nil {
		slog.Error("SQLiteStore TenantUsageStats failed", "error", err, "tenantID", tenantID)
		return nil, fmt.Errorf("failed to aggregate usage stats: %w", err)
	}
	return stats, nil
}

// UsageBySource aggregates a tenant's usage per request source over the last N days.
func (s *SQLiteStore) UsageBySource(ctx context.Context, tenantID string, days int) ([]models.SourceUsage, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -normalizeDays(days))
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(AVG(total_tokens), 0)
		 FROM usage_records WHERE tenant_id = ? AND timestamp >= ?
		 GROUP BY source ORDER BY source`,
		tenantID, cutoff)
	if err != nil {
		slog.Error("SQLiteStore UsageBySource failed", "error", err, "tenantID", tenantID)
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
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
