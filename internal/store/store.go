// Package store provides storage backends for the Impulso assistant engine.
//
// It persists captured leads, token usage records, and conversation history.
// Backends are provided for SQLite and PostgreSQL, plus an in-memory store
// used in tests and local development.
package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/impulso-labs/impulso/internal/models"
)

// Store defines the persistence contract consumed by the orchestrator and
// dispatcher. Leads and usage records are insert-only; conversation history
// is append-only with bounded reads.
type Store interface {
	// InsertLead persists a captured lead and returns its id.
	InsertLead(ctx context.Context, lead models.Lead) (string, error)

	// AppendUsage records one completed generation call.
	AppendUsage(ctx context.Context, record models.UsageRecord) error

	// AppendMessage appends one conversation turn to durable history.
	AppendMessage(ctx context.Context, tenantID, conversationID, role, content string) error

	// GetConversationHistory returns up to limit most-recent turns in
	// chronological order. Older turns remain in durable history but are
	// not returned.
	GetConversationHistory(ctx context.Context, tenantID, conversationID string, limit int) ([]models.ConversationTurn, error)

	// TenantUsageStats aggregates a tenant's usage over the last N days.
	TenantUsageStats(ctx context.Context, tenantID string, days int) (*models.TenantUsageStats, error)

	// UsageBySource aggregates a tenant's usage per request source over the last N days.
	UsageBySource(ctx context.Context, tenantID string, days int) ([]models.SourceUsage, error)

	// Close releases the underlying resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database DSN (file path for SQLite, connection string for Postgres).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// storedMessage is the in-memory representation of one history row.
type storedMessage struct {
	tenantID       string
	conversationID string
	turn           models.ConversationTurn
}

// InMemoryStore is a mutex-guarded store used in tests and local development.
type InMemoryStore struct {
	mu       sync.Mutex
	leads    []models.Lead
	usage    []models.UsageRecord
	messages []storedMessage
	nextID   int
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{nextID: 1}
}

// InsertLead persists a lead in memory and returns a synthetic id.
func (s *InMemoryStore) InsertLead(ctx context.Context, lead models.Lead) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead.ID = strconv.Itoa(s.nextID)
	s.nextID++
	s.leads = append(s.leads, lead)
	return lead.ID, nil
}

// AppendUsage records a usage entry in memory.
func (s *InMemoryStore) AppendUsage(ctx context.Context, record models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, record)
	return nil
}

// AppendMessage appends a conversation turn in memory.
func (s *InMemoryStore) AppendMessage(ctx context.Context, tenantID, conversationID, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, storedMessage{
		tenantID:       tenantID,
		conversationID: conversationID,
		turn:           models.ConversationTurn{Role: role, Content: content, Timestamp: time.Now().UTC()},
	})
	return nil
}

// GetConversationHistory returns the bounded recent history for a conversation.
func (s *InMemoryStore) GetConversationHistory(ctx context.Context, tenantID, conversationID string, limit int) ([]models.ConversationTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var turns []models.ConversationTurn
	for _, m := range s.messages {
		if m.tenantID == tenantID && m.conversationID == conversationID {
			turns = append(turns, m.turn)
		}
	}
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

// TenantUsageStats aggregates in-memory usage for a tenant.
func (s *InMemoryStore) TenantUsageStats(ctx context.Context, tenantID string, days int) (*models.TenantUsageStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().AddDate(0, 0, -normalizeDays(days))
	stats := &models.TenantUsageStats{TenantID: tenantID}
	for _, u := range s.usage {
		if u.TenantID != tenantID || u.Timestamp.Before(cutoff) {
			continue
		}
		stats.TotalRequests++
		stats.TotalPromptTokens += u.PromptTokens
		stats.TotalCompletionTokens += u.CompletionTokens
		stats.TotalTokens += u.TotalTokens
	}
	if stats.TotalRequests > 0 {
		stats.AverageTokens = float64(stats.TotalTokens) / float64(stats.TotalRequests)
	}
	return stats, nil
}

// UsageBySource aggregates in-memory usage per source for a tenant.
func (s *InMemoryStore) UsageBySource(ctx context.Context, tenantID string, days int) ([]models.SourceUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().AddDate(0, 0, -normalizeDays(days))
	bySource := make(map[string]*models.SourceUsage)
	for _, u := range s.usage {
		if u.TenantID != tenantID || u.Timestamp.Before(cutoff) {
			continue
		}
		agg, ok := bySource[u.Source]
		if !ok {
			agg = &models.SourceUsage{Source: u.Source}
			bySource[u.Source] = agg
		}
		agg.Requests++
		agg.TotalTokens += u.TotalTokens
	}
	var result []models.SourceUsage
	for _, agg := range bySource {
		agg.AverageTokens = float64(agg.TotalTokens) / float64(agg.Requests)
		result = append(result, *agg)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Source < result[j].Source })
	return result, nil
}

// Leads returns a copy of all stored leads, for test assertions.
func (s *InMemoryStore) Leads() []models.Lead {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Lead, len(s.leads))
	copy(out, s.leads)
	return out
}

// UsageRecords returns a copy of all stored usage records, for test assertions.
func (s *InMemoryStore) UsageRecords() []models.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.UsageRecord, len(s.usage))
	copy(out, s.usage)
	return out
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

// normalizeDays clamps an aggregation window to a sane positive value.
func normalizeDays(days int) int {
	if days <= 0 {
		return 30
	}
	return days
}

// validateKeys rejects empty partition keys before touching the database.
func validateKeys(tenantID, conversationID string) error {
	if tenantID == "" {
		return models.ErrEmptyTenantID
	}
	if conversationID == "" {
		return fmt.Errorf("conversation id cannot be empty")
	}
	return nil
}
