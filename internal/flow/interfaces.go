package flow

import (
	"context"

	"github.com/impulso-labs/impulso/internal/genai"
	"github.com/impulso-labs/impulso/internal/models"
)

// GenerationClient produces the raw model output for one composed prompt.
type GenerationClient interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (*genai.GenerationResult, error)
}

// Searcher returns tenant-scoped context snippets for a query.
type Searcher interface {
	Search(ctx context.Context, query, tenantID string, k int) ([]models.RetrievedSnippet, error)
}

// Calendar is the scheduling collaborator consumed by the dispatcher.
type Calendar interface {
	ListAvailability(ctx context.Context, tenantID, preferredDate string, daysAhead, maxSlots int) ([]models.DayAvailability, error)
	CheckSlot(ctx context.Context, tenantID, date, timeOfDay string) (bool, error)
	Book(ctx context.Context, req models.BookingRequest) (*models.BookingResult, error)
}

// MessagingService delivers escalation notices to the support contact.
type MessagingService interface {
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)
	SendText(ctx context.Context, to string, body string) error
}

// LeadStore persists captured leads.
type LeadStore interface {
	InsertLead(ctx context.Context, lead models.Lead) (string, error)
}

// HistoryStore reads and appends conversation turns.
type HistoryStore interface {
	AppendMessage(ctx context.Context, tenantID, conversationID, role, content string) error
	GetConversationHistory(ctx context.Context, tenantID, conversationID string, limit int) ([]models.ConversationTurn, error)
}

// UsageStore appends token accounting records.
type UsageStore interface {
	AppendUsage(ctx context.Context, record models.UsageRecord) error
}

// TurnStore is the persistence surface one turn needs. The store package's
// Store interface satisfies it.
type TurnStore interface {
	LeadStore
	HistoryStore
	UsageStore
}
