// Package models defines the core data structures for the Impulso assistant engine.
//
// It includes the tagged action variants extracted from model output, the
// conversation and retrieval types used for prompting, and the persistence
// records shared across modules.
package models

import (
	"errors"
	"time"
)

// ActionKind discriminates the structured action embedded in model output.
type ActionKind string

const (
	// ActionNone indicates a plain free-text reply with no side effect.
	ActionNone ActionKind = "none"
	// ActionCreateEvent books an appointment on the tenant's calendar.
	ActionCreateEvent ActionKind = "create_event"
	// ActionCheckAvailability asks for open appointment slots.
	ActionCheckAvailability ActionKind = "check_availability"
	// ActionCaptureLead records a sales lead from the conversation.
	ActionCaptureLead ActionKind = "capture_lead"
	// ActionEscalateSupport forwards the conversation to a human support contact.
	ActionEscalateSupport ActionKind = "escalate_support"
)

// IsValidActionKind checks if the given action kind is one of the recognized variants.
func IsValidActionKind(k ActionKind) bool {
	switch k {
	case ActionNone, ActionCreateEvent, ActionCheckAvailability, ActionCaptureLead, ActionEscalateSupport:
		return true
	default:
		return false
	}
}

// Conversation role markers.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Lead field defaults and normalization constants.
const (
	// LeadStatusNew is the status assigned to every freshly captured lead.
	LeadStatusNew = "new"
	// DefaultLeadName is used when a lead is captured without a name.
	DefaultLeadName = "Unknown"
	// IntentBandMediumHigh is the normalized intent marker stored for any
	// lead that carried an intent level.
	IntentBandMediumHigh = "medium/high"
)

// Availability and prompting bounds.
const (
	// DefaultHistoryWindow bounds the number of recent turns included in a prompt.
	DefaultHistoryWindow = 10
	// AvailabilityLookAheadDays is the fixed look-ahead window for availability queries.
	AvailabilityLookAheadDays = 7
	// AvailabilityMaxSlots caps the number of slots fetched per availability query.
	AvailabilityMaxSlots = 50
	// MaxSuggestedSlots caps how many alternative slots are offered to the user.
	MaxSuggestedSlots = 3
	// DefaultEventDuration is the length of a booked appointment when the
	// calendar service is not told otherwise.
	DefaultEventDuration = time.Hour
)

// Error variables for better error handling and testability
var (
	ErrEmptyTenantID         = errors.New("tenant id cannot be empty")
	ErrEmptyQuestion         = errors.New("question cannot be empty")
	ErrMissingGuestEmails    = errors.New("guest emails are required to book an event")
	ErrMissingEventDate      = errors.New("event date is required to book an event")
	ErrMissingEventTime      = errors.New("event start time is required to book an event")
	ErrMissingSupportContact = errors.New("support contact is not configured")
	ErrMissingUserPhone      = errors.New("user phone is required for escalation")
	ErrTenantMismatch        = errors.New("retrieved snippet belongs to a different tenant")
)

// Action is the tagged variant produced by the action parser. At most one
// action is extracted per turn; any payload that cannot be decoded degrades
// to ActionNone, never to an error.
type Action struct {
	Kind     ActionKind `json:"action"`
	TenantID string     `json:"tenant_id,omitempty"`

	// CreateEvent fields
	Date        string   `json:"date,omitempty"`
	StartTime   string   `json:"start_time,omitempty"` // ISO-8601 with timezone offset
	Title       string   `json:"title,omitempty"`
	GuestEmails []string `json:"guest_emails,omitempty"`

	// CheckAvailability fields
	PreferredDate string `json:"preferred_date,omitempty"`

	// CaptureLead fields
	Name         string `json:"name,omitempty"`
	Email        string `json:"email,omitempty"`
	IntentLevel  string `json:"intent_level,omitempty"` // "medium" or "high"
	ResponseText string `json:"response_text,omitempty"`

	// EscalateSupport fields
	UserPhone string `json:"user_phone,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// HasLeadContact reports whether the action carries at least one way to
// reach the lead. Without any contact data no lead is persisted.
func (a *Action) HasLeadContact() bool {
	return a.Name != "" || a.Email != "" || len(a.GuestEmails) > 0
}

// PrimaryEmail collapses the guest email list to a single primary address,
// preferring the explicit email field when present.
func (a *Action) PrimaryEmail() string {
	if a.Email != "" {
		return a.Email
	}
	if len(a.GuestEmails) > 0 {
		return a.GuestEmails[0]
	}
	return ""
}

// ConversationTurn represents a single recorded message in a conversation.
// Turns are immutable once recorded.
type ConversationTurn struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// RetrievedSnippet is a single tenant-scoped context fragment returned by
// semantic search. Snippets whose tenant does not match the requesting
// tenant must never reach a prompt.
type RetrievedSnippet struct {
	Text     string `json:"text"`
	TenantID string `json:"tenant_id"`
}

// PromptContext is the fully assembled input for one generation call.
// It is constructed fresh per turn and discarded after dispatch.
type PromptContext struct {
	TenantID      string
	Timezone      string
	HistoryText   string
	RetrievedText string
	UserQuestion  string
}

// AvailabilitySlot is a single bookable slot reported by the calendar service.
type AvailabilitySlot struct {
	Date        string `json:"date"`       // YYYY-MM-DD
	StartTime   string `json:"start_time"` // HH:MM local time
	BusinessDay bool   `json:"business_day"`
}

// DayAvailability groups the open slots of a single calendar day.
type DayAvailability struct {
	Date  string             `json:"date"`
	Slots []AvailabilitySlot `json:"slots"`
}

// BookingStatus discriminates the outcome of a booking attempt. The calendar
// collaborator reports it in the response body; the HTTP status alone does
// not distinguish a lost race from a hard failure.
type BookingStatus string

const (
	// BookingStatusSuccess indicates the appointment was created.
	BookingStatusSuccess BookingStatus = "success"
	// BookingStatusConflict indicates the slot was taken between the
	// pre-flight check and the booking call.
	BookingStatusConflict BookingStatus = "conflict"
	// BookingStatusError indicates any other booking failure.
	BookingStatusError BookingStatus = "error"
)

// BookingRequest carries the fields the calendar service needs to create an event.
type BookingRequest struct {
	TenantID    string   `json:"tenant_id"`
	Title       string   `json:"title"`
	StartTime   string   `json:"start_time"` // ISO-8601 with timezone offset
	GuestEmails []string `json:"guest_emails"`
}

// BookingResult is the discriminated outcome of a booking attempt.
type BookingResult struct {
	Status      BookingStatus      `json:"status"`
	Message     string             `json:"message,omitempty"`
	Suggestions []AvailabilitySlot `json:"suggestions,omitempty"`
}

// Lead represents a captured sales contact. Leads are created exactly once
// per successful capture or booking; status transitions beyond "new" belong
// to the downstream CRM.
type Lead struct {
	ID          string    `json:"id,omitempty"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Email       string    `json:"email,omitempty"`
	IntentLevel string    `json:"intent_level,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UsageRecord is an append-only accounting entry for one completed
// generation call. Records are never mutated or deleted.
type UsageRecord struct {
	TenantID         string    `json:"tenant_id"`
	ConversationID   string    `json:"conversation_id"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	Question         string    `json:"question,omitempty"`
	Answer           string    `json:"answer,omitempty"`
	Source           string    `json:"source"`
	Timestamp        time.Time `json:"timestamp"`
}

// TenantUsageStats aggregates a tenant's token consumption over a window.
type TenantUsageStats struct {
	TenantID              string  `json:"tenant_id"`
	TotalRequests         int64   `json:"total_requests"`
	TotalPromptTokens     int64   `json:"total_prompt_tokens"`
	TotalCompletionTokens int64   `json:"total_completion_tokens"`
	TotalTokens           int64   `json:"total_tokens"`
	AverageTokens         float64 `json:"average_tokens_per_request"`
}

// SourceUsage aggregates token consumption for a single request source.
type SourceUsage struct {
	Source        string  `json:"source"`
	Requests      int64   `json:"requests"`
	TotalTokens   int64   `json:"total_tokens"`
	AverageTokens float64 `json:"average_tokens"`
}
