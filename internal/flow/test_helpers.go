package flow

import (
	"context"
	"sync"

	"github.com/impulso-labs/impulso/internal/genai"
	"github.com/impulso-labs/impulso/internal/models"
)

// Test doubles for the flow package. Each collaborator interface has a mock
// with injectable results and failures plus call recording.

type mockGenerator struct {
	result *genai.GenerationResult
	err    error

	calls            int
	lastSystemPrompt string
	lastUserPrompt   string
}

func (m *mockGenerator) Generate(ctx context.Context, systemPrompt, userPrompt string) (*genai.GenerationResult, error) {
	m.calls++
	m.lastSystemPrompt = systemPrompt
	m.lastUserPrompt = userPrompt
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

type mockSearcher struct {
	snippets []models.RetrievedSnippet
	err      error

	calls      int
	lastQuery  string
	lastTenant string
	lastK      int
}

func (m *mockSearcher) Search(ctx context.Context, query, tenantID string, k int) ([]models.RetrievedSnippet, error) {
	m.calls++
	m.lastQuery = query
	m.lastTenant = tenantID
	m.lastK = k
	if m.err != nil {
		return nil, m.err
	}
	return m.snippets, nil
}

type mockCalendar struct {
	availability    []models.DayAvailability
	availabilityErr error
	slotAvailable   bool
	checkErr        error
	bookResult      *models.BookingResult
	bookErr         error

	listCalls     int
	lastDaysAhead int
	lastMaxSlots  int
	checkCalls    int
	lastCheckDate string
	lastCheckTime string
	bookCalls     int
	lastBooking   models.BookingRequest
}

func (m *mockCalendar) ListAvailability(ctx context.Context, tenantID, preferredDate string, daysAhead, maxSlots int) ([]models.DayAvailability, error) {
	m.listCalls++
	m.lastDaysAhead = daysAhead
	m.lastMaxSlots = maxSlots
	if m.availabilityErr != nil {
		return nil, m.availabilityErr
	}
	return m.availability, nil
}

func (m *mockCalendar) CheckSlot(ctx context.Context, tenantID, date, timeOfDay string) (bool, error) {
	m.checkCalls++
	m.lastCheckDate = date
	m.lastCheckTime = timeOfDay
	if m.checkErr != nil {
		return false, m.checkErr
	}
	return m.slotAvailable, nil
}

func (m *mockCalendar) Book(ctx context.Context, req models.BookingRequest) (*models.BookingResult, error) {
	m.bookCalls++
	m.lastBooking = req
	if m.bookErr != nil {
		return nil, m.bookErr
	}
	return m.bookResult, nil
}

type sentMessage struct {
	to   string
	body string
}

type mockMessenger struct {
	sendErr error
	// sentCh, when set, receives every delivered message. Escalation sends
	// run on a background goroutine; tests wait on this channel.
	sentCh chan sentMessage

	mu   sync.Mutex
	sent []sentMessage
}

func (m *mockMessenger) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return recipient, nil
}

func (m *mockMessenger) SendText(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	m.sent = append(m.sent, sentMessage{to: to, body: body})
	m.mu.Unlock()
	if m.sentCh != nil {
		m.sentCh <- sentMessage{to: to, body: body}
	}
	return m.sendErr
}

func (m *mockMessenger) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type storedTurn struct {
	tenantID       string
	conversationID string
	role           string
	content        string
}

type mockTurnStore struct {
	insertErr  error
	appendErr  error
	historyErr error
	usageErr   error
	history    []models.ConversationTurn

	mu       sync.Mutex
	leads    []models.Lead
	messages []storedTurn
	usage    []models.UsageRecord
}

func (m *mockTurnStore) InsertLead(ctx context.Context, lead models.Lead) (string, error) {
	if m.insertErr != nil {
		return "", m.insertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leads = append(m.leads, lead)
	return "1", nil
}

func (m *mockTurnStore) AppendMessage(ctx context.Context, tenantID, conversationID, role, content string) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, storedTurn{tenantID: tenantID, conversationID: conversationID, role: role, content: content})
	return nil
}

func (m *mockTurnStore) GetConversationHistory(ctx context.Context, tenantID, conversationID string, limit int) ([]models.ConversationTurn, error) {
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	return m.history, nil
}

func (m *mockTurnStore) AppendUsage(ctx context.Context, record models.UsageRecord) error {
	if m.usageErr != nil {
		return m.usageErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, record)
	return nil
}

func (m *mockTurnStore) leadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leads)
}
