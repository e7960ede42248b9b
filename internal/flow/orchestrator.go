package flow

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/impulso-labs/impulso/internal/models"
	"github.com/impulso-labs/impulso/internal/retrieval"
	"github.com/impulso-labs/impulso/internal/util"
)

// DefaultTimezone is embedded into prompts and event timestamps when no
// tenant timezone is configured.
const DefaultTimezone = "America/Mexico_City"

// DefaultSource labels usage records whose caller did not declare a source.
const DefaultSource = "api"

// TurnRequest carries one inbound user message.
type TurnRequest struct {
	TenantID       string
	ConversationID string
	Question       string
	Source         string
}

// OrchestratorOpts holds optional orchestrator configuration.
type OrchestratorOpts struct {
	DefaultTenant string
	Timezone      string
	HistoryWindow int
	RetrievalK    int
}

// OrchestratorOption configures the orchestrator.
type OrchestratorOption func(*OrchestratorOpts)

// WithDefaultTenant sets the tenant used when a request omits one.
func WithDefaultTenant(tenant string) OrchestratorOption {
	return func(o *OrchestratorOpts) { o.DefaultTenant = tenant }
}

// WithTimezone sets the timezone embedded into prompts.
func WithTimezone(tz string) OrchestratorOption {
	return func(o *OrchestratorOpts) { o.Timezone = tz }
}

// WithHistoryWindow bounds how many recent turns are included in a prompt.
func WithHistoryWindow(n int) OrchestratorOption {
	return func(o *OrchestratorOpts) { o.HistoryWindow = n }
}

// WithRetrievalK sets how many context snippets are fetched per turn.
func WithRetrievalK(k int) OrchestratorOption {
	return func(o *OrchestratorOpts) { o.RetrievalK = k }
}

// Orchestrator sequences one conversational turn: history, retrieval, prompt
// composition, generation, action parsing, dispatch, and bookkeeping. Every
// persistence step is best-effort; a turn always produces a reply once its
// input validates.
type Orchestrator struct {
	composer   *PromptComposer
	generator  GenerationClient
	searcher   Searcher
	dispatcher *Dispatcher
	store      TurnStore

	defaultTenant string
	timezone      string
	historyWindow int
	retrievalK    int
}

// NewOrchestrator wires the turn pipeline. searcher may be nil when no vector
// store is configured; turns then run without retrieved context. Defaults
// fall back to the DEFAULT_TENANT_ID and ASSISTANT_TIMEZONE environment
// variables.
func NewOrchestrator(composer *PromptComposer, generator GenerationClient, searcher Searcher, dispatcher *Dispatcher, store TurnStore, opts ...OrchestratorOption) *Orchestrator {
	cfg := OrchestratorOpts{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DefaultTenant == "" {
		cfg.DefaultTenant = os.Getenv("DEFAULT_TENANT_ID")
	}
	if cfg.Timezone == "" {
		cfg.Timezone = os.Getenv("ASSISTANT_TIMEZONE")
	}
	if cfg.Timezone == "" {
		cfg.Timezone = DefaultTimezone
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = util.ParseIntEnv("HISTORY_WINDOW_SIZE", models.DefaultHistoryWindow)
	}
	if cfg.RetrievalK <= 0 {
		cfg.RetrievalK = util.ParseIntEnv("RETRIEVAL_TOP_K", retrieval.DefaultK)
	}
	return &Orchestrator{
		composer:      composer,
		generator:     generator,
		searcher:      searcher,
		dispatcher:    dispatcher,
		store:         store,
		defaultTenant: cfg.DefaultTenant,
		timezone:      cfg.Timezone,
		historyWindow: cfg.HistoryWindow,
		retrievalK:    cfg.RetrievalK,
	}
}

// HandleTurn processes one user message and returns the reply. It fails only
// on invalid input; every downstream error degrades to a safe reply.
func (o *Orchestrator) HandleTurn(ctx context.Context, req TurnRequest) (string, error) {
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = o.defaultTenant
	}
	if tenantID == "" {
		return "", models.ErrEmptyTenantID
	}
	if strings.TrimSpace(req.Question) == "" {
		return "", models.ErrEmptyQuestion
	}
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	source := req.Source
	if source == "" {
		source = DefaultSource
	}

	history, err := o.store.GetConversationHistory(ctx, tenantID, conversationID, o.historyWindow)
	if err != nil {
		slog.Error("Orchestrator.HandleTurn: history read failed, continuing without history",
			"tenant", tenantID, "conversation", conversationID, "error", err)
		history = nil
	}
	if err := o.store.AppendMessage(ctx, tenantID, conversationID, models.RoleUser, req.Question); err != nil {
		slog.Error("Orchestrator.HandleTurn: user turn append failed",
			"tenant", tenantID, "conversation", conversationID, "error", err)
	}

	var snippets []models.RetrievedSnippet
	if o.searcher != nil {
		snippets, err = o.searcher.Search(ctx, req.Question, tenantID, o.retrievalK)
		if err != nil {
			slog.Error("Orchestrator.HandleTurn: retrieval failed, continuing without context",
				"tenant", tenantID, "conversation", conversationID, "error", err)
			snippets = nil
		}
		snippets = retrieval.FilterByTenant(snippets, tenantID)
	}

	pctx := o.composer.Compose(tenantID, o.timezone, history, snippets, req.Question)
	systemPrompt, userPrompt := o.composer.BuildPrompts(pctx)

	gen, err := o.generator.Generate(ctx, systemPrompt, userPrompt)
	if err != nil {
		slog.Error("Orchestrator.HandleTurn: generation failed",
			"tenant", tenantID, "conversation", conversationID, "error", err)
		o.appendAssistantTurn(ctx, tenantID, conversationID, replyFallback)
		return replyFallback, nil
	}

	action, replyText := ParseAction(gen.Text)
	reply := o.dispatcher.Dispatch(ctx, TurnContext{TenantID: tenantID, ConversationID: conversationID}, action, replyText)

	o.appendAssistantTurn(ctx, tenantID, conversationID, reply)
	if err := o.store.AppendUsage(ctx, models.UsageRecord{
		TenantID:         tenantID,
		ConversationID:   conversationID,
		Model:            gen.Model,
		PromptTokens:     gen.PromptTokens,
		CompletionTokens: gen.CompletionTokens,
		TotalTokens:      gen.TotalTokens,
		Question:         req.Question,
		Answer:           reply,
		Source:           source,
		Timestamp:        time.Now().UTC(),
	}); err != nil {
		slog.Error("Orchestrator.HandleTurn: usage record append failed",
			"tenant", tenantID, "conversation", conversationID, "error", err)
	}

	return reply, nil
}

func (o *Orchestrator) appendAssistantTurn(ctx context.Context, tenantID, conversationID, content string) {
	if err := o.store.AppendMessage(ctx, tenantID, conversationID, models.RoleAssistant, content); err != nil {
		slog.Error("Orchestrator.HandleTurn: assistant turn append failed",
			"tenant", tenantID, "conversation", conversationID, "error", err)
	}
}
