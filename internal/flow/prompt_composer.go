package flow

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/impulso-labs/impulso/internal/models"
)

//go:embed system_prompt.txt
var defaultSystemPrompt string

// Conversation role markers used when rendering history into a prompt.
const (
	historyMarkerUser      = "Usuario"
	historyMarkerAssistant = "Asistente"
)

// PromptComposer assembles the system and user prompts for one generation
// call. It is a pure transformation of its inputs and holds no per-turn state.
type PromptComposer struct {
	systemPrompt string
}

// NewPromptComposer returns a composer using the embedded instruction template.
func NewPromptComposer() *PromptComposer {
	return &PromptComposer{systemPrompt: defaultSystemPrompt}
}

// LoadSystemPromptFile replaces the embedded instruction template with the
// contents of the given file. Deployments override the template without
// rebuilding the binary.
func (pc *PromptComposer) LoadSystemPromptFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		slog.Error("PromptComposer.LoadSystemPromptFile: failed to read prompt file", "path", path, "error", err)
		return fmt.Errorf("failed to read system prompt file %s: %w", path, err)
	}
	if strings.TrimSpace(string(content)) == "" {
		return fmt.Errorf("system prompt file %s is empty", path)
	}
	pc.systemPrompt = string(content)
	slog.Info("PromptComposer.LoadSystemPromptFile: system prompt overridden", "path", path, "bytes", len(content))
	return nil
}

// Compose builds the PromptContext for one turn. History is rendered in
// chronological order with role markers; the retrieved block is omitted
// entirely when no snippet is present.
func (pc *PromptComposer) Compose(tenantID, timezone string, history []models.ConversationTurn, retrieved []models.RetrievedSnippet, question string) models.PromptContext {
	return models.PromptContext{
		TenantID:      tenantID,
		Timezone:      timezone,
		HistoryText:   renderHistory(history),
		RetrievedText: renderSnippets(retrieved),
		UserQuestion:  question,
	}
}

// BuildPrompts renders a PromptContext into the final system and user prompt
// strings handed to the generation client.
func (pc *PromptComposer) BuildPrompts(pctx models.PromptContext) (systemPrompt, userPrompt string) {
	var sys strings.Builder
	sys.WriteString(pc.systemPrompt)
	sys.WriteString("\n\nTenant: ")
	sys.WriteString(pctx.TenantID)
	if pctx.Timezone != "" {
		sys.WriteString("\nZona horaria: ")
		sys.WriteString(pctx.Timezone)
	}

	var user strings.Builder
	if pctx.RetrievedText != "" {
		user.WriteString("Contexto de la empresa:\n")
		user.WriteString(pctx.RetrievedText)
		user.WriteString("\n\n")
	}
	if pctx.HistoryText != "" {
		user.WriteString("Conversacion previa:\n")
		user.WriteString(pctx.HistoryText)
		user.WriteString("\n\n")
	}
	user.WriteString("Pregunta del usuario:\n")
	user.WriteString(pctx.UserQuestion)

	return sys.String(), user.String()
}

func renderHistory(history []models.ConversationTurn) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	for i, turn := range history {
		if i > 0 {
			b.WriteString("\n")
		}
		marker := historyMarkerUser
		if turn.Role == models.RoleAssistant {
			marker = historyMarkerAssistant
		}
		b.WriteString(marker)
		b.WriteString(": ")
		b.WriteString(turn.Content)
	}
	return b.String()
}

func renderSnippets(retrieved []models.RetrievedSnippet) string {
	if len(retrieved) == 0 {
		return ""
	}
	parts := make([]string, 0, len(retrieved))
	for _, s := range retrieved {
		if strings.TrimSpace(s.Text) == "" {
			continue
		}
		parts = append(parts, strings.TrimSpace(s.Text))
	}
	return strings.Join(parts, "\n")
}
