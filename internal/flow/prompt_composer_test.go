package flow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/impulso-labs/impulso/internal/models"
)

func TestComposeEmptyHistoryAndContext(t *testing.T) {
	pc := NewPromptComposer()
	pctx := pc.Compose("t1", "America/Mexico_City", nil, nil, "Que venden?")
	if pctx.HistoryText != "" {
		t.Errorf("expected empty history text, got %q", pctx.HistoryText)
	}
	if pctx.RetrievedText != "" {
		t.Errorf("expected empty retrieved text, got %q", pctx.RetrievedText)
	}

	_, user := pc.BuildPrompts(pctx)
	if strings.Contains(user, "Contexto de la empresa") {
		t.Error("context heading must be omitted when no snippet is present")
	}
	if strings.Contains(user, "Conversacion previa") {
		t.Error("history heading must be omitted when history is empty")
	}
	if !strings.Contains(user, "Que venden?") {
		t.Error("user prompt must contain the question")
	}
}

func TestComposeHistoryMarkers(t *testing.T) {
	pc := NewPromptComposer()
	history := []models.ConversationTurn{
		{Role: models.RoleUser, Content: "hola"},
		{Role: models.RoleAssistant, Content: "buenos dias"},
	}
	pctx := pc.Compose("t1", "", history, nil, "pregunta")
	want := "Usuario: hola\nAsistente: buenos dias"
	if pctx.HistoryText != want {
		t.Errorf("expected %q, got %q", want, pctx.HistoryText)
	}
}

func TestComposeRetrievedBlock(t *testing.T) {
	pc := NewPromptComposer()
	snippets := []models.RetrievedSnippet{
		{Text: "We sell analytics dashboards", TenantID: "t1"},
		{Text: "  ", TenantID: "t1"},
		{Text: "Plans start at $500", TenantID: "t1"},
	}
	pctx := pc.Compose("t1", "", nil, snippets, "pregunta")
	if pctx.RetrievedText != "We sell analytics dashboards\nPlans start at $500" {
		t.Errorf("unexpected retrieved text %q", pctx.RetrievedText)
	}

	_, user := pc.BuildPrompts(pctx)
	if !strings.Contains(user, "Contexto de la empresa:\nWe sell analytics dashboards") {
		t.Errorf("user prompt missing context block: %q", user)
	}
}

func TestBuildPromptsSystemPrompt(t *testing.T) {
	pc := NewPromptComposer()
	pctx := pc.Compose("t1", "America/Mexico_City", nil, nil, "pregunta")
	sys, _ := pc.BuildPrompts(pctx)
	if !strings.Contains(sys, "Tenant: t1") {
		t.Error("system prompt must embed the tenant id")
	}
	if !strings.Contains(sys, "Zona horaria: America/Mexico_City") {
		t.Error("system prompt must embed the timezone")
	}
	if !strings.Contains(sys, `"action"`) {
		t.Error("system prompt must carry the action schemas")
	}
}

func TestLoadSystemPromptFile(t *testing.T) {
	pc := NewPromptComposer()
	path := filepath.Join(t.TempDir(), "prompt.txt")
	if err := os.WriteFile(path, []byte("instrucciones personalizadas"), 0o644); err != nil {
		t.Fatalf("failed to write prompt file: %v", err)
	}
	if err := pc.LoadSystemPromptFile(path); err != nil {
		t.Fatalf("LoadSystemPromptFile failed: %v", err)
	}
	sys, _ := pc.BuildPrompts(pc.Compose("t1", "", nil, nil, "q"))
	if !strings.HasPrefix(sys, "instrucciones personalizadas") {
		t.Errorf("expected overridden prompt, got %q", sys)
	}
}

func TestLoadSystemPromptFileMissing(t *testing.T) {
	pc := NewPromptComposer()
	if err := pc.LoadSystemPromptFile(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Error("expected error for missing prompt file")
	}
}

func TestLoadSystemPromptFileEmpty(t *testing.T) {
	pc := NewPromptComposer()
	path := filepath.Join(t.TempDir(), "empty.txt")
	if err := os.WriteFile(path, []byte("  \n"), 0o644); err != nil {
		t.Fatalf("failed to write prompt file: %v", err)
	}
	if err := pc.LoadSystemPromptFile(path); err == nil {
		t.Error("expected error for empty prompt file")
	}
}
