package flow

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/impulso-labs/impulso/internal/models"
)

// ParseAction extracts a typed action from raw model output. Non-JSON text,
// JSON without a recognized "action" discriminator, and malformed payloads
// all degrade to ActionNone with the original raw text as the reply. The
// parser never returns an error; free-text answers pass through verbatim.
func ParseAction(raw string) (models.Action, string) {
	cleaned := stripCodeFence(raw)

	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &probe); err != nil {
		return noAction(raw)
	}
	kindRaw, ok := probe["action"]
	if !ok {
		slog.Debug("ParseAction: JSON object without action discriminator, treating as plain reply")
		return noAction(raw)
	}
	var kind models.ActionKind
	if err := json.Unmarshal(kindRaw, &kind); err != nil {
		slog.Debug("ParseAction: non-string action discriminator, treating as plain reply")
		return noAction(raw)
	}
	if !models.IsValidActionKind(kind) {
		slog.Warn("ParseAction: unrecognized action kind, treating as plain reply", "kind", kind)
		return noAction(raw)
	}

	var action models.Action
	if err := json.Unmarshal([]byte(cleaned), &action); err != nil {
		slog.Warn("ParseAction: malformed action payload, treating as plain reply", "kind", kind, "error", err)
		return noAction(raw)
	}

	if action.Kind == models.ActionNone {
		reply := action.ResponseText
		if reply == "" {
			reply = raw
		}
		return models.Action{Kind: models.ActionNone}, reply
	}
	slog.Debug("ParseAction: structured action extracted", "kind", action.Kind)
	return action, action.ResponseText
}

func noAction(raw string) (models.Action, string) {
	return models.Action{Kind: models.ActionNone}, raw
}

// stripCodeFence removes a single Markdown code-fence wrapper (```json ... ```
// or ``` ... ```) around the payload. Models frequently wrap JSON this way
// despite instructions not to.
func stripCodeFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		// Drop the fence tag line ("json", "JSON" or empty).
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
