package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/impulso-labs/impulso/internal/models"
)

// escalationDeliveryTimeout bounds the background delivery of an escalation
// notice. The user's reply never waits on it.
const escalationDeliveryTimeout = 15 * time.Second

// User-facing reply templates. The product speaks Spanish; data values stored
// by the dispatcher stay in English.
const (
	replyFallback            = "Lo siento, no pude generar una respuesta en este momento. Por favor intenta de nuevo."
	replyAvailabilityFailed  = "No pude consultar la disponibilidad en este momento. Por favor intenta de nuevo mas tarde."
	replyBookingFailed       = "No pude agendar la cita en este momento. Por favor intenta de nuevo mas tarde."
	replySlotUnavailable     = "Ese horario no esta disponible."
	replyInvalidStartTime    = "No pude entender la hora de inicio. Me puedes confirmar la fecha y hora de tu cita?"
	replyEscalationDisabled  = "Lo siento, por ahora no puedo contactar al equipo de soporte. Por favor intenta mas tarde."
	replyEscalationNeedPhone = "Para escalar tu caso necesito un numero de telefono donde podamos contactarte. Me lo puedes compartir?"
	replyEscalationSent      = "Listo, ya notifique a nuestro equipo de soporte. Te contactaran pronto."
	replyLeadCaptured        = "Gracias! Registre tus datos y nuestro equipo te contactara pronto."
)

var spanishMonths = [...]string{
	"enero", "febrero", "marzo", "abril", "mayo", "junio",
	"julio", "agosto", "septiembre", "octubre", "noviembre", "diciembre",
}

// TurnContext identifies the conversation a dispatched action belongs to.
type TurnContext struct {
	TenantID       string
	ConversationID string
}

// Dispatcher routes a parsed action to its handler and normalizes every
// outcome into a single user-facing reply. It never returns an error: each
// collaborator failure is caught at the point of call and converted into a
// degraded reply.
type Dispatcher struct {
	calendar       Calendar
	messenger      MessagingService
	leads          LeadStore
	supportContact string

	now func() time.Time
}

// NewDispatcher wires the dispatcher to its collaborators. supportContact is
// the phone identifier escalation notices are delivered to; when empty the
// escalation path reports the feature as unavailable.
func NewDispatcher(calendar Calendar, messenger MessagingService, leads LeadStore, supportContact string) *Dispatcher {
	return &Dispatcher{
		calendar:       calendar,
		messenger:      messenger,
		leads:          leads,
		supportContact: supportContact,
		now:            time.Now,
	}
}

// Dispatch executes the action and returns the final reply for the turn.
// The reply is always non-empty.
func (d *Dispatcher) Dispatch(ctx context.Context, turn TurnContext, action models.Action, replyText string) string {
	if action.TenantID != "" && action.TenantID != turn.TenantID {
		slog.Warn("Dispatcher.Dispatch: action tenant does not match turn tenant, using turn tenant",
			"actionTenant", action.TenantID, "tenant", turn.TenantID, "kind", action.Kind)
	}

	var reply string
	switch action.Kind {
	case models.ActionCaptureLead:
		reply = d.dispatchCaptureLead(ctx, turn, action, replyText)
	case models.ActionCheckAvailability:
		reply = d.dispatchCheckAvailability(ctx, turn, action)
	case models.ActionCreateEvent:
		reply = d.dispatchCreateEvent(ctx, turn, action)
	case models.ActionEscalateSupport:
		reply = d.dispatchEscalateSupport(ctx, turn, action, replyText)
	default:
		reply = replyText
	}

	if strings.TrimSpace(reply) == "" {
		slog.Warn("Dispatcher.Dispatch: empty reply after dispatch, substituting fallback", "tenant", turn.TenantID, "kind", action.Kind)
		reply = replyFallback
	}
	return reply
}

// dispatchCaptureLead persists a lead when the action carries contact data.
// Without name or email the creation is skipped, not failed.
func (d *Dispatcher) dispatchCaptureLead(ctx context.Context, turn TurnContext, action models.Action, replyText string) string {
	if !action.HasLeadContact() {
		slog.Debug("Dispatcher.dispatchCaptureLead: no contact data, skipping lead creation", "tenant", turn.TenantID)
		return replyText
	}
	d.persistLead(ctx, turn, action)
	if replyText != "" {
		return replyText
	}
	return replyLeadCaptured
}

// dispatchCheckAvailability fetches open slots over the fixed look-ahead
// window and formats up to MaxSuggestedSlots of them.
func (d *Dispatcher) dispatchCheckAvailability(ctx context.Context, turn TurnContext, action models.Action) string {
	days, err := d.calendar.ListAvailability(ctx, turn.TenantID, action.PreferredDate, models.AvailabilityLookAheadDays, models.AvailabilityMaxSlots)
	if err != nil {
		slog.Error("Dispatcher.dispatchCheckAvailability: availability lookup failed",
			"tenant", turn.TenantID, "conversation", turn.ConversationID, "error", err)
		return replyAvailabilityFailed
	}
	phrases := suggestionPhrases(days)
	if len(phrases) == 0 {
		slog.Info("Dispatcher.dispatchCheckAvailability: no business-day slots returned", "tenant", turn.TenantID)
		return replyAvailabilityFailed
	}
	return "Estos son algunos horarios disponibles:\n- " + strings.Join(phrases, "\n- ") + "\nCual te funciona mejor?"
}

// dispatchCreateEvent runs the full booking sequence: field validation,
// pre-flight slot check, booking, and conflict resolution. The pre-flight
// check is not transactional; a race lost between check and booking comes
// back as a conflict status from the calendar service and is handled the
// same way as a pre-flight miss.
func (d *Dispatcher) dispatchCreateEvent(ctx context.Context, turn TurnContext, action models.Action) string {
	if missing := missingBookingFields(action); len(missing) > 0 {
		slog.Debug("Dispatcher.dispatchCreateEvent: incomplete booking request", "tenant", turn.TenantID, "missing", missing)
		return "Para agendar tu cita todavia necesito " + joinSpanish(missing) + ". Me lo puedes compartir?"
	}

	timeOfDay, err := localTimeOfDay(action.StartTime)
	if err != nil {
		slog.Warn("Dispatcher.dispatchCreateEvent: unparseable start time", "tenant", turn.TenantID, "startTime", action.StartTime, "error", err)
		return replyInvalidStartTime
	}

	available, err := d.calendar.CheckSlot(ctx, turn.TenantID, action.Date, timeOfDay)
	if err != nil {
		slog.Error("Dispatcher.dispatchCreateEvent: pre-flight slot check failed",
			"tenant", turn.TenantID, "conversation", turn.ConversationID, "date", action.Date, "error", err)
		return replyBookingFailed
	}
	if !available {
		return d.conflictReply(ctx, turn, action.Date, nil)
	}

	// Booking is not reversible. Once issued it runs to completion even if
	// the caller goes away; the HTTP client's own timeout still bounds it.
	result, err := d.calendar.Book(context.WithoutCancel(ctx), models.BookingRequest{
		TenantID:    turn.TenantID,
		Title:       action.Title,
		StartTime:   action.StartTime,
		GuestEmails: action.GuestEmails,
	})
	if err != nil {
		slog.Error("Dispatcher.dispatchCreateEvent: booking call failed",
			"tenant", turn.TenantID, "conversation", turn.ConversationID, "date", action.Date, "error", err)
		return replyBookingFailed
	}

	switch result.Status {
	case models.BookingStatusSuccess:
		d.persistLead(ctx, turn, action)
		reply := fmt.Sprintf("Listo! Tu cita quedo agendada para el %s.", formatSlotPhrase(action.Date, timeOfDay))
		if email := action.PrimaryEmail(); email != "" {
			reply += fmt.Sprintf(" Enviamos la invitacion a %s.", email)
		}
		return reply
	case models.BookingStatusConflict:
		slog.Info("Dispatcher.dispatchCreateEvent: booking lost the slot race",
			"tenant", turn.TenantID, "date", action.Date, "time", timeOfDay)
		return d.conflictReply(ctx, turn, action.Date, result.Suggestions)
	default:
		slog.Error("Dispatcher.dispatchCreateEvent: booking rejected",
			"tenant", turn.TenantID, "conversation", turn.ConversationID, "status", result.Status, "message", result.Message)
		return replyBookingFailed
	}
}

// dispatchEscalateSupport notifies the configured support contact in the
// background and confirms to the user right away. Delivery failures are
// logged only.
func (d *Dispatcher) dispatchEscalateSupport(ctx context.Context, turn TurnContext, action models.Action, replyText string) string {
	if d.supportContact == "" {
		slog.Error("Dispatcher.dispatchEscalateSupport: support contact not configured",
			"tenant", turn.TenantID, "conversation", turn.ConversationID)
		return replyEscalationDisabled
	}
	if action.UserPhone == "" {
		return replyEscalationNeedPhone
	}

	reason := action.Reason
	if reason == "" {
		reason = "No especificado"
	}
	summary := fmt.Sprintf("Nueva escalacion de soporte\nTenant: %s\nConversacion: %s\nTelefono del usuario: %s\nMotivo: %s",
		turn.TenantID, turn.ConversationID, action.UserPhone, reason)

	bg := context.WithoutCancel(ctx)
	go func() {
		sendCtx, cancel := context.WithTimeout(bg, escalationDeliveryTimeout)
		defer cancel()
		if err := d.messenger.SendText(sendCtx, d.supportContact, summary); err != nil {
			slog.Error("Dispatcher.dispatchEscalateSupport: escalation delivery failed",
				"tenant", turn.TenantID, "conversation", turn.ConversationID, "error", err)
		}
	}()

	if replyText != "" {
		return replyText
	}
	return replyEscalationSent
}

// persistLead writes a lead with capture defaults applied. Store failures are
// logged and swallowed; the user still receives their reply.
func (d *Dispatcher) persistLead(ctx context.Context, turn TurnContext, action models.Action) {
	name := action.Name
	if name == "" {
		name = models.DefaultLeadName
	}
	intent := ""
	if action.IntentLevel != "" {
		intent = models.IntentBandMediumHigh
	}
	now := d.now()
	lead := models.Lead{
		TenantID:    turn.TenantID,
		Name:        name,
		Email:       action.PrimaryEmail(),
		IntentLevel: intent,
		Status:      models.LeadStatusNew,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	id, err := d.leads.InsertLead(context.WithoutCancel(ctx), lead)
	if err != nil {
		slog.Error("Dispatcher.persistLead: lead persistence failed",
			"tenant", turn.TenantID, "conversation", turn.ConversationID, "error", err)
		return
	}
	slog.Info("Dispatcher.persistLead: lead captured", "tenant", turn.TenantID, "leadID", id)
}

// conflictReply formats the unavailable-slot reply. Pre-flight conflicts pass
// nil suggestions and fetch them here; booking-time conflicts reuse the
// suggestions the calendar service returned, fetching fresh ones only when
// that list is empty. Both paths produce the same reply shape.
func (d *Dispatcher) conflictReply(ctx context.Context, turn TurnContext, date string, suggested []models.AvailabilitySlot) string {
	phrases := slotPhrases(suggested)
	if len(phrases) == 0 {
		days, err := d.calendar.ListAvailability(ctx, turn.TenantID, date, models.AvailabilityLookAheadDays, models.AvailabilityMaxSlots)
		if err != nil {
			slog.Error("Dispatcher.conflictReply: suggestion lookup failed", "tenant", turn.TenantID, "date", date, "error", err)
		} else {
			phrases = suggestionPhrases(days)
		}
	}
	if len(phrases) == 0 {
		return replySlotUnavailable + " Te gustaria intentar con otra fecha?"
	}
	return replySlotUnavailable + " Estas son algunas alternativas:\n- " + strings.Join(phrases, "\n- ")
}

// missingBookingFields names, in Spanish, the booking fields the action still
// lacks. Nothing external is called while any field is missing.
func missingBookingFields(action models.Action) []string {
	var missing []string
	if action.Date == "" {
		missing = append(missing, "la fecha")
	}
	if action.StartTime == "" {
		missing = append(missing, "la hora de inicio")
	}
	if len(action.GuestEmails) == 0 {
		missing = append(missing, "el correo de los invitados")
	}
	return missing
}

// localTimeOfDay derives the HH:MM local time from an ISO-8601 start time.
func localTimeOfDay(startTime string) (string, error) {
	t, err := time.Parse(time.RFC3339, startTime)
	if err != nil {
		t, err = time.Parse("2006-01-02T15:04-07:00", startTime)
		if err != nil {
			return "", fmt.Errorf("invalid start time %q: %w", startTime, err)
		}
	}
	return t.Format("15:04"), nil
}

// suggestionPhrases flattens day buckets into formatted slot phrases,
// keeping business-day slots only, at most MaxSuggestedSlots per day and
// MaxSuggestedSlots in total.
func suggestionPhrases(days []models.DayAvailability) []string {
	var phrases []string
	for _, day := range days {
		perDay := 0
		for _, slot := range day.Slots {
			if !slot.BusinessDay {
				continue
			}
			date := slot.Date
			if date == "" {
				date = day.Date
			}
			phrases = append(phrases, formatSlotPhrase(date, slot.StartTime))
			perDay++
			if perDay >= models.MaxSuggestedSlots || len(phrases) >= models.MaxSuggestedSlots {
				break
			}
		}
		if len(phrases) >= models.MaxSuggestedSlots {
			break
		}
	}
	return phrases
}

func slotPhrases(slots []models.AvailabilitySlot) []string {
	var phrases []string
	for _, slot := range slots {
		if !slot.BusinessDay {
			continue
		}
		phrases = append(phrases, formatSlotPhrase(slot.Date, slot.StartTime))
		if len(phrases) >= models.MaxSuggestedSlots {
			break
		}
	}
	return phrases
}

// formatSlotPhrase renders "2026-03-10" + "11:00" as "10 de marzo a las 11:00".
func formatSlotPhrase(date, timeOfDay string) string {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return fmt.Sprintf("%s a las %s", date, timeOfDay)
	}
	return fmt.Sprintf("%d de %s a las %s", t.Day(), spanishMonths[t.Month()-1], timeOfDay)
}

// joinSpanish joins a list as "a, b y c".
func joinSpanish(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " y " + items[len(items)-1]
	}
}
