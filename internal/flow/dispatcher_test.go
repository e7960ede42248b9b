package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/impulso-labs/impulso/internal/models"
)

var testTurn = TurnContext{TenantID: "t1", ConversationID: "c1"}

func testAvailability() []models.DayAvailability {
	return []models.DayAvailability{
		{Date: "2026-03-10", Slots: []models.AvailabilitySlot{
			{Date: "2026-03-10", StartTime: "11:00", BusinessDay: true},
			{Date: "2026-03-10", StartTime: "12:00", BusinessDay: true},
		}},
		{Date: "2026-03-11", Slots: []models.AvailabilitySlot{
			{Date: "2026-03-11", StartTime: "09:00", BusinessDay: true},
			{Date: "2026-03-11", StartTime: "10:00", BusinessDay: true},
		}},
	}
}

func bookingAction() models.Action {
	return models.Action{
		Kind:        models.ActionCreateEvent,
		Date:        "2026-03-10",
		StartTime:   "2026-03-10T10:00-06:00",
		Title:       "Demo",
		GuestEmails: []string{"a@x.com"},
	}
}

func TestDispatchNoActionPassThrough(t *testing.T) {
	d := NewDispatcher(&mockCalendar{}, &mockMessenger{}, &mockTurnStore{}, "+5215500000000")
	reply := d.Dispatch(context.Background(), testTurn, models.Action{Kind: models.ActionNone}, "respuesta libre")
	if reply != "respuesta libre" {
		t.Errorf("expected pass-through reply, got %q", reply)
	}
}

func TestDispatchEmptyReplyFallsBack(t *testing.T) {
	d := NewDispatcher(&mockCalendar{}, &mockMessenger{}, &mockTurnStore{}, "")
	reply := d.Dispatch(context.Background(), testTurn, models.Action{Kind: models.ActionNone}, "")
	if reply != replyFallback {
		t.Errorf("expected fallback reply, got %q", reply)
	}
}

func TestDispatchCaptureLeadGuard(t *testing.T) {
	store := &mockTurnStore{}
	d := NewDispatcher(&mockCalendar{}, &mockMessenger{}, store, "")
	reply := d.Dispatch(context.Background(), testTurn,
		models.Action{Kind: models.ActionCaptureLead, IntentLevel: "high"}, "Te interesa una demo?")
	if store.leadCount() != 0 {
		t.Error("lead must not be persisted without name or email")
	}
	if reply != "Te interesa una demo?" {
		t.Errorf("expected pass-through reply, got %q", reply)
	}
}

func TestDispatchCaptureLeadDefaults(t *testing.T) {
	store := &mockTurnStore{}
	d := NewDispatcher(&mockCalendar{}, &mockMessenger{}, store, "")
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	reply := d.Dispatch(context.Background(), testTurn, models.Action{
		Kind:        models.ActionCaptureLead,
		GuestEmails: []string{"a@x.com", "b@x.com"},
		IntentLevel: "medium",
	}, "")
	if store.leadCount() != 1 {
		t.Fatalf("expected 1 lead, got %d", store.leadCount())
	}
	lead := store.leads[0]
	if lead.TenantID != "t1" {
		t.Errorf("expected tenant t1, got %q", lead.TenantID)
	}
	if lead.Name != models.DefaultLeadName {
		t.Errorf("expected default name, got %q", lead.Name)
	}
	if lead.Email != "a@x.com" {
		t.Errorf("expected guest emails collapsed to primary, got %q", lead.Email)
	}
	if lead.IntentLevel != models.IntentBandMediumHigh {
		t.Errorf("expected normalized intent band, got %q", lead.IntentLevel)
	}
	if lead.Status != models.LeadStatusNew {
		t.Errorf("expected status new, got %q", lead.Status)
	}
	if !lead.CreatedAt.Equal(fixed) || !lead.UpdatedAt.Equal(fixed) {
		t.Errorf("expected timestamps %v, got %v / %v", fixed, lead.CreatedAt, lead.UpdatedAt)
	}
	if reply != replyLeadCaptured {
		t.Errorf("expected default confirmation, got %q", reply)
	}
}

func TestDispatchCaptureLeadStoreFailureSwallowed(t *testing.T) {
	store := &mockTurnStore{insertErr: errors.New("db down")}
	d := NewDispatcher(&mockCalendar{}, &mockMessenger{}, store, "")
	reply := d.Dispatch(context.Background(), testTurn,
		models.Action{Kind: models.ActionCaptureLead, Name: "Ana"}, "Gracias Ana!")
	if reply != "Gracias Ana!" {
		t.Errorf("lead store failure must not change the reply, got %q", reply)
	}
}

func TestDispatchCheckAvailability(t *testing.T) {
	cal := &mockCalendar{availability: testAvailability()}
	d := NewDispatcher(cal, &mockMessenger{}, &mockTurnStore{}, "")
	reply := d.Dispatch(context.Background(), testTurn, models.Action{Kind: models.ActionCheckAvailability}, "")

	if cal.lastDaysAhead != models.AvailabilityLookAheadDays {
		t.Errorf("expected %d day look-ahead, got %d", models.AvailabilityLookAheadDays, cal.lastDaysAhead)
	}
	if cal.lastMaxSlots != models.AvailabilityMaxSlots {
		t.Errorf("expected slot cap %d, got %d", models.AvailabilityMaxSlots, cal.lastMaxSlots)
	}
	if !strings.Contains(reply, "10 de marzo a las 11:00") {
		t.Errorf("expected localized slot phrase, got %q", reply)
	}
	if got := strings.Count(reply, "\n- "); got == 0 || got > models.MaxSuggestedSlots {
		t.Errorf("expected at most %d suggestions, reply %q", models.MaxSuggestedSlots, reply)
	}
}

func TestDispatchCheckAvailabilityTransportError(t *testing.T) {
	cal := &mockCalendar{availabilityErr: errors.New("503")}
	d := NewDispatcher(cal, &mockMessenger{}, &mockTurnStore{}, "")
	reply := d.Dispatch(context.Background(), testTurn, models.Action{Kind: models.ActionCheckAvailability}, "")
	if reply != replyAvailabilityFailed {
		t.Errorf("expected degraded reply, got %q", reply)
	}
}

func TestDispatchCheckAvailabilityNoBusinessSlots(t *testing.T) {
	cal := &mockCalendar{availability: []models.DayAvailability{
		{Date: "2026-03-14", Slots: []models.AvailabilitySlot{
			{Date: "2026-03-14", StartTime: "10:00", BusinessDay: false},
		}},
	}}
	d := NewDispatcher(cal, &mockMessenger{}, &mockTurnStore{}, "")
	reply := d.Dispatch(context.Background(), testTurn, models.Action{Kind: models.ActionCheckAvailability}, "")
	if reply != replyAvailabilityFailed {
		t.Errorf("expected degraded reply when only non-business slots exist, got %q", reply)
	}
}

func TestDispatchCreateEventMissingGuestEmails(t *testing.T) {
	cal := &mockCalendar{}
	store := &mockTurnStore{}
	d := NewDispatcher(cal, &mockMessenger{}, store, "")
	action := bookingAction()
	action.GuestEmails = nil

	reply := d.Dispatch(context.Background(), testTurn, action, "")
	if cal.checkCalls != 0 || cal.bookCalls != 0 {
		t.Error("no calendar call may be made on incomplete input")
	}
	if !strings.Contains(reply, "el correo de los invitados") {
		t.Errorf("expected clarifying reply naming the missing field, got %q", reply)
	}
}

func TestDispatchCreateEventMissingSeveralFields(t *testing.T) {
	cal := &mockCalendar{}
	d := NewDispatcher(cal, &mockMessenger{}, &mockTurnStore{}, "")
	reply := d.Dispatch(context.Background(), testTurn, models.Action{Kind: models.ActionCreateEvent}, "")
	if cal.checkCalls != 0 || cal.bookCalls != 0 {
		t.Error("no calendar call may be made on incomplete input")
	}
	for _, field := range []string{"la fecha", "la hora de inicio", "el correo de los invitados"} {
		if !strings.Contains(reply, field) {
			t.Errorf("expected reply to name %q, got %q", field, reply)
		}
	}
}

func TestDispatchCreateEventInvalidStartTime(t *testing.T) {
	cal := &mockCalendar{}
	d := NewDispatcher(cal, &mockMessenger{}, &mockTurnStore{}, "")
	action := bookingAction()
	action.StartTime = "manana a las diez"

	reply := d.Dispatch(context.Background(), testTurn, action, "")
	if cal.checkCalls != 0 || cal.bookCalls != 0 {
		t.Error("no calendar call may be made with an unparseable start time")
	}
	if reply != replyInvalidStartTime {
		t.Errorf("expected clarifying reply, got %q", reply)
	}
}

func TestDispatchCreateEventPreflightConflict(t *testing.T) {
	cal := &mockCalendar{slotAvailable: false, availability: testAvailability()}
	store := &mockTurnStore{}
	d := NewDispatcher(cal, &mockMessenger{}, store, "")

	reply := d.Dispatch(context.Background(), testTurn, bookingAction(), "")
	if cal.bookCalls != 0 {
		t.Error("booking must not be attempted after a pre-flight conflict")
	}
	if store.leadCount() != 0 {
		t.Error("no lead may be created on a conflicted booking")
	}
	if !strings.Contains(reply, replySlotUnavailable) {
		t.Errorf("expected unavailability phrase, got %q", reply)
	}
	if got := strings.Count(reply, "\n- "); got == 0 || got > models.MaxSuggestedSlots {
		t.Errorf("expected 1..%d alternatives, reply %q", models.MaxSuggestedSlots, reply)
	}
	if cal.lastCheckDate != "2026-03-10" || cal.lastCheckTime != "10:00" {
		t.Errorf("expected pre-flight check for (2026-03-10, 10:00), got (%s, %s)", cal.lastCheckDate, cal.lastCheckTime)
	}
}

func TestDispatchCreateEventConflictPathEquivalence(t *testing.T) {
	suggestions := []models.AvailabilitySlot{
		{Date: "2026-03-10", StartTime: "11:00", BusinessDay: true},
		{Date: "2026-03-10", StartTime: "12:00", BusinessDay: true},
		{Date: "2026-03-11", StartTime: "09:00", BusinessDay: true},
	}

	preflight := &mockCalendar{slotAvailable: false, availability: testAvailability()}
	d1 := NewDispatcher(preflight, &mockMessenger{}, &mockTurnStore{}, "")
	replyPreflight := d1.Dispatch(context.Background(), testTurn, bookingAction(), "")

	raceLost := &mockCalendar{
		slotAvailable: true,
		bookResult:    &models.BookingResult{Status: models.BookingStatusConflict, Suggestions: suggestions},
	}
	d2 := NewDispatcher(raceLost, &mockMessenger{}, &mockTurnStore{}, "")
	replyBooking := d2.Dispatch(context.Background(), testTurn, bookingAction(), "")

	if replyPreflight != replyBooking {
		t.Errorf("conflict replies must be indistinguishable:\npre-flight: %q\nbooking:    %q", replyPreflight, replyBooking)
	}
}

func TestDispatchCreateEventBookingConflictFetchesFreshSuggestions(t *testing.T) {
	cal := &mockCalendar{
		slotAvailable: true,
		bookResult:    &models.BookingResult{Status: models.BookingStatusConflict},
		availability:  testAvailability(),
	}
	d := NewDispatcher(cal, &mockMessenger{}, &mockTurnStore{}, "")
	reply := d.Dispatch(context.Background(), testTurn, bookingAction(), "")
	if cal.listCalls != 1 {
		t.Errorf("expected a fresh suggestion lookup, got %d list calls", cal.listCalls)
	}
	if !strings.Contains(reply, replySlotUnavailable) {
		t.Errorf("expected unavailability phrase, got %q", reply)
	}
}

func TestDispatchCreateEventSuccess(t *testing.T) {
	cal := &mockCalendar{
		slotAvailable: true,
		bookResult:    &models.BookingResult{Status: models.BookingStatusSuccess},
	}
	store := &mockTurnStore{}
	d := NewDispatcher(cal, &mockMessenger{}, store, "")

	reply := d.Dispatch(context.Background(), testTurn, bookingAction(), "")
	if cal.bookCalls != 1 {
		t.Fatalf("expected 1 booking call, got %d", cal.bookCalls)
	}
	if cal.lastBooking.TenantID != "t1" || cal.lastBooking.StartTime != "2026-03-10T10:00-06:00" {
		t.Errorf("unexpected booking request %+v", cal.lastBooking)
	}
	if store.leadCount() != 1 {
		t.Fatalf("successful booking must persist a lead, got %d", store.leadCount())
	}
	if store.leads[0].Email != "a@x.com" {
		t.Errorf("expected lead email a@x.com, got %q", store.leads[0].Email)
	}
	if !strings.Contains(reply, "10 de marzo a las 10:00") {
		t.Errorf("expected localized confirmation, got %q", reply)
	}
	if !strings.Contains(reply, "a@x.com") {
		t.Errorf("expected invitation email in confirmation, got %q", reply)
	}
}

func TestDispatchCreateEventBookingErrorStatus(t *testing.T) {
	cal := &mockCalendar{
		slotAvailable: true,
		bookResult:    &models.BookingResult{Status: models.BookingStatusError, Message: "internal: quota exceeded for key sk-123"},
	}
	store := &mockTurnStore{}
	d := NewDispatcher(cal, &mockMessenger{}, store, "")

	reply := d.Dispatch(context.Background(), testTurn, bookingAction(), "")
	if reply != replyBookingFailed {
		t.Errorf("expected generic failure reply, got %q", reply)
	}
	if strings.Contains(reply, "quota") {
		t.Error("collaborator error text must never leak to the user")
	}
	if store.leadCount() != 0 {
		t.Error("no lead may be created on a failed booking")
	}
}

func TestDispatchCreateEventTransportErrors(t *testing.T) {
	t.Run("check slot fails", func(t *testing.T) {
		cal := &mockCalendar{checkErr: errors.New("timeout")}
		d := NewDispatcher(cal, &mockMessenger{}, &mockTurnStore{}, "")
		if reply := d.Dispatch(context.Background(), testTurn, bookingAction(), ""); reply != replyBookingFailed {
			t.Errorf("expected degraded reply, got %q", reply)
		}
	})
	t.Run("booking fails", func(t *testing.T) {
		cal := &mockCalendar{slotAvailable: true, bookErr: errors.New("connection refused")}
		d := NewDispatcher(cal, &mockMessenger{}, &mockTurnStore{}, "")
		if reply := d.Dispatch(context.Background(), testTurn, bookingAction(), ""); reply != replyBookingFailed {
			t.Errorf("expected degraded reply, got %q", reply)
		}
	})
}

func TestDispatchEscalateWithoutSupportContact(t *testing.T) {
	msg := &mockMessenger{}
	d := NewDispatcher(&mockCalendar{}, msg, &mockTurnStore{}, "")
	reply := d.Dispatch(context.Background(), testTurn,
		models.Action{Kind: models.ActionEscalateSupport, UserPhone: "+5215512345678", Reason: "billing issue"}, "")
	if reply != replyEscalationDisabled {
		t.Errorf("expected escalation-unavailable reply, got %q", reply)
	}
	if msg.sentCount() != 0 {
		t.Error("no message may be sent without a support contact")
	}
}

func TestDispatchEscalateMissingPhone(t *testing.T) {
	msg := &mockMessenger{}
	d := NewDispatcher(&mockCalendar{}, msg, &mockTurnStore{}, "+5215500000000")
	reply := d.Dispatch(context.Background(), testTurn,
		models.Action{Kind: models.ActionEscalateSupport, Reason: "billing issue"}, "")
	if reply != replyEscalationNeedPhone {
		t.Errorf("expected phone request, got %q", reply)
	}
	if msg.sentCount() != 0 {
		t.Error("messaging client must not be invoked without a user phone")
	}
}

func TestDispatchEscalateDeliversInBackground(t *testing.T) {
	msg := &mockMessenger{sentCh: make(chan sentMessage, 1)}
	d := NewDispatcher(&mockCalendar{}, msg, &mockTurnStore{}, "+5215500000000")
	reply := d.Dispatch(context.Background(), testTurn,
		models.Action{Kind: models.ActionEscalateSupport, UserPhone: "+5215512345678", Reason: "billing issue"}, "")
	if reply != replyEscalationSent {
		t.Errorf("expected confirmation reply, got %q", reply)
	}

	select {
	case sent := <-msg.sentCh:
		if sent.to != "+5215500000000" {
			t.Errorf("expected delivery to support contact, got %q", sent.to)
		}
		for _, fragment := range []string{"t1", "c1", "+5215512345678", "billing issue"} {
			if !strings.Contains(sent.body, fragment) {
				t.Errorf("expected summary to contain %q, got %q", fragment, sent.body)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("escalation notice was never delivered")
	}
}

func TestDispatchEscalateDeliveryFailureDoesNotChangeReply(t *testing.T) {
	msg := &mockMessenger{sendErr: errors.New("provider down"), sentCh: make(chan sentMessage, 1)}
	d := NewDispatcher(&mockCalendar{}, msg, &mockTurnStore{}, "+5215500000000")
	reply := d.Dispatch(context.Background(), testTurn,
		models.Action{Kind: models.ActionEscalateSupport, UserPhone: "+5215512345678", Reason: "billing issue"}, "creo que puedo ayudarte")
	if reply != "creo que puedo ayudarte" {
		t.Errorf("expected immediate reply regardless of delivery outcome, got %q", reply)
	}
	<-msg.sentCh
}

func TestDispatchFailureInjectionAllKinds(t *testing.T) {
	failing := errors.New("injected failure")
	actions := []models.Action{
		{Kind: models.ActionNone},
		{Kind: models.ActionCaptureLead, Name: "Ana", Email: "ana@x.com", IntentLevel: "high"},
		{Kind: models.ActionCheckAvailability, PreferredDate: "2026-03-10"},
		bookingAction(),
		{Kind: models.ActionEscalateSupport, UserPhone: "+5215512345678", Reason: "billing issue"},
	}
	for _, action := range actions {
		t.Run(string(action.Kind), func(t *testing.T) {
			cal := &mockCalendar{availabilityErr: failing, checkErr: failing, bookErr: failing}
			msg := &mockMessenger{sendErr: failing}
			store := &mockTurnStore{insertErr: failing}
			d := NewDispatcher(cal, msg, store, "+5215500000000")

			reply := d.Dispatch(context.Background(), testTurn, action, "texto del modelo")
			if strings.TrimSpace(reply) == "" {
				t.Errorf("dispatch of %q produced an empty reply", action.Kind)
			}
		})
	}
}
