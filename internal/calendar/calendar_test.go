package calendar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/impulso-labs/impulso/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(WithBaseURL(srv.URL), WithAuthToken("test-token"))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return c, srv
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	t.Setenv("CALENDAR_API_URL", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error without base URL")
	}
}

func TestListAvailability(t *testing.T) {
	var gotPath string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.URL.Query().Get("tenant_id") != "t1" {
			t.Errorf("missing tenant_id, query: %s", r.URL.RawQuery)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-token" {
			t.Errorf("unexpected auth header %q", auth)
		}
		json.NewEncoder(w).Encode(availabilityResponse{Days: []models.DayAvailability{
			{Date: "2026-03-10", Slots: []models.AvailabilitySlot{{Date: "2026-03-10", StartTime: "10:00", BusinessDay: true}}},
		}})
	})

	days, err := c.ListAvailability(context.Background(), "t1", "2026-03-10", models.AvailabilityLookAheadDays, models.AvailabilityMaxSlots)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/api/calendar/availability" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if len(days) != 1 || len(days[0].Slots) != 1 || days[0].Slots[0].StartTime != "10:00" {
		t.Errorf("unexpected days: %+v", days)
	}
}

func TestListAvailability_ServerError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	if _, err := c.ListAvailability(context.Background(), "t1", "", 7, 50); err == nil {
		t.Error("expected error on 5xx response")
	}
}

func TestCheckSlot(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("date") != "2026-03-10" || q.Get("time") != "10:00" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(slotCheckResponse{Available: false})
	})

	available, err := c.CheckSlot(context.Background(), "t1", "2026-03-10", "10:00")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if available {
		t.Error("expected slot to be unavailable")
	}
}

func TestBook_Success(t *testing.T) {
	var got bookingPayload
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/calendar/events" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(models.BookingResult{Status: models.BookingStatusSuccess, Message: "created"})
	})

	result, err := c.Book(context.Background(), models.BookingRequest{
		TenantID:    "t1",
		Title:       "Demo",
		StartTime:   "2026-03-10T10:00-06:00",
		GuestEmails: []string{"a@x.com"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != models.BookingStatusSuccess {
		t.Errorf("expected success status, got %q", result.Status)
	}
	// One-hour default duration.
	if got.Start != "2026-03-10T10:00:00-06:00" || got.End != "2026-03-10T11:00:00-06:00" {
		t.Errorf("unexpected event window: start=%q end=%q", got.Start, got.End)
	}
}

func TestBook_ConflictStatus(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// Conflict arrives with HTTP 200: the body status is decisive.
		json.NewEncoder(w).Encode(models.BookingResult{
			Status:      models.BookingStatusConflict,
			Suggestions: []models.AvailabilitySlot{{Date: "2026-03-10", StartTime: "11:00", BusinessDay: true}},
		})
	})

	result, err := c.Book(context.Background(), models.BookingRequest{
		TenantID:    "t1",
		StartTime:   "2026-03-10T10:00:00-06:00",
		GuestEmails: []string{"a@x.com"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != models.BookingStatusConflict || len(result.Suggestions) != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestBook_InvalidStartTime(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be made with an invalid start time")
	})
	if _, err := c.Book(context.Background(), models.BookingRequest{TenantID: "t1", StartTime: "not-a-time"}); err == nil {
		t.Error("expected error for invalid start time")
	}
}
