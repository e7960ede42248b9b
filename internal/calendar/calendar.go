// Package calendar wraps the external appointment service API for the
// Impulso assistant engine.
//
// It exposes availability listing, an exact-slot pre-flight check, and
// event booking. Booking outcomes are discriminated by a status field in
// the response body; the HTTP status code alone does not distinguish a
// lost race from a hard failure.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/impulso-labs/impulso/internal/models"
)

// DefaultRequestTimeout bounds every call to the calendar service.
const DefaultRequestTimeout = 10 * time.Second

// Opts holds configuration options for the calendar client.
type Opts struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
	client    *http.Client
}

// Option defines a configuration option for the calendar client.
type Option func(*Opts)

// WithBaseURL sets the calendar service base URL.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithAuthToken sets the bearer token sent with every request.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithHTTPClient injects a custom HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.client = c }
}

// Client calls the external appointment service.
type Client struct {
	baseURL   string
	authToken string
	client    *http.Client
}

// NewClient creates a calendar client. The base URL falls back to the
// CALENDAR_API_URL environment variable and the token to CALENDAR_API_TOKEN.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = os.Getenv("CALENDAR_API_URL")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("CALENDAR_API_TOKEN")
	}
	slog.Debug("calendar.NewClient: config loaded", "baseURL_set", cfg.BaseURL != "", "token_set", cfg.AuthToken != "")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("calendar base URL must be provided")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{baseURL: cfg.BaseURL, authToken: cfg.AuthToken, client: client}, nil
}

// availabilityResponse is the wire shape of the availability listing.
type availabilityResponse struct {
	Days []models.DayAvailability `json:"days"`
}

// slotCheckResponse is the wire shape of the exact-slot check.
type slotCheckResponse struct {
	Available bool `json:"available"`
}

// bookingPayload is the wire shape of a booking request. The event end is
// derived from the start plus the default one-hour duration.
type bookingPayload struct {
	TenantID    string   `json:"tenant_id"`
	Summary     string   `json:"summary"`
	Start       string   `json:"start"`
	End         string   `json:"end"`
	GuestEmails []string `json:"guest_emails"`
}

// ListAvailability returns the open slots per day for the tenant, looking
// daysAhead days forward from preferredDate (or today when empty), capped
// at maxSlots slots.
func (c *Client) ListAvailability(ctx context.Context, tenantID, preferredDate string, daysAhead, maxSlots int) ([]models.DayAvailability, error) {
	q := url.Values{}
	q.Set("tenant_id", tenantID)
	if preferredDate != "" {
		q.Set("preferred_date", preferredDate)
	}
	q.Set("days_ahead", strconv.Itoa(daysAhead))
	q.Set("max_slots", strconv.Itoa(maxSlots))

	var resp availabilityResponse
	if err := c.getJSON(ctx, "/api/calendar/availability?"+q.Encode(), &resp); err != nil {
		slog.Error("calendar.ListAvailability: request failed", "error", err, "tenantID", tenantID)
		return nil, fmt.Errorf("failed to list availability: %w", err)
	}
	slog.Debug("calendar.ListAvailability: availability fetched", "tenantID", tenantID, "days", len(resp.Days))
	return resp.Days, nil
}

// CheckSlot reports whether the exact (date, time) pair is still open.
// This is a pre-flight check, not a reservation: the slot can be taken
// between this call and the booking call, and the booking response
// reports that race as a conflict status.
func (c *Client) CheckSlot(ctx context.Context, tenantID, date, timeOfDay string) (bool, error) {
	q := url.Values{}
	q.Set("tenant_id", tenantID)
	q.Set("date", date)
	q.Set("time", timeOfDay)

	var resp slotCheckResponse
	if err := c.getJSON(ctx, "/api/calendar/slots/check?"+q.Encode(), &resp); err != nil {
		slog.Error("calendar.CheckSlot: request failed", "error", err, "tenantID", tenantID, "date", date, "time", timeOfDay)
		return false, fmt.Errorf("failed to check slot: %w", err)
	}
	return resp.Available, nil
}

// Book creates the appointment and returns the discriminated outcome.
// A non-nil result with BookingStatusConflict means the slot was lost
// between pre-flight and booking.
func (c *Client) Book(ctx context.Context, req models.BookingRequest) (*models.BookingResult, error) {
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		// Tolerate offsets without seconds, as produced by the model.
		start, err = time.Parse("2006-01-02T15:04-07:00", req.StartTime)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid start time %q: %w", req.StartTime, err)
	}
	end := start.Add(models.DefaultEventDuration)

	payload := bookingPayload{
		TenantID:    req.TenantID,
		Summary:     req.Title,
		Start:       start.Format(time.RFC3339),
		End:         end.Format(time.RFC3339),
		GuestEmails: req.GuestEmails,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode booking payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/calendar/events", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build booking request: %w", err)
	}
	c.setHeaders(httpReq)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		slog.Error("calendar.Book: request failed", "error", err, "tenantID", req.TenantID)
		return nil, fmt.Errorf("booking request failed: %w", err)
	}
	defer httpResp.Body.Close()

	var result models.BookingResult
	if err := json.NewDecoder(httpResp.Body).Decode(&result); err != nil {
		slog.Error("calendar.Book: undecodable response", "error", err, "httpStatus", httpResp.StatusCode, "tenantID", req.TenantID)
		return nil, fmt.Errorf("undecodable booking response (http %d): %w", httpResp.StatusCode, err)
	}
	if result.Status == "" {
		result.Status = models.BookingStatusError
	}
	slog.Info("calendar.Book: booking attempted", "tenantID", req.TenantID, "status", result.Status, "httpStatus", httpResp.StatusCode)
	return &result, nil
}

// getJSON performs a GET against the service and decodes the JSON body.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("calendar service returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}
