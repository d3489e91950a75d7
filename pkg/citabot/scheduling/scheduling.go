// Package scheduling is the client for the clinic's appointment REST API.
// It exposes exactly the operations the bot tools need and maps backend
// failures to sentinel errors so the orchestrator can phrase them for the
// patient instead of leaking HTTP details.
package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Sentinel errors the orchestrator translates into patient-facing replies.
var (
	ErrNotFound          = errors.New("not found")
	ErrSlotTaken         = errors.New("slot no longer available")
	ErrMissingParameters = errors.New("missing required parameters")
)

// Patient is the clinic's patient record.
type Patient struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Identification string `json:"identification"`
	Phone          string `json:"phone,omitempty"`
	BirthDate      string `json:"birth_date,omitempty"`
}

// Availability is one bookable start time on a date.
type Availability struct {
	Date      string `json:"date"`       // 2006-01-02
	StartTime string `json:"start_time"` // 15:04
}

// Appointment is a booked visit.
type Appointment struct {
	ID           string `json:"id"`
	PatientID    string `json:"patient_id"`
	PatientName  string `json:"patient_name,omitempty"`
	PatientPhone string `json:"patient_phone,omitempty"`
	Date         string `json:"date"`
	StartTime    string `json:"start_time"`
	Status       string `json:"status"`
	Notes        string `json:"notes,omitempty"`
}

// Client talks to one clinic backend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient returns a Client for the clinic API at baseURL.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "scheduling"),
	}
}

// LookupPatient finds a patient by identification number. Returns
// ErrNotFound when no record matches.
func (c *Client) LookupPatient(ctx context.Context, identification string) (*Patient, error) {
	if strings.TrimSpace(identification) == "" {
		return nil, fmt.Errorf("identification: %w", ErrMissingParameters)
	}
	var p Patient
	err := c.do(ctx, http.MethodGet, "/patients?identification="+url.QueryEscape(identification), nil, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePatient registers a new patient. The birth date is normalized to
// ISO form before sending; common Spanish formats (dd/mm/yyyy and friends)
// are accepted.
func (c *Client) CreatePatient(ctx context.Context, name, identification, phone, birthDate string) (*Patient, error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(identification) == "" {
		return nil, fmt.Errorf("name and identification: %w", ErrMissingParameters)
	}
	normalized, err := NormalizeBirthDate(birthDate)
	if err != nil {
		return nil, fmt.Errorf("birth date %q: %w", birthDate, ErrMissingParameters)
	}
	body := map[string]string{
		"name":           name,
		"identification": identification,
		"phone":          phone,
		"birth_date":     normalized,
	}
	var p Patient
	if err := c.do(ctx, http.MethodPost, "/patients", body, &p); err != nil {
		return nil, err
	}
	c.logger.Info("patient registered", "patient_id", p.ID)
	return &p, nil
}

// Availability lists bookable start times for a date (2006-01-02), sorted by
// time of day.
func (c *Client) Availability(ctx context.Context, date string) ([]Availability, error) {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, fmt.Errorf("date %q: %w", date, ErrMissingParameters)
	}
	var out []Availability
	if err := c.do(ctx, http.MethodGet, "/availability?date="+url.QueryEscape(date), nil, &out); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].StartTime < out[j].StartTime
	})
	return out, nil
}

// Appointments lists a patient's upcoming appointments, soonest first.
func (c *Client) Appointments(ctx context.Context, patientID string) ([]Appointment, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, fmt.Errorf("patient id: %w", ErrMissingParameters)
	}
	var out []Appointment
	if err := c.do(ctx, http.MethodGet, "/appointments?patient_id="+url.QueryEscape(patientID), nil, &out); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].StartTime < out[j].StartTime
	})
	return out, nil
}

// AppointmentsOn lists every appointment on a date regardless of patient,
// for the reminder run.
func (c *Client) AppointmentsOn(ctx context.Context, date string) ([]Appointment, error) {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, fmt.Errorf("date %q: %w", date, ErrMissingParameters)
	}
	var out []Appointment
	if err := c.do(ctx, http.MethodGet, "/appointments?date="+url.QueryEscape(date), nil, &out); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out, nil
}

// CreateAppointment books date+startTime for the patient. Returns
// ErrSlotTaken when the slot was booked by someone else meanwhile.
func (c *Client) CreateAppointment(ctx context.Context, patientID, date, startTime, notes string) (*Appointment, error) {
	if strings.TrimSpace(patientID) == "" || date == "" || startTime == "" {
		return nil, fmt.Errorf("patient, date and time: %w", ErrMissingParameters)
	}
	body := map[string]string{
		"patient_id": patientID,
		"date":       date,
		"start_time": startTime,
		"notes":      notes,
	}
	var appt Appointment
	if err := c.do(ctx, http.MethodPost, "/appointments", body, &appt); err != nil {
		return nil, err
	}
	c.logger.Info("appointment created", "appointment_id", appt.ID, "date", date, "time", startTime)
	return &appt, nil
}

// UpdateAppointment moves an existing appointment to a new date+time.
func (c *Client) UpdateAppointment(ctx context.Context, appointmentID, date, startTime string) (*Appointment, error) {
	if strings.TrimSpace(appointmentID) == "" || date == "" || startTime == "" {
		return nil, fmt.Errorf("appointment, date and time: %w", ErrMissingParameters)
	}
	body := map[string]string{"date": date, "start_time": startTime}
	var appt Appointment
	if err := c.do(ctx, http.MethodPut, "/appointments/"+url.PathEscape(appointmentID), body, &appt); err != nil {
		return nil, err
	}
	c.logger.Info("appointment rescheduled", "appointment_id", appointmentID, "date", date, "time", startTime)
	return &appt, nil
}

// CancelAppointment cancels an appointment by id.
func (c *Client) CancelAppointment(ctx context.Context, appointmentID string) error {
	if strings.TrimSpace(appointmentID) == "" {
		return fmt.Errorf("appointment id: %w", ErrMissingParameters)
	}
	if err := c.do(ctx, http.MethodDelete, "/appointments/"+url.PathEscape(appointmentID), nil, nil); err != nil {
		return err
	}
	c.logger.Info("appointment cancelled", "appointment_id", appointmentID)
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrSlotTaken
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrMissingParameters
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, string(raw))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

// birthDateLayouts covers the formats patients actually type.
var birthDateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2-1-2006",
	"02.01.2006",
}

// NormalizeBirthDate converts a typed birth date into ISO 2006-01-02 form.
// Day-first layouts win: in Spanish-speaking countries 03/05/1990 is the
// third of May.
func NormalizeBirthDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty birth date")
	}
	for _, layout := range birthDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("unrecognized birth date format: %s", s)
}
