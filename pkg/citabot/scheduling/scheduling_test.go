package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNormalizeBirthDate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"1990-05-03", "1990-05-03", false},
		{"03/05/1990", "1990-05-03", false},
		{"3/5/1990", "1990-05-03", false},
		{"03-05-1990", "1990-05-03", false},
		{"03.05.1990", "1990-05-03", false},
		{" 03/05/1990 ", "1990-05-03", false},
		{"mayo de 1990", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeBirthDate(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeBirthDate(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeBirthDate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLookupPatient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("identification") == "123" {
			json.NewEncoder(w).Encode(Patient{ID: "P-1", Name: "Ana López", Identification: "123"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", testLogger())
	p, err := c.LookupPatient(context.Background(), "123")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if p.ID != "P-1" || p.Name != "Ana López" {
		t.Errorf("patient = %+v", p)
	}

	if _, err := c.LookupPatient(context.Background(), "999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing patient error = %v, want ErrNotFound", err)
	}
	if _, err := c.LookupPatient(context.Background(), "  "); !errors.Is(err, ErrMissingParameters) {
		t.Errorf("blank identification error = %v, want ErrMissingParameters", err)
	}
}

func TestCreatePatientNormalizesBirthDate(t *testing.T) {
	t.Parallel()
	var sent map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&sent)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Patient{ID: "P-9", Name: sent["name"]})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", testLogger())
	p, err := c.CreatePatient(context.Background(), "Ana López", "123", "+52123", "03/05/1990")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.ID != "P-9" {
		t.Errorf("patient = %+v", p)
	}
	if sent["birth_date"] != "1990-05-03" {
		t.Errorf("birth date sent as %q, want ISO form", sent["birth_date"])
	}
}

func TestAvailabilitySorted(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Availability{
			{Date: "2026-09-01", StartTime: "16:00"},
			{Date: "2026-09-01", StartTime: "09:30"},
			{Date: "2026-09-01", StartTime: "11:00"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", testLogger())
	avail, err := c.Availability(context.Background(), "2026-09-01")
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if len(avail) != 3 || avail[0].StartTime != "09:30" || avail[2].StartTime != "16:00" {
		t.Errorf("not sorted: %+v", avail)
	}

	if _, err := c.Availability(context.Background(), "mañana"); !errors.Is(err, ErrMissingParameters) {
		t.Errorf("bad date error = %v", err)
	}
}

func TestAppointmentsSortedSoonestFirst(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Appointment{
			{ID: "A-2", Date: "2026-09-10", StartTime: "10:00"},
			{ID: "A-1", Date: "2026-09-01", StartTime: "16:00"},
			{ID: "A-3", Date: "2026-09-01", StartTime: "09:00"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", testLogger())
	appts, err := c.Appointments(context.Background(), "P-1")
	if err != nil {
		t.Fatalf("appointments: %v", err)
	}
	if appts[0].ID != "A-3" || appts[1].ID != "A-1" || appts[2].ID != "A-2" {
		t.Errorf("order = %v %v %v", appts[0].ID, appts[1].ID, appts[2].ID)
	}
}

func TestCreateAppointmentSlotTaken(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", testLogger())
	_, err := c.CreateAppointment(context.Background(), "P-1", "2026-09-01", "09:30", "")
	if !errors.Is(err, ErrSlotTaken) {
		t.Errorf("conflict error = %v, want ErrSlotTaken", err)
	}
}

func TestCancelAppointment(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path == "/appointments/A-1" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", testLogger())
	if err := c.CancelAppointment(context.Background(), "A-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := c.CancelAppointment(context.Background(), "A-404"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing appointment error = %v", err)
	}
}
