// Package session implements the per-conversation state store for CitaBot.
// One Session document exists per conversation key (the patient's WhatsApp
// JID), bounded by a 30-minute inactivity TTL. Sessions are owned exclusively
// by the Store and mutated only through MergeUpdate; a long-lived Profile
// record, keyed identically, survives session expiry.
package session

import (
	"time"

	"github.com/rmaranhao/citabot/pkg/citabot/slots"
	"github.com/rmaranhao/citabot/pkg/citabot/transcript"
)

// DefaultTTL is the inactivity window after which a session is treated as
// expired and removed on access.
const DefaultTTL = 30 * time.Minute

// Lifecycle step markers.
const (
	StepNew        = "new"
	StepIdentified = "identified"
	StepScheduling = "scheduling"
	StepDone       = "done"
)

// Session is the per-conversation state document.
type Session struct {
	// Key is the conversation key (patient JID).
	Key string `json:"key"`

	// Step is the lifecycle step marker.
	Step string `json:"step"`

	// Data is the free-form bag of collected identifiers, cached names and
	// pending-action flags.
	Data map[string]string `json:"data,omitempty"`

	// Transcript is the ordered dialogue history (storage projection).
	Transcript []transcript.Turn `json:"transcript,omitempty"`

	// OfferedSlots is the ephemeral list of bookable options last presented
	// to the patient. Cleared once an appointment is created from it,
	// replaced wholesale when a different date range is queried.
	OfferedSlots []slots.Slot `json:"offered_slots,omitempty"`

	// AppointmentID references the appointment created in this conversation,
	// if any.
	AppointmentID string `json:"appointment_id,omitempty"`

	// Processing guards against duplicate deliveries: while true, a second
	// trigger for the same key is dropped instead of double-processed.
	Processing bool `json:"processing,omitempty"`

	// PendingIntervention marks that a human operator has been requested.
	PendingIntervention bool `json:"pending_intervention,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// newSession returns a freshly initialized session for key.
func newSession(key string) *Session {
	now := time.Now()
	return &Session{
		Key:          key,
		Step:         StepNew,
		Data:         map[string]string{},
		CreatedAt:    now,
		LastActivity: now,
	}
}

// Expired reports whether the session exceeded the TTL at the given instant.
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastActivity) > ttl
}

// clone returns a deep-enough copy so callers never share mutable state with
// the store.
func (s *Session) clone() *Session {
	cp := *s
	cp.Data = make(map[string]string, len(s.Data))
	for k, v := range s.Data {
		cp.Data[k] = v
	}
	cp.Transcript = append([]transcript.Turn(nil), s.Transcript...)
	cp.OfferedSlots = append([]slots.Slot(nil), s.OfferedSlots...)
	return &cp
}

// Patch is a shallow partial update applied by MergeUpdate. Nil fields are
// left untouched; Data entries are merged key by key.
type Patch struct {
	Step          *string
	Data          map[string]string
	Transcript    *[]transcript.Turn
	OfferedSlots  *[]slots.Slot
	AppointmentID *string
	Processing    *bool

	PendingIntervention *bool
}

// apply merges the patch into s and stamps last-activity.
func (p Patch) apply(s *Session) {
	if p.Step != nil {
		s.Step = *p.Step
	}
	if s.Data == nil {
		s.Data = map[string]string{}
	}
	for k, v := range p.Data {
		s.Data[k] = v
	}
	if p.Transcript != nil {
		s.Transcript = *p.Transcript
	}
	if p.OfferedSlots != nil {
		s.OfferedSlots = *p.OfferedSlots
	}
	if p.AppointmentID != nil {
		s.AppointmentID = *p.AppointmentID
	}
	if p.Processing != nil {
		s.Processing = *p.Processing
	}
	if p.PendingIntervention != nil {
		s.PendingIntervention = *p.PendingIntervention
	}
	s.LastActivity = time.Now()
}

// Helper constructors for pointer fields in patches.

// String returns a pointer to s, for Patch fields.
func String(s string) *string { return &s }

// Bool returns a pointer to b, for Patch fields.
func Bool(b bool) *bool { return &b }

// Turns returns a pointer to a turn slice, for Patch fields.
func Turns(t []transcript.Turn) *[]transcript.Turn { return &t }

// Slots returns a pointer to a slot slice, for Patch fields.
func Slots(s []slots.Slot) *[]slots.Slot { return &s }

// Profile is the long-lived patient record retained across session expiry.
type Profile struct {
	// Key is the conversation key, identical to the session key.
	Key string `json:"key"`

	// Name is the patient's display name.
	Name string `json:"name"`

	// PatientID is the stable identifier in the scheduling backend.
	PatientID string `json:"patient_id"`

	UpdatedAt time.Time `json:"updated_at"`
}
