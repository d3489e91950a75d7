package bot

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/rmaranhao/citabot/pkg/citabot/handoff"
	"github.com/rmaranhao/citabot/pkg/citabot/llm"
	"github.com/rmaranhao/citabot/pkg/citabot/scheduling"
	"github.com/rmaranhao/citabot/pkg/citabot/session"
	"github.com/rmaranhao/citabot/pkg/citabot/slots"
	"github.com/rmaranhao/citabot/pkg/citabot/transcript"
)

// scriptedCompleter returns canned responses in order, then repeats the last.
type scriptedCompleter struct {
	responses []*llm.Message
	calls     int32
}

func (s *scriptedCompleter) Chat(_ context.Context, _ []llm.Message, _ []llm.Tool) (*llm.Message, error) {
	n := int(atomic.AddInt32(&s.calls, 1)) - 1
	if n >= len(s.responses) {
		n = len(s.responses) - 1
	}
	return s.responses[n], nil
}

func textResponse(text string) *llm.Message {
	return &llm.Message{Role: llm.RoleAssistant, Content: text}
}

func toolResponse(id, name, args string) *llm.Message {
	return &llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
		{ID: id, Type: "function", Function: llm.FunctionCall{Name: name, Arguments: args}},
	}}
}

// fakeClinic serves canned scheduling data.
type fakeClinic struct {
	patient      *scheduling.Patient
	availability []scheduling.Availability
	appointments []scheduling.Appointment
	created      []scheduling.Appointment
	createErr    error
	cancelled    []string
}

func (f *fakeClinic) LookupPatient(_ context.Context, identification string) (*scheduling.Patient, error) {
	if f.patient != nil && f.patient.Identification == identification {
		return f.patient, nil
	}
	return nil, scheduling.ErrNotFound
}

func (f *fakeClinic) CreatePatient(_ context.Context, name, identification, phone, birthDate string) (*scheduling.Patient, error) {
	if _, err := scheduling.NormalizeBirthDate(birthDate); err != nil {
		return nil, scheduling.ErrMissingParameters
	}
	p := &scheduling.Patient{ID: "P-NEW", Name: name, Identification: identification, Phone: phone}
	f.patient = p
	return p, nil
}

func (f *fakeClinic) Availability(_ context.Context, date string) ([]scheduling.Availability, error) {
	return f.availability, nil
}

func (f *fakeClinic) Appointments(_ context.Context, patientID string) ([]scheduling.Appointment, error) {
	return f.appointments, nil
}

func (f *fakeClinic) CreateAppointment(_ context.Context, patientID, date, startTime, notes string) (*scheduling.Appointment, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	appt := scheduling.Appointment{ID: fmt.Sprintf("A-%d", len(f.created)+1), PatientID: patientID, Date: date, StartTime: startTime, Status: "confirmed"}
	f.created = append(f.created, appt)
	return &appt, nil
}

func (f *fakeClinic) UpdateAppointment(_ context.Context, appointmentID, date, startTime string) (*scheduling.Appointment, error) {
	return &scheduling.Appointment{ID: appointmentID, Date: date, StartTime: startTime}, nil
}

func (f *fakeClinic) CancelAppointment(_ context.Context, appointmentID string) error {
	f.cancelled = append(f.cancelled, appointmentID)
	return nil
}

// staffedGate reports a configured operator so the handoff tool runs.
type staffedGate struct{}

func (staffedGate) HasOperator() bool { return true }

func newTestOrchestrator(completer Completer, clinic Clinic) (*Orchestrator, *session.Store, *handoff.Manager) {
	logger := testLogger()
	store := session.NewStore(session.NewMemoryBackend(), session.DefaultTTL, logger)
	handoffs := handoff.NewManager(handoff.NewMemoryStore(), nil, logger)
	orch := NewOrchestrator(completer, clinic, store, handoffs, staffedGate{}, "Clínica San Rafael", 20, logger)
	return orch, store, handoffs
}

const testKey = "521234@s.whatsapp.net"

func TestHandleBatchPlainReply(t *testing.T) {
	t.Parallel()
	completer := &scriptedCompleter{responses: []*llm.Message{
		textResponse("¡Hola! ¿Me das tu número de identificación?"),
	}}
	orch, store, _ := newTestOrchestrator(completer, &fakeClinic{})

	reply, err := orch.HandleBatch(context.Background(), testKey, "hola, quiero una cita")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply != "¡Hola! ¿Me das tu número de identificación?" {
		t.Errorf("reply = %q", reply)
	}

	sess := store.Get(testKey)
	if sess == nil || len(sess.Transcript) != 2 {
		t.Fatalf("transcript = %+v", sess)
	}
	if sess.Transcript[0].Kind != transcript.KindUser || sess.Transcript[1].Kind != transcript.KindAssistant {
		t.Errorf("turn kinds = %v, %v", sess.Transcript[0].Kind, sess.Transcript[1].Kind)
	}
	if sess.Processing {
		t.Error("processing flag not cleared")
	}
}

func TestHandleBatchToolLoopOffersSlots(t *testing.T) {
	t.Parallel()
	clinic := &fakeClinic{availability: []scheduling.Availability{
		{Date: "2026-09-01", StartTime: "10:00"},
		{Date: "2026-09-03", StartTime: "10:00"},
	}}
	completer := &scriptedCompleter{responses: []*llm.Message{
		toolResponse("call_1", toolAvailability, `{"fecha":"2026-09-01"}`),
		textResponse("Tengo martes o jueves a las 10:00, ¿cuál prefieres?"),
	}}
	orch, store, _ := newTestOrchestrator(completer, clinic)

	reply, err := orch.HandleBatch(context.Background(), testKey, "¿hay citas esta semana?")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply == "" {
		t.Fatal("no reply")
	}

	sess := store.Get(testKey)
	if len(sess.OfferedSlots) != 2 {
		t.Fatalf("offered slots = %+v", sess.OfferedSlots)
	}
	if sess.OfferedSlots[0].Label != "martes 1 de septiembre a las 10:00" {
		t.Errorf("slot label = %q", sess.OfferedSlots[0].Label)
	}
	if sess.Step != session.StepScheduling {
		t.Errorf("step = %q", sess.Step)
	}
}

func TestHandleBatchIterationCeiling(t *testing.T) {
	t.Parallel()
	// a model that never stops calling tools
	completer := &scriptedCompleter{responses: []*llm.Message{
		toolResponse("loop", toolAvailability, `{"fecha":"2026-09-01"}`),
	}}
	orch, _, handoffs := newTestOrchestrator(completer, &fakeClinic{})

	reply, err := orch.HandleBatch(context.Background(), testKey, "quiero una cita")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := atomic.LoadInt32(&completer.calls); got != maxIterations {
		t.Errorf("model called %d times, want %d", got, maxIterations)
	}
	if reply == "" {
		t.Fatal("ceiling produced no reply")
	}
	h, _ := handoffs.ActiveFor(testKey)
	if h == nil {
		t.Fatal("ceiling did not open a handoff")
	}
}

func TestHandleBatchDropsDuplicateWhileProcessing(t *testing.T) {
	t.Parallel()
	completer := &scriptedCompleter{responses: []*llm.Message{textResponse("hola")}}
	orch, store, _ := newTestOrchestrator(completer, &fakeClinic{})

	store.MergeUpdate(testKey, session.Patch{Processing: session.Bool(true)})
	reply, err := orch.HandleBatch(context.Background(), testKey, "hola?")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply != "" {
		t.Errorf("duplicate batch produced reply %q", reply)
	}
	if got := atomic.LoadInt32(&completer.calls); got != 0 {
		t.Errorf("model called %d times for dropped batch", got)
	}
}

type forbiddenCompleter struct{ t *testing.T }

func (f *forbiddenCompleter) Chat(context.Context, []llm.Message, []llm.Tool) (*llm.Message, error) {
	f.t.Error("model called for a direct slot acceptance")
	return textResponse("no"), nil
}

func TestSlotAcceptanceShortcut(t *testing.T) {
	t.Parallel()
	clinic := &fakeClinic{}
	orch, store, _ := newTestOrchestrator(&forbiddenCompleter{t: t}, clinic)

	offered := []slots.Slot{
		slots.New("2026-09-01", "10:00"),
		slots.New("2026-09-03", "10:00"),
	}
	store.MergeUpdate(testKey, session.Patch{
		Data:         map[string]string{"patient_id": "P-1"},
		OfferedSlots: session.Slots(offered),
	})

	reply, err := orch.HandleBatch(context.Background(), testKey, "el martes a las 10")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply == "" {
		t.Fatal("no confirmation reply")
	}
	if len(clinic.created) != 1 {
		t.Fatalf("appointments created = %+v", clinic.created)
	}
	if clinic.created[0].Date != "2026-09-01" {
		t.Errorf("booked date = %q, want the Tuesday slot", clinic.created[0].Date)
	}

	sess := store.Get(testKey)
	if sess.AppointmentID == "" {
		t.Error("appointment id not stored")
	}
	if len(sess.OfferedSlots) != 0 {
		t.Errorf("offered slots not cleared: %+v", sess.OfferedSlots)
	}
}

func TestDirectBookingUsesConfirmedDate(t *testing.T) {
	t.Parallel()
	// backend confirms 10:00 a week later than a leftover slot from an
	// earlier availability query
	clinic := &fakeClinic{availability: []scheduling.Availability{
		{Date: "2026-09-08", StartTime: "10:00"},
	}}
	completer := &scriptedCompleter{responses: []*llm.Message{
		toolResponse("call_1", toolAvailability, `{"fecha":"2026-09-08","hora":"10:00"}`),
		textResponse("¡Listo! Tu cita quedó agendada."),
	}}
	orch, store, _ := newTestOrchestrator(completer, clinic)

	store.MergeUpdate(testKey, session.Patch{
		Data:         map[string]string{"patient_id": "P-1"},
		OfferedSlots: session.Slots([]slots.Slot{slots.New("2026-09-01", "10:00")}),
	})

	if _, err := orch.HandleBatch(context.Background(), testKey, "mejor la próxima semana"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(clinic.created) != 1 {
		t.Fatalf("appointments created = %+v", clinic.created)
	}
	if clinic.created[0].Date != "2026-09-08" {
		t.Errorf("booked date = %q, want the freshly confirmed 2026-09-08", clinic.created[0].Date)
	}
}

func TestSlotAcceptanceSkippedWhenAppointmentExists(t *testing.T) {
	t.Parallel()
	clinic := &fakeClinic{}
	completer := &scriptedCompleter{responses: []*llm.Message{
		textResponse("¿Quieres cambiar tu cita del martes?"),
	}}
	orch, store, _ := newTestOrchestrator(completer, clinic)

	store.MergeUpdate(testKey, session.Patch{
		Data:          map[string]string{"patient_id": "P-1"},
		OfferedSlots:  session.Slots([]slots.Slot{slots.New("2026-09-01", "10:00")}),
		AppointmentID: session.String("A-1"),
	})

	if _, err := orch.HandleBatch(context.Background(), testKey, "el martes a las 10"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(clinic.created) != 0 {
		t.Errorf("shortcut booked despite existing appointment: %+v", clinic.created)
	}
	if got := atomic.LoadInt32(&completer.calls); got != 1 {
		t.Errorf("model called %d times, want 1", got)
	}
}

func TestSlotAcceptanceFallsBackWhenSlotTaken(t *testing.T) {
	t.Parallel()
	clinic := &fakeClinic{createErr: scheduling.ErrSlotTaken}
	completer := &scriptedCompleter{responses: []*llm.Message{
		textResponse("Ese horario acaba de ocuparse, ¿te busco otro?"),
	}}
	orch, store, _ := newTestOrchestrator(completer, clinic)

	store.MergeUpdate(testKey, session.Patch{
		Data:         map[string]string{"patient_id": "P-1"},
		OfferedSlots: session.Slots([]slots.Slot{slots.New("2026-09-01", "10:00")}),
	})

	reply, err := orch.HandleBatch(context.Background(), testKey, "el martes a las 10")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := atomic.LoadInt32(&completer.calls); got != 1 {
		t.Errorf("model called %d times after failed direct booking, want 1", got)
	}
	if reply == "" {
		t.Error("no reply after fallback")
	}
}

func TestHandoffToolEscalates(t *testing.T) {
	t.Parallel()
	completer := &scriptedCompleter{responses: []*llm.Message{
		toolResponse("call_1", toolHandoff, `{"motivo":"quiere hablar con una persona"}`),
		textResponse("Claro, te paso con una persona del equipo."),
	}}
	orch, store, handoffs := newTestOrchestrator(completer, &fakeClinic{})

	reply, err := orch.HandleBatch(context.Background(), testKey, "quiero hablar con alguien")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply == "" {
		t.Fatal("no reply")
	}
	h, _ := handoffs.ActiveFor(testKey)
	if h == nil || h.Reason != "quiere hablar con una persona" {
		t.Fatalf("handoff = %+v", h)
	}
	if sess := store.Get(testKey); !sess.PendingIntervention {
		t.Error("pending intervention flag not set")
	}
}

func TestHandoffToolFailsClosedWithoutOperator(t *testing.T) {
	t.Parallel()
	completer := &scriptedCompleter{responses: []*llm.Message{
		toolResponse("call_1", toolHandoff, `{"motivo":"quiere hablar con una persona"}`),
		textResponse("Lo siento, ahora mismo no hay nadie disponible. Puedes llamar a la clínica."),
	}}
	logger := testLogger()
	store := session.NewStore(session.NewMemoryBackend(), session.DefaultTTL, logger)
	handoffs := handoff.NewManager(handoff.NewMemoryStore(), nil, logger)
	orch := NewOrchestrator(completer, &fakeClinic{}, store, handoffs, nil, "Clínica San Rafael", 20, logger)

	reply, err := orch.HandleBatch(context.Background(), testKey, "quiero hablar con alguien")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply == "" {
		t.Fatal("no reply")
	}
	if h, _ := handoffs.ActiveFor(testKey); h != nil {
		t.Fatalf("handoff opened despite missing operator: %+v", h)
	}
	if sess := store.Get(testKey); sess.PendingIntervention {
		t.Error("pending intervention set despite missing operator")
	}
}

func TestStorageTranscriptSummarizesToolResults(t *testing.T) {
	t.Parallel()
	avail := make([]scheduling.Availability, 15)
	for i := range avail {
		avail[i] = scheduling.Availability{Date: "2026-09-01", StartTime: fmt.Sprintf("%02d:00", 8+i%10)}
	}
	clinic := &fakeClinic{availability: avail}
	completer := &scriptedCompleter{responses: []*llm.Message{
		toolResponse("call_1", toolAvailability, `{"fecha":"2026-09-01"}`),
		textResponse("Tengo varios horarios, ¿cuál prefieres?"),
	}}
	orch, store, _ := newTestOrchestrator(completer, clinic)

	if _, err := orch.HandleBatch(context.Background(), testKey, "¿hay citas mañana?"); err != nil {
		t.Fatalf("handle: %v", err)
	}

	sess := store.Get(testKey)
	for _, turn := range sess.Transcript {
		if turn.Kind == transcript.KindToolResult && len(turn.Content) > 400 {
			t.Errorf("stored tool result not summarized: %d bytes", len(turn.Content))
		}
	}
}
