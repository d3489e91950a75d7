package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rmaranhao/citabot/pkg/citabot/llm"
	"github.com/rmaranhao/citabot/pkg/citabot/scheduling"
	"github.com/rmaranhao/citabot/pkg/citabot/session"
	"github.com/rmaranhao/citabot/pkg/citabot/slots"
)

// Clinic is the subset of the scheduling client the tools need.
// *scheduling.Client satisfies it; tests substitute a fake.
type Clinic interface {
	LookupPatient(ctx context.Context, identification string) (*scheduling.Patient, error)
	CreatePatient(ctx context.Context, name, identification, phone, birthDate string) (*scheduling.Patient, error)
	Availability(ctx context.Context, date string) ([]scheduling.Availability, error)
	Appointments(ctx context.Context, patientID string) ([]scheduling.Appointment, error)
	CreateAppointment(ctx context.Context, patientID, date, startTime, notes string) (*scheduling.Appointment, error)
	UpdateAppointment(ctx context.Context, appointmentID, date, startTime string) (*scheduling.Appointment, error)
	CancelAppointment(ctx context.Context, appointmentID string) error
}

// Tool names the model can call.
const (
	toolLookupPatient   = "buscar_paciente"
	toolRegisterPatient = "registrar_paciente"
	toolAvailability    = "consultar_disponibilidad"
	toolListAppts       = "listar_citas"
	toolCreateAppt      = "crear_cita"
	toolUpdateAppt      = "modificar_cita"
	toolCancelAppt      = "cancelar_cita"
	toolHandoff         = "pasar_con_agente"
)

// toolResult is what one tool execution hands back to the orchestrator.
type toolResult struct {
	// content goes into the transcript as the tool turn the model reads.
	content string
	// patch carries session changes the tool produced.
	patch session.Patch
	// escalate asks for a human handoff after the loop finishes.
	escalate bool
	// escalateReason annotates the handoff record.
	escalateReason string
}

// OperatorGate reports whether a human operator is configured to receive
// handoffs. *config.OperatorDirectory satisfies it.
type OperatorGate interface {
	HasOperator() bool
}

// toolbox executes model tool calls against the clinic backend.
type toolbox struct {
	clinic    Clinic
	store     *session.Store
	operators OperatorGate
	logger    *slog.Logger
}

func newToolbox(clinic Clinic, store *session.Store, operators OperatorGate, logger *slog.Logger) *toolbox {
	return &toolbox{clinic: clinic, store: store, operators: operators, logger: logger.With("component", "tools")}
}

func objectSchema(required []string, props map[string]any) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// definitions returns the tool list advertised to the model.
func (t *toolbox) definitions() []llm.Tool {
	return []llm.Tool{
		llm.NewTool(toolLookupPatient,
			"Busca un paciente registrado por su número de identificación.",
			objectSchema([]string{"identificacion"}, map[string]any{
				"identificacion": map[string]any{"type": "string", "description": "Número de identificación del paciente"},
			})),
		llm.NewTool(toolRegisterPatient,
			"Registra un paciente nuevo. Pide nombre completo, identificación y fecha de nacimiento antes de llamar.",
			objectSchema([]string{"nombre", "identificacion", "fecha_nacimiento"}, map[string]any{
				"nombre":           map[string]any{"type": "string"},
				"identificacion":   map[string]any{"type": "string"},
				"fecha_nacimiento": map[string]any{"type": "string", "description": "Fecha de nacimiento, por ejemplo 03/05/1990"},
			})),
		llm.NewTool(toolAvailability,
			"Consulta los horarios disponibles para una fecha. Si el paciente ya pidió una hora exacta, pásala en hora para agendar directo.",
			objectSchema([]string{"fecha"}, map[string]any{
				"fecha": map[string]any{"type": "string", "description": "Fecha en formato AAAA-MM-DD"},
				"hora":  map[string]any{"type": "string", "description": "Hora pedida por el paciente, formato HH:MM"},
			})),
		llm.NewTool(toolListAppts,
			"Lista las citas del paciente, la más próxima primero.",
			objectSchema(nil, map[string]any{})),
		llm.NewTool(toolCreateAppt,
			"Agenda una cita en uno de los horarios ofrecidos.",
			objectSchema([]string{"fecha", "hora"}, map[string]any{
				"fecha": map[string]any{"type": "string", "description": "Fecha en formato AAAA-MM-DD"},
				"hora":  map[string]any{"type": "string", "description": "Hora en formato HH:MM"},
				"nota":  map[string]any{"type": "string"},
			})),
		llm.NewTool(toolUpdateAppt,
			"Cambia una cita existente a otra fecha u hora.",
			objectSchema([]string{"fecha", "hora"}, map[string]any{
				"cita_id": map[string]any{"type": "string"},
				"fecha":   map[string]any{"type": "string"},
				"hora":    map[string]any{"type": "string"},
			})),
		llm.NewTool(toolCancelAppt,
			"Cancela una cita existente.",
			objectSchema(nil, map[string]any{
				"cita_id": map[string]any{"type": "string"},
			})),
		llm.NewTool(toolHandoff,
			"Pasa la conversación a una persona del equipo de la clínica.",
			objectSchema(nil, map[string]any{
				"motivo": map[string]any{"type": "string"},
			})),
	}
}

type toolArgs struct {
	Identificacion  string `json:"identificacion"`
	Nombre          string `json:"nombre"`
	FechaNacimiento string `json:"fecha_nacimiento"`
	Fecha           string `json:"fecha"`
	Hora            string `json:"hora"`
	Nota            string `json:"nota"`
	CitaID          string `json:"cita_id"`
	Motivo          string `json:"motivo"`
}

// execute runs one tool call. userText is the batch that triggered this
// agent run; the date corrector uses it to disambiguate weekdays.
func (t *toolbox) execute(ctx context.Context, sess *session.Session, call llm.ToolCall, userText string) toolResult {
	var args toolArgs
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return toolResult{content: fmt.Sprintf("Argumentos inválidos: %v", err)}
		}
	}

	t.logger.Debug("executing tool", "tool", call.Function.Name, "key", sess.Key)

	switch call.Function.Name {
	case toolLookupPatient:
		return t.lookupPatient(ctx, sess, args)
	case toolRegisterPatient:
		return t.registerPatient(ctx, sess, args)
	case toolAvailability:
		return t.availability(ctx, sess, args)
	case toolListAppts:
		return t.listAppointments(ctx, sess)
	case toolCreateAppt:
		return t.createAppointment(ctx, sess, args, userText)
	case toolUpdateAppt:
		return t.updateAppointment(ctx, sess, args, userText)
	case toolCancelAppt:
		return t.cancelAppointment(ctx, sess, args)
	case toolHandoff:
		if t.operators == nil || !t.operators.HasOperator() {
			t.logger.Error("handoff requested but no operator is configured")
			return toolResult{content: "No hay personal disponible para atender ahora mismo. Discúlpate y sugiere llamar a la clínica por teléfono."}
		}
		reason := args.Motivo
		if reason == "" {
			reason = "solicitud del paciente"
		}
		return toolResult{
			content:        "La conversación será atendida por una persona del equipo.",
			escalate:       true,
			escalateReason: reason,
		}
	default:
		return toolResult{content: fmt.Sprintf("Herramienta desconocida: %s", call.Function.Name)}
	}
}

func (t *toolbox) lookupPatient(ctx context.Context, sess *session.Session, args toolArgs) toolResult {
	p, err := t.clinic.LookupPatient(ctx, args.Identificacion)
	if errors.Is(err, scheduling.ErrNotFound) {
		return toolResult{content: "No hay ningún paciente registrado con esa identificación. Ofrece registrarlo."}
	}
	if err != nil {
		return t.backendFailure("buscar el paciente", err)
	}

	t.store.SaveProfile(&session.Profile{Key: sess.Key, Name: p.Name, PatientID: p.ID})
	return toolResult{
		content: fmt.Sprintf("Paciente encontrado: %s (id %s).", p.Name, p.ID),
		patch: session.Patch{
			Step: session.String(session.StepIdentified),
			Data: map[string]string{"patient_id": p.ID, "patient_name": p.Name},
		},
	}
}

func (t *toolbox) registerPatient(ctx context.Context, sess *session.Session, args toolArgs) toolResult {
	phone := strings.TrimSuffix(sess.Key, "@s.whatsapp.net")
	p, err := t.clinic.CreatePatient(ctx, args.Nombre, args.Identificacion, phone, args.FechaNacimiento)
	if errors.Is(err, scheduling.ErrMissingParameters) {
		return toolResult{content: "Faltan datos para el registro. Pide nombre completo, identificación y fecha de nacimiento."}
	}
	if err != nil {
		return t.backendFailure("registrar al paciente", err)
	}

	t.store.SaveProfile(&session.Profile{Key: sess.Key, Name: p.Name, PatientID: p.ID})
	return toolResult{
		content: fmt.Sprintf("Paciente registrado: %s (id %s).", p.Name, p.ID),
		patch: session.Patch{
			Step: session.String(session.StepIdentified),
			Data: map[string]string{"patient_id": p.ID, "patient_name": p.Name},
		},
	}
}

func (t *toolbox) availability(ctx context.Context, sess *session.Session, args toolArgs) toolResult {
	avail, err := t.clinic.Availability(ctx, args.Fecha)
	if errors.Is(err, scheduling.ErrMissingParameters) {
		return toolResult{content: "La fecha debe ir en formato AAAA-MM-DD."}
	}
	if err != nil {
		return t.backendFailure("consultar la disponibilidad", err)
	}
	if len(avail) == 0 {
		return toolResult{content: "No hay horarios disponibles para esa fecha. Sugiere otra fecha."}
	}

	// An exact requested time on an identified patient books directly. The
	// date is server-confirmed, so it goes to book untouched; running it
	// through the corrector could resurrect a stale offered slot's date.
	if args.Hora != "" && sess.Data["patient_id"] != "" {
		for _, a := range avail {
			if a.StartTime == padHour(args.Hora) {
				return t.book(ctx, sess.Data["patient_id"], a.Date, a.StartTime, "")
			}
		}
	}

	offered := make([]slots.Slot, 0, len(avail))
	labels := make([]string, 0, len(avail))
	for _, a := range avail {
		s := slots.New(a.Date, a.StartTime)
		offered = append(offered, s)
		labels = append(labels, s.Label)
	}
	return toolResult{
		content: "Horarios disponibles: " + strings.Join(labels, "; ") +
			". Ofrécelos al paciente usando exactamente estas etiquetas; la fecha AAAA-MM-DD es solo para agendar.",
		patch: session.Patch{
			Step:         session.String(session.StepScheduling),
			OfferedSlots: session.Slots(offered),
		},
	}
}

// padHour normalizes "9:30" to "09:30" so it compares against slot times.
func padHour(h string) string {
	if len(h) == 4 && h[1] == ':' {
		return "0" + h
	}
	return h
}

func (t *toolbox) listAppointments(ctx context.Context, sess *session.Session) toolResult {
	patientID := sess.Data["patient_id"]
	if patientID == "" {
		return toolResult{content: "Primero identifica al paciente con buscar_paciente."}
	}
	appts, err := t.clinic.Appointments(ctx, patientID)
	if err != nil {
		return t.backendFailure("consultar las citas", err)
	}
	if len(appts) == 0 {
		return toolResult{content: "El paciente no tiene citas agendadas."}
	}
	lines := make([]string, 0, len(appts))
	for _, a := range appts {
		lines = append(lines, fmt.Sprintf("%s (id %s)", slots.Label(a.Date, a.StartTime), a.ID))
	}
	// The nearest appointment becomes the default target for change or
	// cancel requests that do not name an id.
	patch := session.Patch{
		AppointmentID: session.String(appts[0].ID),
		Data:          map[string]string{"appointment_note": appts[0].Notes},
	}
	return toolResult{content: "Citas del paciente: " + strings.Join(lines, "; ") + ".", patch: patch}
}

func (t *toolbox) createAppointment(ctx context.Context, sess *session.Session, args toolArgs, userText string) toolResult {
	patientID := sess.Data["patient_id"]
	if patientID == "" {
		return toolResult{content: "Primero identifica al paciente con buscar_paciente."}
	}

	date := slots.CorrectDateFromSlots(args.Fecha, args.Hora, sess.OfferedSlots, userText, t.logger)
	return t.book(ctx, patientID, date, args.Hora, args.Nota)
}

// book creates the appointment for a date that is already final. Model-chosen
// dates go through the corrector in createAppointment first; the availability
// direct-booking path calls this with the server-confirmed date.
func (t *toolbox) book(ctx context.Context, patientID, date, hora, nota string) toolResult {
	appt, err := t.clinic.CreateAppointment(ctx, patientID, date, hora, nota)
	if errors.Is(err, scheduling.ErrSlotTaken) {
		return toolResult{content: "Ese horario ya no está disponible. Consulta la disponibilidad de nuevo y ofrece otras opciones."}
	}
	if errors.Is(err, scheduling.ErrMissingParameters) {
		return toolResult{content: "Faltan la fecha o la hora de la cita."}
	}
	if err != nil {
		return t.backendFailure("agendar la cita", err)
	}

	return toolResult{
		content: fmt.Sprintf("Cita agendada para el %s (id %s). Confírmalo al paciente.", slots.Label(appt.Date, appt.StartTime), appt.ID),
		patch: session.Patch{
			Step:          session.String(session.StepDone),
			AppointmentID: session.String(appt.ID),
			OfferedSlots:  session.Slots(nil),
		},
	}
}

func (t *toolbox) updateAppointment(ctx context.Context, sess *session.Session, args toolArgs, userText string) toolResult {
	id := args.CitaID
	if id == "" {
		id = sess.AppointmentID
	}
	if id == "" {
		return toolResult{content: "No sé qué cita cambiar. Consulta las citas del paciente con listar_citas."}
	}

	date := slots.CorrectDateFromSlots(args.Fecha, args.Hora, sess.OfferedSlots, userText, t.logger)
	appt, err := t.clinic.UpdateAppointment(ctx, id, date, args.Hora)
	if errors.Is(err, scheduling.ErrNotFound) {
		return toolResult{content: "Esa cita ya no existe. Consulta las citas del paciente con listar_citas."}
	}
	if errors.Is(err, scheduling.ErrSlotTaken) {
		return toolResult{content: "Ese horario ya no está disponible. Consulta la disponibilidad de nuevo."}
	}
	if err != nil {
		return t.backendFailure("cambiar la cita", err)
	}

	return toolResult{
		content: fmt.Sprintf("Cita cambiada al %s (id %s).", slots.Label(appt.Date, appt.StartTime), appt.ID),
		patch: session.Patch{
			AppointmentID: session.String(appt.ID),
			OfferedSlots:  session.Slots(nil),
		},
	}
}

func (t *toolbox) cancelAppointment(ctx context.Context, sess *session.Session, args toolArgs) toolResult {
	id := args.CitaID
	if id == "" {
		id = sess.AppointmentID
	}
	if id == "" {
		return toolResult{content: "No sé qué cita cancelar. Consulta las citas del paciente con listar_citas."}
	}

	err := t.clinic.CancelAppointment(ctx, id)
	if errors.Is(err, scheduling.ErrNotFound) {
		return toolResult{content: "Esa cita ya no existe."}
	}
	if err != nil {
		return t.backendFailure("cancelar la cita", err)
	}

	patch := session.Patch{}
	if id == sess.AppointmentID {
		patch.AppointmentID = session.String("")
	}
	return toolResult{content: fmt.Sprintf("Cita %s cancelada.", id), patch: patch}
}

// backendFailure logs the real error and gives the model a phrasing-safe
// result instead of raw transport detail.
func (t *toolbox) backendFailure(action string, err error) toolResult {
	t.logger.Error("clinic backend call failed", "action", action, "error", err)
	return toolResult{content: fmt.Sprintf("No se pudo %s por un problema técnico. Discúlpate y sugiere intentar más tarde.", action)}
}
