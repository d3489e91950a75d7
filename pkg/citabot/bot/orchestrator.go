package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rmaranhao/citabot/pkg/citabot/handoff"
	"github.com/rmaranhao/citabot/pkg/citabot/llm"
	"github.com/rmaranhao/citabot/pkg/citabot/session"
	"github.com/rmaranhao/citabot/pkg/citabot/slots"
	"github.com/rmaranhao/citabot/pkg/citabot/transcript"
)

// maxIterations caps the tool loop for a single batch. A model stuck calling
// tools past this is not going to converge; the patient gets an apology and
// a human instead of silence.
const maxIterations = 10

// Completer is the LLM capability the orchestrator needs.
type Completer interface {
	Chat(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Message, error)
}

// Orchestrator runs one aggregated batch through the dialogue loop.
type Orchestrator struct {
	completer Completer
	tools     *toolbox
	store     *session.Store
	handoffs  *handoff.Manager
	clinic    string
	maxTurns  int
	logger    *slog.Logger
	now       func() time.Time
}

// NewOrchestrator wires the dialogue loop. clinicName appears in the system
// prompt; maxTurns bounds the model-facing history. A nil operators gate
// means no human is configured and the handoff tool refuses.
func NewOrchestrator(completer Completer, clinic Clinic, store *session.Store, handoffs *handoff.Manager, operators OperatorGate, clinicName string, maxTurns int, logger *slog.Logger) *Orchestrator {
	if maxTurns <= 0 {
		maxTurns = transcript.DefaultMaxTurns
	}
	return &Orchestrator{
		completer: completer,
		tools:     newToolbox(clinic, store, operators, logger),
		store:     store,
		handoffs:  handoffs,
		clinic:    clinicName,
		maxTurns:  maxTurns,
		logger:    logger.With("component", "orchestrator"),
		now:       time.Now,
	}
}

func (o *Orchestrator) systemPrompt() string {
	return fmt.Sprintf(`Eres el asistente de citas de %s y atiendes por WhatsApp.
Hoy es %s. Respondes siempre en español, con mensajes breves y cordiales.

Tu trabajo: identificar al paciente, consultar disponibilidad, y agendar,
cambiar o cancelar citas usando las herramientas. Antes de agendar necesitas
al paciente identificado. Ofrece los horarios exactamente como los devuelve
consultar_disponibilidad y agenda solo horarios de esa lista. Si el paciente
pide hablar con una persona, o pide algo fuera de citas médicas, usa
pasar_con_agente. Nunca inventes horarios ni datos del paciente.`,
		o.clinic, o.now().Format("2006-01-02"))
}

// HandleBatch processes one aggregated message batch and returns the reply
// to send. An empty reply with nil error means the batch was dropped
// (duplicate delivery) or absorbed.
func (o *Orchestrator) HandleBatch(ctx context.Context, key, text string) (string, error) {
	if sess := o.store.Get(key); sess != nil && sess.Processing {
		o.logger.Warn("dropping duplicate batch, session already processing", "key", key)
		return "", nil
	}
	sess := o.store.MergeUpdate(key, session.Patch{Processing: session.Bool(true)})
	defer o.store.MergeUpdate(key, session.Patch{Processing: session.Bool(false)})

	turns := append([]transcript.Turn(nil), sess.Transcript...)
	turns = append(turns, transcript.User(text))
	sess = o.persist(key, turns, session.Patch{})

	// A patient answering "el martes a las 10" to an offered list does not
	// need a model round trip.
	if reply, ok := o.tryAcceptSlot(ctx, key, sess, &turns, text); ok {
		return reply, nil
	}

	return o.runLoop(ctx, key, sess, turns, text)
}

// tryAcceptSlot books directly when the batch unambiguously picks one of the
// offered slots. It never fires once an appointment exists; "el martes a las
// 10" then is more likely a change request the model should interpret.
func (o *Orchestrator) tryAcceptSlot(ctx context.Context, key string, sess *session.Session, turns *[]transcript.Turn, text string) (string, bool) {
	if len(sess.OfferedSlots) == 0 || sess.AppointmentID != "" || sess.Data["patient_id"] == "" {
		return "", false
	}
	match := slots.MatchSlot(text, sess.OfferedSlots)
	if match == nil {
		return "", false
	}

	o.logger.Info("slot accepted without model call", "key", key, "slot", match.Label)
	args := fmt.Sprintf(`{"fecha":%q,"hora":%q}`, match.Date, match.Time)
	call := llm.ToolCall{ID: "direct-accept", Type: "function", Function: llm.FunctionCall{Name: toolCreateAppt, Arguments: args}}
	res := o.tools.execute(ctx, sess, call, text)
	if res.patch.AppointmentID == nil {
		// booking failed (slot taken, backend down); let the model explain
		return "", false
	}

	reply := fmt.Sprintf("¡Listo! Tu cita quedó agendada para el %s. Te esperamos.", match.Label)
	*turns = append(*turns,
		transcript.ToolRequest(call.ID, call.Function.Name, []byte(args)),
		transcript.ToolResult(call.ID, res.content),
		transcript.Assistant(reply))
	o.persist(key, *turns, res.patch)
	return reply, true
}

func (o *Orchestrator) runLoop(ctx context.Context, key string, sess *session.Session, turns []transcript.Turn, text string) (string, error) {
	profile := o.store.Profile(key)
	var profileName, patientID string
	if profile != nil {
		profileName, patientID = profile.Name, profile.PatientID
	}
	tools := o.tools.definitions()

	escalate := false
	escalateReason := ""

	for i := 0; i < maxIterations; i++ {
		messages := o.messages(turns, profileName, patientID)
		resp, err := o.completer.Chat(ctx, messages, tools)
		if err != nil {
			o.logger.Error("model call failed", "key", key, "error", err)
			return "Disculpa, tuve un problema técnico. ¿Puedes intentar de nuevo en un momento?", err
		}

		if len(resp.ToolCalls) == 0 {
			turns = append(turns, transcript.Assistant(resp.Content))
			o.persist(key, turns, session.Patch{})
			if escalate {
				return o.escalateAndReply(key, turns, escalateReason, resp.Content)
			}
			return resp.Content, nil
		}

		for _, call := range resp.ToolCalls {
			turns = append(turns, transcript.ToolRequest(call.ID, call.Function.Name, []byte(call.Function.Arguments)))
			res := o.tools.execute(ctx, sess, call, text)
			turns = append(turns, transcript.ToolResult(call.ID, res.content))
			sess = o.persist(key, turns, res.patch)
			if res.escalate {
				escalate = true
				escalateReason = res.escalateReason
			}
		}
	}

	o.logger.Warn("iteration ceiling reached", "key", key)
	apology := "Lo siento, no estoy logrando resolver tu solicitud. Una persona del equipo te atenderá en breve."
	return o.escalateAndReply(key, append(turns, transcript.Assistant(apology)), "límite de iteraciones alcanzado", apology)
}

// escalateAndReply opens (or reuses) the handoff and returns the reply.
func (o *Orchestrator) escalateAndReply(key string, turns []transcript.Turn, reason, reply string) (string, error) {
	o.persist(key, turns, session.Patch{PendingIntervention: session.Bool(true)})
	if _, _, err := o.handoffs.Request(key, reason); err != nil {
		o.logger.Error("failed to open handoff", "key", key, "error", err)
	}
	return reply, nil
}

// persist writes the storage projection of the transcript plus any tool
// patch, and returns the refreshed session.
func (o *Orchestrator) persist(key string, turns []transcript.Turn, patch session.Patch) *session.Session {
	patch.Transcript = session.Turns(transcript.ForStorage(turns))
	return o.store.MergeUpdate(key, patch)
}

// messages builds the model-facing view: system prompt plus the compacted
// transcript, with adjacent tool requests folded back into one assistant
// message.
func (o *Orchestrator) messages(turns []transcript.Turn, profileName, patientID string) []llm.Message {
	view := transcript.ForModel(turns, profileName, patientID, o.maxTurns)
	out := []llm.Message{{Role: llm.RoleSystem, Content: o.systemPrompt()}}
	for i := 0; i < len(view); i++ {
		t := view[i]
		switch t.Kind {
		case transcript.KindUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: t.Content})
		case transcript.KindAssistant:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: t.Content})
		case transcript.KindToolRequest:
			msg := llm.Message{Role: llm.RoleAssistant}
			for ; i < len(view) && view[i].Kind == transcript.KindToolRequest; i++ {
				msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
					ID:   view[i].CallID,
					Type: "function",
					Function: llm.FunctionCall{
						Name:      view[i].ToolName,
						Arguments: string(view[i].ToolArgs),
					},
				})
			}
			i--
			out = append(out, msg)
		case transcript.KindToolResult:
			out = append(out, llm.Message{Role: llm.RoleTool, Content: t.Content, ToolCallID: t.CallID})
		}
	}
	return out
}
