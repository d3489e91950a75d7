package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rmaranhao/citabot/pkg/citabot/channels"
	"github.com/rmaranhao/citabot/pkg/citabot/config"
	"github.com/rmaranhao/citabot/pkg/citabot/handoff"
	"github.com/rmaranhao/citabot/pkg/citabot/session"
	"github.com/rmaranhao/citabot/pkg/citabot/transcript"
)

// AcceptButtonPayload is the payload of the "hablar con una persona" quick
// reply button; it escalates without a model round trip.
const AcceptButtonPayload = "hablar_con_agente"

// Options tunes bot behavior.
type Options struct {
	Debounce   time.Duration
	SendTyping bool
	MarkAsRead bool
}

// Bot routes incoming messages between the aggregator, the orchestrator and
// human operators.
type Bot struct {
	manager   *channels.Manager
	orch      *Orchestrator
	store     *session.Store
	handoffs  *handoff.Manager
	operators *config.OperatorDirectory
	opts      Options
	logger    *slog.Logger

	agg *Aggregator

	mu     sync.Mutex
	routes map[string]string // conversation key -> channel name
}

// New assembles the bot.
func New(manager *channels.Manager, orch *Orchestrator, store *session.Store, handoffs *handoff.Manager, operators *config.OperatorDirectory, opts Options, logger *slog.Logger) *Bot {
	if opts.Debounce <= 0 {
		opts.Debounce = 10 * time.Second
	}
	b := &Bot{
		manager:   manager,
		orch:      orch,
		store:     store,
		handoffs:  handoffs,
		operators: operators,
		opts:      opts,
		logger:    logger.With("component", "bot"),
		routes:    map[string]string{},
	}
	b.agg = NewAggregator(opts.Debounce, b.onFlush, logger)
	return b
}

// Run consumes the channel manager's message stream until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("bot running")
	defer b.agg.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-b.manager.Receive():
			if !ok {
				return nil
			}
			b.handleIncoming(ctx, msg)
		}
	}
}

func (b *Bot) rememberRoute(key, channel string) {
	b.mu.Lock()
	b.routes[key] = channel
	b.mu.Unlock()
}

func (b *Bot) routeFor(key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.routes[key]; ok {
		return ch
	}
	return "whatsapp"
}

func (b *Bot) handleIncoming(ctx context.Context, msg *channels.IncomingMessage) {
	if msg.IsGroup {
		return
	}
	if b.operators != nil && b.operators.IsOperator(msg.From) {
		b.handleOperatorMessage(ctx, msg)
		return
	}

	key := msg.From
	b.rememberRoute(key, msg.Channel)

	if b.opts.MarkAsRead {
		if pc, ok := b.manager.Get(msg.Channel).(channels.PresenceChannel); ok {
			_ = pc.MarkRead(ctx, msg.ChatID, []string{msg.ID})
		}
	}

	active, err := b.handoffs.ActiveFor(key)
	if err != nil {
		b.logger.Error("failed to check handoff state", "key", key, "error", err)
	}
	if active != nil {
		// operator-attended: record the message, stay silent
		b.appendTurn(key, transcript.User(describeInbound(msg)))
		return
	}

	// media cannot be interpreted; a person has to look at it
	if msg.Type.IsMedia() {
		b.appendTurn(key, transcript.User(describeInbound(msg)))
		b.escalate(ctx, key, "mensaje multimedia recibido",
			"Recibí tu archivo, pero necesito que una persona del equipo lo revise. En un momento te atienden.")
		return
	}
	if msg.ButtonPayload == AcceptButtonPayload {
		b.escalate(ctx, key, "botón de atención humana",
			"Claro, te paso con una persona del equipo. En un momento te atienden.")
		return
	}

	if b.opts.SendTyping {
		if pc, ok := b.manager.Get(msg.Channel).(channels.PresenceChannel); ok {
			_ = pc.SendTyping(ctx, msg.ChatID)
		}
	}
	b.agg.Add(key, msg.Content)
}

// onFlush runs one aggregated batch through the orchestrator and sends the
// reply back over the conversation's channel.
func (b *Bot) onFlush(key, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	reply, err := b.orch.HandleBatch(ctx, key, text)
	if err != nil {
		b.logger.Error("batch processing failed", "key", key, "error", err)
	}
	if reply == "" {
		return
	}
	if err := b.manager.SendText(ctx, b.routeFor(key), key, reply); err != nil {
		b.logger.Error("failed to send reply", "key", key, "error", err)
	}
}

// escalate opens a handoff for key and tells the patient.
func (b *Bot) escalate(ctx context.Context, key, reason, reply string) {
	b.agg.Flush(key)
	if _, _, err := b.handoffs.Request(key, reason); err != nil {
		b.logger.Error("failed to open handoff", "key", key, "error", err)
	}
	b.store.MergeUpdate(key, session.Patch{PendingIntervention: session.Bool(true)})
	b.appendTurn(key, transcript.Assistant(reply))
	if err := b.manager.SendText(ctx, b.routeFor(key), key, reply); err != nil {
		b.logger.Error("failed to send escalation notice", "key", key, "error", err)
	}
}

func (b *Bot) appendTurn(key string, turn transcript.Turn) {
	sess := b.store.GetOrCreate(key)
	turns := append(append([]transcript.Turn(nil), sess.Transcript...), turn)
	b.store.MergeUpdate(key, session.Patch{Transcript: session.Turns(transcript.ForStorage(turns))})
}

// Operator commands, sent from a registered operator JID:
//
//	/tomar <número>          take over the conversation
//	/r <número> <texto>      reply to the patient, relayed verbatim
//	/cerrar <número>         close the handoff, bot resumes
//	/pendientes              list open handoffs
func (b *Bot) handleOperatorMessage(ctx context.Context, msg *channels.IncomingMessage) {
	fields := strings.Fields(msg.Content)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return
	}
	op, _ := b.operators.Lookup(msg.From)

	reply := func(text string) {
		if err := b.manager.SendText(ctx, msg.Channel, msg.From, text); err != nil {
			b.logger.Error("failed to reply to operator", "operator", msg.From, "error", err)
		}
	}

	switch fields[0] {
	case "/pendientes":
		open, err := b.handoffs.ListActive()
		if err != nil || len(open) == 0 {
			reply("No hay conversaciones pendientes.")
			return
		}
		var sb strings.Builder
		sb.WriteString("Conversaciones pendientes:\n")
		for _, h := range open {
			fmt.Fprintf(&sb, "• %s (%s)\n", h.ClientKey, h.Reason)
		}
		reply(sb.String())

	case "/tomar":
		if len(fields) < 2 {
			reply("Uso: /tomar <número>")
			return
		}
		key := normalizeClientKey(fields[1])
		if _, err := b.handoffs.Take(key, msg.From, op.Name); err != nil {
			reply("No hay una conversación pendiente con ese número.")
			return
		}
		reply(fmt.Sprintf("Conversación con %s asignada a ti.", fields[1]))

	case "/r":
		if len(fields) < 3 {
			reply("Uso: /r <número> <mensaje>")
			return
		}
		key := normalizeClientKey(fields[1])
		text := strings.TrimSpace(strings.TrimPrefix(msg.Content, fields[0]))
		text = strings.TrimSpace(strings.TrimPrefix(text, fields[1]))
		if err := b.manager.SendText(ctx, b.routeFor(key), key, text); err != nil {
			reply("No se pudo enviar el mensaje al paciente.")
			return
		}
		b.appendTurn(key, transcript.Assistant(text))

	case "/cerrar":
		if len(fields) < 2 {
			reply("Uso: /cerrar <número>")
			return
		}
		key := normalizeClientKey(fields[1])
		closed, err := b.handoffs.Close(key)
		if err != nil {
			b.logger.Error("failed to close handoff", "key", key, "error", err)
			return
		}
		if closed == nil {
			reply("Esa conversación no estaba en intervención.")
			return
		}
		b.store.MergeUpdate(key, session.Patch{PendingIntervention: session.Bool(false)})
		reply(fmt.Sprintf("Conversación con %s cerrada, el asistente retoma.", fields[1]))
		_ = b.manager.SendText(ctx, b.routeFor(key), key,
			"Gracias por tu paciencia. Sigo aquí para ayudarte con tus citas.")

	default:
		reply("Comandos: /pendientes, /tomar <número>, /r <número> <mensaje>, /cerrar <número>")
	}
}

// describeInbound renders an inbound message for the transcript. Media
// carries no usable text, so the type is noted for the operator's view.
func describeInbound(msg *channels.IncomingMessage) string {
	if !msg.Type.IsMedia() {
		return msg.Content
	}
	desc := "[" + string(msg.Type) + "]"
	if msg.Content != "" {
		desc += " " + msg.Content
	}
	return desc
}

// normalizeClientKey turns a bare phone number into the WhatsApp JID form
// used as conversation key.
func normalizeClientKey(s string) string {
	if strings.Contains(s, "@") {
		return s
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	return digits + "@s.whatsapp.net"
}
