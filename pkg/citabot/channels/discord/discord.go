// Package discord implements the staff-side alert channel using discordgo.
// CitaBot posts to a fixed clinic staff channel when a conversation needs a
// human; operators still reply from WhatsApp, so this channel only needs to
// send.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/rmaranhao/citabot/pkg/citabot/channels"
	"github.com/rmaranhao/citabot/pkg/citabot/handoff"
)

// Config holds the Discord alert channel settings.
type Config struct {
	// Token is the Discord bot token.
	Token string

	// ChannelID is the staff channel that receives handoff alerts.
	ChannelID string
}

// Discord implements channels.Channel and handoff.Notifier.
type Discord struct {
	cfg      Config
	logger   *slog.Logger
	session  *discordgo.Session
	messages chan *channels.IncomingMessage

	connected atomic.Bool
	lastMsg   atomic.Value // time.Time
}

// New creates the Discord alert channel.
func New(cfg Config, logger *slog.Logger) *Discord {
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		messages: make(chan *channels.IncomingMessage, 16),
	}
}

// Name implements channels.Channel.
func (d *Discord) Name() string { return "discord" }

// Connect opens the Discord gateway connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}
	d.session = session
	d.connected.Store(true)

	user := session.State.User
	d.logger.Info("discord connected", "bot", user.Username, "id", user.ID)
	return nil
}

// Disconnect implements channels.Channel.
func (d *Discord) Disconnect() error {
	if d.session != nil {
		d.session.Close()
	}
	d.connected.Store(false)
	close(d.messages)
	return nil
}

// Send posts a message. to may be empty, in which case the configured staff
// channel is used.
func (d *Discord) Send(ctx context.Context, to string, message *channels.OutgoingMessage) error {
	if d.session == nil || !d.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	if to == "" {
		to = d.cfg.ChannelID
	}
	// Discord caps messages at 2000 characters
	content := message.Content
	for len(content) > 0 {
		chunk := content
		if len(chunk) > 2000 {
			cut := strings.LastIndex(chunk[:2000], "\n")
			if cut <= 0 {
				cut = 2000
			}
			chunk = content[:cut]
		}
		if _, err := d.session.ChannelMessageSend(to, chunk); err != nil {
			return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
		}
		content = content[len(chunk):]
	}
	d.lastMsg.Store(time.Now())
	return nil
}

// Receive implements channels.Channel. The alert channel emits nothing.
func (d *Discord) Receive() <-chan *channels.IncomingMessage {
	return d.messages
}

// IsConnected implements channels.Channel.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health implements channels.Channel.
func (d *Discord) Health() channels.HealthStatus {
	h := channels.HealthStatus{Connected: d.connected.Load()}
	if t, ok := d.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	return h
}

// NotifyHandoff implements handoff.Notifier: posts the alert to the staff
// channel.
func (d *Discord) NotifyHandoff(h *handoff.Handoff) {
	phone := strings.TrimSuffix(h.ClientKey, "@s.whatsapp.net")
	text := fmt.Sprintf("🔔 **Paciente en espera de atención humana**\nNúmero: +%s\nMotivo: %s\nResponde desde WhatsApp con `/tomar %s`.",
		phone, h.Reason, phone)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Send(ctx, d.cfg.ChannelID, &channels.OutgoingMessage{Content: text}); err != nil {
		d.logger.Error("failed to post handoff alert", "client", h.ClientKey, "error", err)
	}
}
