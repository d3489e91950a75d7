// Package whatsapp implements the patient-facing channel over the WhatsApp
// Web multidevice protocol via whatsmeow. First run prints a QR code to link
// the clinic's number; the device session persists in SQLite after that.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/rmaranhao/citabot/pkg/citabot/channels"
)

// Config holds the WhatsApp channel settings.
type Config struct {
	// StorePath is the SQLite file for the device session.
	StorePath string

	// DeviceName is shown in the phone's linked devices list.
	DeviceName string
}

// Channel is the WhatsApp transport. Implements channels.Channel and
// channels.PresenceChannel.
type Channel struct {
	config   Config
	client   *whatsmeow.Client
	messages chan *channels.IncomingMessage
	logger   *slog.Logger
	ctx      context.Context

	connected atomic.Bool

	mu            sync.Mutex
	lastMessageAt time.Time
	errorCount    int
}

// New creates the WhatsApp channel.
func New(config Config, logger *slog.Logger) *Channel {
	return &Channel{
		config:   config,
		messages: make(chan *channels.IncomingMessage, 128),
		logger:   logger.With("component", "whatsapp"),
	}
}

// Name implements channels.Channel.
func (w *Channel) Name() string { return "whatsapp" }

// Connect opens the device store, restores or links the session, and starts
// receiving events.
func (w *Channel) Connect(ctx context.Context) error {
	w.ctx = ctx
	dbLog := waLog.Stdout("whatsmeow-db", "ERROR", false)
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.config.StorePath), dbLog)
	if err != nil {
		return fmt.Errorf("failed to open device store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get device: %w", err)
	}

	deviceName := w.config.DeviceName
	if deviceName == "" {
		deviceName = "CitaBot"
	}
	store.SetOSInfo(deviceName, [3]uint32{1, 0, 0})

	clientLog := waLog.Stdout("whatsmeow", "ERROR", false)
	w.client = whatsmeow.NewClient(device, clientLog)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true
	w.client.InitialAutoReconnect = true

	if w.client.Store.ID == nil {
		return w.connectWithQR(ctx)
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("%w: %v", channels.ErrConnectionFailed, err)
	}
	w.logger.Info("whatsapp session restored", "jid", w.client.Store.ID.String())
	return nil
}

// connectWithQR links a new device. The QR code data is printed so the
// clinic staff can scan it from the WhatsApp app.
func (w *Channel) connectWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get QR channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("%w: %v", channels.ErrConnectionFailed, err)
	}

	go func() {
		for evt := range qrChan {
			switch evt.Event {
			case "code":
				fmt.Println("\nEscanea este código desde WhatsApp > Dispositivos vinculados:")
				fmt.Println(evt.Code)
			case "success":
				w.logger.Info("whatsapp device linked")
			case "timeout":
				w.logger.Error("QR code timed out, restart to link again")
			}
		}
	}()
	return nil
}

// Disconnect implements channels.Channel.
func (w *Channel) Disconnect() error {
	if w.client != nil {
		w.client.Disconnect()
	}
	w.connected.Store(false)
	close(w.messages)
	return nil
}

// IsConnected implements channels.Channel.
func (w *Channel) IsConnected() bool { return w.connected.Load() }

// Health implements channels.Channel.
func (w *Channel) Health() channels.HealthStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return channels.HealthStatus{
		Connected:     w.connected.Load(),
		LastMessageAt: w.lastMessageAt,
		ErrorCount:    w.errorCount,
	}
}

// Receive implements channels.Channel.
func (w *Channel) Receive() <-chan *channels.IncomingMessage {
	return w.messages
}

// Send implements channels.Channel.
func (w *Channel) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	_, err = w.client.SendMessage(ctx, jid, &waProto.Message{
		Conversation: proto.String(msg.Content),
	})
	if err != nil {
		w.mu.Lock()
		w.errorCount++
		w.mu.Unlock()
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	return nil
}

// SendTyping implements channels.PresenceChannel.
func (w *Channel) SendTyping(ctx context.Context, to string) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	return w.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// MarkRead implements channels.PresenceChannel.
func (w *Channel) MarkRead(ctx context.Context, chatID string, messageIDs []string) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	jid, err := parseJID(chatID)
	if err != nil {
		return err
	}
	ids := make([]types.MessageID, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = types.MessageID(id)
	}
	return w.client.MarkRead(ctx, ids, time.Now(), jid, jid)
}

func (w *Channel) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		w.connected.Store(true)
		w.logger.Info("whatsapp connected")
	case *events.Disconnected:
		w.connected.Store(false)
		w.logger.Warn("whatsapp disconnected, auto-reconnect pending")
	case *events.LoggedOut:
		w.connected.Store(false)
		w.logger.Error("whatsapp session logged out, relink required")
	case *events.Message:
		w.handleMessage(e)
	}
}

func (w *Channel) handleMessage(evt *events.Message) {
	if evt.Info.IsFromMe {
		return
	}

	msgType, content, payload, media := extractContent(evt.Message)
	if msgType == "" {
		return
	}

	w.mu.Lock()
	w.lastMessageAt = time.Now()
	w.mu.Unlock()

	msg := &channels.IncomingMessage{
		ID:            evt.Info.ID,
		Channel:       "whatsapp",
		From:          w.resolveJID(evt.Info.Sender),
		FromName:      evt.Info.PushName,
		ChatID:        w.resolveJID(evt.Info.Chat),
		IsGroup:       evt.Info.IsGroup,
		Type:          msgType,
		Content:       content,
		ButtonPayload: payload,
		Timestamp:     evt.Info.Timestamp,
		Media:         media,
	}

	select {
	case w.messages <- msg:
	default:
		w.logger.Warn("inbound buffer full, dropping message", "from", msg.From)
	}
}

// resolveJID maps a LID (linked identity) JID back to the phone JID so the
// conversation key stays stable.
func (w *Channel) resolveJID(jid types.JID) string {
	if jid.Server == "lid" && w.client != nil && w.client.Store != nil {
		if alt, err := w.client.Store.GetAltJID(w.ctx, jid); err == nil && !alt.IsEmpty() {
			return alt.ToNonAD().String()
		}
	}
	return jid.ToNonAD().String()
}

// extractContent maps a WhatsApp protobuf message to the channel-neutral
// form. Unsupported payloads (reactions, receipts) return an empty type.
func extractContent(msg *waProto.Message) (channels.MessageType, string, string, *channels.MediaInfo) {
	switch {
	case msg == nil:
		return "", "", "", nil

	case msg.GetConversation() != "":
		return channels.MessageText, msg.GetConversation(), "", nil

	case msg.GetExtendedTextMessage() != nil:
		return channels.MessageText, msg.GetExtendedTextMessage().GetText(), "", nil

	case msg.GetButtonsResponseMessage() != nil:
		b := msg.GetButtonsResponseMessage()
		return channels.MessageButton, b.GetSelectedDisplayText(), b.GetSelectedButtonID(), nil

	case msg.GetTemplateButtonReplyMessage() != nil:
		b := msg.GetTemplateButtonReplyMessage()
		return channels.MessageButton, b.GetSelectedDisplayText(), b.GetSelectedID(), nil

	case msg.GetListResponseMessage() != nil:
		l := msg.GetListResponseMessage()
		return channels.MessageButton, l.GetTitle(), l.GetSingleSelectReply().GetSelectedRowID(), nil

	case msg.GetImageMessage() != nil:
		m := msg.GetImageMessage()
		return channels.MessageImage, m.GetCaption(), "", &channels.MediaInfo{
			Type: channels.MessageImage, MimeType: m.GetMimetype(), FileSize: m.GetFileLength(), Caption: m.GetCaption(),
		}

	case msg.GetAudioMessage() != nil:
		m := msg.GetAudioMessage()
		return channels.MessageAudio, "", "", &channels.MediaInfo{
			Type: channels.MessageAudio, MimeType: m.GetMimetype(), FileSize: m.GetFileLength(),
		}

	case msg.GetVideoMessage() != nil:
		m := msg.GetVideoMessage()
		return channels.MessageVideo, m.GetCaption(), "", &channels.MediaInfo{
			Type: channels.MessageVideo, MimeType: m.GetMimetype(), FileSize: m.GetFileLength(), Caption: m.GetCaption(),
		}

	case msg.GetDocumentMessage() != nil:
		m := msg.GetDocumentMessage()
		return channels.MessageDocument, m.GetCaption(), "", &channels.MediaInfo{
			Type: channels.MessageDocument, MimeType: m.GetMimetype(), Filename: m.GetFileName(), FileSize: m.GetFileLength(), Caption: m.GetCaption(),
		}

	case msg.GetStickerMessage() != nil:
		m := msg.GetStickerMessage()
		return channels.MessageSticker, "", "", &channels.MediaInfo{
			Type: channels.MessageSticker, MimeType: m.GetMimetype(), FileSize: m.GetFileLength(),
		}

	case msg.GetLocationMessage() != nil:
		return channels.MessageLocation, "", "", &channels.MediaInfo{Type: channels.MessageLocation}

	case msg.GetContactMessage() != nil:
		return channels.MessageContact, msg.GetContactMessage().GetDisplayName(), "", &channels.MediaInfo{Type: channels.MessageContact}
	}
	return "", "", "", nil
}

// parseJID accepts either a full JID or a bare phone number.
func parseJID(s string) (types.JID, error) {
	if strings.ContainsRune(s, '@') {
		jid, err := types.ParseJID(s)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("invalid JID %q: %w", s, err)
		}
		return jid, nil
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if digits == "" {
		return types.EmptyJID, fmt.Errorf("invalid recipient %q", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
