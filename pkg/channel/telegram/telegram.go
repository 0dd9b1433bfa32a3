package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatrelay/pkg/bus"
	"chatrelay/pkg/channel"
	"chatrelay/pkg/config"
	"chatrelay/pkg/dedup"
	"chatrelay/pkg/routing"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const channelName = "telegram"
const messagePreviewLimit = 240

const (
	typingRefreshInterval = 4 * time.Second
	typingMaxDuration     = 30 * time.Second
)

// Adapter bridges Telegram long polling into the normalized message model.
type Adapter struct {
	cfg  config.TelegramConfig
	conn *channel.Conn
	log  *slog.Logger
	mode routing.Mode
	seen *dedup.Cache

	mu         sync.Mutex
	bot        *telego.Bot
	botUser    *telego.User
	cancelPoll context.CancelFunc
	typing     map[string]context.CancelFunc
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	a := &Adapter{
		cfg:    cfg,
		log:    log.With("component", "channel.telegram"),
		mode:   routing.ParseMode(cfg.Routing.GroupMode),
		seen:   dedup.NewCache(cfg.Dedup.TTL(dedup.DefaultTTL), cfg.Dedup.Size(dedup.DefaultMaxSize)),
		typing: make(map[string]context.CancelFunc),
	}

	a.conn = channel.NewConn(channelName, cfg.Reconnect.Backoff(), cfg.Reconnect.On(), log)
	a.conn.SetHooks(a.dial, a.teardown, a.drain)

	return a, nil
}

// Name returns the channel identifier used in bus metadata and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Connect starts long polling. Idempotent while connecting or connected.
func (a *Adapter) Connect(ctx context.Context) error {
	return a.conn.Connect(ctx)
}

// Disconnect stops polling and drains adapter state. Idempotent.
func (a *Adapter) Disconnect() {
	a.conn.Disconnect()
}

func (a *Adapter) OnMessage(handler bus.MessageHandler)       { a.conn.OnMessage(handler) }
func (a *Adapter) OnError(handler channel.ErrorHandler)       { a.conn.OnError(handler) }
func (a *Adapter) OnStatusChange(handler channel.StatusHandler) { a.conn.OnStatusChange(handler) }

// Info reports connection status plus bot identity diagnostics.
func (a *Adapter) Info() channel.Info {
	detail := map[string]string{"transport": "long_polling"}

	a.mu.Lock()
	if a.botUser != nil {
		detail["bot_username"] = a.botUser.Username
	}
	a.mu.Unlock()

	return a.conn.BaseInfo(detail)
}

func (a *Adapter) dial(ctx context.Context) error {
	token := strings.TrimSpace(a.cfg.Token)

	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()

	if bot == nil {
		created, err := telego.NewBot(token)
		if err != nil {
			return fmt.Errorf("initialize telegram bot: %w", err)
		}
		bot = created
	}

	me, err := bot.GetMe(ctx)
	if err != nil {
		if isUnauthorized(err) {
			return channel.Terminal(fmt.Errorf("telegram credentials rejected: %w", err))
		}
		return fmt.Errorf("telegram getMe: %w", err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	updates, err := bot.UpdatesViaLongPolling(pollCtx, nil)
	if err != nil {
		cancel()
		if isConflict(err) {
			return fmt.Errorf("another consumer is polling this bot: %w", channel.ErrConflict)
		}
		return fmt.Errorf("start long polling: %w", err)
	}

	a.mu.Lock()
	a.bot = bot
	a.botUser = me
	a.cancelPoll = cancel
	a.mu.Unlock()

	go a.readLoop(pollCtx, updates)

	a.log.Info("Telegram channel started", "bot_username", me.Username)
	return nil
}

func (a *Adapter) teardown() {
	a.mu.Lock()
	cancel := a.cancelPoll
	a.cancelPoll = nil
	typing := a.typing
	a.typing = make(map[string]context.CancelFunc)
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, stop := range typing {
		stop()
	}
}

func (a *Adapter) drain() {
	a.seen.Reset()
}

func (a *Adapter) readLoop(ctx context.Context, updates <-chan telego.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				a.conn.HandleClose(errors.New("telegram updates channel closed"))
				return
			}
			a.handleUpdate(update)
		}
	}
}

func (a *Adapter) handleUpdate(update telego.Update) {
	message := update.Message
	if message == nil || message.From == nil {
		return
	}

	chatID := strconv.FormatInt(message.Chat.ID, 10)
	messageID := strconv.Itoa(message.MessageID)

	if a.cfg.Dedup.On() {
		key := dedup.Key(chatID, messageID)
		if a.seen.Has(key) {
			a.log.Debug("Suppressing replayed update", "chat_id", chatID, "message_id", messageID)
			return
		}
		a.seen.Mark(key)
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !routing.SenderAllowed(senderID, a.cfg.AllowFrom) && !routing.SenderAllowed(message.From.Username, a.cfg.AllowFrom) {
		a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		return
	}

	msg, ok := a.normalize(message)
	if !ok {
		return
	}

	a.log.Info("Received message", "chat_id", chatID, "sender_id", senderID, "routable", !msg.IngestOnly, "content", previewText(msg.Text))
	a.conn.EmitMessage(msg)

	if !msg.IngestOnly && msg.Direction == bus.DirectionIncoming {
		a.beginTyping(message.Chat.ID)
	}
}

// beginTyping shows the typing action for one chat until the reply goes
// out or the cap elapses. A newer routable message in the same chat
// restarts the window.
func (a *Adapter) beginTyping(chatID int64) {
	key := strconv.FormatInt(chatID, 10)
	typingCtx, cancel := context.WithTimeout(context.Background(), typingMaxDuration)

	a.mu.Lock()
	bot := a.bot
	if previous, ok := a.typing[key]; ok {
		previous()
	}
	a.typing[key] = cancel
	a.mu.Unlock()

	if bot == nil {
		cancel()
		return
	}

	sendTyping := func() {
		if err := bot.SendChatAction(typingCtx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil && typingCtx.Err() == nil {
			a.log.Debug("Failed to send typing indicator", "chat_id", chatID, "error", err)
		}
	}

	sendTyping()

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				sendTyping()
			}
		}
	}()
}

func (a *Adapter) stopTyping(chatID string) {
	key := strings.TrimSpace(chatID)

	a.mu.Lock()
	cancel := a.typing[key]
	delete(a.typing, key)
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (a *Adapter) normalize(message *telego.Message) (bus.Message, bool) {
	chatID := strconv.FormatInt(message.Chat.ID, 10)
	isGroup := message.Chat.Type != telego.ChatTypePrivate

	text := routing.BestText(message.Text, message.Caption)
	attachments := extractAttachments(message)
	if text == "" && len(attachments) == 0 {
		return bus.Message{}, false
	}

	msg := bus.Message{
		ID:          strconv.Itoa(message.MessageID),
		Channel:     channelName,
		SenderID:    strconv.FormatInt(message.From.ID, 10),
		SenderName:  senderName(message.From),
		ChatID:      chatID,
		IsGroup:     isGroup,
		Direction:   bus.DirectionIncoming,
		Text:        text,
		Timestamp:   time.Unix(message.Date, 0).UTC(),
		Attachments: attachments,
		SessionKey:  sessionKey(chatID),
		Metadata:    map[string]string{"chat_type": string(message.Chat.Type)},
	}
	if message.ReplyToMessage != nil {
		msg.ReplyToID = strconv.Itoa(message.ReplyToMessage.MessageID)
	}

	a.mu.Lock()
	me := a.botUser
	a.mu.Unlock()

	var identity string
	fromMe := false
	if me != nil {
		identity = "@" + me.Username
		fromMe = message.From.ID == me.ID
	}

	if !routing.ApplySelf(&msg, fromMe, a.cfg.Routing.CaptureSelfMessage) {
		return bus.Message{}, false
	}
	if msg.Direction == bus.DirectionOutgoingUser {
		return msg, true
	}

	routing.Stamp(&msg, routing.Inspect(a.mode, isGroup, text, identity, mentionsBot(message, me)))
	return msg, true
}

// Send delivers one text message and returns the platform message id.
func (a *Adapter) Send(ctx context.Context, out bus.Outgoing) (string, error) {
	if err := a.conn.RequireConnected(); err != nil {
		return "", err
	}

	chatID, err := parseChatID(out.ChatID)
	if err != nil {
		return "", err
	}

	params := tu.Message(tu.ID(chatID), out.Text)
	if out.ParseMode != "" {
		params = params.WithParseMode(out.ParseMode)
	}
	if out.ReplyToID != "" {
		if replyTo, err := strconv.Atoi(out.ReplyToID); err == nil {
			params = params.WithReplyParameters(&telego.ReplyParameters{MessageID: replyTo})
		}
	}

	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()

	sent, err := bot.SendMessage(ctx, params)
	if err != nil {
		return "", fmt.Errorf("send telegram message: %w", err)
	}

	a.stopTyping(out.ChatID)
	a.log.Info("Sent message", "chat_id", out.ChatID, "content", previewText(out.Text))
	return strconv.Itoa(sent.MessageID), nil
}

// Edit rewrites a previously sent message.
func (a *Adapter) Edit(ctx context.Context, chatID, messageID, text string) error {
	if err := a.conn.RequireConnected(); err != nil {
		return err
	}

	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", messageID, err)
	}

	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()

	_, err = bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(id),
		MessageID: msgID,
		Text:      text,
	})
	if err != nil {
		return fmt.Errorf("edit telegram message: %w", err)
	}
	return nil
}

// Delete removes a previously sent message.
func (a *Adapter) Delete(ctx context.Context, chatID, messageID string) error {
	if err := a.conn.RequireConnected(); err != nil {
		return err
	}

	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", messageID, err)
	}

	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()

	if err := bot.DeleteMessage(ctx, &telego.DeleteMessageParams{ChatID: tu.ID(id), MessageID: msgID}); err != nil {
		return fmt.Errorf("delete telegram message: %w", err)
	}
	return nil
}

// SendPhoto delivers one photo by URL with an optional caption.
func (a *Adapter) SendPhoto(ctx context.Context, chatID string, photo bus.Attachment, caption string) (string, error) {
	if err := a.conn.RequireConnected(); err != nil {
		return "", err
	}

	id, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}

	params := tu.Photo(tu.ID(id), tu.FileFromURL(photo.URL))
	if caption != "" {
		params = params.WithCaption(caption)
	}

	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()

	sent, err := bot.SendPhoto(ctx, params)
	if err != nil {
		return "", fmt.Errorf("send telegram photo: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// SendDocument delivers one document by URL with an optional caption.
func (a *Adapter) SendDocument(ctx context.Context, chatID string, doc bus.Attachment, caption string) (string, error) {
	if err := a.conn.RequireConnected(); err != nil {
		return "", err
	}

	id, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}

	params := tu.Document(tu.ID(id), tu.FileFromURL(doc.URL))
	if caption != "" {
		params = params.WithCaption(caption)
	}

	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()

	sent, err := bot.SendDocument(ctx, params)
	if err != nil {
		return "", fmt.Errorf("send telegram document: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func extractAttachments(message *telego.Message) []bus.Attachment {
	var attachments []bus.Attachment

	if count := len(message.Photo); count > 0 {
		largest := message.Photo[count-1]
		attachments = append(attachments, bus.Attachment{
			Type:     bus.AttachmentImage,
			FileName: largest.FileUniqueID + ".jpg",
			MimeType: "image/jpeg",
			Size:     int64(largest.FileSize),
		})
	}
	if doc := message.Document; doc != nil {
		attachments = append(attachments, bus.Attachment{
			Type:     routing.AttachmentType(doc.MimeType, doc.FileName),
			FileName: doc.FileName,
			MimeType: doc.MimeType,
			Size:     doc.FileSize,
		})
	}
	if voice := message.Voice; voice != nil {
		attachments = append(attachments, bus.Attachment{
			Type:     bus.AttachmentAudio,
			MimeType: voice.MimeType,
			Size:     voice.FileSize,
		})
	}
	if video := message.Video; video != nil {
		attachments = append(attachments, bus.Attachment{
			Type:     bus.AttachmentVideo,
			FileName: video.FileName,
			MimeType: video.MimeType,
			Size:     video.FileSize,
		})
	}

	return attachments
}

// mentionsBot checks Telegram mention entities; text-level matching is
// handled by routing.Inspect as the fallback.
func mentionsBot(message *telego.Message, me *telego.User) bool {
	if me == nil {
		return false
	}

	for _, entity := range message.Entities {
		if entity.Type != telego.EntityTypeMention {
			continue
		}
		start := entity.Offset
		end := entity.Offset + entity.Length
		runes := []rune(message.Text)
		if start < 0 || end > len(runes) {
			continue
		}
		if strings.EqualFold(string(runes[start:end]), "@"+me.Username) {
			return true
		}
	}
	return false
}

func senderName(from *telego.User) string {
	if from.Username != "" {
		return from.Username
	}
	return strings.TrimSpace(from.FirstName + " " + from.LastName)
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	return id, nil
}

// sessionKey maps one Telegram chat to one session namespace.
func sessionKey(chatID string) string {
	return channelName + ":" + strings.TrimSpace(chatID)
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}

func isUnauthorized(err error) bool {
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "unauthorized") || strings.Contains(text, "401")
}

func isConflict(err error) bool {
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "conflict") || strings.Contains(text, "409")
}
