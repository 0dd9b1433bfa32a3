package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"chatrelay/pkg/bus"
	"chatrelay/pkg/channel"
	"chatrelay/pkg/config"
	"chatrelay/pkg/dedup"
	"chatrelay/pkg/routing"

	"github.com/bwmarrin/discordgo"
)

const channelName = "discord"

// Adapter bridges a Discord gateway session into the normalized message model.
type Adapter struct {
	cfg         config.DiscordConfig
	conn        *channel.Conn
	log         *slog.Logger
	mode        routing.Mode
	seen        *dedup.Cache
	allowGuilds map[string]struct{}

	mu        sync.Mutex
	session   *discordgo.Session
	botUserID string
	botName   string
}

// NewAdapter validates Discord configuration and constructs an adapter instance.
func NewAdapter(cfg config.DiscordConfig, log *slog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("channels.discord.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	a := &Adapter{
		cfg:         cfg,
		log:         log.With("component", "channel.discord"),
		mode:        routing.ParseMode(cfg.Routing.GroupMode),
		seen:        dedup.NewCache(cfg.Dedup.TTL(dedup.DefaultTTL), cfg.Dedup.Size(dedup.DefaultMaxSize)),
		allowGuilds: toSet(cfg.AllowedGuildIDs),
	}

	a.conn = channel.NewConn(channelName, cfg.Reconnect.Backoff(), cfg.Reconnect.On(), log)
	a.conn.SetHooks(a.dial, a.teardown, a.drain)

	return a, nil
}

// Name returns the channel identifier used in bus metadata and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Connect opens the Discord gateway session. Idempotent.
func (a *Adapter) Connect(ctx context.Context) error {
	return a.conn.Connect(ctx)
}

// Disconnect closes the session and drains adapter state. Idempotent.
func (a *Adapter) Disconnect() {
	a.conn.Disconnect()
}

func (a *Adapter) OnMessage(handler bus.MessageHandler)         { a.conn.OnMessage(handler) }
func (a *Adapter) OnError(handler channel.ErrorHandler)         { a.conn.OnError(handler) }
func (a *Adapter) OnStatusChange(handler channel.StatusHandler) { a.conn.OnStatusChange(handler) }

// Info reports connection status plus bot identity diagnostics.
func (a *Adapter) Info() channel.Info {
	detail := map[string]string{"transport": "gateway_websocket"}

	a.mu.Lock()
	if a.botName != "" {
		detail["bot_username"] = a.botName
	}
	a.mu.Unlock()

	return a.conn.BaseInfo(detail)
}

func (a *Adapter) dial(_ context.Context) error {
	session, err := discordgo.New("Bot " + strings.TrimSpace(a.cfg.Token))
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	// The resilience core owns reconnection; discordgo must not race it.
	session.ShouldReconnectOnError = false

	session.AddHandler(a.handleReady)
	session.AddHandler(a.handleMessage)
	session.AddHandler(a.handleDisconnect)

	if err := session.Open(); err != nil {
		if isUnauthorized(err) {
			return channel.Terminal(fmt.Errorf("discord credentials rejected: %w", err))
		}
		return fmt.Errorf("open discord gateway: %w", err)
	}

	a.mu.Lock()
	a.session = session
	a.mu.Unlock()

	return nil
}

func (a *Adapter) teardown() {
	a.mu.Lock()
	session := a.session
	a.session = nil
	a.mu.Unlock()

	if session != nil {
		if err := session.Close(); err != nil {
			a.log.Debug("Error closing discord session", "error", err)
		}
	}
}

func (a *Adapter) drain() {
	a.seen.Reset()
}

func (a *Adapter) handleReady(_ *discordgo.Session, ready *discordgo.Ready) {
	a.mu.Lock()
	a.botUserID = ready.User.ID
	a.botName = ready.User.Username
	a.mu.Unlock()

	a.log.Info("Discord gateway ready", "bot_username", ready.User.Username)
}

func (a *Adapter) handleDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	a.conn.HandleClose(errors.New("discord gateway closed"))
}

func (a *Adapter) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	a.mu.Lock()
	botUserID := a.botUserID
	a.mu.Unlock()

	if a.cfg.Dedup.On() {
		key := dedup.Key(m.ChannelID, m.ID)
		if a.seen.Has(key) {
			return
		}
		a.seen.Mark(key)
	}

	if !routing.SenderAllowed(m.Author.ID, a.cfg.AllowFrom) && !routing.SenderAllowed(m.Author.Username, a.cfg.AllowFrom) {
		return
	}
	if m.GuildID != "" && len(a.allowGuilds) > 0 {
		if _, ok := a.allowGuilds[m.GuildID]; !ok {
			return
		}
	}

	msg, ok := a.normalize(m, botUserID)
	if !ok {
		return
	}

	a.log.Info("Received message", "chat_id", msg.ChatID, "sender_id", msg.SenderID, "routable", !msg.IngestOnly)
	a.conn.EmitMessage(msg)
}

func (a *Adapter) normalize(m *discordgo.MessageCreate, botUserID string) (bus.Message, bool) {
	isGroup := m.GuildID != ""

	text := strings.TrimSpace(stripBotMention(m.Content, botUserID))
	attachments := extractAttachments(m.Attachments)
	if text == "" && len(attachments) == 0 {
		return bus.Message{}, false
	}

	msg := bus.Message{
		ID:          m.ID,
		Channel:     channelName,
		SenderID:    m.Author.ID,
		SenderName:  m.Author.Username,
		ChatID:      m.ChannelID,
		IsGroup:     isGroup,
		Direction:   bus.DirectionIncoming,
		Text:        text,
		Timestamp:   m.Timestamp.UTC(),
		Attachments: attachments,
		SessionKey:  channelName + ":" + m.ChannelID,
		Metadata:    map[string]string{"guild_id": m.GuildID},
	}
	if m.MessageReference != nil {
		msg.ReplyToID = m.MessageReference.MessageID
	}

	fromMe := botUserID != "" && m.Author.ID == botUserID
	if !routing.ApplySelf(&msg, fromMe, a.cfg.Routing.CaptureSelfMessage) {
		return bus.Message{}, false
	}
	if msg.Direction == bus.DirectionOutgoingUser {
		return msg, true
	}

	mentioned := isBotMentioned(m.Mentions, botUserID)
	routing.Stamp(&msg, routing.Inspect(a.mode, isGroup, m.Content, "", mentioned))
	return msg, true
}

// Send delivers one text message, optionally as a reply.
func (a *Adapter) Send(ctx context.Context, out bus.Outgoing) (string, error) {
	if err := a.conn.RequireConnected(); err != nil {
		return "", err
	}

	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return "", channel.ErrNotConnected
	}

	var sent *discordgo.Message
	var err error
	if out.ReplyToID != "" {
		reference := &discordgo.MessageReference{MessageID: out.ReplyToID, ChannelID: out.ChatID}
		sent, err = session.ChannelMessageSendReply(out.ChatID, out.Text, reference, discordgo.WithContext(ctx))
	} else {
		sent, err = session.ChannelMessageSend(out.ChatID, out.Text, discordgo.WithContext(ctx))
	}
	if err != nil {
		return "", fmt.Errorf("send discord message: %w", err)
	}

	return sent.ID, nil
}

// Edit rewrites a previously sent message.
func (a *Adapter) Edit(ctx context.Context, chatID, messageID, text string) error {
	if err := a.conn.RequireConnected(); err != nil {
		return err
	}

	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return channel.ErrNotConnected
	}

	if _, err := session.ChannelMessageEdit(chatID, messageID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("edit discord message: %w", err)
	}
	return nil
}

// Delete removes a previously sent message.
func (a *Adapter) Delete(ctx context.Context, chatID, messageID string) error {
	if err := a.conn.RequireConnected(); err != nil {
		return err
	}

	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return channel.ErrNotConnected
	}

	if err := session.ChannelMessageDelete(chatID, messageID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("delete discord message: %w", err)
	}
	return nil
}

// SendPhoto uploads one image fetched from its URL.
func (a *Adapter) SendPhoto(ctx context.Context, chatID string, photo bus.Attachment, caption string) (string, error) {
	return a.sendFile(ctx, chatID, photo, caption)
}

// SendDocument uploads one document fetched from its URL.
func (a *Adapter) SendDocument(ctx context.Context, chatID string, doc bus.Attachment, caption string) (string, error) {
	return a.sendFile(ctx, chatID, doc, caption)
}

func (a *Adapter) sendFile(ctx context.Context, chatID string, attachment bus.Attachment, caption string) (string, error) {
	if err := a.conn.RequireConnected(); err != nil {
		return "", err
	}

	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return "", channel.ErrNotConnected
	}

	body, err := download(ctx, attachment.URL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	name := attachment.FileName
	if name == "" {
		name = "attachment"
	}

	sent, err := session.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{
		Content: caption,
		Files:   []*discordgo.File{{Name: name, ContentType: attachment.MimeType, Reader: body}},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("send discord file: %w", err)
	}

	return sent.ID, nil
}

func extractAttachments(raw []*discordgo.MessageAttachment) []bus.Attachment {
	attachments := make([]bus.Attachment, 0, len(raw))
	for _, att := range raw {
		attachments = append(attachments, bus.Attachment{
			Type:     routing.AttachmentType(att.ContentType, att.Filename),
			URL:      att.URL,
			FileName: att.Filename,
			MimeType: att.ContentType,
			Size:     int64(att.Size),
		})
	}
	return attachments
}

func isBotMentioned(mentions []*discordgo.User, botUserID string) bool {
	if botUserID == "" {
		return false
	}
	for _, user := range mentions {
		if user.ID == botUserID {
			return true
		}
	}
	return false
}

// stripBotMention removes the bot's mention tokens so downstream consumers
// see clean text.
func stripBotMention(content, botUserID string) string {
	if botUserID == "" {
		return content
	}
	content = strings.ReplaceAll(content, "<@"+botUserID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botUserID+">", "")
	return content
}

func download(ctx context.Context, url string) (io.ReadCloser, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("attachment url is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build attachment request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download attachment: unexpected status %s", resp.Status)
	}

	return resp.Body, nil
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		set[trimmed] = struct{}{}
	}
	return set
}

func isUnauthorized(err error) bool {
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "authentication failed") || strings.Contains(text, "401") || strings.Contains(text, "unauthorized")
}
