package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatrelay/pkg/bus"
	"chatrelay/pkg/channel"
	"chatrelay/pkg/config"
	"chatrelay/pkg/dedup"
	"chatrelay/pkg/routing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const channelName = "twitch"

const (
	ircEndpoint       = "wss://irc-ws.chat.twitch.tv:443"
	authTimeout       = 10 * time.Second
	keepaliveInterval = 4 * time.Minute
)

// Adapter speaks Twitch chat: IRCv3 framed over a WebSocket transport.
type Adapter struct {
	cfg     config.TwitchConfig
	conn    *channel.Conn
	log     *slog.Logger
	mode    routing.Mode
	seen    *dedup.Cache
	limiter *rateLimiter

	mu         sync.Mutex
	socket     *websocket.Conn
	cancelRead context.CancelFunc

	writeMu sync.Mutex
}

// NewAdapter validates Twitch configuration and constructs an adapter instance.
func NewAdapter(cfg config.TwitchConfig, log *slog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Nick) == "" || strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("channels.twitch.nick and token are required")
	}
	if len(cfg.Channels) == 0 {
		return nil, errors.New("channels.twitch.channels must list at least one channel")
	}

	if log == nil {
		log = slog.Default()
	}

	a := &Adapter{
		cfg:     cfg,
		log:     log.With("component", "channel.twitch"),
		mode:    routing.ParseMode(cfg.Routing.GroupMode),
		seen:    dedup.NewCache(cfg.Dedup.TTL(dedup.DefaultTTL), cfg.Dedup.Size(dedup.DefaultMaxSize)),
		limiter: newRateLimiter(rateWindow, rateLimit),
	}

	a.conn = channel.NewConn(channelName, cfg.Reconnect.Backoff(), cfg.Reconnect.On(), log)
	a.conn.SetHooks(a.dial, a.teardown, a.drain)

	return a, nil
}

// Name returns the channel identifier used in bus metadata and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Connect opens the WebSocket, authenticates, and joins every configured
// channel. Idempotent while connecting or connected.
func (a *Adapter) Connect(ctx context.Context) error {
	return a.conn.Connect(ctx)
}

// Disconnect closes the socket and drains adapter state. Idempotent.
func (a *Adapter) Disconnect() {
	a.conn.Disconnect()
}

func (a *Adapter) OnMessage(handler bus.MessageHandler)         { a.conn.OnMessage(handler) }
func (a *Adapter) OnError(handler channel.ErrorHandler)         { a.conn.OnError(handler) }
func (a *Adapter) OnStatusChange(handler channel.StatusHandler) { a.conn.OnStatusChange(handler) }

// Info reports connection status plus joined-channel diagnostics.
func (a *Adapter) Info() channel.Info {
	return a.conn.BaseInfo(map[string]string{
		"transport": "irc_websocket",
		"nick":      a.cfg.Nick,
		"channels":  strings.Join(a.cfg.Channels, ","),
	})
}

func (a *Adapter) dial(ctx context.Context) error {
	dialCtx, cancelDial := context.WithTimeout(ctx, authTimeout)
	defer cancelDial()

	socket, _, err := websocket.DefaultDialer.DialContext(dialCtx, ircEndpoint, nil)
	if err != nil {
		return fmt.Errorf("dial twitch irc: %w", err)
	}

	handshake := []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands twitch.tv/membership",
		"PASS oauth:" + strings.TrimPrefix(a.cfg.Token, "oauth:"),
		"NICK " + strings.ToLower(a.cfg.Nick),
	}
	for _, line := range handshake {
		if err := writeLine(socket, line); err != nil {
			socket.Close()
			return fmt.Errorf("twitch handshake: %w", err)
		}
	}

	if err := awaitWelcome(socket); err != nil {
		socket.Close()
		return err
	}

	for _, name := range a.cfg.Channels {
		if err := writeLine(socket, "JOIN "+normalizeChannel(name)); err != nil {
			socket.Close()
			return fmt.Errorf("join %s: %w", name, err)
		}
	}

	readCtx, cancelRead := context.WithCancel(ctx)
	a.mu.Lock()
	a.socket = socket
	a.cancelRead = cancelRead
	a.mu.Unlock()

	go a.readLoop(readCtx, socket)
	go a.keepalive(readCtx, socket)

	a.log.Info("Twitch channel started", "nick", a.cfg.Nick, "channels", len(a.cfg.Channels))
	return nil
}

// awaitWelcome reads until RPL_WELCOME (001) or an authentication NOTICE.
// Bad credentials are terminal; Twitch will reject them forever.
func awaitWelcome(socket *websocket.Conn) error {
	socket.SetReadDeadline(time.Now().Add(authTimeout))
	defer socket.SetReadDeadline(time.Time{})

	for {
		_, payload, err := socket.ReadMessage()
		if err != nil {
			return fmt.Errorf("await twitch welcome: %w", err)
		}

		for _, raw := range splitLines(string(payload)) {
			msg := parseIRC(raw)
			switch msg.Command {
			case "001", "376":
				return nil
			case "NOTICE":
				text := msg.trailing()
				if strings.Contains(strings.ToLower(text), "authentication failed") ||
					strings.Contains(strings.ToLower(text), "improperly formatted auth") {
					return channel.Terminal(fmt.Errorf("twitch credentials rejected: %s", text))
				}
			}
		}
	}
}

func (a *Adapter) teardown() {
	a.mu.Lock()
	cancel := a.cancelRead
	socket := a.socket
	a.cancelRead = nil
	a.socket = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if socket != nil {
		socket.Close()
	}
}

func (a *Adapter) drain() {
	a.seen.Reset()
}

func (a *Adapter) readLoop(ctx context.Context, socket *websocket.Conn) {
	for {
		_, payload, err := socket.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.conn.HandleClose(fmt.Errorf("twitch read: %w", err))
			return
		}

		for _, raw := range splitLines(string(payload)) {
			a.handleLine(ctx, socket, parseIRC(raw))
		}
	}
}

func (a *Adapter) handleLine(ctx context.Context, socket *websocket.Conn, msg ircMessage) {
	switch msg.Command {
	case "PING":
		// Server liveness probe; answered inline and exempt from the
		// outbound rate budget.
		if err := writeLineLocked(&a.writeMu, socket, "PONG :tmi.twitch.tv"); err != nil {
			a.conn.EmitError(fmt.Errorf("twitch pong: %w", err))
		}
	case "RECONNECT":
		// Twitch is about to drop this edge; treat it as an unexpected
		// close so the backoff path brings up a fresh socket.
		if ctx.Err() == nil {
			socket.Close()
		}
	case "PRIVMSG":
		a.handlePrivmsg(msg)
	case "NOTICE":
		a.log.Debug("Twitch notice", "text", msg.trailing())
	}
}

func (a *Adapter) keepalive(ctx context.Context, socket *websocket.Conn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeLineLocked(&a.writeMu, socket, "PING :chatrelay"); err != nil {
				a.conn.EmitError(fmt.Errorf("twitch keepalive: %w", err))
				return
			}
		}
	}
}

func (a *Adapter) handlePrivmsg(msg ircMessage) {
	room := msg.target()
	tagID := msg.Tags["id"]

	if a.cfg.Dedup.On() && tagID != "" {
		key := dedup.Key(room, tagID)
		if a.seen.Has(key) {
			a.log.Debug("Suppressing replayed message", "room", room, "tag_id", tagID)
			return
		}
		a.seen.Mark(key)
	}

	nick := msg.senderNick()
	if !routing.SenderAllowed(nick, a.cfg.AllowFrom) && !routing.SenderAllowed(msg.Tags["user-id"], a.cfg.AllowFrom) {
		a.log.Debug("Ignoring message from unauthorized sender", "nick", nick)
		return
	}

	normalized, ok := a.normalize(msg)
	if !ok {
		return
	}

	a.log.Info("Received message", "room", room, "nick", nick, "routable", !normalized.IngestOnly)
	a.conn.EmitMessage(normalized)
}

// normalize maps one PRIVMSG into the shared message model. Twitch rooms
// are always group chats; there are no direct messages on this transport.
func (a *Adapter) normalize(msg ircMessage) (bus.Message, bool) {
	text := strings.TrimSpace(msg.trailing())
	if text == "" {
		return bus.Message{}, false
	}

	room := msg.target()
	nick := msg.senderNick()

	id := msg.Tags["id"]
	if id == "" {
		id = uuid.NewString()
	}

	senderName := msg.Tags["display-name"]
	if senderName == "" {
		senderName = nick
	}

	senderID := msg.Tags["user-id"]
	if senderID == "" {
		senderID = nick
	}

	normalized := bus.Message{
		ID:         id,
		Channel:    channelName,
		SenderID:   senderID,
		SenderName: senderName,
		ChatID:     room,
		IsGroup:    true,
		Direction:  bus.DirectionIncoming,
		Text:       text,
		Timestamp:  tagTimestamp(msg.Tags["tmi-sent-ts"]),
		ReplyToID:  msg.Tags["reply-parent-msg-id"],
		SessionKey: sessionKey(room),
		Metadata:   map[string]string{"badges": msg.Tags["badges"]},
	}

	fromMe := strings.EqualFold(nick, a.cfg.Nick)
	if !routing.ApplySelf(&normalized, fromMe, a.cfg.Routing.CaptureSelfMessage) {
		return bus.Message{}, false
	}
	if normalized.Direction == bus.DirectionOutgoingUser {
		return normalized, true
	}

	identity := "@" + strings.ToLower(a.cfg.Nick)
	routing.Stamp(&normalized, routing.Inspect(a.mode, true, text, identity, false))
	return normalized, true
}

// Send delivers one chat line, blocking on the rate limiter. Twitch does
// not echo a message id, so a generated one stands in for edits/threading
// bookkeeping upstream.
func (a *Adapter) Send(ctx context.Context, out bus.Outgoing) (string, error) {
	if err := a.conn.RequireConnected(); err != nil {
		return "", err
	}

	room := normalizeChannel(out.ChatID)
	if room == "#" {
		return "", errors.New("twitch channel name is required")
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("twitch rate limit: %w", err)
	}

	a.mu.Lock()
	socket := a.socket
	a.mu.Unlock()
	if socket == nil {
		return "", channel.ErrNotConnected
	}

	line := "PRIVMSG " + room + " :"
	if out.ReplyToID != "" {
		line = "@reply-parent-msg-id=" + out.ReplyToID + " " + line
	}
	line += sanitizeOutbound(out.Text)

	if err := writeLineLocked(&a.writeMu, socket, line); err != nil {
		return "", fmt.Errorf("send twitch message: %w", err)
	}

	a.log.Info("Sent message", "room", room)
	return uuid.NewString(), nil
}

// Edit is not possible on IRC.
func (a *Adapter) Edit(ctx context.Context, chatID, messageID, text string) error {
	return channel.NotSupported(channelName, "edit")
}

// Delete is not possible for the bot's own lines on IRC.
func (a *Adapter) Delete(ctx context.Context, chatID, messageID string) error {
	return channel.NotSupported(channelName, "delete")
}

// SendPhoto degrades to a link; Twitch chat is text-only.
func (a *Adapter) SendPhoto(ctx context.Context, chatID string, photo bus.Attachment, caption string) (string, error) {
	return a.sendLink(ctx, chatID, photo.URL, caption)
}

// SendDocument degrades to a link for the same reason as SendPhoto.
func (a *Adapter) SendDocument(ctx context.Context, chatID string, doc bus.Attachment, caption string) (string, error) {
	return a.sendLink(ctx, chatID, doc.URL, caption)
}

func (a *Adapter) sendLink(ctx context.Context, chatID, url, caption string) (string, error) {
	if strings.TrimSpace(url) == "" {
		return "", channel.NotSupported(channelName, "send_attachment")
	}

	text := url
	if caption != "" {
		text = caption + " " + url
	}
	return a.Send(ctx, bus.Outgoing{ChatID: chatID, Text: text})
}

func writeLine(socket *websocket.Conn, line string) error {
	return socket.WriteMessage(websocket.TextMessage, []byte(line+"\r\n"))
}

func writeLineLocked(mu *sync.Mutex, socket *websocket.Conn, line string) error {
	mu.Lock()
	defer mu.Unlock()
	return writeLine(socket, line)
}

// splitLines breaks one WebSocket frame into individual IRC lines.
func splitLines(payload string) []string {
	var lines []string
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// normalizeChannel lowercases and ensures the leading '#'.
func normalizeChannel(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if !strings.HasPrefix(name, "#") {
		name = "#" + name
	}
	return name
}

// sanitizeOutbound collapses line breaks; IRC messages are single lines.
func sanitizeOutbound(text string) string {
	text = strings.ReplaceAll(text, "\r\n", " ")
	text = strings.ReplaceAll(text, "\n", " ")
	return strings.TrimSpace(text)
}

// sessionKey maps one Twitch room to one session namespace.
func sessionKey(room string) string {
	return channelName + ":" + room
}

// tagTimestamp converts the tmi-sent-ts millisecond tag, falling back to
// arrival time.
func tagTimestamp(raw string) time.Time {
	if raw != "" {
		var millis int64
		if _, err := fmt.Sscanf(raw, "%d", &millis); err == nil && millis > 0 {
			return time.UnixMilli(millis).UTC()
		}
	}
	return time.Now().UTC()
}
