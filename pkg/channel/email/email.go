package email

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
)

const channelName = "email"

// Email threads are slow; duplicates can resurface across several polls,
// so the suppression window is much wider than for chat transports.
const (
	defaultDedupTTL  = 300 * time.Second
	defaultDedupSize = 500
)

// Adapter polls an IMAP mailbox for inbound mail and replies over SMTP.
//
// Unlike the socket-based channels there is no persistent read loop to
// watch: a failed poll drops the IMAP session and the next tick
// re-establishes it, so transient mailbox outages never escalate into
// the reconnect state machine.
type Adapter struct {
	cfg  config.EmailConfig
	conn *channel.Conn
	log  *slog.Logger
	imap *imapClient
	seen *dedup.Cache

	mu         sync.Mutex
	lastUID    uint64
	cancelPoll context.CancelFunc
}

// NewAdapter validates email configuration and constructs an adapter instance.
func NewAdapter(cfg config.EmailConfig, log *slog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.IMAPHost) == "" || strings.TrimSpace(cfg.SMTPHost) == "" {
		return nil, errors.New("channels.email.imap_host and smtp_host are required")
	}
	if strings.TrimSpace(cfg.Username) == "" || strings.TrimSpace(cfg.Password) == "" {
		return nil, errors.New("channels.email.username and password are required")
	}

	if log == nil {
		log = slog.Default()
	}

	a := &Adapter{
		cfg:  cfg,
		log:  log.With("component", "channel.email"),
		imap: newIMAPClient(cfg.IMAPHost, cfg.IMAPPort, log),
		seen: dedup.NewCache(cfg.Dedup.TTL(defaultDedupTTL), cfg.Dedup.Size(defaultDedupSize)),
	}

	a.conn = channel.NewConn(channelName, cfg.Reconnect.Backoff(), cfg.Reconnect.On(), log)
	a.conn.SetHooks(a.dial, a.teardown, a.drain)

	return a, nil
}

// Name returns the channel identifier used in bus metadata and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Connect establishes the IMAP session and starts the mailbox poll loop.
func (a *Adapter) Connect(ctx context.Context) error {
	return a.conn.Connect(ctx)
}

// Disconnect stops polling and closes the IMAP session. Idempotent.
func (a *Adapter) Disconnect() {
	a.conn.Disconnect()
}

func (a *Adapter) OnMessage(handler bus.MessageHandler)         { a.conn.OnMessage(handler) }
func (a *Adapter) OnError(handler channel.ErrorHandler)         { a.conn.OnError(handler) }
func (a *Adapter) OnStatusChange(handler channel.StatusHandler) { a.conn.OnStatusChange(handler) }

// Info reports connection status plus mailbox diagnostics.
func (a *Adapter) Info() channel.Info {
	detail := map[string]string{
		"transport": "imap_poll",
		"mailbox":   a.mailbox(),
	}
	return a.conn.BaseInfo(detail)
}

func (a *Adapter) dial(ctx context.Context) error {
	if err := a.establishSession(); err != nil {
		if isAuthFailure(err) {
			return channel.Terminal(err)
		}
		return err
	}

	pollCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancelPoll = cancel
	a.mu.Unlock()

	go a.pollLoop(pollCtx)

	a.log.Info("Email channel started", "mailbox", a.mailbox(), "poll_interval", a.cfg.PollInterval())
	return nil
}

func (a *Adapter) teardown() {
	a.mu.Lock()
	cancel := a.cancelPoll
	a.cancelPoll = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.imap.close()
}

func (a *Adapter) drain() {
	a.seen.Reset()
}

// establishSession logs in and seeds the UID high-water mark so only mail
// arriving after startup is relayed.
func (a *Adapter) establishSession() error {
	if err := a.imap.connect(); err != nil {
		return err
	}

	uidNext, err := a.imap.login(a.cfg.Username, a.cfg.Password, a.mailbox())
	if err != nil {
		a.imap.close()
		return err
	}

	a.mu.Lock()
	if uidNext > 0 {
		a.lastUID = uidNext - 1
	}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.checkNewMail(); err != nil {
				a.conn.EmitError(fmt.Errorf("email poll: %w", err))
				// Drop the session; the next tick rebuilds it.
				a.imap.close()
			}
		}
	}
}

// checkNewMail fetches every UID above the high-water mark and emits the
// normalized messages.
func (a *Adapter) checkNewMail() error {
	if !a.imap.connected() {
		if err := a.establishSession(); err != nil {
			return err
		}
		a.log.Info("Email session re-established", "mailbox", a.mailbox())
	}

	a.mu.Lock()
	lastUID := a.lastUID
	a.mu.Unlock()

	uids, err := a.imap.searchSince(lastUID)
	if err != nil {
		return err
	}

	for _, uid := range uids {
		headers, body, err := a.imap.fetchMessage(uid)
		if err != nil {
			return err
		}

		a.mu.Lock()
		if uid > a.lastUID {
			a.lastUID = uid
		}
		a.mu.Unlock()

		a.handleMail(uid, headers, body)

		if a.cfg.MarkSeen {
			if err := a.imap.markSeen(uid); err != nil {
				a.log.Warn("Failed to mark message seen", "uid", uid, "error", err)
			}
		}
	}

	return nil
}

func (a *Adapter) handleMail(uid uint64, headers map[string]string, body string) {
	from := extractAddress(headers["from"])
	if from == "" {
		return
	}
	if strings.EqualFold(from, a.fromAddress()) {
		return
	}

	messageID := headers["message-id"]
	if messageID == "" {
		messageID = fmt.Sprintf("uid-%d", uid)
	}

	if a.cfg.Dedup.On() {
		key := dedup.Key(from, messageID)
		if a.seen.Has(key) {
			a.log.Debug("Suppressing duplicate mail", "from", from, "message_id", messageID)
			return
		}
		a.seen.Mark(key)
	}

	if !routing.SenderAllowed(from, a.cfg.AllowFrom) {
		a.log.Debug("Ignoring mail from unauthorized sender", "from", from)
		return
	}

	msg, ok := a.normalize(messageID, from, headers, body)
	if !ok {
		return
	}

	a.log.Info("Received mail", "from", from, "subject", headers["subject"])
	a.conn.EmitMessage(msg)
}

// normalize maps one mail into the shared message model. Email has no
// group concept, so every message routes like a direct message.
func (a *Adapter) normalize(messageID, from string, headers map[string]string, body string) (bus.Message, bool) {
	subject := headers["subject"]
	text := routing.BestText(body, subject)
	if text == "" {
		return bus.Message{}, false
	}

	timestamp := time.Now().UTC()
	if parsed, err := parseMailDate(headers["date"]); err == nil {
		timestamp = parsed
	}

	msg := bus.Message{
		ID:         messageID,
		Channel:    channelName,
		SenderID:   from,
		SenderName: displayName(headers["from"]),
		ChatID:     from,
		IsGroup:    false,
		Direction:  bus.DirectionIncoming,
		Text:       text,
		Timestamp:  timestamp,
		ReplyToID:  headers["in-reply-to"],
		SessionKey: sessionKey(from),
		Metadata:   map[string]string{"subject": subject},
	}

	routing.Stamp(&msg, routing.Decision{Routable: true, Reason: routing.ReasonDirectMessage})
	return msg, true
}

// Send replies over SMTP and returns the generated Message-ID.
func (a *Adapter) Send(ctx context.Context, out bus.Outgoing) (string, error) {
	if err := a.conn.RequireConnected(); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ChatID) == "" {
		return "", errors.New("email recipient address is required")
	}

	subject := out.Metadata["subject"]
	if subject == "" {
		subject = "Re: your message"
	} else if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	mail := outboundMail{
		from:      a.fromAddress(),
		to:        strings.TrimSpace(out.ChatID),
		subject:   subject,
		body:      out.Text,
		messageID: newMessageID(),
		inReplyTo: out.ReplyToID,
	}

	if err := sendMail(a.cfg.SMTPHost, a.cfg.SMTPPort, a.cfg.Username, a.cfg.Password, mail); err != nil {
		return "", err
	}

	a.log.Info("Sent mail", "to", mail.to, "subject", mail.subject)
	return mail.messageID, nil
}

// Edit is not possible over SMTP.
func (a *Adapter) Edit(ctx context.Context, chatID, messageID, text string) error {
	return channel.NotSupported(channelName, "edit")
}

// Delete is not possible over SMTP.
func (a *Adapter) Delete(ctx context.Context, chatID, messageID string) error {
	return channel.NotSupported(channelName, "delete")
}

// SendPhoto is not supported; attachments would need MIME multipart
// encoding on the outbound path.
func (a *Adapter) SendPhoto(ctx context.Context, chatID string, photo bus.Attachment, caption string) (string, error) {
	return "", channel.NotSupported(channelName, "send_photo")
}

// SendDocument is not supported for the same reason as SendPhoto.
func (a *Adapter) SendDocument(ctx context.Context, chatID string, doc bus.Attachment, caption string) (string, error) {
	return "", channel.NotSupported(channelName, "send_document")
}

func (a *Adapter) mailbox() string {
	if strings.TrimSpace(a.cfg.Mailbox) == "" {
		return "INBOX"
	}
	return a.cfg.Mailbox
}

func (a *Adapter) fromAddress() string {
	if strings.TrimSpace(a.cfg.FromAddress) != "" {
		return a.cfg.FromAddress
	}
	return a.cfg.Username
}

// newMessageID builds a globally unique RFC 5322 Message-ID.
func newMessageID() string {
	return fmt.Sprintf("<%s@chatrelay>", uuid.NewString())
}

// sessionKey maps one correspondent to one session namespace.
func sessionKey(address string) string {
	return channelName + ":" + strings.ToLower(address)
}

// parseMailDate tries the date layouts seen in the wild.
func parseMailDate(value string) (time.Time, error) {
	layouts := []string{
		time.RFC1123Z,
		time.RFC1123,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"2 Jan 2006 15:04:05 -0700",
	}
	value = strings.TrimSpace(value)
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", value)
}

// isAuthFailure matches a tagged NO rejection of the LOGIN command, as
// opposed to a transport failure while logging in.
func isAuthFailure(err error) bool {
	text := strings.ToLower(err.Error())
	if !strings.Contains(text, "imap: no") {
		return false
	}
	return strings.Contains(text, "auth") || strings.Contains(text, "login") ||
		strings.Contains(text, "credentials")
}
