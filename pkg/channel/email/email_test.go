package email

import (
	"context"
	"errors"
	"strings"
	"testing"

	"chatrelay/pkg/bus"
	"chatrelay/pkg/channel"
	"chatrelay/pkg/config"
)

func testConfig() config.EmailConfig {
	return config.EmailConfig{
		Enabled:     true,
		IMAPHost:    "imap.example.test",
		SMTPHost:    "smtp.example.test",
		Username:    "relay@example.test",
		Password:    "secret",
		FromAddress: "relay@example.test",
	}
}

func TestNewAdapterRequiresHostsAndCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.IMAPHost = ""
	if _, err := NewAdapter(cfg, nil); err == nil {
		t.Fatal("expected error for missing imap host")
	}

	cfg = testConfig()
	cfg.Password = ""
	if _, err := NewAdapter(cfg, nil); err == nil {
		t.Fatal("expected error for missing password")
	}
}

func TestSendRequiresConnection(t *testing.T) {
	adapter, err := NewAdapter(testConfig(), nil)
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}
	defer adapter.Disconnect()

	_, err = adapter.Send(context.Background(), bus.Outgoing{ChatID: "alice@example.test", Text: "hi"})
	if !errors.Is(err, channel.ErrNotConnected) {
		t.Fatalf("Send while disconnected = %v, want ErrNotConnected", err)
	}
}

func TestEditAndDeleteNotSupported(t *testing.T) {
	adapter, err := NewAdapter(testConfig(), nil)
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}
	defer adapter.Disconnect()

	if err := adapter.Edit(context.Background(), "a@example.test", "<id>", "x"); !errors.Is(err, channel.ErrNotSupported) {
		t.Fatalf("Edit = %v, want ErrNotSupported", err)
	}
	if err := adapter.Delete(context.Background(), "a@example.test", "<id>"); !errors.Is(err, channel.ErrNotSupported) {
		t.Fatalf("Delete = %v, want ErrNotSupported", err)
	}
}

func TestNormalizeMailAlwaysRoutes(t *testing.T) {
	adapter, err := NewAdapter(testConfig(), nil)
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}
	defer adapter.Disconnect()

	headers := map[string]string{
		"from":        "Alice Example <alice@example.test>",
		"subject":     "Status update",
		"date":        "Mon, 02 Jan 2006 15:04:05 -0700",
		"in-reply-to": "<prev@example.test>",
	}

	msg, ok := adapter.normalize("<abc@example.test>", "alice@example.test", headers, "How is it going?")
	if !ok {
		t.Fatal("expected mail to normalize")
	}
	if msg.IngestOnly {
		t.Fatal("mail must always route")
	}
	if msg.IsGroup {
		t.Fatal("mail has no group concept")
	}
	if msg.SenderName != "Alice Example" {
		t.Fatalf("sender name = %q", msg.SenderName)
	}
	if msg.SessionKey != "email:alice@example.test" {
		t.Fatalf("session key = %q", msg.SessionKey)
	}
	if msg.ReplyToID != "<prev@example.test>" {
		t.Fatalf("reply-to id = %q", msg.ReplyToID)
	}
	if msg.Metadata["subject"] != "Status update" {
		t.Fatalf("subject metadata = %q", msg.Metadata["subject"])
	}
}

func TestNormalizeFallsBackToSubject(t *testing.T) {
	adapter, err := NewAdapter(testConfig(), nil)
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}
	defer adapter.Disconnect()

	headers := map[string]string{"from": "bob@example.test", "subject": "Ping"}
	msg, ok := adapter.normalize("<id>", "bob@example.test", headers, "")
	if !ok || msg.Text != "Ping" {
		t.Fatalf("msg = %+v ok=%v, want subject as text", msg, ok)
	}

	if _, ok := adapter.normalize("<id>", "bob@example.test", map[string]string{"from": "bob@example.test"}, ""); ok {
		t.Fatal("empty mail must be dropped")
	}
}

func TestNewMessageIDFormat(t *testing.T) {
	id := newMessageID()
	if !strings.HasPrefix(id, "<") || !strings.HasSuffix(id, "@chatrelay>") {
		t.Fatalf("message id = %q, want <uuid@chatrelay>", id)
	}
	if id == newMessageID() {
		t.Fatal("message ids must be unique")
	}
}

func TestParseMailDate(t *testing.T) {
	parsed, err := parseMailDate("Mon, 02 Jan 2006 15:04:05 -0700")
	if err != nil {
		t.Fatalf("parseMailDate error: %v", err)
	}
	if parsed.UTC().Hour() != 22 {
		t.Fatalf("hour = %d, want UTC conversion", parsed.UTC().Hour())
	}

	if _, err := parseMailDate("not a date"); err == nil {
		t.Fatal("expected error for junk date")
	}
}

func TestIsAuthFailure(t *testing.T) {
	authErr := errors.New(`imap login: imap: NO [AUTHENTICATIONFAILED] Invalid credentials`)
	if !isAuthFailure(authErr) {
		t.Fatal("tagged NO auth rejection must be terminal")
	}
	netErr := errors.New("imap login: imap read: connection reset")
	if isAuthFailure(netErr) {
		t.Fatal("transport failure during login must stay transient")
	}
}
