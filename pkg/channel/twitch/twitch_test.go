package twitch

import (
	"context"
	"errors"
	"testing"

	"chatrelay/pkg/bus"
	"chatrelay/pkg/channel"
	"chatrelay/pkg/config"
)

func testConfig() config.TwitchConfig {
	return config.TwitchConfig{
		Enabled:  true,
		Nick:     "relaybot",
		Token:    "oauth:abc123",
		Channels: []string{"somestream"},
	}
}

func TestNewAdapterValidation(t *testing.T) {
	cfg := testConfig()
	cfg.Token = ""
	if _, err := NewAdapter(cfg, nil); err == nil {
		t.Fatal("expected error for missing token")
	}

	cfg = testConfig()
	cfg.Channels = nil
	if _, err := NewAdapter(cfg, nil); err == nil {
		t.Fatal("expected error for empty channel list")
	}
}

func TestSendRequiresConnection(t *testing.T) {
	adapter, err := NewAdapter(testConfig(), nil)
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}
	defer adapter.Disconnect()

	_, err = adapter.Send(context.Background(), bus.Outgoing{ChatID: "somestream", Text: "hi"})
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

	if err := adapter.Edit(context.Background(), "#somestream", "id", "x"); !errors.Is(err, channel.ErrNotSupported) {
		t.Fatalf("Edit = %v, want ErrNotSupported", err)
	}
	if err := adapter.Delete(context.Background(), "#somestream", "id"); !errors.Is(err, channel.ErrNotSupported) {
		t.Fatalf("Delete = %v, want ErrNotSupported", err)
	}
}

func TestNormalizeChatterIsIngestOnly(t *testing.T) {
	adapter, err := NewAdapter(testConfig(), nil)
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}
	defer adapter.Disconnect()

	msg := parseIRC("@id=m1;display-name=Alice;user-id=100 :alice!alice@alice.tmi.twitch.tv PRIVMSG #somestream :just chatting")
	normalized, ok := adapter.normalize(msg)
	if !ok {
		t.Fatal("expected message to normalize")
	}
	if !normalized.IsGroup {
		t.Fatal("twitch rooms must classify as group")
	}
	if !normalized.IngestOnly {
		t.Fatal("plain chatter must be ingest-only")
	}
	if normalized.SessionKey != "twitch:#somestream" {
		t.Fatalf("session key = %q", normalized.SessionKey)
	}
	if normalized.SenderName != "Alice" || normalized.SenderID != "100" {
		t.Fatalf("sender = %q/%q", normalized.SenderName, normalized.SenderID)
	}
}

func TestNormalizeMentionRoutes(t *testing.T) {
	adapter, err := NewAdapter(testConfig(), nil)
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}
	defer adapter.Disconnect()

	msg := parseIRC("@id=m2 :alice!alice@alice.tmi.twitch.tv PRIVMSG #somestream :@relaybot what's the uptime")
	normalized, ok := adapter.normalize(msg)
	if !ok || normalized.IngestOnly {
		t.Fatalf("mention = %+v ok=%v, want routable", normalized, ok)
	}
}

func TestNormalizeSelfDroppedByDefault(t *testing.T) {
	adapter, err := NewAdapter(testConfig(), nil)
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}
	defer adapter.Disconnect()

	msg := parseIRC("@id=m3 :relaybot!relaybot@relaybot.tmi.twitch.tv PRIVMSG #somestream :echoed line")
	if _, ok := adapter.normalize(msg); ok {
		t.Fatal("own message must be dropped when capture is off")
	}
}

func TestNormalizeReplyParent(t *testing.T) {
	adapter, err := NewAdapter(testConfig(), nil)
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}
	defer adapter.Disconnect()

	msg := parseIRC("@id=m4;reply-parent-msg-id=parent-1 :alice!alice@a.tmi.twitch.tv PRIVMSG #somestream :/uptime")
	normalized, ok := adapter.normalize(msg)
	if !ok {
		t.Fatal("expected message to normalize")
	}
	if normalized.ReplyToID != "parent-1" {
		t.Fatalf("reply-to = %q", normalized.ReplyToID)
	}
	if normalized.IngestOnly {
		t.Fatal("slash command must route")
	}
}

func TestNormalizeChannelName(t *testing.T) {
	if got := normalizeChannel("SomeStream"); got != "#somestream" {
		t.Fatalf("normalizeChannel = %q", got)
	}
	if got := normalizeChannel("#already"); got != "#already" {
		t.Fatalf("normalizeChannel = %q", got)
	}
}

func TestSanitizeOutbound(t *testing.T) {
	if got := sanitizeOutbound("line one\nline two\r\nline three"); got != "line one line two line three" {
		t.Fatalf("sanitizeOutbound = %q", got)
	}
}
