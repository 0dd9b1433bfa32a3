package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"

	"chatrelay/pkg/bus"
	"chatrelay/pkg/channel"
	"chatrelay/pkg/config"

	"github.com/mymmrac/telego"
)

func TestNewAdapterRequiresToken(t *testing.T) {
	if _, err := NewAdapter(config.TelegramConfig{}, nil); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestSendRequiresConnection(t *testing.T) {
	adapter, err := NewAdapter(config.TelegramConfig{Token: "tg-token"}, nil)
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}
	defer adapter.Disconnect()

	_, err = adapter.Send(context.Background(), bus.Outgoing{ChatID: "42", Text: "hi"})
	if !errors.Is(err, channel.ErrNotConnected) {
		t.Fatalf("Send while disconnected = %v, want ErrNotConnected", err)
	}
}

func TestNormalizeGroupMessageWithoutMentionIsIngestOnly(t *testing.T) {
	adapter, err := NewAdapter(config.TelegramConfig{Token: "tg-token"}, nil)
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}
	defer adapter.Disconnect()
	adapter.botUser = &telego.User{ID: 99, Username: "relaybot"}

	msg, ok := adapter.normalize(&telego.Message{
		MessageID: 7,
		From:      &telego.User{ID: 1, Username: "alice"},
		Chat:      telego.Chat{ID: -100, Type: telego.ChatTypeGroup},
		Text:      "just chatting",
		Date:      1700000000,
	})
	if !ok {
		t.Fatal("expected message to normalize")
	}
	if !msg.IngestOnly {
		t.Fatal("group chatter without mention/command must be ingest-only")
	}
	if !msg.IsGroup {
		t.Fatal("group chat must classify as group")
	}
	if msg.SessionKey != "telegram:-100" {
		t.Fatalf("session key = %q, want telegram:-100", msg.SessionKey)
	}
}

func TestNormalizeMentionRoutes(t *testing.T) {
	adapter, err := NewAdapter(config.TelegramConfig{Token: "tg-token"}, nil)
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}
	defer adapter.Disconnect()
	adapter.botUser = &telego.User{ID: 99, Username: "relaybot"}

	msg, ok := adapter.normalize(&telego.Message{
		MessageID: 8,
		From:      &telego.User{ID: 1, Username: "alice"},
		Chat:      telego.Chat{ID: -100, Type: telego.ChatTypeSupergroup},
		Text:      "@relaybot status please",
		Date:      1700000000,
	})
	if !ok || msg.IngestOnly {
		t.Fatalf("mention message = %+v ok=%v, want routable", msg, ok)
	}
}

func TestNormalizeSelfMessageDroppedByDefault(t *testing.T) {
	adapter, err := NewAdapter(config.TelegramConfig{Token: "tg-token"}, nil)
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}
	defer adapter.Disconnect()
	adapter.botUser = &telego.User{ID: 99, Username: "relaybot"}

	_, ok := adapter.normalize(&telego.Message{
		MessageID: 9,
		From:      &telego.User{ID: 99, Username: "relaybot"},
		Chat:      telego.Chat{ID: 5, Type: telego.ChatTypePrivate},
		Text:      "echo",
		Date:      1700000000,
	})
	if ok {
		t.Fatal("self message must be dropped when capture is disabled")
	}
}

func TestNormalizeSelfMessageCapturedWhenEnabled(t *testing.T) {
	cfg := config.TelegramConfig{Token: "tg-token"}
	cfg.Routing.CaptureSelfMessage = true
	adapter, err := NewAdapter(cfg, nil)
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}
	defer adapter.Disconnect()
	adapter.botUser = &telego.User{ID: 99, Username: "relaybot"}

	msg, ok := adapter.normalize(&telego.Message{
		MessageID: 10,
		From:      &telego.User{ID: 99, Username: "relaybot"},
		Chat:      telego.Chat{ID: 5, Type: telego.ChatTypePrivate},
		Text:      "note to self",
		Date:      1700000000,
	})
	if !ok {
		t.Fatal("captured self message must be kept")
	}
	if msg.Direction != bus.DirectionOutgoingUser || !msg.IngestOnly {
		t.Fatalf("captured self message = %+v, want outgoing_user ingest-only", msg)
	}
}

func TestParseChatID(t *testing.T) {
	if _, err := parseChatID("not-a-number"); err == nil {
		t.Fatal("expected error for invalid chat id")
	}
	id, err := parseChatID(" -1001234 ")
	if err != nil || id != -1001234 {
		t.Fatalf("parseChatID = %d, %v; want -1001234", id, err)
	}
}

func TestPreviewText(t *testing.T) {
	short := " hello "
	if got := previewText(short); got != "hello" {
		t.Fatalf("previewText short = %q, want %q", got, "hello")
	}

	long := strings.Repeat("a", messagePreviewLimit+20)
	got := previewText(long)
	if len(got) != messagePreviewLimit+3 {
		t.Fatalf("previewText long len = %d, want %d", len(got), messagePreviewLimit+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("previewText long = %q, want ellipsis suffix", got)
	}
}
