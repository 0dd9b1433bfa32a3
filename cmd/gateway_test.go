package cmd

import (
	"testing"

	"chatrelay/pkg/config"
)

func TestEnabledAdaptersRequiresAtLeastOneChannel(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	if _, err := enabledAdapters(cfg, nil); err == nil {
		t.Fatal("expected error when no channels are enabled")
	}
}

func TestEnabledAdaptersBuildsConfiguredChannels(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.Token = "tg-token"
	cfg.Channels.Twitch.Enabled = true
	cfg.Channels.Twitch.Nick = "relaybot"
	cfg.Channels.Twitch.Token = "oauth:abc"
	cfg.Channels.Twitch.Channels = []string{"somestream"}

	adapters, err := enabledAdapters(cfg, nil)
	if err != nil {
		t.Fatalf("enabledAdapters error: %v", err)
	}
	if len(adapters) != 2 {
		t.Fatalf("adapters = %d, want 2", len(adapters))
	}
	if got := enabledChannelNames(adapters); got != "telegram,twitch" {
		t.Fatalf("channel names = %q", got)
	}
}

func TestEnabledAdaptersPropagatesConfigErrors(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Channels.Discord.Enabled = true // no token
	if _, err := enabledAdapters(cfg, nil); err == nil {
		t.Fatal("expected error for discord channel without token")
	}
}

func TestAgentModeDefaultsToEcho(t *testing.T) {
	t.Parallel()

	if got := agentMode(&config.Config{}); got != "echo" {
		t.Fatalf("agentMode = %q, want echo", got)
	}
}

func TestPrettyJSON(t *testing.T) {
	t.Parallel()

	pretty := prettyJSON([]byte(`{"status":"ok"}`))
	if pretty != "{\n  \"status\": \"ok\"\n}\n" {
		t.Fatalf("prettyJSON = %q", pretty)
	}
	if got := prettyJSON([]byte("not json")); got != "not json\n" {
		t.Fatalf("non-JSON passthrough = %q", got)
	}
}
