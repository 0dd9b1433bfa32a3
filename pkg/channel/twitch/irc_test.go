package twitch

import "testing"

func TestParseIRCPrivmsg(t *testing.T) {
	line := "@badges=moderator/1;display-name=Alice;id=abc-123;tmi-sent-ts=1700000000000 " +
		":alice!alice@alice.tmi.twitch.tv PRIVMSG #somestream :hello there"

	msg := parseIRC(line)
	if msg.Command != "PRIVMSG" {
		t.Fatalf("command = %q", msg.Command)
	}
	if msg.target() != "#somestream" {
		t.Fatalf("target = %q", msg.target())
	}
	if msg.trailing() != "hello there" {
		t.Fatalf("trailing = %q", msg.trailing())
	}
	if msg.senderNick() != "alice" {
		t.Fatalf("nick = %q", msg.senderNick())
	}
	if msg.Tags["display-name"] != "Alice" {
		t.Fatalf("display-name = %q", msg.Tags["display-name"])
	}
	if msg.Tags["id"] != "abc-123" {
		t.Fatalf("id tag = %q", msg.Tags["id"])
	}
}

func TestParseIRCPing(t *testing.T) {
	msg := parseIRC("PING :tmi.twitch.tv\r\n")
	if msg.Command != "PING" {
		t.Fatalf("command = %q", msg.Command)
	}
	if msg.trailing() != "tmi.twitch.tv" {
		t.Fatalf("trailing = %q", msg.trailing())
	}
}

func TestParseIRCNumericWithoutTags(t *testing.T) {
	msg := parseIRC(":tmi.twitch.tv 001 somebot :Welcome, GLHF!")
	if msg.Command != "001" {
		t.Fatalf("command = %q", msg.Command)
	}
	if msg.Prefix != "tmi.twitch.tv" {
		t.Fatalf("prefix = %q", msg.Prefix)
	}
	if len(msg.Params) != 2 || msg.Params[0] != "somebot" {
		t.Fatalf("params = %v", msg.Params)
	}
}

func TestUnescapeTag(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`hello\sworld`, "hello world"},
		{`a\:b`, "a;b"},
		{`back\\slash`, `back\slash`},
		{`line\r\nbreak`, "line\r\nbreak"},
		{`trailing\`, "trailing"},
		{"plain", "plain"},
	}

	for _, tc := range cases {
		if got := unescapeTag(tc.in); got != tc.want {
			t.Errorf("unescapeTag(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseTagsEmptyValues(t *testing.T) {
	tags := parseTags("emotes=;flags=;subscriber=0")
	if tags["emotes"] != "" || tags["subscriber"] != "0" {
		t.Fatalf("tags = %v", tags)
	}
}

func TestSplitLines(t *testing.T) {
	lines := splitLines("PING :tmi.twitch.tv\r\n:tmi.twitch.tv 376 bot :>\r\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %v, want 2", lines)
	}
	if lines[0] != "PING :tmi.twitch.tv" {
		t.Fatalf("first line = %q", lines[0])
	}
}
