// Package routing decides whether a normalized message reaches the agent
// or is merely recorded. The decision is a pure function of the group
// routing mode and what the message contains; direct conversations always
// route, and pairing-code-shaped text always routes so the pairing flow
// can see it.
package routing

import (
	"regexp"
	"strings"

	"chatrelay/pkg/bus"
)

// Mode gates agent delivery for group conversations.
type Mode string

const (
	ModeAll                Mode = "all"
	ModeMentionsOrCommands Mode = "mentions_or_commands"
	ModeCommandsOnly       Mode = "commands_only"
	ModeMentionsOnly       Mode = "mentions_only"
)

// Reason explains a routing decision.
type Reason string

const (
	ReasonDirectMessage Reason = "directMessage"
	ReasonMention       Reason = "mention"
	ReasonCommand       Reason = "command"
	ReasonPairingCode   Reason = "pairingCode"
	ReasonModeAll       Reason = "modeAll"
	ReasonSuppressed    Reason = "suppressed"
)

// Decision is the routing outcome for one message.
type Decision struct {
	Routable bool
	Reason   Reason
}

var (
	commandPattern = regexp.MustCompile(`^/\w+`)
	// Six to eight alphanumerics: short enough to type, long enough not
	// to collide with ordinary words.
	pairingCodePattern = regexp.MustCompile(`^[A-Za-z0-9]{6,8}$`)
	nonDigitPattern    = regexp.MustCompile(`\D`)
)

// ParseMode maps a config string to a Mode, defaulting to
// mentions_or_commands for unknown or empty values.
func ParseMode(value string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeAll:
		return ModeAll
	case ModeCommandsOnly:
		return ModeCommandsOnly
	case ModeMentionsOnly:
		return ModeMentionsOnly
	default:
		return ModeMentionsOrCommands
	}
}

// Decide computes the routing decision table.
func Decide(mode Mode, isGroup, mention, command, pairingCode bool) Decision {
	if !isGroup {
		return Decision{Routable: true, Reason: ReasonDirectMessage}
	}
	if pairingCode {
		return Decision{Routable: true, Reason: ReasonPairingCode}
	}

	switch mode {
	case ModeAll:
		return Decision{Routable: true, Reason: ReasonModeAll}
	case ModeMentionsOnly:
		if mention {
			return Decision{Routable: true, Reason: ReasonMention}
		}
	case ModeCommandsOnly:
		if command {
			return Decision{Routable: true, Reason: ReasonCommand}
		}
	case ModeMentionsOrCommands:
		if mention {
			return Decision{Routable: true, Reason: ReasonMention}
		}
		if command {
			return Decision{Routable: true, Reason: ReasonCommand}
		}
	}

	return Decision{Routable: false, Reason: ReasonSuppressed}
}

// Inspect derives the decision for message text in one call.
func Inspect(mode Mode, isGroup bool, text, selfIdentity string, mentioned bool) Decision {
	trimmed := strings.TrimSpace(text)
	mention := mentioned || MentionsIdentity(trimmed, selfIdentity)
	return Decide(mode, isGroup, mention, IsCommand(trimmed), IsPairingCode(trimmed))
}

// IsCommand reports whether text starts with a slash command.
func IsCommand(text string) bool {
	return commandPattern.MatchString(strings.TrimSpace(text))
}

// IsPairingCode reports whether text is exactly one short alphanumeric
// pairing code, case-insensitive.
func IsPairingCode(text string) bool {
	return pairingCodePattern.MatchString(strings.TrimSpace(text))
}

// MentionsIdentity reports whether the bot's own identity appears in the
// message. Identities are compared on normalized digits where both sides
// carry digits, which tolerates device-suffix variants of phone-shaped
// addresses (1555123:17@s.whatsapp.net vs 1555123@s.whatsapp.net);
// otherwise tokens are compared case-insensitively with any leading "@"
// stripped.
func MentionsIdentity(text, identity string) bool {
	id := normalizeIdentity(identity)
	if id == "" {
		return false
	}
	idDigits := nonDigitPattern.ReplaceAllString(id, "")

	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, "@#,.!?()<>")
		// Cut address domain and device suffix before comparing.
		if i := strings.IndexAny(token, ":@"); i >= 0 {
			token = token[:i]
		}
		if token == "" {
			continue
		}
		if token == id {
			return true
		}
		if idDigits != "" {
			if tokenDigits := nonDigitPattern.ReplaceAllString(token, ""); tokenDigits == idDigits {
				return true
			}
		}
	}

	return false
}

func normalizeIdentity(identity string) string {
	id := strings.ToLower(strings.TrimSpace(identity))
	id = strings.TrimPrefix(id, "@")
	// Drop address domain and device suffix: "1555123:17@s.whatsapp.net".
	if i := strings.IndexAny(id, ":@"); i >= 0 {
		id = id[:i]
	}
	return id
}

// SenderAllowed applies the allowlist rule used by every adapter: with an
// empty list all senders pass; entries match on normalized digits when
// both sides are digit-bearing, otherwise on a case-insensitive exact
// compare.
func SenderAllowed(sender string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}

	senderNorm := strings.ToLower(strings.TrimSpace(sender))
	senderDigits := nonDigitPattern.ReplaceAllString(senderNorm, "")

	for _, allowed := range allowlist {
		allowedNorm := strings.ToLower(strings.TrimSpace(allowed))
		if allowedNorm == "" {
			continue
		}
		if allowedNorm == senderNorm {
			return true
		}
		if senderDigits != "" {
			if allowedDigits := nonDigitPattern.ReplaceAllString(allowedNorm, ""); allowedDigits != "" && allowedDigits == senderDigits {
				return true
			}
		}
	}

	return false
}

// BestText picks the first non-empty candidate, so plain text wins over
// HTML or caption fallbacks.
func BestText(candidates ...string) string {
	for _, candidate := range candidates {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// ApplySelf enforces the self-authored message policy: dropped by default,
// or re-tagged as captured user output when capture is enabled so history
// is preserved without routing replies back to the agent.
func ApplySelf(msg *bus.Message, fromMe, capture bool) bool {
	if !fromMe {
		return true
	}
	if !capture {
		return false
	}

	msg.Direction = bus.DirectionOutgoingUser
	msg.IngestOnly = true
	msg.RouteReason = string(ReasonSuppressed)
	return true
}

// Stamp applies a decision to a normalized message.
func Stamp(msg *bus.Message, decision Decision) {
	msg.RouteReason = string(decision.Reason)
	if !decision.Routable {
		msg.IngestOnly = true
	}
}
