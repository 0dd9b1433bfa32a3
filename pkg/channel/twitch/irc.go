package twitch

import "strings"

// ircMessage is one parsed IRCv3 line: @tags :prefix COMMAND params :trailing.
type ircMessage struct {
	Tags    map[string]string
	Prefix  string
	Command string
	Params  []string
}

// parseIRC parses a single IRC line. Malformed lines come back with an
// empty command rather than an error; the read loop skips them.
func parseIRC(line string) ircMessage {
	msg := ircMessage{Tags: map[string]string{}}

	line = strings.TrimRight(line, "\r\n")

	if strings.HasPrefix(line, "@") {
		rawTags, rest, found := strings.Cut(line[1:], " ")
		if !found {
			return msg
		}
		msg.Tags = parseTags(rawTags)
		line = rest
	}

	if strings.HasPrefix(line, ":") {
		prefix, rest, found := strings.Cut(line[1:], " ")
		if !found {
			return msg
		}
		msg.Prefix = prefix
		line = rest
	}

	command, rest, hasParams := strings.Cut(line, " ")
	msg.Command = command
	if !hasParams {
		return msg
	}

	for rest != "" {
		if strings.HasPrefix(rest, ":") {
			msg.Params = append(msg.Params, rest[1:])
			break
		}
		param, remainder, more := strings.Cut(rest, " ")
		msg.Params = append(msg.Params, param)
		if !more {
			break
		}
		rest = remainder
	}

	return msg
}

// parseTags splits "a=1;b=2" and unescapes tag values per the IRCv3 spec.
func parseTags(raw string) map[string]string {
	tags := make(map[string]string)
	for _, pair := range strings.Split(raw, ";") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		tags[key] = unescapeTag(value)
	}
	return tags
}

// unescapeTag reverses the IRCv3 tag value escaping: \s space, \: semicolon,
// \\ backslash, \r and \n line breaks. A trailing lone backslash is dropped.
func unescapeTag(value string) string {
	if !strings.Contains(value, `\`) {
		return value
	}

	var out strings.Builder
	out.Grow(len(value))
	for i := 0; i < len(value); i++ {
		if value[i] != '\\' {
			out.WriteByte(value[i])
			continue
		}
		i++
		if i >= len(value) {
			break
		}
		switch value[i] {
		case 's':
			out.WriteByte(' ')
		case ':':
			out.WriteByte(';')
		case '\\':
			out.WriteByte('\\')
		case 'r':
			out.WriteByte('\r')
		case 'n':
			out.WriteByte('\n')
		default:
			out.WriteByte(value[i])
		}
	}
	return out.String()
}

// trailing returns the last parameter, which carries the message text for
// PRIVMSG and NOTICE.
func (m ircMessage) trailing() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[len(m.Params)-1]
}

// target returns the first parameter, the #channel for PRIVMSG.
func (m ircMessage) target() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[0]
}

// senderNick extracts the nick from "nick!user@host".
func (m ircMessage) senderNick() string {
	nick, _, _ := strings.Cut(m.Prefix, "!")
	return nick
}
