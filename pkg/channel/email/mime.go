package email

import (
	"io"
	"mime"
	"mime/quotedprintable"
	"strings"
)

// parseHeaders turns a raw RFC 5322 header block into a lowercase-keyed
// map. Folded continuation lines are joined onto the previous header, and
// values pass through encoded-word decoding.
func parseHeaders(raw string) map[string]string {
	headers := make(map[string]string)

	var key string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}

		if line[0] == ' ' || line[0] == '\t' {
			if key != "" {
				headers[key] += " " + strings.TrimSpace(line)
			}
			continue
		}

		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(name))
		headers[key] = strings.TrimSpace(value)
	}

	for name, value := range headers {
		headers[name] = decodeHeader(value)
	}
	return headers
}

// decodeHeader decodes RFC 2047 encoded words such as "=?UTF-8?B?SGVsbG8=?="
// anywhere in a header value, leaving plain text untouched.
func decodeHeader(value string) string {
	if !strings.Contains(value, "=?") {
		return value
	}

	decoder := mime.WordDecoder{}
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// decodeQuotedPrintable decodes a quoted-printable body, returning the
// input unchanged when it does not parse.
func decodeQuotedPrintable(body string) string {
	decoded, err := io.ReadAll(quotedprintable.NewReader(strings.NewReader(body)))
	if err != nil {
		// Partial output up to the malformed escape is still more useful
		// than raw =XX noise.
		if len(decoded) > 0 {
			return string(decoded)
		}
		return body
	}
	return string(decoded)
}

// extractAddress pulls the bare address out of "Display Name <user@host>".
func extractAddress(header string) string {
	if start := strings.LastIndex(header, "<"); start >= 0 {
		if end := strings.Index(header[start:], ">"); end > 0 {
			return strings.TrimSpace(header[start+1 : start+end])
		}
	}
	return strings.TrimSpace(header)
}

// displayName returns the human part of "Display Name <user@host>",
// falling back to the bare address.
func displayName(header string) string {
	if start := strings.LastIndex(header, "<"); start > 0 {
		name := strings.Trim(strings.TrimSpace(header[:start]), `"`)
		if name != "" {
			return name
		}
	}
	return extractAddress(header)
}
