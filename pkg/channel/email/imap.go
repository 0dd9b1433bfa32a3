package email

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const imapCommandTimeout = 30 * time.Second

var errIMAPNotConnected = errors.New("imap: not connected")

var (
	uidNextPattern = regexp.MustCompile(`\[UIDNEXT (\d+)\]`)
	searchPattern  = regexp.MustCompile(`(?m)^\* SEARCH((?: \d+)*)\r?$`)
)

// imapClient is a minimal IMAP4 client over a persistent TLS connection.
//
// Commands are strictly serialized: one tagged command is in flight at a
// time, and the response buffer is rebuilt from scratch for each command
// so a stale reply from a timed-out command can never be attributed to
// the next one.
type imapClient struct {
	host string
	port int
	log  *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	tagSeq int
}

func newIMAPClient(host string, port int, log *slog.Logger) *imapClient {
	if port <= 0 {
		port = 993
	}
	if log == nil {
		log = slog.Default()
	}
	return &imapClient{host: host, port: port, log: log}
}

// connect dials the server over TLS and waits for the unsolicited greeting.
func (c *imapClient) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	address := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	conn, err := tls.Dial("tcp", address, &tls.Config{ServerName: c.host})
	if err != nil {
		return fmt.Errorf("imap dial %s: %w", address, err)
	}

	if err := waitForGreeting(conn); err != nil {
		conn.Close()
		return err
	}

	c.conn = conn
	return nil
}

// startSession reuses an already-open transport (tests inject pipes here).
func (c *imapClient) startSession(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *imapClient) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *imapClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		// Best effort: the server closes the transport on LOGOUT.
		fmt.Fprintf(c.conn, "A%d LOGOUT\r\n", c.tagSeq)
		c.tagSeq++
		c.conn.Close()
		c.conn = nil
	}
}

// command writes one tagged command and accumulates response chunks until
// the completion line for that tag arrives or the deadline elapses. On
// timeout the buffered bytes are discarded along with the connection, so
// a late response cannot leak into the next command's buffer.
func (c *imapClient) command(format string, args ...any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return "", errIMAPNotConnected
	}

	tag := fmt.Sprintf("A%d", c.tagSeq)
	c.tagSeq++

	if err := c.conn.SetDeadline(time.Now().Add(imapCommandTimeout)); err != nil {
		return "", fmt.Errorf("imap set deadline: %w", err)
	}
	if _, err := fmt.Fprintf(c.conn, "%s %s\r\n", tag, fmt.Sprintf(format, args...)); err != nil {
		c.dropLocked()
		return "", fmt.Errorf("imap write: %w", err)
	}

	var buffer strings.Builder
	chunk := make([]byte, 4096)
	for {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			buffer.Write(chunk[:n])
			if line, done := completionLine(buffer.String(), tag); done {
				rest := strings.TrimPrefix(line, tag+" ")
				if strings.HasPrefix(rest, "OK") {
					return buffer.String(), nil
				}
				return "", fmt.Errorf("imap: %s", rest)
			}
		}
		if err != nil {
			c.dropLocked()
			return "", fmt.Errorf("imap read: %w", err)
		}
	}
}

func (c *imapClient) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// completionLine scans fully received lines for the tagged completion of
// exactly this command. Completion lines for earlier (timed-out) tags are
// ignored.
func completionLine(buffer, tag string) (string, bool) {
	lines := strings.Split(buffer, "\n")
	// The final fragment is complete only if the buffer ends with a newline.
	complete := lines[:len(lines)-1]

	prefix := tag + " "
	for _, line := range complete {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, prefix) {
			return line, true
		}
	}
	return "", false
}

// login authenticates and selects the mailbox, returning the UIDNEXT
// value that seeds the last-seen UID high-water mark.
func (c *imapClient) login(username, password, mailbox string) (uint64, error) {
	if _, err := c.command("LOGIN %s %s", quoteIMAP(username), quoteIMAP(password)); err != nil {
		return 0, fmt.Errorf("imap login: %w", err)
	}

	response, err := c.command("SELECT %s", quoteIMAP(mailbox))
	if err != nil {
		return 0, fmt.Errorf("imap select %s: %w", mailbox, err)
	}

	match := uidNextPattern.FindStringSubmatch(response)
	if match == nil {
		return 0, nil
	}
	uidNext, err := strconv.ParseUint(match[1], 10, 64)
	if err != nil {
		return 0, nil
	}
	return uidNext, nil
}

// searchSince returns UIDs strictly greater than lastSeen.
//
// "UID SEARCH UID n:*" always reports at least the newest message even
// when its UID is below n, so the results are filtered again here.
func (c *imapClient) searchSince(lastSeen uint64) ([]uint64, error) {
	response, err := c.command("UID SEARCH UID %d:*", lastSeen+1)
	if err != nil {
		return nil, err
	}

	match := searchPattern.FindStringSubmatch(response)
	if match == nil {
		return nil, nil
	}

	var uids []uint64
	for _, field := range strings.Fields(match[1]) {
		uid, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			continue
		}
		if uid > lastSeen {
			uids = append(uids, uid)
		}
	}
	return uids, nil
}

// fetchMessage retrieves headers and the text body of one UID without
// setting \Seen (BODY.PEEK); read-state changes are explicit and gated by
// configuration.
func (c *imapClient) fetchMessage(uid uint64) (map[string]string, string, error) {
	response, err := c.command("UID FETCH %d (BODY.PEEK[HEADER.FIELDS (FROM TO SUBJECT DATE MESSAGE-ID IN-REPLY-TO CONTENT-TYPE CONTENT-TRANSFER-ENCODING)] BODY.PEEK[TEXT])", uid)
	if err != nil {
		return nil, "", err
	}

	sections := splitFetchSections(response)
	headers := parseHeaders(sections["HEADER"])

	body := sections["TEXT"]
	if strings.EqualFold(strings.TrimSpace(headers["content-transfer-encoding"]), "quoted-printable") {
		body = decodeQuotedPrintable(body)
	}

	return headers, strings.TrimSpace(body), nil
}

// markSeen explicitly flags one message as read.
func (c *imapClient) markSeen(uid uint64) error {
	_, err := c.command(`UID STORE %d +FLAGS (\Seen)`, uid)
	return err
}

// splitFetchSections extracts the literal payloads of a FETCH response,
// keyed by "HEADER" and "TEXT". IMAP literals are "{n}\r\n" followed by
// exactly n bytes.
func splitFetchSections(response string) map[string]string {
	sections := make(map[string]string)

	rest := response
	for {
		idx := strings.Index(rest, "BODY[")
		if idx < 0 {
			break
		}
		rest = rest[idx+len("BODY["):]

		end := strings.Index(rest, "]")
		if end < 0 {
			break
		}
		section := rest[:end]
		rest = rest[end+1:]

		open := strings.Index(rest, "{")
		if open < 0 {
			break
		}
		closeIdx := strings.Index(rest[open:], "}")
		if closeIdx < 0 {
			break
		}
		size, err := strconv.Atoi(rest[open+1 : open+closeIdx])
		if err != nil {
			break
		}

		payloadStart := strings.Index(rest[open:], "\n")
		if payloadStart < 0 {
			break
		}
		payloadStart += open + 1
		if payloadStart+size > len(rest) {
			size = len(rest) - payloadStart
		}
		payload := rest[payloadStart : payloadStart+size]
		rest = rest[payloadStart+size:]

		switch {
		case strings.HasPrefix(section, "HEADER"):
			sections["HEADER"] = payload
		case section == "TEXT":
			sections["TEXT"] = payload
		}
	}

	return sections
}

// waitForGreeting reads until the server's unsolicited "* OK" banner.
func waitForGreeting(conn net.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(imapCommandTimeout)); err != nil {
		return err
	}

	var buffer strings.Builder
	chunk := make([]byte, 512)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buffer.Write(chunk[:n])
			if strings.Contains(buffer.String(), "\n") {
				if strings.HasPrefix(buffer.String(), "* OK") {
					return nil
				}
				return fmt.Errorf("imap: unexpected greeting %q", strings.TrimSpace(buffer.String()))
			}
		}
		if err != nil {
			return fmt.Errorf("imap greeting: %w", err)
		}
	}
}

// quoteIMAP wraps a string as an IMAP quoted string.
func quoteIMAP(value string) string {
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}
