package email

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const smtpTimeout = 30 * time.Second

// smtpSession drives one SMTP delivery over a fresh connection. The
// session walks the reply-code state machine strictly in order: greeting,
// EHLO, STARTTLS upgrade, EHLO again, AUTH PLAIN, envelope, DATA, QUIT.
// Any 4xx/5xx reply aborts the send with the server's raw response text.
type smtpSession struct {
	conn   net.Conn
	reader *bufio.Reader
	host   string
}

type outboundMail struct {
	from      string
	to        string
	subject   string
	body      string
	messageID string
	inReplyTo string
}

// sendMail connects, authenticates, and delivers one message.
func sendMail(host string, port int, username, password string, mail outboundMail) error {
	if port <= 0 {
		port = 587
	}

	address := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", address, smtpTimeout)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", address, err)
	}
	session := &smtpSession{conn: conn, reader: bufio.NewReader(conn), host: host}
	defer session.conn.Close()

	// Port 465 is implicit TLS; everything else starts plaintext and
	// upgrades via STARTTLS before credentials are sent.
	if port == 465 {
		session.upgradeTLS()
	}

	if err := session.deliver(username, password, port != 465, mail); err != nil {
		return err
	}

	session.command("QUIT", 221)
	return nil
}

func (s *smtpSession) deliver(username, password string, startTLS bool, mail outboundMail) error {
	if err := s.expect(220); err != nil {
		return fmt.Errorf("smtp greeting: %w", err)
	}
	if err := s.command("EHLO chatrelay", 250); err != nil {
		return fmt.Errorf("smtp ehlo: %w", err)
	}

	if startTLS {
		if err := s.command("STARTTLS", 220); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
		s.upgradeTLS()
		if err := s.command("EHLO chatrelay", 250); err != nil {
			return fmt.Errorf("smtp ehlo after starttls: %w", err)
		}
	}

	plain := base64.StdEncoding.EncodeToString([]byte("\x00" + username + "\x00" + password))
	if err := s.command("AUTH PLAIN "+plain, 235); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}

	if err := s.command(fmt.Sprintf("MAIL FROM:<%s>", mail.from), 250); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := s.command(fmt.Sprintf("RCPT TO:<%s>", mail.to), 250); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	if err := s.command("DATA", 354); err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}

	if err := s.writePayload(mail); err != nil {
		return fmt.Errorf("smtp payload: %w", err)
	}
	if err := s.expect(250); err != nil {
		return fmt.Errorf("smtp delivery: %w", err)
	}
	return nil
}

// upgradeTLS wraps the live connection in place; the reader must be
// rebuilt so no plaintext-buffered bytes survive the handshake.
func (s *smtpSession) upgradeTLS() {
	tlsConn := tls.Client(s.conn, &tls.Config{ServerName: s.host})
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
}

// command writes one line and checks the reply code.
func (s *smtpSession) command(line string, wantCode int) error {
	s.conn.SetDeadline(time.Now().Add(smtpTimeout))
	if _, err := fmt.Fprintf(s.conn, "%s\r\n", line); err != nil {
		return err
	}
	return s.expect(wantCode)
}

// expect consumes one full (possibly multiline) reply and verifies its
// code. Multiline replies use "250-..." continuations terminated by a
// "250 " line.
func (s *smtpSession) expect(wantCode int) error {
	s.conn.SetDeadline(time.Now().Add(smtpTimeout))

	var last string
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read reply: %w", err)
		}
		last = strings.TrimRight(line, "\r\n")
		if len(last) < 4 || last[3] != '-' {
			break
		}
	}

	if len(last) < 3 {
		return fmt.Errorf("malformed reply %q", last)
	}
	code, err := strconv.Atoi(last[:3])
	if err != nil {
		return fmt.Errorf("malformed reply %q", last)
	}
	if code != wantCode {
		return fmt.Errorf("unexpected reply %q (want %d)", last, wantCode)
	}
	return nil
}

// writePayload emits headers, a dot-stuffed body, and the terminating dot.
func (s *smtpSession) writePayload(mail outboundMail) error {
	var payload strings.Builder
	payload.WriteString("From: " + mail.from + "\r\n")
	payload.WriteString("To: " + mail.to + "\r\n")
	payload.WriteString("Subject: " + mail.subject + "\r\n")
	payload.WriteString("Message-ID: " + mail.messageID + "\r\n")
	if mail.inReplyTo != "" {
		payload.WriteString("In-Reply-To: " + mail.inReplyTo + "\r\n")
		payload.WriteString("References: " + mail.inReplyTo + "\r\n")
	}
	payload.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	payload.WriteString("MIME-Version: 1.0\r\n")
	payload.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	payload.WriteString("\r\n")

	for _, line := range strings.Split(strings.ReplaceAll(mail.body, "\r\n", "\n"), "\n") {
		if strings.HasPrefix(line, ".") {
			line = "." + line
		}
		payload.WriteString(line + "\r\n")
	}
	payload.WriteString(".\r\n")

	s.conn.SetDeadline(time.Now().Add(smtpTimeout))
	_, err := s.conn.Write([]byte(payload.String()))
	return err
}
