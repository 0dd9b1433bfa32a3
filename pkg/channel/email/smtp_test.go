package email

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"
)

func pipeSession(t *testing.T) (*smtpSession, net.Conn) {
	t.Helper()

	server, clientSide := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		clientSide.Close()
	})

	return &smtpSession{conn: clientSide, reader: bufio.NewReader(clientSide), host: "smtp.example.test"}, server
}

func TestExpectMultilineReply(t *testing.T) {
	session, server := pipeSession(t)

	go server.Write([]byte("250-smtp.example.test\r\n250-PIPELINING\r\n250 AUTH PLAIN LOGIN\r\n"))

	if err := session.expect(250); err != nil {
		t.Fatalf("expect error: %v", err)
	}
}

func TestExpectRejectsErrorCode(t *testing.T) {
	session, server := pipeSession(t)

	go server.Write([]byte("550 5.1.1 mailbox unavailable\r\n"))

	err := session.expect(250)
	if err == nil {
		t.Fatal("expected error for 550 reply")
	}
	if !strings.Contains(err.Error(), "550 5.1.1 mailbox unavailable") {
		t.Fatalf("error = %v, want raw server line", err)
	}
}

func TestCommandWritesLineAndChecksReply(t *testing.T) {
	session, server := pipeSession(t)

	var written string
	done := make(chan struct{})
	go func() {
		defer close(done)
		reader := bufio.NewReader(server)
		line, _ := reader.ReadString('\n')
		written = line
		server.Write([]byte("354 End data with <CR><LF>.<CR><LF>\r\n"))
	}()

	if err := session.command("DATA", 354); err != nil {
		t.Fatalf("command error: %v", err)
	}
	<-done
	if written != "DATA\r\n" {
		t.Fatalf("wrote %q, want DATA line", written)
	}
}

func TestWritePayloadDotStuffing(t *testing.T) {
	session, server := pipeSession(t)

	received := make(chan string, 1)
	go func() {
		buffer := make([]byte, 4096)
		var collected strings.Builder
		for {
			server.SetReadDeadline(time.Now().Add(time.Second))
			n, err := server.Read(buffer)
			if n > 0 {
				collected.Write(buffer[:n])
				if strings.HasSuffix(collected.String(), "\r\n.\r\n") {
					break
				}
			}
			if err != nil {
				break
			}
		}
		received <- collected.String()
	}()

	mail := outboundMail{
		from:      "relay@example.test",
		to:        "alice@example.test",
		subject:   "Re: status",
		body:      "line one\n.hidden dot\nline three",
		messageID: "<id-1@chatrelay>",
		inReplyTo: "<orig@example.test>",
	}
	if err := session.writePayload(mail); err != nil {
		t.Fatalf("writePayload error: %v", err)
	}

	payload := <-received
	if !strings.Contains(payload, "\r\n..hidden dot\r\n") {
		t.Fatal("leading dot must be stuffed")
	}
	if !strings.Contains(payload, "In-Reply-To: <orig@example.test>\r\n") {
		t.Fatal("reply threading header missing")
	}
	if !strings.Contains(payload, "References: <orig@example.test>\r\n") {
		t.Fatal("references header missing")
	}
	if !strings.HasSuffix(payload, "\r\n.\r\n") {
		t.Fatal("payload must end with terminating dot")
	}
}

func TestDeliverAbortsOnRejectedRecipient(t *testing.T) {
	session, server := pipeSession(t)

	go func() {
		reader := bufio.NewReader(server)
		server.Write([]byte("220 smtp.example.test ESMTP\r\n"))
		reader.ReadString('\n') // EHLO
		server.Write([]byte("250-smtp.example.test\r\n250 AUTH PLAIN\r\n"))
		reader.ReadString('\n') // AUTH PLAIN
		server.Write([]byte("235 2.7.0 Accepted\r\n"))
		reader.ReadString('\n') // MAIL FROM
		server.Write([]byte("250 2.1.0 OK\r\n"))
		reader.ReadString('\n') // RCPT TO
		server.Write([]byte("550 5.1.1 no such user\r\n"))
	}()

	mail := outboundMail{from: "relay@example.test", to: "ghost@example.test", subject: "hi", body: "hello"}
	err := session.deliver("user", "pass", false, mail)
	if err == nil {
		t.Fatal("expected delivery failure")
	}
	if !strings.Contains(err.Error(), "550 5.1.1 no such user") {
		t.Fatalf("error = %v, want raw rejection line", err)
	}
}
