// smtp.go
//
// Transport interface and the SMTP implementation used by the provider pool.
// Provider settings (host, port, TLS mode, credentials) come from the store per call,
// so one SMTPTransport serves every configured provider.
package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/MGallo-Code/postern/internal/store"
	"gopkg.in/gomail.v2"
)

// Message is one outbound plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Transport delivers a message through one provider.
// password is the decrypted provider password ("" when none is configured).
type Transport interface {
	Send(ctx context.Context, p *store.SMTPProvider, password string, msg Message) error
}

// sessionRoundTrips sizes the whole-session deadline: greeting, EHLO, STARTTLS, AUTH,
// MAIL, RCPT, DATA and the end-of-data reply.
const sessionRoundTrips = 8

// SMTPTransport speaks SMTP directly to the provider.
// ConnectTimeout bounds the dial; ReadTimeout bounds every individual read and write,
// and the session as a whole never outlasts ConnectTimeout + 8*ReadTimeout.
type SMTPTransport struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// NopTransport discards all outbound email. Used when no real delivery is wanted (tests, local dev).
type NopTransport struct{}

func (NopTransport) Send(_ context.Context, _ *store.SMTPProvider, _ string, _ Message) error {
	return nil
}

// deadlineConn refreshes the I/O deadline before each read and write, so a stalled
// server fails after timeout of silence. The refreshed deadline never passes until,
// so a server trickling bytes cannot hold the session open either.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
	until   time.Time
}

func (c *deadlineConn) next() time.Time {
	d := time.Now().Add(c.timeout)
	if !c.until.IsZero() && c.until.Before(d) {
		return c.until
	}
	return d
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.timeout > 0 {
		c.Conn.SetReadDeadline(c.next())
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.timeout > 0 {
		c.Conn.SetWriteDeadline(c.next())
	}
	return c.Conn.Write(b)
}

func (t *SMTPTransport) dial(ctx context.Context, p *store.SMTPProvider) (net.Conn, error) {
	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	nd := &net.Dialer{Timeout: t.ConnectTimeout}
	if p.UseSSL {
		// Implicit TLS (usually port 465).
		td := &tls.Dialer{NetDialer: nd, Config: &tls.Config{ServerName: p.Host}}
		return td.DialContext(ctx, "tcp", addr)
	}
	return nd.DialContext(ctx, "tcp", addr)
}

// Send dials the provider, upgrades with STARTTLS when the provider requires TLS,
// authenticates when a username is set, and delivers msg. The session is torn down
// when ctx is cancelled. Once the server accepts the message data the send counts as
// delivered, whatever happens during QUIT.
func (t *SMTPTransport) Send(ctx context.Context, p *store.SMTPProvider, password string, msg Message) error {
	start := time.Now()
	raw, err := t.dial(ctx, p)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	conn := &deadlineConn{Conn: raw, timeout: t.ReadTimeout}
	if t.ReadTimeout > 0 {
		conn.until = start.Add(t.ConnectTimeout + sessionRoundTrips*t.ReadTimeout)
	}
	stop := context.AfterFunc(ctx, func() { raw.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, p.Host)
	if err != nil {
		raw.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	if p.UseTLS && !p.UseSSL {
		// Refuse to continue in plaintext when the provider is configured for TLS.
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return fmt.Errorf("smtp server does not advertise STARTTLS: refusing plaintext session")
		}
		if err := c.StartTLS(&tls.Config{ServerName: p.Host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}

	if p.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", p.Username, password, p.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(p.FromAddress); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := c.Rcpt(msg.To); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := compose(p.FromAddress, msg).WriteTo(wc); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	if err := c.Quit(); err != nil {
		slog.Debug("smtp quit failed after message was accepted", "provider", p.Name, "err", err)
	}
	return nil
}

// compose builds the MIME message: encoded headers, quoted-printable UTF-8 body.
func compose(from string, msg Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetDateHeader("Date", time.Now())
	m.SetBody("text/plain", msg.Body)
	return m
}
