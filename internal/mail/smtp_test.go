// smtp_test.go
//
// Unit tests for the template helpers + SMTPTransport against an in-process fake server.
package mail

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MGallo-Code/postern/internal/store"
)

// --- Template helpers ---

func TestApplyVars(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars map[string]string
		want string
	}{
		{
			name: "substitutes known keys",
			tmpl: "Hello %%username%%, your code is %%code%%",
			vars: map[string]string{"username": "alice", "code": "123456"},
			want: "Hello alice, your code is 123456",
		},
		{
			name: "strips unresolved placeholders",
			tmpl: "Hello %%username%%, id %%requestId%%",
			vars: map[string]string{"username": "alice"},
			want: "Hello alice, id ",
		},
		{
			name: "nil vars strips all placeholders",
			tmpl: "%%greeting%%",
			vars: nil,
			want: "",
		},
		{
			name: "no placeholders passes through unchanged",
			tmpl: "Plain text.",
			vars: map[string]string{"username": "alice"},
			want: "Plain text.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := applyVars(tt.tmpl, tt.vars)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30 seconds"},
		{time.Minute, "1 minute"},
		{5 * time.Minute, "5 minutes"},
		{time.Hour, "1 hour"},
		{2 * time.Hour, "2 hours"},
		{24 * time.Hour, "1 day"},
		{72 * time.Hour, "3 days"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := formatDuration(tt.d)
			if got != tt.want {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}

func TestRenderCodeEmail(t *testing.T) {
	t.Run("includes username, code, request id and ttl", func(t *testing.T) {
		body := RenderCodeEmail(CodeEmail{Username: "alice", Code: "482913", RequestID: "req-1", TTL: 5 * time.Minute})
		for _, want := range []string{"Hello alice", "482913", "req-1", "5 minutes"} {
			if !strings.Contains(body, want) {
				t.Errorf("body missing %q:\n%s", want, body)
			}
		}
		if strings.Contains(body, "%%") {
			t.Error("body should not contain placeholders")
		}
	})

	t.Run("missing code renders mask", func(t *testing.T) {
		body := RenderCodeEmail(CodeEmail{Username: "bob", RequestID: "req-2", TTL: time.Minute})
		if !strings.Contains(body, "******") {
			t.Errorf("expected masked code in body:\n%s", body)
		}
	})
}

// --- SMTPTransport ---

// fakeSMTP is a minimal SMTP server: no TLS, no auth, records the DATA payload.
type fakeSMTP struct {
	ln         net.Listener
	greet      bool // false: accept and stay silent
	startTLS   bool // advertise STARTTLS in EHLO
	trickle    bool // send the greeting one byte at a time, never finishing the line
	dropOnQuit bool // hang up on QUIT without replying

	mu   sync.Mutex
	from string
	rcpt string
	data string
}

func newFakeSMTP(t *testing.T, greet, startTLS bool) *fakeSMTP {
	t.Helper()
	return startFakeSMTP(t, &fakeSMTP{greet: greet, startTLS: startTLS})
}

// startFakeSMTP listens on loopback and serves s until the test ends.
func startFakeSMTP(t *testing.T, s *fakeSMTP) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.ln = ln
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *fakeSMTP) provider() *store.SMTPProvider {
	host, port, _ := net.SplitHostPort(s.ln.Addr().String())
	p, _ := strconv.Atoi(port)
	return &store.SMTPProvider{ID: 1, Name: "fake", Host: host, Port: p, FromAddress: "no-reply@example.com"}
}

func (s *fakeSMTP) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeSMTP) handle(conn net.Conn) {
	defer conn.Close()
	if s.trickle {
		for i := 0; i < 100; i++ {
			if _, err := conn.Write([]byte("2")); err != nil {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
		return
	}
	if !s.greet {
		time.Sleep(time.Second)
		return
	}
	r := bufio.NewReader(conn)
	reply := func(line string) { conn.Write([]byte(line + "\r\n")) }
	reply("220 fake ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)
		upper := strings.ToUpper(cmd)
		switch {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			if s.startTLS {
				reply("250-fake")
				reply("250 STARTTLS")
			} else {
				reply("250 fake")
			}
		case strings.HasPrefix(upper, "MAIL FROM:"):
			s.mu.Lock()
			s.from = cmd[len("MAIL FROM:"):]
			s.mu.Unlock()
			reply("250 ok")
		case strings.HasPrefix(upper, "RCPT TO:"):
			s.mu.Lock()
			s.rcpt = cmd[len("RCPT TO:"):]
			s.mu.Unlock()
			reply("250 ok")
		case upper == "DATA":
			reply("354 go ahead")
			var b strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			s.mu.Lock()
			s.data = b.String()
			s.mu.Unlock()
			reply("250 queued")
		case upper == "QUIT":
			if !s.dropOnQuit {
				reply("221 bye")
			}
			return
		default:
			reply("250 ok")
		}
	}
}

func TestSMTPTransport_Send(t *testing.T) {
	tr := &SMTPTransport{ConnectTimeout: time.Second, ReadTimeout: time.Second}

	t.Run("delivers message", func(t *testing.T) {
		srv := newFakeSMTP(t, true, false)
		p := srv.provider()

		err := tr.Send(context.Background(), p, "", Message{To: "user@example.com", Subject: "Your code", Body: "code 123456"})
		if err != nil {
			t.Fatalf("Send: %v", err)
		}

		srv.mu.Lock()
		defer srv.mu.Unlock()
		if !strings.Contains(srv.from, "no-reply@example.com") {
			t.Errorf("MAIL FROM: got %q", srv.from)
		}
		if !strings.Contains(srv.rcpt, "user@example.com") {
			t.Errorf("RCPT TO: got %q", srv.rcpt)
		}
		if !strings.Contains(srv.data, "Subject: Your code") {
			t.Errorf("DATA missing subject header:\n%s", srv.data)
		}
		if !strings.Contains(srv.data, "123456") {
			t.Errorf("DATA missing body:\n%s", srv.data)
		}
	})

	t.Run("refuses plaintext when tls required", func(t *testing.T) {
		srv := newFakeSMTP(t, true, false)
		p := srv.provider()
		p.UseTLS = true

		err := tr.Send(context.Background(), p, "", Message{To: "user@example.com", Subject: "s", Body: "b"})
		if err == nil || !strings.Contains(err.Error(), "STARTTLS") {
			t.Fatalf("expected STARTTLS refusal, got %v", err)
		}
	})

	t.Run("silent server times out", func(t *testing.T) {
		srv := newFakeSMTP(t, false, false)
		p := srv.provider()
		short := &SMTPTransport{ConnectTimeout: time.Second, ReadTimeout: 100 * time.Millisecond}

		start := time.Now()
		err := short.Send(context.Background(), p, "", Message{To: "user@example.com"})
		if err == nil {
			t.Fatal("expected timeout error")
		}
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			t.Errorf("expected net timeout, got %v", err)
		}
		if time.Since(start) > 900*time.Millisecond {
			t.Errorf("timeout took too long: %v", time.Since(start))
		}
	})

	t.Run("accepted message is delivered even if quit fails", func(t *testing.T) {
		srv := startFakeSMTP(t, &fakeSMTP{greet: true, dropOnQuit: true})
		p := srv.provider()

		err := tr.Send(context.Background(), p, "", Message{To: "user@example.com", Subject: "s", Body: "code 123456"})
		if err != nil {
			t.Fatalf("Send: expected nil once DATA was accepted, got %v", err)
		}
		srv.mu.Lock()
		defer srv.mu.Unlock()
		if !strings.Contains(srv.data, "123456") {
			t.Errorf("server should have the message:\n%s", srv.data)
		}
	})

	t.Run("trickling server is cut off by the session deadline", func(t *testing.T) {
		srv := startFakeSMTP(t, &fakeSMTP{trickle: true})
		p := srv.provider()
		short := &SMTPTransport{ConnectTimeout: 100 * time.Millisecond, ReadTimeout: 100 * time.Millisecond}

		start := time.Now()
		err := short.Send(context.Background(), p, "", Message{To: "user@example.com"})
		if err == nil {
			t.Fatal("expected timeout error")
		}
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			t.Errorf("expected net timeout, got %v", err)
		}
		// Session budget is 100ms + 8*100ms.
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("send held for %v", elapsed)
		}
	})

	t.Run("unreachable host fails", func(t *testing.T) {
		ln, _ := net.Listen("tcp", "127.0.0.1:0")
		addr := ln.Addr().String()
		ln.Close()
		host, port, _ := net.SplitHostPort(addr)
		pn, _ := strconv.Atoi(port)

		err := tr.Send(context.Background(), &store.SMTPProvider{Host: host, Port: pn, FromAddress: "a@example.com"}, "", Message{To: "b@example.com"})
		if err == nil {
			t.Fatal("expected dial error")
		}
	})
}

func TestNopTransport(t *testing.T) {
	if err := (NopTransport{}).Send(context.Background(), &store.SMTPProvider{}, "", Message{}); err != nil {
		t.Errorf("NopTransport.Send: %v", err)
	}
}
