// policy.go
//
// Allow/deny/disposable gate for candidate email addresses.
// Every rejection carries the same message so callers cannot tell which rule matched.
package domainpolicy

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/afero"
)

// ErrUnsupportedEmail is the single error Validate returns for any rejected address.
var ErrUnsupportedEmail = errors.New("unsupported email")

// domainSet is a lowercase lookup set of domains.
type domainSet map[string]bool

func newDomainSet(domains []string) domainSet {
	s := make(domainSet, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			s[d] = true
		}
	}
	return s
}

// Policy validates email domains. Immutable after construction; safe for concurrent use.
type Policy struct {
	enabled    bool
	allow      domainSet
	deny       domainSet
	disposable domainSet
}

// Config lists the configured domains. Entries are matched case-insensitively.
type Config struct {
	Enabled    bool
	Allowlist  []string
	Denylist   []string
	Disposable []string
}

// New builds a Policy from cfg.
func New(cfg Config) *Policy {
	return &Policy{
		enabled:    cfg.Enabled,
		allow:      newDomainSet(cfg.Allowlist),
		deny:       newDomainSet(cfg.Denylist),
		disposable: newDomainSet(cfg.Disposable),
	}
}

// Validate rejects malformed addresses always, and denylisted, non-allowlisted or
// disposable domains when the policy is enabled.
func (p *Policy) Validate(email string) error {
	domain, ok := Domain(email)
	if !ok {
		return ErrUnsupportedEmail
	}
	if !p.enabled {
		return nil
	}
	if p.deny[domain] {
		return ErrUnsupportedEmail
	}
	if len(p.allow) > 0 {
		if !p.allow[domain] {
			return ErrUnsupportedEmail
		}
		return nil
	}
	if p.disposable[domain] {
		return ErrUnsupportedEmail
	}
	return nil
}

// Domain returns the lowercased part after the last '@'.
// ok is false when there is no '@', no local part, or no usable domain.
func Domain(email string) (string, bool) {
	email = strings.TrimSpace(email)
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", false
	}
	domain := strings.ToLower(email[at+1:])
	if strings.ContainsAny(domain, " \t@") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", false
	}
	return domain, true
}

// LoadDisposable reads a line-delimited domain list from path on fsys.
// Blank lines and lines starting with '#' are skipped.
// A missing or unreadable file is logged and yields an empty list; it never fails startup.
func LoadDisposable(fsys afero.Fs, path string) []string {
	if path == "" {
		return nil
	}
	domains, err := readDomainList(fsys, path)
	if err != nil {
		slog.Warn("disposable domain list not loaded", "path", path, "error", err)
		return nil
	}
	slog.Info("disposable domain list loaded", "path", path, "count", len(domains))
	return domains
}

func readDomainList(fsys afero.Fs, path string) ([]string, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, strings.ToLower(line))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return out, nil
}
