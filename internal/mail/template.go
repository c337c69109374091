// template.go
//
// Verification code email body. Placeholders use the %%key%% form; anything left
// unresolved is stripped rather than shown to the recipient.
package mail

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// codeEmailTemplate is the plain-text body of every verification code email.
const codeEmailTemplate = "Hello %%username%%,\n\n" +
	"You are registering a new account. Enter the code below within %%expiresIn%% to continue.\n\n" +
	"Verification code: %%code%%\n\n" +
	"If you did not request this, you can ignore this email.\n" +
	"Request ID: %%requestId%%"

// CodeEmail holds the values rendered into a verification code email.
type CodeEmail struct {
	Username  string
	Code      string // empty renders as "******"
	RequestID string
	TTL       time.Duration
}

// RenderCodeEmail returns the body for a verification code email.
func RenderCodeEmail(e CodeEmail) string {
	code := e.Code
	if code == "" {
		code = "******"
	}
	return applyVars(codeEmailTemplate, map[string]string{
		"username":  e.Username,
		"code":      code,
		"requestId": e.RequestID,
		"expiresIn": formatDuration(e.TTL),
	})
}

// unresolvedPlaceholder matches any %%word%% placeholder left after substitution.
var unresolvedPlaceholder = regexp.MustCompile(`%%\w+%%`)

// applyVars substitutes %%key%% placeholders in tmpl using vars, then strips any
// that remain unresolved rather than leaving them in the output.
func applyVars(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for key, value := range vars {
		pairs = append(pairs, "%%"+key+"%%", value)
	}
	substituted := strings.NewReplacer(pairs...).Replace(tmpl)
	return unresolvedPlaceholder.ReplaceAllString(substituted, "")
}

// formatDuration renders a duration as a human-readable expiry string.
// e.g. time.Hour → "1 hour", 5*time.Minute → "5 minutes", 30*time.Second → "30 seconds".
func formatDuration(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		return plural(int(d.Hours()/24), "day")
	case d >= time.Hour:
		return plural(int(d.Hours()), "hour")
	case d >= time.Minute:
		return plural(int(d.Minutes()), "minute")
	default:
		return plural(int(d.Seconds()), "second")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
