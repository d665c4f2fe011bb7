package policy

import (
	"net/url"
	"regexp"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// secretQueryKeys are query parameters that carry signing material.
var secretQueryKeys = []string{"authorization", "signature", "api_key", "apikey", "token"}

// RedactPII masks common high-risk PII patterns in driver text before it is
// persisted.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range []struct {
		pattern *regexp.Regexp
		marker  string
	}{
		{emailPattern, "[REDACTED_EMAIL]"},
		// Cards before phones: long digit runs would otherwise match as phones.
		{cardPattern, "[REDACTED_CARD]"},
		{phonePattern, "[REDACTED_PHONE]"},
	} {
		next := r.pattern.ReplaceAllString(out, r.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// RedactURL hides signing material in a connect URL so it can be logged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[REDACTED_URL]"
	}
	q := u.Query()
	touched := false
	for _, k := range secretQueryKeys {
		if q.Has(k) {
			q.Set(k, "REDACTED")
			touched = true
		}
	}
	if touched {
		u.RawQuery = q.Encode()
	}
	u.User = nil
	return u.String()
}
