package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

const redactedValue = "[REDACTED]"

// Run input, CSV rows and items can carry customer data.
var redactedKeys = []string{
	"authorization",
	"csv_content",
	"database_url",
	"dsn",
	"input",
	"item",
	"row",
}

var redactedKeyParts = []string{"secret", "token", "password", "apikey", "api_key"}

// scrub is a slog ReplaceAttr hook. Sensitive keys lose their value; any
// other string that parses as a URL with a password keeps everything but
// the password, which catches connection strings inside error messages.
func scrub(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		return a
	}
	if sensitiveKey(a.Key) {
		return slog.String(a.Key, redactedValue)
	}
	if a.Value.Kind() == slog.KindString {
		if s, ok := maskURLPasswords(a.Value.String()); ok {
			return slog.String(a.Key, s)
		}
	}
	return a
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range redactedKeys {
		if lower == k {
			return true
		}
	}
	for _, part := range redactedKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// maskURLPasswords rewrites every whitespace separated word of s that is a
// URL carrying a password. It reports whether anything changed.
func maskURLPasswords(s string) (string, bool) {
	if !strings.Contains(s, "://") {
		return s, false
	}
	words := strings.Fields(s)
	changed := false
	for i, w := range words {
		trimmed := strings.Trim(w, `"'(),;`)
		u, err := url.Parse(trimmed)
		if err != nil || u.User == nil {
			continue
		}
		if _, ok := u.User.Password(); !ok {
			continue
		}
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
		words[i] = strings.Replace(w, trimmed, u.String(), 1)
		changed = true
	}
	if !changed {
		return s, false
	}
	return strings.Join(words, " "), true
}
