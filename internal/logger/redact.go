package logger

import (
	"net/url"
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// sensitiveQueryKeys are query parameters masked by RedactURL
var sensitiveQueryKeys = []string{"password", "passwd", "secret", "token", "key", "auth"}

// userinfoPattern catches credentials in strings that fail to parse as URLs
var userinfoPattern = regexp.MustCompile(`(?i)([a-z][a-z0-9+.-]*://[^:/@\s]*:)([^@\s]+)(@)`)

// RedactURL masks passwords in connection strings (redis, mqtt, shoutrrr smtp
// URLs) so they can be logged safely.
func RedactURL(raw string) string {
	if raw == "" {
		return raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return userinfoPattern.ReplaceAllString(raw, "${1}"+redacted+"${3}")
	}

	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), redacted)
		}
	}

	if u.RawQuery != "" {
		q := u.Query()
		for name := range q {
			lower := strings.ToLower(name)
			for _, key := range sensitiveQueryKeys {
				if strings.Contains(lower, key) {
					q.Set(name, redacted)
					break
				}
			}
		}
		u.RawQuery = q.Encode()
	}

	// url.String escapes the brackets; put them back for readability
	return strings.ReplaceAll(u.String(), "%5BREDACTED%5D", redacted)
}
