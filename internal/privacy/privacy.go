// Package privacy scrubs personal and infrastructure details from messages
// before they leave the process, for example in error reports.
package privacy

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// URLs of the services birdhub talks to
	urlPattern = regexp.MustCompile(`\b(?:https?|wss?|redis|rediss|mqtt|mqtts|tcp|ssl|smtp|smtps)://\S+`)

	// go-sql-driver style DSNs, user:password@tcp(host:port)/db
	dsnPattern = regexp.MustCompile(`\S+:\S*@(?:tcp|unix)\([^)]*\)/\S*`)

	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

	ipv4Pattern = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
)

// ScrubMessage replaces URLs, database DSNs and email addresses with stable
// anonymized tokens. Equal inputs give equal tokens so reports still group.
func ScrubMessage(message string) string {
	message = dsnPattern.ReplaceAllStringFunc(message, func(string) string { return "dsn-redacted" })
	message = urlPattern.ReplaceAllStringFunc(message, AnonymizeURL)
	return emailPattern.ReplaceAllStringFunc(message, anonymizeEmail)
}

// AnonymizeURL converts a URL to an anonymized form while preserving debugging value.
// Credentials, hostnames and path segments are dropped; the scheme, host class,
// port and path shape feed a short hash.
func AnonymizeURL(rawURL string) string {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		hash := sha256.Sum256([]byte(rawURL))
		return fmt.Sprintf("url-hash-%x", hash[:8])
	}

	var normalizedParts []string
	if parsedURL.Scheme != "" {
		normalizedParts = append(normalizedParts, parsedURL.Scheme)
	}
	if host := parsedURL.Hostname(); host != "" {
		normalizedParts = append(normalizedParts, categorizeHost(host))
	}
	if parsedURL.Port() != "" {
		normalizedParts = append(normalizedParts, "port-"+parsedURL.Port())
	}
	if parsedURL.Path != "" && parsedURL.Path != "/" {
		normalizedParts = append(normalizedParts, anonymizePath(parsedURL.Path))
	}

	hash := sha256.Sum256([]byte(strings.Join(normalizedParts, ":")))
	return fmt.Sprintf("%s://url-%x", parsedURL.Scheme, hash[:12])
}

// anonymizeEmail keeps only the top level domain of an address
func anonymizeEmail(addr string) string {
	hash := sha256.Sum256([]byte(strings.ToLower(addr)))
	tld := addr[strings.LastIndex(addr, ".")+1:]
	return fmt.Sprintf("email-%x.%s", hash[:4], strings.ToLower(tld))
}

// categorizeHost anonymizes hostnames while preserving useful categorization
func categorizeHost(host string) string {
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return "localhost"
	}
	if isPrivateIP(host) {
		return "private-ip"
	}
	if isIPAddress(host) {
		return "public-ip"
	}

	// For domain names, preserve TLD only
	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		return "domain-" + parts[len(parts)-1]
	}
	return "unknown-host"
}

// anonymizePath creates a structure-preserving but privacy-safe path representation
func anonymizePath(path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return "root"
	}

	var anonymizedSegments []string
	for segment := range strings.SplitSeq(path, "/") {
		switch {
		case segment == "":
			continue
		case isNumeric(segment):
			anonymizedSegments = append(anonymizedSegments, "numeric")
		default:
			hash := sha256.Sum256([]byte(segment))
			anonymizedSegments = append(anonymizedSegments, fmt.Sprintf("seg-%x", hash[:4]))
		}
	}
	return strings.Join(anonymizedSegments, "/")
}

// isPrivateIP checks if the host is a private IP address (both IPv4 and IPv6)
func isPrivateIP(host string) bool {
	privateRanges := []string{
		"10.", "172.16.", "172.17.", "172.18.", "172.19.", "172.20.", "172.21.", "172.22.", "172.23.",
		"172.24.", "172.25.", "172.26.", "172.27.", "172.28.", "172.29.", "172.30.", "172.31.",
		"192.168.", "169.254.",
		"fc00:", "fd00:", "fe80:",
	}

	host = strings.ToLower(host)
	for _, prefix := range privateRanges {
		if strings.HasPrefix(host, prefix) {
			return true
		}
	}
	return false
}

// isIPAddress checks if the host looks like an IP address
func isIPAddress(host string) bool {
	if ipv4Pattern.MatchString(host) {
		return true
	}
	return strings.Contains(host, ":")
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
