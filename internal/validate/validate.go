// Package validate holds the input checks shared by configuration, the CLI
// and the relay.
package validate

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// IdentRe matches valid identifiers used for agent ids and instance names.
// Must start with alphanumeric, followed by alphanumeric, dots, hyphens, or underscores.
var IdentRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// MaxIdentLen is the maximum length for identifiers.
const MaxIdentLen = 128

// Ident validates a string as a valid identifier.
func Ident(s string) bool {
	return len(s) > 0 && len(s) <= MaxIdentLen && IdentRe.MatchString(s)
}

// HTTPURL ensures the URL uses http or https scheme and has a non-empty host.
func HTTPURL(rawURL string) error {
	return schemeURL(rawURL, "http/https", "http", "https")
}

// WebSocketURL ensures the URL uses ws or wss scheme and has a non-empty host.
func WebSocketURL(rawURL string) error {
	return schemeURL(rawURL, "ws/wss", "ws", "wss")
}

func schemeURL(rawURL, label string, schemes ...string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" {
		return fmt.Errorf("URL missing scheme: %s", rawURL)
	}
	allowed := false
	for _, s := range schemes {
		if u.Scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("URL scheme %q not allowed (only %s)", u.Scheme, label)
	}
	if u.Host == "" {
		return fmt.Errorf("URL missing host: %s", rawURL)
	}
	return nil
}

// IsLoopbackURL reports whether the URL's host is "localhost" or a loopback
// IP literal.
func IsLoopbackURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// IsPrivateURL reports whether the URL's host is a private or internal
// address (loopback, link-local, RFC-1918, or "localhost").
//
// It only inspects literal IP addresses and the "localhost" hostname;
// names that resolve to private ranges are reported as public.
func IsPrivateURL(rawURL string) bool {
	if IsLoopbackURL(rawURL) {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	ip := net.ParseIP(u.Hostname())
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
