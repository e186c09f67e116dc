package types

import (
	"net"
	"net/url"
	"strings"
)

// StripHostPort removes the port from a host string, handling IPv6 brackets.
func StripHostPort(host string) string {
	if host == "" {
		return host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	}
	return host
}

// OriginHost extracts the hostname from an origin URL string.
func OriginHost(origin string) string {
	parsed, err := url.Parse(origin)
	if err == nil && parsed.Host != "" {
		return StripHostPort(parsed.Host)
	}
	return StripHostPort(origin)
}

// OriginAllowed reports whether origin matches one of the allow-list
// entries. Entries may be "*", an exact origin, a bare host, or a
// "*.example.com" suffix wildcard.
func OriginAllowed(origin string, allowed []string) bool {
	originHost := OriginHost(origin)
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			return true
		}
		if strings.EqualFold(entry, origin) {
			return true
		}
		if strings.HasPrefix(entry, "*.") {
			suffix := strings.TrimPrefix(entry, "*.")
			if originHost != "" && (originHost == suffix || strings.HasSuffix(originHost, "."+suffix)) {
				return true
			}
		}
		entryHost := OriginHost(entry)
		if entryHost != "" && originHost != "" && strings.EqualFold(entryHost, originHost) {
			return true
		}
	}
	return false
}
