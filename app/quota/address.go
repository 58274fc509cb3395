package quota

import (
	"net"
	"strings"
)

// ClientAddress derives the guest key: the first entry of a comma-separated
// forwarded-for list, trimmed. Without one it falls back to the host part of
// the peer address.
func ClientAddress(forwardedFor, remoteAddr string) string {
	if forwardedFor != "" {
		first, _, _ := strings.Cut(forwardedFor, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	remoteAddr = strings.TrimSpace(remoteAddr)
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil && host != "" {
		return host
	}
	if remoteAddr != "" {
		return remoteAddr
	}
	return "unknown"
}
