package ratelimit

import (
	"errors"
	"net"
	"strings"
)

// ErrInvalidKey indicates a fingerprint or account id the engine refuses
// to count under. Callers must treat it as a denial.
var ErrInvalidKey = errors.New("rate limit: invalid key")

// maxUserAgentLen bounds the user-agent portion of a fingerprint so
// attacker-supplied headers cannot bloat the key space.
const maxUserAgentLen = 64

// ClientIP picks the client address for fingerprinting: the first entry
// of a trusted X-Forwarded-For header when present, else the direct peer.
func ClientIP(remoteAddr, forwardedFor string) string {
	if forwarded := strings.TrimSpace(forwardedFor); forwarded != "" {
		first := forwarded
		if idx := strings.IndexByte(forwarded, ','); idx >= 0 {
			first = forwarded[:idx]
		}
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	host, _, errSplit := net.SplitHostPort(strings.TrimSpace(remoteAddr))
	if errSplit == nil {
		return host
	}
	return strings.TrimSpace(remoteAddr)
}

// Fingerprint derives the anonymous caller identity from the client IP
// and a truncated user-agent. It is used only for abuse limiting, never
// for quota attribution.
func Fingerprint(clientIP, userAgent string) (string, error) {
	ip := strings.TrimSpace(clientIP)
	if ip == "" {
		return "", ErrInvalidKey
	}
	ua := strings.TrimSpace(userAgent)
	if len(ua) > maxUserAgentLen {
		ua = ua[:maxUserAgentLen]
	}
	return ip + "|" + ua, nil
}

// Key builds the window-store key for a fingerprint on a route.
func Key(fingerprint, route string) string {
	return fingerprint + "|" + route
}
