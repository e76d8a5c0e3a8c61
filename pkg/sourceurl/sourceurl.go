// Package sourceurl validates upstream camera URLs before they reach the
// encoder command line.
package sourceurl

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"unicode"
)

// schemes accepted as feed sources. Bare paths are rejected: ffmpeg would
// silently fall back to reading local files.
var schemes = map[string]struct{}{
	"rtsp":  {},
	"rtsps": {},
	"rtmp":  {},
	"http":  {},
	"https": {},
	"udp":   {},
	"srt":   {},
}

// Validate parses raw and checks scheme, host and port.
func Validate(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("unable to parse URL: %w", err)
	}
	if u.Scheme == "" {
		return errors.New("missing protocol")
	}
	if _, ok := schemes[strings.ToLower(u.Scheme)]; !ok {
		return fmt.Errorf("unsupported protocol %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("missing host")
	}
	if err := ValidateHost(host); err != nil {
		return err
	}
	if p := u.Port(); p != "" && !isPort(p) {
		return fmt.Errorf("bad port: '%s'", p)
	}
	return nil
}

// IsRTSP reports whether raw uses an RTSP scheme.
func IsRTSP(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	s := strings.ToLower(u.Scheme)
	return s == "rtsp" || s == "rtsps"
}

// ValidateHost accepts dotted-quad IPv4, IPv6 literals and RFC 1123 hostnames.
func ValidateHost(raw string) error {
	switch {
	case looksLikeIPv4(raw):
		if ip := net.ParseIP(raw); ip == nil || ip.To4() == nil {
			return fmt.Errorf("bad IP: '%s'", raw)
		}
	case strings.Contains(raw, ":"):
		if ip := net.ParseIP(raw); ip == nil || ip.To4() != nil {
			return fmt.Errorf("bad IPv6: '%s'", raw)
		}
	default:
		if !validHostname(raw) {
			return fmt.Errorf("bad hostname: '%s'", raw)
		}
	}
	return nil
}

func looksLikeIPv4(raw string) bool {
	parts := strings.Split(raw, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for _, r := range p {
			if !unicode.IsDigit(r) {
				return false
			}
		}
	}
	return true
}

func validHostname(raw string) bool {
	if len(raw) > 253 {
		return false
	}
	for _, label := range strings.Split(raw, ".") {
		if len(label) < 1 || len(label) > 63 {
			return false
		}
		for i, r := range label {
			if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-') {
				return false
			}
			if (i == 0 || i == len(label)-1) && r == '-' {
				return false
			}
		}
	}
	return true
}

func isPort(s string) bool {
	if len(s) == 0 || len(s) > 5 {
		return false
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
		n = n*10 + int(r-'0')
	}
	return n >= 1 && n <= 65535
}
