// Package codec holds the small text helpers shared by the subscription
// decoders: lenient base64, host:port splitting and snippet trimming.
package codec

import (
	"encoding/base64"
	"errors"
	"net"
	"strconv"
	"strings"
)

// DecodeBase64 tries the standard alphabet (padded) first, then URL-safe,
// then both raw variants.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// DecodeBase64Blob decodes a whole-body blob after removing all whitespace.
func DecodeBase64Blob(s string) ([]byte, error) {
	return DecodeBase64(RemoveSpace(s))
}

// LooksBase64 reports whether s consists only of base64 alphabet characters
// (either alphabet), padding and whitespace.
func LooksBase64(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '+', c == '/', c == '-', c == '_', c == '=':
		case c == ' ', c == '\t', c == '\r', c == '\n':
		default:
			return false
		}
	}
	return true
}

func RemoveSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// SplitHostPort splits "host:port" / "[v6]:port" and range-checks the port.
func SplitHostPort(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return "", 0, err
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "", 0, errors.New("empty host")
	}
	port, err := ParsePort(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func ParsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if p < 1 || p > 65535 {
		return 0, errors.New("port out of range")
	}
	return p, nil
}

func StripBOM(s string) string {
	return strings.TrimPrefix(s, "\uFEFF")
}

// Snippet flattens s onto one line and cuts it to at most max bytes.
func Snippet(s string, max int) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// HasControl reports whether s carries CR, LF or NUL.
func HasControl(s string) bool {
	return strings.ContainsAny(s, "\r\n\x00")
}
