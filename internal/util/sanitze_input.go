package util

import (
	"net"
	"strings"
)

// NormalizeEmail lower-cases and trims an email address so uniqueness checks
// and brute-force keys are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeUsername trims surrounding whitespace. Usernames stay case-sensitive.
func NormalizeUsername(username string) string {
	return strings.TrimSpace(username)
}

// LooksLikeEmail is a cheap structural check; deliverability is not our concern.
func LooksLikeEmail(s string) bool {
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return false
	}
	return strings.Contains(s[at+1:], ".") && !strings.ContainsAny(s, " \t\r\n")
}

// NormalizeIP strips a port and canonicalises the address. Unparseable input
// is returned trimmed so it still works as an opaque key.
func NormalizeIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if ip := net.ParseIP(addr); ip != nil {
		return ip.String()
	}
	return addr
}

// ContainsSuspicious flags markup and template metacharacters in identity fields.
func ContainsSuspicious(s string) bool {
	badChars := []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"}
	lower := strings.ToLower(s)
	for _, c := range badChars {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}
