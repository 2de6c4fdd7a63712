package logger

import (
	"net"
	"strings"
)

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// MaskIP zeroes the host portion of an IP address. IPv4 loses the last
// octet, IPv6 keeps only the /48 prefix. Non-IP input is masked entirely.
// The same function masks IPs before they are persisted by ingestion.
func MaskIP(addr string) string {
	// Strip a port if present (RemoteAddr is host:port)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return "***"
	}
	if v4 := ip.To4(); v4 != nil {
		return net.IPv4(v4[0], v4[1], v4[2], 0).String()
	}
	masked := ip.Mask(net.CIDRMask(48, 128))
	return masked.String()
}
