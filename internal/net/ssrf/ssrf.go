// Package ssrf validates hostnames and IP addresses before network-egress
// tools dial out, blocking private, loopback, and link-local destinations.
package ssrf

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// BlockedError is returned when a destination is rejected by the egress
// policy.
type BlockedError struct {
	Message string
}

// Error implements the error interface.
func (e *BlockedError) Error() string { return e.Message }

// NewBlockedError creates a BlockedError.
func NewBlockedError(message string) *BlockedError {
	return &BlockedError{Message: message}
}

// IsBlocked reports whether the error chain carries a BlockedError.
func IsBlocked(err error) bool {
	var be *BlockedError
	return errors.As(err, &be)
}

// blockedPrefixes enumerates the rejected address ranges: RFC 1918 private
// space, loopback, link-local, the zero network, carrier-grade NAT, and
// their IPv6 counterparts.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// blockedHostnames are rejected regardless of what they resolve to.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"0.0.0.0":                  true,
	"::1":                      true,
	"metadata.google.internal": true,
}

// blockedSuffixes mark hostnames that name internal resources.
var blockedSuffixes = []string{".localhost", ".local", ".internal"}

func normalizeHostname(hostname string) string {
	normalized := strings.ToLower(strings.TrimSpace(hostname))
	normalized = strings.TrimSuffix(normalized, ".")
	if strings.HasPrefix(normalized, "[") && strings.HasSuffix(normalized, "]") {
		normalized = normalized[1 : len(normalized)-1]
	}
	return normalized
}

// IsPrivateAddress reports whether an IP literal falls in a blocked range.
// IPv4-mapped IPv6 addresses are unwrapped before checking.
func IsPrivateAddress(address string) bool {
	addr, err := netip.ParseAddr(normalizeHostname(address))
	if err != nil {
		return false
	}
	return isPrivateAddr(addr)
}

func isPrivateAddr(addr netip.Addr) bool {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	for _, prefix := range blockedPrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// IsBlockedHostname reports whether a hostname is rejected by name alone.
func IsBlockedHostname(hostname string) bool {
	normalized := normalizeHostname(hostname)
	if normalized == "" {
		return false
	}
	if blockedHostnames[normalized] {
		return true
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(normalized, suffix) {
			return true
		}
	}
	return false
}

// ValidatePublicHostname rejects a hostname that is blocked by name, is a
// private IP literal, or resolves only to private addresses. It runs before
// any connection is dialled.
func ValidatePublicHostname(hostname string) error {
	normalized := normalizeHostname(hostname)
	if normalized == "" {
		return errors.New("invalid hostname: empty after normalization")
	}
	if IsBlockedHostname(normalized) {
		return NewBlockedError(fmt.Sprintf("blocked hostname: %s", hostname))
	}
	if addr, err := netip.ParseAddr(normalized); err == nil {
		if isPrivateAddr(addr) {
			return NewBlockedError(fmt.Sprintf("blocked: private address %s", hostname))
		}
		return nil
	}

	ips, err := net.LookupIP(normalized)
	if err != nil {
		return fmt.Errorf("unable to resolve hostname %s: %w", hostname, err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("unable to resolve hostname %s", hostname)
	}
	for _, ip := range ips {
		if addr, ok := netip.AddrFromSlice(ip); ok && isPrivateAddr(addr) {
			return NewBlockedError(fmt.Sprintf("blocked: %s resolves to a private address", hostname))
		}
	}
	return nil
}
