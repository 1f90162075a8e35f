package ssrf

import "testing"

func TestIsPrivateAddress(t *testing.T) {
	tests := []struct {
		address string
		want    bool
	}{
		{"10.0.0.1", true},
		{"10.255.255.255", true},
		{"127.0.0.1", true},
		{"169.254.169.254", true},
		{"172.16.0.1", true},
		{"172.31.255.1", true},
		{"172.32.0.1", false},
		{"192.168.1.1", true},
		{"0.0.0.0", true},
		{"100.64.0.1", true},
		{"::1", true},
		{"[::1]", true},
		{"fc00::1", true},
		{"fd12:3456::1", true},
		{"fe80::1", true},
		{"::ffff:192.168.1.1", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"2001:4860:4860::8888", false},
		{"example.com", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsPrivateAddress(tt.address); got != tt.want {
			t.Errorf("IsPrivateAddress(%q) = %v, want %v", tt.address, got, tt.want)
		}
	}
}

func TestIsBlockedHostname(t *testing.T) {
	tests := []struct {
		hostname string
		want     bool
	}{
		{"localhost", true},
		{"LOCALHOST", true},
		{"localhost.", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"metadata.google.internal", true},
		{"foo.localhost", true},
		{"printer.local", true},
		{"db.prod.internal", true},
		{"example.com", false},
		{"internal.example.com", false},
	}
	for _, tt := range tests {
		if got := IsBlockedHostname(tt.hostname); got != tt.want {
			t.Errorf("IsBlockedHostname(%q) = %v, want %v", tt.hostname, got, tt.want)
		}
	}
}

func TestValidatePublicHostname_BlocksBeforeResolving(t *testing.T) {
	// These must fail without any DNS lookup.
	for _, hostname := range []string{"localhost", "127.0.0.1", "10.1.2.3", "[::1]", "169.254.169.254"} {
		err := ValidatePublicHostname(hostname)
		if err == nil {
			t.Errorf("ValidatePublicHostname(%q) = nil, want blocked", hostname)
			continue
		}
		if !IsBlocked(err) {
			t.Errorf("ValidatePublicHostname(%q) error %v, want BlockedError", hostname, err)
		}
	}
}

func TestValidatePublicHostname_AllowsPublicLiterals(t *testing.T) {
	if err := ValidatePublicHostname("8.8.8.8"); err != nil {
		t.Errorf("ValidatePublicHostname(8.8.8.8) = %v, want nil", err)
	}
}
