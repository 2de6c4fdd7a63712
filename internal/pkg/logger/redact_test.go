package logger

import "testing"

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"john.doe@example.com", "jo***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"a@example.com", "***@example.com"},
		{"not-an-email", "***@***"},
		{"", "***@***"},
	}
	for _, tt := range tests {
		if got := RedactEmail(tt.email); got != tt.want {
			t.Errorf("RedactEmail(%q) = %q, want %q", tt.email, got, tt.want)
		}
	}
}

func TestMaskIP(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"203.0.113.9", "203.0.113.0"},
		{"203.0.113.9:51234", "203.0.113.0"},
		{"2001:db8:abcd:1234::1", "2001:db8:abcd::"},
		{"[2001:db8:abcd:1234::1]:443", "2001:db8:abcd::"},
		{"localhost", "***"},
		{"", "***"},
	}
	for _, tt := range tests {
		if got := MaskIP(tt.addr); got != tt.want {
			t.Errorf("MaskIP(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}
