package tracking

import "testing"

func TestParseUserAgent(t *testing.T) {
	tests := []struct {
		name        string
		ua          string
		wantType    string
		wantOS      string
		wantBrowser string
	}{
		{
			name:        "windows chrome desktop",
			ua:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			wantType:    "desktop",
			wantOS:      "Windows",
			wantBrowser: "Chrome",
		},
		{
			name:        "iphone safari mobile",
			ua:          "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
			wantType:    "mobile",
			wantOS:      "iOS",
			wantBrowser: "Safari",
		},
		{
			name:        "ipad is tablet",
			ua:          "Mozilla/5.0 (iPad; CPU OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1",
			wantType:    "tablet",
			wantOS:      "iOS",
			wantBrowser: "Safari",
		},
		{
			name:        "android phone chrome",
			ua:          "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
			wantType:    "mobile",
			wantOS:      "Android",
			wantBrowser: "Chrome",
		},
		{
			name:        "android tablet has no mobile token",
			ua:          "Mozilla/5.0 (Linux; Android 13; SM-X700) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
			wantType:    "tablet",
			wantOS:      "Android",
			wantBrowser: "Chrome",
		},
		{
			name:        "edge wins over chrome",
			ua:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.2210.91",
			wantType:    "desktop",
			wantOS:      "Windows",
			wantBrowser: "Edge",
		},
		{
			name:        "macos firefox",
			ua:          "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0",
			wantType:    "desktop",
			wantOS:      "macOS",
			wantBrowser: "Firefox",
		},
		{
			name:        "garbage yields unknowns",
			ua:          "definitely-not-a-browser/1.0",
			wantType:    "desktop",
			wantOS:      "Unknown",
			wantBrowser: "Unknown",
		},
		{
			name:        "empty string",
			ua:          "",
			wantType:    "desktop",
			wantOS:      "Unknown",
			wantBrowser: "Unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := ParseUserAgent(tt.ua)
			if dev.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", dev.Type, tt.wantType)
			}
			if dev.OS != tt.wantOS {
				t.Errorf("OS = %q, want %q", dev.OS, tt.wantOS)
			}
			if dev.Browser != tt.wantBrowser {
				t.Errorf("Browser = %q, want %q", dev.Browser, tt.wantBrowser)
			}
		})
	}
}

func TestParseUserAgentVersion(t *testing.T) {
	dev := ParseUserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.71 Safari/537.36")
	if dev.Version != "120.0.6099.71" {
		t.Errorf("Version = %q, want %q", dev.Version, "120.0.6099.71")
	}

	dev = ParseUserAgent("something unversioned")
	if dev.Version != "Unknown" {
		t.Errorf("Version = %q, want Unknown", dev.Version)
	}
}
