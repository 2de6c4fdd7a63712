package tracking

import (
	"regexp"
	"strings"
)

// ParseUserAgent extracts device, OS, and browser info from a raw
// user-agent string. It is a pure function: unrecognized patterns yield
// "Unknown" rather than an error, since mail clients send all kinds of
// garbage.
func ParseUserAgent(userAgent string) Device {
	ua := strings.ToLower(userAgent)

	deviceType := "desktop"
	switch {
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet") ||
		(strings.Contains(ua, "android") && !strings.Contains(ua, "mobile")):
		deviceType = "tablet"
	case strings.Contains(ua, "mobile") || strings.Contains(ua, "android") ||
		strings.Contains(ua, "iphone") || strings.Contains(ua, "ipod") ||
		strings.Contains(ua, "blackberry") || strings.Contains(ua, "opera mini"):
		deviceType = "mobile"
	}

	os := "Unknown"
	switch {
	case strings.Contains(ua, "windows"):
		os = "Windows"
	case strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad"):
		os = "iOS"
	case strings.Contains(ua, "macintosh") || strings.Contains(ua, "mac os"):
		os = "macOS"
	case strings.Contains(ua, "android"):
		os = "Android"
	case strings.Contains(ua, "linux"):
		os = "Linux"
	}

	browser := "Unknown"
	switch {
	case strings.Contains(ua, "edg"):
		browser = "Edge"
	case strings.Contains(ua, "opera") || strings.Contains(ua, "opr/"):
		browser = "Opera"
	case strings.Contains(ua, "chrome") && !strings.Contains(ua, "chromium"):
		browser = "Chrome"
	case strings.Contains(ua, "firefox"):
		browser = "Firefox"
	case strings.Contains(ua, "safari"):
		browser = "Safari"
	}

	return Device{
		Type:    deviceType,
		OS:      os,
		Browser: browser,
		Version: browserVersion(ua, browser),
	}
}

var versionPatterns = map[string]*regexp.Regexp{
	"Chrome":  regexp.MustCompile(`chrome/([0-9.]+)`),
	"Firefox": regexp.MustCompile(`firefox/([0-9.]+)`),
	"Safari":  regexp.MustCompile(`version/([0-9.]+)`),
	"Edge":    regexp.MustCompile(`edg\w*/([0-9.]+)`),
	"Opera":   regexp.MustCompile(`(?:opr|opera)/([0-9.]+)`),
}

func browserVersion(lowerUA, browser string) string {
	re, ok := versionPatterns[browser]
	if !ok {
		return "Unknown"
	}
	if m := re.FindStringSubmatch(lowerUA); m != nil {
		return m[1]
	}
	return "Unknown"
}
