// Package device classifies browser User-Agent strings for the session device list.
//
// Parsing is best effort: plain substring matching, no guarantee of accuracy.
package device

import "strings"

// Fallback labels when nothing matches.
const (
	UnknownDevice  = "Unknown Device"
	UnknownOS      = "Unknown OS"
	UnknownBrowser = "Unknown Browser"
)

// Device types.
const (
	TypeMobile  = "mobile"
	TypeTablet  = "tablet"
	TypeDesktop = "desktop"
)

// Info is what the session layer stores about a device.
type Info struct {
	Type     string `json:"device_type"`
	Name     string `json:"device_name"`
	Platform string `json:"platform"`
	Browser  string `json:"browser"`
}

// Classifier turns a User-Agent into Info. Swappable so tests can stub it.
type Classifier interface {
	Classify(userAgent string) Info
}

// UserAgentClassifier is the default substring-matching Classifier.
type UserAgentClassifier struct{}

// match pairs a needle with the label it implies. Order matters: first hit wins.
type match struct {
	needle string
	label  string
}

// Tablets before mobile: iPad and Android tablets also carry "Mobile" in some builds.
var tabletNeedles = []string{"ipad", "tablet", "kindle", "silk/", "playbook"}

var mobileNeedles = []string{"mobile", "iphone", "ipod", "android", "blackberry", "opera mini", "windows phone"}

// iOS before macOS: iPhone UAs contain "like Mac OS X".
var platforms = []match{
	{"iphone", "iOS"},
	{"ipad", "iOS"},
	{"ipod", "iOS"},
	{"android", "Android"},
	{"windows", "Windows"},
	{"mac os x", "macOS"},
	{"macintosh", "macOS"},
	{"cros", "ChromeOS"},
	{"linux", "Linux"},
}

// Edge and Opera before Chrome, Chrome before Safari: their UAs embed the later tokens.
var browsers = []match{
	{"edg/", "Edge"},
	{"edge/", "Edge"},
	{"opr/", "Opera"},
	{"firefox/", "Firefox"},
	{"fxios/", "Firefox"},
	{"chrome/", "Chrome"},
	{"crios/", "Chrome"},
	{"safari/", "Safari"},
}

// Classify implements Classifier.
func (UserAgentClassifier) Classify(userAgent string) Info {
	ua := strings.ToLower(userAgent)
	info := Info{
		Type:     UnknownDevice,
		Name:     UnknownDevice,
		Platform: firstMatch(ua, platforms, UnknownOS),
		Browser:  firstMatch(ua, browsers, UnknownBrowser),
	}
	if ua == "" {
		return info
	}

	switch {
	case containsAny(ua, tabletNeedles), strings.Contains(ua, "android") && !strings.Contains(ua, "mobile"):
		info.Type = TypeTablet
	case containsAny(ua, mobileNeedles):
		info.Type = TypeMobile
	case info.Platform != UnknownOS:
		info.Type = TypeDesktop
	}

	info.Name = deviceName(info)
	return info
}

// deviceName builds a display label such as "Chrome on Windows".
func deviceName(info Info) string {
	switch {
	case info.Browser != UnknownBrowser && info.Platform != UnknownOS:
		return info.Browser + " on " + info.Platform
	case info.Platform != UnknownOS:
		return info.Platform + " " + info.Type
	case info.Browser != UnknownBrowser:
		return info.Browser
	}
	return UnknownDevice
}

func firstMatch(ua string, table []match, fallback string) string {
	for _, m := range table {
		if strings.Contains(ua, m.needle) {
			return m.label
		}
	}
	return fallback
}

func containsAny(ua string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(ua, n) {
			return true
		}
	}
	return false
}
