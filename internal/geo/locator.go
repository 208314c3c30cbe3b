// locator.go -- IP geolocation against an ip-api style JSON endpoint.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// LocalMarker is returned as City and Country for loopback and private addresses.
const LocalMarker = "localhost"

// Location is the result of a lookup. Error is set instead of returning a Go error so callers
// can store the degraded result and carry on.
type Location struct {
	City    string `json:"city,omitempty"`
	Region  string `json:"region,omitempty"`
	Country string `json:"country,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK reports whether the lookup produced usable data.
func (l Location) OK() bool {
	return l.Error == "" && (l.City != "" || l.Country != "")
}

// Locator resolves an IP to a Location. Implementations never fail hard.
type Locator interface {
	Locate(ctx context.Context, ip string) Location
}

// HTTPLocator queries baseURL + "/" + ip, expecting ip-api's response shape.
type HTTPLocator struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPLocator returns an HTTPLocator with a 5s outbound timeout.
func NewHTTPLocator(baseURL string) *HTTPLocator {
	return &HTTPLocator{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// IsLocal reports whether ip is loopback, private, link-local or unparseable.
func IsLocal(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return true
	}
	return parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsLinkLocalUnicast() || parsed.IsUnspecified()
}

// Locate implements Locator.
func (l *HTTPLocator) Locate(ctx context.Context, ip string) Location {
	if IsLocal(ip) {
		return Location{City: LocalMarker, Country: LocalMarker}
	}

	endpoint := l.baseURL + "/" + url.PathEscape(ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Location{Error: fmt.Sprintf("geo: building request: %v", err)}
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return Location{Error: fmt.Sprintf("geo: request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Location{Error: fmt.Sprintf("geo: unexpected status %d", resp.StatusCode)}
	}

	var result struct {
		Status     string `json:"status"`
		Message    string `json:"message"`
		City       string `json:"city"`
		RegionName string `json:"regionName"`
		Country    string `json:"country"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Location{Error: fmt.Sprintf("geo: decoding response: %v", err)}
	}
	if result.Status != "" && result.Status != "success" {
		return Location{Error: fmt.Sprintf("geo: lookup rejected: %s", result.Message)}
	}

	return Location{City: result.City, Region: result.RegionName, Country: result.Country}
}

// NopLocator reports every address as unresolved. Used when no endpoint is configured.
type NopLocator struct{}

// Locate implements Locator.
func (NopLocator) Locate(_ context.Context, ip string) Location {
	if IsLocal(ip) {
		return Location{City: LocalMarker, Country: LocalMarker}
	}
	return Location{Error: "geo: lookups disabled"}
}
