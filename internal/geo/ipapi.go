package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// IPAPILocator queries an ip-api.com compatible JSON endpoint.
type IPAPILocator struct {
	baseURL string
	client  *http.Client
}

// NewIPAPILocator returns a locator for baseURL (e.g. http://ip-api.com/json/) with the given timeout.
func NewIPAPILocator(baseURL string, timeout time.Duration) *IPAPILocator {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &IPAPILocator{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

type ipAPIResponse struct {
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	City    string  `json:"city"`
	Country string  `json:"country"`
}

// Locate implements Locator. A "fail" status from the service yields (nil, nil).
func (l *IPAPILocator) Locate(ctx context.Context, ip string) (*Location, error) {
	u := l.baseURL + url.PathEscape(ip) + "?fields=status,message,lat,lon,city,country"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ip lookup: unexpected status %d", resp.StatusCode)
	}

	var body ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("ip lookup: decode: %w", err)
	}
	if body.Status != "success" {
		return nil, nil
	}
	return &Location{Latitude: body.Lat, Longitude: body.Lon, City: body.City, Country: body.Country}, nil
}
