// Package geocode resolves free-text addresses to coordinates through an
// external provider. The provider is consumed, never implemented here:
// any failure is reported as "no result" so callers can degrade by
// dropping the waypoint instead of surfacing an error.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Geocoder resolves an address to a longitude/latitude pair. ok is false
// whenever the address could not be resolved, for any reason.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (lng, lat float64, ok bool)
}

// HTTPGeocoder queries a Nominatim-style search endpoint.
type HTTPGeocoder struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewHTTPGeocoder(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPGeocoder {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &HTTPGeocoder{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type nominatimResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

func (g *HTTPGeocoder) Geocode(ctx context.Context, address string) (float64, float64, bool) {
	q := url.Values{}
	q.Set("format", "json")
	q.Set("limit", "1")
	q.Set("q", address)
	reqURL := fmt.Sprintf("%s/search?%s", g.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, 0, false
	}
	resp, err := g.client.Do(req)
	if err != nil {
		g.debug("geocode request failed", address, err)
		return 0, 0, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		g.debug("geocode non-200", address, fmt.Errorf("status %d", resp.StatusCode))
		return 0, 0, false
	}

	var results []nominatimResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		g.debug("geocode decode failed", address, err)
		return 0, 0, false
	}
	if len(results) == 0 {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(results[0].Lat, 64)
	lng, err2 := strconv.ParseFloat(results[0].Lon, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lng, lat, true
}

func (g *HTTPGeocoder) debug(msg, address string, err error) {
	if g.logger != nil {
		g.logger.Debug(msg, slog.String("address", address), slog.String("error", err.Error()))
	}
}

// Static is a fixture Geocoder mapping addresses to [lng, lat] pairs.
type Static map[string][2]float64

func (s Static) Geocode(_ context.Context, address string) (float64, float64, bool) {
	c, ok := s[address]
	if !ok {
		return 0, 0, false
	}
	return c[0], c[1], true
}
