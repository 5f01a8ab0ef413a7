// Package geoservice wraps the two external HTTP services the event
// pipeline (C7) consults on a geo-cache miss: a reverse geocoder and a
// static-map tile renderer (spec.md Section 4.7 steps 2a/2b). Both calls
// are bounded by a per-request timeout so a slow upstream never stalls a
// tracker worker's goroutine.
package geoservice

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
)

const (
	defaultGeocodeURL = "https://maps.googleapis.com/maps/api/geocode/json"
	defaultStaticURL  = "https://maps.googleapis.com/maps/api/staticmap"
)

// Client issues reverse-geocode and static-map requests against a
// Google-Maps-compatible HTTP API (spec.md Section 6: "google_api_key").
type Client struct {
	http       *resty.Client
	apiKey     string
	geocodeURL string
	staticURL  string
}

// New creates a Client. It sets no client-level request timeout; a call
// is bounded only by the deadline of the context passed to it (the
// pipeline's bounded-enrichment-step policy).
func New(apiKey string) *Client {
	return &Client{
		http:       resty.New(),
		apiKey:     apiKey,
		geocodeURL: defaultGeocodeURL,
		staticURL:  defaultStaticURL,
	}
}

// WithBaseURLs overrides the geocode/static-map endpoints, for testing
// against a local httptest server.
func (c *Client) WithBaseURLs(geocodeURL, staticURL string) *Client {
	c.geocodeURL = geocodeURL
	c.staticURL = staticURL
	return c
}

// ReverseGeocode resolves (lat, lon) to a formatted street address.
func (c *Client) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	var body struct {
		Status  string `json:"status"`
		Results []struct {
			FormattedAddress string `json:"formatted_address"`
		} `json:"results"`
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"latlng": fmt.Sprintf("%f,%f", lat, lon),
			"key":    c.apiKey,
		}).
		SetResult(&body).
		Get(c.geocodeURL)
	if err != nil {
		return "", fmt.Errorf("geoservice: reverse geocode request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("geoservice: reverse geocode: status %s", resp.Status())
	}
	if body.Status != "OK" || len(body.Results) == 0 {
		return "", fmt.Errorf("geoservice: reverse geocode: no results (status %s)", body.Status)
	}

	return body.Results[0].FormattedAddress, nil
}

// StaticMap fetches a PNG static map centered on (lat, lon) at the given
// zoom and pixel dimensions, returning the raw image bytes.
func (c *Client) StaticMap(ctx context.Context, lat, lon float64, zoom, width, height int) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"center":  fmt.Sprintf("%f,%f", lat, lon),
			"zoom":    fmt.Sprintf("%d", zoom),
			"size":    fmt.Sprintf("%dx%d", width, height),
			"key":     c.apiKey,
			"format":  "png",
			"maptype": "roadmap",
		}).
		Get(c.staticURL)
	if err != nil {
		return nil, fmt.Errorf("geoservice: static map request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("geoservice: static map: status %s", resp.Status())
	}

	return resp.Body(), nil
}
