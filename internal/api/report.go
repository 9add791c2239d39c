// Package api is the structured client for the location collector.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/shaunagostinho/gpsreporter/internal/gps"
)

// Collector paths, relative to the normalized base URL.
const (
	SendPath     = "gps-embed/send"
	LoginPath    = "gps-embed/login"
	FallbackPath = "gps"
)

// Report is the wire shape of one fix. Both transports send the bytes
// produced by Encode.
type Report struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp string  `json:"timestamp"` // Epoch millis as a decimal string
}

// NewReport builds a Report from a fix. Coordinates are not rounded.
func NewReport(fix gps.Fix) Report {
	return Report{
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
		Timestamp: strconv.FormatInt(fix.CapturedAtMillis(), 10),
	}
}

// Encode renders the JSON body.
func (r Report) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// NormalizeBaseURL trims whitespace and guarantees a trailing slash so paths
// can be appended directly.
func NormalizeBaseURL(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasSuffix(s, "/") {
		s += "/"
	}
	return s
}

// ValidateBaseURL checks that raw is an absolute http(s) URL with a host.
func ValidateBaseURL(raw string) error {
	s := strings.TrimSpace(raw)
	if s == "" {
		return errors.New("server URL required")
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid server URL %q: %w", s, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid server URL %q: scheme must be http or https", s)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid server URL %q: missing host", s)
	}
	return nil
}

// StatusError is returned when the collector answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("collector returned HTTP %d: %s", e.Code, e.Body)
}

// StatusCode extracts the HTTP status from err, or 0 if there is none.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
