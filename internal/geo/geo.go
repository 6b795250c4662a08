// Package geo resolves a donor's address to a congressional district.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Address is the donor's mailing address as given at pledge time.
type Address struct {
	Line1 string `json:"line1"`
	City  string `json:"city"`
	State string `json:"state"`
	Zip   string `json:"zip"`
}

// Result carries the resolved district in "XX00" form (state postal
// code plus zero-padded district number) and the raw geocoder response
// for the audit record.
type Result struct {
	District string
	Raw      json.RawMessage
}

// ErrNotFound means the geocoder could not place the address in any
// district. Callers leave the district unset and retry later.
var ErrNotFound = errors.New("district not found")

type Geocoder interface {
	DistrictFor(ctx context.Context, addr Address) (Result, error)
}

// HTTPGeocoder is the real Geocoder over HTTP.
type HTTPGeocoder struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewHTTPGeocoder(baseURL string) *HTTPGeocoder {
	return &HTTPGeocoder{
		BaseURL: baseURL,
		Timeout: 15 * time.Second,
	}
}

func (g *HTTPGeocoder) DistrictFor(ctx context.Context, addr Address) (Result, error) {
	if g.HTTPClient == nil {
		g.HTTPClient = &http.Client{Timeout: g.Timeout}
	}
	q := url.Values{}
	q.Set("line1", addr.Line1)
	q.Set("city", addr.City)
	q.Set("state", addr.State)
	q.Set("zip", addr.Zip)
	endpoint := strings.TrimRight(g.BaseURL, "/") + "/district?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Result{}, ErrNotFound
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return Result{}, fmt.Errorf("geocoder error: status=%d body=%s", resp.StatusCode, string(b))
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, err
	}
	var out struct {
		State    string `json:"state"`
		District int    `json:"district"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("decode geocoder response: %w", err)
	}
	if out.State == "" {
		return Result{}, ErrNotFound
	}
	return Result{
		District: FormatDistrict(out.State, out.District),
		Raw:      raw,
	}, nil
}

// FormatDistrict renders "XX00": state postal code plus two-digit
// district number. At-large seats are district 0.
func FormatDistrict(state string, district int) string {
	return fmt.Sprintf("%s%02d", strings.ToUpper(state), district)
}
