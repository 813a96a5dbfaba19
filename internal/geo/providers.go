package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shehryarbajwa/browserbase-geo/pkg/models"
)

var errInvalidLocation = errors.New("provider returned an invalid location")

// DecodeFunc turns a provider response body into a location
type DecodeFunc func(body []byte) (models.Location, error)

// HTTPProvider queries a JSON geolocation endpoint. URL must contain "{ip}".
type HTTPProvider struct {
	name   string
	url    string
	decode DecodeFunc
	client *http.Client
}

// NewHTTPProvider creates a provider for an arbitrary JSON endpoint
func NewHTTPProvider(name, url string, decode DecodeFunc, client *http.Client) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{
		name:   name,
		url:    url,
		decode: decode,
		client: client,
	}
}

func (p *HTTPProvider) Name() string { return p.name }

// Lookup performs GET url and decodes the response
func (p *HTTPProvider) Lookup(ctx context.Context, ip string) (models.Location, error) {
	url := strings.ReplaceAll(p.url, "{ip}", ip)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.Location{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return models.Location{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.Location{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return models.Location{}, fmt.Errorf("failed to read body: %w", err)
	}

	return p.decode(body)
}

// IPAPI returns a provider for ip-api.com
func IPAPI(client *http.Client) *HTTPProvider {
	return NewHTTPProvider("ip-api", "http://ip-api.com/json/{ip}?fields=status,message,lat,lon,country,city,continentCode", DecodeIPAPI, client)
}

// IPAPICo returns a provider for ipapi.co
func IPAPICo(client *http.Client) *HTTPProvider {
	return NewHTTPProvider("ipapi.co", "https://ipapi.co/{ip}/json/", DecodeIPAPICo, client)
}

// ProvidersByName builds the provider chain in the given order, skipping unknown names
func ProvidersByName(names []string, client *http.Client) []Provider {
	var out []Provider
	for _, n := range names {
		switch strings.ToLower(n) {
		case "ip-api", "ip-api.com":
			out = append(out, IPAPI(client))
		case "ipapi.co", "ipapi":
			out = append(out, IPAPICo(client))
		}
	}
	return out
}

// DecodeIPAPI decodes an ip-api.com response
func DecodeIPAPI(body []byte) (models.Location, error) {
	var r struct {
		Status    string   `json:"status"`
		Message   string   `json:"message"`
		Lat       *float64 `json:"lat"`
		Lon       *float64 `json:"lon"`
		Country   string   `json:"country"`
		City      string   `json:"city"`
		Continent string   `json:"continentCode"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return models.Location{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if r.Status != "success" {
		return models.Location{}, fmt.Errorf("lookup failed: %s", r.Message)
	}
	if r.Lat == nil || r.Lon == nil {
		return models.Location{}, errInvalidLocation
	}
	return models.Location{
		Latitude:  *r.Lat,
		Longitude: *r.Lon,
		Country:   r.Country,
		City:      r.City,
		Continent: r.Continent,
	}, nil
}

// DecodeIPAPICo decodes an ipapi.co response
func DecodeIPAPICo(body []byte) (models.Location, error) {
	var r struct {
		Error     bool     `json:"error"`
		Reason    string   `json:"reason"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
		Country   string   `json:"country_name"`
		City      string   `json:"city"`
		Continent string   `json:"continent_code"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return models.Location{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if r.Error {
		return models.Location{}, fmt.Errorf("lookup failed: %s", r.Reason)
	}
	if r.Latitude == nil || r.Longitude == nil {
		return models.Location{}, errInvalidLocation
	}
	return models.Location{
		Latitude:  *r.Latitude,
		Longitude: *r.Longitude,
		Country:   r.Country,
		City:      r.City,
		Continent: r.Continent,
	}, nil
}
