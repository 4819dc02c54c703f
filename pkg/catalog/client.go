// Package catalog is the client of the backend build catalog.
package catalog

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/httprunner/FlashAgent/pkg/flash"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrBundleNotFound is returned when the catalog has no build for a codename.
var ErrBundleNotFound = errors.New("no bundle for codename")

// RemoteDevice is one entry of GET /devices.
type RemoteDevice struct {
	ID       string `json:"id"`
	Serial   string `json:"serial"`
	State    string `json:"state"`
	Codename string `json:"codename,omitempty"`
	Model    string `json:"model,omitempty"`
}

// Health is the GET /health payload.
type Health struct {
	Status  string `json:"status"`
	Service string `json:"service,omitempty"`
	Version string `json:"version,omitempty"`
}

// Client talks to the catalog REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient validates baseURL and returns a client.
func NewClient(baseURL, apiKey string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("catalog base url is empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, errors.Wrap(err, "parse catalog base url")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, apiKey: strings.TrimSpace(apiKey), httpClient: httpClient}, nil
}

// LatestBundle resolves the newest build for codename.
func (c *Client) LatestBundle(ctx context.Context, codename string) (*flash.Build, error) {
	codename = strings.TrimSpace(codename)
	if codename == "" {
		return nil, errors.New("codename is empty")
	}
	var build flash.Build
	status, err := c.getJSON(ctx, "/bundles/for/"+url.PathEscape(codename), &build)
	if status == http.StatusNotFound {
		return nil, errors.Wrapf(ErrBundleNotFound, "%s", codename)
	}
	if err != nil {
		return nil, err
	}
	if build.Codename == "" {
		build.Codename = codename
	}
	if build.URL != "" {
		build.URL = c.resolve(build.URL)
	}
	if err := build.Validate(); err != nil {
		return nil, errors.Wrap(err, "catalog returned an unusable bundle")
	}
	log.Info().Str("codename", build.Codename).Str("version", build.Version).Int64("size", build.Size).Msg("catalog bundle resolved")
	return &build, nil
}

// Devices lists what the backend sees.
func (c *Client) Devices(ctx context.Context) ([]RemoteDevice, error) {
	var out []RemoteDevice
	if _, err := c.getJSON(ctx, "/devices", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health checks the backend.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if _, err := c.getJSON(ctx, "/health", &out); err != nil {
		return nil, err
	}
	if !strings.EqualFold(out.Status, "healthy") && !strings.EqualFold(out.Status, "ok") {
		return &out, errors.Errorf("catalog unhealthy: status=%s", out.Status)
	}
	return &out, nil
}

// resolve turns relative download paths into absolute URLs on the catalog host.
func (c *Client) resolve(ref string) string {
	if u, err := url.Parse(ref); err == nil && u.IsAbs() {
		return ref
	}
	if strings.HasPrefix(ref, "/") {
		return c.baseURL + ref
	}
	return c.baseURL + "/" + ref
}

func (c *Client) getJSON(ctx context.Context, path string, out any) (int, error) {
	endpoint := c.baseURL + path
	log.Debug().Str("method", http.MethodGet).Str("url", endpoint).Msg("catalog request")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "build request %s", path)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "call catalog %s", path)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return resp.StatusCode, errors.Errorf("catalog %s: http %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, errors.Wrapf(err, "decode catalog %s", path)
	}
	return resp.StatusCode, nil
}
