// Package client provides a Go SDK for reading an egresswatch dashboard
// programmatically. Agents and scripts can import this package instead
// of scraping the web UI.
//
// Usage:
//
//	c := client.New("http://dashboard.example.com:8080")
//	sum, err := c.Summary(ctx)
//	res, err := c.Diagnose(ctx)
package client

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

	"github.com/saveenergy/egresswatch/pkg/diagnostic"
)

var ErrUnexpectedStatus = errors.New("unexpected status")

const maxResponseBytes = 8 << 20

// Client reads a single dashboard instance.
type Client struct {
	serverURL  string
	httpClient *http.Client
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client targeting the given dashboard URL.
func New(serverURL string, opts ...Option) *Client {
	c := &Client{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ServerURL returns the normalized base URL.
func (c *Client) ServerURL() string { return c.serverURL }

type Point struct {
	X int64   `json:"x"`
	Y float64 `json:"y"`
}

type Dataset struct {
	Label       string   `json:"label"`
	BorderColor string   `json:"border_color"`
	Points      []Point  `json:"points"`
	PointColors []string `json:"point_colors"`
	PointRadii  []int    `json:"point_radii"`
}

// Outage is one ongoing outage. End is the latest failed sample.
type Outage struct {
	Protocol string    `json:"protocol"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Line     string    `json:"line"`
}

// Duration is the span covered by consecutive failures so far.
func (o Outage) Duration() time.Duration { return o.End.Sub(o.Start) }

type SeriesResult struct {
	Datasets    []Dataset `json:"datasets"`
	Outages     []Outage  `json:"outages"`
	GeneratedAt string    `json:"generated_at"`
}

type ProtocolSummary struct {
	Protocol            string    `json:"protocol"`
	State               string    `json:"state"`
	Samples             int64     `json:"samples"`
	Failures            int64     `json:"failures"`
	AvailabilityPercent float64   `json:"availability_percent"`
	RetainedPoints      int       `json:"retained_points"`
	LastSeen            time.Time `json:"last_seen,omitempty"`
	P50Ms               float64   `json:"p50_ms"`
	P95Ms               float64   `json:"p95_ms"`
	P99Ms               float64   `json:"p99_ms"`
}

type SummaryResult struct {
	Protocols []ProtocolSummary `json:"protocols"`
}

// DiagnoseResult pairs the raw summary with its interpretation.
type DiagnoseResult struct {
	ServerURL      string                     `json:"server_url"`
	Protocols      []ProtocolSummary          `json:"protocols"`
	OpenOutages    []Outage                   `json:"open_outages"`
	Interpretation *diagnostic.Interpretation `json:"interpretation"`
}

// Series returns all datasets, or one when protocol is non-empty.
func (c *Client) Series(ctx context.Context, protocol string) (*SeriesResult, error) {
	path := "/api/v1/series"
	if protocol != "" {
		path += "?protocol=" + url.QueryEscape(protocol)
	}
	var out SeriesResult
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Outages returns the currently open outage per failing protocol.
func (c *Client) Outages(ctx context.Context) ([]Outage, error) {
	var out struct {
		Outages []Outage `json:"outages"`
	}
	if err := c.getJSON(ctx, "/api/v1/outages", &out); err != nil {
		return nil, err
	}
	return out.Outages, nil
}

// Labels returns the tooltip labels of one protocol's retained points.
func (c *Client) Labels(ctx context.Context, protocol string) ([]string, error) {
	var out struct {
		Labels []string `json:"labels"`
	}
	if err := c.getJSON(ctx, "/api/v1/series/"+url.PathEscape(protocol)+"/labels", &out); err != nil {
		return nil, err
	}
	return out.Labels, nil
}

func (c *Client) Summary(ctx context.Context) (*SummaryResult, error) {
	var out SummaryResult
	if err := c.getJSON(ctx, "/api/v1/summary", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	if err := c.getJSON(ctx, "/api/v1/version", &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

// Healthy returns nil if the dashboard is reachable and healthy.
func (c *Client) Healthy(ctx context.Context) error {
	resp, err := c.do(ctx, "/health")
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: %w %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return nil
}

// Diagnose fetches the summary and open outages and grades them.
func (c *Client) Diagnose(ctx context.Context) (*DiagnoseResult, error) {
	sum, err := c.Summary(ctx)
	if err != nil {
		return nil, err
	}
	open, err := c.Outages(ctx)
	if err != nil {
		return nil, err
	}
	if open == nil {
		open = []Outage{}
	}

	return &DiagnoseResult{
		ServerURL:      c.serverURL,
		Protocols:      sum.Protocols,
		OpenOutages:    open,
		Interpretation: diagnostic.Interpret(ParamsFrom(sum.Protocols)),
	}, nil
}

// ParamsFrom maps protocol summaries onto diagnostic inputs.
func ParamsFrom(protocols []ProtocolSummary) []diagnostic.Params {
	params := make([]diagnostic.Params, 0, len(protocols))
	for _, p := range protocols {
		params = append(params, diagnostic.Params{
			Protocol:            p.Protocol,
			Samples:             p.Samples,
			AvailabilityPercent: p.AvailabilityPercent,
			P95Ms:               p.P95Ms,
			Degraded:            p.State == "degraded",
		})
	}
	return params
}

// --- Internal helpers ---

func (c *Client) do(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("server unreachable: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server unreachable: %w", err)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := c.do(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("GET %s: %w %d", path, ErrUnexpectedStatus, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}
