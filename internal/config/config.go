package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/saveenergy/egresswatch/internal/series"
)

type Config struct {
	Port              string        `yaml:"port"`
	BindAddress       string        `yaml:"bind_address"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`

	AllowedOrigins    []string `yaml:"allowed_origins"`
	RateLimitPerIP    int      `yaml:"rate_limit_per_ip"`
	GlobalRateLimit   int      `yaml:"global_rate_limit"`
	TrustProxyHeaders bool     `yaml:"trust_proxy_headers"`
	TrustedProxyCIDRs []string `yaml:"trusted_proxy_cidrs"`
	MaxViewersPerIP   int      `yaml:"max_viewers_per_ip"`

	WebSocketPingInterval time.Duration `yaml:"websocket_ping_interval"`
	BroadcastInterval     time.Duration `yaml:"broadcast_interval"`
	WebRoot               string        `yaml:"web_root"`
	LogLevel              string        `yaml:"log_level"`

	PprofEnabled bool   `yaml:"pprof_enabled"`
	PprofAddress string `yaml:"pprof_address"`

	MaxPoints        int    `yaml:"max_points"`
	DecimationPolicy string `yaml:"decimation_policy"`
	DisplayTimezone  string `yaml:"display_timezone"`

	FeedURL        string        `yaml:"feed_url"`
	ReconnectMin   time.Duration `yaml:"reconnect_min"`
	ReconnectMax   time.Duration `yaml:"reconnect_max"`
	EmbeddedProber bool          `yaml:"embedded_prober"`

	Probe ProbeConfig `yaml:"probe"`
}

// ProbeConfig describes the external server the prober checks and where
// it publishes its feed.
type ProbeConfig struct {
	Host        string        `yaml:"host"`
	TCPPort     int           `yaml:"tcp_port"`
	UDPPort     int           `yaml:"udp_port"`
	HTTPURL     string        `yaml:"http_url"`
	HTTPSURL    string        `yaml:"https_url"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	Privileged  bool          `yaml:"privileged"`
	FeedPort    string        `yaml:"feed_port"`
	FeedAddress string        `yaml:"feed_bind_address"`
}

func DefaultConfig() *Config {
	return &Config{
		Port:                  "8080",
		BindAddress:           "0.0.0.0",
		ReadHeaderTimeout:     15 * time.Second,
		IdleTimeout:           60 * time.Second,
		AllowedOrigins:        []string{"*"},
		RateLimitPerIP:        120,
		GlobalRateLimit:       2000,
		MaxViewersPerIP:       8,
		WebSocketPingInterval: 30 * time.Second,
		BroadcastInterval:     1 * time.Second,
		WebRoot:               "",
		LogLevel:              "info",
		PprofEnabled:          false,
		PprofAddress:          "127.0.0.1:6060",
		MaxPoints:             series.DefaultMaxPoints,
		DecimationPolicy:      "strict",
		DisplayTimezone:       "",
		FeedURL:               "ws://127.0.0.1:5000/api/v1/feed",
		ReconnectMin:          1 * time.Second,
		ReconnectMax:          30 * time.Second,
		EmbeddedProber:        false,
		Probe: ProbeConfig{
			Host:        "",
			TCPPort:     80,
			UDPPort:     53,
			Interval:    1 * time.Second,
			Timeout:     2 * time.Second,
			Privileged:  false,
			FeedPort:    "5000",
			FeedAddress: "0.0.0.0",
		},
	}
}

// LoadFile overlays a YAML file onto c. Keys absent from the file keep
// their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) LoadFromEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("invalid PORT %q: must be a number", port)
		}
		c.Port = port
	}
	if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
		c.BindAddress = addr
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = splitList(origins)
	}
	if err := envPositiveInt("RATE_LIMIT_PER_IP", &c.RateLimitPerIP); err != nil {
		return err
	}
	if err := envPositiveInt("GLOBAL_RATE_LIMIT", &c.GlobalRateLimit); err != nil {
		return err
	}
	if err := envPositiveInt("MAX_VIEWERS_PER_IP", &c.MaxViewersPerIP); err != nil {
		return err
	}
	envBool("TRUST_PROXY_HEADERS", &c.TrustProxyHeaders)
	if cidrs := os.Getenv("TRUSTED_PROXY_CIDRS"); cidrs != "" {
		c.TrustedProxyCIDRs = splitList(cidrs)
	}
	if err := envDuration("WS_PING_INTERVAL", &c.WebSocketPingInterval); err != nil {
		return err
	}
	if err := envDuration("BROADCAST_INTERVAL", &c.BroadcastInterval); err != nil {
		return err
	}
	if webRoot := os.Getenv("WEB_ROOT"); webRoot != "" {
		c.WebRoot = webRoot
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	envBool("PPROF_ENABLED", &c.PprofEnabled)
	if addr := os.Getenv("PPROF_ADDR"); addr != "" {
		c.PprofAddress = addr
	}

	if err := envPositiveInt("MAX_POINTS", &c.MaxPoints); err != nil {
		return err
	}
	if policy := os.Getenv("DECIMATION_POLICY"); policy != "" {
		c.DecimationPolicy = policy
	}
	if tz := os.Getenv("DISPLAY_TIMEZONE"); tz != "" {
		c.DisplayTimezone = tz
	}

	if feed := os.Getenv("FEED_URL"); feed != "" {
		c.FeedURL = feed
	}
	if err := envDuration("RECONNECT_MIN", &c.ReconnectMin); err != nil {
		return err
	}
	if err := envDuration("RECONNECT_MAX", &c.ReconnectMax); err != nil {
		return err
	}
	envBool("EMBEDDED_PROBER", &c.EmbeddedProber)

	if host := os.Getenv("PROBE_HOST"); host != "" {
		c.Probe.Host = host
	}
	if err := envPositiveInt("PROBE_TCP_PORT", &c.Probe.TCPPort); err != nil {
		return err
	}
	if err := envPositiveInt("PROBE_UDP_PORT", &c.Probe.UDPPort); err != nil {
		return err
	}
	if u := os.Getenv("PROBE_HTTP_URL"); u != "" {
		c.Probe.HTTPURL = u
	}
	if u := os.Getenv("PROBE_HTTPS_URL"); u != "" {
		c.Probe.HTTPSURL = u
	}
	if err := envDuration("PROBE_INTERVAL", &c.Probe.Interval); err != nil {
		return err
	}
	if err := envDuration("PROBE_TIMEOUT", &c.Probe.Timeout); err != nil {
		return err
	}
	envBool("PROBE_PRIVILEGED", &c.Probe.Privileged)
	if port := os.Getenv("FEED_PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("invalid FEED_PORT %q: must be a number", port)
		}
		c.Probe.FeedPort = port
	}
	if addr := os.Getenv("FEED_BIND_ADDRESS"); addr != "" {
		c.Probe.FeedAddress = addr
	}

	return nil
}

// Validate checks the dashboard settings.
func (c *Config) Validate() error {
	if err := validPort("port", c.Port); err != nil {
		return err
	}
	if c.RateLimitPerIP <= 0 {
		return fmt.Errorf("rate limit per IP must be > 0")
	}
	if c.GlobalRateLimit < c.RateLimitPerIP {
		return fmt.Errorf("global rate limit must be >= rate limit per IP")
	}
	if c.MaxViewersPerIP <= 0 {
		return fmt.Errorf("max viewers per IP must be > 0")
	}
	for _, cidr := range c.TrustedProxyCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid trusted proxy CIDR %q: %w", cidr, err)
		}
	}
	if c.BroadcastInterval <= 0 {
		return fmt.Errorf("broadcast interval must be > 0")
	}
	if c.PprofEnabled && c.PprofAddress == "" {
		return fmt.Errorf("pprof address cannot be empty when enabled")
	}
	if c.MaxPoints <= 0 {
		return fmt.Errorf("max points must be > 0")
	}
	if _, err := series.ParseStridePolicy(c.DecimationPolicy); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("reconnect backoff must satisfy 0 < min <= max")
	}
	if c.EmbeddedProber {
		return c.ValidateProbe()
	}
	u, err := url.Parse(c.FeedURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("invalid feed URL %q: must be ws:// or wss://", c.FeedURL)
	}
	return nil
}

// ValidateProbe checks the prober settings.
func (c *Config) ValidateProbe() error {
	p := c.Probe
	if p.Host == "" {
		return fmt.Errorf("probe host cannot be empty")
	}
	if p.TCPPort <= 0 || p.TCPPort > 65535 {
		return fmt.Errorf("invalid probe TCP port: %d", p.TCPPort)
	}
	if p.UDPPort <= 0 || p.UDPPort > 65535 {
		return fmt.Errorf("invalid probe UDP port: %d", p.UDPPort)
	}
	if p.Interval <= 0 {
		return fmt.Errorf("probe interval must be > 0")
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("probe timeout must be > 0")
	}
	if err := validPort("feed port", p.FeedPort); err != nil {
		return err
	}
	return nil
}

func (c *Config) Policy() series.StridePolicy {
	p, err := series.ParseStridePolicy(c.DecimationPolicy)
	if err != nil {
		return series.StrideCeil
	}
	return p
}

// Location resolves DisplayTimezone; empty means the local zone.
func (c *Config) Location() (*time.Location, error) {
	if c.DisplayTimezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.DisplayTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid display timezone %q: %w", c.DisplayTimezone, err)
	}
	return loc, nil
}

// ResolvedHTTPURL falls back to http://<host>.
func (p ProbeConfig) ResolvedHTTPURL() string {
	if p.HTTPURL != "" {
		return p.HTTPURL
	}
	return "http://" + p.Host
}

func (p ProbeConfig) ResolvedHTTPSURL() string {
	if p.HTTPSURL != "" {
		return p.HTTPSURL
	}
	return "https://" + p.Host
}

func (c *Config) ListenAddress() string {
	return c.BindAddress + ":" + c.Port
}

func (c *Config) FeedListenAddress() string {
	return c.Probe.FeedAddress + ":" + c.Probe.FeedPort
}

func validPort(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if p, err := strconv.Atoi(value); err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid %s %q: must be 1-65535", name, value)
	}
	return nil
}

func splitList(raw string) []string {
	entries := strings.Split(raw, ",")
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if value := strings.TrimSpace(entry); value != "" {
			out = append(out, value)
		}
	}
	return out
}

func envPositiveInt(key string, dst *int) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fmt.Errorf("invalid %s %q: must be a positive integer", key, raw)
	}
	*dst = v
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fmt.Errorf("invalid %s %q: must be a positive duration (e.g. 5s)", key, raw)
	}
	*dst = d
	return nil
}

func envBool(key string, dst *bool) {
	switch os.Getenv(key) {
	case "true", "1":
		*dst = true
	case "false", "0":
		*dst = false
	}
}
