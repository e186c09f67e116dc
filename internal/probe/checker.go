// Package probe runs the five reachability checks against one external
// server and publishes each result as a feed event.
package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-ping/ping"

	"github.com/saveenergy/egresswatch/internal/config"
	"github.com/saveenergy/egresswatch/pkg/types"
)

// Result is the outcome of one check. ResponseTimeMs is only meaningful
// when Success is set.
type Result struct {
	Success        bool
	ResponseTimeMs float64
	Err            error
}

type Checker interface {
	Protocol() types.Protocol
	Check(ctx context.Context) Result
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

// ICMPChecker sends a single echo request.
type ICMPChecker struct {
	Host       string
	Timeout    time.Duration
	Privileged bool
}

func (c *ICMPChecker) Protocol() types.Protocol { return types.ProtocolICMP }

func (c *ICMPChecker) Check(ctx context.Context) Result {
	pinger, err := ping.NewPinger(c.Host)
	if err != nil {
		return Result{Err: err}
	}
	pinger.Count = 1
	pinger.Timeout = c.Timeout
	pinger.SetPrivileged(c.Privileged)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			pinger.Stop()
		case <-stop:
		}
	}()

	if err := pinger.Run(); err != nil {
		return Result{Err: err}
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return Result{}
	}
	return Result{
		Success:        true,
		ResponseTimeMs: float64(stats.AvgRtt) / float64(time.Millisecond),
	}
}

// TCPChecker measures the time to complete a TCP handshake.
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

func (c *TCPChecker) Protocol() types.Protocol { return types.ProtocolTCP }

func (c *TCPChecker) Check(ctx context.Context) Result {
	dialer := net.Dialer{Timeout: c.Timeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", c.Address)
	if err != nil {
		return Result{Err: err}
	}
	rt := elapsedMs(start)
	conn.Close()
	return Result{Success: true, ResponseTimeMs: rt}
}

// UDPChecker sends an empty datagram and waits for any non-empty reply.
type UDPChecker struct {
	Address string
	Timeout time.Duration
}

func (c *UDPChecker) Protocol() types.Protocol { return types.ProtocolUDP }

func (c *UDPChecker) Check(ctx context.Context) Result {
	dialer := net.Dialer{Timeout: c.Timeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "udp", c.Address)
	if err != nil {
		return Result{Err: err}
	}
	defer conn.Close()

	deadline := start.Add(c.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return Result{Err: err}
	}
	if _, err := conn.Write([]byte{}); err != nil {
		return Result{Err: err}
	}
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return Result{Err: err}
	}
	if n == 0 {
		return Result{}
	}
	return Result{Success: true, ResponseTimeMs: elapsedMs(start)}
}

// HTTPChecker issues a GET and succeeds only on 200 OK.
type HTTPChecker struct {
	protocol types.Protocol
	url      string
	client   *http.Client
}

func NewHTTPChecker(url string, timeout time.Duration) *HTTPChecker {
	return &HTTPChecker{
		protocol: types.ProtocolHTTP,
		url:      url,
		client:   &http.Client{Timeout: timeout},
	}
}

// NewHTTPSChecker skips certificate verification; the check is about
// reachability, not trust.
func NewHTTPSChecker(url string, timeout time.Duration) *HTTPChecker {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return &HTTPChecker{
		protocol: types.ProtocolHTTPS,
		url:      url,
		client:   &http.Client{Timeout: timeout, Transport: transport},
	}
}

func (c *HTTPChecker) Protocol() types.Protocol { return c.protocol }

func (c *HTTPChecker) Check(ctx context.Context) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Result{Err: err}
	}
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	rt := elapsedMs(start)
	if resp.StatusCode != http.StatusOK {
		return Result{Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return Result{Success: true, ResponseTimeMs: rt}
}

// NewCheckers builds the five checkers in protocol order.
func NewCheckers(cfg config.ProbeConfig) []Checker {
	return []Checker{
		&ICMPChecker{Host: cfg.Host, Timeout: cfg.Timeout, Privileged: cfg.Privileged},
		&TCPChecker{Address: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.TCPPort)), Timeout: cfg.Timeout},
		&UDPChecker{Address: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.UDPPort)), Timeout: cfg.Timeout},
		NewHTTPChecker(cfg.ResolvedHTTPURL(), cfg.Timeout),
		NewHTTPSChecker(cfg.ResolvedHTTPSURL(), cfg.Timeout),
	}
}
