package status

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/saveenergy/egresswatch/pkg/client"
	"github.com/saveenergy/egresswatch/pkg/diagnostic"
)

func sampleResult(open bool) *Result {
	r := &client.DiagnoseResult{
		ServerURL: "https://dash.example.com",
		Protocols: []client.ProtocolSummary{
			{Protocol: "ICMP", State: "healthy", Samples: 10, AvailabilityPercent: 100, P95Ms: 9.5},
			{Protocol: "TCP", State: "degraded", Samples: 10, AvailabilityPercent: 80, P95Ms: 20},
			{Protocol: "UDP", State: "healthy"},
		},
		OpenOutages: []client.Outage{},
		Interpretation: &diagnostic.Interpretation{
			Grade:    "B",
			Summary:  "Good egress: 1/2 protocols responding",
			Concerns: []string{"tcp_no_response"},
		},
	}
	if open {
		start := time.Date(2024, 5, 1, 10, 0, 2, 0, time.UTC)
		r.OpenOutages = []client.Outage{{
			Protocol: "TCP",
			Start:    start,
			End:      start.Add(time.Second),
			Line:     "TCP: No response from 10:00:02 to 10:00:03",
		}}
	}
	return &Result{SchemaVersion: "1.0", DiagnoseResult: r}
}

func TestIsValidServerURL(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{"https://example.com:443", true},
		{"http://localhost:8080", true},
		{"https://example.com:99999", false},
		{"ftp://example.com", false},
		{"example.com", false},
	}
	for _, tc := range tests {
		if got := isValidServerURL(tc.raw); got != tc.want {
			t.Errorf("isValidServerURL(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestStatusRejectsInvalidServerURL(t *testing.T) {
	if code := Run([]string{"--server-url", "https://example.com:99999"}, "test"); code != exitUsage {
		t.Fatalf("exit code = %d, want %d", code, exitUsage)
	}
	if code := Run([]string{"--timeout", "0"}, "test"); code != exitUsage {
		t.Fatalf("exit code = %d, want %d", code, exitUsage)
	}
}

func TestExitCode(t *testing.T) {
	if code := exitCode(sampleResult(false)); code != exitSuccess {
		t.Fatalf("exit code = %d, want %d", code, exitSuccess)
	}
	if code := exitCode(sampleResult(true)); code != exitFailure {
		t.Fatalf("open outage exit code = %d, want %d", code, exitFailure)
	}
	poor := sampleResult(false)
	poor.Interpretation.Grade = "D"
	if code := exitCode(poor); code != exitFailure {
		t.Fatalf("grade D exit code = %d, want %d", code, exitFailure)
	}
}

func TestPrintHuman(t *testing.T) {
	var buf bytes.Buffer
	printHuman(&buf, sampleResult(true), false)
	out := buf.String()

	for _, want := range []string{
		"Grade: B - Good egress: 1/2 protocols responding",
		"NO RESPONSE",
		"no data",
		"Open outages:",
		"TCP: No response from 10:00:02 to 10:00:03",
		"Concerns: tcp_no_response",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Error("plain output contains ANSI escapes")
	}

	buf.Reset()
	printHuman(&buf, sampleResult(true), true)
	if !strings.Contains(buf.String(), ansiRed+"NO RESPONSE"+ansiReset) {
		t.Errorf("colored output missing red state:\n%s", buf.String())
	}
}

func TestStatusJSONOutput(t *testing.T) {
	origRunStatus := runStatusFn
	defer func() { runStatusFn = origRunStatus }()

	runStatusFn = func(_ context.Context, serverURL string) (*Result, error) {
		r := sampleResult(true)
		r.ServerURL = serverURL
		return r, nil
	}

	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	code := Run([]string{"--json", "https://dash.example.com"}, "test")
	_ = w.Close()
	os.Stdout = oldStdout
	if code != exitFailure {
		t.Fatalf("exit code = %d, want %d (open outage)", code, exitFailure)
	}

	var out struct {
		SchemaVersion string `json:"schema_version"`
		ServerURL     string `json:"server_url"`
		OpenOutages   []struct {
			Line string `json:"line"`
		} `json:"open_outages"`
		Interpretation struct {
			Grade string `json:"grade"`
		} `json:"interpretation"`
	}
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.SchemaVersion != "1.0" || out.ServerURL != "https://dash.example.com" {
		t.Fatalf("unexpected header: %+v", out)
	}
	if len(out.OpenOutages) != 1 || out.Interpretation.Grade != "B" {
		t.Fatalf("unexpected body: %+v", out)
	}
}
