// Package status implements the `egresswatch status` subcommand: it reads a
// running dashboard and prints the grade, per-protocol availability and
// any open outages.
package status

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/saveenergy/egresswatch/pkg/client"
)

var (
	exitSuccess = 0
	exitFailure = 1
	exitUsage   = 2
)

const (
	minTimeoutSeconds = 1
	maxTimeoutSeconds = 300
)

// Result is the structured output of egresswatch status.
type Result struct {
	SchemaVersion string `json:"schema_version"`
	*client.DiagnoseResult
}

var runStatusFn = runStatus

func Run(args []string, version string) int {
	flagSet := flag.NewFlagSet("egresswatch status", flag.ContinueOnError)
	flagSet.SetOutput(os.Stdout)

	var (
		serverURL string
		jsonOut   bool
		noColor   bool
		timeout   int
	)
	flagSet.StringVar(&serverURL, "server-url", "http://localhost:8080", "Dashboard URL")
	flagSet.StringVar(&serverURL, "S", "http://localhost:8080", "Dashboard URL (short)")
	flagSet.BoolVar(&jsonOut, "json", false, "Output as JSON")
	flagSet.BoolVar(&noColor, "no-color", false, "Disable colored output")
	flagSet.IntVar(&timeout, "timeout", 10, "Overall timeout in seconds")
	help := flagSet.Bool("help", false, "Show help")
	flagSet.BoolVar(help, "h", false, "Show help (short)")

	if err := flagSet.Parse(args); err != nil {
		return exitUsage
	}
	if *help {
		printUsage()
		return exitSuccess
	}

	if timeout < minTimeoutSeconds || timeout > maxTimeoutSeconds {
		fmt.Fprintf(os.Stderr, "egresswatch status: timeout must be between %d and %d seconds\n", minTimeoutSeconds, maxTimeoutSeconds)
		return exitUsage
	}

	rest := flagSet.Args()
	if len(rest) > 1 {
		fmt.Fprintln(os.Stderr, "egresswatch status: too many positional arguments")
		return exitUsage
	}
	if len(rest) > 0 {
		serverURL = rest[0]
	}
	if !isValidServerURL(serverURL) {
		fmt.Fprintf(os.Stderr, "egresswatch status: invalid server URL: %q\n", serverURL)
		return exitUsage
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	result, err := runStatusFn(ctx, serverURL)
	if err != nil {
		if jsonOut {
			errResp := map[string]interface{}{
				"schema_version": "1.0",
				"error":          true,
				"code":           "status_failed",
				"message":        err.Error(),
			}
			if encErr := json.NewEncoder(os.Stdout).Encode(errResp); encErr != nil {
				fmt.Fprintf(os.Stderr, "egresswatch status: json encode error: %v\n", encErr)
			}
		} else {
			fmt.Fprintf(os.Stderr, "egresswatch status: error: %v\n", err)
		}
		return exitFailure
	}

	if jsonOut {
		if encErr := json.NewEncoder(os.Stdout).Encode(result); encErr != nil {
			fmt.Fprintf(os.Stderr, "egresswatch status: json encode error: %v\n", encErr)
			return exitFailure
		}
	} else {
		color := !noColor && term.IsTerminal(int(os.Stdout.Fd()))
		printHuman(os.Stdout, result, color)
	}

	return exitCode(result)
}

// exitCode is 1 while any protocol has an open outage or the grade is D/F.
func exitCode(r *Result) int {
	if len(r.OpenOutages) > 0 {
		return exitFailure
	}
	if r.Interpretation != nil && (r.Interpretation.Grade == "D" || r.Interpretation.Grade == "F") {
		return exitFailure
	}
	return exitSuccess
}

func runStatus(ctx context.Context, serverURL string) (*Result, error) {
	r, err := client.New(serverURL).Diagnose(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{SchemaVersion: "1.0", DiagnoseResult: r}, nil
}

const (
	ansiReset = "\033[0m"
	ansiRed   = "\033[31m"
	ansiGreen = "\033[32m"
	ansiDim   = "\033[90m"
)

func paint(s, code string, color bool) string {
	if !color {
		return s
	}
	return code + s + ansiReset
}

func printHuman(w io.Writer, r *Result, color bool) {
	if r.Interpretation != nil {
		fmt.Fprintf(w, "Grade: %s - %s\n", r.Interpretation.Grade, r.Interpretation.Summary)
	}
	for _, p := range r.Protocols {
		state := paint("healthy", ansiGreen, color)
		if p.State == "degraded" {
			state = paint("NO RESPONSE", ansiRed, color)
		}
		if p.Samples == 0 {
			state = paint("no data", ansiDim, color)
		}
		fmt.Fprintf(w, "  %-6s %-11s %6.2f%%  p95 %7.2f ms  (%d samples)\n",
			p.Protocol, state, p.AvailabilityPercent, p.P95Ms, p.Samples)
	}
	if len(r.OpenOutages) > 0 {
		fmt.Fprintln(w, "Open outages:")
		for _, o := range r.OpenOutages {
			fmt.Fprintf(w, "  %s\n", paint(o.Line, ansiRed, color))
		}
	}
	if r.Interpretation != nil && len(r.Interpretation.Concerns) > 0 {
		fmt.Fprintf(w, "Concerns: %s\n", strings.Join(r.Interpretation.Concerns, ", "))
	}
}

func printUsage() {
	fmt.Fprintf(os.Stdout, `Usage: egresswatch status [flags] [server-url]

Reads a running dashboard and prints grade, availability and open outages.

Flags:
  -h, --help              Show help
  -S, --server-url string Dashboard URL (default: http://localhost:8080)
  --json                  Output as JSON
  --no-color              Disable colored output
  --timeout int           Overall timeout in seconds (default: 10)

Exit codes:
  0   No open outages and grade A-C
  1   Open outage, grade D-F, or error
  2   Usage error

Examples:
  egresswatch status
  egresswatch status --json http://dashboard.internal:8080
`)
}

func isValidServerURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u == nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Host == "" {
		return false
	}
	if port := u.Port(); port != "" {
		if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
			return false
		}
	}
	return true
}
