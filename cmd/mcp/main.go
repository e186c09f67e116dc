// Package mcp implements the `egresswatch mcp` subcommand: an MCP (Model
// Context Protocol) server over stdio transport. Agents can spawn this
// process and ask a dashboard about outages and latency directly.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/saveenergy/egresswatch/pkg/client"
	"github.com/saveenergy/egresswatch/pkg/types"
)

const (
	defaultServerURL = "http://localhost:8080"
	toolTimeout      = 10 * time.Second
)

// ToolDefinitions lists the tools served by Run.
func ToolDefinitions() []mcp.Tool {
	serverURL := mcp.WithString("server_url",
		mcp.Description("Dashboard URL (default: http://localhost:8080)"),
	)
	return []mcp.Tool{
		mcp.NewTool("outage_status",
			mcp.WithDescription("Lists protocols that are currently not responding, with the time span of each ongoing outage. An empty list means every probed protocol answered its latest check."),
			serverURL,
		),
		mcp.NewTool("series_summary",
			mcp.WithDescription("Per-protocol availability, p50/p95/p99 response time and state since the dashboard started, plus an A-F grade and concerns. Use for 'is egress OK?' questions."),
			serverURL,
		),
		mcp.NewTool("protocol_series",
			mcp.WithDescription("Retained response-time points of one protocol (ICMP, TCP, UDP, HTTP or HTTPS). Failed probes appear as FAIL labels."),
			serverURL,
			mcp.WithString("protocol",
				mcp.Required(),
				mcp.Description("One of ICMP, TCP, UDP, HTTP, HTTPS"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Most recent points to return, 1-1000 (default: 60)"),
			),
		),
	}
}

// Run starts the MCP stdio server. Blocks until stdin closes or signal received.
func Run(version string) int {
	s := server.NewMCPServer(
		"egresswatch",
		version,
		server.WithToolCapabilities(true),
	)

	handlers := map[string]server.ToolHandlerFunc{
		"outage_status":   handleOutageStatus,
		"series_summary":  handleSeriesSummary,
		"protocol_series": handleProtocolSeries,
	}
	for _, tool := range ToolDefinitions() {
		s.AddTool(tool, handlers[tool.Name])
	}

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "egresswatch mcp: error: %v\n", err)
		return 1
	}
	return 0
}

func clientFromRequest(req mcp.CallToolRequest) *client.Client {
	serverURL := strings.TrimSpace(req.GetString("server_url", defaultServerURL))
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	return client.New(serverURL)
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("JSON encoding failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// --- Tool Handlers ---

func handleOutageStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	outages, err := clientFromRequest(req).Outages(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Outage lookup failed: %v", err)), nil
	}
	if outages == nil {
		outages = []client.Outage{}
	}
	return jsonResult(map[string]interface{}{
		"open_outages": outages,
		"count":        len(outages),
	})
}

func handleSeriesSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	result, err := clientFromRequest(req).Diagnose(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Summary failed: %v", err)), nil
	}
	return jsonResult(result)
}

type seriesPoint struct {
	Time  time.Time `json:"time"`
	Label string    `json:"label"`
}

func handleProtocolSeries(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := types.ParseProtocol(req.GetString("protocol", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid protocol: %v", err)), nil
	}
	limit := req.GetInt("limit", 60)
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}

	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	c := clientFromRequest(req)
	series, err := c.Series(ctx, p.String())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Series lookup failed: %v", err)), nil
	}
	labels, err := c.Labels(ctx, p.String())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Label lookup failed: %v", err)), nil
	}
	if len(series.Datasets) != 1 {
		return mcp.NewToolResultError("Series lookup returned no dataset"), nil
	}

	points := series.Datasets[0].Points
	// Labels and points are read separately; keep the shared tail.
	n := len(points)
	if len(labels) < n {
		n = len(labels)
	}
	if n > limit {
		n = limit
	}
	out := make([]seriesPoint, n)
	for i := 0; i < n; i++ {
		pt := points[len(points)-n+i]
		out[i] = seriesPoint{
			Time:  time.UnixMilli(pt.X).UTC(),
			Label: labels[len(labels)-n+i],
		}
	}
	return jsonResult(map[string]interface{}{
		"protocol": p.String(),
		"retained": len(points),
		"points":   out,
	})
}
