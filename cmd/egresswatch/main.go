package main

import (
	"fmt"
	"os"
	"strings"

	mcpcmd "github.com/saveenergy/egresswatch/cmd/mcp"
	prober "github.com/saveenergy/egresswatch/cmd/prober"
	server "github.com/saveenergy/egresswatch/cmd/server"
	status "github.com/saveenergy/egresswatch/cmd/status"
)

var version = "dev"

var (
	runServer = server.Run
	runProbe  = prober.Run
	runStatus = status.Run
	runMCP    = mcpcmd.Run
)

func main() {
	os.Exit(run(os.Args[1:], version))
}

func run(args []string, version string) int {
	if len(args) == 0 {
		return runServer(nil, version)
	}

	switch args[0] {
	case "serve", "server":
		return runServer(args[1:], version)
	case "probe":
		return runProbe(args[1:], version)
	case "status":
		return runStatus(args[1:], version)
	case "mcp":
		return runMCP(version)
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "version", "--version":
		fmt.Printf("egresswatch %s\n", version)
		return 0
	default:
		if strings.HasPrefix(args[0], "-") {
			return runServer(args, version)
		}
		fmt.Fprintf(os.Stderr, "egresswatch: unknown command %q\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintf(os.Stdout, `Usage: egresswatch <command> [args]

Commands:
  serve     Run the dashboard (default when no command provided)
  probe     Probe a host over ICMP/TCP/UDP/HTTP/HTTPS and publish the feed
  status    Print grade, availability and open outages of a dashboard
  mcp       Run as MCP server (stdio transport, for AI agents)
  version   Print version

Examples:
  egresswatch probe --tcp-port 443 example.com
  egresswatch serve --feed-url ws://prober:5000/api/v1/feed
  egresswatch serve --embedded-prober --probe-host example.com
  egresswatch status --json http://localhost:8080
  egresswatch mcp
`)
}
