package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0 -X main.commit=$(git rev-parse --short HEAD) -X main.buildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)" -o fabricd ./cmd/fabricd
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// fabricdVersion is the version string reported over the control API
// and embedded in every node's StatusResponse.
var fabricdVersion = version

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if len(os.Args) < 2 {
		printUsage()
		osExit(1)
	}

	switch os.Args[1] {
	case "start":
		runStart(os.Args[2:])
	case "join":
		runJoin(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "plan":
		runPlan(os.Args[2:])
	case "whoami":
		runWhoami(os.Args[2:])
	case "auth":
		runAuth(os.Args[2:])
	case "config":
		runConfig(os.Args[2:])
	case "version", "--version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		osExit(1)
	}
}

func printVersion() {
	fmt.Printf("fabricd %s (%s) built %s\n", version, commit, buildDate)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: fabricd <command> [options]")
	fmt.Println()
	fmt.Println("Node lifecycle:")
	fmt.Println("  start --addr <host:port> [--config path]              Start a node")
	fmt.Println("  join  --addr <host:port> --peer <multiaddr> [--config path]")
	fmt.Println("                                                        Join an existing cluster")
	fmt.Println()
	fmt.Println("Querying a running node (talks to its control API):")
	fmt.Println("  status [--clustermap] [--json] [--config path]        Node or cluster-map status")
	fmt.Println("  plan [--model-layers N] [--alpha A] [--t-comp T] [--r-rtt R] [--json]")
	fmt.Println("                                                        Compute a schedule")
	fmt.Println()
	fmt.Println("Identity & access:")
	fmt.Println("  whoami                                  Show your peer ID")
	fmt.Println("  auth add <peer-id> [--comment \"...\"]    Authorize a peer")
	fmt.Println("  auth list                               List authorized peers")
	fmt.Println("  auth remove <peer-id>                   Revoke a peer's access")
	fmt.Println("  auth validate [file]                    Validate authorized_keys format")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  config validate [--config path]          Validate config")
	fmt.Println("  config show     [--config path]          Show resolved config")
	fmt.Println("  config rollback [--config path]          Restore last-known-good config")
	fmt.Println("  config apply <new> [--confirm-timeout]   Apply with auto-revert")
	fmt.Println("  config confirm  [--config path]          Confirm applied config")
	fmt.Println()
	fmt.Println("  version                                 Show version information")
	fmt.Println()
	fmt.Println("NODE_ID sets this node's identity in gossiped NodePerf rows (default: node-1).")
	fmt.Println()
	fmt.Println("All commands support --config <path> to specify a config file.")
	fmt.Println("Without --config, fabricd searches: ./fabricd.yaml, ~/.config/fabricd/config.yaml, /etc/fabricd/config.yaml")
	fmt.Println()
	fmt.Println("Get started:  fabricd start --addr 0.0.0.0:4001")
}
