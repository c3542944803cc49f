package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/shurlinet/fabricsched/internal/config"
	"github.com/shurlinet/fabricsched/internal/daemon"
)

func runStatus(args []string) {
	if err := doStatus(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doStatus(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	clusterFlag := fs.Bool("clustermap", false, "show the replicated cluster map instead of node status")
	jsonFlag := fs.Bool("json", false, "print JSON instead of text")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newDaemonClient(*configFlag)
	if err != nil {
		return err
	}

	if *clusterFlag {
		if *jsonFlag {
			resp, err := client.ClusterMap()
			if err != nil {
				return fmt.Errorf("clustermap: %w", err)
			}
			fmt.Fprintf(stdout, "%+v\n", resp)
			return nil
		}
		text, err := client.ClusterMapText()
		if err != nil {
			return fmt.Errorf("clustermap: %w", err)
		}
		fmt.Fprint(stdout, text)
		return nil
	}

	if *jsonFlag {
		resp, err := client.Status()
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		fmt.Fprintf(stdout, "%+v\n", resp)
		return nil
	}
	text, err := client.StatusText()
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	fmt.Fprint(stdout, text)
	return nil
}

// newDaemonClient resolves the running node's control-socket and cookie
// paths from its config and dials the Unix-socket HTTP API.
func newDaemonClient(configFlag string) (*daemon.Client, error) {
	cfgFile, err := config.FindConfigFile(configFlag)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	cfg, err := config.LoadNodeConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	config.ResolveConfigPaths(cfg, filepath.Dir(cfgFile))

	client, err := daemon.NewClient(cfg.Daemon.SocketPath, cfg.Daemon.CookiePath)
	if err != nil {
		return nil, fmt.Errorf("connect to fabricd: %w", err)
	}
	return client, nil
}
