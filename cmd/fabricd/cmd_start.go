package main

import (
	"flag"
	"fmt"
	"os"
)

// runStart implements `fabricd start --addr <host:port>`: bring up a
// fresh or rejoined-from-config P2P host and block serving gossip and
// the control API until terminated.
func runStart(args []string) {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configFlag := fs.String("config", "", "path to config file")
	addrFlag := fs.String("addr", "", "listen address, e.g. 0.0.0.0:4001")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			osExit(0)
		}
		osExit(1)
	}

	if err := runNode(*configFlag, *addrFlag, ""); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}
