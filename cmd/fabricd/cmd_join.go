package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/fabricsched/pkg/p2pnet"
)

// runJoin implements `fabricd join --addr <host:port> --peer <multiaddr>`:
// like runStart, but dials a seed peer and pulls its ClusterMap
// snapshot before settling into the normal gossip/publish loop.
func runJoin(args []string) {
	fs := flag.NewFlagSet("join", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configFlag := fs.String("config", "", "path to config file")
	addrFlag := fs.String("addr", "", "listen address, e.g. 0.0.0.0:4001")
	peerFlag := fs.String("peer", "", "seed peer multiaddr, e.g. /ip4/1.2.3.4/udp/4001/quic-v1/p2p/<peer-id>")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			osExit(0)
		}
		osExit(1)
	}

	if *peerFlag == "" {
		fmt.Fprintln(os.Stderr, "Error: --peer is required")
		osExit(1)
	}

	if err := runNode(*configFlag, *addrFlag, *peerFlag); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

// dialSeed connects to a seed peer given as a full multiaddr (with a
// trailing /p2p/<peer-id> component, per
// peer.AddrInfoFromP2pAddr's contract) and returns its peer ID.
func dialSeed(ctx context.Context, network *p2pnet.Network, peerAddr string) (peer.ID, error) {
	maddr, err := ma.NewMultiaddr(peerAddr)
	if err != nil {
		return "", fmt.Errorf("invalid --peer multiaddr %q: %w", peerAddr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return "", fmt.Errorf("resolve peer address: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := network.Host().Connect(dialCtx, *info); err != nil {
		return "", fmt.Errorf("connect to %s: %w", info.ID, err)
	}
	return info.ID, nil
}
