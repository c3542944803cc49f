package p2pnet

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"

	"github.com/shurlinet/fabricsched/internal/auth"
	"github.com/shurlinet/fabricsched/internal/identity"
)

// Network is the transport substrate every fabric node runs on: a
// libp2p host identified by a self-signed Ed25519 key, reachable over
// QUIC (with TCP as a fallback transport), optionally restricted to an
// authorized-peer allowlist via a ConnectionGater.
//
// Adapted from the proxy/relay-oriented Network in the original
// network.go: this version drops ServiceRegistry and NameResolver
// entirely, since the scheduling fabric has exactly two things to say
// over the wire (gossip.ProtocolID and a future plan-push protocol),
// both served directly by their own stream handlers rather than through
// a generic named-service registry.
type Network struct {
	host   host.Host
	cancel context.CancelFunc
	gater  *auth.AuthorizedPeerGater // nil if gating disabled
}

// Config configures a new Network.
type Config struct {
	// KeyFile is the path to a marshaled libp2p private key. Created on
	// first run if it doesn't exist.
	KeyFile string

	// ListenAddrs are the multiaddrs the host listens on, e.g.
	// "/ip4/0.0.0.0/udp/4001/quic-v1".
	ListenAddrs []string

	// AuthorizedKeysFile, if non-empty, restricts inbound connections
	// to the peers listed in it.
	AuthorizedKeysFile string
}

// New creates a libp2p host per cfg.
func New(cfg Config) (*Network, error) {
	_, cancel := context.WithCancel(context.Background())

	priv, err := identity.LoadOrCreateIdentity(cfg.KeyFile)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load identity: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(libp2pquic.NewTransport),
	}

	if len(cfg.ListenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	}

	var gater *auth.AuthorizedPeerGater
	if cfg.AuthorizedKeysFile != "" {
		authorizedPeers, err := auth.LoadAuthorizedKeys(cfg.AuthorizedKeysFile)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("load authorized_keys: %w", err)
		}
		gater = auth.NewAuthorizedPeerGater(authorizedPeers)
		gater.SetPath(cfg.AuthorizedKeysFile)
		opts = append(opts, libp2p.ConnectionGater(gater))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	return &Network{host: h, cancel: cancel, gater: gater}, nil
}

// Gater returns the network's connection gater, or nil if gating is
// disabled. Used by the daemon's hot-reload path (SIGHUP / auth changes)
// to refresh the authorized-peer set without restarting the node.
func (n *Network) Gater() *auth.AuthorizedPeerGater { return n.gater }

// Host returns the underlying libp2p host, for registering stream
// handlers (gossip, control) and dialing peers.
func (n *Network) Host() host.Host { return n.host }

// PeerID returns this node's peer ID.
func (n *Network) PeerID() peer.ID { return n.host.ID() }

// Close shuts down the host.
func (n *Network) Close() error {
	n.cancel()
	return n.host.Close()
}
