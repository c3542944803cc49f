package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shurlinet/fabricsched/internal/clustermap"
	"github.com/shurlinet/fabricsched/internal/config"
	"github.com/shurlinet/fabricsched/internal/daemon"
	"github.com/shurlinet/fabricsched/internal/gossip"
	"github.com/shurlinet/fabricsched/internal/scheduler/phase1"
	"github.com/shurlinet/fabricsched/internal/validate"
	"github.com/shurlinet/fabricsched/internal/watchdog"
	"github.com/shurlinet/fabricsched/pkg/p2pnet"
)

// defaultRamTokens is the static per-node capacity figure every node
// advertises in its NodePerf row, matching
// original_source/engine/src/main.rs's build_local_perf, which hardcodes
// ram_tokens: 1024. GPU probing is out of scope; a deployment that wants
// a different figure runs with a model tuned to the cluster it has.
const defaultRamTokens = 1024

// serveRuntime wires a running p2pnet.Network, ClusterMap, and gossip
// Engine together and implements daemon.RuntimeInfo so the control API
// can observe them.
type serveRuntime struct {
	network   *p2pnet.Network
	cfgFile   string
	cfg       *config.NodeConfig
	cluster   *clustermap.Map
	version   string
	startTime time.Time
}

func (rt *serveRuntime) Network() *p2pnet.Network   { return rt.network }
func (rt *serveRuntime) ConfigFile() string         { return rt.cfgFile }
func (rt *serveRuntime) AuthKeysPath() string       { return rt.cfg.Security.AuthorizedKeysFile }
func (rt *serveRuntime) GatingEnabled() bool        { return rt.cfg.Security.EnableConnectionGating }
func (rt *serveRuntime) Version() string            { return rt.version }
func (rt *serveRuntime) StartTime() time.Time       { return rt.startTime }
func (rt *serveRuntime) ClusterMap() *clustermap.Map { return rt.cluster }
func (rt *serveRuntime) ModelLayers() int           { return rt.cfg.Scheduler.ModelLayers }

func (rt *serveRuntime) SchedulerParams() phase1.Params {
	return phase1.Params{
		Alpha: rt.cfg.Scheduler.Alpha,
		TComp: rt.cfg.Scheduler.TComp,
		RRTT:  rt.cfg.Scheduler.RRTT,
	}
}

// GaterForHotReload returns the network's connection gater, or nil if
// gating is disabled or no authorized_keys path was configured to
// reload from.
func (rt *serveRuntime) GaterForHotReload() daemon.GaterReloader {
	g := rt.network.Gater()
	if g == nil || rt.cfg.Security.AuthorizedKeysFile == "" {
		return nil
	}
	return g
}

// nodeID resolves this process's node identifier: the NODE_ID env var,
// defaulting to "node-1", matching original_source/engine/src/main.rs's
// env::var("NODE_ID").unwrap_or_else(|_| "node-1".into()).
func nodeID() string {
	if id := os.Getenv("NODE_ID"); id != "" {
		return id
	}
	return "node-1"
}

// addrToMultiaddrs converts a "host:port" CLI address into the QUIC and
// TCP-fallback listen multiaddrs pkg/p2pnet.Config expects.
func addrToMultiaddrs(addr string) ([]string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid --addr %q: %w", addr, err)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	proto := "ip4"
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		proto = "ip6"
	}
	return []string{
		fmt.Sprintf("/%s/%s/udp/%s/quic-v1", proto, host, port),
		fmt.Sprintf("/%s/%s/tcp/%s", proto, host, port),
	}, nil
}

// loadOrCreateConfig resolves the node's config: an explicit --config
// file if given, the first of the standard search paths if one exists,
// or an in-memory default rooted at ~/.config/fabricd/ when neither is
// found and an --addr was supplied to bootstrap one. The directory is
// created; no config file is written.
func loadOrCreateConfig(configFlag, addr string) (cfgFile string, cfg *config.NodeConfig, err error) {
	cfgFile, err = config.FindConfigFile(configFlag)
	if err == nil {
		cfg, err = config.LoadNodeConfig(cfgFile)
		if err != nil {
			return "", nil, fmt.Errorf("config error: %w", err)
		}
		config.ResolveConfigPaths(cfg, filepath.Dir(cfgFile))
		return cfgFile, cfg, nil
	}
	if configFlag != "" {
		return "", nil, fmt.Errorf("config error: %w", err)
	}
	if addr == "" {
		return "", nil, fmt.Errorf("no config file found and no --addr given: %w", err)
	}

	configDir, derr := config.DefaultConfigDir()
	if derr != nil {
		return "", nil, fmt.Errorf("resolve default config dir: %w", derr)
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", nil, fmt.Errorf("create config dir: %w", err)
	}

	cfgFile = filepath.Join(configDir, "config.yaml")
	cfg = defaultNodeConfig(configDir)
	return cfgFile, cfg, nil
}

// defaultNodeConfig builds an in-memory NodeConfig rooted at configDir,
// used the first time fabricd is started without a config file on disk.
func defaultNodeConfig(configDir string) *config.NodeConfig {
	return &config.NodeConfig{
		Version: config.CurrentConfigVersion,
		Identity: config.IdentityConfig{
			KeyFile: filepath.Join(configDir, "identity.key"),
		},
		Gossip: config.GossipConfig{
			Interval:        config.DefaultGossipInterval,
			RTTProbeEnabled: true,
		},
		Scheduler: config.SchedulerConfig{
			ModelLayers: 32,
			Alpha:       1.0,
			TComp:       1.0,
			RRTT:        1.0,
		},
		Daemon: config.DaemonConfig{
			SocketPath: filepath.Join(configDir, "fabricd.sock"),
			CookiePath: filepath.Join(configDir, "cookie"),
		},
	}
}

// runNode is the shared body of `fabricd start` and `fabricd join`:
// load or bootstrap config, bring up the P2P host, gossip engine,
// watchdog, and control API, then block until a shutdown signal or a
// POST /v1/shutdown arrives. joinAddr is empty for `start`.
func runNode(configFlag, addrFlag, joinAddr string) error {
	cfgFile, cfg, err := loadOrCreateConfig(configFlag, addrFlag)
	if err != nil {
		return err
	}
	if addrFlag != "" {
		addrs, err := addrToMultiaddrs(addrFlag)
		if err != nil {
			return err
		}
		cfg.Network.ListenAddresses = addrs
	}
	if len(cfg.Network.ListenAddresses) == 0 {
		return fmt.Errorf("no listen address: pass --addr or set network.listen_addresses in config")
	}
	if err := config.ValidateNodeConfig(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	id := nodeID()
	if err := validate.NodeID(id); err != nil {
		return fmt.Errorf("NODE_ID: %w", err)
	}
	authKeysFile := ""
	if cfg.Security.EnableConnectionGating {
		authKeysFile = cfg.Security.AuthorizedKeysFile
	}

	network, err := p2pnet.New(p2pnet.Config{
		KeyFile:            cfg.Identity.KeyFile,
		ListenAddrs:        cfg.Network.ListenAddresses,
		AuthorizedKeysFile: authKeysFile,
	})
	if err != nil {
		return fmt.Errorf("start network: %w", err)
	}
	defer network.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cluster := clustermap.New()
	netMetrics := p2pnet.NewMetrics(fabricdVersion, goruntime.Version())
	if gater := network.Gater(); gater != nil {
		gater.SetDecisionCallback(func(peerID, result string) {
			netMetrics.AuthDecisionsTotal.WithLabelValues(result).Inc()
		})
	}

	prober := gossip.NewProber(network.Host())
	build := func() clustermap.NodePerf {
		layerLatency := make(map[int]float32, cfg.Scheduler.ModelLayers)
		for i := 0; i < cfg.Scheduler.ModelLayers; i++ {
			layerLatency[i] = 1.0
		}
		return clustermap.NodePerf{
			NodeID:       id,
			RamTokens:    defaultRamTokens,
			LayerLatency: layerLatency,
			RTT:          prober.Snapshot(),
			TimestampMs:  uint64(time.Now().UnixMilli()),
		}
	}

	engine := gossip.New(network.Host(), cluster, build, nil, nil)
	engine.Register()

	if joinAddr != "" {
		peerID, err := dialSeed(ctx, network, joinAddr)
		if err != nil {
			return fmt.Errorf("join %s: %w", joinAddr, err)
		}
		engine.AddPeer(peerID)
		if err := engine.SyncWith(ctx, peerID); err != nil {
			return fmt.Errorf("sync with %s: %w", joinAddr, err)
		}
	}

	go engine.Run(ctx, cfg.Gossip.Interval)
	if cfg.Gossip.RTTProbeEnabled {
		go runRTTProbeLoop(ctx, prober, engine)
	}

	if deadline, err := config.CheckPending(cfgFile); err == nil && !deadline.IsZero() {
		go config.EnforceCommitConfirmed(ctx, cfgFile, deadline, osExit)
	}

	rt := &serveRuntime{
		network:   network,
		cfgFile:   cfgFile,
		cfg:       cfg,
		cluster:   cluster,
		version:   fabricdVersion,
		startTime: time.Now(),
	}

	server := daemon.NewServer(rt, cfg.Daemon.SocketPath, cfg.Daemon.CookiePath, fabricdVersion)
	server.SetInstrumentation(netMetrics)
	if err := server.Start(); err != nil {
		return fmt.Errorf("start control API: %w", err)
	}
	defer server.Stop()

	// Record the config this node started with as the last-known-good
	// archive, unless a commit-confirmed apply is still pending.
	if deadline, err := config.CheckPending(cfgFile); err == nil && deadline.IsZero() {
		if _, statErr := os.Stat(cfgFile); statErr == nil {
			if err := config.Archive(cfgFile); err != nil {
				fmt.Fprintf(os.Stderr, "archive config: %v\n", err)
			}
		}
	}

	if cfg.Telemetry.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Telemetry.Metrics.ListenAddress, netMetrics, engine.Metrics())
	}

	go watchdog.Run(ctx, watchdog.Config{}, []watchdog.HealthCheck{
		{Name: "cluster-map", Check: func() error {
			if cluster.ValuesLen() == 0 {
				return fmt.Errorf("cluster map is empty")
			}
			return nil
		}},
	})
	watchdog.Ready()
	defer watchdog.Stopping()

	fmt.Printf("fabricd listening on %v (node=%s, peer=%s)\n", cfg.Network.ListenAddresses, id, network.PeerID())

	select {
	case <-ctx.Done():
	case <-server.ShutdownCh():
	}
	return nil
}

// runRTTProbeLoop periodically refreshes round-trip latency to every
// peer the gossip engine currently knows about.
func runRTTProbeLoop(ctx context.Context, prober *gossip.Prober, engine *gossip.Engine) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prober.ProbeAll(ctx, engine.Peers())
		}
	}
}

// serveMetrics exposes the Prometheus registries behind the control
// API's network and gossip collectors on addr until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, netMetrics *p2pnet.Metrics, gossipMetrics *gossip.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", netMetrics.Handler())
	mux.Handle("/metrics/gossip", promhttp.HandlerFor(gossipMetrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
	}
}

