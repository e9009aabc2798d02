package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/i2kn/i2kn-node/internal/bootstrap"
	"github.com/i2kn/i2kn-node/internal/config"
	"github.com/i2kn/i2kn-node/internal/controller"
	"github.com/i2kn/i2kn-node/internal/metrics"
	"github.com/i2kn/i2kn-node/internal/peerbook"
	"github.com/i2kn/i2kn-node/internal/peers"
	"github.com/i2kn/i2kn-node/internal/swarmkey"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the node",
	Long:  `Start the node and run until interrupted.`,
	RunE:  runDaemon,
}

var listenAddr string

func init() {
	daemonCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "override listen address")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := config.LoadDotEnv(); err != nil {
		log.Warnf("Failed to load .env: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if listenAddr != "" {
		cfg.Network.Listen = []string{listenAddr}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var (
		registry   *prometheus.Registry
		registerer prometheus.Registerer
	)
	if cfg.Metrics.Listen != "" {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		registerer = registry
	}

	params, err := buildParams(cfg, registerer)
	if err != nil {
		return err
	}

	if cfg.PeerBook.Enabled {
		book, err := openPeerBook(cfg, time.Now())
		if err != nil {
			log.Warnf("Peer book disabled: %v", err)
		} else {
			defer book.Close()
			params.PeerBook = book
			params.PeerBookAnnounce = cfg.PeerBook.Announce
		}
	}

	var metricsServer *http.Server
	if registry != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(registry))
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Infof("Metrics available at http://%s/metrics", cfg.Metrics.Listen)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Metrics server error: %v", err)
			}
		}()
	}

	log.Info("Starting i2kn node...")
	ctrl := controller.New(params)
	ok, err := ctrl.Start(ctx)
	if !ok {
		if metricsServer != nil {
			metricsServer.Close()
		}
		if err == nil {
			err = controller.ErrNotStarted
		}
		return fmt.Errorf("failed to start node: %w", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down...")

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 5*time.Second)
		metricsServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	if err := ctrl.Stop(); err != nil {
		log.Warnf("Error stopping node: %v", err)
	}

	return nil
}

// buildParams resolves secrets and peer policy from cfg. A nil reg disables
// metrics.
func buildParams(cfg *config.Config, reg prometheus.Registerer) (controller.Params, error) {
	interval, err := cfg.Interval()
	if err != nil {
		return controller.Params{}, err
	}

	privKey, err := readSecret(cfg.Identity.PrivateKey, cfg.Identity.PrivateKeyFile)
	if err != nil {
		return controller.Params{}, fmt.Errorf("failed to read identity: %w", err)
	}

	token := strings.TrimSpace(cfg.Swarm.Key)
	if token == "" {
		psk, err := swarmkey.LoadFile(cfg.Swarm.KeyFile)
		if err != nil {
			return controller.Params{}, fmt.Errorf("failed to read swarm key: %w", err)
		}
		token = swarmkey.Encode(psk)
	}

	var tracer *metrics.Tracer
	if reg != nil {
		tracer = metrics.NewTracer(reg)
	}
	gater, err := buildGater(cfg.Network, tracer)
	if err != nil {
		return controller.Params{}, err
	}

	return controller.Params{
		PrivateKey:          privKey,
		SwarmKey:            token,
		Bootstrap:           cfg.Network.Bootstrap,
		Topic:               cfg.PubSub.Topic,
		Listen:              cfg.Network.Listen,
		HeartbeatInterval:   interval,
		MDNSServiceName:     cfg.Network.MDNSService,
		DisablePeerExchange: !cfg.PubSub.PeerExchange,
		DHT:                 cfg.Network.DHT,
		ConnLow:             cfg.Network.LowConns,
		ConnHigh:            cfg.Network.MaxConns,
		Gater:               gater,
		Registerer:          reg,
	}, nil
}

// readSecret returns inline if set, otherwise the trimmed contents of path.
func readSecret(inline, path string) (string, error) {
	if s := strings.TrimSpace(inline); s != "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// buildGater applies the deny and allow lists. Pinned bootstrap peers are
// always allowed. Rejections are counted on tracer.
func buildGater(nc config.NetworkConfig, tracer *metrics.Tracer) (*peers.Gater, error) {
	gater := peers.NewGater(nc.Strict)
	gater.SetBlockedCallback(func(_ peer.ID, reason string) {
		tracer.ConnectionBlocked(reason)
	})

	for _, s := range nc.DenyPeers {
		id, err := peer.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("invalid deny_peers entry %q: %w", s, err)
		}
		gater.Block(id)
	}
	for _, s := range nc.AllowPeers {
		id, err := peer.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("invalid allow_peers entry %q: %w", s, err)
		}
		gater.Allow(id)
	}
	for _, p := range bootstrap.RequirePinnedPeerIDs(bootstrap.ParseBootstrapAddresses(bootstrap.Filter(nc.Bootstrap))) {
		gater.Allow(p.AddrInfo.ID)
	}

	return gater, nil
}

// openPeerBook opens the peer book and forgets peers unseen for longer than
// the configured retention.
func openPeerBook(cfg *config.Config, now time.Time) (*peerbook.Book, error) {
	retention, err := cfg.Retention()
	if err != nil {
		return nil, err
	}

	book, err := peerbook.Open(cfg.PeerBook.Path)
	if err != nil {
		return nil, err
	}
	if retention == 0 {
		return book, nil
	}

	removed, err := book.Prune(now.Add(-retention))
	if err != nil {
		log.Warnf("Failed to prune peer book: %v", err)
	} else if removed > 0 {
		log.Infof("Forgot %d peers unseen for %s", removed, retention)
	}
	return book, nil
}
