package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/i2kn/i2kn-node/internal/config"
	"github.com/i2kn/i2kn-node/internal/identity"
	"github.com/i2kn/i2kn-node/internal/metrics"
	"github.com/i2kn/i2kn-node/internal/peerbook"
	"github.com/i2kn/i2kn-node/internal/swarmkey"
)

const (
	pinnedPeer = "12D3KooWLr1gYejUTeriAsSu6roR2aQ423G3Q4fFTqzqSwTsMz9n"
	otherPeer  = "12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN"
)

func TestBuildGater(t *testing.T) {
	gater, err := buildGater(config.NetworkConfig{
		Strict:    true,
		Bootstrap: []string{"", "/ip4/10.0.0.1/tcp/64000/p2p/" + pinnedPeer},
		DenyPeers: []string{otherPeer},
	}, nil)
	if err != nil {
		t.Fatalf("buildGater: %v", err)
	}

	pinned, _ := peer.Decode(pinnedPeer)
	other, _ := peer.Decode(otherPeer)

	if !gater.InterceptSecured(network.DirOutbound, pinned, nil) {
		t.Error("bootstrap peer should be allowed in strict mode")
	}
	if !gater.IsBlocked(other) {
		t.Error("deny_peers entry not blocked")
	}
}

func TestBuildGaterRejectsBadPeerID(t *testing.T) {
	if _, err := buildGater(config.NetworkConfig{DenyPeers: []string{"nope"}}, nil); err == nil {
		t.Error("expected error for invalid deny_peers entry")
	}
	if _, err := buildGater(config.NetworkConfig{AllowPeers: []string{"nope"}}, nil); err == nil {
		t.Error("expected error for invalid allow_peers entry")
	}
}

func TestReadSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte("  from-file \n"), 0600); err != nil {
		t.Fatal(err)
	}

	if got, _ := readSecret(" inline ", path); got != "inline" {
		t.Errorf("inline secret = %q", got)
	}
	if got, _ := readSecret("", path); got != "from-file" {
		t.Errorf("file secret = %q", got)
	}
	if _, err := readSecret("", filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestEnsureKeysAreCreatedOnce(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "keys", "node.key")
	swarmPath := filepath.Join(dir, "swarm.key")

	first, err := ensureIdentity(keyPath)
	if err != nil {
		t.Fatalf("ensureIdentity: %v", err)
	}
	second, err := ensureIdentity(keyPath)
	if err != nil {
		t.Fatalf("ensureIdentity again: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("identity changed: %s != %s", first.ID, second.ID)
	}

	if err := ensureSwarmKey(swarmPath); err != nil {
		t.Fatalf("ensureSwarmKey: %v", err)
	}
	before, err := swarmkey.LoadFile(swarmPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if err := ensureSwarmKey(swarmPath); err != nil {
		t.Fatalf("ensureSwarmKey again: %v", err)
	}
	after, _ := swarmkey.LoadFile(swarmPath)
	if string(before) != string(after) {
		t.Error("existing swarm key was replaced")
	}
}

func TestBuildParamsFromFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Identity.PrivateKeyFile = filepath.Join(dir, "node.key")
	cfg.Swarm.KeyFile = filepath.Join(dir, "swarm.key")
	cfg.PubSub.PeerExchange = false

	id, err := ensureIdentity(cfg.Identity.PrivateKeyFile)
	if err != nil {
		t.Fatal(err)
	}
	if err := ensureSwarmKey(cfg.Swarm.KeyFile); err != nil {
		t.Fatal(err)
	}

	params, err := buildParams(cfg, nil)
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}

	loaded, err := identity.Load(params.PrivateKey)
	if err != nil {
		t.Fatalf("params key unusable: %v", err)
	}
	if loaded.ID != id.ID {
		t.Errorf("params key is for %s, want %s", loaded.ID, id.ID)
	}
	if _, err := swarmkey.Decode(params.SwarmKey); err != nil {
		t.Errorf("params swarm key unusable: %v", err)
	}
	if !params.DisablePeerExchange {
		t.Error("peer exchange should be disabled")
	}
	if params.Topic != config.DefaultTopic {
		t.Errorf("topic = %q", params.Topic)
	}
	if params.Registerer != nil {
		t.Error("metrics should be disabled without a registerer")
	}
}

func TestBuildGaterCountsRejections(t *testing.T) {
	reg := prometheus.NewRegistry()
	gater, err := buildGater(config.NetworkConfig{
		Strict:    true,
		DenyPeers: []string{otherPeer},
	}, metrics.NewTracer(reg))
	if err != nil {
		t.Fatalf("buildGater: %v", err)
	}

	other, _ := peer.Decode(otherPeer)
	pinned, _ := peer.Decode(pinnedPeer)
	gater.InterceptPeerDial(other)
	gater.InterceptPeerDial(pinned)
	gater.InterceptSecured(network.DirInbound, pinned, nil)

	expected := `
# HELP i2kn_connections_blocked_total Connections refused by the gater
# TYPE i2kn_connections_blocked_total counter
i2kn_connections_blocked_total{reason="blocklist"} 1
i2kn_connections_blocked_total{reason="strict"} 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "i2kn_connections_blocked_total"); err != nil {
		t.Error(err)
	}
}

func TestOpenPeerBookForgetsOldPeers(t *testing.T) {
	cfg := config.Default()
	cfg.PeerBook.Path = filepath.Join(t.TempDir(), "peers.db")
	cfg.PeerBook.Retention = "24h"

	now := time.Now()
	stale, _ := peer.Decode(otherPeer)
	fresh, _ := peer.Decode(pinnedPeer)

	book, err := peerbook.Open(cfg.PeerBook.Path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := book.RecordConnected(stale, nil, now.Add(-48*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := book.RecordConnected(fresh, nil, now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	book.Close()

	book, err = openPeerBook(cfg, now)
	if err != nil {
		t.Fatalf("openPeerBook: %v", err)
	}
	defer book.Close()

	if _, err := book.Get(stale); !errors.Is(err, peerbook.ErrNotFound) {
		t.Errorf("stale peer kept: %v", err)
	}
	if _, err := book.Get(fresh); err != nil {
		t.Errorf("fresh peer forgotten: %v", err)
	}
}

func TestOpenPeerBookRejectsBadRetention(t *testing.T) {
	cfg := config.Default()
	cfg.PeerBook.Path = filepath.Join(t.TempDir(), "peers.db")
	cfg.PeerBook.Retention = "soon"

	if _, err := openPeerBook(cfg, time.Now()); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}
