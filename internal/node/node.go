// Package node assembles and runs the libp2p host of an i2kn node.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/pnet"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	lpconnmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/i2kn/i2kn-node/internal/bootstrap"
	"github.com/i2kn/i2kn-node/internal/events"
)

var log = logging.Logger("i2kn-node")

const (
	// DefaultListenAddr is the address a node listens on when none is configured.
	DefaultListenAddr = "/ip4/0.0.0.0/tcp/64000"

	// DefaultMDNSServiceName is the local-network discovery service name.
	DefaultMDNSServiceName = "i2kn-mdns"

	// ProtocolPrefix namespaces the DHT away from the public IPFS network.
	ProtocolPrefix = "/i2kn"
)

var (
	// ErrConstruction is returned when the host cannot be assembled.
	ErrConstruction = errors.New("failed to assemble node")

	// ErrClosed is returned by operations on a closed node.
	ErrClosed = errors.New("node closed")
)

// Discovery is a source of peer notifications. found may be called from any
// goroutine until Close returns.
type Discovery interface {
	Name() string
	Start(ctx context.Context, found func(peer.AddrInfo)) error
	Close() error
}

// Options describes the node to assemble.
type Options struct {
	// Identity is the node's private key. Required.
	Identity crypto.PrivKey
	// PSK restricts the node to peers holding the same swarm key. Required.
	PSK pnet.PSK

	// Listen addresses, opened by Start. Defaults to DefaultListenAddr.
	Listen []string
	// Bootstrap is the filtered static bootstrap list. Empty disables
	// bootstrap discovery.
	Bootstrap []string

	// MDNSServiceName defaults to DefaultMDNSServiceName.
	MDNSServiceName string
	// DisablePeerExchange turns off GossipSub peer exchange on prune.
	DisablePeerExchange bool
	// DHT enables Kademlia routing and namespace discovery.
	DHT bool

	// ConnLow and ConnHigh bound the connection manager. A zero ConnHigh
	// leaves libp2p's default manager in place.
	ConnLow  int
	ConnHigh int

	Gater       connmgr.ConnectionGater
	Discoveries []Discovery

	// Registerer receives libp2p's own metrics. Nil disables them.
	Registerer prometheus.Registerer
}

// Node is an assembled libp2p host with pubsub and discovery. Listeners and
// discovery begin only after Start.
type Node struct {
	host    host.Host
	dht     *dht.IpfsDHT
	pubsub  *pubsub.PubSub
	emitter event.Emitter

	listen      []multiaddr.Multiaddr
	discoveries []Discovery

	mu      sync.Mutex
	topics  map[string]*pubsub.Topic
	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Assemble builds a node from opts without opening any listener.
func Assemble(opts Options) (*Node, error) {
	if opts.Identity == nil {
		return nil, fmt.Errorf("%w: no identity", ErrConstruction)
	}
	if len(opts.PSK) != 32 {
		return nil, fmt.Errorf("%w: swarm key must be 32 bytes, got %d", ErrConstruction, len(opts.PSK))
	}

	listen := opts.Listen
	if len(listen) == 0 {
		listen = []string{DefaultListenAddr}
	}
	listenAddrs := make([]multiaddr.Multiaddr, 0, len(listen))
	for _, addr := range listen {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid listen address %s: %v", ErrConstruction, addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		listen: listenAddrs,
		topics: make(map[string]*pubsub.Topic),
		ctx:    ctx,
		cancel: cancel,
	}

	if err := n.init(opts); err != nil {
		n.Close()
		return nil, fmt.Errorf("%w: %v", ErrConstruction, err)
	}
	return n, nil
}

func (n *Node) init(opts Options) error {
	libp2pOpts := []libp2p.Option{
		libp2p.Identity(opts.Identity),
		libp2p.NoListenAddrs,
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.PrivateNetwork(opts.PSK),
	}

	if opts.ConnHigh > 0 {
		cm, err := lpconnmgr.NewConnManager(opts.ConnLow, opts.ConnHigh)
		if err != nil {
			return fmt.Errorf("failed to create connection manager: %w", err)
		}
		libp2pOpts = append(libp2pOpts, libp2p.ConnectionManager(cm))
	}
	if opts.Gater != nil {
		libp2pOpts = append(libp2pOpts, libp2p.ConnectionGater(opts.Gater))
	}
	if opts.Registerer != nil {
		libp2pOpts = append(libp2pOpts, libp2p.PrometheusRegisterer(opts.Registerer))
	} else {
		libp2pOpts = append(libp2pOpts, libp2p.DisableMetrics())
	}
	if opts.DHT {
		libp2pOpts = append(libp2pOpts, libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			n.dht, err = dht.New(n.ctx, h,
				dht.Mode(dht.ModeAutoServer),
				dht.ProtocolPrefix(ProtocolPrefix),
			)
			return n.dht, err
		}))
	}

	var err error
	n.host, err = libp2p.New(libp2pOpts...)
	if err != nil {
		return fmt.Errorf("failed to create libp2p host: %w", err)
	}

	n.emitter, err = n.host.EventBus().Emitter(new(events.EvtPeerDiscovered))
	if err != nil {
		return fmt.Errorf("failed to create discovery emitter: %w", err)
	}

	n.pubsub, err = pubsub.NewGossipSub(n.ctx, n.host,
		pubsub.WithPeerExchange(!opts.DisablePeerExchange),
	)
	if err != nil {
		return fmt.Errorf("failed to create pubsub: %w", err)
	}

	serviceName := opts.MDNSServiceName
	if serviceName == "" {
		serviceName = DefaultMDNSServiceName
	}
	n.discoveries = append(n.discoveries, newMDNSDiscovery(n.host, serviceName))

	if len(opts.Bootstrap) > 0 {
		log.Infof("Bootstrap peers: %v", opts.Bootstrap)
		n.discoveries = append(n.discoveries, bootstrap.NewDiscovery(opts.Bootstrap))
	}

	if n.dht != nil {
		d, err := newDHTDiscovery(n.dht, DiscoveryNamespace)
		if err != nil {
			return err
		}
		n.discoveries = append(n.discoveries, d)
	}

	n.discoveries = append(n.discoveries, opts.Discoveries...)
	return nil
}

// ID returns the node's peer ID.
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// EventBus returns the host event bus carrying discovery and connection events.
func (n *Node) EventBus() event.Bus {
	return n.host.EventBus()
}

// Peerstore returns the host peerstore.
func (n *Node) Peerstore() peerstore.Peerstore {
	return n.host.Peerstore()
}

// DiscoveryMechanisms returns the names of the configured discovery sources
// in start order.
func (n *Node) DiscoveryMechanisms() []string {
	names := make([]string, 0, len(n.discoveries))
	for _, d := range n.discoveries {
		names = append(names, d.Name())
	}
	return names
}

// Start opens the listeners and starts discovery. Calling Start on a started
// node is a no-op.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}
	if n.started {
		return nil
	}

	if err := n.host.Network().Listen(n.listen...); err != nil {
		return fmt.Errorf("failed to listen on %v: %w", n.listen, err)
	}

	if n.dht != nil {
		if err := n.dht.Bootstrap(ctx); err != nil {
			log.Warnf("Failed to bootstrap DHT: %v", err)
		}
	}

	for _, d := range n.discoveries {
		if err := d.Start(n.ctx, n.found(d.Name())); err != nil {
			log.Warnf("Failed to start %s discovery: %v", d.Name(), err)
			continue
		}
		log.Debugf("%s discovery started", d.Name())
	}

	n.started = true
	return nil
}

// found records a discovered peer's addresses and announces it on the bus.
func (n *Node) found(source string) func(peer.AddrInfo) {
	return func(pi peer.AddrInfo) {
		if len(pi.Addrs) > 0 {
			n.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.TempAddrTTL)
		}
		if err := n.emitter.Emit(events.EvtPeerDiscovered{Peer: pi, Source: source}); err != nil {
			log.Debugf("Failed to emit discovery of %s: %v", pi.ID, err)
		}
	}
}

// IsStarted reports whether Start completed and the node has not been closed.
func (n *Node) IsStarted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started && !n.closed
}

// Multiaddrs returns the addresses the node is listening on.
func (n *Node) Multiaddrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// P2PAddrs returns the node's dialable addresses, each ending in its peer ID.
func (n *Node) P2PAddrs() []multiaddr.Multiaddr {
	listening := n.host.Addrs()
	if len(listening) == 0 {
		return nil
	}
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: n.host.ID(), Addrs: listening})
	if err != nil {
		log.Warnf("Failed to build node addresses: %v", err)
		return nil
	}
	return addrs
}

// Dial connects to p using the addresses already known for it.
func (n *Node) Dial(ctx context.Context, p peer.ID) error {
	return n.host.Connect(ctx, peer.AddrInfo{ID: p})
}

func (n *Node) topic(name string) (*pubsub.Topic, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, ErrClosed
	}
	if t, ok := n.topics[name]; ok {
		return t, nil
	}
	t, err := n.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("failed to join topic %s: %w", name, err)
	}
	n.topics[name] = t
	return t, nil
}

// Subscribers returns the peers known to be subscribed to topic.
func (n *Node) Subscribers(topic string) []peer.ID {
	return n.pubsub.ListPeers(topic)
}

// Publish sends data on topic. Publishing with no subscribers succeeds.
func (n *Node) Publish(ctx context.Context, topic string, data []byte) error {
	t, err := n.topic(topic)
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

// Subscribe returns a subscription to topic.
func (n *Node) Subscribe(topic string) (*pubsub.Subscription, error) {
	t, err := n.topic(topic)
	if err != nil {
		return nil, err
	}
	return t.Subscribe()
}

// Close stops discovery and shuts the host down. It is safe to call more
// than once.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.cancel()

	for _, d := range n.discoveries {
		if err := d.Close(); err != nil {
			log.Warnf("Error closing %s discovery: %v", d.Name(), err)
		}
	}
	if n.emitter != nil {
		n.emitter.Close()
	}
	if n.dht != nil {
		if err := n.dht.Close(); err != nil {
			log.Warnf("Error closing DHT: %v", err)
		}
	}
	if n.host != nil {
		if err := n.host.Close(); err != nil {
			return fmt.Errorf("failed to close host: %w", err)
		}
	}
	return nil
}
