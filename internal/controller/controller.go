// Package controller brings an i2kn node up from its startup parameters and
// owns it until shutdown.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/i2kn/i2kn-node/internal/bootstrap"
	"github.com/i2kn/i2kn-node/internal/events"
	"github.com/i2kn/i2kn-node/internal/heartbeat"
	"github.com/i2kn/i2kn-node/internal/identity"
	"github.com/i2kn/i2kn-node/internal/metrics"
	"github.com/i2kn/i2kn-node/internal/node"
	"github.com/i2kn/i2kn-node/internal/peerbook"
	"github.com/i2kn/i2kn-node/internal/swarmkey"
)

var log = logging.Logger("i2kn-controller")

var (
	// ErrNotStarted is returned when the node accepted Start but does not
	// report itself as started.
	ErrNotStarted = errors.New("node did not start")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("controller already started")
)

// Params are the startup parameters of a node.
type Params struct {
	// PrivateKey is the base64 protobuf-encoded node key.
	PrivateKey string
	// SwarmKey is the base64 encoded private network token.
	SwarmKey string
	// Bootstrap may contain empty entries; they are dropped.
	Bootstrap []string
	// Topic carries heartbeats.
	Topic string

	// Listen addresses; empty selects node.DefaultListenAddr.
	Listen []string
	// HeartbeatInterval defaults to heartbeat.DefaultInterval.
	HeartbeatInterval time.Duration
	// MDNSServiceName defaults to node.DefaultMDNSServiceName.
	MDNSServiceName string
	// DisablePeerExchange turns off GossipSub peer exchange.
	DisablePeerExchange bool
	// DHT enables Kademlia routing and namespace discovery.
	DHT bool
	// ConnLow and ConnHigh bound the connection manager.
	ConnLow  int
	ConnHigh int
	// Gater, when set, filters inbound and outbound connections.
	Gater connmgr.ConnectionGater

	// PeerBook, when set, records connected peers and redials up to
	// PeerBookAnnounce of them at startup. The controller does not close it.
	PeerBook         *peerbook.Book
	PeerBookAnnounce int

	// Registerer receives node and libp2p metrics. Nil disables metrics.
	Registerer prometheus.Registerer
}

// Runtime is the running node the controller drives. *node.Node implements it.
type Runtime interface {
	ID() peer.ID
	EventBus() event.Bus
	Peerstore() peerstore.Peerstore
	Start(ctx context.Context) error
	IsStarted() bool
	Multiaddrs() []multiaddr.Multiaddr
	P2PAddrs() []multiaddr.Multiaddr
	Dial(ctx context.Context, p peer.ID) error
	Subscribers(topic string) []peer.ID
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string) (*pubsub.Subscription, error)
	Close() error
}

var _ Runtime = (*node.Node)(nil)

// AssembleFunc builds a Runtime from node options.
type AssembleFunc func(node.Options) (Runtime, error)

func assembleNode(opts node.Options) (Runtime, error) {
	n, err := node.Assemble(opts)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Option configures a Controller.
type Option func(*Controller)

// WithAssembler replaces node.Assemble.
func WithAssembler(f AssembleFunc) Option {
	return func(c *Controller) {
		c.assemble = f
	}
}

// WithClock sets the clock driving the heartbeat.
func WithClock(cl clock.Clock) Option {
	return func(c *Controller) {
		c.clock = cl
	}
}

// Controller runs the startup sequence and owns the resulting node.
type Controller struct {
	params   Params
	assemble AssembleFunc
	clock    clock.Clock
	tracer   *metrics.Tracer

	mu        sync.Mutex
	rt        Runtime
	handlers  *events.Handlers
	heartbeat *heartbeat.Task
	listener  *heartbeat.Listener
	tracker   *heartbeat.Tracker
	cancel    context.CancelFunc
}

// New creates a controller for p.
func New(p Params, opts ...Option) *Controller {
	c := &Controller{
		params:   p,
		assemble: assembleNode,
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if p.Registerer != nil {
		c.tracer = metrics.NewTracer(p.Registerer)
	}
	return c
}

// Start loads the identity and swarm token, assembles and starts the node,
// and begins the heartbeat. It reports true only when the node is running.
// Any failure leaves no resources behind. ctx bounds startup only; the
// heartbeat runs until Stop.
func (c *Controller) Start(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rt != nil {
		return false, ErrAlreadyStarted
	}

	id, err := identity.Load(c.params.PrivateKey)
	if err != nil {
		return false, err
	}
	log.Infof("Node identity: %s", id)

	psk, err := swarmkey.Decode(c.params.SwarmKey)
	if err != nil {
		return false, err
	}

	opts := node.Options{
		Identity:            id.PrivKey,
		PSK:                 psk,
		Listen:              c.params.Listen,
		Bootstrap:           bootstrap.Filter(c.params.Bootstrap),
		MDNSServiceName:     c.params.MDNSServiceName,
		DisablePeerExchange: c.params.DisablePeerExchange,
		DHT:                 c.params.DHT,
		ConnLow:             c.params.ConnLow,
		ConnHigh:            c.params.ConnHigh,
		Gater:               c.params.Gater,
		Registerer:          c.params.Registerer,
	}
	if c.params.PeerBook != nil {
		opts.Discoveries = append(opts.Discoveries, peerbook.NewDiscovery(c.params.PeerBook, c.params.PeerBookAnnounce))
	}

	rt, err := c.assemble(opts)
	if err != nil {
		return false, err
	}

	handlerOpts := []events.Option{events.WithTracer(c.tracer)}
	if c.params.PeerBook != nil {
		handlerOpts = append(handlerOpts, events.WithRecorder(c.params.PeerBook, rt.Peerstore()))
	}
	handlers := events.New(rt.ID(), rt, handlerOpts...)
	if err := handlers.Attach(rt.EventBus()); err != nil {
		closeRuntime(rt)
		return false, err
	}

	if err := rt.Start(ctx); err != nil {
		handlers.Close()
		closeRuntime(rt)
		return false, fmt.Errorf("failed to start node: %w", err)
	}
	if !rt.IsStarted() {
		handlers.Close()
		closeRuntime(rt)
		return false, ErrNotStarted
	}

	for _, addr := range rt.P2PAddrs() {
		log.Infof("Listening on %s", addr)
	}

	c.rt = rt
	c.handlers = handlers
	c.startHeartbeat()
	return true, nil
}

// startHeartbeat begins listening for and publishing heartbeats until Stop.
// A failed subscription only disables liveness tracking.
func (c *Controller) startHeartbeat() {
	var ctx context.Context
	ctx, c.cancel = context.WithCancel(context.Background())

	self := c.rt.ID()
	topic := c.params.Topic

	c.tracker = heartbeat.NewTracker(3 * c.interval())
	sub, err := c.rt.Subscribe(topic)
	if err != nil {
		log.Warnf("Heartbeat tracking disabled: %v", err)
	} else {
		c.listener = heartbeat.NewListener(sub, self, c.tracker, c.clock, c.tracer)
		c.listener.Start(ctx)
	}

	c.heartbeat = heartbeat.NewTask(c.rt, self, topic,
		heartbeat.WithInterval(c.interval()),
		heartbeat.WithClock(c.clock),
		heartbeat.WithTracer(c.tracer),
		heartbeat.WithTracker(c.tracker),
	)
	if err := c.heartbeat.Start(ctx); err != nil {
		log.Warnf("Failed to start heartbeat: %v", err)
	}
}

func (c *Controller) interval() time.Duration {
	if c.params.HeartbeatInterval > 0 {
		return c.params.HeartbeatInterval
	}
	return heartbeat.DefaultInterval
}

func closeRuntime(rt Runtime) {
	if err := rt.Close(); err != nil {
		log.Warnf("Error closing node: %v", err)
	}
}

// Node returns the running node, or nil before a successful Start.
func (c *Controller) Node() Runtime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rt
}

// Tracker returns the heartbeat liveness tracker, or nil before a successful
// Start.
func (c *Controller) Tracker() *heartbeat.Tracker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker
}

// Stop halts the heartbeat and event handlers and closes the node.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rt == nil {
		return nil
	}

	c.cancel()
	c.heartbeat.Stop()
	if c.listener != nil {
		c.listener.Stop()
	}
	c.handlers.Close()

	err := c.rt.Close()
	c.rt, c.handlers, c.heartbeat, c.listener, c.cancel = nil, nil, nil, nil, nil
	if err != nil {
		return fmt.Errorf("failed to close node: %w", err)
	}
	return nil
}
