// Package events reacts to peer discovery and connection notifications
// delivered on the node's event bus.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/host/eventbus"
	"github.com/multiformats/go-multiaddr"

	"github.com/i2kn/i2kn-node/internal/metrics"
)

var log = logging.Logger("i2kn-events")

// EvtPeerDiscovered is emitted whenever a discovery source reports a peer.
type EvtPeerDiscovered struct {
	Peer   peer.AddrInfo
	Source string
}

// Dialer opens a connection to a peer by identifier.
type Dialer interface {
	Dial(ctx context.Context, p peer.ID) error
}

// Recorder persists peers we have connected to.
type Recorder interface {
	RecordConnected(p peer.ID, addrs []multiaddr.Multiaddr, at time.Time) error
}

// AddrBook resolves the known addresses of a peer.
type AddrBook interface {
	Addrs(p peer.ID) []multiaddr.Multiaddr
}

// Option configures Handlers.
type Option func(*Handlers)

// WithTracer records handler activity on t.
func WithTracer(t *metrics.Tracer) Option {
	return func(h *Handlers) {
		h.tracer = t
	}
}

// WithRecorder stores every connected peer, with addresses from book, in rec.
func WithRecorder(rec Recorder, book AddrBook) Option {
	return func(h *Handlers) {
		h.recorder = rec
		h.addrBook = book
	}
}

// Handlers owns the event subscriptions of a running node.
type Handlers struct {
	self     peer.ID
	dialer   Dialer
	tracer   *metrics.Tracer
	recorder Recorder
	addrBook AddrBook

	ctx    context.Context
	cancel context.CancelFunc
	subs   []event.Subscription
	wg     sync.WaitGroup
}

// New creates handlers for the node identified by self. Discovered peers are
// dialed through dialer.
func New(self peer.ID, dialer Dialer, opts ...Option) *Handlers {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handlers{
		self:   self,
		dialer: dialer,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Attach subscribes every handler to bus. Each handler consumes its own
// subscription, so a slow handler never delays another.
func (h *Handlers) Attach(bus event.Bus) error {
	discovered, err := bus.Subscribe(new(EvtPeerDiscovered), eventbus.BufSize(64))
	if err != nil {
		return fmt.Errorf("failed to subscribe to discovery events: %w", err)
	}
	h.subs = append(h.subs, discovered)

	connections, err := bus.Subscribe(new(event.EvtPeerConnectednessChanged), eventbus.BufSize(64))
	if err != nil {
		h.closeSubs()
		return fmt.Errorf("failed to subscribe to connection events: %w", err)
	}
	h.subs = append(h.subs, connections)

	h.wg.Add(2)
	go h.consume(discovered, h.handleDiscovered)
	go h.consume(connections, h.logConnection)

	if h.recorder != nil {
		recorded, err := bus.Subscribe(new(event.EvtPeerConnectednessChanged), eventbus.BufSize(64))
		if err != nil {
			h.Close()
			return fmt.Errorf("failed to subscribe peer recorder: %w", err)
		}
		h.subs = append(h.subs, recorded)
		h.wg.Add(1)
		go h.consume(recorded, h.recordConnection)
	}

	return nil
}

func (h *Handlers) consume(sub event.Subscription, handle func(interface{})) {
	defer h.wg.Done()
	for evt := range sub.Out() {
		handle(evt)
	}
}

// handleDiscovered makes exactly one dial attempt per notification. Dial
// failures are logged and never escape the handler.
func (h *Handlers) handleDiscovered(e interface{}) {
	evt, ok := e.(EvtPeerDiscovered)
	if !ok || evt.Peer.ID == "" || evt.Peer.ID == h.self {
		return
	}

	log.Debugf("Peer discovered via %s: %s", evt.Source, evt.Peer.ID)
	h.tracer.PeerDiscovered(evt.Source)

	h.wg.Add(1)
	go func(id peer.ID) {
		defer h.wg.Done()
		err := h.dialer.Dial(h.ctx, id)
		h.tracer.DialFinished(err)
		if err != nil {
			log.Debugf("Failed to dial discovered peer %s: %v", id, err)
			return
		}
		log.Debugf("Dialed discovered peer %s", id)
	}(evt.Peer.ID)
}

func (h *Handlers) logConnection(e interface{}) {
	evt, ok := e.(event.EvtPeerConnectednessChanged)
	if !ok {
		return
	}

	switch evt.Connectedness {
	case network.Connected:
		h.tracer.PeerConnected()
		log.Infof("Peer connected: %s", evt.Peer)
	case network.NotConnected:
		h.tracer.PeerDisconnected()
		log.Infof("Peer disconnected: %s", evt.Peer)
	}
}

func (h *Handlers) recordConnection(e interface{}) {
	evt, ok := e.(event.EvtPeerConnectednessChanged)
	if !ok || evt.Connectedness != network.Connected {
		return
	}

	var addrs []multiaddr.Multiaddr
	if h.addrBook != nil {
		addrs = h.addrBook.Addrs(evt.Peer)
	}
	if err := h.recorder.RecordConnected(evt.Peer, addrs, time.Now()); err != nil {
		log.Warnf("Failed to record peer %s: %v", evt.Peer, err)
	}
}

func (h *Handlers) closeSubs() {
	for _, sub := range h.subs {
		sub.Close()
	}
	h.subs = nil
}

// Close cancels in-flight dials, detaches from the bus and waits for every
// handler goroutine to return.
func (h *Handlers) Close() error {
	h.cancel()
	h.closeSubs()
	h.wg.Wait()
	return nil
}
