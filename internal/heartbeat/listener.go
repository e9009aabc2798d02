package heartbeat

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/benbjohnson/clock"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/i2kn/i2kn-node/internal/metrics"
)

// Source yields messages received on the heartbeat topic. A
// *pubsub.Subscription satisfies it.
type Source interface {
	Next(ctx context.Context) (*pubsub.Message, error)
	Cancel()
}

// Listener feeds heartbeats received from other peers into a Tracker.
type Listener struct {
	src     Source
	self    peer.ID
	tracker *Tracker
	clock   clock.Clock
	tracer  *metrics.Tracer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewListener creates a listener reading from src. Messages published by self
// are ignored.
func NewListener(src Source, self peer.ID, tracker *Tracker, c clock.Clock, tr *metrics.Tracer) *Listener {
	if c == nil {
		c = clock.New()
	}
	return &Listener{
		src:     src,
		self:    self,
		tracker: tracker,
		clock:   c,
		tracer:  tr,
	}
}

// Start consumes src in the background until Stop is called.
func (l *Listener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.run(ctx)
}

func (l *Listener) run(ctx context.Context) {
	defer l.wg.Done()

	for {
		msg, err := l.src.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warnf("Heartbeat subscription ended: %v", err)
			}
			return
		}
		l.handle(msg)
	}
}

func (l *Listener) handle(msg *pubsub.Message) {
	from := msg.GetFrom()
	if from == l.self {
		return
	}

	var hb Message
	if err := json.Unmarshal(msg.GetData(), &hb); err != nil {
		log.Debugf("Ignoring undecodable message from %s: %v", from, err)
		return
	}
	if hb.Command != Command {
		log.Debugf("Ignoring %q command from %s", hb.Command, from)
		return
	}
	if hb.Message != from.String() {
		log.Warnf("Heartbeat from %s announces a different identity %q", from, hb.Message)
	}

	now := l.clock.Now()
	l.tracker.Update(from, hb.Message, now)
	l.tracer.HeartbeatReceived(len(l.tracker.LivePeers(now)))
	log.Debugf("Heartbeat from %s", from)
}

// Stop cancels the subscription and waits for the listener to exit.
func (l *Listener) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	l.src.Cancel()
	l.wg.Wait()
	l.cancel = nil
}
