// Package heartbeat publishes a periodic liveness announcement on a pubsub
// topic and tracks the announcements of other peers.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/i2kn/i2kn-node/internal/metrics"
)

var log = logging.Logger("i2kn-heartbeat")

// DefaultInterval is how often a node announces itself.
const DefaultInterval = 10 * time.Second

// Command is the command field of every heartbeat message.
const Command = "heartbeat"

// ErrRunning is returned when Start is called on a task that is already running.
var ErrRunning = errors.New("heartbeat already running")

// Message is the JSON payload published on the heartbeat topic.
type Message struct {
	Command string `json:"command"`
	Message string `json:"message"`
}

// Encode returns the heartbeat payload announcing self.
func Encode(self peer.ID) ([]byte, error) {
	return json.Marshal(Message{Command: Command, Message: self.String()})
}

// Publisher is the pubsub surface the task needs.
type Publisher interface {
	Subscribers(topic string) []peer.ID
	Publish(ctx context.Context, topic string, data []byte) error
}

// Option configures a Task.
type Option func(*Task)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(t *Task) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(t *Task) {
		t.clock = c
	}
}

// WithTracer records publish outcomes on tr.
func WithTracer(tr *metrics.Tracer) Option {
	return func(t *Task) {
		t.tracer = tr
	}
}

// WithTracker prunes stale peers from tr on every tick and reports the
// remaining live count.
func WithTracker(tr *Tracker) Option {
	return func(t *Task) {
		t.tracker = tr
	}
}

// Task publishes a heartbeat on a fixed period. Ticks never overlap.
type Task struct {
	pub      Publisher
	self     peer.ID
	topic    string
	interval time.Duration
	clock    clock.Clock
	tracer   *metrics.Tracer
	tracker  *Tracker

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTask creates a heartbeat task for the node self on topic.
func NewTask(pub Publisher, self peer.ID, topic string, opts ...Option) *Task {
	t := &Task{
		pub:      pub,
		self:     self,
		topic:    topic,
		interval: DefaultInterval,
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Interval returns the tick period.
func (t *Task) Interval() time.Duration {
	return t.interval
}

// Start schedules the first tick one interval from now and returns
// immediately. The task runs until Stop is called or ctx is done.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	ticker := t.clock.Ticker(t.interval)
	t.cancel = cancel
	t.done = make(chan struct{})

	go t.run(ctx, ticker, t.done)

	log.Debugf("Heartbeat on %s every %s", t.topic, t.interval)
	return nil
}

func (t *Task) run(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Tick(ctx); err != nil {
				log.Warnf("Heartbeat publish failed: %v", err)
			}
		}
	}
}

// Tick logs the current subscribers of the topic and publishes one heartbeat,
// whether or not any subscriber is known.
func (t *Task) Tick(ctx context.Context) error {
	if t.tracker != nil {
		now := t.clock.Now()
		if n := t.tracker.Prune(now); n > 0 {
			log.Debugf("Forgot %d silent peers", n)
		}
		t.tracer.LivePeers(t.tracker.PeerCount())
	}

	peers := t.pub.Subscribers(t.topic)
	log.Debugf("pubsub peers on %s: %v", t.topic, peers)

	data, err := Encode(t.self)
	if err != nil {
		return fmt.Errorf("failed to encode heartbeat: %w", err)
	}

	err = t.pub.Publish(ctx, t.topic, data)
	t.tracer.HeartbeatPublished(len(peers), err)
	if err != nil {
		return fmt.Errorf("failed to publish heartbeat to %s: %w", t.topic, err)
	}
	return nil
}

// Stop halts the task and waits for an in-progress tick to finish. It is safe
// to call more than once.
func (t *Task) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
