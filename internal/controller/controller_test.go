package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/p2p/host/eventbus"
	"github.com/multiformats/go-multiaddr"

	"github.com/i2kn/i2kn-node/internal/heartbeat"
	"github.com/i2kn/i2kn-node/internal/identity"
	"github.com/i2kn/i2kn-node/internal/node"
	"github.com/i2kn/i2kn-node/internal/swarmkey"
)

// sampleKey is a 2048-bit RSA key in libp2p protobuf form.
const sampleKey = "CAASpwkwggSjAgEAAoIBAQCZ8y9zRJUZCDzusYsXUoNL27BD6//9uWTzX1GljEjFShrwf6sgV76YwGT/kc4svdySzae+l/TxotI2/r1pk1vhOfg5gYqxQ3mmezu/Vu+tC0Djh6FaW/PJ5RuV/C2C407uTsd76osERV2bCzkIDSwjaOiq6cKctv+Se8CvQstouaMSDuYZPM1kJbrBqVix3gr+yCeAPOlVw82l9PEeri7xpeI9R7IMJq43NRnZAzsFhKbYvPhyRSIkQjcgrPic65NNplDb8fm/TlTjsPy5gbKqEH4J8T32BT+Z6AJi4w2ei0YoW6x5fKVvAMarNSBhxR0DCJAii3IPsVSjL7VWAibJAgMBAAECggEADNECEkaTYxIcgIKnYbms1JPliMIM/cKBdQFqeq3DISmaNItsY7TqWS0rO1uYHoFv64jTfjqIWdWESq/KdQ+fhpCc6ayvLzK+3e1EfBlwuqdFL6wK8srU8Onx8fqcj1j9KTnFwbs095YOxOmaReFS21/QfuoXGZTikf9bezvEU2N/5FRPLP7CAksaNsOk7pL5ma9HQs1KmsiEZGmBeubyqJSXHPGub6iBlNhRRA7g3WJBuqf0+xrI9StPQbP1yBsdWe8QtFDtkRc/eoMWsrLeGpGTBjonfRQkt4Nuj/8vuUlKH+9uSF1vvOO/UypW8GkFKA59tZu7D2Fwh6vnzaRhAQKBgQDSGNo6MtzO03EpgVOFx4aQ1QyND6HD22WRBWOOwNHSRks7LiGzLT5awAhS62/voyqbNlu5Dz4ul/IXU+uqbJmiA5rA9HA7R/+8iA9Lhm2MXM2PgMDXgJ4aFzBdMrOwPwFV/gbmsajHb0HnxgOKuwbrxGaGW1zsDZQ0r0BOxsKoJQKBgQC7lelvB4ESySVXW3ZOrqmsnm47v/hb5xPz8z9HIihM7RQZGT78jkDauMZkAFZBDJ8njmgFb8z0TQ0Z7yNM3zLoCybXELh1jNo0bYdcGFquTgb8bwu4sysA7bCahF9svbVSFByNHBxO4A0f4nzvPCQH52B0MJeYQVbvenvP9wdA1QKBgQCGR8oazm1gZ7X5ACaA56CzKugltGsAwlYtFVOnZsf0bGcjAP4bBfzHhdsMHFxjvla580k2g26L2yOpE0MZnuWmrkUXtGOTEBZ8yj10WQvlXV8oq/MVCaiDJnUL7B76s5pH+t8wTTaBmTN3TpDu91CaGeIpV3WRjbA+6A/jCZhaXQKBgDxghiAMhEjtoS067RtqMIa0/7oPkfrSp6NvecCFh/8ql7t0WsejadB8hK6PRTPuwhNTTLvjPk6rtjnQtMX7WUFCxZ+XbCe5zEnvrw+/bwCHcMwzWcx7Lq4/0wYI8UXo0cG3Y3EvyRTCHLdUiO3fp6E7odoEAecpsLen7s4DLrx5AoGAJK1s5UnpGBeSlGJBkxsBuHPEYVP9gaMzrgcw0+vZKJJLFeAtJ+QsRQnztFE+y1SuzkwOcpeOlvSYEYV286BpkdhMi1V6Vd7paj7bUXltLEUlhJ8wGddnLz58OhBhsm812JIpX8BVx7EfvDzUGwrrRBLQ3bPNe/vqr2MjOrgQyYM="

// sampleToken is a base64 encoded V1 swarm key file.
const sampleToken = "L2tleS9zd2FybS9wc2svMS4wLjAvCi9iYXNlMTYvCjA1OTQ1NGQxNzAwNmIzM2NmYmVlNDgwM2QxOTk3YTYxODc4N2I4MzQ3YjVhOGVjM2YzMzVkNWE2NWU4MTU2YmI="

type fakeRuntime struct {
	id  peer.ID
	bus event.Bus

	startErr      error
	reportStarted bool

	mu        sync.Mutex
	started   bool
	closed    bool
	published chan []byte
}

func newFakeRuntime(id peer.ID) *fakeRuntime {
	return &fakeRuntime{
		id:            id,
		bus:           eventbus.NewBus(),
		reportStarted: true,
		published:     make(chan []byte, 16),
	}
}

func (f *fakeRuntime) ID() peer.ID                    { return f.id }
func (f *fakeRuntime) EventBus() event.Bus            { return f.bus }
func (f *fakeRuntime) Peerstore() peerstore.Peerstore { return nil }

func (f *fakeRuntime) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = f.reportStarted
	return nil
}

func (f *fakeRuntime) IsStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started && !f.closed
}

func (f *fakeRuntime) Multiaddrs() []multiaddr.Multiaddr {
	return []multiaddr.Multiaddr{multiaddr.StringCast("/ip4/127.0.0.1/tcp/64000")}
}

func (f *fakeRuntime) P2PAddrs() []multiaddr.Multiaddr {
	return []multiaddr.Multiaddr{multiaddr.StringCast("/ip4/127.0.0.1/tcp/64000/p2p/" + f.id.String())}
}

func (f *fakeRuntime) Dial(ctx context.Context, p peer.ID) error { return nil }

func (f *fakeRuntime) Subscribers(topic string) []peer.ID { return nil }

func (f *fakeRuntime) Publish(ctx context.Context, topic string, data []byte) error {
	f.published <- data
	return nil
}

func (f *fakeRuntime) Subscribe(topic string) (*pubsub.Subscription, error) {
	return nil, errors.New("subscriptions not supported")
}

func (f *fakeRuntime) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRuntime) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type recordingAssembler struct {
	rt    *fakeRuntime
	err   error
	calls int
	opts  node.Options
}

func (r *recordingAssembler) assemble(opts node.Options) (Runtime, error) {
	r.calls++
	r.opts = opts
	if r.err != nil {
		return nil, r.err
	}
	return r.rt, nil
}

func sampleID(t *testing.T) peer.ID {
	t.Helper()
	id, err := identity.Load(sampleKey)
	if err != nil {
		t.Fatalf("identity.Load: %v", err)
	}
	return id.ID
}

func TestStartRejectsMalformedKey(t *testing.T) {
	asm := &recordingAssembler{}
	c := New(Params{PrivateKey: "hello", SwarmKey: sampleToken}, WithAssembler(asm.assemble))

	ok, err := c.Start(context.Background())
	if ok {
		t.Fatal("expected false")
	}
	if !errors.Is(err, identity.ErrMalformedKey) {
		t.Fatalf("expected ErrMalformedKey, got %v", err)
	}
	if asm.calls != 0 {
		t.Error("node assembled despite malformed key")
	}
}

func TestStartRejectsMalformedToken(t *testing.T) {
	asm := &recordingAssembler{}
	c := New(Params{PrivateKey: sampleKey, SwarmKey: "not-a-token"}, WithAssembler(asm.assemble))

	ok, err := c.Start(context.Background())
	if ok {
		t.Fatal("expected false")
	}
	if !errors.Is(err, swarmkey.ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken, got %v", err)
	}
	if asm.calls != 0 {
		t.Error("node assembled despite malformed token")
	}
}

func TestStartReportsConstructionError(t *testing.T) {
	asm := &recordingAssembler{err: fmt.Errorf("%w: no transport", node.ErrConstruction)}
	c := New(Params{PrivateKey: sampleKey, SwarmKey: sampleToken}, WithAssembler(asm.assemble))

	ok, err := c.Start(context.Background())
	if ok || !errors.Is(err, node.ErrConstruction) {
		t.Fatalf("expected (false, ErrConstruction), got (%v, %v)", ok, err)
	}
	if c.Node() != nil {
		t.Error("controller kept a node after construction failure")
	}
}

func TestStartReleasesNodeOnStartError(t *testing.T) {
	rt := newFakeRuntime(sampleID(t))
	rt.startErr = errors.New("address in use")
	asm := &recordingAssembler{rt: rt}
	c := New(Params{PrivateKey: sampleKey, SwarmKey: sampleToken}, WithAssembler(asm.assemble))

	ok, err := c.Start(context.Background())
	if ok || !errors.Is(err, rt.startErr) {
		t.Fatalf("expected (false, start error), got (%v, %v)", ok, err)
	}
	if !rt.isClosed() {
		t.Error("node not closed after start failure")
	}
}

func TestStartReturnsFalseWhenNotStarted(t *testing.T) {
	rt := newFakeRuntime(sampleID(t))
	rt.reportStarted = false
	asm := &recordingAssembler{rt: rt}
	c := New(Params{PrivateKey: sampleKey, SwarmKey: sampleToken}, WithAssembler(asm.assemble))

	ok, err := c.Start(context.Background())
	if ok || !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected (false, ErrNotStarted), got (%v, %v)", ok, err)
	}
	if !rt.isClosed() {
		t.Error("node not closed")
	}
}

func TestStartRunsHeartbeat(t *testing.T) {
	self := sampleID(t)
	rt := newFakeRuntime(self)
	asm := &recordingAssembler{rt: rt}
	mock := clock.NewMock()

	c := New(Params{
		PrivateKey: sampleKey,
		SwarmKey:   sampleToken,
		Bootstrap:  []string{"", "/ip4/10.0.0.1/tcp/64000", "", "/ip4/10.0.0.2/tcp/64000"},
		Topic:      "I2KNV3",
	}, WithAssembler(asm.assemble), WithClock(mock))

	ok, err := c.Start(context.Background())
	if err != nil || !ok {
		t.Fatalf("Start = (%v, %v)", ok, err)
	}
	defer c.Stop()

	want := []string{"/ip4/10.0.0.1/tcp/64000", "/ip4/10.0.0.2/tcp/64000"}
	if strings.Join(asm.opts.Bootstrap, ",") != strings.Join(want, ",") {
		t.Errorf("bootstrap passed to node = %v, want %v", asm.opts.Bootstrap, want)
	}

	if _, err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start: expected ErrAlreadyStarted, got %v", err)
	}

	mock.Add(heartbeat.DefaultInterval)
	select {
	case data := <-rt.published:
		var msg heartbeat.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("heartbeat not JSON: %v", err)
		}
		if msg.Command != "heartbeat" || msg.Message != self.String() {
			t.Errorf("unexpected heartbeat %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat published")
	}
}

func TestHeartbeatOutlivesStartupContext(t *testing.T) {
	rt := newFakeRuntime(sampleID(t))
	asm := &recordingAssembler{rt: rt}
	mock := clock.NewMock()
	c := New(Params{PrivateKey: sampleKey, SwarmKey: sampleToken, Topic: "I2KNV3"},
		WithAssembler(asm.assemble), WithClock(mock))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if ok, err := c.Start(ctx); !ok {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop()

	<-ctx.Done()
	time.Sleep(20 * time.Millisecond)
	if !rt.IsStarted() {
		t.Fatal("node stopped with the startup context")
	}

	for i := 0; i < 2; i++ {
		mock.Add(heartbeat.DefaultInterval)
		select {
		case <-rt.published:
		case <-time.After(2 * time.Second):
			t.Fatalf("heartbeat %d not published after startup context expired", i+1)
		}
	}
}

func TestStopClosesNode(t *testing.T) {
	rt := newFakeRuntime(sampleID(t))
	asm := &recordingAssembler{rt: rt}
	mock := clock.NewMock()
	c := New(Params{PrivateKey: sampleKey, SwarmKey: sampleToken, Topic: "t"},
		WithAssembler(asm.assemble), WithClock(mock))

	if ok, err := c.Start(context.Background()); !ok {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !rt.isClosed() {
		t.Error("node not closed")
	}
	if c.Node() != nil {
		t.Error("node still referenced after Stop")
	}

	mock.Add(heartbeat.DefaultInterval)
	select {
	case <-rt.published:
		t.Error("heartbeat published after Stop")
	case <-time.After(50 * time.Millisecond):
	}

	if err := c.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}
