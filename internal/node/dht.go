package node

import (
	"context"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/peer"
	mh "github.com/multiformats/go-multihash"
)

// DiscoveryNamespace is the DHT rendezvous key nodes announce themselves under.
const DiscoveryNamespace = "i2kn-node/1.0.0"

const (
	announceInterval = 30 * time.Second
	lookupInterval   = 60 * time.Second
)

// dhtDiscovery announces the node as a provider of the namespace key and
// periodically looks up other providers.
type dhtDiscovery struct {
	dht *dht.IpfsDHT
	key cid.Cid

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// namespaceKey derives the provider record key for namespace.
func namespaceKey(namespace string) (cid.Cid, error) {
	sum, err := mh.Sum([]byte(namespace), mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

func newDHTDiscovery(d *dht.IpfsDHT, namespace string) (*dhtDiscovery, error) {
	key, err := namespaceKey(namespace)
	if err != nil {
		return nil, err
	}
	return &dhtDiscovery{dht: d, key: key}, nil
}

func (d *dhtDiscovery) Name() string {
	return "dht"
}

func (d *dhtDiscovery) Start(ctx context.Context, found func(peer.AddrInfo)) error {
	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go d.run(ctx, found)
	return nil
}

func (d *dhtDiscovery) run(ctx context.Context, found func(peer.AddrInfo)) {
	defer d.wg.Done()

	announceTicker := time.NewTicker(announceInterval)
	defer announceTicker.Stop()
	lookupTicker := time.NewTicker(lookupInterval)
	defer lookupTicker.Stop()

	d.announce(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Debug("DHT discovery stopped")
			return
		case <-announceTicker.C:
			d.announce(ctx)
		case <-lookupTicker.C:
			d.lookup(ctx, found)
		}
	}
}

func (d *dhtDiscovery) announce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := d.dht.Provide(ctx, d.key, true); err != nil {
		log.Debugf("DHT announce failed: %v", err)
		return
	}
	log.Debug("DHT announcement successful")
}

func (d *dhtDiscovery) lookup(ctx context.Context, found func(peer.AddrInfo)) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	self := d.dht.Host().ID()
	for pi := range d.dht.FindProvidersAsync(ctx, d.key, 20) {
		if pi.ID == self {
			continue
		}
		found(pi)
	}
}

func (d *dhtDiscovery) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	return nil
}
