package bootstrap

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Name identifies the static bootstrap discovery source in events and logs.
const Name = "bootstrap"

// Discovery reports every pinned bootstrap peer once when started.
type Discovery struct {
	peers []peer.AddrInfo

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDiscovery builds a discovery source from a filtered bootstrap list.
// Entries that fail to parse or lack a peer ID are skipped.
func NewDiscovery(addresses []string) *Discovery {
	for _, w := range ValidateBootstrapConfig(addresses) {
		log.Warnf("Bootstrap configuration: %s", w)
	}

	parsed := ParseBootstrapAddresses(addresses)
	pinned := RequirePinnedPeerIDs(parsed)
	if skipped := len(parsed) - len(pinned); skipped > 0 {
		log.Warnf("Skipping %d bootstrap peers without peer IDs", skipped)
	}

	return &Discovery{peers: mergeByPeer(pinned)}
}

// Name implements the node discovery interface.
func (d *Discovery) Name() string {
	return Name
}

// Peers returns the bootstrap peers this source will announce.
func (d *Discovery) Peers() []peer.AddrInfo {
	return d.peers
}

// Start announces the bootstrap peers to found in the background.
func (d *Discovery) Start(ctx context.Context, found func(peer.AddrInfo)) error {
	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for _, pi := range d.peers {
			if ctx.Err() != nil {
				return
			}
			log.Debugf("Announcing bootstrap peer %s", pi.ID)
			found(pi)
		}
	}()

	return nil
}

// Close stops any pending announcements.
func (d *Discovery) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	return nil
}
