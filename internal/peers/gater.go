// Package peers decides which remote peers the node may talk to.
package peers

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("i2kn-peers")

// Gater implements ConnectionGater with a blocklist and, in strict mode, an
// allowlist.
type Gater struct {
	strict bool

	mu        sync.RWMutex
	blocklist map[peer.ID]struct{}
	allowlist map[peer.ID]struct{}

	onBlocked func(peerID peer.ID, reason string)
}

// Rejection reasons passed to the blocked callback.
const (
	ReasonBlocklist = "blocklist"
	ReasonStrict    = "strict"
)

// NewGater creates a gater. In strict mode only allowed peers may connect.
func NewGater(strict bool) *Gater {
	return &Gater{
		strict:    strict,
		blocklist: make(map[peer.ID]struct{}),
		allowlist: make(map[peer.ID]struct{}),
	}
}

// SetBlockedCallback sets a callback for when connections are blocked.
func (g *Gater) SetBlockedCallback(cb func(peerID peer.ID, reason string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onBlocked = cb
}

// Block adds a peer to the blocklist.
func (g *Gater) Block(peerID peer.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocklist[peerID] = struct{}{}
	log.Infof("Blocked peer: %s", peerID.ShortString())
}

// Allow adds a peer to the allowlist consulted in strict mode.
func (g *Gater) Allow(peerID peer.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowlist[peerID] = struct{}{}
}

// IsBlocked checks if a peer is on the blocklist.
func (g *Gater) IsBlocked(peerID peer.ID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, blocked := g.blocklist[peerID]
	return blocked
}

// permit returns the reason p is refused, or "" if it is permitted, along
// with the blocked callback.
func (g *Gater) permit(p peer.ID) (string, func(peer.ID, string)) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, blocked := g.blocklist[p]; blocked {
		return ReasonBlocklist, g.onBlocked
	}
	if g.strict {
		if _, allowed := g.allowlist[p]; !allowed {
			return ReasonStrict, g.onBlocked
		}
	}
	return "", nil
}

func (g *Gater) check(p peer.ID, what string) bool {
	reason, onBlocked := g.permit(p)
	if reason == "" {
		return true
	}
	log.Debugf("Rejected %s peer %s: %s", what, p.ShortString(), reason)
	if onBlocked != nil {
		onBlocked(p, reason)
	}
	return false
}

// InterceptPeerDial is called before dialing a peer.
func (g *Gater) InterceptPeerDial(p peer.ID) bool {
	return g.check(p, "dial to")
}

// InterceptAddrDial is called before dialing a specific address.
func (g *Gater) InterceptAddrDial(p peer.ID, addr multiaddr.Multiaddr) bool {
	return g.InterceptPeerDial(p)
}

// InterceptAccept allows every inbound connection; the peer ID is only known
// once the connection is secured.
func (g *Gater) InterceptAccept(addrs network.ConnMultiaddrs) bool {
	return true
}

// InterceptSecured is called after the security handshake is complete.
func (g *Gater) InterceptSecured(dir network.Direction, p peer.ID, addrs network.ConnMultiaddrs) bool {
	return g.check(p, "secured connection from")
}

// InterceptUpgraded is called after the connection is fully upgraded.
func (g *Gater) InterceptUpgraded(conn network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}

var _ connmgr.ConnectionGater = (*Gater)(nil)
