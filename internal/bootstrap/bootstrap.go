// Package bootstrap parses the static bootstrap peer list and turns it into a
// discovery source with peer ID verification (peer ID pinning).
package bootstrap

import (
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("i2kn-bootstrap")

// PeerInfo represents a bootstrap peer with its address and expected peer ID.
type PeerInfo struct {
	// AddrInfo contains the peer ID and addresses for connection
	AddrInfo peer.AddrInfo

	// HasPinnedID indicates whether the address included a peer ID.
	// Unpinned peers cannot be dialed by identifier.
	HasPinnedID bool

	// RawAddress is the original multiaddr string for logging
	RawAddress string
}

// Filter drops empty entries from a bootstrap list, keeping the relative
// order of the remaining addresses.
func Filter(addresses []string) []string {
	filtered := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if strings.TrimSpace(addr) == "" {
			continue
		}
		filtered = append(filtered, addr)
	}
	return filtered
}

// ParseBootstrapAddresses parses a list of bootstrap multiaddresses.
//
// Addresses should be in the format: /ip4/x.x.x.x/tcp/port/p2p/PEER_ID
// or /dnsaddr/hostname/p2p/PEER_ID
//
// Invalid addresses are logged and skipped. Addresses without peer IDs are
// returned marked as unpinned.
func ParseBootstrapAddresses(addresses []string) []PeerInfo {
	peers := make([]PeerInfo, 0, len(addresses))

	for _, addr := range addresses {
		peerInfo, err := ParseBootstrapAddress(addr)
		if err != nil {
			log.Warnf("Invalid bootstrap address %s: %v", addr, err)
			continue
		}

		if !peerInfo.HasPinnedID {
			log.Warnf("Bootstrap address %s does not include a peer ID and cannot be dialed by identifier. "+
				"Use format: %s/p2p/<PEER_ID>", addr, addr)
		}

		peers = append(peers, peerInfo)
	}

	return peers
}

// ParseBootstrapAddress parses a single bootstrap multiaddress.
// It extracts the peer ID if present and validates the address format.
func ParseBootstrapAddress(addr string) (PeerInfo, error) {
	addr = strings.TrimSpace(addr)
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("invalid multiaddr: %w", err)
	}

	if containsP2PComponent(addr) {
		addrInfo, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			return PeerInfo{}, fmt.Errorf("failed to parse peer info: %w", err)
		}

		return PeerInfo{
			AddrInfo:    *addrInfo,
			HasPinnedID: true,
			RawAddress:  addr,
		}, nil
	}

	return PeerInfo{
		AddrInfo: peer.AddrInfo{
			Addrs: []multiaddr.Multiaddr{ma},
		},
		HasPinnedID: false,
		RawAddress:  addr,
	}, nil
}

// containsP2PComponent checks if a multiaddr string contains a /p2p/ component.
func containsP2PComponent(addr string) bool {
	return strings.Contains(addr, "/p2p/") || strings.Contains(addr, "/ipfs/")
}

// ValidateBootstrapConfig checks a list of bootstrap addresses and returns
// warnings about entries that cannot be used.
func ValidateBootstrapConfig(addresses []string) []string {
	var warnings []string

	for _, addr := range addresses {
		if !containsP2PComponent(addr) {
			warnings = append(warnings, fmt.Sprintf(
				"Bootstrap address %q lacks peer ID - update to format: %s/p2p/<PEER_ID>",
				addr, addr))
		}
	}

	return warnings
}

// RequirePinnedPeerIDs returns only the bootstrap peers that have pinned peer IDs.
func RequirePinnedPeerIDs(peers []PeerInfo) []PeerInfo {
	pinned := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		if p.HasPinnedID {
			pinned = append(pinned, p)
		}
	}
	return pinned
}

// mergeByPeer folds several addresses of the same peer into one AddrInfo,
// keeping first-seen order.
func mergeByPeer(peers []PeerInfo) []peer.AddrInfo {
	index := make(map[peer.ID]int, len(peers))
	merged := make([]peer.AddrInfo, 0, len(peers))
	for _, p := range peers {
		if i, ok := index[p.AddrInfo.ID]; ok {
			merged[i].Addrs = append(merged[i].Addrs, p.AddrInfo.Addrs...)
			continue
		}
		index[p.AddrInfo.ID] = len(merged)
		merged = append(merged, peer.AddrInfo{
			ID:    p.AddrInfo.ID,
			Addrs: append([]multiaddr.Multiaddr(nil), p.AddrInfo.Addrs...),
		})
	}
	return merged
}
