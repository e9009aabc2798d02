package node

import (
	"context"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
)

type mdnsNotifee func(peer.AddrInfo)

// HandlePeerFound is called when a peer is discovered via mDNS.
func (f mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	f(pi)
}

// mdnsDiscovery finds peers on the local network.
type mdnsDiscovery struct {
	host        host.Host
	serviceName string
	service     mdns.Service
}

func newMDNSDiscovery(h host.Host, serviceName string) *mdnsDiscovery {
	return &mdnsDiscovery{host: h, serviceName: serviceName}
}

func (m *mdnsDiscovery) Name() string {
	return "mdns"
}

func (m *mdnsDiscovery) Start(_ context.Context, found func(peer.AddrInfo)) error {
	m.service = mdns.NewMdnsService(m.host, m.serviceName, mdnsNotifee(func(pi peer.AddrInfo) {
		log.Debugf("mDNS discovered peer: %s", pi.ID)
		found(pi)
	}))
	if err := m.service.Start(); err != nil {
		return err
	}
	log.Infof("mDNS discovery started with service name: %s", m.serviceName)
	return nil
}

func (m *mdnsDiscovery) Close() error {
	if m.service == nil {
		return nil
	}
	return m.service.Close()
}
