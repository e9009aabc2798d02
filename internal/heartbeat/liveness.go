package heartbeat

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// DefaultStaleTimeout is how long before a silent peer is considered gone.
const DefaultStaleTimeout = 3 * DefaultInterval

// Status is the last heartbeat seen from a peer.
type Status struct {
	PeerID    peer.ID
	Message   string
	Count     int
	Timestamp time.Time
}

// Tracker maintains the last heartbeat of every peer on the topic.
type Tracker struct {
	staleTimeout time.Duration

	mu    sync.RWMutex
	peers map[peer.ID]*Status
}

// NewTracker creates a tracker. A non-positive staleTimeout selects
// DefaultStaleTimeout.
func NewTracker(staleTimeout time.Duration) *Tracker {
	if staleTimeout <= 0 {
		staleTimeout = DefaultStaleTimeout
	}
	return &Tracker{
		staleTimeout: staleTimeout,
		peers:        make(map[peer.ID]*Status),
	}
}

// Update records a heartbeat from p.
func (t *Tracker) Update(p peer.ID, message string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.peers[p]
	if !ok {
		s = &Status{PeerID: p}
		t.peers[p] = s
	}
	s.Message = message
	s.Count++
	s.Timestamp = at
}

// Get returns a copy of the latest status for a peer, or nil if unknown.
func (t *Tracker) Get(p peer.ID) *Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.peers[p]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// IsAlive reports whether p has sent a heartbeat within the stale timeout.
func (t *Tracker) IsAlive(p peer.ID, now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.peers[p]
	if !ok {
		return false
	}
	return now.Sub(s.Timestamp) < t.staleTimeout
}

// LivePeers returns the peers that have reported within the stale timeout.
func (t *Tracker) LivePeers(now time.Time) []peer.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var live []peer.ID
	for id, s := range t.peers {
		if now.Sub(s.Timestamp) < t.staleTimeout {
			live = append(live, id)
		}
	}
	return live
}

// Prune forgets peers that went stale and returns how many were removed.
func (t *Tracker) Prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, s := range t.peers {
		if now.Sub(s.Timestamp) >= t.staleTimeout {
			delete(t.peers, id)
			removed++
		}
	}
	return removed
}

// PeerCount returns the number of tracked peers, live or stale.
func (t *Tracker) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
