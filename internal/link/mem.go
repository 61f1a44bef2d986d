package link

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// MemNetwork is an in-process link fabric for tests and the mesh simulator.
// Topology is explicit: peers see each other only after Discover or Join.
type MemNetwork struct {
	mu     sync.Mutex
	links  map[string]*MemLink
	frames atomic.Int64
}

// NewMemNetwork constructs an empty fabric.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{links: make(map[string]*MemLink)}
}

// NewLink registers a node on the fabric keyed by its device id.
func (n *MemNetwork) NewLink(deviceID string) *MemLink {
	n.mu.Lock()
	defer n.mu.Unlock()

	l := &MemLink{
		net:        n,
		deviceID:   deviceID,
		events:     make(chan Event, 1024),
		discovered: make(map[string]Peer),
		connected:  make(map[string]*MemLink),
	}
	n.links[deviceID] = l
	return l
}

// Discover makes a and b visible to each other without connecting.
func (n *MemNetwork) Discover(a, b string) error {
	la, lb, err := n.pair(a, b)
	if err != nil {
		return err
	}
	la.discover(lb.peer())
	lb.discover(la.peer())
	return nil
}

// Join discovers and connects both directions, as the link's auto-accepted
// invitation flow would.
func (n *MemNetwork) Join(a, b string) error {
	if err := n.Discover(a, b); err != nil {
		return err
	}
	la, lb, err := n.pair(a, b)
	if err != nil {
		return err
	}
	return la.Connect(lb.peer())
}

// FrameCount reports total frames delivered across the fabric.
func (n *MemNetwork) FrameCount() int64 {
	return n.frames.Load()
}

// ResetFrameCount zeroes the delivery counter between test phases.
func (n *MemNetwork) ResetFrameCount() {
	n.frames.Store(0)
}

func (n *MemNetwork) pair(a, b string) (*MemLink, *MemLink, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	la, ok := n.links[a]
	if !ok {
		return nil, nil, fmt.Errorf("unknown link %s", a)
	}
	lb, ok := n.links[b]
	if !ok {
		return nil, nil, fmt.Errorf("unknown link %s", b)
	}
	return la, lb, nil
}

func (n *MemNetwork) lookup(id string) (*MemLink, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.links[id]
	return l, ok
}

// MemLink is one node's endpoint on a MemNetwork.
type MemLink struct {
	net      *MemNetwork
	deviceID string
	events   chan Event

	mu         sync.Mutex
	started    bool
	discovered map[string]Peer
	connected  map[string]*MemLink
}

func (l *MemLink) peer() Peer {
	return Peer{ID: l.deviceID, DeviceID: l.deviceID}
}

// DeviceID returns the id this link was registered under.
func (l *MemLink) DeviceID() string { return l.deviceID }

func (l *MemLink) Start(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = true
	return nil
}

func (l *MemLink) Stop() error {
	l.mu.Lock()
	peers := make([]*MemLink, 0, len(l.connected))
	for _, remote := range l.connected {
		peers = append(peers, remote)
	}
	l.connected = make(map[string]*MemLink)
	l.started = false
	l.mu.Unlock()

	for _, remote := range peers {
		remote.dropPeer(l.peer())
		l.emit(Disconnected{Peer: remote.peer()})
	}
	return nil
}

func (l *MemLink) Connect(peer Peer) error {
	remote, ok := l.net.lookup(peer.ID)
	if !ok {
		return fmt.Errorf("peer %s not on network", peer.ID)
	}

	l.mu.Lock()
	if _, dup := l.connected[peer.ID]; dup {
		l.mu.Unlock()
		return nil
	}
	l.connected[peer.ID] = remote
	delete(l.discovered, peer.ID)
	l.mu.Unlock()

	remote.acceptFrom(l)
	l.emit(Connected{Peer: remote.peer()})
	return nil
}

func (l *MemLink) Send(frame []byte, to ...Peer) error {
	var firstErr error
	for _, peer := range to {
		l.mu.Lock()
		remote, ok := l.connected[peer.ID]
		l.mu.Unlock()
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("peer %s not connected", peer.ID)
			}
			continue
		}
		l.net.frames.Add(1)
		remote.emit(Frame{From: l.peer(), Data: append([]byte(nil), frame...)})
	}
	return firstErr
}

func (l *MemLink) ConnectedPeers() []Peer {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Peer, 0, len(l.connected))
	for _, remote := range l.connected {
		out = append(out, remote.peer())
	}
	sortPeers(out)
	return out
}

func (l *MemLink) DiscoveredPeers() []Peer {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Peer, 0, len(l.discovered))
	for _, peer := range l.discovered {
		out = append(out, peer)
	}
	sortPeers(out)
	return out
}

func (l *MemLink) Events() <-chan Event { return l.events }

// Split severs the session between this link and a peer, as a radio dropout
// would. Both sides observe Disconnected.
func (l *MemLink) Split(peer Peer) {
	remote, ok := l.net.lookup(peer.ID)
	if !ok {
		return
	}
	l.dropPeer(remote.peer())
	remote.dropPeer(l.peer())
}

func (l *MemLink) discover(peer Peer) {
	l.mu.Lock()
	_, connected := l.connected[peer.ID]
	_, known := l.discovered[peer.ID]
	if !connected && !known {
		l.discovered[peer.ID] = peer
	}
	l.mu.Unlock()

	if !connected && !known {
		l.emit(PeerDiscovered{Peer: peer})
	}
}

func (l *MemLink) acceptFrom(remote *MemLink) {
	l.mu.Lock()
	_, dup := l.connected[remote.deviceID]
	if !dup {
		l.connected[remote.deviceID] = remote
		delete(l.discovered, remote.deviceID)
	}
	l.mu.Unlock()

	if !dup {
		l.emit(Connected{Peer: remote.peer()})
	}
}

func (l *MemLink) dropPeer(peer Peer) {
	l.mu.Lock()
	_, had := l.connected[peer.ID]
	delete(l.connected, peer.ID)
	l.mu.Unlock()

	if had {
		l.emit(Disconnected{Peer: peer})
	}
}

func (l *MemLink) emit(ev Event) {
	l.events <- ev
}

func sortPeers(peers []Peer) {
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
}
