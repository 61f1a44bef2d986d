// Package link abstracts the proximity transport the mesh runs over.
// Frames are opaque byte sequences; the link guarantees reliable, ordered,
// per-frame delivery within a session and surfaces peer lifecycle events.
package link

import (
	"context"
	"time"
)

const (
	// ServiceToken identifies the mesh on the local network; peers with a
	// different token never pair.
	ServiceToken = "pigeon-mesh"

	// ConnectInviteTimeout bounds a single connect attempt; the router's
	// auto-connect loop retries after.
	ConnectInviteTimeout = 30 * time.Second

	// MaxPeers is the advisory cap on simultaneous sessions.
	MaxPeers = 8
)

// Peer identifies a remote node on the link. ID is the link-level handle;
// DeviceID is the routing identifier carried in discovery info.
type Peer struct {
	ID       string
	DeviceID string
}

// Event is the union of link notifications surfaced to the router.
type Event interface{ isEvent() }

// PeerDiscovered fires when a nearby peer is first observed.
type PeerDiscovered struct{ Peer Peer }

// PeerLost fires when a discovered peer's advertisement goes quiet.
type PeerLost struct{ Peer Peer }

// Connected fires when a session is established, whether dialed or accepted.
type Connected struct{ Peer Peer }

// Disconnected fires when a session ends for any reason.
type Disconnected struct{ Peer Peer }

// Frame carries one received link frame.
type Frame struct {
	From Peer
	Data []byte
}

func (PeerDiscovered) isEvent() {}
func (PeerLost) isEvent()       {}
func (Connected) isEvent()      {}
func (Disconnected) isEvent()   {}
func (Frame) isEvent()          {}

// Link is the transport contract consumed by the mesh router. Implementations
// auto-accept all inbound sessions (open mesh) and impose no semantics on
// frames.
type Link interface {
	// Start begins advertising presence and browsing for peers.
	Start(ctx context.Context) error
	// Stop releases link resources and closes all sessions.
	Stop() error
	// Connect attempts a session with a discovered peer.
	Connect(peer Peer) error
	// Send delivers one frame to each listed peer, atomically per frame.
	Send(frame []byte, to ...Peer) error
	// ConnectedPeers lists peers with an established session.
	ConnectedPeers() []Peer
	// DiscoveredPeers lists peers observed nearby but not yet connected.
	DiscoveredPeers() []Peer
	// Events surfaces link notifications in per-peer arrival order.
	Events() <-chan Event
}
