package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rhkrohan/pigeon/internal/bus"
	"github.com/rhkrohan/pigeon/internal/link"
	"github.com/rhkrohan/pigeon/internal/message"
	"github.com/rhkrohan/pigeon/internal/store"
)

const (
	// AutoConnectPeriod is the cadence at which discovered-but-unconnected
	// peers are dialed.
	AutoConnectPeriod = 10 * time.Second

	// SweepPeriod is the cadence of the gateway staleness sweep.
	SweepPeriod = 30 * time.Second
)

// RouterConfig wires the router's collaborators.
type RouterConfig struct {
	Log      *zap.Logger
	Store    *store.Store
	Link     link.Link
	Topology *Topology
	Bus      *bus.Bus
	Metrics  *Metrics

	DeviceID   string
	DeviceName string

	AutoConnectInterval time.Duration
	SweepInterval       time.Duration
}

// Router is the store-and-forward core: it admits unique messages, answers
// probes, tracks topology, and floods everything else to its other
// neighbors under the hop TTL.
type Router struct {
	log     *zap.Logger
	store   *store.Store
	link    link.Link
	topo    *Topology
	bus     *bus.Bus
	metrics *Metrics

	deviceID   string
	deviceName string

	autoConnectInterval time.Duration
	sweepInterval       time.Duration

	mu      sync.Mutex
	pending map[string]time.Time
}

// NewRouter validates dependencies and builds an idle router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Store == nil {
		return nil, errors.New("router requires a message store")
	}
	if cfg.Link == nil {
		return nil, errors.New("router requires a link")
	}
	if cfg.Topology == nil {
		return nil, errors.New("router requires a topology tracker")
	}
	if cfg.DeviceID == "" {
		return nil, errors.New("router requires a device id")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.AutoConnectInterval <= 0 {
		cfg.AutoConnectInterval = AutoConnectPeriod
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = SweepPeriod
	}
	return &Router{
		log:                 cfg.Log,
		store:               cfg.Store,
		link:                cfg.Link,
		topo:                cfg.Topology,
		bus:                 cfg.Bus,
		metrics:             cfg.Metrics,
		deviceID:            cfg.DeviceID,
		deviceName:          cfg.DeviceName,
		autoConnectInterval: cfg.AutoConnectInterval,
		sweepInterval:       cfg.SweepInterval,
		pending:             make(map[string]time.Time),
	}, nil
}

// DeviceID returns the local routing identifier.
func (r *Router) DeviceID() string { return r.deviceID }

// DeviceName returns the local display name.
func (r *Router) DeviceName() string { return r.deviceName }

// Run starts the link and processes link events until ctx is canceled.
// Received frames are admitted, dispatched, and forwarded on this goroutine,
// so an admitted/forwarded pair is atomic. Locally originated messages are
// admitted and sent on the caller's goroutine.
func (r *Router) Run(ctx context.Context) error {
	if err := r.link.Start(ctx); err != nil {
		return fmt.Errorf("start link: %w", err)
	}

	autoConnect := time.NewTicker(r.autoConnectInterval)
	defer autoConnect.Stop()
	sweep := time.NewTicker(r.sweepInterval)
	defer sweep.Stop()

	r.autoConnect()
	for {
		select {
		case <-ctx.Done():
			if err := r.link.Stop(); err != nil {
				r.log.Warn("stop link", zap.Error(err))
			}
			return nil
		case ev, ok := <-r.link.Events():
			if !ok {
				return nil
			}
			r.handleLinkEvent(ev)
		case <-autoConnect.C:
			r.autoConnect()
		case <-sweep.C:
			r.sweepGateways(time.Now())
		}
	}
}

func (r *Router) handleLinkEvent(ev link.Event) {
	switch e := ev.(type) {
	case link.PeerDiscovered:
		r.log.Debug("peer discovered", zap.String("peer", e.Peer.DeviceID))
		r.tryConnect(e.Peer)
	case link.PeerLost:
		r.log.Debug("peer lost", zap.String("peer", e.Peer.DeviceID))
	case link.Connected:
		r.log.Info("peer connected", zap.String("peer", e.Peer.DeviceID))
		r.metrics.SetConnectedPeers(len(r.link.ConnectedPeers()))
		r.bus.Publish(bus.TopicPeers, PeerConnected{DeviceID: e.Peer.DeviceID})
	case link.Disconnected:
		r.log.Info("peer disconnected", zap.String("peer", e.Peer.DeviceID))
		r.metrics.SetConnectedPeers(len(r.link.ConnectedPeers()))
		r.bus.Publish(bus.TopicPeers, PeerDisconnected{DeviceID: e.Peer.DeviceID})
	case link.Frame:
		r.handleFrame(e.From, e.Data)
	}
}

// handleFrame runs the admission pipeline: decode, TTL, dedup, per-type
// dispatch, then forward to every connected peer except the source.
func (r *Router) handleFrame(from link.Peer, data []byte) {
	r.metrics.RecordFrame()

	m, err := message.Decode(data)
	if err != nil {
		if errors.Is(err, message.ErrInvariant) {
			r.metrics.RecordDrop("invariant")
			r.log.Warn("drop frame", zap.String("from", from.DeviceID), zap.Error(err))
		} else {
			r.metrics.RecordDrop("decode")
			r.log.Debug("drop frame", zap.String("from", from.DeviceID), zap.Error(err))
		}
		return
	}

	// TTL cut: expected and frequent, so no log.
	if m.HopCount >= message.MaxHops {
		r.metrics.RecordDrop("ttl")
		return
	}
	// Dedup cut: loops end here, silently.
	if r.store.HasSeen(m.ID) {
		r.metrics.RecordDrop("duplicate")
		return
	}

	now := time.Now()
	admit := true

	switch m.Type {
	case message.TypeDirect:
		if m.TargetDeviceID == r.deviceID {
			r.sendDeliveryReceipt(m, now)
		}
	case message.TypePing:
		admit = false
		r.replyPong(m)
	case message.TypePong:
		if m.Data.OriginalSenderID != "" {
			r.observeDevice(m.Data.OriginalSenderID, m.HopCount+1)
		}
	case message.TypeDiscovery:
		admit = false
		r.replyDiscovery(m)
	case message.TypeDiscoveryReply:
		r.observeDevice(m.SenderID, m.HopCount+1)
		for _, peer := range m.Data.ConnectedPeers {
			// A listed neighbor sits one link beyond the replying node.
			r.observeDevice(peer, m.HopCount+2)
		}
	case message.TypeDeliveryReceipt:
		r.confirmReceipt(m.Data.OriginalMessageID)
	case message.TypeGatewayStatus:
		admit = false
		r.handleGatewayStatus(m, now)
	}

	// Seen must be recorded before any forward so a concurrent second
	// arrival cannot produce a second relay.
	if admit {
		if r.store.Admit(m) {
			r.metrics.RecordAdmitted(string(m.Type))
			r.bus.Publish(bus.TopicMessages, MessageAdmitted{Message: m, FromDeviceID: from.DeviceID})
		}
	} else {
		r.store.MarkSeen(m.ID)
	}

	r.forward(m, from)
}

// forward relays a clone with the local id appended, to every connected
// peer except the one the message arrived from.
func (r *Router) forward(m *message.Envelope, from link.Peer) {
	if m.HopCount+1 > message.MaxHops {
		r.metrics.RecordDrop("ttl")
		return
	}

	peers := r.peersExcept(from)
	if len(peers) == 0 {
		return
	}

	fwd := m.Clone()
	fwd.AddHop(r.deviceID)
	data, err := fwd.Encode()
	if err != nil {
		r.log.Warn("encode relay", zap.String("id", m.ID), zap.Error(err))
		return
	}
	if err := r.link.Send(data, peers...); err != nil {
		// Not retried here; another neighbor's copy covers the gap.
		r.log.Info("relay send", zap.String("id", m.ID), zap.Error(err))
	}
	r.metrics.RecordForward()
}

// Originate validates, admits, and floods a locally created message.
func (r *Router) Originate(t message.Type, data message.Payload, targetDeviceID string) (*message.Envelope, error) {
	if err := message.ValidateForType(t, data, targetDeviceID); err != nil {
		return nil, err
	}

	m := message.New(t, r.deviceID, r.deviceName, data)
	m.TargetDeviceID = targetDeviceID

	raw, err := m.Encode()
	if err != nil {
		return nil, err
	}
	if len(raw) > message.MaxEnvelopeBytes {
		return nil, fmt.Errorf("%w: %d bytes", message.ErrOversize, len(raw))
	}

	// Admit before sending so self-originated messages are in the log (and
	// eligible for gateway upload), and so echoes of our own flood dedup.
	if transientType(t) {
		r.store.MarkSeen(m.ID)
	} else if r.store.Admit(m) {
		r.metrics.RecordAdmitted(string(m.Type))
		r.bus.Publish(bus.TopicMessages, MessageAdmitted{Message: m})
	}

	if t == message.TypeDirect {
		r.addPending(m.ID)
	}

	peers := r.link.ConnectedPeers()
	if len(peers) > 0 {
		if err := r.link.Send(raw, peers...); err != nil {
			r.log.Info("origination send", zap.String("id", m.ID), zap.Error(err))
		}
	}
	return m, nil
}

// Typed origination helpers.

func (r *Router) SendSOS(data message.Payload) (*message.Envelope, error) {
	return r.Originate(message.TypeSOS, data, "")
}

func (r *Router) SendTriage(data message.Payload) (*message.Envelope, error) {
	return r.Originate(message.TypeTriage, data, "")
}

func (r *Router) SendShelter(data message.Payload) (*message.Envelope, error) {
	return r.Originate(message.TypeShelter, data, "")
}

func (r *Router) SendMissingPerson(data message.Payload) (*message.Envelope, error) {
	return r.Originate(message.TypeMissingPerson, data, "")
}

func (r *Router) SendBroadcast(data message.Payload) (*message.Envelope, error) {
	return r.Originate(message.TypeBroadcast, data, "")
}

func (r *Router) SendDirect(content, targetDeviceID string) (*message.Envelope, error) {
	return r.Originate(message.TypeDirect, message.Payload{Content: content}, targetDeviceID)
}

// SendPing broadcasts a liveness probe carrying the local identity so pong
// replies can be attributed.
func (r *Router) SendPing() (*message.Envelope, error) {
	now := time.Now().UTC()
	return r.Originate(message.TypePing, message.Payload{
		OriginalSenderID:  r.deviceID,
		OriginalTimestamp: message.Time(now),
	}, "")
}

// DiscoverNetwork broadcasts a topology probe with the local neighbor list.
func (r *Router) DiscoverNetwork() (*message.Envelope, error) {
	return r.Originate(message.TypeDiscovery, message.Payload{
		RequestID:      uuid.NewString(),
		ConnectedPeers: r.neighborIDs(),
	}, "")
}

// BroadcastGatewayStatus floods this node's gateway state into the mesh.
func (r *Router) BroadcastGatewayStatus(active bool, syncedCount int) error {
	_, err := r.Originate(message.TypeGatewayStatus, message.Payload{
		IsGateway:         message.Bool(active),
		GatewayDeviceID:   r.deviceID,
		GatewayDeviceName: r.deviceName,
		SyncedCount:       message.Int(syncedCount),
	}, "")
	return err
}

// PendingReceipts lists direct-message ids still awaiting a receipt.
func (r *Router) PendingReceipts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.pending))
	for id := range r.pending {
		out = append(out, id)
	}
	return out
}

func (r *Router) sendDeliveryReceipt(m *message.Envelope, now time.Time) {
	_, err := r.Originate(message.TypeDeliveryReceipt, message.Payload{
		OriginalMessageID: m.ID,
		DeliveredAt:       message.Time(now.UTC()),
	}, m.SenderID)
	if err != nil {
		r.log.Warn("send delivery receipt", zap.String("for", m.ID), zap.Error(err))
	}
}

func (r *Router) replyPong(ping *message.Envelope) {
	origSender := ping.Data.OriginalSenderID
	if origSender == "" {
		origSender = ping.SenderID
	}
	origTime := ping.Data.OriginalTimestamp
	if origTime == nil {
		origTime = message.Time(ping.Timestamp)
	}
	if _, err := r.Originate(message.TypePong, message.Payload{
		OriginalSenderID:  origSender,
		OriginalTimestamp: origTime,
	}, ""); err != nil {
		r.log.Warn("reply pong", zap.Error(err))
	}
}

func (r *Router) replyDiscovery(probe *message.Envelope) {
	if _, err := r.Originate(message.TypeDiscoveryReply, message.Payload{
		RequestID:      probe.Data.RequestID,
		ConnectedPeers: r.neighborIDs(),
	}, ""); err != nil {
		r.log.Warn("reply discovery", zap.Error(err))
	}
}

func (r *Router) handleGatewayStatus(m *message.Envelope, now time.Time) {
	gwID := m.Data.GatewayDeviceID
	if gwID == "" {
		gwID = m.SenderID
	}
	gwName := m.Data.GatewayDeviceName
	if gwName == "" {
		gwName = m.SenderName
	}

	isGateway := m.Data.IsGateway != nil && *m.Data.IsGateway
	if isGateway {
		synced := 0
		if m.Data.SyncedCount != nil {
			synced = *m.Data.SyncedCount
		}
		info := GatewayInfo{
			DeviceID:    gwID,
			DeviceName:  gwName,
			Hops:        m.HopCount + 1,
			SyncedCount: synced,
		}
		if r.topo.ObserveGateway(info, now) {
			r.publishTopology()
			r.bus.Publish(bus.TopicGateway, GatewayChanged{Gateway: info, Online: true})
		}
		return
	}
	if r.topo.RemoveGateway(gwID) {
		r.publishTopology()
		r.bus.Publish(bus.TopicGateway, GatewayChanged{Gateway: GatewayInfo{DeviceID: gwID, DeviceName: gwName}, Online: false})
	}
}

func (r *Router) observeDevice(deviceID string, hops int) {
	if r.topo.Observe(deviceID, hops) {
		r.publishTopology()
	}
}

func (r *Router) publishTopology() {
	devices, gateways := r.topo.Counts()
	r.metrics.SetTopologySizes(devices, gateways)
	r.bus.Publish(bus.TopicTopology, TopologyChanged{Devices: devices, Gateways: gateways})
}

func (r *Router) sweepGateways(now time.Time) {
	removed := r.topo.SweepStale(now)
	if len(removed) == 0 {
		return
	}
	r.publishTopology()
	for _, gw := range removed {
		r.log.Info("gateway went stale", zap.String("gateway", gw.DeviceID))
		r.bus.Publish(bus.TopicGateway, GatewayChanged{Gateway: gw, Online: false})
	}
}

func (r *Router) autoConnect() {
	for _, peer := range r.link.DiscoveredPeers() {
		if !r.tryConnect(peer) {
			return
		}
	}
}

// tryConnect dials a peer under the advisory session cap. Returns false when
// the cap is reached.
func (r *Router) tryConnect(peer link.Peer) bool {
	if len(r.link.ConnectedPeers()) >= link.MaxPeers {
		return false
	}
	if err := r.link.Connect(peer); err != nil {
		r.log.Debug("connect peer", zap.String("peer", peer.DeviceID), zap.Error(err))
	}
	return true
}

func (r *Router) addPending(id string) {
	r.mu.Lock()
	r.pending[id] = time.Now()
	n := len(r.pending)
	r.mu.Unlock()
	r.metrics.SetPendingReceipts(n)
}

func (r *Router) confirmReceipt(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	_, had := r.pending[id]
	delete(r.pending, id)
	n := len(r.pending)
	r.mu.Unlock()

	if had {
		r.metrics.SetPendingReceipts(n)
		r.bus.Publish(bus.TopicMessages, ReceiptConfirmed{MessageID: id})
	}
}

func (r *Router) peersExcept(from link.Peer) []link.Peer {
	connected := r.link.ConnectedPeers()
	out := make([]link.Peer, 0, len(connected))
	for _, p := range connected {
		if p.ID == from.ID {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (r *Router) neighborIDs() []string {
	peers := r.link.ConnectedPeers()
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.DeviceID)
	}
	return out
}

// transientType reports whether a message type is processed but not retained
// in the persistent log. Probes and gateway beacons recur too often to spend
// queue slots on.
func transientType(t message.Type) bool {
	switch t {
	case message.TypePing, message.TypeDiscovery, message.TypeGatewayStatus:
		return true
	}
	return false
}
