package link

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBeaconInterval = 3 * time.Second
	beaconMissedIntervals = 3
	maxLANFrameBytes      = 1 << 20
)

// StaticPeer is a preconfigured candidate dialed without beacon discovery,
// for networks where UDP broadcast does not carry.
type StaticPeer struct {
	DeviceID string
	Addr     string
}

// LANConfig wires the LAN link.
type LANConfig struct {
	Log        *zap.Logger
	DeviceID   string
	ListenAddr string
	// BeaconPort carries UDP discovery beacons. Zero disables the beacon;
	// discovery then relies on static peers.
	BeaconPort     int
	BeaconInterval time.Duration
	ConnectTimeout time.Duration
	MaxPeers       int
	StaticPeers    []StaticPeer
}

// LANLink implements Link over the local network: UDP broadcast beacons
// advertise presence and carry the discovery info (device id plus dial
// address); sessions are length-prefixed frames over TCP. Inbound sessions
// are always accepted.
type LANLink struct {
	log *zap.Logger
	cfg LANConfig

	events chan Event

	mu         sync.Mutex
	started    bool
	listener   net.Listener
	beaconConn *net.UDPConn
	advertised string
	sessions   map[string]*lanSession
	discovered map[string]*lanCandidate
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

type lanCandidate struct {
	peer     Peer
	addr     string
	lastSeen time.Time
	static   bool
}

type lanSession struct {
	peer Peer
	conn net.Conn
	wmu  sync.Mutex
}

// beaconWire is the discovery info broadcast on the beacon port.
type beaconWire struct {
	Token    string `json:"token"`
	DeviceID string `json:"deviceId"`
	Addr     string `json:"addr"`
}

// helloWire opens every TCP session; both sides send one before frames flow.
type helloWire struct {
	Token    string `json:"token"`
	DeviceID string `json:"deviceId"`
}

// NewLANLink validates the config and builds an idle link.
func NewLANLink(cfg LANConfig) (*LANLink, error) {
	if cfg.DeviceID == "" {
		return nil, errors.New("lan link requires a device id")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":0"
	}
	if cfg.BeaconInterval <= 0 {
		cfg.BeaconInterval = defaultBeaconInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = ConnectInviteTimeout
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = MaxPeers
	}
	return &LANLink{
		log:        cfg.Log,
		cfg:        cfg,
		events:     make(chan Event, 1024),
		sessions:   make(map[string]*lanSession),
		discovered: make(map[string]*lanCandidate),
	}, nil
}

// Start opens the TCP listener and, when configured, the beacon socket.
func (l *LANLink) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}

	listener, err := net.Listen("tcp", l.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.cfg.ListenAddr, err)
	}
	l.listener = listener
	l.advertised = listener.Addr().String()

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.started = true

	for _, sp := range l.cfg.StaticPeers {
		if sp.DeviceID == "" || sp.DeviceID == l.cfg.DeviceID || sp.Addr == "" {
			continue
		}
		l.discovered[sp.DeviceID] = &lanCandidate{
			peer:   Peer{ID: sp.DeviceID, DeviceID: sp.DeviceID},
			addr:   sp.Addr,
			static: true,
		}
		l.emit(PeerDiscovered{Peer: Peer{ID: sp.DeviceID, DeviceID: sp.DeviceID}})
	}

	l.wg.Add(1)
	go l.acceptLoop(runCtx, listener)

	if l.cfg.BeaconPort > 0 {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: l.cfg.BeaconPort})
		if err != nil {
			listener.Close()
			cancel()
			l.started = false
			return fmt.Errorf("listen beacon port %d: %w", l.cfg.BeaconPort, err)
		}
		l.beaconConn = conn
		l.wg.Add(2)
		go l.beaconSendLoop(runCtx)
		go l.beaconRecvLoop(runCtx, conn)
	}

	l.log.Info("lan link started",
		zap.String("addr", l.advertised),
		zap.Int("beacon_port", l.cfg.BeaconPort))
	return nil
}

// Stop closes the listener, the beacon socket, and all sessions.
func (l *LANLink) Stop() error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = false
	cancel := l.cancel
	listener := l.listener
	beacon := l.beaconConn
	sessions := make([]*lanSession, 0, len(l.sessions))
	for _, s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if listener != nil {
		listener.Close()
	}
	if beacon != nil {
		beacon.Close()
	}
	for _, s := range sessions {
		s.conn.Close()
	}
	l.wg.Wait()
	return nil
}

// Addr returns the bound TCP address, available after Start.
func (l *LANLink) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.advertised
}

// AddStaticPeer injects a dialable candidate at runtime.
func (l *LANLink) AddStaticPeer(deviceID, addr string) {
	if deviceID == "" || deviceID == l.cfg.DeviceID || addr == "" {
		return
	}
	peer := Peer{ID: deviceID, DeviceID: deviceID}

	l.mu.Lock()
	_, connected := l.sessions[deviceID]
	_, known := l.discovered[deviceID]
	if !connected && !known {
		l.discovered[deviceID] = &lanCandidate{peer: peer, addr: addr, static: true}
	}
	l.mu.Unlock()

	if !connected && !known {
		l.emit(PeerDiscovered{Peer: peer})
	}
}

// Connect dials a discovered peer and performs the session handshake.
func (l *LANLink) Connect(peer Peer) error {
	l.mu.Lock()
	if _, dup := l.sessions[peer.ID]; dup {
		l.mu.Unlock()
		return nil
	}
	if len(l.sessions) >= l.cfg.MaxPeers {
		l.mu.Unlock()
		return fmt.Errorf("session cap %d reached", l.cfg.MaxPeers)
	}
	cand, ok := l.discovered[peer.ID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("peer %s not discovered", peer.ID)
	}

	conn, err := net.DialTimeout("tcp", cand.addr, l.cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cand.addr, err)
	}

	if err := writeLANFrame(conn, mustJSON(helloWire{Token: ServiceToken, DeviceID: l.cfg.DeviceID})); err != nil {
		conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}
	hello, err := readHello(conn, l.cfg.ConnectTimeout)
	if err != nil {
		conn.Close()
		return fmt.Errorf("read hello: %w", err)
	}

	l.registerSession(hello.DeviceID, conn)
	return nil
}

// Send writes the frame to each listed peer's session.
func (l *LANLink) Send(frame []byte, to ...Peer) error {
	if len(frame) > maxLANFrameBytes {
		return fmt.Errorf("frame of %d bytes exceeds link limit", len(frame))
	}

	var firstErr error
	for _, peer := range to {
		l.mu.Lock()
		sess, ok := l.sessions[peer.ID]
		l.mu.Unlock()
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("peer %s not connected", peer.ID)
			}
			continue
		}
		sess.wmu.Lock()
		err := writeLANFrame(sess.conn, frame)
		sess.wmu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("send to %s: %w", peer.ID, err)
		}
	}
	return firstErr
}

func (l *LANLink) ConnectedPeers() []Peer {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Peer, 0, len(l.sessions))
	for _, s := range l.sessions {
		out = append(out, s.peer)
	}
	sortPeers(out)
	return out
}

func (l *LANLink) DiscoveredPeers() []Peer {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Peer, 0, len(l.discovered))
	for _, c := range l.discovered {
		out = append(out, c.peer)
	}
	sortPeers(out)
	return out
}

func (l *LANLink) Events() <-chan Event { return l.events }

func (l *LANLink) acceptLoop(ctx context.Context, listener net.Listener) {
	defer l.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() == nil {
				l.log.Warn("accept session", zap.Error(err))
			}
			return
		}
		// Open mesh: every invitation is accepted.
		go l.acceptSession(conn)
	}
}

func (l *LANLink) acceptSession(conn net.Conn) {
	hello, err := readHello(conn, l.cfg.ConnectTimeout)
	if err != nil {
		l.log.Debug("reject session", zap.Error(err))
		conn.Close()
		return
	}
	if err := writeLANFrame(conn, mustJSON(helloWire{Token: ServiceToken, DeviceID: l.cfg.DeviceID})); err != nil {
		conn.Close()
		return
	}
	l.registerSession(hello.DeviceID, conn)
}

func (l *LANLink) registerSession(deviceID string, conn net.Conn) {
	if deviceID == "" || deviceID == l.cfg.DeviceID {
		conn.Close()
		return
	}
	peer := Peer{ID: deviceID, DeviceID: deviceID}
	sess := &lanSession{peer: peer, conn: conn}

	l.mu.Lock()
	if _, dup := l.sessions[deviceID]; dup {
		l.mu.Unlock()
		conn.Close()
		return
	}
	l.sessions[deviceID] = sess
	delete(l.discovered, deviceID)
	l.mu.Unlock()

	l.emit(Connected{Peer: peer})
	l.wg.Add(1)
	go l.readLoop(sess)
}

func (l *LANLink) readLoop(sess *lanSession) {
	defer l.wg.Done()
	reader := bufio.NewReader(sess.conn)
	for {
		frame, err := readLANFrame(reader)
		if err != nil {
			l.closeSession(sess, err)
			return
		}
		l.emit(Frame{From: sess.peer, Data: frame})
	}
}

func (l *LANLink) closeSession(sess *lanSession, cause error) {
	sess.conn.Close()

	l.mu.Lock()
	current, ok := l.sessions[sess.peer.ID]
	if ok && current == sess {
		delete(l.sessions, sess.peer.ID)
	} else {
		ok = false
	}
	started := l.started
	l.mu.Unlock()

	if !ok {
		return
	}
	if started && !errors.Is(cause, io.EOF) {
		l.log.Info("session closed", zap.String("peer", sess.peer.ID), zap.Error(cause))
	}
	l.emit(Disconnected{Peer: sess.peer})
}

func (l *LANLink) beaconSendLoop(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.BeaconInterval)
	defer ticker.Stop()

	dest := &net.UDPAddr{IP: net.IPv4bcast, Port: l.cfg.BeaconPort}
	payload := mustJSON(beaconWire{Token: ServiceToken, DeviceID: l.cfg.DeviceID, Addr: l.Addr()})

	l.sendBeacon(dest, payload)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sendBeacon(dest, payload)
			l.expireCandidates(time.Now())
		}
	}
}

func (l *LANLink) sendBeacon(dest *net.UDPAddr, payload []byte) {
	l.mu.Lock()
	conn := l.beaconConn
	l.mu.Unlock()
	if conn == nil {
		return
	}
	if _, err := conn.WriteToUDP(payload, dest); err != nil {
		l.log.Debug("send beacon", zap.Error(err))
	}
}

func (l *LANLink) beaconRecvLoop(ctx context.Context, conn *net.UDPConn) {
	defer l.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil {
				l.log.Debug("beacon socket closed", zap.Error(err))
			}
			return
		}
		var b beaconWire
		if err := json.Unmarshal(buf[:n], &b); err != nil {
			continue
		}
		if b.Token != ServiceToken || b.DeviceID == "" || b.DeviceID == l.cfg.DeviceID || b.Addr == "" {
			continue
		}
		l.observeBeacon(b, time.Now())
	}
}

func (l *LANLink) observeBeacon(b beaconWire, now time.Time) {
	peer := Peer{ID: b.DeviceID, DeviceID: b.DeviceID}

	l.mu.Lock()
	if _, connected := l.sessions[b.DeviceID]; connected {
		l.mu.Unlock()
		return
	}
	cand, known := l.discovered[b.DeviceID]
	if known {
		cand.addr = b.Addr
		cand.lastSeen = now
	} else {
		l.discovered[b.DeviceID] = &lanCandidate{peer: peer, addr: b.Addr, lastSeen: now}
	}
	l.mu.Unlock()

	if !known {
		l.emit(PeerDiscovered{Peer: peer})
	}
}

func (l *LANLink) expireCandidates(now time.Time) {
	cutoff := now.Add(-time.Duration(beaconMissedIntervals) * l.cfg.BeaconInterval)

	l.mu.Lock()
	var lost []Peer
	for id, cand := range l.discovered {
		if cand.static {
			continue
		}
		if cand.lastSeen.Before(cutoff) {
			delete(l.discovered, id)
			lost = append(lost, cand.peer)
		}
	}
	l.mu.Unlock()

	for _, peer := range lost {
		l.emit(PeerLost{Peer: peer})
	}
}

func (l *LANLink) emit(ev Event) {
	select {
	case l.events <- ev:
	default:
		l.log.Warn("event buffer full, dropping link event")
	}
}

func writeLANFrame(conn net.Conn, frame []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(frame)))
	if _, err := conn.Write(header[:]); err != nil {
		return err
	}
	_, err := conn.Write(frame)
	return err
}

func readLANFrame(reader io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(reader, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxLANFrameBytes {
		return nil, fmt.Errorf("frame of %d bytes exceeds link limit", size)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(reader, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func readHello(conn net.Conn, timeout time.Duration) (helloWire, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return helloWire{}, err
	}
	defer conn.SetReadDeadline(time.Time{})

	// Read straight off the conn: a buffered reader could swallow the first
	// bytes of the frame stream that follows the hello.
	frame, err := readLANFrame(conn)
	if err != nil {
		return helloWire{}, err
	}
	var hello helloWire
	if err := json.Unmarshal(frame, &hello); err != nil {
		return helloWire{}, fmt.Errorf("decode hello: %w", err)
	}
	if hello.Token != ServiceToken {
		return helloWire{}, fmt.Errorf("unexpected service token %q", hello.Token)
	}
	return hello, nil
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

var (
	_ Link = (*LANLink)(nil)
	_ Link = (*MemLink)(nil)
)
