package mesh

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/rhkrohan/pigeon/internal/link"
	"github.com/rhkrohan/pigeon/internal/message"
	"github.com/rhkrohan/pigeon/internal/storage"
	"github.com/rhkrohan/pigeon/internal/store"
)

type testNode struct {
	id     string
	store  *store.Store
	topo   *Topology
	link   *link.MemLink
	router *Router
}

func newTestNode(t *testing.T, net *link.MemNetwork, id string) *testNode {
	t.Helper()

	st, err := store.New(store.Config{Log: zaptest.NewLogger(t), KV: storage.NewMem()})
	if err != nil {
		t.Fatalf("init store for %s: %v", id, err)
	}
	topo := NewTopology(id)
	l := net.NewLink(id)

	r, err := NewRouter(RouterConfig{
		Log:                 zaptest.NewLogger(t),
		Store:               st,
		Link:                l,
		Topology:            topo,
		DeviceID:            id,
		DeviceName:          strings.ToUpper(id),
		AutoConnectInterval: time.Hour,
		SweepInterval:       time.Hour,
	})
	if err != nil {
		t.Fatalf("init router for %s: %v", id, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = r.Run(ctx) }()

	return &testNode{id: id, store: st, topo: topo, link: l, router: r}
}

// line wires nodes in a chain: each node connects only to its neighbors.
func line(t *testing.T, net *link.MemNetwork, nodes ...*testNode) {
	t.Helper()
	for i := 0; i+1 < len(nodes); i++ {
		if err := net.Join(nodes[i].id, nodes[i+1].id); err != nil {
			t.Fatalf("join %s-%s: %v", nodes[i].id, nodes[i+1].id, err)
		}
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// settle lets in-flight duplicates finish flooding before assertions.
func settle() { time.Sleep(100 * time.Millisecond) }

func TestThreeHopRelay(t *testing.T) {
	net := link.NewMemNetwork()
	a := newTestNode(t, net, "a")
	b := newTestNode(t, net, "b")
	c := newTestNode(t, net, "c")
	d := newTestNode(t, net, "d")
	line(t, net, a, b, c, d)

	sent, err := a.router.SendSOS(message.Payload{Description: "Trapped", Urgency: "high"})
	if err != nil {
		t.Fatalf("send sos: %v", err)
	}

	for _, n := range []*testNode{b, c, d} {
		node := n
		waitFor(t, func() bool { return node.store.HasSeen(sent.ID) }, "sos to reach "+node.id)
	}
	settle()

	for _, n := range []*testNode{a, b, c, d} {
		if got := len(n.store.ByType(message.TypeSOS)); got != 1 {
			t.Fatalf("node %s admitted %d copies, want 1", n.id, got)
		}
	}

	final := d.store.ByType(message.TypeSOS)[0]
	if final.HopCount != 2 {
		t.Fatalf("expected hopCount 2 at d, got %d", final.HopCount)
	}
	wantHops := []string{"a", "b", "c"}
	if len(final.Hops) != len(wantHops) {
		t.Fatalf("expected hops %v, got %v", wantHops, final.Hops)
	}
	for i, hop := range wantHops {
		if final.Hops[i] != hop {
			t.Fatalf("expected hops %v, got %v", wantHops, final.Hops)
		}
	}
	if final.SenderID != "a" || final.SenderName != "A" {
		t.Fatalf("expected sender preserved on relay, got %s/%s", final.SenderID, final.SenderName)
	}
}

func TestTriangleLoopPrevention(t *testing.T) {
	net := link.NewMemNetwork()
	a := newTestNode(t, net, "a")
	b := newTestNode(t, net, "b")
	c := newTestNode(t, net, "c")
	for _, pair := range [][2]string{{"a", "b"}, {"b", "c"}, {"a", "c"}} {
		if err := net.Join(pair[0], pair[1]); err != nil {
			t.Fatalf("join %v: %v", pair, err)
		}
	}
	net.ResetFrameCount()

	sent, err := a.router.SendBroadcast(message.Payload{Title: "Evacuate", Message: "Move east"})
	if err != nil {
		t.Fatalf("send broadcast: %v", err)
	}

	for _, n := range []*testNode{b, c} {
		node := n
		waitFor(t, func() bool { return node.store.HasSeen(sent.ID) }, "broadcast to reach "+node.id)
	}
	settle()

	for _, n := range []*testNode{a, b, c} {
		if got := len(n.store.ByType(message.TypeBroadcast)); got != 1 {
			t.Fatalf("node %s admitted %d copies, want 1", n.id, got)
		}
	}
	if frames := net.FrameCount(); frames > 6 {
		t.Fatalf("expected at most 6 frames on the wire, got %d", frames)
	}
}

func TestTTLDropWithoutAdmitOrForward(t *testing.T) {
	net := link.NewMemNetwork()
	a := newTestNode(t, net, "a")
	b := newTestNode(t, net, "b")
	line(t, net, a, b)

	// An injector peer with no router of its own.
	inj := net.NewLink("inj")
	if err := net.Join("inj", "a"); err != nil {
		t.Fatalf("join injector: %v", err)
	}

	m := message.New(message.TypeBroadcast, "inj", "INJ", message.Payload{Title: "t", Message: "m"})
	for _, hop := range []string{"h1", "h2", "h3", "h4", "h5", "h6", "h7", "h8", "h9", "h10"} {
		m.AddHop(hop)
	}
	if m.HopCount != message.MaxHops {
		t.Fatalf("fixture hopCount = %d, want %d", m.HopCount, message.MaxHops)
	}
	frame, err := m.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := inj.Send(frame, link.Peer{ID: "a"}); err != nil {
		t.Fatalf("inject: %v", err)
	}
	settle()

	if a.store.HasSeen(m.ID) {
		t.Fatal("expected TTL-expired message not admitted")
	}
	if a.store.Len() != 0 {
		t.Fatalf("expected store unchanged, got %d entries", a.store.Len())
	}
	if b.store.HasSeen(m.ID) {
		t.Fatal("expected TTL-expired message not forwarded")
	}
}

func TestDuplicateProcessingIsIdempotent(t *testing.T) {
	net := link.NewMemNetwork()
	a := newTestNode(t, net, "a")
	b := newTestNode(t, net, "b")
	line(t, net, a, b)

	inj := net.NewLink("inj")
	if err := net.Join("inj", "a"); err != nil {
		t.Fatalf("join injector: %v", err)
	}

	m := message.New(message.TypeBroadcast, "inj", "INJ", message.Payload{Title: "t", Message: "m"})
	frame, err := m.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if err := inj.Send(frame, link.Peer{ID: "a"}); err != nil {
		t.Fatalf("inject: %v", err)
	}
	waitFor(t, func() bool { return b.store.HasSeen(m.ID) }, "first copy relayed")
	settle()
	framesAfterFirst := net.FrameCount()

	if err := inj.Send(frame, link.Peer{ID: "a"}); err != nil {
		t.Fatalf("inject duplicate: %v", err)
	}
	settle()

	if got := len(a.store.ByType(message.TypeBroadcast)); got != 1 {
		t.Fatalf("expected single admitted copy, got %d", got)
	}
	// The duplicate itself crossed the injector link, but a must not relay
	// it a second time.
	if frames := net.FrameCount(); frames != framesAfterFirst+1 {
		t.Fatalf("expected no re-forward of duplicate, frames went %d -> %d", framesAfterFirst, frames)
	}
}

func TestDirectDeliveryWithReceipt(t *testing.T) {
	net := link.NewMemNetwork()
	a := newTestNode(t, net, "a")
	b := newTestNode(t, net, "b")
	c := newTestNode(t, net, "c")
	line(t, net, a, b, c)

	sent, err := a.router.SendDirect("meet at shelter 4", "c")
	if err != nil {
		t.Fatalf("send direct: %v", err)
	}
	// The receipt may already be in flight; if anything is pending it must
	// be our message.
	if got := a.router.PendingReceipts(); len(got) > 1 || (len(got) == 1 && got[0] != sent.ID) {
		t.Fatalf("unexpected pending set %v", got)
	}

	waitFor(t, func() bool { return c.store.HasSeen(sent.ID) }, "direct to reach c")

	waitFor(t, func() bool {
		receipts := a.store.ByType(message.TypeDeliveryReceipt)
		for _, rec := range receipts {
			if rec.Data.OriginalMessageID == sent.ID && rec.TargetDeviceID == "a" {
				return true
			}
		}
		return false
	}, "receipt to return to a")

	waitFor(t, func() bool { return len(a.router.PendingReceipts()) == 0 }, "pending receipt cleared")

	receipts := c.store.ByType(message.TypeDeliveryReceipt)
	if len(receipts) != 1 || receipts[0].SenderID != "c" {
		t.Fatalf("expected receipt originated by c, got %v", receipts)
	}
}

func TestGatewayAdvertisementAndStaleness(t *testing.T) {
	net := link.NewMemNetwork()
	a := newTestNode(t, net, "a")
	b := newTestNode(t, net, "b")
	g := newTestNode(t, net, "g")
	line(t, net, a, b, g)

	if err := g.router.BroadcastGatewayStatus(true, 0); err != nil {
		t.Fatalf("broadcast gateway status: %v", err)
	}

	waitFor(t, func() bool { return len(a.topo.Gateways()) == 1 }, "gateway to reach a")
	gw := a.topo.Gateways()[0]
	if gw.DeviceID != "g" || gw.Hops != 2 {
		t.Fatalf("expected gateway g at 2 hops, got %+v", gw)
	}
	if gw.DeviceName != "G" {
		t.Fatalf("expected gateway name carried, got %q", gw.DeviceName)
	}

	// No refresh for 121s: the entry goes stale.
	later := time.Now().Add(121 * time.Second)
	a.topo.SweepStale(later)
	if a.topo.HasReachableGateway(later) {
		t.Fatal("expected gateway swept after staleness window")
	}
}

func TestGatewayOfflineAdvertisementRemoves(t *testing.T) {
	net := link.NewMemNetwork()
	a := newTestNode(t, net, "a")
	g := newTestNode(t, net, "g")
	line(t, net, a, g)

	if err := g.router.BroadcastGatewayStatus(true, 3); err != nil {
		t.Fatalf("broadcast online: %v", err)
	}
	waitFor(t, func() bool { return len(a.topo.Gateways()) == 1 }, "gateway observed")

	if err := g.router.BroadcastGatewayStatus(false, 3); err != nil {
		t.Fatalf("broadcast offline: %v", err)
	}
	waitFor(t, func() bool { return len(a.topo.Gateways()) == 0 }, "gateway removed")
}

func TestDiscoveryBuildsTopology(t *testing.T) {
	net := link.NewMemNetwork()
	a := newTestNode(t, net, "a")
	b := newTestNode(t, net, "b")
	c := newTestNode(t, net, "c")
	d := newTestNode(t, net, "d")
	line(t, net, a, b, c, d)

	if _, err := a.router.DiscoverNetwork(); err != nil {
		t.Fatalf("discover: %v", err)
	}

	waitFor(t, func() bool {
		devices := a.topo.Devices()
		_, okB := devices["b"]
		_, okC := devices["c"]
		_, okD := devices["d"]
		return okB && okC && okD
	}, "discovery replies to map the line")

	devices := a.topo.Devices()
	if devices["b"] != 1 {
		t.Fatalf("expected b at 1 hop, got %d", devices["b"])
	}
	if devices["c"] != 2 {
		t.Fatalf("expected c at 2 hops, got %d", devices["c"])
	}
	if devices["d"] != 3 {
		t.Fatalf("expected d at 3 hops, got %d", devices["d"])
	}
	if _, hasSelf := devices["a"]; hasSelf {
		t.Fatal("expected local node excluded from its own topology")
	}
}

func TestPongUpdatesKnownDevices(t *testing.T) {
	net := link.NewMemNetwork()
	a := newTestNode(t, net, "a")

	inj := net.NewLink("inj")
	if err := net.Join("inj", "a"); err != nil {
		t.Fatalf("join injector: %v", err)
	}

	when := time.Now().UTC()
	pong := message.New(message.TypePong, "inj", "INJ", message.Payload{
		OriginalSenderID:  "far-node",
		OriginalTimestamp: message.Time(when),
	})
	frame, err := pong.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := inj.Send(frame, link.Peer{ID: "a"}); err != nil {
		t.Fatalf("inject: %v", err)
	}

	waitFor(t, func() bool { return a.topo.Devices()["far-node"] == 1 }, "pong to update topology")
}

func TestPingDoesNotFillLog(t *testing.T) {
	net := link.NewMemNetwork()
	a := newTestNode(t, net, "a")
	b := newTestNode(t, net, "b")
	line(t, net, a, b)

	sent, err := a.router.SendPing()
	if err != nil {
		t.Fatalf("send ping: %v", err)
	}

	// b answers with a pong; the ping itself is transient on both sides.
	waitFor(t, func() bool { return len(a.store.ByType(message.TypePong)) == 1 }, "pong to return")
	if len(a.store.ByType(message.TypePing)) != 0 || len(b.store.ByType(message.TypePing)) != 0 {
		t.Fatal("expected pings kept out of the persistent log")
	}
	if !b.store.HasSeen(sent.ID) {
		t.Fatal("expected ping still recorded for dedup")
	}

	pong := a.store.ByType(message.TypePong)[0]
	if pong.Data.OriginalSenderID != "a" {
		t.Fatalf("expected pong to echo original sender, got %q", pong.Data.OriginalSenderID)
	}
}
