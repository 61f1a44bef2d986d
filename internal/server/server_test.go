package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/rhkrohan/pigeon/internal/identity"
	"github.com/rhkrohan/pigeon/internal/mesh"
	"github.com/rhkrohan/pigeon/internal/message"
	"github.com/rhkrohan/pigeon/internal/storage"
	"github.com/rhkrohan/pigeon/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *mesh.Topology) {
	t.Helper()

	id, err := identity.Load(storage.NewMem())
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}
	st, err := store.New(store.Config{Log: zaptest.NewLogger(t), KV: storage.NewMem()})
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	topo := mesh.NewTopology(id.DeviceID())

	srv, err := New(Config{
		Log:      zaptest.NewLogger(t),
		Address:  "127.0.0.1:0",
		Identity: id,
		Store:    st,
		Topology: topo,
	})
	if err != nil {
		t.Fatalf("init server: %v", err)
	}
	return srv, st, topo
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, st, topo := newTestServer(t)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)

	st.Admit(message.New(message.TypeSOS, "dev-x", "X", message.Payload{Description: "d", Urgency: "high"}))
	topo.Observe("dev-x", 1)
	topo.ObserveGateway(mesh.GatewayInfo{DeviceID: "gw", DeviceName: "G", Hops: 2}, time.Now())

	var status statusResponse
	getJSON(t, ts.URL+"/api/status", &status)
	if status.DeviceID == "" || status.DeviceName == "" {
		t.Fatalf("expected identity in status, got %+v", status)
	}
	if status.Messages != 1 || status.KnownDevices != 1 || status.KnownGateways != 1 {
		t.Fatalf("unexpected counts: %+v", status)
	}
	if status.NearestGateway != "gw" || status.GatewayHops != 2 {
		t.Fatalf("expected nearest gateway gw@2, got %+v", status)
	}
}

func TestMessagesEndpointFiltersByType(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)

	st.Admit(message.New(message.TypeSOS, "dev-x", "X", message.Payload{Description: "d", Urgency: "high"}))
	st.Admit(message.New(message.TypeBroadcast, "dev-x", "X", message.Payload{Title: "t", Message: "m"}))

	var all []*message.Envelope
	getJSON(t, ts.URL+"/api/messages", &all)
	if len(all) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(all))
	}

	var sos []*message.Envelope
	getJSON(t, ts.URL+"/api/messages?type=sos", &sos)
	if len(sos) != 1 || sos[0].Type != message.TypeSOS {
		t.Fatalf("expected sos filter, got %+v", sos)
	}
}

func TestTopologyEndpoint(t *testing.T) {
	srv, _, topo := newTestServer(t)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)

	topo.Observe("dev-b", 1)
	topo.Observe("dev-c", 2)
	topo.ObserveGateway(mesh.GatewayInfo{DeviceID: "gw", Hops: 3, SyncedCount: 7}, time.Now())

	var resp topologyResponse
	getJSON(t, ts.URL+"/api/topology", &resp)
	if len(resp.Devices) != 2 || resp.Devices["dev-c"] != 2 {
		t.Fatalf("unexpected devices: %+v", resp.Devices)
	}
	if len(resp.Gateways) != 1 || resp.Gateways[0].SyncedCount != 7 {
		t.Fatalf("unexpected gateways: %+v", resp.Gateways)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", resp.StatusCode)
	}

	// Readiness flips only once Start has run.
	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected readyz 503 before start, got %d", resp.StatusCode)
	}

	srv.ready.Store(true)
	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected readyz 200, got %d", resp.StatusCode)
	}
}
