package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rhkrohan/pigeon/internal/gateway"
	"github.com/rhkrohan/pigeon/internal/identity"
	"github.com/rhkrohan/pigeon/internal/mesh"
	"github.com/rhkrohan/pigeon/internal/message"
	"github.com/rhkrohan/pigeon/internal/store"
)

// Config wires the admin server's dependencies.
type Config struct {
	Log      *zap.Logger
	Address  string
	Registry *prometheus.Registry

	Identity *identity.Identity
	Store    *store.Store
	Topology *mesh.Topology
	Router   *mesh.Router
	Uploader *gateway.Uploader

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

// Server hosts metrics, health probes, and the read-only status API.
type Server struct {
	cfg   Config
	log   *zap.Logger
	http  *http.Server
	ready atomic.Bool
}

// New constructs the admin server.
func New(cfg Config) (*Server, error) {
	if cfg.Address == "" {
		return nil, errors.New("admin server requires an address")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.ShutdownGracePeriod <= 0 {
		cfg.ShutdownGracePeriod = 10 * time.Second
	}
	return &Server{cfg: cfg, log: cfg.Log}, nil
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.routes(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("admin server listening", zap.String("address", s.cfg.Address))
	s.ready.Store(true)
	err := s.http.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve admin: %w", err)
	}
	return nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	if s.cfg.Registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/messages", s.handleMessages)
	mux.HandleFunc("/api/topology", s.handleTopology)
	return mux
}

// Shutdown attempts a graceful stop within the context deadline.
func (s *Server) Shutdown(ctx context.Context) {
	s.ready.Store(false)
	if s.http == nil {
		return
	}
	if err := s.http.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("admin server shutdown", zap.Error(err))
	}
}

type statusResponse struct {
	DeviceID        string         `json:"deviceId"`
	DeviceName      string         `json:"deviceName"`
	Messages        int            `json:"messages"`
	KnownDevices    int            `json:"knownDevices"`
	KnownGateways   int            `json:"knownGateways"`
	NearestGateway  string         `json:"nearestGateway,omitempty"`
	GatewayHops     int            `json:"gatewayHops,omitempty"`
	PendingReceipts int            `json:"pendingReceipts"`
	Upload          gateway.Status `json:"upload"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusResponse{}
	if s.cfg.Identity != nil {
		resp.DeviceID = s.cfg.Identity.DeviceID()
		resp.DeviceName = s.cfg.Identity.DeviceName()
	}
	if s.cfg.Store != nil {
		resp.Messages = s.cfg.Store.Len()
	}
	if s.cfg.Topology != nil {
		resp.KnownDevices, resp.KnownGateways = s.cfg.Topology.Counts()
		if gw, ok := s.cfg.Topology.NearestGateway(time.Now()); ok {
			resp.NearestGateway = gw.DeviceID
			resp.GatewayHops = gw.Hops
		}
	}
	if s.cfg.Router != nil {
		resp.PendingReceipts = len(s.cfg.Router.PendingReceipts())
	}
	if s.cfg.Uploader != nil {
		resp.Upload = s.cfg.Uploader.Status()
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Store == nil {
		s.writeJSON(w, []*message.Envelope{})
		return
	}

	var msgs []*message.Envelope
	if t := r.URL.Query().Get("type"); t != "" {
		msgs = s.cfg.Store.ByType(message.Type(t))
	} else {
		msgs = s.cfg.Store.All()
	}
	if msgs == nil {
		msgs = []*message.Envelope{}
	}
	s.writeJSON(w, msgs)
}

type topologyResponse struct {
	Devices  map[string]int `json:"devices"`
	Gateways []gatewayView  `json:"gateways"`
}

type gatewayView struct {
	DeviceID    string    `json:"deviceId"`
	DeviceName  string    `json:"deviceName"`
	Hops        int       `json:"hops"`
	LastSeen    time.Time `json:"lastSeen"`
	SyncedCount int       `json:"syncedCount"`
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := topologyResponse{Devices: map[string]int{}, Gateways: []gatewayView{}}
	if s.cfg.Topology != nil {
		resp.Devices = s.cfg.Topology.Devices()
		for _, gw := range s.cfg.Topology.Gateways() {
			resp.Gateways = append(resp.Gateways, gatewayView{
				DeviceID:    gw.DeviceID,
				DeviceName:  gw.DeviceName,
				Hops:        gw.Hops,
				LastSeen:    gw.LastSeen,
				SyncedCount: gw.SyncedCount,
			})
		}
	}
	s.writeJSON(w, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response", zap.Error(err))
	}
}
