package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rhkrohan/pigeon/internal/bus"
	"github.com/rhkrohan/pigeon/internal/message"
	"github.com/rhkrohan/pigeon/internal/storage"
	"github.com/rhkrohan/pigeon/internal/store"
)

const (
	// SyncPeriod is the cadence of upload attempts while online.
	SyncPeriod = 30 * time.Second

	// BroadcastPeriod is the cadence of gateway-status advertisements into
	// the mesh while online.
	BroadcastPeriod = 30 * time.Second

	// UploadTimeout bounds one collector request.
	UploadTimeout = 15 * time.Second

	syncedIDsKey = "uploader.syncedIds"
)

// State describes the uploader's last observed outcome.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateSuccess State = "success"
	StateFailed  State = "failed"
)

// Status is a snapshot of uploader progress for the status API and the bus.
type Status struct {
	Active       bool      `json:"active"`
	State        State     `json:"state"`
	UploadedLast int       `json:"uploadedLast,omitempty"`
	SyncedCount  int       `json:"syncedCount"`
	LastError    string    `json:"lastError,omitempty"`
	LastSyncTime time.Time `json:"lastSyncTime,omitempty"`
}

// Broadcaster floods this node's gateway state into the mesh; the router
// implements it.
type Broadcaster interface {
	BroadcastGatewayStatus(active bool, syncedCount int) error
}

// Monitor reports Internet reachability transitions. True means online.
type Monitor interface {
	Events() <-chan bool
}

// UploaderConfig wires the uploader's collaborators.
type UploaderConfig struct {
	Log         *zap.Logger
	KV          storage.KV
	Store       *store.Store
	Broadcaster Broadcaster
	Monitor     Monitor
	Bus         *bus.Bus
	Metrics     *Metrics

	DeviceID   string
	DeviceName string

	// Endpoint is the collector URL messages are POSTed to.
	Endpoint   string
	HTTPClient *http.Client

	SyncInterval      time.Duration
	BroadcastInterval time.Duration
}

// Uploader watches reachability and, while online, drains not-yet-synced
// messages to the collector. Delivery is at-least-once: an id is recorded as
// synced only after the collector acknowledges it. Synced ids persist so a
// restart does not re-upload acknowledged messages.
type Uploader struct {
	log         *zap.Logger
	kv          storage.KV
	store       *store.Store
	broadcaster Broadcaster
	monitor     Monitor
	bus         *bus.Bus
	metrics     *Metrics

	deviceID   string
	deviceName string
	endpoint   string
	client     *http.Client

	syncInterval      time.Duration
	broadcastInterval time.Duration

	mu           sync.Mutex
	online       bool
	active       bool
	syncedIDs    map[string]struct{}
	state        State
	uploadedLast int
	lastError    string
	lastSyncTime time.Time
}

// uploadRequest is the collector contract body (§ POST /api/messages).
type uploadRequest struct {
	DeviceID   string              `json:"deviceId"`
	DeviceName string              `json:"deviceName"`
	Timestamp  time.Time           `json:"timestamp"`
	Messages   []*message.Envelope `json:"messages"`
}

// NewUploader loads the persisted synced-id set and builds an idle uploader.
func NewUploader(cfg UploaderConfig) (*Uploader, error) {
	if cfg.KV == nil {
		return nil, errors.New("uploader requires storage")
	}
	if cfg.Store == nil {
		return nil, errors.New("uploader requires the message store")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("uploader requires a collector endpoint")
	}
	if cfg.DeviceID == "" {
		return nil, errors.New("uploader requires a device id")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: UploadTimeout}
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = SyncPeriod
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = BroadcastPeriod
	}

	u := &Uploader{
		log:               cfg.Log,
		kv:                cfg.KV,
		store:             cfg.Store,
		broadcaster:       cfg.Broadcaster,
		monitor:           cfg.Monitor,
		bus:               cfg.Bus,
		metrics:           cfg.Metrics,
		deviceID:          cfg.DeviceID,
		deviceName:        cfg.DeviceName,
		endpoint:          cfg.Endpoint,
		client:            cfg.HTTPClient,
		syncInterval:      cfg.SyncInterval,
		broadcastInterval: cfg.BroadcastInterval,
		syncedIDs:         make(map[string]struct{}),
		state:             StateIdle,
	}
	if err := u.loadSyncedIDs(); err != nil {
		return nil, err
	}
	u.metrics.SetSyncedIDs(len(u.syncedIDs))
	return u, nil
}

// Run processes reachability transitions and periodic work until ctx ends.
func (u *Uploader) Run(ctx context.Context) error {
	if u.monitor == nil {
		return errors.New("uploader requires a reachability monitor")
	}

	syncTicker := time.NewTicker(u.syncInterval)
	defer syncTicker.Stop()
	broadcastTicker := time.NewTicker(u.broadcastInterval)
	defer broadcastTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case online, ok := <-u.monitor.Events():
			if !ok {
				return nil
			}
			u.setOnline(ctx, online)
		case <-syncTicker.C:
			if u.isActive() {
				if err := u.SyncNow(ctx); err != nil {
					u.log.Warn("periodic sync", zap.Error(err))
				}
			}
		case <-broadcastTicker.C:
			if u.isActive() {
				u.broadcast()
			}
		}
	}
}

func (u *Uploader) setOnline(ctx context.Context, online bool) {
	u.mu.Lock()
	edge := online != u.online
	u.online = online
	u.active = online
	u.mu.Unlock()
	if !edge {
		return
	}

	u.metrics.SetActive(online)
	if online {
		u.log.Info("reachability gained, activating gateway")
		u.broadcast()
		if err := u.SyncNow(ctx); err != nil {
			u.log.Warn("activation sync", zap.Error(err))
		}
		return
	}
	u.log.Info("reachability lost, deactivating gateway")
	u.broadcast()
	u.publishStatus()
}

// SyncNow uploads every admitted message whose id is not yet synced. Ids are
// recorded only after the collector acknowledges with a 2xx, so a failed
// upload retries the same set on the next tick.
func (u *Uploader) SyncNow(ctx context.Context) error {
	unsynced := u.unsynced()
	if len(unsynced) == 0 {
		u.setState(StateIdle, 0, "")
		return nil
	}

	u.setState(StateSyncing, 0, "")
	if err := u.post(ctx, unsynced); err != nil {
		u.metrics.RecordUploadFailure()
		u.setState(StateFailed, 0, err.Error())
		return err
	}

	u.mu.Lock()
	for _, m := range unsynced {
		u.syncedIDs[m.ID] = struct{}{}
	}
	u.lastSyncTime = time.Now()
	count := len(u.syncedIDs)
	u.mu.Unlock()

	u.persistSyncedIDs()
	u.metrics.RecordUpload(len(unsynced))
	u.metrics.SetSyncedIDs(count)
	u.setState(StateSuccess, len(unsynced), "")
	u.log.Info("uploaded messages", zap.Int("count", len(unsynced)), zap.Int("synced_total", count))
	return nil
}

// ForceSyncAll clears the synced-id set and retransmits everything, used
// after collector-side data loss.
func (u *Uploader) ForceSyncAll(ctx context.Context) error {
	u.mu.Lock()
	u.syncedIDs = make(map[string]struct{})
	u.mu.Unlock()
	u.persistSyncedIDs()
	u.metrics.SetSyncedIDs(0)
	return u.SyncNow(ctx)
}

// Status returns a snapshot of uploader progress.
func (u *Uploader) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return Status{
		Active:       u.active,
		State:        u.state,
		UploadedLast: u.uploadedLast,
		SyncedCount:  len(u.syncedIDs),
		LastError:    u.lastError,
		LastSyncTime: u.lastSyncTime,
	}
}

func (u *Uploader) isActive() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active
}

func (u *Uploader) unsynced() []*message.Envelope {
	all := u.store.All()

	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]*message.Envelope, 0, len(all))
	for _, m := range all {
		if _, done := u.syncedIDs[m.ID]; !done {
			out = append(out, m)
		}
	}
	return out
}

func (u *Uploader) post(ctx context.Context, msgs []*message.Envelope) error {
	body, err := json.Marshal(uploadRequest{
		DeviceID:   u.deviceID,
		DeviceName: u.deviceName,
		Timestamp:  time.Now().UTC(),
		Messages:   msgs,
	})
	if err != nil {
		return fmt.Errorf("encode upload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, UploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-ID", u.deviceID)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to collector: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("collector returned %s", resp.Status)
	}
	return nil
}

func (u *Uploader) broadcast() {
	if u.broadcaster == nil {
		return
	}
	u.mu.Lock()
	active := u.active
	count := len(u.syncedIDs)
	u.mu.Unlock()

	if err := u.broadcaster.BroadcastGatewayStatus(active, count); err != nil {
		u.log.Warn("broadcast gateway status", zap.Error(err))
	}
}

func (u *Uploader) setState(state State, uploaded int, lastErr string) {
	u.mu.Lock()
	u.state = state
	u.uploadedLast = uploaded
	u.lastError = lastErr
	u.mu.Unlock()
	u.publishStatus()
}

func (u *Uploader) publishStatus() {
	u.bus.Publish(bus.TopicUpload, u.Status())
}

func (u *Uploader) loadSyncedIDs() error {
	raw, ok := u.kv.Get(syncedIDsKey)
	if !ok || len(raw) == 0 {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return fmt.Errorf("decode synced ids: %w", err)
	}
	for _, id := range ids {
		u.syncedIDs[id] = struct{}{}
	}
	return nil
}

// persistSyncedIDs snapshots the set; a failure keeps the in-memory set
// authoritative and at-least-once delivery covers the rest.
func (u *Uploader) persistSyncedIDs() {
	u.mu.Lock()
	ids := make([]string, 0, len(u.syncedIDs))
	for id := range u.syncedIDs {
		ids = append(ids, id)
	}
	u.mu.Unlock()
	sort.Strings(ids)

	raw, err := json.Marshal(ids)
	if err != nil {
		u.log.Error("encode synced ids", zap.Error(err))
		return
	}
	if err := u.kv.Put(syncedIDsKey, raw); err != nil {
		u.log.Error("persist synced ids", zap.Error(err))
	}
}
