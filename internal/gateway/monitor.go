package gateway

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultProbeInterval = 10 * time.Second

// ManualMonitor is a reachability source driven by the hosting application,
// for platforms that surface their own connectivity callbacks, and by tests.
type ManualMonitor struct {
	events chan bool
}

// NewManualMonitor builds a monitor whose transitions come from SetOnline.
func NewManualMonitor() *ManualMonitor {
	return &ManualMonitor{events: make(chan bool, 8)}
}

// SetOnline reports a reachability state. Edges are resolved by the uploader,
// so repeats are harmless.
func (m *ManualMonitor) SetOnline(online bool) {
	m.events <- online
}

func (m *ManualMonitor) Events() <-chan bool { return m.events }

// ProbeMonitor derives reachability by periodically probing an HTTP URL,
// typically the collector itself. It emits only on transitions.
type ProbeMonitor struct {
	log      *zap.Logger
	url      string
	interval time.Duration
	client   *http.Client
	events   chan bool
}

// NewProbeMonitor builds a probe against the given URL.
func NewProbeMonitor(log *zap.Logger, url string, interval time.Duration) *ProbeMonitor {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	return &ProbeMonitor{
		log:      log,
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		events:   make(chan bool, 8),
	}
}

// Run probes until ctx is canceled.
func (m *ProbeMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	online := false
	emit := func(state bool) {
		if state == online {
			return
		}
		online = state
		select {
		case m.events <- state:
		default:
			m.log.Warn("reachability event dropped")
		}
	}

	emitProbe := func() {
		emit(m.probe(ctx))
	}
	emitProbe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			emitProbe()
		}
	}
}

func (m *ProbeMonitor) probe(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, m.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, m.url, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	// Any response at all proves the path out; the collector's own health
	// is the upload's problem.
	return true
}

func (m *ProbeMonitor) Events() <-chan bool { return m.events }
