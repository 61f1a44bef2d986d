package mesh

import (
	"sort"
	"sync"
	"time"
)

// GatewayStaleness is how long a gateway advertisement stays credible
// without a refresh.
const GatewayStaleness = 120 * time.Second

// GatewayInfo describes one advertised gateway as seen from this node.
type GatewayInfo struct {
	DeviceID    string
	DeviceName  string
	Hops        int
	LastSeen    time.Time
	SyncedCount int
}

// Topology tracks hop distances to known devices and the set of advertised
// gateways. The local node is excluded from both tables by construction.
// Callers pass the observation time explicitly, which keeps staleness
// handling deterministic under test.
type Topology struct {
	selfID     string
	staleAfter time.Duration

	mu       sync.RWMutex
	devices  map[string]int
	gateways map[string]GatewayInfo
}

// NewTopology builds an empty tracker for the given local device id.
func NewTopology(selfID string) *Topology {
	return &Topology{
		selfID:     selfID,
		staleAfter: GatewayStaleness,
		devices:    make(map[string]int),
		gateways:   make(map[string]GatewayInfo),
	}
}

// Observe records a hop distance to a device, keeping the minimum seen.
// Returns true when the table changed.
func (t *Topology) Observe(deviceID string, hops int) bool {
	if deviceID == "" || deviceID == t.selfID || hops < 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.devices[deviceID]
	if ok && current <= hops {
		return false
	}
	t.devices[deviceID] = hops
	return true
}

// ObserveGateway upserts a gateway advertisement: hop distance only ever
// improves while the entry is fresh, lastSeen refreshes, and the synced
// count tracks the latest advertisement. Stale entries are swept after
// every mutation.
func (t *Topology) ObserveGateway(info GatewayInfo, now time.Time) bool {
	if info.DeviceID == "" || info.DeviceID == t.selfID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.gateways[info.DeviceID]
	if ok && now.Sub(existing.LastSeen) <= t.staleAfter && existing.Hops < info.Hops {
		info.Hops = existing.Hops
	}
	info.LastSeen = now
	if info.DeviceName == "" {
		info.DeviceName = existing.DeviceName
	}
	t.gateways[info.DeviceID] = info
	t.sweepLocked(now)
	return true
}

// RemoveGateway drops a gateway that advertised itself offline.
func (t *Topology) RemoveGateway(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.gateways[deviceID]; !ok {
		return false
	}
	delete(t.gateways, deviceID)
	return true
}

// SweepStale removes gateways not refreshed within the staleness window and
// returns the evicted entries.
func (t *Topology) SweepStale(now time.Time) []GatewayInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sweepLocked(now)
}

func (t *Topology) sweepLocked(now time.Time) []GatewayInfo {
	var removed []GatewayInfo
	for id, gw := range t.gateways {
		if now.Sub(gw.LastSeen) > t.staleAfter {
			delete(t.gateways, id)
			removed = append(removed, gw)
		}
	}
	return removed
}

// NearestGateway returns the non-stale gateway with the fewest hops.
func (t *Topology) NearestGateway(now time.Time) (GatewayInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best GatewayInfo
	found := false
	for _, gw := range t.gateways {
		if now.Sub(gw.LastSeen) > t.staleAfter {
			continue
		}
		if !found || gw.Hops < best.Hops {
			best = gw
			found = true
		}
	}
	return best, found
}

// HasReachableGateway reports whether any non-stale gateway is known.
func (t *Topology) HasReachableGateway(now time.Time) bool {
	_, ok := t.NearestGateway(now)
	return ok
}

// Devices returns a copy of the device distance table.
func (t *Topology) Devices() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]int, len(t.devices))
	for id, hops := range t.devices {
		out[id] = hops
	}
	return out
}

// Gateways returns known gateways ordered nearest first.
func (t *Topology) Gateways() []GatewayInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]GatewayInfo, 0, len(t.gateways))
	for _, gw := range t.gateways {
		out = append(out, gw)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hops != out[j].Hops {
			return out[i].Hops < out[j].Hops
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

// Counts reports table sizes for gauges and status snapshots.
func (t *Topology) Counts() (devices, gateways int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.devices), len(t.gateways)
}
