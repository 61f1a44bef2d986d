package mesh

import "github.com/rhkrohan/pigeon/internal/message"

// Events published on the bus (see internal/bus topics).

// MessageAdmitted fires once per unique message entering the local store.
// FromDeviceID is empty for locally originated messages.
type MessageAdmitted struct {
	Message      *message.Envelope
	FromDeviceID string
}

// PeerConnected fires when a link session is established.
type PeerConnected struct {
	DeviceID string
}

// PeerDisconnected fires when a link session ends. A discovered peer going
// quiet without a session publishes nothing.
type PeerDisconnected struct {
	DeviceID string
}

// TopologyChanged fires whenever the device or gateway tables change, and
// carries their current sizes.
type TopologyChanged struct {
	Devices  int
	Gateways int
}

// GatewayChanged fires when a gateway advertisement is observed or a gateway
// leaves (offline advertisement or staleness sweep).
type GatewayChanged struct {
	Gateway GatewayInfo
	Online  bool
}

// ReceiptConfirmed fires when a delivery receipt resolves a pending direct
// message.
type ReceiptConfirmed struct {
	MessageID string
}
