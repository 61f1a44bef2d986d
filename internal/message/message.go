package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type discriminates the per-type payload carried in an envelope.
type Type string

const (
	TypeSOS             Type = "sos"
	TypeTriage          Type = "triage"
	TypeShelter         Type = "shelter"
	TypeMissingPerson   Type = "missingPerson"
	TypeBroadcast       Type = "broadcast"
	TypeDirect          Type = "direct"
	TypePing            Type = "ping"
	TypePong            Type = "pong"
	TypeDiscovery       Type = "discovery"
	TypeDiscoveryReply  Type = "discoveryReply"
	TypeDeliveryReceipt Type = "deliveryReceipt"
	TypeGatewayStatus   Type = "gatewayStatus"
)

const (
	// MaxHops bounds flooding; messages at or beyond it are dropped.
	MaxHops = 10

	// MaxEnvelopeBytes is the largest envelope a node will originate,
	// dominated by base64 photos in missingPerson payloads.
	MaxEnvelopeBytes = 32 * 1024
)

var (
	ErrMalformed = errors.New("malformed envelope")
	ErrInvariant = errors.New("hop accounting invariant violated")
	ErrOversize  = errors.New("envelope exceeds size limit")
)

// Envelope is the unit of mesh traffic. SenderID and SenderName always name
// the original author; relays only ever touch Hops and HopCount.
type Envelope struct {
	ID             string    `json:"id"`
	Type           Type      `json:"type"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Timestamp      time.Time `json:"timestamp"`
	Hops           []string  `json:"hops"`
	HopCount       int       `json:"hopCount"`
	TargetDeviceID string    `json:"targetDeviceId,omitempty"`
	Data           Payload   `json:"data"`
}

// wireEnvelope detects missing required fields, which the permissive
// Envelope struct cannot distinguish from zero values.
type wireEnvelope struct {
	ID             *string    `json:"id"`
	Type           *Type      `json:"type"`
	SenderID       *string    `json:"senderId"`
	SenderName     *string    `json:"senderName"`
	Timestamp      *time.Time `json:"timestamp"`
	Hops           []string   `json:"hops"`
	HopCount       *int       `json:"hopCount"`
	TargetDeviceID string     `json:"targetDeviceId"`
	Data           Payload    `json:"data"`
}

// New assembles a locally originated envelope with a fresh id, the current
// wall clock, and the sender as the sole hop.
func New(t Type, senderID, senderName string, data Payload) *Envelope {
	return &Envelope{
		ID:         uuid.NewString(),
		Type:       t,
		SenderID:   senderID,
		SenderName: senderName,
		Timestamp:  time.Now().UTC(),
		Hops:       []string{senderID},
		HopCount:   0,
		Data:       data,
	}
}

// Decode parses a frame into an envelope, rejecting missing required fields
// and enforcing the hop accounting invariants. Unknown fields are accepted.
func Decode(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch {
	case w.ID == nil || *w.ID == "":
		return nil, fmt.Errorf("%w: missing id", ErrMalformed)
	case w.Type == nil || *w.Type == "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	case w.SenderID == nil || *w.SenderID == "":
		return nil, fmt.Errorf("%w: missing senderId", ErrMalformed)
	case w.SenderName == nil:
		return nil, fmt.Errorf("%w: missing senderName", ErrMalformed)
	case w.Timestamp == nil || w.Timestamp.IsZero():
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	case w.Hops == nil:
		return nil, fmt.Errorf("%w: missing hops", ErrMalformed)
	case w.HopCount == nil:
		return nil, fmt.Errorf("%w: missing hopCount", ErrMalformed)
	}

	m := &Envelope{
		ID:             *w.ID,
		Type:           *w.Type,
		SenderID:       *w.SenderID,
		SenderName:     *w.SenderName,
		Timestamp:      *w.Timestamp,
		Hops:           w.Hops,
		HopCount:       *w.HopCount,
		TargetDeviceID: w.TargetDeviceID,
		Data:           w.Data,
	}

	if len(m.Hops) == 0 || m.HopCount != len(m.Hops)-1 {
		return nil, fmt.Errorf("%w: hopCount=%d hops=%d", ErrInvariant, m.HopCount, len(m.Hops))
	}
	if m.Hops[0] != m.SenderID {
		return nil, fmt.Errorf("%w: hops[0]=%s sender=%s", ErrInvariant, m.Hops[0], m.SenderID)
	}
	return m, nil
}

// Encode renders the envelope as one canonical JSON frame.
func (m *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// AddHop records a relay traversal. The envelope must be re-encoded before
// each outbound send so peers observe the updated path.
func (m *Envelope) AddHop(deviceID string) {
	m.Hops = append(m.Hops, deviceID)
	m.HopCount++
}

// Clone deep-copies the envelope so relays can advance the hop path without
// mutating the admitted copy.
func (m *Envelope) Clone() *Envelope {
	cp := *m
	cp.Hops = append([]string(nil), m.Hops...)
	cp.Data = m.Data.clone()
	return &cp
}
