package message

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeRoundTrip(t *testing.T) {
	m := New(TypeSOS, "dev-a", "Pigeon-deva", Payload{
		Description:  "Trapped under rubble",
		Urgency:      "critical",
		Latitude:     Float(37.77),
		Longitude:    Float(-122.42),
		BatteryLevel: Int(42),
	})

	data, err := m.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != m.ID || decoded.Type != TypeSOS || decoded.SenderID != "dev-a" {
		t.Fatalf("envelope fields lost: %+v", decoded)
	}
	if decoded.HopCount != 0 || len(decoded.Hops) != 1 || decoded.Hops[0] != "dev-a" {
		t.Fatalf("expected fresh hop path, got hops=%v count=%d", decoded.Hops, decoded.HopCount)
	}
	if decoded.Data.Description != "Trapped under rubble" || *decoded.Data.BatteryLevel != 42 {
		t.Fatalf("payload fields lost: %+v", decoded.Data)
	}
}

func TestDecodeRejectsMissingRequiredFields(t *testing.T) {
	base := map[string]any{
		"id":         "m1",
		"type":       "broadcast",
		"senderId":   "dev-a",
		"senderName": "A",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"hops":       []string{"dev-a"},
		"hopCount":   0,
	}

	for _, missing := range []string{"id", "type", "senderId", "senderName", "timestamp", "hops", "hopCount"} {
		frame := make(map[string]any, len(base))
		for k, v := range base {
			if k == missing {
				continue
			}
			frame[k] = v
		}
		data, err := json.Marshal(frame)
		if err != nil {
			t.Fatalf("marshal fixture: %v", err)
		}
		if _, err := Decode(data); !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected ErrMalformed without %s, got %v", missing, err)
		}
	}
}

func TestDecodeEnforcesHopInvariants(t *testing.T) {
	frame := func(hops []string, hopCount int, sender string) []byte {
		data, err := json.Marshal(map[string]any{
			"id":         "m1",
			"type":       "broadcast",
			"senderId":   sender,
			"senderName": "A",
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
			"hops":       hops,
			"hopCount":   hopCount,
		})
		if err != nil {
			t.Fatalf("marshal fixture: %v", err)
		}
		return data
	}

	if _, err := Decode(frame([]string{"dev-a", "dev-b"}, 3, "dev-a")); !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected ErrInvariant for hopCount mismatch, got %v", err)
	}
	if _, err := Decode(frame([]string{"dev-b", "dev-a"}, 1, "dev-a")); !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected ErrInvariant for hops[0] != senderId, got %v", err)
	}
	if _, err := Decode(frame([]string{"dev-a"}, 0, "dev-a")); err != nil {
		t.Fatalf("expected valid frame accepted, got %v", err)
	}
}

func TestDecodeAcceptsAndPreservesUnknownFields(t *testing.T) {
	raw := []byte(`{
		"id": "m1",
		"type": "sos",
		"senderId": "dev-a",
		"senderName": "A",
		"timestamp": "2026-08-06T12:00:00Z",
		"hops": ["dev-a"],
		"hopCount": 0,
		"futureEnvelopeField": true,
		"data": {"description": "help", "urgency": "high", "futureField": {"nested": 1}}
	}`)

	m, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode with unknown fields: %v", err)
	}
	if _, ok := m.Data.Extra["futureField"]; !ok {
		t.Fatalf("expected unknown payload field preserved, extra=%v", m.Data.Extra)
	}

	encoded, err := m.Encode()
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(encoded, &wire); err != nil {
		t.Fatalf("unmarshal re-encoded: %v", err)
	}
	data, ok := wire["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected data object, got %T", wire["data"])
	}
	if _, ok := data["futureField"]; !ok {
		t.Fatalf("expected unknown field forwarded verbatim, got %v", data)
	}
	if data["description"] != "help" {
		t.Fatalf("expected known field intact, got %v", data["description"])
	}
}

func TestAddHopAdvancesPath(t *testing.T) {
	m := New(TypeBroadcast, "dev-a", "A", Payload{Title: "t", Message: "m"})
	relay := m.Clone()
	relay.AddHop("dev-b")
	relay.AddHop("dev-c")

	if relay.HopCount != 2 || len(relay.Hops) != 3 {
		t.Fatalf("expected hop advance, got hops=%v count=%d", relay.Hops, relay.HopCount)
	}
	if m.HopCount != 0 || len(m.Hops) != 1 {
		t.Fatalf("expected original untouched, got hops=%v count=%d", m.Hops, m.HopCount)
	}
}

func TestCloneIsDeep(t *testing.T) {
	when := time.Now().UTC()
	m := New(TypePong, "dev-a", "A", Payload{
		OriginalSenderID:  "dev-b",
		OriginalTimestamp: Time(when),
		ConnectedPeers:    []string{"dev-c"},
	})
	cp := m.Clone()
	cp.Data.ConnectedPeers[0] = "mutated"
	*cp.Data.OriginalTimestamp = when.Add(time.Hour)

	if m.Data.ConnectedPeers[0] != "dev-c" {
		t.Fatalf("expected peers slice copied, got %v", m.Data.ConnectedPeers)
	}
	if !m.Data.OriginalTimestamp.Equal(when) {
		t.Fatalf("expected timestamp pointer copied, got %v", m.Data.OriginalTimestamp)
	}
}

func TestValidateForType(t *testing.T) {
	cases := []struct {
		name    string
		typ     Type
		payload Payload
		target  string
		wantErr bool
	}{
		{"sos ok", TypeSOS, Payload{Description: "d", Urgency: "high"}, "", false},
		{"sos bad urgency", TypeSOS, Payload{Description: "d", Urgency: "severe"}, "", true},
		{"sos battery out of range", TypeSOS, Payload{Description: "d", Urgency: "low", BatteryLevel: Int(101)}, "", true},
		{"triage ok", TypeTriage, Payload{PatientName: "p", Condition: "serious"}, "", false},
		{"triage bad condition", TypeTriage, Payload{PatientName: "p", Condition: "fine"}, "", true},
		{"shelter missing occupancy", TypeShelter, Payload{ShelterName: "s", Capacity: Int(10), AcceptingMore: Bool(true)}, "", true},
		{"shelter ok", TypeShelter, Payload{ShelterName: "s", Capacity: Int(10), CurrentOccupancy: Int(3), AcceptingMore: Bool(true)}, "", false},
		{"missing person ok", TypeMissingPerson, Payload{PersonName: "n", PhysicalDescription: "d"}, "", false},
		{"broadcast bad priority", TypeBroadcast, Payload{Title: "t", Message: "m", Priority: "now"}, "", true},
		{"direct needs target", TypeDirect, Payload{Content: "hi"}, "", true},
		{"direct ok", TypeDirect, Payload{Content: "hi"}, "dev-b", false},
		{"receipt ok", TypeDeliveryReceipt, Payload{OriginalMessageID: "m1", DeliveredAt: Time(time.Now())}, "dev-a", false},
		{"gateway status missing name", TypeGatewayStatus, Payload{IsGateway: Bool(true), GatewayDeviceID: "g"}, "", true},
		{"unknown type", Type("carrier"), Payload{}, "", true},
	}

	for _, tc := range cases {
		err := ValidateForType(tc.typ, tc.payload, tc.target)
		if tc.wantErr && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
	}
}
