package message

import (
	"errors"
	"fmt"
)

var urgencyLevels = map[string]struct{}{
	"low": {}, "medium": {}, "high": {}, "critical": {},
}

var triageConditions = map[string]struct{}{
	"stable": {}, "serious": {}, "critical": {}, "unknown": {},
}

var broadcastPriorities = map[string]struct{}{
	"low": {}, "normal": {}, "high": {}, "urgent": {},
}

// ValidateForType checks the required payload fields for an envelope type
// before origination. Relays forward permissively and never call this.
func ValidateForType(t Type, p Payload, targetDeviceID string) error {
	switch t {
	case TypeSOS:
		if p.Description == "" {
			return errors.New("sos requires description")
		}
		if _, ok := urgencyLevels[p.Urgency]; !ok {
			return fmt.Errorf("sos urgency %q must be low|medium|high|critical", p.Urgency)
		}
		if p.BatteryLevel != nil && (*p.BatteryLevel < -1 || *p.BatteryLevel > 100) {
			return fmt.Errorf("sos batteryLevel %d outside [-1,100]", *p.BatteryLevel)
		}
	case TypeTriage:
		if p.PatientName == "" {
			return errors.New("triage requires patientName")
		}
		if _, ok := triageConditions[p.Condition]; !ok {
			return fmt.Errorf("triage condition %q must be stable|serious|critical|unknown", p.Condition)
		}
	case TypeShelter:
		if p.ShelterName == "" {
			return errors.New("shelter requires shelterName")
		}
		if p.Capacity == nil || p.CurrentOccupancy == nil || p.AcceptingMore == nil {
			return errors.New("shelter requires capacity, currentOccupancy, acceptingMore")
		}
	case TypeMissingPerson:
		if p.PersonName == "" || p.PhysicalDescription == "" {
			return errors.New("missingPerson requires personName and physicalDescription")
		}
	case TypeBroadcast:
		if p.Title == "" || p.Message == "" {
			return errors.New("broadcast requires title and message")
		}
		if p.Priority != "" {
			if _, ok := broadcastPriorities[p.Priority]; !ok {
				return fmt.Errorf("broadcast priority %q must be low|normal|high|urgent", p.Priority)
			}
		}
	case TypeDirect:
		if p.Content == "" {
			return errors.New("direct requires content")
		}
		if targetDeviceID == "" {
			return errors.New("direct requires targetDeviceId")
		}
	case TypePing:
		// No required fields; originalSenderId is set by the author.
	case TypePong:
		if p.OriginalSenderID == "" || p.OriginalTimestamp == nil {
			return errors.New("pong requires originalSenderId and originalTimestamp")
		}
	case TypeDiscovery:
		if p.RequestID == "" {
			return errors.New("discovery requires requestId")
		}
	case TypeDiscoveryReply:
		if p.RequestID == "" {
			return errors.New("discoveryReply requires requestId")
		}
	case TypeDeliveryReceipt:
		if p.OriginalMessageID == "" || p.DeliveredAt == nil {
			return errors.New("deliveryReceipt requires originalMessageId and deliveredAt")
		}
		if targetDeviceID == "" {
			return errors.New("deliveryReceipt requires targetDeviceId")
		}
	case TypeGatewayStatus:
		if p.IsGateway == nil || p.GatewayDeviceID == "" || p.GatewayDeviceName == "" {
			return errors.New("gatewayStatus requires isGateway, gatewayDeviceId, gatewayDeviceName")
		}
	default:
		return fmt.Errorf("unknown message type %q", t)
	}
	return nil
}
