// Package bus is the event-subscription surface the core exposes in place of
// UI-facing observables: components publish change events, consumers pull
// snapshots and subscribe to topics.
package bus

import (
	"reflect"

	"github.com/cskr/pubsub"
	"go.uber.org/zap"
)

// Topics carried on the bus.
const (
	TopicMessages = "messages" // message admitted (local or relayed), receipt confirmed
	TopicPeers    = "peers"    // link sessions established or lost
	TopicTopology = "topology" // known devices / gateways changed
	TopicGateway  = "gateway"  // gateway advertisements observed
	TopicUpload   = "upload"   // uploader status transitions
)

const subscriberBuffer = 128

// Subscription receives published events for the subscribed topics.
type Subscription chan any

// Bus fans events out to any number of subscribers per topic.
type Bus struct {
	ps  *pubsub.PubSub
	log *zap.Logger
}

// New constructs a bus. A nil logger disables publish tracing.
func New(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		ps:  pubsub.New(subscriberBuffer),
		log: log,
	}
}

// Publish delivers an event to all current subscribers of the topic.
// Nil-safe so wiring the bus stays optional in tests.
func (b *Bus) Publish(topic string, ev any) {
	if b == nil {
		return
	}
	b.log.Debug("publish", zap.String("topic", topic), zap.String("event", eventType(ev)))
	b.ps.Pub(ev, topic)
}

// Subscribe returns a channel receiving events for the given topics.
func (b *Bus) Subscribe(topics ...string) Subscription {
	return b.ps.Sub(topics...)
}

// Unsubscribe detaches a subscription from the given topics, or from all
// topics when none are named.
func (b *Bus) Unsubscribe(sub Subscription, topics ...string) {
	if len(topics) == 0 {
		b.ps.Unsub(sub)
		return
	}
	b.ps.Unsub(sub, topics...)
}

// Close shuts the bus down and closes all subscriptions.
func (b *Bus) Close() {
	b.ps.Shutdown()
}

func eventType(ev any) string {
	if ev == nil {
		return "<nil>"
	}
	return reflect.TypeOf(ev).String()
}
