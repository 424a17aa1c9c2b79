package broker

import (
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/tickplane/tickplane/internal/fault"
)

// Subscription binds a topic to a subscriber's HTTP callback endpoint.
type Subscription struct {
	Topic        string   `json:"topic"`
	CallbackPath string   `json:"callbackPath"`
	Subscriber   Identity `json:"consumerIdentity"`
}

// Table maps topics to ordered subscription lists. Two subscriptions sharing
// (topic, subscriber.instanceId) are duplicates; the table holds at most one.
// Buckets hold immutable slices so reads are snapshots by construction.
type Table struct {
	topics *xsync.Map[string, []Subscription]
}

// NewTable creates an empty subscription table.
func NewTable() *Table {
	return &Table{topics: xsync.NewMap[string, []Subscription]()}
}

// Subscribe appends a subscription. A duplicate (same instanceId for the
// topic) is a no-op. An empty topic is rejected.
func (t *Table) Subscribe(sub Subscription) error {
	if sub.Topic == "" {
		return fault.BadRequest("subscription requires a topic")
	}
	if sub.Subscriber.InstanceID == "" {
		return fault.BadRequest("subscription requires a subscriber instanceId")
	}
	t.topics.Compute(sub.Topic, func(old []Subscription, _ bool) ([]Subscription, xsync.ComputeOp) {
		for _, existing := range old {
			if existing.Subscriber.InstanceID == sub.Subscriber.InstanceID {
				return old, xsync.CancelOp
			}
		}
		next := make([]Subscription, 0, len(old)+1)
		next = append(next, old...)
		next = append(next, sub)
		return next, xsync.UpdateOp
	})
	return nil
}

// Unsubscribe removes the subscription matching instanceId and drops the
// topic bucket when the last one goes. Removing an unknown subscription
// succeeds without side effect.
func (t *Table) Unsubscribe(topic, instanceID string) {
	t.topics.Compute(topic, func(old []Subscription, loaded bool) ([]Subscription, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		next := make([]Subscription, 0, len(old))
		for _, existing := range old {
			if existing.Subscriber.InstanceID != instanceID {
				next = append(next, existing)
			}
		}
		if len(next) == len(old) {
			return old, xsync.CancelOp
		}
		if len(next) == 0 {
			return nil, xsync.DeleteOp
		}
		return next, xsync.UpdateOp
	})
}

// UnsubscribeAll removes an instance from every topic, used when the
// instance is evicted from the registry.
func (t *Table) UnsubscribeAll(instanceID string) {
	var topics []string
	t.topics.Range(func(topic string, subs []Subscription) bool {
		for _, s := range subs {
			if s.Subscriber.InstanceID == instanceID {
				topics = append(topics, topic)
				break
			}
		}
		return true
	})
	for _, topic := range topics {
		t.Unsubscribe(topic, instanceID)
	}
}

// SubscribersOf returns a snapshot slice safe to iterate without holding the
// table.
func (t *Table) SubscribersOf(topic string) []Subscription {
	subs, _ := t.topics.Load(topic)
	return subs
}

// Topics returns the number of topics with at least one subscription.
func (t *Table) Topics() int {
	return t.topics.Size()
}
