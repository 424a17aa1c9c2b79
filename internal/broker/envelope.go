// Package broker implements the message plane: the subscription table, the
// dispatch fan-out, and the per-subscription delivery engine.
package broker

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tickplane/tickplane/internal/fault"
)

// DeliveryMode controls retry and acknowledgement semantics per message.
type DeliveryMode string

const (
	AtMostOnce  DeliveryMode = "AT_MOST_ONCE"
	AtLeastOnce DeliveryMode = "AT_LEAST_ONCE"
	ExactlyOnce DeliveryMode = "EXACTLY_ONCE"
)

// IsValid reports whether m is a known delivery mode.
func (m DeliveryMode) IsValid() bool {
	switch m {
	case AtMostOnce, AtLeastOnce, ExactlyOnce:
		return true
	}
	return false
}

// Identity names a publishing or subscribing instance.
type Identity struct {
	ServiceName string `json:"serviceName"`
	InstanceID  string `json:"instanceId"`
}

// Routing carries optional partitioning hints. Messages sharing a partition
// key are delivered to each subscriber in publish order.
type Routing struct {
	PartitionKey string `json:"partitionKey,omitempty"`
	Priority     int    `json:"priority,omitempty"`
}

// DeliveryOptions selects the delivery mode and message lifetime.
type DeliveryOptions struct {
	Mode DeliveryMode `json:"mode,omitempty"`
	// TTLMs bounds the delivery window from emittedAt; 0 means no limit.
	TTLMs           int64  `json:"ttl,omitempty"`
	DeduplicationID string `json:"deduplicationId,omitempty"`
}

// Security carries opaque auth context riding with the message.
type Security struct {
	AuthContext string `json:"authContext,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

// Metadata describes a message. It is read-only once dispatch begins; the
// broker assigns MessageID and EmittedAt, never the publisher.
type Metadata struct {
	MessageID     string           `json:"messageId"`
	EmittedAtNs   int64            `json:"emittedAt"`
	SchemaVersion string           `json:"schemaVersion,omitempty"`
	EventType     string           `json:"eventType,omitempty"`
	Topic         string           `json:"topic"`
	Publisher     Identity         `json:"publisher"`
	Routing       *Routing         `json:"routing,omitempty"`
	Delivery      *DeliveryOptions `json:"delivery,omitempty"`
	Security      *Security        `json:"security,omitempty"`
}

// Message is an immutable envelope: broker-assigned metadata plus an opaque
// payload.
type Message struct {
	Metadata Metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

// Mode returns the effective delivery mode, defaulting to AT_LEAST_ONCE.
func (m *Message) Mode() DeliveryMode {
	if m.Metadata.Delivery == nil || m.Metadata.Delivery.Mode == "" {
		return AtLeastOnce
	}
	return m.Metadata.Delivery.Mode
}

// TTL returns the delivery window, 0 when unbounded.
func (m *Message) TTL() time.Duration {
	if m.Metadata.Delivery == nil {
		return 0
	}
	return time.Duration(m.Metadata.Delivery.TTLMs) * time.Millisecond
}

// ExpiresAt returns the moment the delivery window closes, and whether a
// window applies at all.
func (m *Message) ExpiresAt() (time.Time, bool) {
	ttl := m.TTL()
	if ttl <= 0 {
		return time.Time{}, false
	}
	return time.Unix(0, m.Metadata.EmittedAtNs).Add(ttl), true
}

// PartitionKey returns the routing partition key, empty when none declared.
func (m *Message) PartitionKey() string {
	if m.Metadata.Routing == nil {
		return ""
	}
	return m.Metadata.Routing.PartitionKey
}

// DeduplicationID returns the dedup key for EXACTLY_ONCE suppression.
func (m *Message) DeduplicationID() string {
	if m.Metadata.Delivery == nil {
		return ""
	}
	return m.Metadata.Delivery.DeduplicationID
}

// NewMessage validates publisher-supplied metadata and stamps the
// broker-assigned fields. Publisher-supplied messageId and emittedAt are
// discarded.
func NewMessage(meta Metadata, payload json.RawMessage, now time.Time) (*Message, error) {
	if meta.Topic == "" {
		return nil, fault.BadRequest("message metadata requires a topic")
	}
	if meta.Delivery != nil {
		if meta.Delivery.Mode != "" && !meta.Delivery.Mode.IsValid() {
			return nil, fault.BadRequest("unknown delivery mode %q", meta.Delivery.Mode)
		}
		if meta.Delivery.TTLMs < 0 {
			return nil, fault.BadRequest("delivery ttl must not be negative")
		}
	}
	meta.MessageID = uuid.NewString()
	meta.EmittedAtNs = now.UnixNano()
	return &Message{Metadata: meta, Payload: payload}, nil
}
