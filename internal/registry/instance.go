// Package registry implements the in-memory service registry: the instance
// store, the token side table, the service-name catalog, and the lease
// cleaner.
package registry

import (
	"fmt"
	"net/netip"
	"time"
)

// Protocol is the transport a registered instance speaks.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
	ProtocolMTLS  Protocol = "mtls"
)

// IsValid reports whether p is one of the supported protocols.
func (p Protocol) IsValid() bool {
	switch p {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolMTLS:
		return true
	}
	return false
}

// Instance is a single addressable process belonging to a named logical
// service. It is a value type to avoid pointer aliasing races; Metadata is
// cloned on every write and snapshot.
type Instance struct {
	ServiceName string
	InstanceID  string
	IP          string
	Port        int
	Protocol    Protocol
	Env         string
	Role        string
	Metadata    map[string]string

	// Server-assigned monotonic-ish timestamps; client clocks are never
	// trusted.
	RegisteredAtNs  int64
	LastHeartbeatNs int64

	// TTL is the lease duration. An instance whose lastHeartbeat is older
	// than TTL is no longer discoverable.
	TTL time.Duration
}

// Expired reports whether the lease has lapsed relative to now.
func (i Instance) Expired(now time.Time) bool {
	return now.UnixNano()-i.LastHeartbeatNs > int64(i.TTL)
}

// LeaseExpiresAt returns the moment the current lease lapses.
func (i Instance) LeaseExpiresAt() time.Time {
	return time.Unix(0, i.LastHeartbeatNs).Add(i.TTL)
}

// cloneMetadata copies a metadata map so value-type instances never share
// mutable state.
func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// snapshot returns a copy of the instance safe to hand to callers.
func (i Instance) snapshot() Instance {
	i.Metadata = cloneMetadata(i.Metadata)
	return i
}

// ValidateIP accepts IPv4 dotted-quad only. Embedded spaces, letters, and
// IPv6 literals are rejected.
func ValidateIP(ip string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("invalid ip %q", ip)
	}
	if !addr.Is4() {
		return fmt.Errorf("ip %q is not IPv4 dotted-quad", ip)
	}
	return nil
}

// ValidatePort accepts ports in [1, 65535].
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", port)
	}
	return nil
}
