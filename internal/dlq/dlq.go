// Package dlq implements the dead letter store: deliveries that ended
// without an acknowledgement are parked here for inspection and replay
// tooling. The store is a sink, not broker state; losing it never affects
// in-flight deliveries.
package dlq

import (
	"context"
	"sync"

	"github.com/tickplane/tickplane/internal/broker"
)

// MemorySink keeps dead letters in memory, used in tests and when no
// database path is configured.
type MemorySink struct {
	mu      sync.Mutex
	entries []broker.DeadLetterEntry
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record appends the entry.
func (s *MemorySink) Record(_ context.Context, entry broker.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// Entries returns a snapshot in arrival order.
func (s *MemorySink) Entries() []broker.DeadLetterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]broker.DeadLetterEntry(nil), s.entries...)
}

// Len returns the number of parked entries.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
