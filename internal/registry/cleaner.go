package registry

import (
	"log"
	"sync"
	"time"

	"github.com/tickplane/tickplane/internal/scanloop"
)

// Cleaner periodically sweeps the registry for instances whose lease has
// expired and evicts them together with their tokens. The scan never holds
// exclusive access across the whole registry: candidates are snapshotted
// first, then removed one by one under short per-service critical sections.
type Cleaner struct {
	store       *Store
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	minInterval time.Duration
	jitterRange time.Duration

	// test hook: called at the beginning of each sweep.
	sweepHook func()
}

// NewCleaner creates a cleaner with the default sweep cadence.
func NewCleaner(store *Store) *Cleaner {
	return NewCleanerWithInterval(store, scanloop.DefaultMinInterval, scanloop.DefaultJitterRange)
}

// NewCleanerWithInterval creates a cleaner with an explicit cadence.
func NewCleanerWithInterval(store *Store, minInterval, jitterRange time.Duration) *Cleaner {
	return &Cleaner{
		store:       store,
		stopCh:      make(chan struct{}),
		minInterval: minInterval,
		jitterRange: jitterRange,
	}
}

// Start launches the background sweep loop.
func (c *Cleaner) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		scanloop.Run(c.stopCh, c.minInterval, c.jitterRange, c.sweepOnce)
	}()
}

// Stop lets the current scan cycle complete and prevents further ones.
func (c *Cleaner) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Sweep runs one eviction pass synchronously. Exposed for tests and for
// operators who need an immediate cleanup.
func (c *Cleaner) Sweep() {
	c.sweepOnce()
}

func (c *Cleaner) sweepOnce() {
	if c.sweepHook != nil {
		c.sweepHook()
	}

	now := c.store.Now()
	candidates := c.store.expiredCandidates(now)
	if len(candidates) == 0 {
		return
	}

	evicted := 0
	for _, ref := range candidates {
		select {
		case <-c.stopCh:
			// Finish the instance at hand on the next sweep.
			return
		default:
		}
		if c.evictOne(ref, now) {
			evicted++
		}
	}
	if evicted > 0 {
		log.Printf("[cleaner] evicted %d expired instance(s)", evicted)
	}
}

// evictOne removes a single candidate, re-checking expiry so a concurrent
// heartbeat is never lost. A failure for one instance must not abort the
// sweep.
func (c *Cleaner) evictOne(ref instanceRef, now time.Time) (evicted bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[cleaner] evict %s/%s failed: %v", ref.serviceName, ref.instanceID, r)
			evicted = false
		}
	}()
	return c.store.evictIfExpired(ref.serviceName, ref.instanceID, now)
}
