package broker

import (
	"context"
	"log"
	"runtime"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// Dispatcher fans a published message out to all unique subscribers of its
// topic. Failures are isolated per subscriber: one subscriber failing never
// prevents or corrupts deliveries to the others.
type Dispatcher struct {
	table  *Table
	engine *Engine

	sem      chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Per-subscriber ordered queues, used only for messages declaring a
	// partition key.
	queues *xsync.Map[string, *serialQueue]
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Table  *Table
	Engine *Engine
	// Concurrency bounds parallel unordered deliveries.
	Concurrency int
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	conc := cfg.Concurrency
	if conc <= 0 {
		conc = 4 * runtime.GOMAXPROCS(0)
	}
	return &Dispatcher{
		table:  cfg.Table,
		engine: cfg.Engine,
		sem:    make(chan struct{}, conc),
		stopCh: make(chan struct{}),
		queues: xsync.NewMap[string, *serialQueue](),
	}
}

// Publish dispatches the message asynchronously and returns once every
// delivery has been enqueued or scheduled.
func (d *Dispatcher) Publish(msg *Message) {
	subs := dedupSubscriptions(d.table.SubscribersOf(msg.Metadata.Topic))
	if len(subs) == 0 {
		return
	}

	ordered := msg.PartitionKey() != ""
	for _, sub := range subs {
		if ordered {
			d.enqueueOrdered(sub, msg)
			continue
		}
		d.spawn(sub, msg)
	}
}

// PublishAndWait dispatches and blocks until every delivery reached a
// terminal state. Used by tests and synchronous callers.
func (d *Dispatcher) PublishAndWait(msg *Message) {
	subs := dedupSubscriptions(d.table.SubscribersOf(msg.Metadata.Topic))
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		sub := sub
		run := func() {
			defer wg.Done()
			d.deliver(sub, msg)
		}
		if msg.PartitionKey() != "" {
			d.queueFor(sub).enqueue(run)
		} else {
			go run()
		}
	}
	wg.Wait()
}

// Stop prevents new deliveries and waits for in-flight ones. In-flight
// attempts are not cancelled mid-attempt; retry waits observe the stop.
// Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// dedupSubscriptions removes duplicate subscriber instance ids from a
// snapshot; the last occurrence wins.
func dedupSubscriptions(subs []Subscription) []Subscription {
	if len(subs) < 2 {
		return subs
	}
	lastIdx := make(map[string]int, len(subs))
	for i, s := range subs {
		lastIdx[s.Subscriber.InstanceID] = i
	}
	out := make([]Subscription, 0, len(lastIdx))
	for i, s := range subs {
		if lastIdx[s.Subscriber.InstanceID] == i {
			out = append(out, s)
		}
	}
	return out
}

func (d *Dispatcher) spawn(sub Subscription, msg *Message) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case d.sem <- struct{}{}:
			defer func() { <-d.sem }()
		case <-d.stopCh:
			return
		}
		d.deliver(sub, msg)
	}()
}

func (d *Dispatcher) enqueueOrdered(sub Subscription, msg *Message) {
	d.wg.Add(1)
	d.queueFor(sub).enqueue(func() {
		defer d.wg.Done()
		d.deliver(sub, msg)
	})
}

func (d *Dispatcher) queueFor(sub Subscription) *serialQueue {
	q, _ := d.queues.LoadOrCompute(sub.Subscriber.InstanceID, func() (*serialQueue, bool) {
		return &serialQueue{}, false
	})
	return q
}

func (d *Dispatcher) deliver(sub Subscription, msg *Message) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-d.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	state := d.engine.Deliver(ctx, msg, sub)
	if state != StateAcked {
		log.Printf("[dispatch] message %s to %s/%s ended in %s",
			msg.Metadata.MessageID, sub.Subscriber.ServiceName, sub.Subscriber.InstanceID, state)
	}
}

// serialQueue executes jobs one at a time in enqueue order. It preserves
// publish order per subscriber for partitioned messages.
type serialQueue struct {
	mu     sync.Mutex
	jobs   []func()
	active bool
}

// enqueue appends a job and starts the drain worker if idle. Jobs enqueued
// after Stop still run their completion bookkeeping but deliveries observe
// the stop channel and exit early.
func (q *serialQueue) enqueue(job func()) {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	if q.active {
		q.mu.Unlock()
		return
	}
	q.active = true
	q.mu.Unlock()
	go q.drain()
}

func (q *serialQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.active = false
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		job()
	}
}
