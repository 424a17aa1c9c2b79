// Package scanloop runs periodic background sweeps at a jittered cadence.
package scanloop

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultMinInterval and DefaultJitterRange define the shared sweep
	// cadence for the lease cleaner. Jitter keeps multiple control-plane
	// replicas from sweeping in lockstep.
	DefaultMinInterval = 10 * time.Second
	DefaultJitterRange = 3 * time.Second
)

// Run executes fn at a jittered interval until stopCh is closed.
// The interval is: minInterval + random([0, jitterRange)).
func Run(stopCh <-chan struct{}, minInterval, jitterRange time.Duration, fn func()) {
	run(stopCh, minInterval, jitterRange, fn, false)
}

// RunNow behaves like Run but executes fn once immediately before entering
// the jittered loop.
func RunNow(stopCh <-chan struct{}, minInterval, jitterRange time.Duration, fn func()) {
	run(stopCh, minInterval, jitterRange, fn, true)
}

func run(stopCh <-chan struct{}, minInterval, jitterRange time.Duration, fn func(), immediate bool) {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	if jitterRange < 0 {
		jitterRange = 0
	}

	if immediate {
		select {
		case <-stopCh:
			return
		default:
		}
		fn()
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		interval := minInterval
		if jitterRange > 0 {
			interval += time.Duration(rand.Int64N(int64(jitterRange)))
		}

		timer.Reset(interval)
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		fn()
	}
}
