package merklestore

import (
	"sync"
	"time"

	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/merkle"
)

// Scheduler defers node removal by a grace window: a reader that captured a
// root hash may dereference nodes reachable from it up to the grace window
// after that root ceased to be the tail (spec.md's deferred-deletion
// correctness invariant). The teacher has no analogue — its log is retained
// forever — so this is grounded directly on spec.md rather than adapted
// teacher code.
type Scheduler struct {
	mu    sync.Mutex
	grace time.Duration
	timer func(time.Duration, func()) stopper
	jobs  []job
}

type job struct {
	realm ids.RealmId
	hs    []merkle.Hash
	fire  stopper
}

// stopper is the subset of *time.Timer this package depends on, so tests
// can substitute a fake clock without a real sleep.
type stopper interface {
	Stop() bool
}

// NewScheduler creates a Scheduler with the given grace window, which must
// exceed the maximum realistic request latency (spec.md §4).
func NewScheduler(grace time.Duration) *Scheduler {
	return &Scheduler{
		grace: grace,
		timer: func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) },
	}
}

// Defer schedules remove to run hs no sooner than the grace window from
// now. Multiple calls interleave independently; there is no cancellation,
// since a node superseded twice (e.g. by an immediately-following mutation)
// is simply removed once each time it's scheduled, which is a harmless
// no-op for the repeat.
func (s *Scheduler) Defer(realm ids.RealmId, hs []merkle.Hash, remove func(ids.RealmId, []merkle.Hash)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := job{realm: realm, hs: hs}
	j.fire = s.timer(s.grace, func() { remove(realm, hs) })
	s.jobs = append(s.jobs, j)
}

// Pending returns the number of deletion batches scheduled so far, for
// tests and metrics. It does not subtract batches that have already fired.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
