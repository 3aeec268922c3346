package agent

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/juicebox-realm/realmcore/ids"
)

// CaptureInterval and CommitInterval pace the capture and commit loops.
// There is no teacher loop to inherit a cadence from; these are enrichment
// from golang.org/x/sync/errgroup-based polling loops in the wider Go
// ecosystem the example pack draws from, tuned short since each tick is
// cheap (an in-memory scan plus a handful of RPCs).
const (
	CaptureInterval = 200 * time.Millisecond
	CommitInterval  = 200 * time.Millisecond

	// GroupDiscoveryInterval paces Run's poll of the Hsm's own Status, which
	// is how Run learns of a realm join or a new group membership that
	// happened after it started. Driven off Status rather than a parameter
	// because an Hsm can join a realm, and a realm can grow new groups,
	// entirely after this process's Run loop is already up: cmd/hsmbench and
	// cmd/demo spawn agent processes first, and cmd/clusterctl addresses
	// already-running ones, and only then form a realm/groups against them
	// over RPC.
	GroupDiscoveryInterval = 200 * time.Millisecond
)

// Run drives the discovery heartbeat and, for every group this Agent's Hsm
// is or becomes a member of, a capture loop and a commit loop, all as
// independent goroutines under one cancellation, until ctx is done or one of
// them returns a non-context error. Unlike a static group list, Run
// discovers its realm and group membership by polling the Hsm's own Status,
// so callers can start Run before the Hsm has joined anything and the
// per-group loops come up on their own once it does. Grounded on
// golang.org/x/sync/errgroup's standard "fan out independent loops, cancel
// the group on first failure" shape, since forestrie-go-merklelog has no
// concurrent driver loop of its own to adapt; errgroup.Group.Go is
// documented safe to call from a goroutine already running under the same
// group, which is what lets the discovery loop below spawn new per-group
// loops as it finds them.
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	started := make(map[ids.GroupId]bool)
	discover := func() error {
		status := a.Hsm.Status()
		if status.RealmId != nil && a.RealmId() == (ids.RealmId{}) {
			a.SetRealm(*status.RealmId)
		}
		for group := range status.Groups {
			if started[group] {
				continue
			}
			started[group] = true
			group := group
			g.Go(func() error { return a.pollLoop(ctx, CaptureInterval, func() error { return a.CaptureOnce(ctx, group) }) })
			g.Go(func() error { return a.pollLoop(ctx, CommitInterval, func() error { return a.CommitOnce(ctx, group) }) })
		}
		return nil
	}

	// Run discovery once synchronously so that groups known at startup get
	// their loops spawned before Run returns control to the caller, then
	// keep polling for ones that show up later.
	if err := discover(); err != nil {
		return err
	}
	g.Go(func() error { return a.pollLoop(ctx, GroupDiscoveryInterval, discover) })
	g.Go(func() error { return a.pollLoop(ctx, HeartbeatInterval, func() error { return a.HeartbeatOnce(ctx) }) })

	return g.Wait()
}

// pollLoop calls fn every interval until ctx is done, returning nil on a
// clean cancellation and fn's error otherwise.
func (a *Agent) pollLoop(ctx context.Context, interval time.Duration, fn func() error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(); err != nil {
				return err
			}
		}
	}
}
