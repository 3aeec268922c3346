package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/juicebox-realm/realmcore/discovery"
	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/journal"
	"github.com/juicebox-realm/realmcore/rpcapi"
)

// StepDownMaxAttempts and StepDownRetryDelay bound how long StepDown waits
// for a stepdown's tail index to commit before giving up, matching
// Transfer's retry shape (TransferMaxAttempts/TransferRetryDelay).
const (
	StepDownMaxAttempts = 20
	StepDownRetryDelay  = 25 * time.Millisecond
)

// ErrStepDownGaveUp is returned once StepDownMaxAttempts is exhausted
// without the stepdown's tail index committing.
var ErrStepDownGaveUp = errors.New("cluster: stepdown did not commit within the retry budget")

// ErrNoCapturedPeer is returned when no member of the group (other than the
// outgoing leader) reports having captured up to the stepdown's tail index,
// so no replacement leader can be appointed.
var ErrNoCapturedPeer = errors.New("cluster: no peer captured up to the stepdown index")

var errStepdownNotCommitted = errors.New("cluster: stepdown index not yet committed")

// StepDown asks group's current leader to step down, waits for the
// stepdown's tail index to commit, then appoints a replacement leader
// among members that captured up to that index. Grounded on
// src/realm/cluster/stepdown.rs's handle_leader_stepdown and spec.md §4.4's
// "For each target: send StepDown, await its commit, then appoint a new
// leader among captured peers using BecomeLeader with the last known
// index." j is the group's shared journal: it's the only place the raw
// LogEntry BecomeLeader needs to recompute entry_mac against can be read
// from, since ReadCaptured/Status only ever expose an index and a mac,
// never the entry content itself (see hsm/leader.go's BecomeLeader).
func StepDown(ctx context.Context, disc discovery.Table, dialer Dialer, j journal.Store, members []ids.HsmId, realm ids.RealmId, group ids.GroupId) (rpcapi.StepDownResponse, error) {
	leader, err := FindLeader(ctx, disc, dialer, members, realm, group)
	if err != nil {
		return rpcapi.StepDownResponse{}, err
	}
	resp, err := leader.Client.StepDown(ctx, rpcapi.StepDownRequest{Group: group})
	if err != nil {
		return rpcapi.StepDownResponse{}, err
	}
	if resp.ErrorKind != rpcapi.KindOk {
		return rpcapi.StepDownResponse{}, rpcapi.ErrorOf(resp.ErrorKind)
	}

	if err := awaitStepdownCommit(ctx, leader.Client, group, resp.LastIndex); err != nil {
		return resp, err
	}
	if err := electReplacement(ctx, disc, dialer, j, members, group, resp.LastIndex, leader.HsmId); err != nil {
		return resp, err
	}
	return resp, nil
}

// GroupMembership names a group's member HSMs and its shared journal, the
// per-group information StepDownHsm needs once it discovers which groups
// hsmId leads. The coordinator keeps no registry of group membership of its
// own — every other cluster procedure (NewGroup, Transfer) already takes
// its member list as an explicit argument from a caller that formed the
// group in the first place, and StepDownHsm follows the same shape.
type GroupMembership struct {
	Members []ids.HsmId
	Journal journal.Store
}

// StepDownHsm addresses a single HSM directly rather than a (realm, group)
// pair: spec.md §4.4's other Stepdown addressing mode, "step it down in
// every group it leads." It polls hsmId's own Status to discover which
// groups it currently leads, then drives StepDown against each using the
// membership groupMembers supplies for it.
func StepDownHsm(ctx context.Context, disc discovery.Table, dialer Dialer, hsmId ids.HsmId, realm ids.RealmId, groupMembers map[ids.GroupId]GroupMembership) (map[ids.GroupId]rpcapi.StepDownResponse, error) {
	client, err := resolve(ctx, disc, dialer, hsmId)
	if err != nil {
		return nil, err
	}
	status, err := client.Status(ctx)
	if err != nil {
		return nil, err
	}

	results := make(map[ids.GroupId]rpcapi.StepDownResponse)
	for group, gs := range status.Groups {
		if !gs.Leader {
			continue
		}
		gm, ok := groupMembers[group]
		if !ok {
			return results, fmt.Errorf("cluster: no member list supplied for group %s led by %s", group, hsmId)
		}
		resp, err := StepDown(ctx, disc, dialer, gm.Journal, gm.Members, realm, group)
		if err != nil {
			return results, fmt.Errorf("cluster: stepping down %s from %s: %w", hsmId, group, err)
		}
		results[group] = resp
	}
	return results, nil
}

// awaitStepdownCommit polls the outgoing leader's own Status until it
// reports the stepdown index committed, or until it has released the
// leader slot entirely — hsm/capture.go's Commit only clears
// volatile.Leader[group] once the committed index reaches SteppingDownAt,
// so losing Leader status is itself proof the stepdown committed.
func awaitStepdownCommit(ctx context.Context, client *rpcapi.Client, group ids.GroupId, lastIndex ids.LogIndex) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(StepDownRetryDelay), StepDownMaxAttempts-1),
		ctx,
	)
	err := backoff.Retry(func() error {
		status, err := client.Status(ctx)
		if err != nil {
			return err
		}
		gs, ok := status.Groups[group]
		if !ok {
			return errStepdownNotCommitted
		}
		if !gs.Leader {
			return nil
		}
		if gs.Committed != nil && *gs.Committed >= lastIndex {
			return nil
		}
		return errStepdownNotCommitted
	}, policy)
	if errors.Is(err, errStepdownNotCommitted) {
		return ErrStepDownGaveUp
	}
	return err
}

// electReplacement reads the stepdown index's entry from the group's shared
// journal, then offers BecomeLeader to each member (other than the outgoing
// leader) that reports having captured at least that far, stopping at the
// first that accepts. Returns ErrNoCapturedPeer without touching the journal
// if group has no member besides the outgoing leader to offer it to.
func electReplacement(ctx context.Context, disc discovery.Table, dialer Dialer, j journal.Store, members []ids.HsmId, group ids.GroupId, lastIndex ids.LogIndex, outgoing ids.HsmId) error {
	candidates := make([]ids.HsmId, 0, len(members))
	for _, hsmId := range members {
		if hsmId != outgoing {
			candidates = append(candidates, hsmId)
		}
	}
	if len(candidates) == 0 {
		return ErrNoCapturedPeer
	}

	entry, err := j.Get(ctx, group, lastIndex)
	if err != nil {
		return fmt.Errorf("cluster: reading stepdown entry: %w", err)
	}

	for _, hsmId := range candidates {
		client, err := resolve(ctx, disc, dialer, hsmId)
		if err != nil {
			continue
		}
		status, err := client.Status(ctx)
		if err != nil {
			continue
		}
		gs, ok := status.Groups[group]
		if !ok || gs.LastCaptured == nil || gs.LastCaptured.Index < lastIndex {
			continue
		}
		resp, err := client.BecomeLeader(ctx, rpcapi.BecomeLeaderRequest{Group: group, Entry: entry.Entry, EntryMac: entry.Mac})
		if err != nil || resp.ErrorKind != rpcapi.KindOk {
			continue
		}
		return nil
	}
	return ErrNoCapturedPeer
}
