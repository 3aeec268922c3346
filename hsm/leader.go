package hsm

import "github.com/juicebox-realm/realmcore/ids"
import "github.com/juicebox-realm/realmcore/statements"

// BecomeLeader transitions this HSM to leader of group iff lastEntry/lastMac
// matches this HSM's most recently captured entry and no stepdown is in
// progress for this HSM's current leadership of the group (otherwise
// ErrStepdownInProgress). Seeds the volatile log with lastEntry as its
// committed tail.
func (h *Hsm) BecomeLeader(group ids.GroupId, lastEntry statements.LogEntry, lastMac statements.Mac) error {
	if h.persistent.Realm == nil {
		return ErrInvalidRealm
	}
	g, err := h.requireGroup(h.persistent.Realm.RealmId, group)
	if err != nil {
		return err
	}
	if g.LastCaptured == nil || g.LastCaptured.Index != lastEntry.Index || g.LastCaptured.EntryMac != lastMac {
		return ErrNotCaptured
	}
	if err := (statements.EntryMacBuilder{}).Verify(h.persistent.RealmKey, lastEntry, lastMac); err != nil {
		return ErrInvalidMac
	}
	if current, ok := h.volatile.Leader[group]; ok && steppingDown(current) {
		return ErrStepdownInProgress
	}
	committed := lastEntry.Index
	h.volatile.Leader[group] = &LeaderVolatileGroupState{
		Log:       []LeaderLogEntry{{Entry: lastEntry, EntryMac: lastMac}},
		Committed: &committed,
	}
	h.log.Infof("%s became leader of %s at index %d", h.persistent.HsmId, group, lastEntry.Index)
	return nil
}

// StepDownResponse reports the index at which the leader slot will be
// released once it commits (StepdownInProgress until then).
type StepDownResponse struct {
	LastIndex ids.LogIndex
}

// StepDown marks this group's leader as stepping down at the current tail
// index. From then on HandleApp refuses new requests with
// StepdownInProgress; the transfer commands do not check the stepdown and
// still append. Commits proceed until the stepdown
// index commits, at which point the leader slot is released (see Commit)
// so a coordinator's subsequent BecomeLeader against a replacement finds
// the group leaderless. If the stepdown index has already committed by the
// time StepDown is called, the slot is released immediately rather than
// waiting for a Commit call that may never come again for that index.
func (h *Hsm) StepDown(group ids.GroupId) (StepDownResponse, error) {
	leader, err := h.requireLeader(group)
	if err != nil {
		return StepDownResponse{}, err
	}
	tailIndex := leader.tail().Entry.Index
	leader.SteppingDownAt = &tailIndex
	h.log.Infof("%s stepping down from %s at index %d", h.persistent.HsmId, group, tailIndex)
	if leader.Committed != nil && *leader.Committed >= tailIndex {
		delete(h.volatile.Leader, group)
		h.log.Infof("%s released leadership of %s at index %d", h.persistent.HsmId, group, tailIndex)
	}
	return StepDownResponse{LastIndex: tailIndex}, nil
}

// steppingDown reports whether group's leader has begun stepping down,
// which HandleApp and BecomeLeader consult to refuse with
// StepdownInProgress; the transfer commands do not consult it.
func steppingDown(leader *LeaderVolatileGroupState) bool {
	return leader.SteppingDownAt != nil
}
