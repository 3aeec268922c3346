package hsm

import (
	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/statements"
)

// CaptureEntry pairs a log entry with the entry_mac the leader emitted for
// it; CaptureNext receives a batch of these from the agent's capture loop
// as it tails a group's log.
type CaptureEntry struct {
	Entry    statements.LogEntry
	EntryMac statements.Mac
}

// CaptureNextResponse carries this HSM's CapturedStatement for the latest
// of the entries just captured.
type CaptureNextResponse struct {
	Index     ids.LogIndex
	EntryMac  statements.Mac
	Statement statements.CapturedStatement
}

// CaptureNext verifies entries' MAC chain against this HSM's last capture,
// advances its capture position entry-by-entry, and returns a
// CapturedStatement for the latest. Rejects a gap (entries[0] is not the
// immediate successor of the last capture) with MissingPrev, and a broken
// chain (prev_mac mismatch or invalid entry_mac) with InvalidChain.
func (h *Hsm) CaptureNext(realm ids.RealmId, group ids.GroupId, entries []CaptureEntry) (CaptureNextResponse, error) {
	g, err := h.requireGroup(realm, group)
	if err != nil {
		return CaptureNextResponse{}, err
	}
	if len(entries) == 0 {
		return CaptureNextResponse{}, ErrMissingPrev
	}

	prevMac := statements.ZeroMac()
	nextIndex := ids.FirstLogIndex
	if g.LastCaptured != nil {
		prevMac = g.LastCaptured.EntryMac
		nextIndex = g.LastCaptured.Index.Next()
	}

	for _, ce := range entries {
		if ce.Entry.Index != nextIndex {
			return CaptureNextResponse{}, ErrMissingPrev
		}
		if ce.Entry.PrevMac != prevMac {
			return CaptureNextResponse{}, ErrInvalidChain
		}
		if err := (statements.EntryMacBuilder{}).Verify(h.persistent.RealmKey, ce.Entry, ce.EntryMac); err != nil {
			return CaptureNextResponse{}, ErrInvalidChain
		}
		prevMac = ce.EntryMac
		nextIndex = ce.Entry.Index.Next()
	}

	last := entries[len(entries)-1]
	g.LastCaptured = &CapturePosition{Index: last.Entry.Index, EntryMac: last.EntryMac}

	stmt, err := (statements.CapturedStatementBuilder{}).Build(h.persistent.RealmKey, statements.Captured{
		Realm: realm, Group: group, Hsm: h.persistent.HsmId, Index: last.Entry.Index, EntryMac: last.EntryMac,
	})
	if err != nil {
		return CaptureNextResponse{}, err
	}
	if err := h.persist(); err != nil {
		return CaptureNextResponse{}, err
	}
	return CaptureNextResponse{Index: last.Entry.Index, EntryMac: last.EntryMac, Statement: stmt}, nil
}

// ReadCaptured returns this HSM's latest captured (index, entry_mac,
// statement) for group, served over the `captured` RPC so a leader can
// collect it toward a commit quorum. ok is false if nothing has been
// captured for group yet.
func (h *Hsm) ReadCaptured(realm ids.RealmId, group ids.GroupId) (CaptureNextResponse, bool, error) {
	g, err := h.requireGroup(realm, group)
	if err != nil {
		return CaptureNextResponse{}, false, err
	}
	if g.LastCaptured == nil {
		return CaptureNextResponse{}, false, nil
	}
	stmt, err := (statements.CapturedStatementBuilder{}).Build(h.persistent.RealmKey, statements.Captured{
		Realm: realm, Group: group, Hsm: h.persistent.HsmId, Index: g.LastCaptured.Index, EntryMac: g.LastCaptured.EntryMac,
	})
	if err != nil {
		return CaptureNextResponse{}, false, err
	}
	return CaptureNextResponse{Index: g.LastCaptured.Index, EntryMac: g.LastCaptured.EntryMac, Statement: stmt}, true, nil
}

// CommitResponse carries the new commit index and the client responses
// released for entries that just became committed.
type CommitResponse struct {
	Committed ids.LogIndex
	Released  []appResponse
}

// Commit counts, among captures, those that verify under the group
// configuration and whose (index, entry_mac) match the request, plus this
// HSM itself if its own last capture matches. If a strict majority of the
// group's configured membership is reached, advances the commit index and
// releases buffered responses for every entry up to and including index.
// Idempotent: returns AlreadyCommitted if index <= the current commit index.
func (h *Hsm) Commit(realm ids.RealmId, group ids.GroupId, index ids.LogIndex, entryMac statements.Mac, captures map[ids.HsmId]statements.CapturedStatement) (CommitResponse, error) {
	g, err := h.requireGroup(realm, group)
	if err != nil {
		return CommitResponse{}, err
	}
	leader, err := h.requireLeader(group)
	if err != nil {
		return CommitResponse{}, err
	}
	if leader.Committed != nil && *leader.Committed >= index {
		return CommitResponse{Committed: *leader.Committed}, ErrAlreadyCommitted
	}

	members := make(map[ids.HsmId]bool, len(g.Configuration.Configuration.Members))
	for _, m := range g.Configuration.Configuration.Members {
		members[m] = true
	}

	confirmed := make(map[ids.HsmId]bool)
	for hsmId, stmt := range captures {
		if !members[hsmId] {
			continue
		}
		want := statements.Captured{Realm: realm, Group: group, Hsm: hsmId, Index: index, EntryMac: entryMac}
		if stmt.Captured != want {
			continue
		}
		if (statements.CapturedStatementBuilder{}).Verify(h.persistent.RealmKey, stmt) != nil {
			continue
		}
		confirmed[hsmId] = true
	}
	if g.LastCaptured != nil && g.LastCaptured.Index == index && g.LastCaptured.EntryMac == entryMac {
		confirmed[h.persistent.HsmId] = true
	}

	if len(confirmed) <= len(members)/2 {
		return CommitResponse{}, ErrNoQuorum
	}

	leader.Committed = &index
	var released []appResponse
	for i := range leader.Log {
		entry := &leader.Log[i]
		if entry.Entry.Index > index {
			continue
		}
		if entry.Response != nil {
			released = append(released, *entry.Response)
			entry.Response = nil
		}
	}
	h.log.Infof("%s committed %s at index %d", h.persistent.HsmId, group, index)

	if leader.SteppingDownAt != nil && index >= *leader.SteppingDownAt {
		delete(h.volatile.Leader, group)
		h.log.Infof("%s released leadership of %s at index %d", h.persistent.HsmId, group, index)
	}

	return CommitResponse{Committed: index, Released: released}, nil
}
