package hsm

import (
	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/statements"
)

// GroupPersistentState is the durable per-group state an HSM retains across
// restarts: the group's membership and this HSM's last captured position.
type GroupPersistentState struct {
	Configuration statements.GroupConfigurationStatement
	// LastCaptured is this HSM's most recently captured (index, entry_mac),
	// nil before the first CaptureNext for this group.
	LastCaptured *CapturePosition
}

// CapturePosition names a point in a group's log by index and the entry_mac
// at that index, the pair CaptureNext advances and Commit/BecomeLeader check.
type CapturePosition struct {
	Index    ids.LogIndex
	EntryMac statements.Mac
}

// RealmPersistentState is the realm this HSM has joined and every group it
// belongs to within that realm.
type RealmPersistentState struct {
	RealmId ids.RealmId
	Groups  map[ids.GroupId]*GroupPersistentState
}

// PersistentState is everything an HSM must durably persist before any
// observation derived from it becomes externally visible (spec.md §4.2,
// "Persistence rule"). It is rewritten in full on every change; see nvram.go.
type PersistentState struct {
	HsmId    ids.HsmId
	RealmKey statements.RealmKey
	Realm    *RealmPersistentState
}

// LeaderLogEntry is one entry in a leader's volatile tail: the entry itself,
// the Merkle delta that produced it (if any; HandleApp's ErrBusy check reads
// it while the entry is uncommitted), and the client response held until the
// entry commits.
type LeaderLogEntry struct {
	Entry    statements.LogEntry
	EntryMac statements.Mac
	Delta    *recordDelta
	Response *appResponse
	// TransferringRange is set alongside Entry.TransferringOut and records
	// the range being moved out. It isn't part of the authenticated wire
	// LogEntry (spec.md §3 only binds destination and source index there);
	// it's kept out-of-band on the leader's own volatile bookkeeping so
	// CompleteTransfer can confirm it's releasing the range it thinks it is.
	TransferringRange *ids.OwnedRange
}

// LeaderVolatileGroupState is the in-memory state an HSM holds only while it
// leads a group: the uncommitted tail, the commit index, and an optional
// nonce for an inbound transfer this group is currently accepting.
type LeaderVolatileGroupState struct {
	Log       []LeaderLogEntry
	Committed *ids.LogIndex
	// Prepared is set by PrepareTransfer (this group acting as a transfer
	// destination) and cleared by TransferIn or CancelPreparedTransfer; it
	// authorises exactly one inbound partition under its Nonce.
	Prepared *statements.PreparedTransfer
	// SteppingDownAt is set by StepDown: the index at which the leader will
	// release the slot once it commits. Once set, HandleApp appends no
	// further entries; the transfer commands do not check it.
	SteppingDownAt *ids.LogIndex
}

// tail returns the most recently appended entry; callers only call this once
// a group has a leader state with at least one entry (every leader state is
// always seeded with one on BecomeLeader/NewGroup).
func (g *LeaderVolatileGroupState) tail() *LeaderLogEntry {
	return &g.Log[len(g.Log)-1]
}

// VolatileState is the non-persistent state an HSM holds while running:
// leader state per group it currently leads. Lost on restart, which is safe
// because BecomeLeader always re-derives it from the persisted log tail.
type VolatileState struct {
	Leader map[ids.GroupId]*LeaderVolatileGroupState
}

func newVolatileState() *VolatileState {
	return &VolatileState{Leader: make(map[ids.GroupId]*LeaderVolatileGroupState)}
}
