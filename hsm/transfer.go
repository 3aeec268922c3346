package hsm

import (
	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/merkle"
	"github.com/juicebox-realm/realmcore/statements"
)

// PrepareTransferResponse carries the nonce and signed statement the source
// leader will need to present to TransferOut.
type PrepareTransferResponse struct {
	Nonce     statements.TransferNonce
	Statement statements.PreparedTransferStatement
	Entry     statements.LogEntry
	EntryMac  statements.Mac
}

// rangeAcceptable reports whether candidate is adjacent to or equal to
// current, or current is unset (destination owns nothing yet).
func rangeAcceptable(current *ids.OwnedRange, candidate ids.OwnedRange) bool {
	if current == nil {
		return true
	}
	return current.Equal(candidate) || current.IsAdjacentTo(candidate) || candidate.IsAdjacentTo(*current)
}

// PrepareTransfer is the destination leader's half of a range transfer: it
// checks range is acceptable (adjacent to or equal to the destination's
// current range, or the destination owns nothing), rejects a second
// concurrent transfer, mints a nonce, records the prepared transfer, and
// returns a PreparedTransferStatement the source will verify before
// committing to TransferOut.
func (h *Hsm) PrepareTransfer(realm ids.RealmId, source, destination ids.GroupId, transferRange ids.OwnedRange) (PrepareTransferResponse, error) {
	if _, err := h.requireGroup(realm, destination); err != nil {
		return PrepareTransferResponse{}, err
	}
	leader, err := h.requireLeader(destination)
	if err != nil {
		return PrepareTransferResponse{}, err
	}
	if leader.Prepared != nil {
		return PrepareTransferResponse{}, ErrOtherTransferPending
	}
	last := leader.tail()
	var current *ids.OwnedRange
	if last.Entry.Partition != nil {
		current = &last.Entry.Partition.Range
	}
	if !rangeAcceptable(current, transferRange) {
		return PrepareTransferResponse{}, ErrUnacceptableRange
	}

	var nonce statements.TransferNonce
	if err := randomBytes(nonce[:]); err != nil {
		return PrepareTransferResponse{}, err
	}
	prepared := statements.PreparedTransfer{Realm: realm, Source: source, Destination: destination, Range: transferRange, Nonce: nonce}
	stmt, err := (statements.PreparedTransferStatementBuilder{}).Build(h.persistent.RealmKey, prepared)
	if err != nil {
		return PrepareTransferResponse{}, err
	}
	leader.Prepared = &prepared

	entry, entryMac, err := h.appendBookkeepingEntry(realm, destination, leader, last)
	if err != nil {
		return PrepareTransferResponse{}, err
	}
	return PrepareTransferResponse{Nonce: nonce, Statement: stmt, Entry: entry, EntryMac: entryMac}, nil
}

// CancelPreparedTransfer clears a pending PrepareTransfer iff it is still
// exactly the prepared (source, destination, range) and TransferIn has not
// yet consumed its nonce.
func (h *Hsm) CancelPreparedTransfer(realm ids.RealmId, source, destination ids.GroupId, transferRange ids.OwnedRange) error {
	if _, err := h.requireGroup(realm, destination); err != nil {
		return err
	}
	leader, err := h.requireLeader(destination)
	if err != nil {
		return err
	}
	if leader.Prepared == nil || leader.Prepared.Source != source || leader.Prepared.Destination != destination || !leader.Prepared.Range.Equal(transferRange) {
		return ErrNotPrepared
	}
	leader.Prepared = nil
	_, _, err = h.appendBookkeepingEntry(realm, destination, leader, leader.tail())
	return err
}

// appendBookkeepingEntry appends a new tail entry that carries forward the
// previous entry's partition unchanged, used by PrepareTransfer and
// CancelPreparedTransfer to leave an auditable position in the log for
// actions that don't themselves mutate owned data.
func (h *Hsm) appendBookkeepingEntry(realm ids.RealmId, group ids.GroupId, leader *LeaderVolatileGroupState, last *LeaderLogEntry) (statements.LogEntry, statements.Mac, error) {
	index := last.Entry.Index.Next()
	entry := statements.LogEntry{
		Realm:     realm,
		Group:     group,
		Index:     index,
		Partition: last.Entry.Partition,
		PrevMac:   last.EntryMac,
	}
	entryMac, err := (statements.EntryMacBuilder{}).Build(h.persistent.RealmKey, entry)
	if err != nil {
		return statements.LogEntry{}, statements.Mac{}, err
	}
	leader.Log = append(leader.Log, LeaderLogEntry{Entry: entry, EntryMac: entryMac})
	return entry, entryMac, nil
}

// TransferOutResponse carries the new source-side log entry, the
// transferring partition's range and root, a TransferStatement keyed to
// nonce for the destination's TransferIn, and the Merkle delta (if any
// split was needed) the agent must apply to the store before appending.
type TransferOutResponse struct {
	Entry        statements.LogEntry
	EntryMac     statements.Mac
	Transferring statements.Partition
	Statement    statements.TransferStatement
	Delta        recordDelta
}

// TransferOut verifies the destination's PreparedTransferStatement, checks
// this group owns transferRange or a range transferRange is a prefix or
// suffix of, splits the owned tree if needed, and emits a transferring_out
// log entry. fetch must resolve nodes reachable from the current owned
// root (the agent's current overlay-over-store view).
func (h *Hsm) TransferOut(fetch merkle.Fetcher, realm ids.RealmId, source, destination ids.GroupId, transferRange ids.OwnedRange, nonce statements.TransferNonce, prepared statements.PreparedTransferStatement) (TransferOutResponse, error) {
	if _, err := h.requireGroup(realm, source); err != nil {
		return TransferOutResponse{}, err
	}
	leader, err := h.requireLeader(source)
	if err != nil {
		return TransferOutResponse{}, err
	}
	want := statements.PreparedTransfer{Realm: realm, Source: source, Destination: destination, Range: transferRange, Nonce: nonce}
	if prepared.PreparedTransfer != want {
		return TransferOutResponse{}, ErrInvalidStatement
	}
	if err := (statements.PreparedTransferStatementBuilder{}).Verify(h.persistent.RealmKey, prepared); err != nil {
		return TransferOutResponse{}, ErrInvalidStatement
	}

	last := leader.tail()
	if last.Entry.TransferringOut != nil {
		return TransferOutResponse{}, ErrOtherTransferPending
	}
	if last.Entry.Partition == nil {
		return TransferOutResponse{}, ErrNotOwner
	}
	owned := last.Entry.Partition.Range

	var keeping *statements.Partition
	var transferring statements.Partition
	var delta recordDelta

	switch {
	case transferRange.Equal(owned):
		keeping = nil
		transferring = statements.Partition{Range: transferRange, RootHash: last.Entry.Partition.RootHash}
	case transferRange.Start == owned.Start && transferRange.End.Less(owned.End):
		splitKey, ok := ids.NextRecordId(transferRange.End)
		if !ok {
			return TransferOutResponse{}, ErrUnacceptableRange
		}
		left, right, err := merkle.RangeSplit(fetch, owned, last.Entry.Partition.RootHash, hasRoot(last.Entry.Partition.RootHash), splitKey)
		if err != nil {
			return TransferOutResponse{}, err
		}
		transferring = statements.Partition{Range: left.Range, RootHash: left.Root}
		keeping = &statements.Partition{Range: right.Range, RootHash: right.Root}
		delta = left.Delta
		delta.Merge(right.Delta)
	case transferRange.End == owned.End && owned.Start.Less(transferRange.Start):
		left, right, err := merkle.RangeSplit(fetch, owned, last.Entry.Partition.RootHash, hasRoot(last.Entry.Partition.RootHash), transferRange.Start)
		if err != nil {
			return TransferOutResponse{}, err
		}
		keeping = &statements.Partition{Range: left.Range, RootHash: left.Root}
		transferring = statements.Partition{Range: right.Range, RootHash: right.Root}
		delta = left.Delta
		delta.Merge(right.Delta)
	default:
		return TransferOutResponse{}, ErrUnacceptableRange
	}

	index := last.Entry.Index.Next()
	transferringOut := &statements.TransferringOut{Destination: destination, At: index}
	entry := statements.LogEntry{
		Realm: realm, Group: source, Index: index,
		Partition: keeping, TransferringOut: transferringOut, PrevMac: last.EntryMac,
	}
	entryMac, err := (statements.EntryMacBuilder{}).Build(h.persistent.RealmKey, entry)
	if err != nil {
		return TransferOutResponse{}, err
	}
	rangeCopy := transferRange
	leader.Log = append(leader.Log, LeaderLogEntry{Entry: entry, EntryMac: entryMac, Delta: &delta, TransferringRange: &rangeCopy})

	transferStmt, err := (statements.TransferStatementBuilder{}).Build(h.persistent.RealmKey, statements.Transfer{
		Realm: realm, Source: source, Destination: destination, Range: transferring.Range, Nonce: nonce,
	})
	if err != nil {
		return TransferOutResponse{}, err
	}

	h.log.Infof("%s transferring %s out of %s to %s", h.persistent.HsmId, transferRange, source, destination)
	return TransferOutResponse{Entry: entry, EntryMac: entryMac, Transferring: transferring, Statement: transferStmt, Delta: delta}, nil
}

// TransferInResponse carries the new destination-side log entry and the
// Merkle delta (if any merge was needed) the agent must apply.
type TransferInResponse struct {
	Entry    statements.LogEntry
	EntryMac statements.Mac
	Delta    recordDelta
}

// TransferIn verifies nonce matches what PrepareTransfer minted and that
// transferStmt verifies, then merges partition into the destination's
// owned range (range_merge if destination owns a range already, otherwise
// straight adoption), emitting a new log entry and clearing the prepared
// state. fetchIncoming must resolve nodes reachable from partition.RootHash
// (written to the store by the agent before calling TransferIn); fetchOwn
// must resolve nodes reachable from the destination's current owned root.
func (h *Hsm) TransferIn(fetchOwn, fetchIncoming merkle.Fetcher, realm ids.RealmId, source, destination ids.GroupId, partition statements.Partition, nonce statements.TransferNonce, transferStmt statements.TransferStatement) (TransferInResponse, error) {
	if _, err := h.requireGroup(realm, destination); err != nil {
		return TransferInResponse{}, err
	}
	leader, err := h.requireLeader(destination)
	if err != nil {
		return TransferInResponse{}, err
	}
	if leader.Prepared == nil || leader.Prepared.Nonce != nonce {
		return TransferInResponse{}, ErrInvalidNonce
	}
	if !leader.Prepared.Range.Equal(partition.Range) || leader.Prepared.Source != source {
		return TransferInResponse{}, ErrUnacceptableRange
	}
	want := statements.Transfer{Realm: realm, Source: source, Destination: destination, Range: partition.Range, Nonce: nonce}
	if transferStmt.Transfer != want {
		return TransferInResponse{}, ErrInvalidStatement
	}
	if err := (statements.TransferStatementBuilder{}).Verify(h.persistent.RealmKey, transferStmt); err != nil {
		return TransferInResponse{}, ErrInvalidStatement
	}

	last := leader.tail()
	var merged merkle.PartitionResult
	if last.Entry.Partition == nil {
		merged = merkle.PartitionResult{Range: partition.Range, Root: partition.RootHash, HasRoot: true}
	} else {
		merged, err = merkle.RangeMerge(
			fetchOwn, last.Entry.Partition.Range, last.Entry.Partition.RootHash, hasRoot(last.Entry.Partition.RootHash),
			fetchIncoming, partition.Range, partition.RootHash, hasRoot(partition.RootHash),
		)
		if err != nil {
			return TransferInResponse{}, ErrUnacceptableRange
		}
	}
	leader.Prepared = nil

	index := last.Entry.Index.Next()
	newPartition := &statements.Partition{Range: merged.Range, RootHash: merged.Root}
	entry := statements.LogEntry{
		Realm: realm, Group: destination, Index: index,
		Partition: newPartition, TransferringOut: last.Entry.TransferringOut, PrevMac: last.EntryMac,
	}
	entryMac, err := (statements.EntryMacBuilder{}).Build(h.persistent.RealmKey, entry)
	if err != nil {
		return TransferInResponse{}, err
	}
	leader.Log = append(leader.Log, LeaderLogEntry{Entry: entry, EntryMac: entryMac, Delta: &merged.Delta})

	h.log.Infof("%s transferred %s into %s from %s", h.persistent.HsmId, partition.Range, destination, source)
	return TransferInResponse{Entry: entry, EntryMac: entryMac, Delta: merged.Delta}, nil
}

// CompleteTransfer clears transferring_out at the source once the
// destination has confirmed TransferIn, iff it still matches the
// (destination, range) this source is tracking as in flight. Idempotent if
// already cleared.
func (h *Hsm) CompleteTransfer(realm ids.RealmId, source, destination ids.GroupId, transferRange ids.OwnedRange) (statements.LogEntry, statements.Mac, error) {
	if _, err := h.requireGroup(realm, source); err != nil {
		return statements.LogEntry{}, statements.Mac{}, err
	}
	leader, err := h.requireLeader(source)
	if err != nil {
		return statements.LogEntry{}, statements.Mac{}, err
	}
	last := leader.tail()
	if last.Entry.TransferringOut == nil {
		return last.Entry, last.EntryMac, nil
	}
	if last.Entry.TransferringOut.Destination != destination || last.TransferringRange == nil || !last.TransferringRange.Equal(transferRange) {
		return statements.LogEntry{}, statements.Mac{}, ErrNotTransferring
	}

	index := last.Entry.Index.Next()
	entry := statements.LogEntry{
		Realm: realm, Group: source, Index: index,
		Partition: last.Entry.Partition, TransferringOut: nil, PrevMac: last.EntryMac,
	}
	entryMac, err := (statements.EntryMacBuilder{}).Build(h.persistent.RealmKey, entry)
	if err != nil {
		return statements.LogEntry{}, statements.Mac{}, err
	}
	leader.Log = append(leader.Log, LeaderLogEntry{Entry: entry, EntryMac: entryMac})
	return entry, entryMac, nil
}
