package hsm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/merkle"
	"github.com/juicebox-realm/realmcore/statements"
)

// applyDelta folds a StoreDelta into a plain node map, the way an agent
// folds a Merkle delta into its backing store before appending the log
// entry that produced it.
func applyDelta(nodes map[merkle.Hash]merkle.Node, delta merkle.StoreDelta) {
	for h, n := range delta.Add {
		nodes[h] = n
	}
	for _, h := range delta.Remove {
		delete(nodes, h)
	}
}

func recordId(b byte) ids.RecordId {
	var id ids.RecordId
	id[0] = b
	return id
}

func newTestHsm(t *testing.T) (*Hsm, *MemPage) {
	t.Helper()
	page, err := NewMemPage(MinPageBytes * 4)
	require.NoError(t, err)
	h, err := NewHsm(Config{Name: "test-hsm", NVRAM: page})
	require.NoError(t, err)
	return h, page
}

// commitSelf drives CaptureNext and Commit for a single-member group against
// entry, the way a one-HSM realm captures and commits its own writes; single
// membership means an empty captures map for Commit still reaches quorum
// once this HSM's own last-captured position matches.
func commitSelf(t *testing.T, h *Hsm, realm ids.RealmId, group ids.GroupId, entry statements.LogEntry, entryMac statements.Mac) {
	t.Helper()
	_, err := h.CaptureNext(realm, group, []CaptureEntry{{Entry: entry, EntryMac: entryMac}})
	require.NoError(t, err)
	_, err = h.Commit(realm, group, entry.Index, entryMac, map[ids.HsmId]statements.CapturedStatement{})
	require.NoError(t, err)
}

// TestRegisterRecoverLockout walks spec.md's register -> recover -> lockout
// scenario: a NumGuesses=2 record survives one wrong guess, is then
// recovered with the right one, and after that is exhausted two more wrong
// guesses both report zero remaining and refuse even the correct PIN.
func TestRegisterRecoverLockout(t *testing.T) {
	h, _ := newTestHsm(t)
	realmResp, err := h.NewRealm()
	require.NoError(t, err)
	realm, group := realmResp.RealmId, realmResp.GroupId

	nodes := map[merkle.Hash]merkle.Node{}
	fetch := merkle.MemFetcher(nodes)
	rid := recordId(0x42)
	root := merkle.Hash{}

	register, err := statements.MarshalCanonical(Register2Request{Pin: []byte("1234"), Secret: []byte("xyz"), NumGuesses: 2})
	require.NoError(t, err)
	result, _, err := h.HandleApp(fetch, realm, group, rid, KindRegister2, register, root, true)
	require.NoError(t, err)
	applyDelta(nodes, result.Delta)
	commitSelf(t, h, realm, group, result.Entry, result.EntryMac)
	root = result.Entry.Partition.RootHash

	recover := func(pin string) Recover2Response {
		t.Helper()
		req, err := statements.MarshalCanonical(Recover2Request{Pin: []byte(pin)})
		require.NoError(t, err)
		result, respBody, err := h.HandleApp(fetch, realm, group, rid, KindRecover2, req, root, true)
		require.NoError(t, err)
		applyDelta(nodes, result.Delta)
		commitSelf(t, h, realm, group, result.Entry, result.EntryMac)
		root = result.Entry.Partition.RootHash
		var resp Recover2Response
		require.NoError(t, statements.Unmarshal(respBody, &resp))
		return resp
	}

	wrong := recover("0000")
	require.False(t, wrong.Ok)
	require.Equal(t, uint16(1), wrong.Remaining)

	right := recover("1234")
	require.True(t, right.Ok)
	require.Equal(t, []byte("xyz"), right.Secret)

	lockedWrong1 := recover("0000")
	require.False(t, lockedWrong1.Ok)
	require.Equal(t, uint16(0), lockedWrong1.Remaining)

	lockedWrong2 := recover("0000")
	require.False(t, lockedWrong2.Ok)
	require.Equal(t, uint16(0), lockedWrong2.Remaining)

	lockedRight := recover("1234")
	require.False(t, lockedRight.Ok, "a correct PIN must not unlock an exhausted record")
	require.Equal(t, uint16(0), lockedRight.Remaining)
}

// TestDeleteIsIdempotent deletes a record that exists, then deletes again
// and expects a no-op rather than an error.
func TestDeleteIsIdempotent(t *testing.T) {
	h, _ := newTestHsm(t)
	realmResp, err := h.NewRealm()
	require.NoError(t, err)
	realm, group := realmResp.RealmId, realmResp.GroupId

	nodes := map[merkle.Hash]merkle.Node{}
	fetch := merkle.MemFetcher(nodes)
	rid := recordId(0x11)
	root := merkle.Hash{}

	register, err := statements.MarshalCanonical(Register2Request{Pin: []byte("0001"), Secret: []byte("s"), NumGuesses: 3})
	require.NoError(t, err)
	result, _, err := h.HandleApp(fetch, realm, group, rid, KindRegister2, register, root, true)
	require.NoError(t, err)
	applyDelta(nodes, result.Delta)
	commitSelf(t, h, realm, group, result.Entry, result.EntryMac)
	root = result.Entry.Partition.RootHash

	result, _, err = h.HandleApp(fetch, realm, group, rid, KindDelete, nil, root, true)
	require.NoError(t, err)
	applyDelta(nodes, result.Delta)
	commitSelf(t, h, realm, group, result.Entry, result.EntryMac)
	root = result.Entry.Partition.RootHash

	result, _, err = h.HandleApp(fetch, realm, group, rid, KindDelete, nil, root, true)
	require.NoError(t, err)
	require.Equal(t, root, result.Entry.Partition.RootHash, "deleting an absent key leaves the root unchanged")
}

// TestHandleAppRejectsStaleProof exercises the pipelining guard: a caller
// presenting a root that isn't the current tail root is rejected.
func TestHandleAppRejectsStaleProof(t *testing.T) {
	h, _ := newTestHsm(t)
	realmResp, err := h.NewRealm()
	require.NoError(t, err)
	realm, group := realmResp.RealmId, realmResp.GroupId
	fetch := merkle.MemFetcher(map[merkle.Hash]merkle.Node{})

	req, err := statements.MarshalCanonical(Register2Request{Pin: []byte("1"), Secret: []byte("s"), NumGuesses: 1})
	require.NoError(t, err)
	_, _, err = h.HandleApp(fetch, realm, group, recordId(1), KindRegister2, req, merkle.Hash{}, false)
	require.ErrorIs(t, err, ErrStaleProof)

	var wrongRoot merkle.Hash
	wrongRoot[0] = 0xff
	_, _, err = h.HandleApp(fetch, realm, group, recordId(1), KindRegister2, req, wrongRoot, true)
	require.ErrorIs(t, err, ErrStaleProof)
}

// TestBecomeLeaderRequiresMatchingCapture checks that BecomeLeader rejects a
// (lastEntry, lastMac) that doesn't match this HSM's own last captured
// position, and succeeds once it does.
func TestBecomeLeaderRequiresMatchingCapture(t *testing.T) {
	h, _ := newTestHsm(t)
	realmResp, err := h.NewRealm()
	require.NoError(t, err)
	group := realmResp.GroupId

	stale := realmResp.Entry
	stale.Index = stale.Index.Next()
	err = h.BecomeLeader(group, stale, realmResp.EntryMac)
	require.ErrorIs(t, err, ErrNotCaptured)

	err = h.BecomeLeader(group, realmResp.Entry, realmResp.EntryMac)
	require.NoError(t, err)
}

// TestCommitRequiresQuorum builds a three-member group configuration (this
// HSM plus two peers it never actually runs) and checks that Commit refuses
// to advance on a single confirming capture, then succeeds once a second
// member's capture is presented.
func TestCommitRequiresQuorum(t *testing.T) {
	h, _ := newTestHsm(t)
	realmResp, err := h.NewRealm()
	require.NoError(t, err)
	realm, group := realmResp.RealmId, realmResp.GroupId

	peer1, peer2 := ids.NewHsmId(), ids.NewHsmId()
	members := []ids.HsmId{h.Id(), peer1, peer2}
	cfg := statements.GroupConfiguration{Realm: realm, Group: group, Members: members}
	cfgStmt, err := (statements.GroupConfigurationStatementBuilder{}).Build(h.persistent.RealmKey, cfg)
	require.NoError(t, err)
	h.persistent.Realm.Groups[group].Configuration = cfgStmt

	fetch := merkle.MemFetcher(map[merkle.Hash]merkle.Node{})
	req, err := statements.MarshalCanonical(Register2Request{Pin: []byte("1"), Secret: []byte("s"), NumGuesses: 1})
	require.NoError(t, err)
	result, _, err := h.HandleApp(fetch, realm, group, recordId(1), KindRegister2, req, merkle.Hash{}, true)
	require.NoError(t, err)

	_, err = h.CaptureNext(realm, group, []CaptureEntry{{Entry: result.Entry, EntryMac: result.EntryMac}})
	require.NoError(t, err)

	_, err = h.Commit(realm, group, result.Entry.Index, result.EntryMac, map[ids.HsmId]statements.CapturedStatement{})
	require.ErrorIs(t, err, ErrNoQuorum, "one of three confirmations is not a strict majority")

	peerCaptured := statements.Captured{Realm: realm, Group: group, Hsm: peer1, Index: result.Entry.Index, EntryMac: result.EntryMac}
	peerStmt, err := (statements.CapturedStatementBuilder{}).Build(h.persistent.RealmKey, peerCaptured)
	require.NoError(t, err)

	commitResp, err := h.Commit(realm, group, result.Entry.Index, result.EntryMac, map[ids.HsmId]statements.CapturedStatement{peer1: peerStmt})
	require.NoError(t, err)
	require.Equal(t, result.Entry.Index, commitResp.Committed)
}

// TestRangeTransfer walks the two-phase transfer protocol end to end on a
// single Hsm leading both groups: a full-range source group A splits off
// its lower half to an empty destination group B, and every record in the
// transferred half remains readable via B afterward while the upper half
// stays readable via A.
func TestRangeTransfer(t *testing.T) {
	h, _ := newTestHsm(t)
	realmResp, err := h.NewRealm()
	require.NoError(t, err)
	realm, source := realmResp.RealmId, realmResp.GroupId

	groupResp, err := h.NewGroup([]ids.HsmId{h.Id()})
	require.NoError(t, err)
	destination := groupResp.GroupId

	sourceNodes := map[merkle.Hash]merkle.Node{}
	sourceFetch := merkle.MemFetcher(sourceNodes)

	lowId, highId := recordId(0x10), recordId(0xf0)
	root := merkle.Hash{}
	for _, rec := range []struct {
		id  ids.RecordId
		pin string
	}{{lowId, "1111"}, {highId, "2222"}} {
		req, err := statements.MarshalCanonical(Register2Request{Pin: []byte(rec.pin), Secret: []byte("secret-" + rec.pin), NumGuesses: 3})
		require.NoError(t, err)
		result, _, err := h.HandleApp(sourceFetch, realm, source, rec.id, KindRegister2, req, root, true)
		require.NoError(t, err)
		applyDelta(sourceNodes, result.Delta)
		commitSelf(t, h, realm, source, result.Entry, result.EntryMac)
		root = result.Entry.Partition.RootHash
	}

	lowerHalf, _, err := ids.FullOwnedRange().SplitAt(recordId(0x80))
	require.NoError(t, err)
	transferRange := lowerHalf

	prep, err := h.PrepareTransfer(realm, source, destination, transferRange)
	require.NoError(t, err)
	commitSelf(t, h, realm, destination, prep.Entry, prep.EntryMac)

	transferOut, err := h.TransferOut(sourceFetch, realm, source, destination, transferRange, prep.Nonce, prep.Statement)
	require.NoError(t, err)
	require.Equal(t, transferRange, transferOut.Transferring.Range)
	applyDelta(sourceNodes, transferOut.Delta)
	commitSelf(t, h, realm, source, transferOut.Entry, transferOut.EntryMac)

	// The agent copies every node reachable from the transferring partition
	// into the destination's backing store before calling TransferIn, the
	// way a real agent materializes the incoming blob range; a straight
	// adoption (destination previously empty) then needs no further delta.
	destNodes := filterReachable(sourceNodes, transferOut.Transferring)
	incomingFetch := merkle.MemFetcher(destNodes)
	destFetch := merkle.MemFetcher(destNodes)

	transferIn, err := h.TransferIn(destFetch, incomingFetch, realm, source, destination, transferOut.Transferring, prep.Nonce, transferOut.Statement)
	require.NoError(t, err)
	require.True(t, transferIn.Entry.Partition.Range.Equal(transferRange))
	applyDelta(destNodes, transferIn.Delta)
	commitSelf(t, h, realm, destination, transferIn.Entry, transferIn.EntryMac)

	complete, completeMac, err := h.CompleteTransfer(realm, source, destination, transferRange)
	require.NoError(t, err)
	require.Nil(t, complete.TransferringOut)
	commitSelf(t, h, realm, source, complete, completeMac)

	// source keeps the upper half
	require.True(t, h.persistent.Realm.Groups[source].LastCaptured != nil)

	destFetchFinal := merkle.MemFetcher(destNodes)
	rec, _, err := fetchRecord(destFetchFinal, transferRange, transferIn.Entry.Partition.RootHash, lowId)
	require.NoError(t, err)
	require.Equal(t, []byte("secret-1111"), rec.Secret)

	sourceFetchFinal := merkle.MemFetcher(sourceNodes)
	upperRange := ids.OwnedRange{Start: mustNext(t, transferRange.End), End: ids.FullOwnedRange().End}
	rec2, _, err := fetchRecord(sourceFetchFinal, upperRange, complete.Partition.RootHash, highId)
	require.NoError(t, err)
	require.Equal(t, []byte("secret-2222"), rec2.Secret)
}

func mustNext(t *testing.T, id ids.RecordId) ids.RecordId {
	t.Helper()
	next, ok := ids.NextRecordId(id)
	require.True(t, ok)
	return next
}

// filterReachable is a test-only stand-in for an agent reading every node
// reachable from a subtree's root out of the backing store before handing
// it to the destination; here it's simplest to just hand over every node
// the source store holds, since MemFetcher tolerates unreferenced entries.
func filterReachable(nodes map[merkle.Hash]merkle.Node, _ statements.Partition) map[merkle.Hash]merkle.Node {
	out := make(map[merkle.Hash]merkle.Node, len(nodes))
	for h, n := range nodes {
		out[h] = n
	}
	return out
}

// TestNewHsmWithRealmKeyLetsIndependentHsmsJoinTheSameGroup confirms the
// premise --realm-key relies on: two Hsms booted independently with
// NewHsm (each minting its own random key) can never verify each other's
// GroupConfigurationStatement, but two booted with the same
// NewHsmWithRealmKey key can.
func TestNewHsmWithRealmKeyLetsIndependentHsmsJoinTheSameGroup(t *testing.T) {
	key, err := statements.NewRealmKey()
	require.NoError(t, err)

	page1, err := NewMemPage(MinPageBytes * 4)
	require.NoError(t, err)
	h1, err := NewHsmWithRealmKey(Config{Name: "shared-1", NVRAM: page1}, key)
	require.NoError(t, err)

	page2, err := NewMemPage(MinPageBytes * 4)
	require.NoError(t, err)
	h2, err := NewHsmWithRealmKey(Config{Name: "shared-2", NVRAM: page2}, key)
	require.NoError(t, err)

	realmResp, err := h1.NewRealm()
	require.NoError(t, err)

	groupResp, err := h1.NewGroup([]ids.HsmId{h1.Id(), h2.Id()})
	require.NoError(t, err)

	require.NoError(t, h2.JoinRealm(realmResp.RealmId, groupResp.Config))
	require.NoError(t, h2.JoinGroup(groupResp.Config))

	// An independently-keyed third Hsm must be rejected: it has no way to
	// verify a statement signed under a key it was never given.
	page3, err := NewMemPage(MinPageBytes * 4)
	require.NoError(t, err)
	h3, err := NewHsm(Config{Name: "unkeyed", NVRAM: page3})
	require.NoError(t, err)
	require.Error(t, h3.JoinRealm(realmResp.RealmId, groupResp.Config))
}
