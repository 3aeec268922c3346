package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/juicebox-realm/realmcore/discovery"
	"github.com/juicebox-realm/realmcore/hsm"
	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/journal"
	"github.com/juicebox-realm/realmcore/merkle"
	"github.com/juicebox-realm/realmcore/merklestore"
	"github.com/juicebox-realm/realmcore/statements"
)

func newTestAgent(t *testing.T) (*Agent, *hsm.Hsm, ids.RealmId, ids.GroupId) {
	t.Helper()
	page, err := hsm.NewMemPage(hsm.MinPageBytes * 4)
	require.NoError(t, err)
	h, err := hsm.NewHsm(hsm.Config{Name: "agent-test-hsm", NVRAM: page})
	require.NoError(t, err)
	realmResp, err := h.NewRealm()
	require.NoError(t, err)

	store := merklestore.NewMemStore(nil)
	j := journal.NewMemStore()
	a := New(h, realmResp.RealmId, j, store, nil)
	return a, h, realmResp.RealmId, realmResp.GroupId
}

func recordId(b byte) ids.RecordId {
	var id ids.RecordId
	id[0] = b
	return id
}

// TestHandleAppRoutesRegisterAndRecover exercises the full client-facing
// path: register a secret, then recover it, through the Agent rather than
// calling the Hsm directly.
func TestHandleAppRoutesRegisterAndRecover(t *testing.T) {
	a, _, _, group := newTestAgent(t)
	ctx := context.Background()
	rid := recordId(0x7)

	registerReq, err := statements.MarshalCanonical(hsm.Register2Request{Pin: []byte("4321"), Secret: []byte("guarded"), NumGuesses: 3})
	require.NoError(t, err)
	_, err = a.HandleApp(ctx, group, rid, hsm.KindRegister2, registerReq)
	require.NoError(t, err)

	recoverReq, err := statements.MarshalCanonical(hsm.Recover2Request{Pin: []byte("4321")})
	require.NoError(t, err)
	body, err := a.HandleApp(ctx, group, rid, hsm.KindRecover2, recoverReq)
	require.NoError(t, err)

	var resp hsm.Recover2Response
	require.NoError(t, statements.Unmarshal(body, &resp))
	require.True(t, resp.Ok)
	require.Equal(t, []byte("guarded"), resp.Secret)
}

// TestHandleAppRejectsWrongPin confirms a failed guess still round-trips
// through the Agent's retry loop without consuming an extra retry (a wrong
// PIN is ErrNoSecret-free, not a stale proof).
func TestHandleAppRejectsWrongPin(t *testing.T) {
	a, _, _, group := newTestAgent(t)
	ctx := context.Background()
	rid := recordId(0x8)

	registerReq, err := statements.MarshalCanonical(hsm.Register2Request{Pin: []byte("0000"), Secret: []byte("s"), NumGuesses: 5})
	require.NoError(t, err)
	_, err = a.HandleApp(ctx, group, rid, hsm.KindRegister2, registerReq)
	require.NoError(t, err)

	recoverReq, err := statements.MarshalCanonical(hsm.Recover2Request{Pin: []byte("9999")})
	require.NoError(t, err)
	body, err := a.HandleApp(ctx, group, rid, hsm.KindRecover2, recoverReq)
	require.NoError(t, err)

	var resp hsm.Recover2Response
	require.NoError(t, statements.Unmarshal(body, &resp))
	require.False(t, resp.Ok)
	require.Equal(t, uint16(4), resp.Remaining)
}

// TestCaptureThenCommitAdvancesSingleMemberGroup drives the capture and
// commit loops by hand (rather than via Run's tickers) against a
// single-HSM group, the simplest case where this HSM's own capture already
// satisfies quorum.
func TestCaptureThenCommitAdvancesSingleMemberGroup(t *testing.T) {
	a, h, _, group := newTestAgent(t)
	ctx := context.Background()
	rid := recordId(0x9)

	req, err := statements.MarshalCanonical(hsm.Register2Request{Pin: []byte("1"), Secret: []byte("s"), NumGuesses: 1})
	require.NoError(t, err)
	_, err = a.HandleApp(ctx, group, rid, hsm.KindRegister2, req)
	require.NoError(t, err)

	require.NoError(t, a.CaptureOnce(ctx, group))
	captured, ok, err := h.ReadCaptured(a.RealmId(), group)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ids.FirstLogIndex.Next(), captured.Index)

	require.NoError(t, a.CommitOnce(ctx, group))
	status := h.Status()
	gs, ok := status.Groups[group]
	require.True(t, ok)
	require.NotNil(t, gs.Committed)
	require.Equal(t, ids.FirstLogIndex.Next(), *gs.Committed)
}

// TestAppendEntryIsIdempotentOnOwnRetry checks that replaying the exact
// same entry AppendEntry already wrote is a no-op rather than an error.
func TestAppendEntryIsIdempotentOnOwnRetry(t *testing.T) {
	a, _, realm, group := newTestAgent(t)
	ctx := context.Background()
	rid := recordId(0xa)

	req, err := statements.MarshalCanonical(hsm.Register2Request{Pin: []byte("2"), Secret: []byte("s"), NumGuesses: 1})
	require.NoError(t, err)
	_, err = a.HandleApp(ctx, group, rid, hsm.KindRegister2, req)
	require.NoError(t, err)

	row, err := a.Journal.Get(ctx, group, ids.FirstLogIndex.Next())
	require.NoError(t, err)

	require.NoError(t, a.AppendEntry(ctx, group, row.Entry, row.Mac, merkle.StoreDelta{}))
	_ = realm
}

// TestAppendEntryDetectsLostRace confirms a competing entry at the same
// index with a different entry_mac is reported as ErrLostRace rather than
// silently accepted or mistaken for the caller's own write.
func TestAppendEntryDetectsLostRace(t *testing.T) {
	a, _, _, group := newTestAgent(t)
	ctx := context.Background()
	rid := recordId(0xb)

	req, err := statements.MarshalCanonical(hsm.Register2Request{Pin: []byte("3"), Secret: []byte("s"), NumGuesses: 1})
	require.NoError(t, err)
	_, err = a.HandleApp(ctx, group, rid, hsm.KindRegister2, req)
	require.NoError(t, err)

	row, err := a.Journal.Get(ctx, group, ids.FirstLogIndex.Next())
	require.NoError(t, err)

	conflicting := row.Mac
	conflicting[0] ^= 0xff
	err = a.AppendEntry(ctx, group, row.Entry, conflicting, merkle.StoreDelta{})
	require.ErrorIs(t, err, ErrLostRace)
}

// TestHeartbeatOnceIsNoopWithoutDiscovery checks the optional-discovery
// escape hatch used by single-process deployments and tests.
func TestHeartbeatOnceIsNoopWithoutDiscovery(t *testing.T) {
	a, _, _, _ := newTestAgent(t)
	require.NoError(t, a.HeartbeatOnce(context.Background()))
}

// TestHeartbeatOnceRegisters checks that a configured Discovery/URL pair
// actually lands a lookup-able registration.
func TestHeartbeatOnceRegisters(t *testing.T) {
	a, h, _, _ := newTestAgent(t)
	a.Discovery = discovery.NewMemTable()
	a.URL = "https://agent.example/realm"

	ctx := context.Background()
	require.NoError(t, a.HeartbeatOnce(ctx))

	url, err := a.Discovery.Lookup(ctx, h.Id())
	require.NoError(t, err)
	require.Equal(t, a.URL, url)
}
