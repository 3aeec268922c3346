package cluster

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/juicebox-realm/realmcore/agent"
	"github.com/juicebox-realm/realmcore/discovery"
	"github.com/juicebox-realm/realmcore/hsm"
	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/journal"
	"github.com/juicebox-realm/realmcore/merklestore"
	"github.com/juicebox-realm/realmcore/rpcapi"
	"github.com/juicebox-realm/realmcore/statements"
	"github.com/juicebox-realm/realmcore/transport"
)

// testNode is one simulated agent process: its Hsm, its Agent, and an
// httptest server exposing rpcapi's handler over HTTP, the same shape
// server_test.go uses for the rpcapi package itself.
type testNode struct {
	HsmId ids.HsmId
	Hsm   *hsm.Hsm
	Agent *agent.Agent
	URL   string
}

// mapDialer resolves a URL to the rpcapi.Client built for the testNode
// registered at that URL, standing in for a real Dialer's HTTP dial.
type mapDialer map[string]*rpcapi.Client

func (d mapDialer) Dial(url string) *rpcapi.Client { return d[url] }

// nodeFrom wraps an already-constructed Hsm in an Agent and an httptest
// server exposing rpcapi's handler, the shape server_test.go uses for the
// rpcapi package itself.
func nodeFrom(t *testing.T, h *hsm.Hsm) *testNode {
	t.Helper()
	store := merklestore.NewMemStore(nil)
	j := journal.NewMemStore()
	a := agent.New(h, ids.RealmId{}, j, store, nil)

	server := transport.NewServer(rpcapi.NewHandler(a, h))
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return &testNode{HsmId: h.Id(), Hsm: h, Agent: a, URL: ts.URL}
}

// newTestNode boots a fresh, realm-less node with its own random identity
// and realm key, the way a vendor HSM looks at first boot.
func newTestNode(t *testing.T, name string) *testNode {
	t.Helper()
	page, err := hsm.NewMemPage(hsm.MinPageBytes * 4)
	require.NoError(t, err)
	h, err := hsm.NewHsm(hsm.Config{Name: name, NVRAM: page})
	require.NoError(t, err)
	return nodeFrom(t, h)
}

// sharedKeyNode boots a node pre-provisioned with key, the way two vendor
// HSM modules destined for the same realm would share a key baked in at
// manufacture time. NewHsm always mints its own fresh key, so this goes
// through the same SavePersistentState/LoadHsm restart path a real HSM
// uses to resume after a reboot, seeded with state a test controls
// directly instead of state NewHsm picked for us.
func sharedKeyNode(t *testing.T, name string, key statements.RealmKey) *testNode {
	t.Helper()
	page, err := hsm.NewMemPage(hsm.MinPageBytes * 4)
	require.NoError(t, err)
	require.NoError(t, hsm.SavePersistentState(page, hsm.PersistentState{HsmId: ids.NewHsmId(), RealmKey: key}))
	h, err := hsm.LoadHsm(hsm.Config{Name: name, NVRAM: page})
	require.NoError(t, err)
	return nodeFrom(t, h)
}

func TestFindLeaderLocatesNewRealmFounder(t *testing.T) {
	ctx := context.Background()
	founder := newTestNode(t, "founder")

	disc := discovery.NewMemTable()
	require.NoError(t, disc.Register(ctx, founder.HsmId, founder.URL, 0))
	dialer := mapDialer{founder.URL: rpcapi.NewClient(transport.NewNetworked(founder.URL, nil))}

	result, err := NewRealm(ctx, dialer.Dial(founder.URL))
	require.NoError(t, err)
	require.NotEqual(t, ids.RealmId{}, result.RealmId)

	leader, err := FindLeader(ctx, disc, dialer, []ids.HsmId{founder.HsmId}, result.RealmId, result.GroupId)
	require.NoError(t, err)
	require.Equal(t, founder.HsmId, leader.HsmId)
}

func TestFindLeaderReturnsErrNoLeaderForUnknownGroup(t *testing.T) {
	ctx := context.Background()
	founder := newTestNode(t, "founder")
	disc := discovery.NewMemTable()
	require.NoError(t, disc.Register(ctx, founder.HsmId, founder.URL, 0))
	dialer := mapDialer{founder.URL: rpcapi.NewClient(transport.NewNetworked(founder.URL, nil))}

	_, err := FindLeader(ctx, disc, dialer, []ids.HsmId{founder.HsmId}, ids.NewRealmId(), ids.NewGroupId())
	require.ErrorIs(t, err, ErrNoLeader)
}

// TestStepDownReleasesSoleLeaderWithNoReplacement exercises a single-member
// group: once its one entry commits, StepDown should still report the
// stepdown index and release the leader slot immediately (hsm/leader.go's
// StepDown clears it at request time rather than waiting on a Commit that
// will never arrive for this index), but ErrNoCapturedPeer since there is
// no other member to hand leadership to.
func TestStepDownReleasesSoleLeaderWithNoReplacement(t *testing.T) {
	ctx := context.Background()
	founder := newTestNode(t, "founder")
	disc := discovery.NewMemTable()
	require.NoError(t, disc.Register(ctx, founder.HsmId, founder.URL, 0))
	dialer := mapDialer{founder.URL: rpcapi.NewClient(transport.NewNetworked(founder.URL, nil))}

	client := dialer.Dial(founder.URL)
	newRealm, err := client.NewRealm(ctx)
	require.NoError(t, err)
	require.Equal(t, rpcapi.KindOk, newRealm.ErrorKind)

	_, err = founder.Hsm.Commit(newRealm.RealmId, newRealm.GroupId, ids.FirstLogIndex, newRealm.EntryMac, nil)
	require.NoError(t, err)

	resp, err := StepDown(ctx, disc, dialer, journal.NewMemStore(), []ids.HsmId{founder.HsmId}, newRealm.RealmId, newRealm.GroupId)
	require.ErrorIs(t, err, ErrNoCapturedPeer)
	require.Equal(t, ids.FirstLogIndex, resp.LastIndex)

	status, err := client.Status(ctx)
	require.NoError(t, err)
	gs, ok := status.Groups[newRealm.GroupId]
	require.True(t, ok)
	require.False(t, gs.Leader)
}

// TestStepDownElectsReplacementAmongCapturedPeers exercises the full
// multi-HSM handover (spec.md §8 scenario 2): two members of a group, the
// founder leading; once the founder's stepdown commits, StepDown should hand
// leadership to the member that captured the stepdown entry.
func TestStepDownElectsReplacementAmongCapturedPeers(t *testing.T) {
	ctx := context.Background()
	key, err := statements.NewRealmKey()
	require.NoError(t, err)
	founder := sharedKeyNode(t, "founder", key)
	member := sharedKeyNode(t, "member", key)

	newRealm, err := founder.Hsm.NewRealm()
	require.NoError(t, err)

	bootstrap, err := founder.Hsm.NewGroup([]ids.HsmId{founder.HsmId, member.HsmId})
	require.NoError(t, err)
	require.NoError(t, member.Hsm.JoinRealm(newRealm.RealmId, bootstrap.Config))
	require.NoError(t, member.Hsm.JoinGroup(bootstrap.Config))

	captureResp, err := member.Hsm.CaptureNext(newRealm.RealmId, bootstrap.GroupId, []hsm.CaptureEntry{
		{Entry: bootstrap.Entry, EntryMac: bootstrap.EntryMac},
	})
	require.NoError(t, err)

	j := journal.NewMemStore()
	require.NoError(t, j.Append(ctx, bootstrap.GroupId, []journal.Entry{{Entry: bootstrap.Entry, Mac: bootstrap.EntryMac}}))

	_, err = founder.Hsm.Commit(newRealm.RealmId, bootstrap.GroupId, ids.FirstLogIndex, bootstrap.EntryMac,
		map[ids.HsmId]statements.CapturedStatement{member.HsmId: captureResp.Statement})
	require.NoError(t, err)

	disc := discovery.NewMemTable()
	require.NoError(t, disc.Register(ctx, founder.HsmId, founder.URL, 0))
	require.NoError(t, disc.Register(ctx, member.HsmId, member.URL, 0))
	dialer := mapDialer{
		founder.URL: rpcapi.NewClient(transport.NewNetworked(founder.URL, nil)),
		member.URL:  rpcapi.NewClient(transport.NewNetworked(member.URL, nil)),
	}

	resp, err := StepDown(ctx, disc, dialer, j, []ids.HsmId{founder.HsmId, member.HsmId}, newRealm.RealmId, bootstrap.GroupId)
	require.NoError(t, err)
	require.Equal(t, ids.FirstLogIndex, resp.LastIndex)

	founderStatus, err := dialer.Dial(founder.URL).Status(ctx)
	require.NoError(t, err)
	founderGroup, ok := founderStatus.Groups[bootstrap.GroupId]
	require.True(t, ok)
	require.False(t, founderGroup.Leader)

	memberStatus, err := dialer.Dial(member.URL).Status(ctx)
	require.NoError(t, err)
	memberGroup, ok := memberStatus.Groups[bootstrap.GroupId]
	require.True(t, ok)
	require.True(t, memberGroup.Leader)
}

// TestStepDownHsmStepsDownEveryGroupItLeads exercises spec.md §4.4's other
// addressing mode: naming a single HSM rather than a (realm, group) pair.
// founder leads two single-member groups (its realm's genesis group plus one
// minted via NewGroup); StepDownHsm should step down both.
func TestStepDownHsmStepsDownEveryGroupItLeads(t *testing.T) {
	ctx := context.Background()
	founder := newTestNode(t, "founder")
	disc := discovery.NewMemTable()
	require.NoError(t, disc.Register(ctx, founder.HsmId, founder.URL, 0))
	dialer := mapDialer{founder.URL: rpcapi.NewClient(transport.NewNetworked(founder.URL, nil))}
	client := dialer.Dial(founder.URL)

	newRealm, err := client.NewRealm(ctx)
	require.NoError(t, err)
	require.Equal(t, rpcapi.KindOk, newRealm.ErrorKind)
	_, err = founder.Hsm.Commit(newRealm.RealmId, newRealm.GroupId, ids.FirstLogIndex, newRealm.EntryMac, nil)
	require.NoError(t, err)

	groupResp, err := client.NewGroup(ctx, rpcapi.NewGroupRequest{Members: []ids.HsmId{founder.HsmId}})
	require.NoError(t, err)
	require.Equal(t, rpcapi.KindOk, groupResp.ErrorKind)
	_, err = founder.Hsm.Commit(newRealm.RealmId, groupResp.GroupId, ids.FirstLogIndex, groupResp.EntryMac, nil)
	require.NoError(t, err)

	groupMembers := map[ids.GroupId]GroupMembership{
		newRealm.GroupId:  {Members: []ids.HsmId{founder.HsmId}, Journal: journal.NewMemStore()},
		groupResp.GroupId: {Members: []ids.HsmId{founder.HsmId}, Journal: journal.NewMemStore()},
	}
	// Neither single-member group has a replacement, so StepDownHsm stops at
	// whichever group it reaches first (map iteration order is unspecified)
	// and reports that one's failure, leaving the other still led.
	results, err := StepDownHsm(ctx, disc, dialer, founder.HsmId, newRealm.RealmId, groupMembers)
	require.ErrorIs(t, err, ErrNoCapturedPeer)
	require.Len(t, results, 1)

	var steppedDown ids.GroupId
	for gid := range results {
		steppedDown = gid
	}

	status, err := client.Status(ctx)
	require.NoError(t, err)
	for _, gid := range []ids.GroupId{newRealm.GroupId, groupResp.GroupId} {
		gs, ok := status.Groups[gid]
		require.True(t, ok)
		require.Equal(t, gid != steppedDown, gs.Leader)
	}
}

func TestTransferRejectsSameGroup(t *testing.T) {
	ctx := context.Background()
	founder := newTestNode(t, "founder")
	disc := discovery.NewMemTable()
	require.NoError(t, disc.Register(ctx, founder.HsmId, founder.URL, 0))
	dialer := mapDialer{founder.URL: rpcapi.NewClient(transport.NewNetworked(founder.URL, nil))}

	client := dialer.Dial(founder.URL)
	newRealm, err := NewRealm(ctx, client)
	require.NoError(t, err)

	err = Transfer(ctx, disc, dialer, []ids.HsmId{founder.HsmId}, []ids.HsmId{founder.HsmId}, TransferRequest{
		Realm: newRealm.RealmId, Source: newRealm.GroupId, Destination: newRealm.GroupId, Range: ids.FullOwnedRange(),
	})
	require.ErrorIs(t, err, ErrSameGroup)
}

// TestTransferMovesRangeBetweenGroups exercises the whole two-phase
// protocol end to end: one node leads both the full-range source group
// (minted by NewRealm) and an empty destination group (minted by NewGroup),
// with a real httptest/rpcapi round trip for every RPC involved.
func TestTransferMovesRangeBetweenGroups(t *testing.T) {
	ctx := context.Background()
	node := newTestNode(t, "node")
	disc := discovery.NewMemTable()
	require.NoError(t, disc.Register(ctx, node.HsmId, node.URL, 0))
	dialer := mapDialer{node.URL: rpcapi.NewClient(transport.NewNetworked(node.URL, nil))}
	client := dialer.Dial(node.URL)

	newRealm, err := NewRealm(ctx, client)
	require.NoError(t, err)

	groupResp, err := client.NewGroup(ctx, rpcapi.NewGroupRequest{Members: []ids.HsmId{node.HsmId}})
	require.NoError(t, err)
	require.Equal(t, rpcapi.KindOk, groupResp.ErrorKind)

	full := ids.FullOwnedRange()
	splitKey := full.Start
	splitKey[0] = 0x80
	_, right, err := full.SplitAt(splitKey)
	require.NoError(t, err)

	members := []ids.HsmId{node.HsmId}
	err = Transfer(ctx, disc, dialer, members, members, TransferRequest{
		Realm: newRealm.RealmId, Source: newRealm.GroupId, Destination: groupResp.GroupId, Range: right,
	})
	require.NoError(t, err)

	status, err := client.Status(ctx)
	require.NoError(t, err)
	destStatus, ok := status.Groups[groupResp.GroupId]
	require.True(t, ok)
	require.True(t, destStatus.Leader)
}

// TestNewGroupDistributesConfigurationToEveryMember uses two nodes
// provisioned with the same realm key (see sharedKeyNode) to exercise the
// case cluster.NewGroup actually targets: members already in the realm
// forming an additional group together, the founder distributing the
// minted configuration to everyone else via JoinGroup.
func TestNewGroupDistributesConfigurationToEveryMember(t *testing.T) {
	ctx := context.Background()
	key, err := statements.NewRealmKey()
	require.NoError(t, err)
	founder := sharedKeyNode(t, "founder", key)
	member := sharedKeyNode(t, "member", key)

	newRealm, err := founder.Hsm.NewRealm()
	require.NoError(t, err)

	// Bootstrap member into the realm via a throwaway group naming it,
	// mirroring how a freshly provisioned HSM is introduced to a realm it
	// didn't found: some existing member's GroupConfigurationStatement is
	// what JoinRealm verifies against.
	bootstrap, err := founder.Hsm.NewGroup([]ids.HsmId{founder.HsmId, member.HsmId})
	require.NoError(t, err)
	require.NoError(t, member.Hsm.JoinRealm(newRealm.RealmId, bootstrap.Config))
	require.NoError(t, member.Hsm.JoinGroup(bootstrap.Config))

	disc := discovery.NewMemTable()
	require.NoError(t, disc.Register(ctx, founder.HsmId, founder.URL, 0))
	require.NoError(t, disc.Register(ctx, member.HsmId, member.URL, 0))
	dialer := mapDialer{
		founder.URL: rpcapi.NewClient(transport.NewNetworked(founder.URL, nil)),
		member.URL:  rpcapi.NewClient(transport.NewNetworked(member.URL, nil)),
	}
	founderClient := dialer.Dial(founder.URL)

	result, err := NewGroup(ctx, disc, dialer, founderClient, founder.HsmId, []ids.HsmId{founder.HsmId, member.HsmId})
	require.NoError(t, err)
	require.NotEqual(t, ids.GroupId{}, result.GroupId)
	require.NotEqual(t, bootstrap.GroupId, result.GroupId)

	memberStatus, err := dialer.Dial(member.URL).Status(ctx)
	require.NoError(t, err)
	gs, ok := memberStatus.Groups[result.GroupId]
	require.True(t, ok)
	require.False(t, gs.Leader)
}
