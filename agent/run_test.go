package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/juicebox-realm/realmcore/hsm"
	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/journal"
	"github.com/juicebox-realm/realmcore/merklestore"
	"github.com/juicebox-realm/realmcore/statements"
)

// TestRunDiscoversRealmAndGroupFormedAfterStart exercises the scenario
// cmd/clusterctl and cmd/hsmbench both rely on: an Agent's Run loop is
// already up against an Hsm that has not joined any realm yet, and the
// realm/group only come into being afterwards via a direct call against the
// same Hsm. Run must pick up the new realm and start that group's
// capture/commit loops on its own, with no restart.
func TestRunDiscoversRealmAndGroupFormedAfterStart(t *testing.T) {
	page, err := hsm.NewMemPage(hsm.MinPageBytes * 4)
	require.NoError(t, err)
	h, err := hsm.NewHsm(hsm.Config{Name: "run-test-hsm", NVRAM: page})
	require.NoError(t, err)

	a := New(h, ids.RealmId{}, journal.NewMemStore(), merklestore.NewMemStore(nil), nil)
	require.Equal(t, ids.RealmId{}, a.RealmId())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	realmResp, err := h.NewRealm()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.RealmId() == realmResp.RealmId
	}, time.Second, 5*time.Millisecond, "Run never discovered the newly formed realm")

	var rid ids.RecordId
	rid[0] = 0x42
	req, err := statements.MarshalCanonical(hsm.Register2Request{Pin: []byte("1"), Secret: []byte("s"), NumGuesses: 1})
	require.NoError(t, err)
	_, err = a.HandleApp(ctx, realmResp.GroupId, rid, hsm.KindRegister2, req)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status := h.Status()
		gs, ok := status.Groups[realmResp.GroupId]
		return ok && gs.Committed != nil && *gs.Committed == ids.FirstLogIndex.Next()
	}, 2*time.Second, 10*time.Millisecond, "Run's discovered capture/commit loops never advanced the group")

	cancel()
	require.NoError(t, <-runErr)
}
