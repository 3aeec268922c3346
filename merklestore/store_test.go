package merklestore

import (
	"context"
	"testing"
	"time"

	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/merkle"
	"github.com/stretchr/testify/require"
)

func TestMemStorePutGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(nil)
	realm := ids.NewRealmId()

	leaf := merkle.Node{Leaf: &merkle.Leaf{Value: []byte("v")}}
	h := leaf.Hash(ids.FullOwnedRange())

	require.NoError(t, store.Put(ctx, realm, h, leaf))
	got, err := store.Get(ctx, realm, h)
	require.NoError(t, err)
	require.Equal(t, leaf, got)
}

func TestMemStoreGetMissing(t *testing.T) {
	store := NewMemStore(nil)
	_, err := store.Get(context.Background(), ids.NewRealmId(), merkle.Hash{0x1})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestApplyWithoutSchedulerRemovesImmediately(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(nil)
	realm := ids.NewRealmId()

	leaf := merkle.Node{Leaf: &merkle.Leaf{Value: []byte("v")}}
	h := leaf.Hash(ids.FullOwnedRange())
	require.NoError(t, store.Apply(ctx, realm, merkle.StoreDelta{Add: map[merkle.Hash]merkle.Node{h: leaf}}))

	require.NoError(t, store.Apply(ctx, realm, merkle.StoreDelta{Remove: []merkle.Hash{h}}))
	_, err := store.Get(ctx, realm, h)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestApplyWithSchedulerDefersRemoval(t *testing.T) {
	ctx := context.Background()
	sched := NewScheduler(20 * time.Millisecond)
	store := NewMemStore(sched)
	realm := ids.NewRealmId()

	leaf := merkle.Node{Leaf: &merkle.Leaf{Value: []byte("v")}}
	h := leaf.Hash(ids.FullOwnedRange())
	require.NoError(t, store.Apply(ctx, realm, merkle.StoreDelta{Add: map[merkle.Hash]merkle.Node{h: leaf}}))
	require.NoError(t, store.Apply(ctx, realm, merkle.StoreDelta{Remove: []merkle.Hash{h}}))

	// Still reachable immediately after the superseding Apply call returns.
	_, err := store.Get(ctx, realm, h)
	require.NoError(t, err, "node must remain readable during the grace window")

	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, realm, h)
		return err != nil
	}, time.Second, 5*time.Millisecond)
}

func TestPrefilterReportsObservedHash(t *testing.T) {
	pf, err := NewPrefilter(16)
	require.NoError(t, err)

	var present merkle.Hash
	present[0] = 0xAB
	require.NoError(t, pf.Observe(present))

	maybe, err := pf.MaybeContains(present)
	require.NoError(t, err)
	require.True(t, maybe)
}
