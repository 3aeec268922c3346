package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/juicebox-realm/realmcore/ids"
)

func TestMemTableRegisterAndLookup(t *testing.T) {
	table := NewMemTable()
	hsmId := ids.NewHsmId()

	_, err := table.Lookup(context.Background(), hsmId)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, table.Register(context.Background(), hsmId, "https://agent-1.example/", time.Minute))
	url, err := table.Lookup(context.Background(), hsmId)
	require.NoError(t, err)
	require.Equal(t, "https://agent-1.example/", url)
}

func TestMemTableExpiresByTTL(t *testing.T) {
	table := NewMemTable()
	now := time.Now()
	table.now = func() time.Time { return now }
	hsmId := ids.NewHsmId()

	require.NoError(t, table.Register(context.Background(), hsmId, "https://agent-1.example/", time.Second))
	table.now = func() time.Time { return now.Add(2 * time.Second) }

	_, err := table.Lookup(context.Background(), hsmId)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemTableReRegisterRefreshesTTL(t *testing.T) {
	table := NewMemTable()
	now := time.Now()
	table.now = func() time.Time { return now }
	hsmId := ids.NewHsmId()

	require.NoError(t, table.Register(context.Background(), hsmId, "https://agent-1.example/", time.Second))
	table.now = func() time.Time { return now.Add(800 * time.Millisecond) }
	require.NoError(t, table.Register(context.Background(), hsmId, "https://agent-1.example/", time.Second))
	table.now = func() time.Time { return now.Add(1500 * time.Millisecond) }

	url, err := table.Lookup(context.Background(), hsmId)
	require.NoError(t, err)
	require.Equal(t, "https://agent-1.example/", url)
}
