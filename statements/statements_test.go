package statements

import (
	"testing"

	"github.com/juicebox-realm/realmcore/ids"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) RealmKey {
	t.Helper()
	key, err := NewRealmKey()
	require.NoError(t, err)
	return key
}

func TestEntryMacRoundTrip(t *testing.T) {
	key := testKey(t)
	entry := LogEntry{
		Realm: ids.NewRealmId(),
		Group: ids.NewGroupId(),
		Index: ids.FirstLogIndex,
		Partition: &Partition{
			Range:    ids.FullOwnedRange(),
			RootHash: [32]byte{1, 2, 3},
		},
		PrevMac: ZeroMac(),
	}

	mac, err := EntryMacBuilder{}.Build(key, entry)
	require.NoError(t, err)
	require.NoError(t, EntryMacBuilder{}.Verify(key, entry, mac))

	entry.Index = entry.Index.Next()
	require.Error(t, EntryMacBuilder{}.Verify(key, entry, mac), "mac must not verify once a mac'd field changes")
}

func TestEntryMacWrongKeyFails(t *testing.T) {
	key := testKey(t)
	other := testKey(t)
	entry := LogEntry{Realm: ids.NewRealmId(), Group: ids.NewGroupId(), Index: ids.FirstLogIndex, PrevMac: ZeroMac()}

	mac, err := EntryMacBuilder{}.Build(key, entry)
	require.NoError(t, err)
	require.Error(t, EntryMacBuilder{}.Verify(other, entry, mac))
}

func TestCapturedStatementRoundTrip(t *testing.T) {
	key := testKey(t)
	c := Captured{
		Realm:    ids.NewRealmId(),
		Group:    ids.NewGroupId(),
		Hsm:      ids.NewHsmId(),
		Index:    ids.FirstLogIndex,
		EntryMac: Compute(key, []byte("entry")),
	}

	stmt, err := CapturedStatementBuilder{}.Build(key, c)
	require.NoError(t, err)
	require.NoError(t, CapturedStatementBuilder{}.Verify(key, stmt))

	stmt.Captured.Index = stmt.Captured.Index.Next()
	require.Error(t, CapturedStatementBuilder{}.Verify(key, stmt))
}

func TestGroupConfigurationStatementRoundTrip(t *testing.T) {
	key := testKey(t)
	cfg := GroupConfiguration{
		Realm:   ids.NewRealmId(),
		Group:   ids.NewGroupId(),
		Members: []ids.HsmId{ids.NewHsmId(), ids.NewHsmId(), ids.NewHsmId()},
	}

	stmt, err := GroupConfigurationStatementBuilder{}.Build(key, cfg)
	require.NoError(t, err)
	require.NoError(t, GroupConfigurationStatementBuilder{}.Verify(key, stmt))
}

func TestTransferAndPreparedTransferStatementsBindToSameFields(t *testing.T) {
	key := testKey(t)
	realm := ids.NewRealmId()
	src := ids.NewGroupId()
	dst := ids.NewGroupId()
	rng := ids.FullOwnedRange()
	var nonce TransferNonce
	nonce[0] = 0x42

	prepared := PreparedTransfer{Realm: realm, Source: src, Destination: dst, Range: rng, Nonce: nonce}
	preparedStmt, err := PreparedTransferStatementBuilder{}.Build(key, prepared)
	require.NoError(t, err)
	require.NoError(t, PreparedTransferStatementBuilder{}.Verify(key, preparedStmt))

	transfer := Transfer{Realm: realm, Source: src, Destination: dst, Range: rng, Nonce: nonce}
	transferStmt, err := TransferStatementBuilder{}.Build(key, transfer)
	require.NoError(t, err)
	require.NoError(t, TransferStatementBuilder{}.Verify(key, transferStmt))

	// A mismatched nonce yields a different transfer statement MAC.
	transfer.Nonce[0] = 0x43
	badStmt, err := TransferStatementBuilder{}.Build(key, transfer)
	require.NoError(t, err)
	require.NotEqual(t, transferStmt.Mac, badStmt.Mac)
}

func TestCanonicalEncodingIsDeterministic(t *testing.T) {
	cfg := GroupConfiguration{
		Realm:   ids.NewRealmId(),
		Group:   ids.NewGroupId(),
		Members: []ids.HsmId{ids.NewHsmId(), ids.NewHsmId()},
	}
	a, err := MarshalCanonical(cfg)
	require.NoError(t, err)
	b, err := MarshalCanonical(cfg)
	require.NoError(t, err)
	require.Equal(t, a, b)

	var decoded GroupConfiguration
	require.NoError(t, Unmarshal(a, &decoded))
	require.Equal(t, cfg, decoded)
}
