package rpcapi

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/juicebox-realm/realmcore/hsm"
)

func TestNewHashedUserIdRejectsColonInTenant(t *testing.T) {
	_, err := NewHashedUserId("tenant:evil", "alice")
	require.ErrorIs(t, err, ErrTenantContainsSeparator)
}

func TestNewHashedUserIdDeterministic(t *testing.T) {
	a, err := NewHashedUserId("acme", "alice")
	require.NoError(t, err)
	b, err := NewHashedUserId("acme", "alice")
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := NewHashedUserId("acme", "bob")
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestKindOfAndErrorOfRoundTrip(t *testing.T) {
	for _, err := range []error{
		hsm.ErrNotLeader,
		hsm.ErrStaleProof,
		hsm.ErrNoQuorum,
		hsm.ErrUnacceptableRange,
		hsm.ErrCommitTimeout,
	} {
		kind := KindOf(err)
		require.NotEqual(t, KindUnknown, kind)
		require.ErrorIs(t, ErrorOf(kind), err)
	}
}

func TestKindOfNilIsOk(t *testing.T) {
	require.Equal(t, KindOk, KindOf(nil))
	require.NoError(t, ErrorOf(KindOk))
}

func TestKindOfUnmappedErrorIsUnknown(t *testing.T) {
	require.Equal(t, KindUnknown, KindOf(errUnmapped))
}

var errUnmapped = &unmappedError{}

type unmappedError struct{}

func (*unmappedError) Error() string { return "not in the table" }
