package rpcapi

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/google/uuid"

	"github.com/juicebox-realm/realmcore/agent"
	"github.com/juicebox-realm/realmcore/hsm"
	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/journal"
	"github.com/juicebox-realm/realmcore/merklestore"
	"github.com/juicebox-realm/realmcore/statements"
	"github.com/juicebox-realm/realmcore/transport"
)

func newTestServer(t *testing.T) (*Client, *hsm.Hsm, *agent.Agent) {
	t.Helper()
	page, err := hsm.NewMemPage(hsm.MinPageBytes * 4)
	require.NoError(t, err)
	h, err := hsm.NewHsm(hsm.Config{Name: "rpcapi-test-hsm", NVRAM: page})
	require.NoError(t, err)

	store := merklestore.NewMemStore(nil)
	j := journal.NewMemStore()
	a := agent.New(h, ids.RealmId{}, j, store, nil)

	server := transport.NewServer(NewHandler(a, h))
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	client := NewClient(transport.NewNetworked(ts.URL, ts.Client()))
	return client, h, a
}

func TestClientNewRealmThenStatus(t *testing.T) {
	client, h, a := newTestServer(t)
	ctx := context.Background()

	resp, err := client.NewRealm(ctx)
	require.NoError(t, err)
	require.Equal(t, KindOk, resp.ErrorKind)
	require.NotEqual(t, ids.GroupId{}, resp.GroupId)
	a.SetRealm(resp.RealmId)

	status, err := client.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, h.Id(), status.HsmId)
	require.NotNil(t, status.RealmId)
	require.Equal(t, resp.RealmId, *status.RealmId)
}

func TestClientAppRegisterAndRecoverRoundTrip(t *testing.T) {
	client, _, a := newTestServer(t)
	ctx := context.Background()

	newRealm, err := client.NewRealm(ctx)
	require.NoError(t, err)
	require.Equal(t, KindOk, newRealm.ErrorKind)
	a.SetRealm(newRealm.RealmId)

	var rid ids.RecordId
	rid[0] = 0x55

	registerBody, err := statements.MarshalCanonical(hsm.Register2Request{Pin: []byte("1234"), Secret: []byte("s3cret"), NumGuesses: 3})
	require.NoError(t, err)
	registerResp, err := client.App(ctx, AppRequest{
		Realm: newRealm.RealmId, Group: newRealm.GroupId, RecordId: rid,
		SessionId: uuid.New(), Kind: hsm.KindRegister2, Ciphertext: registerBody,
	})
	require.NoError(t, err)
	require.Equal(t, KindOk, registerResp.ErrorKind)

	recoverBody, err := statements.MarshalCanonical(hsm.Recover2Request{Pin: []byte("1234")})
	require.NoError(t, err)
	recoverResp, err := client.App(ctx, AppRequest{
		Realm: newRealm.RealmId, Group: newRealm.GroupId, RecordId: rid,
		SessionId: uuid.New(), Kind: hsm.KindRecover2, Ciphertext: recoverBody,
	})
	require.NoError(t, err)
	require.Equal(t, KindOk, recoverResp.ErrorKind)

	var decoded hsm.Recover2Response
	require.NoError(t, statements.Unmarshal(recoverResp.Ciphertext, &decoded))
	require.True(t, decoded.Ok)
	require.Equal(t, []byte("s3cret"), decoded.Secret)
}

func TestClientUnknownRealmReturnsErrorKind(t *testing.T) {
	client, _, _ := newTestServer(t)
	resp, err := client.JoinGroup(context.Background(), JoinGroupRequest{})
	require.NoError(t, err)
	require.NotEqual(t, KindOk, resp.ErrorKind)
}
