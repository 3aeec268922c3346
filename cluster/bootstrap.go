package cluster

import (
	"context"
	"fmt"

	"github.com/juicebox-realm/realmcore/discovery"
	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/rpcapi"
)

// NewRealmResult carries the minted realm and its sole group, owning the
// full record range, led by the founding HSM.
type NewRealmResult struct {
	RealmId ids.RealmId
	GroupId ids.GroupId
}

// NewRealm asks founder to mint a fresh realm and its genesis group. The
// founding HSM is already its own leader once NewRealm returns (spec.md
// §4.2's NewRealm seeds the leader's volatile log directly), so no separate
// BecomeLeader call is needed.
func NewRealm(ctx context.Context, founder *rpcapi.Client) (NewRealmResult, error) {
	resp, err := founder.NewRealm(ctx)
	if err != nil {
		return NewRealmResult{}, err
	}
	if resp.ErrorKind != rpcapi.KindOk {
		return NewRealmResult{}, rpcapi.ErrorOf(resp.ErrorKind)
	}
	return NewRealmResult{RealmId: resp.RealmId, GroupId: resp.GroupId}, nil
}

// NewGroupResult carries the freshly formed group's id.
type NewGroupResult struct {
	GroupId ids.GroupId
}

// NewGroup forms a new group of members (founder included) within realm:
// founder mints the configuration and genesis entry (already its own
// leader once this returns, per hsm.NewGroup), and every other member
// installs the same configuration via JoinGroup. Grounded on
// cluster_cli/src/commands/new_group.rs's shape (mint, then distribute to
// every named agent address) though the underlying cluster_core::new_group
// implementation wasn't retrieved, so the distribution loop here is
// authored directly against hsm's NewGroup/JoinGroup contracts
// (hsm/realm.go).
func NewGroup(ctx context.Context, disc discovery.Table, dialer Dialer, founder *rpcapi.Client, founderHsmId ids.HsmId, members []ids.HsmId) (NewGroupResult, error) {
	resp, err := founder.NewGroup(ctx, rpcapi.NewGroupRequest{Members: members})
	if err != nil {
		return NewGroupResult{}, err
	}
	if resp.ErrorKind != rpcapi.KindOk {
		return NewGroupResult{}, rpcapi.ErrorOf(resp.ErrorKind)
	}

	for _, hsmId := range members {
		if hsmId == founderHsmId {
			continue
		}
		peer, err := resolve(ctx, disc, dialer, hsmId)
		if err != nil {
			return NewGroupResult{}, fmt.Errorf("cluster: resolving peer %s: %w", hsmId, err)
		}
		joinResp, err := peer.JoinGroup(ctx, rpcapi.JoinGroupRequest{Config: resp.Config})
		if err != nil {
			return NewGroupResult{}, err
		}
		if joinResp.ErrorKind != rpcapi.KindOk {
			return NewGroupResult{}, rpcapi.ErrorOf(joinResp.ErrorKind)
		}
	}

	return NewGroupResult{GroupId: resp.GroupId}, nil
}
