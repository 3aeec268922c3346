package cluster

import (
	"context"
	"errors"

	"github.com/juicebox-realm/realmcore/discovery"
	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/rpcapi"
)

// Leader is a resolved (hsm, client) pair addressing whichever member of a
// group currently leads it.
type Leader struct {
	HsmId  ids.HsmId
	Client *rpcapi.Client
}

// ErrNoLeader is returned when no member of a group currently reports
// itself as leader, grounded on
// src/realm/cluster/stepdown.rs's resolve_stepdowns: polling every member's
// status and filtering for the one with Leader set.
var ErrNoLeader = errors.New("cluster: no member of group currently leads it")

// FindLeader polls Status on every member and returns the client and HsmId
// of whichever one currently leads group. Members whose address can't be
// resolved or who don't answer are skipped rather than failing the whole
// call, since a stale discovery entry for one dead peer shouldn't block
// finding a live leader among the rest.
func FindLeader(ctx context.Context, disc discovery.Table, dialer Dialer, members []ids.HsmId, realm ids.RealmId, group ids.GroupId) (Leader, error) {
	for _, hsmId := range members {
		client, err := resolve(ctx, disc, dialer, hsmId)
		if err != nil {
			continue
		}
		status, err := client.Status(ctx)
		if err != nil {
			continue
		}
		if status.RealmId == nil || *status.RealmId != realm {
			continue
		}
		gs, ok := status.Groups[group]
		if !ok || !gs.Leader {
			continue
		}
		return Leader{HsmId: hsmId, Client: client}, nil
	}
	return Leader{}, ErrNoLeader
}
