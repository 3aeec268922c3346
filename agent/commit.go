package agent

import (
	"context"
	"errors"

	"github.com/juicebox-realm/realmcore/hsm"
	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/statements"
)

// CommitOnce collects this HSM's group peers' captured statements and
// attempts to advance the commit index to this HSM's own last captured
// entry (spec.md §4.3 step 4: "the leader gathers captured statements from
// a quorum of the group and commits"). It is a no-op, not an error, if
// nothing has been captured yet, if a commit is already at or past this
// entry, or if a quorum isn't available this round — the caller just tries
// again on the next tick. Grounded on massifs/watcher's tailer loop shape:
// poll a source of truth, advance what you can, tolerate "nothing new yet".
func (a *Agent) CommitOnce(ctx context.Context, group ids.GroupId) error {
	own, ok, err := a.Hsm.ReadCaptured(a.RealmId(), group)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	captures := make(map[ids.HsmId]statements.CapturedStatement, len(a.Peers[group]))
	for _, peer := range a.Peers[group] {
		resp, ok, err := peer.ReadCaptured(ctx, a.RealmId(), group)
		if err != nil || !ok {
			continue
		}
		captures[peer.HsmId()] = resp.Statement
	}

	_, err = a.Hsm.Commit(a.RealmId(), group, own.Index, own.EntryMac, captures)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, hsm.ErrNoQuorum), errors.Is(err, hsm.ErrAlreadyCommitted):
		return nil
	default:
		return err
	}
}
