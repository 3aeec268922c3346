package agent

import (
	"context"
	"errors"

	"github.com/juicebox-realm/realmcore/hsm"
	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/merkle"
	"github.com/juicebox-realm/realmcore/merklestore"
)

// DefaultAppRetries bounds how many attempts HandleApp makes in total,
// re-reading a fresh proof after hsm.ErrStaleProof or hsm.ErrBusy, before
// giving up (spec.md §4.3 step 6). Three covers the ordinary case of one pipelined
// write landing between the read and the call, with headroom for one more.
const DefaultAppRetries = 3

// ErrTooManyRetries is returned once HandleApp has exhausted
// DefaultAppRetries attempts without the proof staying fresh.
var ErrTooManyRetries = errors.New("agent: exceeded retries reading a fresh proof")

// HandleApp routes one client app request (spec.md §4.3 step 6): it reads a
// fresh proof against this HSM's current leader tail, calls hsm.HandleApp,
// and on hsm.ErrStaleProof or hsm.ErrBusy re-reads and tries again, making
// at most DefaultAppRetries attempts before giving up. On success it appends the
// resulting log entry via AppendEntry and returns the opaque response body.
// hsm.ErrNotLeader is returned to the caller unchanged, the way
// massifs/watcher/logtails.go's callers propagate a definitive "not mine"
// rather than retrying it.
func (a *Agent) HandleApp(ctx context.Context, group ids.GroupId, recordId ids.RecordId, kind hsm.AppRequestKind, ciphertext []byte) ([]byte, error) {
	fetch := merklestore.Fetcher{Ctx: ctx, Realm: a.RealmId(), Store: a.Store}

	for attempt := 0; attempt < DefaultAppRetries; attempt++ {
		partition, err := a.Hsm.TailPartition(group)
		if err != nil {
			return nil, err
		}

		var proofRoot merkle.Hash
		hasProofRoot := partition != nil
		if hasProofRoot {
			proofRoot = partition.RootHash
		}

		result, body, err := a.Hsm.HandleApp(fetch, a.RealmId(), group, recordId, kind, ciphertext, proofRoot, hasProofRoot)
		switch {
		case err == nil:
			if err := a.AppendEntry(ctx, group, result.Entry, result.EntryMac, result.Delta); err != nil {
				return nil, err
			}
			return body, nil
		case errors.Is(err, hsm.ErrStaleProof), errors.Is(err, hsm.ErrBusy):
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrTooManyRetries
}
