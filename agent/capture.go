package agent

import (
	"context"
	"errors"
	"io"

	"github.com/juicebox-realm/realmcore/hsm"
	"github.com/juicebox-realm/realmcore/ids"
)

// CaptureChunkSize bounds how many entries CaptureOnce asks the journal for
// per Scan batch; an overlong group's backlog is fed to CaptureNext in
// several smaller calls instead of one unbounded one.
const CaptureChunkSize = 64

// CaptureOnce tails group's log from this HSM's last captured index and
// feeds any new entries to CaptureNext (spec.md §4.3 step 3), batch by
// batch from the journal's chunked Scanner. Grounded on
// massifs/watcher/logtails.go's LogTailCollator: track the most recently
// known position and advance only by what is actually new, rather than
// re-scanning from the start every time.
func (a *Agent) CaptureOnce(ctx context.Context, group ids.GroupId) error {
	from := ids.FirstLogIndex
	if last, ok, err := a.Hsm.ReadCaptured(a.RealmId(), group); err != nil {
		return err
	} else if ok {
		from = last.Index.Next()
	}

	scanner, err := a.Journal.Scan(ctx, group, from, CaptureChunkSize)
	if err != nil {
		return err
	}
	for {
		batch, err := scanner.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		entries := make([]hsm.CaptureEntry, len(batch))
		for i, e := range batch {
			entries[i] = hsm.CaptureEntry{Entry: e.Entry, EntryMac: e.Mac}
		}
		if _, err := a.Hsm.CaptureNext(a.RealmId(), group, entries); err != nil {
			return err
		}
	}
}

// ReadCaptured serves the `captured` RPC (the GroupPeer capability) out of
// this HSM's own state.
func (a *Agent) ReadCaptured(_ context.Context, realm ids.RealmId, group ids.GroupId) (hsm.CaptureNextResponse, bool, error) {
	return a.Hsm.ReadCaptured(realm, group)
}

// HsmId satisfies GroupPeer so an Agent can stand in as its own peer in a
// single-process deployment or test fixture.
func (a *Agent) HsmId() ids.HsmId {
	return a.Hsm.Id()
}
