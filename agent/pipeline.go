package agent

import (
	"context"
	"errors"

	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/journal"
	"github.com/juicebox-realm/realmcore/merkle"
	"github.com/juicebox-realm/realmcore/statements"
)

// ErrLostRace is returned by AppendEntry when another HSM's entry already
// occupies this index under a different entry_mac: this agent's HSM has
// lost the leadership race and must stand down (spec.md §4.3 step 2(c),
// §4.4's "leader election policy").
var ErrLostRace = errors.New("agent: lost append race, entry_mac mismatch")

// AppendEntry is the agent's log append pipeline (spec.md §4.3 step 2),
// grounded on massifs/massifcommitter.go's CommitContext: write the
// content-addressed delta first (idempotent, safe to repeat), then
// conditionally append the log row exactly once. Unlike CommitContext's
// single conditional write, the log append here can race two different
// leaders rather than two identical retries, so a conflict is resolved by
// reading back the winner and comparing entry_mac rather than simply
// failing.
func (a *Agent) AppendEntry(ctx context.Context, group ids.GroupId, entry statements.LogEntry, entryMac statements.Mac, delta merkle.StoreDelta) error {
	if err := a.Store.Apply(ctx, a.RealmId(), delta); err != nil {
		return err
	}

	err := a.Journal.Append(ctx, group, []journal.Entry{{Entry: entry, Mac: entryMac}})
	if err == nil {
		return nil
	}
	if !errors.Is(err, journal.ErrRowExists) {
		return err
	}

	existing, getErr := a.Journal.Get(ctx, group, entry.Index)
	if getErr != nil {
		return getErr
	}
	if existing.Mac != entryMac {
		return ErrLostRace
	}
	// Our own write already landed (or another HSM produced byte-identical
	// content, impossible in practice since entry_mac covers prev_mac).
	return nil
}
