package agent

import (
	"context"
	"time"
)

// HeartbeatTTL is how long a discovery registration is valid for before it
// expires; HeartbeatInterval re-registers well within that window so a
// single missed tick doesn't drop this HSM from discovery.
const (
	HeartbeatTTL      = 30 * time.Second
	HeartbeatInterval = 10 * time.Second
)

// HeartbeatOnce registers this Agent's URL under its HSM id with a fresh
// TTL (spec.md §6's discovery table). A no-op if Discovery is unset, for
// single-process deployments and tests with no external readers.
func (a *Agent) HeartbeatOnce(ctx context.Context) error {
	if a.Discovery == nil || a.URL == "" {
		return nil
	}
	return a.Discovery.Register(ctx, a.Hsm.Id(), a.URL, HeartbeatTTL)
}
