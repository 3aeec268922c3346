// Package cluster implements the coordinator-side procedures spec.md §4.4
// describes: bootstrapping a realm/group, finding a group's current leader,
// driving leader stepdown, and the two-phase range transfer protocol. None
// of this has a teacher counterpart (forestrie-go-merklelog is a library
// with no coordinator of its own); the procedures below are ported from
// original_source's cluster_core/cluster_cli Rust crates into the same
// shape the rest of this module already uses: an rpcapi.Client per agent,
// addresses resolved through discovery.Table.
package cluster

import (
	"context"

	"github.com/juicebox-realm/realmcore/discovery"
	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/rpcapi"
)

// Dialer resolves an agent's URL (as stored in discovery.Table) to a client
// that can call its RPCs. A real deployment dials an HTTP transport.Networked
// per URL; tests use a fixed url->transport.Transport map.
type Dialer interface {
	Dial(url string) *rpcapi.Client
}

// DialerFunc adapts a plain function to Dialer.
type DialerFunc func(url string) *rpcapi.Client

func (f DialerFunc) Dial(url string) *rpcapi.Client { return f(url) }

// resolve looks up hsmId's current URL via disc and dials it.
func resolve(ctx context.Context, disc discovery.Table, dialer Dialer, hsmId ids.HsmId) (*rpcapi.Client, error) {
	url, err := disc.Lookup(ctx, hsmId)
	if err != nil {
		return nil, err
	}
	return dialer.Dial(url), nil
}
