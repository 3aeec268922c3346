// Package rpcapi defines the wire request/response shapes for the agent's
// RPC surface (spec.md §6) and the error-kind taxonomy (spec.md §7) used to
// serialize Go errors across that boundary. Grounded on
// original_source/agent_api/src/lib.rs's Rpc<AgentService> trait and its
// per-path tagged-enum responses (NewRealmResponse::Ok | HaveRealm | NoHsm |
// ...), expressed here as a discriminated result struct (an ErrorKind field,
// empty for Ok) rather than a Rust-style enum, since that's the idiomatic Go
// shape for "one of several named outcomes" over the wire.
package rpcapi

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrTenantContainsSeparator is returned by NewHashedUserId when tenant
// contains ':', which would make tenant||':'||user ambiguous to reverse.
var ErrTenantContainsSeparator = errors.New("rpcapi: tenant must not contain ':'")

// HashedUserId is hex(SHA-256(tenant || ':' || user)) (spec.md §6):
// stable and published so a tenant can correlate recovery events against
// their own user ids without the realm ever learning the user id itself.
type HashedUserId string

// NewHashedUserId computes the HashedUserId for (tenant, user).
func NewHashedUserId(tenant, user string) (HashedUserId, error) {
	if strings.Contains(tenant, ":") {
		return "", ErrTenantContainsSeparator
	}
	h := sha256.New()
	h.Write([]byte(tenant))
	h.Write([]byte{':'})
	h.Write([]byte(user))
	return HashedUserId(hex.EncodeToString(h.Sum(nil))), nil
}
