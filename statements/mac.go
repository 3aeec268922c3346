package statements

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
)

// MacBytes is the fixed width of every MAC produced by this package.
const MacBytes = sha256.Size

// Mac is a realm-keyed HMAC-SHA256 tag. Only HSMs that hold the realm key
// can produce a Mac that verifies, so a valid Mac is proof of HSM authorship
// (spec.md §3).
//
// A real vendor HSM realm key never leaves the HSM boundary; nothing here
// changes that, it only fixes the MAC construction the HSM uses internally.
// The teacher's COSE-based signer (massifs/cose, identifiablecosesigner.go)
// assumes an asymmetric per-signer identity with a discoverable public key
// (PublicKey(ctx, kid), KeyLocation()) — there is no such identity here: all
// HSMs in a realm share one symmetric key and no party outside that set can
// verify, let alone discover, anything. HMAC-SHA256 via stdlib crypto/hmac is
// the correct, idiomatic primitive for that; see DESIGN.md.
type Mac [MacBytes]byte

// RealmKey is the realm-wide symmetric MAC key held only inside HSMs.
type RealmKey [32]byte

// ErrInvalidMac is returned when a Mac fails to verify against its expected value.
var ErrInvalidMac = errors.New("statements: invalid mac")

// NewRealmKey generates a fresh random realm key.
func NewRealmKey() (RealmKey, error) {
	var k RealmKey
	if _, err := rand.Read(k[:]); err != nil {
		return k, err
	}
	return k, nil
}

// Compute returns the HMAC-SHA256 of canonical over key.
func Compute(key RealmKey, canonical []byte) Mac {
	mac := hmac.New(sha256.New, key[:])
	mac.Write(canonical)
	var out Mac
	copy(out[:], mac.Sum(nil))
	return out
}

// Verify reports whether got is the correct Mac of canonical under key, in
// constant time.
func Verify(key RealmKey, canonical []byte, got Mac) error {
	want := Compute(key, canonical)
	if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
		return ErrInvalidMac
	}
	return nil
}

// ZeroMac is the sentinel used as LogEntry(1)'s prev_mac.
func ZeroMac() Mac { return Mac{} }
