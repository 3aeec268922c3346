package hsm

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/juicebox-realm/realmcore/statements"
)

func randomBytes(b []byte) error {
	_, err := rand.Read(b)
	return err
}

// MinPageBytes is the minimum usable NVRAM page size spec.md §6 requires
// ("vendor-dependent, >= 2000 bytes usable").
const MinPageBytes = 2000

// pageTrailerBytes is the be32 payload-length trailer at the end of the page.
const pageTrailerBytes = 4

var (
	// ErrPageTooSmall is returned by NewMemPage when capacity is below MinPageBytes.
	ErrPageTooSmall = errors.New("hsm: nvram page smaller than minimum usable size")
	// ErrPayloadTooLarge is returned by WriteFullPage when the encoded state
	// does not fit in the page alongside its length trailer.
	ErrPayloadTooLarge = errors.New("hsm: persistent state too large for nvram page")
	// ErrPageEmpty is returned by ReadFullPage when the page has never been
	// written, and by LoadPersistentState when the page is shorter than its
	// length trailer.
	ErrPageEmpty = errors.New("hsm: nvram page has no valid payload")
)

// Page is a fixed-size NVRAM page: a single-writer, full-page-rewrite store
// for one HSM's PersistentState. Layout: payload bytes, then a be32 trailer
// holding the payload length at the page's last 4 bytes (spec.md §6). A
// torn write (process killed mid-write) must leave the previous valid page
// intact — WriteFullPage documents how callers provide that guarantee.
type Page struct {
	capacity int
	bytes    []byte // nil until the first successful write or a read of existing data
}

// WriteFullPage is the primitive an NVRAM-backed Page implementation needs:
// replace the entire page's bytes atomically. A real vendor HSM's secure
// storage guarantees this at the hardware level (e.g. by writing to a
// shadow page and then swapping a pointer); MemPage below simulates the
// same all-or-nothing contract for tests and the in-process deployment.
type WriteFullPage interface {
	WriteFullPage(data []byte) error
	ReadFullPage() ([]byte, error)
}

// MemPage is an in-memory WriteFullPage used by tests and the in-process
// agent deployment; WriteFullPage either fully replaces the stored bytes or, on a
// simulated write failure, leaves the previous bytes untouched.
type MemPage struct {
	capacity int
	data     []byte
	// FailNextWrite simulates a torn write: if true, the next WriteFullPage
	// call returns an error without mutating data, then resets to false.
	FailNextWrite bool
}

func NewMemPage(capacity int) (*MemPage, error) {
	if capacity < MinPageBytes {
		return nil, ErrPageTooSmall
	}
	return &MemPage{capacity: capacity}, nil
}

func (p *MemPage) WriteFullPage(data []byte) error {
	if len(data) > p.capacity {
		return ErrPayloadTooLarge
	}
	if p.FailNextWrite {
		p.FailNextWrite = false
		return errors.New("hsm: simulated torn write")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	p.data = buf
	return nil
}

func (p *MemPage) ReadFullPage() ([]byte, error) {
	if p.data == nil {
		return nil, ErrPageEmpty
	}
	out := make([]byte, len(p.data))
	copy(out, p.data)
	return out, nil
}

// SavePersistentState canonically encodes state, appends a be32 length
// trailer, and writes the full page via dev. Called before returning any
// CapturedStatement or signed statement that could become externally
// visible (spec.md §4.2).
func SavePersistentState(dev WriteFullPage, state PersistentState) error {
	payload, err := statements.MarshalCanonical(state)
	if err != nil {
		return err
	}
	page := make([]byte, len(payload)+pageTrailerBytes)
	copy(page, payload)
	binary.BigEndian.PutUint32(page[len(payload):], uint32(len(payload)))
	if err := dev.WriteFullPage(page); err != nil {
		return fmt.Errorf("hsm: nvram write failed: %w", err)
	}
	return nil
}

// LoadPersistentState reads and decodes the page written by SavePersistentState.
func LoadPersistentState(dev WriteFullPage) (PersistentState, error) {
	var state PersistentState
	page, err := dev.ReadFullPage()
	if err != nil {
		return state, err
	}
	if len(page) < pageTrailerBytes {
		return state, ErrPageEmpty
	}
	length := binary.BigEndian.Uint32(page[len(page)-pageTrailerBytes:])
	if int(length) > len(page)-pageTrailerBytes {
		return state, fmt.Errorf("hsm: nvram trailer length %d exceeds page", length)
	}
	payload := page[:length]
	if err := statements.Unmarshal(payload, &state); err != nil {
		return state, err
	}
	return state, nil
}
