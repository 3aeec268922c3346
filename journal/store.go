package journal

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/statements"
)

// ErrRowExists is returned by Append when a row already exists at
// (group, entries[0].Index); per spec.md's agent log-append pipeline, the
// caller must then Get the existing entry and compare entry_mac: a match
// means the caller's own write already landed (or raced to the same
// content), a mismatch means another HSM won the race and this one must
// stand down.
var ErrRowExists = errors.New("journal: row exists")

// ErrRowNotFound is returned by Get/Tail when no row exists at the request.
var ErrRowNotFound = errors.New("journal: row not found")

// ErrEmptyAppend is returned by Append when given no entries.
var ErrEmptyAppend = errors.New("journal: append requires at least one entry")

// Entry is one chained log entry together with the mac the leader emitted
// for it.
type Entry struct {
	Entry statements.LogEntry
	Mac   statements.Mac
}

// Row is the atomic append/read unit of the log: a contiguous run of one or
// more entries written together in a single conditional-create, keyed by
// its first entry's index via RowKey. This is spec.md §3/§6's Bigtable-style
// log table, "each log row holds one or more entries with column qualifier
// = (u64::MAX - index)" — Entries plays the column-qualifier role, ordered
// by index within the row.
type Row struct {
	Entries []Entry
}

func (r Row) firstIndex() ids.LogIndex { return r.Entries[0].Entry.Index }
func (r Row) lastIndex() ids.LogIndex  { return r.Entries[len(r.Entries)-1].Entry.Index }

// Store is the append-only log of Rows for every group a realm hosts.
type Store interface {
	// Append conditionally creates one row holding entries (in index order,
	// contiguous), keyed by entries[0].Index. It must not overwrite an
	// existing row; spec.md requires the append to "succeed only if the row
	// does not yet exist."
	Append(ctx context.Context, group ids.GroupId, entries []Entry) error

	// Get returns the single entry at (group, index), regardless of which
	// row it was written as part of.
	Get(ctx context.Context, group ids.GroupId, index ids.LogIndex) (Entry, error)

	// Tail returns the highest index known for group, or ok=false if the
	// group has no rows yet.
	Tail(ctx context.Context, group ids.GroupId) (ids.LogIndex, bool, error)

	// Scan returns an iterator over every entry for group with index >=
	// from, in increasing index order, batched roughly chunkSize entries at
	// a time for the agent's capture loop to tail. A batch never splits a
	// row (the underlying storage can only fetch a whole row at once): a
	// row bigger than chunkSize is still returned whole, and several small
	// consecutive rows may be coalesced into one batch when they fit.
	Scan(ctx context.Context, group ids.GroupId, from ids.LogIndex, chunkSize int) (*Scanner, error)
}

// Scanner iterates the rows a Scan call selected, grouping their entries
// into chunkSize-ish batches. See Store.Scan for the batching rule.
type Scanner struct {
	rows      []Row
	chunkSize int
	pos       int
}

func newScanner(rows []Row, chunkSize int) *Scanner {
	if chunkSize < 1 {
		chunkSize = 1
	}
	return &Scanner{rows: rows, chunkSize: chunkSize}
}

// Next returns the next batch of entries, or io.EOF once every selected row
// has been returned.
func (s *Scanner) Next() ([]Entry, error) {
	if s.pos >= len(s.rows) {
		return nil, io.EOF
	}
	var out []Entry
	for s.pos < len(s.rows) {
		row := s.rows[s.pos]
		if len(out) > 0 && len(out)+len(row.Entries) > s.chunkSize {
			break
		}
		out = append(out, row.Entries...)
		s.pos++
		if len(out) >= s.chunkSize {
			break
		}
	}
	return out, nil
}

// rowsFrom trims rows (assumed sorted ascending by firstIndex, non-
// overlapping) to those covering index >= from, dropping any entries within
// the first included row that fall below from.
func rowsFrom(rows []Row, from ids.LogIndex) []Row {
	var out []Row
	for _, r := range rows {
		if r.lastIndex() < from {
			continue
		}
		if r.firstIndex() < from {
			var trimmed []Entry
			for _, e := range r.Entries {
				if e.Entry.Index >= from {
					trimmed = append(trimmed, e)
				}
			}
			r = Row{Entries: trimmed}
		}
		out = append(out, r)
	}
	return out
}

// MemStore is an in-memory Store used in tests and the in-process
// deployment.
type MemStore struct {
	mu   sync.RWMutex
	rows map[ids.GroupId][]Row // sorted ascending by firstIndex
}

func NewMemStore() *MemStore {
	return &MemStore{rows: make(map[ids.GroupId][]Row)}
}

func (s *MemStore) Append(_ context.Context, group ids.GroupId, entries []Entry) error {
	if len(entries) == 0 {
		return ErrEmptyAppend
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	first := entries[0].Entry.Index
	for _, r := range s.rows[group] {
		if r.firstIndex() == first {
			return ErrRowExists
		}
	}
	cp := append([]Entry(nil), entries...)
	s.rows[group] = append(s.rows[group], Row{Entries: cp})
	sort.Slice(s.rows[group], func(i, j int) bool {
		return s.rows[group][i].firstIndex() < s.rows[group][j].firstIndex()
	})
	return nil
}

func (s *MemStore) Get(_ context.Context, group ids.GroupId, index ids.LogIndex) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rows[group] {
		if index < r.firstIndex() || index > r.lastIndex() {
			continue
		}
		for _, e := range r.Entries {
			if e.Entry.Index == index {
				return e, nil
			}
		}
	}
	return Entry{}, ErrRowNotFound
}

func (s *MemStore) Tail(_ context.Context, group ids.GroupId) (ids.LogIndex, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.rows[group]
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[len(rows)-1].lastIndex(), true, nil
}

func (s *MemStore) Scan(_ context.Context, group ids.GroupId, from ids.LogIndex, chunkSize int) (*Scanner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := rowsFrom(s.rows[group], from)
	return newScanner(rows, chunkSize), nil
}
