package journal

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/datatrails/go-datatrails-common/azblob"
	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/statements"
	"github.com/juicebox-realm/realmcore/storage"
)

// listClient is the azblob listing surface journal scans need, matching
// massifs/blobreader.go's logBlobReader interface (List alongside Reader).
type listClient interface {
	storage.Client
	List(ctx context.Context, opts ...azblob.Option) (*azblob.ListerResponse, error)
}

// BlobStore persists rows as individual blobs keyed by RowKey under the
// realm/group's journal prefix, reusing storage.ConditionalCreate for the
// append-only-iff-absent guarantee (spec.md §4's log append pipeline).
type BlobStore struct {
	client listClient
	realm  ids.RealmId
	paths  storage.PathProvider
}

func NewBlobStore(client listClient, realm ids.RealmId, paths storage.PathProvider) *BlobStore {
	return &BlobStore{client: client, realm: realm, paths: paths}
}

// path addresses the row keyed by its first entry's index, not every index
// the row happens to cover.
func (s *BlobStore) path(group ids.GroupId, firstIndex ids.LogIndex) string {
	key := RowKey(group, firstIndex)
	return s.paths.Path(s.realm, storage.ObjectTypeJournalRow, key[:])
}

func (s *BlobStore) groupPrefix(group ids.GroupId) string {
	return s.paths.Path(s.realm, storage.ObjectTypeJournalRow, group[:])
}

func (s *BlobStore) Append(ctx context.Context, group ids.GroupId, entries []Entry) error {
	if len(entries) == 0 {
		return ErrEmptyAppend
	}
	row := Row{Entries: entries}
	data, err := statements.MarshalCanonical(row)
	if err != nil {
		return err
	}
	if err := storage.ConditionalCreate(ctx, s.client, s.path(group, row.firstIndex()), data); err != nil {
		if storage.IsPreconditionFailed(err) {
			return ErrRowExists
		}
		return err
	}
	return nil
}

func (s *BlobStore) getRow(ctx context.Context, group ids.GroupId, firstIndex ids.LogIndex) (Row, error) {
	rr, err := s.client.Reader(ctx, s.path(group, firstIndex))
	if err != nil {
		return Row{}, fmt.Errorf("%w: %v", ErrRowNotFound, err)
	}
	data, err := io.ReadAll(rr.Body)
	if err != nil {
		return Row{}, err
	}
	var row Row
	if err := statements.Unmarshal(data, &row); err != nil {
		return Row{}, err
	}
	return row, nil
}

// Get locates the row whose span covers index — since a row is keyed by its
// first entry's index, not every index it holds — by listing every row's
// key for group and picking the greatest first-index <= index, then reads
// that row and extracts the matching entry.
func (s *BlobStore) Get(ctx context.Context, group ids.GroupId, index ids.LogIndex) (Entry, error) {
	indices, err := s.listIndices(ctx, group)
	if err != nil {
		return Entry{}, err
	}
	var firstIndex ids.LogIndex
	found := false
	for _, idx := range indices {
		if idx <= index && (!found || idx > firstIndex) {
			firstIndex = idx
			found = true
		}
	}
	if !found {
		return Entry{}, ErrRowNotFound
	}
	row, err := s.getRow(ctx, group, firstIndex)
	if err != nil {
		return Entry{}, err
	}
	for _, e := range row.Entries {
		if e.Entry.Index == index {
			return e, nil
		}
	}
	return Entry{}, ErrRowNotFound
}

// listIndices lists every index present for group. Because RowKey
// complements the index before encoding, a plain lexicographic blob listing
// under the group prefix comes back newest-first; this function undoes that
// so callers get plain ascending order.
func (s *BlobStore) listIndices(ctx context.Context, group ids.GroupId) ([]ids.LogIndex, error) {
	lr, err := s.client.List(ctx, azblob.WithListPrefix(s.groupPrefix(group)))
	if err != nil {
		return nil, err
	}
	var indices []ids.LogIndex
	for _, item := range lr.Items {
		_, index, ok := parsePathRowKey(item.Path)
		if !ok {
			continue
		}
		indices = append(indices, index)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices, nil
}

func parsePathRowKey(path string) (ids.GroupId, ids.LogIndex, bool) {
	if len(path) < 2*RowKeyBytes {
		return ids.GroupId{}, 0, false
	}
	hexKey := path[len(path)-2*RowKeyBytes:]
	var raw [RowKeyBytes]byte
	n, err := fmt.Sscanf(hexKey, "%x", &raw)
	if err != nil || n != 1 {
		return ids.GroupId{}, 0, false
	}
	return ParseRowKey(raw[:])
}

// Tail returns the last entry's index, which is the last row's firstIndex
// only when every row holds exactly one entry; in general it's read off the
// last row's own contents rather than assumed from its key.
func (s *BlobStore) Tail(ctx context.Context, group ids.GroupId) (ids.LogIndex, bool, error) {
	indices, err := s.listIndices(ctx, group)
	if err != nil {
		return 0, false, err
	}
	if len(indices) == 0 {
		return 0, false, nil
	}
	row, err := s.getRow(ctx, group, indices[len(indices)-1])
	if err != nil {
		return 0, false, err
	}
	return row.lastIndex(), true, nil
}

func (s *BlobStore) Scan(ctx context.Context, group ids.GroupId, from ids.LogIndex, chunkSize int) (*Scanner, error) {
	indices, err := s.listIndices(ctx, group)
	if err != nil {
		return nil, err
	}
	var rows []Row
	for _, idx := range indices {
		row, err := s.getRow(ctx, group, idx)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return newScanner(rowsFrom(rows, from), chunkSize), nil
}
