// Package storage is the shared conditional-write path both merklestore and
// journal use against Azure Blob Storage, generalized from
// massifs/storageinterface.go's ObjectReader/ObjectWriter split and
// massifs/storage/storagepaths.go's path-provider pattern. The teacher keys
// everything by tenant + massif index; this repo has two kinds of object
// (a merkle node, a journal row) each keyed by realm and group, so
// ObjectType distinguishes them within one shared blob prefix scheme.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/datatrails/go-datatrails-common/azblob"
	"github.com/juicebox-realm/realmcore/ids"
)

// ObjectType distinguishes the two kinds of object a realm persists.
type ObjectType uint8

const (
	ObjectTypeMerkleNode ObjectType = iota + 1
	ObjectTypeJournalRow
)

func (t ObjectType) segment() string {
	switch t {
	case ObjectTypeMerkleNode:
		return "nodes"
	case ObjectTypeJournalRow:
		return "journal"
	default:
		return "unknown"
	}
}

// PathProvider builds the blob path for an object, namespaced by realm and
// then by object-type-specific key bytes.
type PathProvider struct {
	Prefix string
}

func (p PathProvider) Path(realm ids.RealmId, ty ObjectType, key []byte) string {
	return fmt.Sprintf("%s/%s/%s/%x", p.Prefix, realm, ty.segment(), key)
}

// Client is the subset of an azblob store client every object kind needs:
// conditional create/update and a plain read, matching
// massifs/massifcommitter.go's CommitContext call shape.
type Client interface {
	Put(ctx context.Context, path string, body io.ReadCloser, opts ...azblob.Option) (*azblob.WriteResponse, error)
	Reader(ctx context.Context, path string, opts ...azblob.Option) (*azblob.ReaderResponse, error)
	Delete(ctx context.Context, path string) error
}

// ConditionalCreate writes data to path iff no blob exists there yet,
// exactly the azblob.WithEtagNoneMatch("*") guard
// massifs/massifcommitter.go's CommitContext uses when mc.Creating is true.
func ConditionalCreate(ctx context.Context, client Client, path string, data []byte) error {
	_, err := client.Put(ctx, path, azblob.NewBytesReaderCloser(data), azblob.WithEtagNoneMatch("*"))
	return err
}

// ConditionalUpdate writes data to path iff its current etag matches
// expectedETag, the azblob.WithEtagMatch(mc.ETag) guard from the same
// CommitContext when mc.Creating is false.
func ConditionalUpdate(ctx context.Context, client Client, path string, expectedETag string, data []byte) error {
	_, err := client.Put(ctx, path, azblob.NewBytesReaderCloser(data), azblob.WithEtagMatch(expectedETag))
	return err
}

// ErrPreconditionFailed wraps whatever the azblob client reports when an
// etag precondition doesn't hold, so callers can branch on "lost the race"
// without depending on azblob's own error type.
var ErrPreconditionFailed = errors.New("storage: precondition failed")

// IsPreconditionFailed reports whether err represents a failed etag
// precondition, either this package's own sentinel or azblob's.
func IsPreconditionFailed(err error) bool {
	return errors.Is(err, ErrPreconditionFailed) || errors.Is(err, azblob.ErrPreconditionFailed)
}
