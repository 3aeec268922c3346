package hsm

import (
	"fmt"
	"os"
	"path/filepath"
)

// FilePage is a WriteFullPage backed by a local file, for deployments
// running an Hsm outside a test process without real vendor HSM silicon
// underneath it. WriteFullPage writes to a sibling temp file and renames it
// over the target, which os.Rename guarantees is atomic on the same
// filesystem — the same all-or-nothing replace MemPage simulates in memory,
// so a process killed mid-write leaves the previous page intact rather than
// a half-written one.
type FilePage struct {
	path     string
	capacity int
}

// NewFilePage opens (without requiring it to already exist) a file-backed
// NVRAM page at path with the given capacity.
func NewFilePage(path string, capacity int) (*FilePage, error) {
	if capacity < MinPageBytes {
		return nil, ErrPageTooSmall
	}
	return &FilePage{path: path, capacity: capacity}, nil
}

func (p *FilePage) WriteFullPage(data []byte) error {
	if len(data) > p.capacity {
		return ErrPayloadTooLarge
	}
	dir := filepath.Dir(p.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(p.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("hsm: creating temp nvram file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("hsm: writing temp nvram file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("hsm: syncing temp nvram file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("hsm: closing temp nvram file: %w", err)
	}
	if err := os.Rename(tmpPath, p.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("hsm: renaming nvram file into place: %w", err)
	}
	return nil
}

func (p *FilePage) ReadFullPage() ([]byte, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPageEmpty
		}
		return nil, fmt.Errorf("hsm: reading nvram file: %w", err)
	}
	return data, nil
}

// Exists reports whether path already holds a previously written page, so
// callers can choose between LoadHsm and NewHsm at startup.
func (p *FilePage) Exists() bool {
	_, err := os.Stat(p.path)
	return err == nil
}
