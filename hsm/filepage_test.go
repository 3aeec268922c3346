package hsm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilePageRoundTripsThroughNewHsmAndLoadHsm(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nvram.bin")

	page, err := NewFilePage(path, MinPageBytes*4)
	require.NoError(t, err)
	require.False(t, page.Exists())

	h, err := NewHsm(Config{Name: "file-test", NVRAM: page})
	require.NoError(t, err)
	hsmId := h.Id()
	require.True(t, page.Exists())

	reopened, err := NewFilePage(path, MinPageBytes*4)
	require.NoError(t, err)
	loaded, err := LoadHsm(Config{Name: "file-test", NVRAM: reopened})
	require.NoError(t, err)
	require.Equal(t, hsmId, loaded.Id())
}

func TestFilePageReadBeforeWriteReturnsErrPageEmpty(t *testing.T) {
	dir := t.TempDir()
	page, err := NewFilePage(filepath.Join(dir, "missing.bin"), MinPageBytes*4)
	require.NoError(t, err)

	_, err = page.ReadFullPage()
	require.ErrorIs(t, err, ErrPageEmpty)
}

func TestFilePageRejectsOversizedPayload(t *testing.T) {
	dir := t.TempDir()
	page, err := NewFilePage(filepath.Join(dir, "small.bin"), MinPageBytes)
	require.NoError(t, err)

	err = page.WriteFullPage(make([]byte, MinPageBytes+1))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}
