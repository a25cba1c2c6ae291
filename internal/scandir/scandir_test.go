package scandir

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("aaa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("bb"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
}

func TestScanListsFilesAndDirectories(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir)

	out, errCh := Scan(context.Background(), dir, 0)

	names := map[string]Entry{}
	for entry := range out {
		names[entry.Name] = entry
	}
	require.NoError(t, drainErr(errCh))

	require.Len(t, names, 3)
	assert.Equal(t, File, names["a.txt"].Type)
	assert.EqualValues(t, 3, names["a.txt"].Stat.Size)
	assert.False(t, names["a.txt"].Stat.Created.IsZero())
	assert.Equal(t, Directory, names["sub"].Type)
}

func TestScanRespectsLimit(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir)

	out, errCh := Scan(context.Background(), dir, 1)

	count := 0
	for range out {
		count++
	}
	require.NoError(t, drainErr(errCh))
	assert.Equal(t, 1, count)
}

func TestScanMissingDirectoryReportsError(t *testing.T) {
	out, errCh := Scan(context.Background(), filepath.Join("/nonexistent", "dir"), 0)
	for range out {
	}
	err := drainErr(errCh)
	require.Error(t, err)
}

func TestScanCancellationStopsEarly(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 50; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, string(rune('a'+i%26))+string(rune('0'+i/26))+".txt"), nil, 0o644))
	}

	ctx, cancel := context.WithCancel(context.Background())
	out, _ := Scan(ctx, dir, 0)
	<-out
	cancel()
	for range out {
	}
}

func TestLstatEntryNotExistErrorUnwrapsToErrNotExist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.txt")

	_, err := lstatEntry(path, "gone.txt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist), "scandir_lstat error must unwrap to os.ErrNotExist so Scan can skip a stale entry instead of aborting")
}

func TestParseVendorMode(t *testing.T) {
	assert.Equal(t, Directory, ParseVendorMode(0o040755))
	assert.Equal(t, Symlink, ParseVendorMode(0o120777))
	assert.Equal(t, File, ParseVendorMode(0o100644))
}

func drainErr(errCh <-chan error) error {
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}
