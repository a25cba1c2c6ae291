package posix

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backdotai/storage-proxy/internal/apperr"
	"github.com/backdotai/storage-proxy/internal/vfpath"
	"github.com/backdotai/storage-proxy/internal/volume"
)

const vfid = "82a6ba2b7b8e41deb5ee2c909ce34bcb"

func newTestVolume(t *testing.T) (*Volume, string) {
	t.Helper()
	mount := t.TempDir()
	return New(volume.Info{Name: "local", Backend: "posix", MountPath: mount, Capabilities: volume.CapVFolder}), mount
}

func TestCreateAndDeleteVFolderRemovesPrefixDirs(t *testing.T) {
	v, mount := newTestVolume(t)
	ctx := context.Background()

	require.NoError(t, v.CreateVFolder(ctx, vfid, volume.CreateOptions{}))

	path := vfpath.Mangle(mount, vfid)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, v.DeleteVFolder(ctx, vfid))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	for _, dir := range vfpath.PrefixDirs(mount, vfid) {
		_, err := os.Stat(dir)
		assert.True(t, os.IsNotExist(err), "prefix dir %s should be removed", dir)
	}
}

func TestCreateVFolderTwiceFails(t *testing.T) {
	v, _ := newTestVolume(t)
	ctx := context.Background()
	require.NoError(t, v.CreateVFolder(ctx, vfid, volume.CreateOptions{}))
	err := v.CreateVFolder(ctx, vfid, volume.CreateOptions{})
	require.Error(t, err)
	assert.True(t, apperr.Of(err, apperr.VFolderAlreadyExists))
}

func TestMkdirRejectsSandboxEscape(t *testing.T) {
	v, _ := newTestVolume(t)
	ctx := context.Background()
	require.NoError(t, v.CreateVFolder(ctx, vfid, volume.CreateOptions{}))

	err := v.Mkdir(ctx, vfid, "../../etc", true)
	require.Error(t, err)
	assert.True(t, apperr.Of(err, apperr.InvalidAPIParameters))
}

func TestMetadataRoundTripAndTooLarge(t *testing.T) {
	v, _ := newTestVolume(t)
	ctx := context.Background()
	require.NoError(t, v.CreateVFolder(ctx, vfid, volume.CreateOptions{}))

	require.NoError(t, v.PutMetadata(ctx, vfid, []byte("hello")))
	got, err := v.GetMetadata(ctx, vfid)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	big := make([]byte, MaxMetadataBytes+1)
	err = v.PutMetadata(ctx, vfid, big)
	require.Error(t, err)
	assert.True(t, apperr.Of(err, apperr.TooLarge))
}

func TestGetMetadataMissingReturnsEmpty(t *testing.T) {
	v, _ := newTestVolume(t)
	ctx := context.Background()
	require.NoError(t, v.CreateVFolder(ctx, vfid, volume.CreateOptions{}))

	got, err := v.GetMetadata(ctx, vfid)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetUsageCountsFilesNotDirs(t *testing.T) {
	v, mount := newTestVolume(t)
	ctx := context.Background()
	require.NoError(t, v.CreateVFolder(ctx, vfid, volume.CreateOptions{}))

	root := vfpath.Mangle(mount, vfid)
	require.NoError(t, os.WriteFile(filepath.Join(root, "test.txt"), make([]byte, 5), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "inner"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "inner", "hello.txt"), make([]byte, 3), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "inner", "world.txt"), make([]byte, 3), 0o644))

	usage, err := v.GetUsage(ctx, vfid, "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, usage.FileCount)
	assert.EqualValues(t, 11, usage.UsedBytes)
}

func TestMoveFileRejectsDirectorySource(t *testing.T) {
	v, mount := newTestVolume(t)
	ctx := context.Background()
	require.NoError(t, v.CreateVFolder(ctx, vfid, volume.CreateOptions{}))
	root := vfpath.Mangle(mount, vfid)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dir"), 0o755))

	err := v.MoveFile(ctx, vfid, "dir", "dir2")
	require.Error(t, err)
	assert.True(t, apperr.Of(err, apperr.InvalidAPIParameters))
}

func TestMoveTreeRenamesDirectory(t *testing.T) {
	v, mount := newTestVolume(t)
	ctx := context.Background()
	require.NoError(t, v.CreateVFolder(ctx, vfid, volume.CreateOptions{}))
	root := vfpath.Mangle(mount, vfid)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "dir", "a.txt"), []byte("x"), 0o644))

	require.NoError(t, v.MoveTree(ctx, vfid, "dir", "dir2"))
	_, err := os.Stat(filepath.Join(root, "dir2", "a.txt"))
	require.NoError(t, err)
}

func TestAddFileAndReadFileRoundTrip(t *testing.T) {
	v, _ := newTestVolume(t)
	ctx := context.Background()
	require.NoError(t, v.CreateVFolder(ctx, vfid, volume.CreateOptions{}))

	chunks := make(chan []byte, 2)
	chunks <- []byte("payload")
	chunks <- []byte{}
	require.NoError(t, v.AddFile(ctx, vfid, "inner/file.txt", chunks))

	out, errCh := v.ReadFile(ctx, vfid, "inner/file.txt", 0)
	var got []byte
	for chunk := range out {
		got = append(got, chunk...)
	}
	require.NoError(t, drainErr(errCh))
	assert.Equal(t, "payload", string(got))
}

func TestDeleteFilesStopsAtFirstError(t *testing.T) {
	v, mount := newTestVolume(t)
	ctx := context.Background()
	require.NoError(t, v.CreateVFolder(ctx, vfid, volume.CreateOptions{}))
	root := vfpath.Mangle(mount, vfid)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))

	err := v.DeleteFiles(ctx, vfid, []string{"a.txt", "missing.txt", "b.txt"}, false)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(root, "a.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestPrepareUploadCreatesZeroByteStagingFile(t *testing.T) {
	v, mount := newTestVolume(t)
	ctx := context.Background()
	require.NoError(t, v.CreateVFolder(ctx, vfid, volume.CreateOptions{}))

	sid, err := v.PrepareUpload(ctx, vfid)
	require.NoError(t, err)
	assert.Len(t, sid, 32)

	root := vfpath.Mangle(mount, vfid)
	info, err := os.Stat(filepath.Join(root, ".upload", sid))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestCopyFileOverwritesTarget(t *testing.T) {
	v, mount := newTestVolume(t)
	ctx := context.Background()
	require.NoError(t, v.CreateVFolder(ctx, vfid, volume.CreateOptions{}))
	root := vfpath.Mangle(mount, vfid)
	require.NoError(t, os.WriteFile(filepath.Join(root, "src.txt"), []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "dst.txt"), []byte("old-longer"), 0o644))

	require.NoError(t, v.CopyFile(ctx, vfid, "src.txt", "dst.txt"))
	got, err := os.ReadFile(filepath.Join(root, "dst.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func drainErr(errCh <-chan error) error {
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}
