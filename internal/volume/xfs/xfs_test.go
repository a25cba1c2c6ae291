package xfs

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backdotai/storage-proxy/internal/apperr"
	"github.com/backdotai/storage-proxy/internal/volume"
	"github.com/backdotai/storage-proxy/internal/xfs/registry"
)

const vfid = "82a6ba2b7b8e41deb5ee2c909ce34bcb"

type fakeRunner struct {
	calls []string
	quota int64
	count int64
	used  int64
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	for _, a := range args {
		if strings.HasPrefix(a, "report -h") || a == "report -h" {
			return vfid + "   used   soft   " + formatBytes(f.quota) + "   0 [------]\n", nil
		}
		if a == "report -pbih" {
			return vfid + "   " + formatBytes(f.used) + "   0   0   00 [------] " + itoa(f.count) + "\n", nil
		}
	}
	return "", nil
}

func formatBytes(n int64) string { return itoa(n) }
func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

func newTestVolume(t *testing.T) (*Volume, *fakeRunner) {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.New(registry.WithFiles(
		filepath.Join(dir, "projects"),
		filepath.Join(dir, "projid"),
		filepath.Join(dir, "lock"),
	))
	require.NoError(t, err)

	runner := &fakeRunner{quota: 10485760, count: 3, used: 11}
	v := New(volume.Info{Name: "xq", Backend: "xfs", MountPath: dir}, reg, runner)
	return v, runner
}

func TestCreateVFolderWithQuotaRegistersProject(t *testing.T) {
	v, runner := newTestVolume(t)
	ctx := context.Background()

	err := v.CreateVFolder(ctx, vfid, volume.CreateOptions{Quota: 10485760})
	require.NoError(t, err)
	assert.NotEmpty(t, runner.calls)

	quota, err := v.GetQuota(ctx, vfid)
	require.NoError(t, err)
	assert.EqualValues(t, 10485760, quota)
}

func TestCreateVFolderWithoutQuotaSkipsRegistry(t *testing.T) {
	v, runner := newTestVolume(t)
	ctx := context.Background()

	err := v.CreateVFolder(ctx, vfid, volume.CreateOptions{})
	require.NoError(t, err)
	assert.Empty(t, runner.calls)
}

func TestDeleteVFolderReturnsProjectIDToPool(t *testing.T) {
	v, _ := newTestVolume(t)
	ctx := context.Background()
	require.NoError(t, v.CreateVFolder(ctx, vfid, volume.CreateOptions{Quota: 10485760}))

	require.NoError(t, v.DeleteVFolder(ctx, vfid))

	_, err := v.GetQuota(ctx, vfid)
	require.Error(t, err)
	assert.True(t, apperr.Of(err, apperr.VFolderNotFound))
}

func TestSetQuotaChangesLimit(t *testing.T) {
	v, runner := newTestVolume(t)
	ctx := context.Background()
	require.NoError(t, v.CreateVFolder(ctx, vfid, volume.CreateOptions{Quota: 10485760}))

	runner.quota = 1048576
	require.NoError(t, v.SetQuota(ctx, vfid, 1048576))

	quota, err := v.GetQuota(ctx, vfid)
	require.NoError(t, err)
	assert.EqualValues(t, 1048576, quota)
}
