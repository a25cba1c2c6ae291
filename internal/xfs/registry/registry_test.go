package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vfidA = "82a6ba2b7b8e41deb5ee2c909ce34bcb"
const vfidB = "aaaabbbbccccddddeeeeffff00001111"

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	r, err := New(WithFiles(
		filepath.Join(dir, "projects"),
		filepath.Join(dir, "projid"),
		filepath.Join(dir, "lock"),
	))
	require.NoError(t, err)
	return r
}

func TestNextFreeProjectIDStartsAtOne(t *testing.T) {
	r := newTestRegistry(t)
	assert.Equal(t, 1, r.NextFreeProjectID())
}

func TestAddProjectEntryAllocatesSmallestGap(t *testing.T) {
	r := newTestRegistry(t)

	pidA, err := r.AddProjectEntry(vfidA, "/mnt/local/82/a6/ba2b7b8e41deb5ee2c909ce34bcb")
	require.NoError(t, err)
	assert.Equal(t, 1, pidA)

	pidB, err := r.AddProjectEntry(vfidB, "/mnt/local/aa/aa/bbbbccccddddeeeeffff00001111")
	require.NoError(t, err)
	assert.Equal(t, 2, pidB)

	require.NoError(t, r.RemoveProjectEntry(vfidA))
	assert.Equal(t, 1, r.NextFreeProjectID())
}

func TestRemoveProjectEntryClearsBothFiles(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.AddProjectEntry(vfidA, "/mnt/local/82/a6/ba2b7b8e41deb5ee2c909ce34bcb")
	require.NoError(t, err)

	require.NoError(t, r.RemoveProjectEntry(vfidA))

	projid, err := os.ReadFile(r.projidFile)
	require.NoError(t, err)
	assert.NotContains(t, string(projid), vfidA)

	projects, err := os.ReadFile(r.projectsFile)
	require.NoError(t, err)
	assert.NotContains(t, string(projects), "ba2b7b8e41deb5ee2c909ce34bcb")

	_, err = r.GetProjectID(vfidA)
	require.Error(t, err)
}

func TestAddProjectEntryIsIdempotentPerVFID(t *testing.T) {
	r := newTestRegistry(t)
	pid1, err := r.AddProjectEntry(vfidA, "/mnt/local/82/a6/ba2b7b8e41deb5ee2c909ce34bcb")
	require.NoError(t, err)
	pid2, err := r.AddProjectEntry(vfidA, "/mnt/local/82/a6/ba2b7b8e41deb5ee2c909ce34bcb")
	require.NoError(t, err)
	assert.Equal(t, pid1, pid2)
}

func TestNextFreeProjectIDStableWithoutMutation(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.AddProjectEntry(vfidA, "/mnt/local/82/a6/ba2b7b8e41deb5ee2c909ce34bcb")
	require.NoError(t, err)

	first := r.NextFreeProjectID()
	second := r.NextFreeProjectID()
	assert.Equal(t, first, second)
}
