package vfpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vfid = "82a6ba2b7b8e41deb5ee2c909ce34bcb"

func TestMangleFanOut(t *testing.T) {
	got := Mangle("/tmp/vols/local", vfid)
	assert.Equal(t, "/tmp/vols/local/82/a6/ba2b7b8e41deb5ee2c909ce34bcb", got)
}

func TestPrefixDirsInnermostFirst(t *testing.T) {
	dirs := PrefixDirs("/tmp/vols/local", vfid)
	assert.Equal(t, "/tmp/vols/local/82/a6", dirs[0])
	assert.Equal(t, "/tmp/vols/local/82", dirs[1])
}

func TestSanitizeAllowsNestedRelpath(t *testing.T) {
	got, err := Sanitize("/tmp/vols/local", vfid, "inner/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, Mangle("/tmp/vols/local", vfid)+"/inner/hello.txt", got)
}

func TestSanitizeRejectsEscape(t *testing.T) {
	_, err := Sanitize("/tmp/vols/local", vfid, "../../etc/passwd")
	require.Error(t, err)
}

func TestSanitizeRejectsAbsolute(t *testing.T) {
	_, err := Sanitize("/tmp/vols/local", vfid, "/etc/passwd")
	require.Error(t, err)
}

func TestSanitizeAllowsVfolderRootItself(t *testing.T) {
	got, err := Sanitize("/tmp/vols/local", vfid, ".")
	require.NoError(t, err)
	assert.Equal(t, Mangle("/tmp/vols/local", vfid), got)
}

func TestValidateRelpathRejectsDotDot(t *testing.T) {
	require.Error(t, ValidateRelpath("a/../../b"))
	require.Error(t, ValidateRelpath("/abs"))
	require.Error(t, ValidateRelpath(""))
	require.NoError(t, ValidateRelpath("inner/hello.txt"))
}
