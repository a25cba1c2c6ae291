// Package vfpath implements the vfolder path-mangling and sandboxing rules:
// turning an opaque vfid into an on-disk location, and confining
// user-supplied relative paths to that location.
package vfpath

import (
	"path/filepath"
	"strings"

	"github.com/backdotai/storage-proxy/internal/apperr"
)

// Mangle applies the 2/2/rest fan-out: mount/h[0:2]/h[2:4]/h[4:].
func Mangle(mount, vfid string) string {
	return filepath.Join(mount, vfid[0:2], vfid[2:4], vfid[4:])
}

// PrefixDirs returns the two fan-out prefix directories for vfid under mount,
// innermost first, so callers can remove them in order when they're empty.
func PrefixDirs(mount, vfid string) [2]string {
	return [2]string{
		filepath.Join(mount, vfid[0:2], vfid[2:4]),
		filepath.Join(mount, vfid[0:2]),
	}
}

// Sanitize resolves relpath against the mangled vfolder path for vfid and
// verifies the canonical result stays inside it. Symlinks are not resolved
// during this check — containment is purely lexical, matching the
// spec's "containment is enforced at path resolution level" rule.
func Sanitize(mount, vfid, relpath string) (string, error) {
	if strings.HasPrefix(relpath, "/") {
		return "", apperr.New(apperr.InvalidAPIParameters, "relpath must not be absolute")
	}

	base := Mangle(mount, vfid)
	cleanBase := filepath.Clean(base)
	joined := filepath.Join(cleanBase, relpath)

	if joined != cleanBase && !strings.HasPrefix(joined, cleanBase+string(filepath.Separator)) {
		return "", apperr.New(apperr.InvalidAPIParameters, "relpath escapes vfolder").WithDetail("relpath", relpath)
	}

	return joined, nil
}

// ValidateRelpath rejects a relative path before any I/O is attempted, per
// C12's schema-validation contract: absolute paths and any ".." component
// fail immediately.
func ValidateRelpath(relpath string) error {
	if relpath == "" {
		return apperr.New(apperr.InvalidAPIParameters, "relpath must not be empty")
	}
	if strings.HasPrefix(relpath, "/") {
		return apperr.New(apperr.InvalidAPIParameters, "relpath must not be absolute")
	}
	for _, part := range strings.Split(relpath, "/") {
		if part == ".." {
			return apperr.New(apperr.InvalidAPIParameters, "relpath must not contain ..").WithDetail("relpath", relpath)
		}
	}
	return nil
}
