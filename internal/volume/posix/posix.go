// Package posix implements internal/volume.Volume over a mounted local
// filesystem, with no quota support — the baseline backend every other
// backend (xfs, and out-of-scope vendor NAS clients) embeds and extends.
package posix

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/backdotai/storage-proxy/internal/apperr"
	"github.com/backdotai/storage-proxy/internal/scandir"
	"github.com/backdotai/storage-proxy/internal/streamio"
	"github.com/backdotai/storage-proxy/internal/vfpath"
	"github.com/backdotai/storage-proxy/internal/volume"
)

// MaxMetadataBytes is the cap on metadata.json, per spec §3.
const MaxMetadataBytes = 10 * 1024 * 1024

const metadataName = "metadata.json"
const uploadDirName = ".upload"

// Volume is the POSIX backend. It advertises the capability set carried by
// its volume.Info (volume.CapVFolder for a plain POSIX volume).
type Volume struct {
	info volume.Info
}

// New returns a POSIX Volume rooted at info.MountPath. Callers that want a
// plain (non-quota) backend should pass info.Capabilities = volume.CapVFolder;
// backends that embed Volume (e.g. internal/volume/xfs) pass their own wider
// capability set.
func New(info volume.Info) *Volume {
	return &Volume{info: info}
}

func (v *Volume) Info() volume.Info            { return v.info }
func (v *Volume) Capabilities() volume.Capability { return v.info.Capabilities }

func (v *Volume) mount(vfid string) string {
	return vfpath.Mangle(v.info.MountPath, vfid)
}

func (v *Volume) resolve(vfid, relpath string) (string, error) {
	return vfpath.Sanitize(v.info.MountPath, vfid, relpath)
}

// CreateVFolder creates the mangled path and any missing prefix dirs with
// mode 0755. opts.Quota is ignored — a plain POSIX volume has no quota
// mechanism; callers that need quota enforcement use internal/volume/xfs.
func (v *Volume) CreateVFolder(ctx context.Context, vfid string, opts volume.CreateOptions) error {
	path := v.mount(vfid)
	if _, err := os.Stat(path); err == nil {
		return apperr.New(apperr.VFolderAlreadyExists, "vfolder already exists").WithOp("create_vfolder")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return apperr.Wrap(apperr.IO, "create_vfolder", err)
	}
	return nil
}

// DeleteVFolder recursively removes the vfolder tree, then removes each
// empty prefix dir walking up — never removing a prefix dir that still has
// other vfolders fanned out under it.
func (v *Volume) DeleteVFolder(ctx context.Context, vfid string) error {
	path := v.mount(vfid)
	if err := os.RemoveAll(path); err != nil {
		return apperr.Wrap(apperr.IO, "delete_vfolder", err)
	}
	for _, dir := range vfpath.PrefixDirs(v.info.MountPath, vfid) {
		if err := os.Remove(dir); err != nil {
			if os.IsNotExist(err) || isNotEmpty(err) {
				break
			}
			return apperr.Wrap(apperr.IO, "delete_vfolder_prefix", err)
		}
	}
	return nil
}

// CloneVFolder is unsupported on the POSIX backend — the original's
// BaseVFolderHost.clone_vfolder is a stub and no POSIX-only override
// exists.
func (v *Volume) CloneVFolder(ctx context.Context, srcVFID, newVFID string) error {
	return apperr.New(apperr.Unsupported, "clone_vfolder is not supported by the posix backend").WithOp("clone_vfolder")
}

// GetVFolderMount returns the mangled path without checking existence.
func (v *Volume) GetVFolderMount(ctx context.Context, vfid string) (string, error) {
	return v.mount(vfid), nil
}

func (v *Volume) PutMetadata(ctx context.Context, vfid string, data []byte) error {
	if len(data) > MaxMetadataBytes {
		return apperr.New(apperr.TooLarge, "metadata exceeds 10MiB").WithOp("put_metadata")
	}
	path := filepath.Join(v.mount(vfid), metadataName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return apperr.Wrap(apperr.IO, "put_metadata", err)
	}
	return nil
}

func (v *Volume) GetMetadata(ctx context.Context, vfid string) ([]byte, error) {
	path := filepath.Join(v.mount(vfid), metadataName)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return []byte{}, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.IO, "get_metadata", err)
	}
	if info.Size() > MaxMetadataBytes {
		return nil, apperr.New(apperr.TooLarge, "stored metadata exceeds 10MiB").WithOp("get_metadata")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.IO, "get_metadata", err)
	}
	return data, nil
}

func (v *Volume) GetQuota(ctx context.Context, vfid string) (int64, error) {
	return 0, apperr.New(apperr.Unsupported, "get_quota is not supported by the posix backend").WithOp("get_quota")
}

func (v *Volume) SetQuota(ctx context.Context, vfid string, size int64) error {
	return apperr.New(apperr.Unsupported, "set_quota is not supported by the posix backend").WithOp("set_quota")
}

func (v *Volume) GetFSUsage(ctx context.Context) (volume.FSUsage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(v.info.MountPath, &st); err != nil {
		return volume.FSUsage{}, apperr.Wrap(apperr.IO, "get_fs_usage", err)
	}
	frsize := int64(st.Frsize)
	if frsize == 0 {
		frsize = int64(st.Bsize)
	}
	return volume.FSUsage{
		CapacityBytes: frsize * int64(st.Blocks),
		UsedBytes:     frsize * (int64(st.Blocks) - int64(st.Bavail)),
	}, nil
}

// GetUsage recursively counts files and symlinks (no follow) under
// vfid/relpath, summing st_size. Directories themselves are not counted.
func (v *Volume) GetUsage(ctx context.Context, vfid, relpath string) (volume.Usage, error) {
	root := v.mount(vfid)
	if relpath != "" && relpath != "." {
		resolved, err := v.resolve(vfid, relpath)
		if err != nil {
			return volume.Usage{}, err
		}
		root = resolved
	}

	var usage volume.Usage
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		usage.FileCount++
		usage.UsedBytes += info.Size()
		return nil
	})
	if err != nil {
		return volume.Usage{}, apperr.Wrap(apperr.IO, "get_usage", err)
	}
	return usage, nil
}

func (v *Volume) GetPerformanceMetric(ctx context.Context, vfid string) (volume.PerformanceMetric, error) {
	return volume.PerformanceMetric{}, apperr.New(apperr.Unsupported, "get_performance_metric is not supported by the posix backend").WithOp("get_performance_metric")
}

func (v *Volume) Scandir(ctx context.Context, vfid, relpath string) (<-chan volume.DirEntry, <-chan error) {
	path, err := v.resolve(vfid, relpath)
	if err != nil {
		out := make(chan volume.DirEntry)
		errCh := make(chan error, 1)
		close(out)
		errCh <- err
		close(errCh)
		return out, errCh
	}
	return scandir.Scan(ctx, path, 0)
}

func (v *Volume) Mkdir(ctx context.Context, vfid, relpath string, parents bool) error {
	path, err := v.resolve(vfid, relpath)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(path); statErr == nil {
		return apperr.New(apperr.VFolderAlreadyExists, "path already exists").WithOp("mkdir")
	}
	if parents {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return apperr.Wrap(apperr.IO, "mkdir", err)
		}
		return nil
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		if os.IsNotExist(err) {
			return apperr.New(apperr.VFolderNotFound, "parent directory missing").WithOp("mkdir")
		}
		return apperr.Wrap(apperr.IO, "mkdir", err)
	}
	return nil
}

func (v *Volume) Rmdir(ctx context.Context, vfid, relpath string, recursive bool) error {
	path, err := v.resolve(vfid, relpath)
	if err != nil {
		return err
	}
	if recursive {
		if err := os.RemoveAll(path); err != nil {
			return apperr.Wrap(apperr.IO, "rmdir", err)
		}
		return nil
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return apperr.New(apperr.VFolderNotFound, "directory not found").WithOp("rmdir")
		}
		if isNotEmpty(err) {
			return apperr.Wrap(apperr.IO, "rmdir", err)
		}
		return apperr.Wrap(apperr.IO, "rmdir", err)
	}
	return nil
}

// MoveFile renames src to dst within the vfolder. src must be a regular
// file; directories must go through MoveTree.
func (v *Volume) MoveFile(ctx context.Context, vfid, src, dst string) error {
	srcPath, err := v.resolve(vfid, src)
	if err != nil {
		return err
	}
	info, err := os.Lstat(srcPath)
	if err != nil {
		return apperr.Wrap(apperr.IO, "move_file", err)
	}
	if info.Mode()&os.ModeSymlink == 0 && info.IsDir() {
		return apperr.New(apperr.InvalidAPIParameters, "move_file source must be a regular file").WithOp("move_file")
	}
	dstPath, err := v.resolve(vfid, dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return apperr.Wrap(apperr.IO, "move_file", err)
	}
	if err := os.Rename(srcPath, dstPath); err != nil {
		return apperr.Wrap(apperr.IO, "move_file", err)
	}
	return nil
}

// MoveTree renames a directory src to dst within the vfolder. Supplemented
// from the original's move_tree draft to resolve the "move_file rejects
// directories" open question (spec §9).
func (v *Volume) MoveTree(ctx context.Context, vfid, src, dst string) error {
	srcPath, err := v.resolve(vfid, src)
	if err != nil {
		return err
	}
	info, err := os.Lstat(srcPath)
	if err != nil {
		return apperr.Wrap(apperr.IO, "move_tree", err)
	}
	if !info.IsDir() {
		return apperr.New(apperr.InvalidAPIParameters, "move_tree source must be a directory").WithOp("move_tree")
	}
	dstPath, err := v.resolve(vfid, dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return apperr.Wrap(apperr.IO, "move_tree", err)
	}
	if err := os.Rename(srcPath, dstPath); err != nil {
		return apperr.Wrap(apperr.IO, "move_tree", err)
	}
	return nil
}

// AddFile truncates and streams payload into relpath via the stream bridge.
func (v *Volume) AddFile(ctx context.Context, vfid, relpath string, chunks <-chan []byte) error {
	path, err := v.resolve(vfid, relpath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperr.Wrap(apperr.IO, "add_file", err)
	}
	return streamio.WriteChunks(ctx, path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644, chunks)
}

func (v *Volume) ReadFile(ctx context.Context, vfid, relpath string, chunkSize int) (<-chan []byte, <-chan error) {
	path, err := v.resolve(vfid, relpath)
	if err != nil {
		out := make(chan []byte)
		errCh := make(chan error, 1)
		close(out)
		errCh <- err
		close(errCh)
		return out, errCh
	}
	return streamio.ReadChunks(ctx, path, chunkSize)
}

// DeleteFiles removes each path in order, stopping at the first error per
// the spec's Open Question resolution (stop-on-first-error standardized).
func (v *Volume) DeleteFiles(ctx context.Context, vfid string, relpaths []string, recursive bool) error {
	for _, relpath := range relpaths {
		path, err := v.resolve(vfid, relpath)
		if err != nil {
			return err
		}
		info, statErr := os.Lstat(path)
		if statErr != nil {
			return apperr.Wrap(apperr.IO, "delete_files", statErr)
		}
		if info.IsDir() && recursive {
			if err := os.RemoveAll(path); err != nil {
				return apperr.Wrap(apperr.IO, "delete_files", err)
			}
			continue
		}
		if err := os.Remove(path); err != nil {
			return apperr.Wrap(apperr.IO, "delete_files", err)
		}
	}
	return nil
}

// PrepareUpload creates .upload/ if missing and a zero-byte staging file
// inside it, returning the generated session id.
func (v *Volume) PrepareUpload(ctx context.Context, vfid string) (string, error) {
	uploadDir := filepath.Join(v.mount(vfid), uploadDirName)
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return "", apperr.Wrap(apperr.IO, "prepare_upload", err)
	}
	sid := newSessionID()
	stagingPath := filepath.Join(uploadDir, sid)
	f, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", apperr.Wrap(apperr.IO, "prepare_upload", err)
	}
	_ = f.Close()
	return sid, nil
}

func isNotEmpty(err error) bool {
	return strings.Contains(err.Error(), "directory not empty")
}
