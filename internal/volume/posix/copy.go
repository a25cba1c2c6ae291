package posix

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/backdotai/storage-proxy/internal/apperr"
)

// CopyFile byte-copies src to dst within the vfolder, creating dst's parent
// directories and overwriting any existing target. Grounded on the
// original's generic recursive-copy helper, narrowed here to the
// single-file case since clone_vfolder stays unsupported on this backend.
func (v *Volume) CopyFile(ctx context.Context, vfid, src, dst string) error {
	srcPath, err := v.resolve(vfid, src)
	if err != nil {
		return err
	}
	info, err := os.Lstat(srcPath)
	if err != nil {
		return apperr.Wrap(apperr.IO, "copy_file", err)
	}
	if info.IsDir() {
		return apperr.New(apperr.InvalidAPIParameters, "copy_file source must be a regular file").WithOp("copy_file")
	}

	dstPath, err := v.resolve(vfid, dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return apperr.Wrap(apperr.IO, "copy_file", err)
	}

	in, err := os.Open(srcPath)
	if err != nil {
		return apperr.Wrap(apperr.IO, "copy_file", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return apperr.Wrap(apperr.IO, "copy_file", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return apperr.Wrap(apperr.IO, "copy_file", err)
	}
	return nil
}
