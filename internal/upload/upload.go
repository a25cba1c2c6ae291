// Package upload implements the tus.io-style staging protocol: bytes
// PATCHed to a session are appended to a staging file under
// <vfolder>/.upload/<session>, then renamed into place once the declared
// size is reached.
package upload

import (
	"context"
	"os"

	"github.com/backdotai/storage-proxy/internal/apperr"
	"github.com/backdotai/storage-proxy/internal/streamio"
	"github.com/backdotai/storage-proxy/internal/volume"
)

// Store drives the session lifecycle over a resolved Volume's vfolder.
type Store struct{}

// New returns an upload Store. It carries no state of its own — session
// state lives entirely on disk under .upload/, per spec §4.8.
func New() *Store { return &Store{} }

// Offset reports the current on-disk size of a staging file, or
// apperr.VFolderNotFound if the session does not exist.
func (s *Store) Offset(ctx context.Context, v volume.Volume, vfid, session string) (int64, error) {
	mount, err := v.GetVFolderMount(ctx, vfid)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(stagingPath(mount, session))
	if os.IsNotExist(err) {
		return 0, apperr.New(apperr.VFolderNotFound, "upload session not found").WithOp("upload_offset")
	}
	if err != nil {
		return 0, apperr.Wrap(apperr.IO, "upload_offset", err)
	}
	return info.Size(), nil
}

// Append writes body bytes to the session's staging file and, if the
// resulting size reaches declaredSize, commits by renaming into relpath
// and cleans up .upload/ (ignoring a non-empty directory). Returns the
// new on-disk offset and whether the upload is now complete.
func (s *Store) Append(ctx context.Context, v volume.Volume, vfid, session, relpath string, declaredSize int64, body []byte) (offset int64, complete bool, err error) {
	mount, err := v.GetVFolderMount(ctx, vfid)
	if err != nil {
		return 0, false, err
	}

	path := stagingPath(mount, session)
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return 0, false, apperr.New(apperr.VFolderNotFound, "upload session not found").WithOp("upload_append")
	}

	chunks := make(chan []byte, streamio.DefaultQueueDepth)
	done := make(chan error, 1)
	go func() {
		done <- streamio.WriteChunks(ctx, path, os.O_WRONLY|os.O_APPEND, 0o644, chunks)
	}()
	if len(body) > 0 {
		chunks <- body
	}
	close(chunks)
	if err := <-done; err != nil {
		return 0, false, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, false, apperr.Wrap(apperr.IO, "upload_append", err)
	}
	offset = info.Size()

	if offset < declaredSize {
		return offset, false, nil
	}

	if err := v.MoveFile(ctx, vfid, uploadRelpath(session), relpath); err != nil {
		return offset, false, err
	}
	_ = os.Remove(uploadDirPath(mount)) // best effort; ignored if not empty

	return offset, true, nil
}
