// Package streamio bridges asynchronous byte-chunk streams (as consumed or
// produced by the HTTP planes) and blocking file I/O, using a bounded
// channel and a dedicated worker goroutine — the Go equivalent of the
// original's janus.Queue-backed worker.
package streamio

import (
	"context"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/backdotai/storage-proxy/internal/apperr"
)

// DefaultQueueDepth is the default number of in-flight chunks, matching the
// upload session store's "8 chunks × 256 KiB" default from spec §4.8.
const DefaultQueueDepth = 8

// DefaultChunkSize is used by ReadChunks when the caller requests the
// filesystem's native block size but it cannot be determined.
const DefaultChunkSize = 256 * 1024

// WriteChunks consumes chunks from the given channel and writes them
// sequentially to path, opened with flags/perm. A zero-length chunk is the
// cancellation sentinel: on receipt (or when the channel closes) the file
// is closed and the worker returns. The caller is responsible for closing
// chunks when producing is done or canceled; WriteChunks reads until it
// sees either a close or a sentinel, or returns an IO error as soon as ctx
// is canceled, and always closes the file descriptor before returning.
func WriteChunks(ctx context.Context, path string, flags int, perm os.FileMode, chunks <-chan []byte) error {
	f, err := os.OpenFile(path, flags, perm)
	if err != nil {
		return apperr.Wrap(apperr.IO, "write_chunks_open", err)
	}
	defer f.Close()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			if len(chunk) == 0 {
				return nil
			}
			if _, err := f.Write(chunk); err != nil {
				return apperr.Wrap(apperr.IO, "write_chunks_write", err)
			}
		case <-ctx.Done():
			return apperr.Wrap(apperr.IO, "write_chunks_cancel", ctx.Err())
		}
	}
}

// ReadChunks opens path and pushes sequential chunks of chunkSize bytes (or
// the filesystem's block size, see BlockSize, if chunkSize <= 0) onto the
// returned channel from a dedicated goroutine. The channel is closed when
// the file is exhausted, on error, or when ctx is canceled; the worker
// closes the file and then errCh before it closes the chunk channel. I/O
// errors are reported through errCh, which receives at most one error.
func ReadChunks(ctx context.Context, path string, chunkSize int) (<-chan []byte, <-chan error) {
	if chunkSize <= 0 {
		chunkSize, _ = BlockSize(path)
	}

	out := make(chan []byte, DefaultQueueDepth)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- apperr.Wrap(apperr.IO, "read_chunks_open", err)
			return
		}
		defer f.Close()

		buf := make([]byte, chunkSize)
		for {
			n, err := f.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- apperr.Wrap(apperr.IO, "read_chunks_read", err)
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()

	return out, errCh
}

// BlockSize returns the preferred I/O block size for the filesystem
// containing path, used when chunk_size is unspecified (0) per spec §4.2.
func BlockSize(path string) (int, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return DefaultChunkSize, apperr.Wrap(apperr.IO, "block_size_statfs", err)
	}
	if st.Bsize <= 0 {
		return DefaultChunkSize, nil
	}
	return int(st.Bsize), nil
}
