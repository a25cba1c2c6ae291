// Package scandir produces a lazy, size-capped sequence of directory
// entries with stat metadata, bridged through the same bounded-queue
// scheme as internal/streamio.
package scandir

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/backdotai/storage-proxy/internal/apperr"
)

// EntryType enumerates the directory-entry kinds the spec's data model
// names.
type EntryType string

const (
	File      EntryType = "FILE"
	Directory EntryType = "DIRECTORY"
	Symlink   EntryType = "SYMLINK"
)

// Stat is the per-entry metadata derived from a single lstat call.
type Stat struct {
	Size     int64
	Mode     os.FileMode
	Created  time.Time
	Modified time.Time
}

// Entry is one directory entry.
type Entry struct {
	Name          string
	Path          string
	Type          EntryType
	Stat          Stat
	SymlinkTarget string
}

// Scan walks the single directory at dirPath (no recursion) and pushes
// entries onto the returned channel from a dedicated goroutine, honoring
// limit (0 = unlimited per spec §4.3's "scandir-limit" convention) and
// canceling promptly on ctx.Done(). Entries are emitted in the order the
// OS directory iterator returns them.
func Scan(ctx context.Context, dirPath string, limit int) (<-chan Entry, <-chan error) {
	out := make(chan Entry, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(dirPath)
		if err != nil {
			errCh <- apperr.Wrap(apperr.IO, "scandir_open", err)
			return
		}
		defer f.Close()

		names, err := f.Readdirnames(-1)
		if err != nil {
			errCh <- apperr.Wrap(apperr.IO, "scandir_readdirnames", err)
			return
		}

		emitted := 0
		for _, name := range names {
			if limit > 0 && emitted >= limit {
				return
			}

			entryPath := filepath.Join(dirPath, name)
			entry, err := lstatEntry(entryPath, name)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					// Readdirnames and Lstat aren't atomic: the entry can be
					// removed in between. Skip it rather than failing the
					// whole listing over one stale name.
					continue
				}
				errCh <- err
				return
			}

			select {
			case out <- entry:
				emitted++
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errCh
}

func lstatEntry(path, name string) (Entry, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return Entry{}, apperr.Wrap(apperr.IO, "scandir_lstat", err)
	}

	entry := Entry{
		Name: name,
		Path: path,
		Stat: Stat{
			Size:     info.Size(),
			Mode:     info.Mode(),
			Created:  birthTime(info),
			Modified: info.ModTime(),
		},
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		entry.Type = Symlink
		if target, err := filepath.EvalSymlinks(path); err == nil {
			entry.SymlinkTarget = target
		}
		// best-effort: an unresolvable target leaves SymlinkTarget empty
		// rather than failing the whole scan, per spec §4.3.
	case info.IsDir():
		entry.Type = Directory
	default:
		entry.Type = File
	}

	return entry, nil
}

// birthTime returns the entry's creation time. Linux has no birth-time
// field in struct stat, so this mirrors the original's os.stat().st_ctime
// use: Ctim (inode change time), falling back to ModTime if the
// underlying syscall stat isn't available.
func birthTime(info os.FileInfo) time.Time {
	st, ok := info.Sys().(*unix.Stat_t)
	if !ok {
		return info.ModTime()
	}
	return time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
}

// ParseVendorMode interprets an octal mode integer the way vendor tools
// that print directory listings as JSON lines do: 0o40000 is a directory,
// 0o120000 is a symlink, per spec §4.3. No in-tree backend currently
// parses vendor output, but the convention is specified here so a future
// vendor Volume implementation can reuse it.
func ParseVendorMode(mode int64) EntryType {
	switch mode & 0o170000 {
	case 0o040000:
		return Directory
	case 0o120000:
		return Symlink
	default:
		return File
	}
}
