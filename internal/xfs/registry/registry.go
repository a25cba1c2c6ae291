// Package registry maintains the process-wide vfid -> XFS project-id
// ledger backed by /etc/projects and /etc/projid, guarded by a cross-
// process advisory lock.
package registry

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/backdotai/storage-proxy/internal/apperr"
)

// DefaultLockTimeout is the default wait for the exclusive advisory lock
// before giving up, per spec §5.
const DefaultLockTimeout = 3 * time.Second

const DefaultProjectsFile = "/etc/projects"
const DefaultProjidFile = "/etc/projid"

// Registry is a single process-wide instance guarding /etc/projects and
// /etc/projid. Construct one with New and share it across every XFS
// Volume instance in the process — it is not per-volume state.
type Registry struct {
	projectsFile string
	projidFile   string
	lockFile     string
	lockTimeout  time.Duration

	mu      sync.Mutex
	byVFID  map[string]int
	usedIDs []int
}

// Option configures a Registry.
type Option func(*Registry)

// WithFiles overrides the default /etc/projects and /etc/projid paths,
// used by tests to avoid touching real system files.
func WithFiles(projectsFile, projidFile, lockFile string) Option {
	return func(r *Registry) {
		r.projectsFile = projectsFile
		r.projidFile = projidFile
		r.lockFile = lockFile
	}
}

// WithLockTimeout overrides DefaultLockTimeout.
func WithLockTimeout(d time.Duration) Option {
	return func(r *Registry) { r.lockTimeout = d }
}

// New creates a Registry and loads the current /etc/projid snapshot.
func New(opts ...Option) (*Registry, error) {
	r := &Registry{
		projectsFile: DefaultProjectsFile,
		projidFile:   DefaultProjidFile,
		lockFile:     "/var/run/storage-proxy-xfs.lock",
		lockTimeout:  DefaultLockTimeout,
		byVFID:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.refreshLocked(); err != nil {
		return nil, err
	}
	return r, nil
}

// GetProjectID returns the project id registered for vfid, or
// apperr.VFolderNotFound if it has none.
func (r *Registry) GetProjectID(vfid string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pid, ok := r.byVFID[vfid]
	if !ok {
		return 0, apperr.New(apperr.VFolderNotFound, "no project id registered for vfolder").WithOp("get_project_id")
	}
	return pid, nil
}

// NextFreeProjectID returns the smallest positive integer not currently in
// use, without allocating it. Tie-break: empty list -> 1; otherwise the
// first gap, else one past the maximum.
func (r *Registry) NextFreeProjectID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextFreeProjectIDLocked()
}

func (r *Registry) nextFreeProjectIDLocked() int {
	if len(r.usedIDs) == 0 {
		return 1
	}
	want := 1
	for _, id := range r.usedIDs {
		if id == want {
			want++
		} else if id > want {
			break
		}
	}
	return want
}

// AddProjectEntry allocates the next free project id for vfid, appends one
// line to /etc/projects and /etc/projid under the exclusive lock, and
// refreshes the in-memory snapshot from disk afterward. Returns the
// allocated project id.
func (r *Registry) AddProjectEntry(vfid, mangledPath string) (int, error) {
	unlock, err := r.lock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	r.mu.Lock()
	if _, exists := r.byVFID[vfid]; exists {
		pid := r.byVFID[vfid]
		r.mu.Unlock()
		return pid, nil
	}
	pid := r.nextFreeProjectIDLocked()
	r.mu.Unlock()

	projectsLine := fmt.Sprintf("%d:%s\n", pid, mangledPath)
	projidLine := fmt.Sprintf("%s:%d\n", vfid, pid)

	if err := appendLine(r.projectsFile, projectsLine); err != nil {
		return 0, apperr.Wrap(apperr.ExecutionError, "add_project_entry", err)
	}
	if err := appendLine(r.projidFile, projidLine); err != nil {
		return 0, apperr.Wrap(apperr.ExecutionError, "add_project_entry", err)
	}

	if err := r.refreshLocked(); err != nil {
		return 0, err
	}
	return pid, nil
}

// RemoveProjectEntry deletes the line matching vfid from /etc/projid and
// the corresponding line from /etc/projects, then refreshes from disk.
func (r *Registry) RemoveProjectEntry(vfid string) error {
	unlock, err := r.lock()
	if err != nil {
		return err
	}
	defer unlock()

	r.mu.Lock()
	pid, ok := r.byVFID[vfid]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if err := removeMatchingLines(r.projidFile, func(line string) bool {
		return strings.HasPrefix(line, vfid+":")
	}); err != nil {
		return apperr.Wrap(apperr.ExecutionError, "remove_project_entry", err)
	}

	pathSuffix := vfid[4:]
	if err := removeMatchingLines(r.projectsFile, func(line string) bool {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return false
		}
		return parts[0] == strconv.Itoa(pid) && strings.HasSuffix(strings.TrimSpace(parts[1]), pathSuffix)
	}); err != nil {
		return apperr.Wrap(apperr.ExecutionError, "remove_project_entry", err)
	}

	return r.refreshLocked()
}

// refreshLocked re-reads /etc/projid into the in-memory byVFID map and
// usedIDs list. Callers holding the file lock call this after every
// mutation; New calls it once at startup.
func (r *Registry) refreshLocked() error {
	byVFID := make(map[string]int)
	ids := make([]int, 0)

	f, err := os.Open(r.projidFile)
	if os.IsNotExist(err) {
		r.mu.Lock()
		r.byVFID = byVFID
		r.usedIDs = ids
		r.mu.Unlock()
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.IO, "refresh_registry", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			continue
		}
		byVFID[parts[0]] = pid
		ids = append(ids, pid)
	}
	if err := scanner.Err(); err != nil {
		return apperr.Wrap(apperr.IO, "refresh_registry", err)
	}

	sort.Ints(ids)

	r.mu.Lock()
	r.byVFID = byVFID
	r.usedIDs = ids
	r.mu.Unlock()
	return nil
}

// lock acquires the exclusive advisory lock file, waiting up to
// r.lockTimeout before failing with apperr's equivalent of a timeout.
func (r *Registry) lock() (func(), error) {
	f, err := os.OpenFile(r.lockFile, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, apperr.Wrap(apperr.IO, "xfs_registry_lock", err)
	}

	deadline := time.Now().Add(r.lockTimeout)
	for {
		err := flock(f, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			f.Close()
			return nil, apperr.Wrap(apperr.IO, "xfs_registry_lock", err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, apperr.New(apperr.ExecutionError, "timed out waiting for xfs registry lock").WithOp("xfs_registry_lock")
		}
		time.Sleep(20 * time.Millisecond)
	}

	return func() {
		_ = flock(f, unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

func flock(f *os.File, flags int) error {
	fd := int(f.Fd())
	for {
		err := unix.Flock(fd, flags)
		if err == nil || err != unix.EINTR {
			return err
		}
	}
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line)
	return err
}

func removeMatchingLines(path string, match func(line string) bool) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	lines := strings.Split(string(data), "\n")
	var kept []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if match(trimmed) {
			continue
		}
		kept = append(kept, trimmed)
	}

	out := strings.Join(kept, "\n")
	if len(kept) > 0 {
		out += "\n"
	}
	return os.WriteFile(path, []byte(out), 0o644)
}
