// Package volume defines the narrow capability interface every backend
// (POSIX, XFS, and any future vendor NAS client) implements, plus the
// value types those operations exchange.
package volume

import (
	"context"
	"time"

	"github.com/backdotai/storage-proxy/internal/scandir"
)

// Capability is a bitmask of operations a Volume backend supports.
// Callers check a capability before invoking the corresponding operation;
// an unsupported one returns apperr.Unsupported rather than being absent
// from the interface.
type Capability uint8

const (
	CapVFolder Capability = 1 << iota
	CapQuota
	CapMetric
)

// Has reports whether mask includes cap.
func (mask Capability) Has(cap Capability) bool {
	return mask&cap != 0
}

// Strings renders the bitmask as the capability-name list the manager
// plane's /volumes endpoint reports.
func (mask Capability) Strings() []string {
	var out []string
	if mask.Has(CapVFolder) {
		out = append(out, "VFOLDER")
	}
	if mask.Has(CapQuota) {
		out = append(out, "QUOTA")
	}
	if mask.Has(CapMetric) {
		out = append(out, "METRIC")
	}
	return out
}

// Info describes a configured volume, immutable after startup.
type Info struct {
	Name         string
	Backend      string
	MountPath    string
	FSPrefix     string
	Options      map[string]string
	Capabilities Capability
}

// FSUsage is the volume-wide capacity/usage pair from get_fs_usage.
type FSUsage struct {
	CapacityBytes int64
	UsedBytes     int64
}

// Usage is the per-vfolder file-count/byte-count pair from get_usage.
type Usage struct {
	FileCount int64
	UsedBytes int64
}

// PerformanceMetric mirrors the backend-defined IOPS/latency counters;
// a backend with no measurement returns apperr.Unsupported instead of a
// zero value.
type PerformanceMetric struct {
	IOPSRead     float64
	IOPSWrite    float64
	IOBytesRead  int64
	IOBytesWrite int64
	IOUsecRead   float64
	IOUsecWrite  float64
}

// DirEntry is one scandir result, re-exported here so callers of the
// Volume interface don't need to import internal/scandir directly.
type DirEntry = scandir.Entry

// CreateOptions carries the optional arguments to create_vfolder.
type CreateOptions struct {
	Quota int64 // 0 means no quota requested
}

// Stat mirrors the stat block in a directory-listing entry.
type Stat struct {
	Size     int64
	Mode     uint32
	Created  time.Time
	Modified time.Time
}

// Volume is the capability set every backend implements. Operations that
// a backend does not support return an *apperr.Error with Kind Unsupported
// rather than being absent from the interface, per spec §9's "narrow
// capability interface" design note.
type Volume interface {
	Info() Info
	Capabilities() Capability

	CreateVFolder(ctx context.Context, vfid string, opts CreateOptions) error
	DeleteVFolder(ctx context.Context, vfid string) error
	CloneVFolder(ctx context.Context, srcVFID, newVFID string) error
	GetVFolderMount(ctx context.Context, vfid string) (string, error)

	PutMetadata(ctx context.Context, vfid string, data []byte) error
	GetMetadata(ctx context.Context, vfid string) ([]byte, error)

	GetQuota(ctx context.Context, vfid string) (int64, error)
	SetQuota(ctx context.Context, vfid string, size int64) error

	GetFSUsage(ctx context.Context) (FSUsage, error)
	GetUsage(ctx context.Context, vfid, relpath string) (Usage, error)
	GetPerformanceMetric(ctx context.Context, vfid string) (PerformanceMetric, error)

	Scandir(ctx context.Context, vfid, relpath string) (<-chan DirEntry, <-chan error)

	Mkdir(ctx context.Context, vfid, relpath string, parents bool) error
	Rmdir(ctx context.Context, vfid, relpath string, recursive bool) error

	MoveFile(ctx context.Context, vfid, src, dst string) error
	MoveTree(ctx context.Context, vfid, src, dst string) error
	CopyFile(ctx context.Context, vfid, src, dst string) error

	AddFile(ctx context.Context, vfid, relpath string, chunks <-chan []byte) error
	ReadFile(ctx context.Context, vfid, relpath string, chunkSize int) (<-chan []byte, <-chan error)

	DeleteFiles(ctx context.Context, vfid string, relpaths []string, recursive bool) error

	PrepareUpload(ctx context.Context, vfid string) (string, error)
}
