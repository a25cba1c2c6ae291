// Package xfs extends the POSIX volume backend with XFS project-quota
// support: quota-aware create/delete, and get/set quota and usage via the
// xfs_quota command-line tool.
package xfs

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/backdotai/storage-proxy/internal/apperr"
	"github.com/backdotai/storage-proxy/internal/volume"
	"github.com/backdotai/storage-proxy/internal/volume/posix"
	"github.com/backdotai/storage-proxy/internal/xfs/registry"
	"github.com/backdotai/storage-proxy/pkg/retry"
)

// Runner executes an external command and returns its combined stdout.
// Abstracted so tests can substitute a fake without invoking xfs_quota.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner shells out via os/exec, retrying a command a bounded number of
// times before surfacing an apperr.ExecutionError — xfs_quota occasionally
// fails transiently against a freshly mounted filesystem or a held project
// lock.
type ExecRunner struct {
	retryer *retry.Retryer
}

// NewExecRunner builds an ExecRunner with the default retry policy.
func NewExecRunner() ExecRunner {
	return ExecRunner{retryer: retry.New(retry.DefaultConfig())}
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	retryer := r.retryer
	if retryer == nil {
		retryer = retry.New(retry.DefaultConfig())
	}

	var out string
	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		raw, runErr := exec.CommandContext(ctx, name, args...).CombinedOutput()
		out = string(raw)
		if runErr != nil {
			return apperr.Wrap(apperr.ExecutionError, "xfs_quota_exec",
				errors.Wrapf(runErr, "%s %s: %s", name, strings.Join(args, " "), out))
		}
		return nil
	})
	return out, err
}

// Volume extends posix.Volume with project-quota operations. It advertises
// VFOLDER and QUOTA; METRIC is advertised only when the backend reports
// the xfs_quota binary supports `report -pbih` IO counters (it does not in
// this implementation, so METRIC is left unset — see get_performance_metric).
type Volume struct {
	*posix.Volume
	registry *registry.Registry
	runner   Runner
}

// New wraps a posix.Volume with quota support backed by reg.
func New(info volume.Info, reg *registry.Registry, runner Runner) *Volume {
	info.Capabilities = volume.CapVFolder | volume.CapQuota
	if runner == nil {
		runner = NewExecRunner()
	}
	return &Volume{
		Volume:   posix.New(info),
		registry: reg,
		runner:   runner,
	}
}

func (v *Volume) Capabilities() volume.Capability { return v.Info().Capabilities }

// CreateVFolder delegates to POSIX, then if a nonzero quota was requested,
// allocates a project id, registers it, marks the directory as an XFS
// project, and sets its quota limits. Any failure rolls back the vfolder
// and any project entry it added.
func (v *Volume) CreateVFolder(ctx context.Context, vfid string, opts volume.CreateOptions) error {
	if err := v.Volume.CreateVFolder(ctx, vfid, opts); err != nil {
		return err
	}
	if opts.Quota <= 0 {
		return nil
	}

	mount, err := v.Volume.GetVFolderMount(ctx, vfid)
	if err != nil {
		_ = v.Volume.DeleteVFolder(ctx, vfid)
		return err
	}

	if _, err := v.registry.AddProjectEntry(vfid, mount); err != nil {
		_ = v.Volume.DeleteVFolder(ctx, vfid)
		return apperr.Wrap(apperr.VFolderCreationError, "create_vfolder_quota", err)
	}

	if _, err := v.runner.Run(ctx, "xfs_quota", "-x", "-c", "project -s "+vfid, v.Info().MountPath); err != nil {
		_ = v.registry.RemoveProjectEntry(vfid)
		_ = v.Volume.DeleteVFolder(ctx, vfid)
		return apperr.Wrap(apperr.VFolderCreationError, "create_vfolder_quota", err)
	}

	limitCmd := "limit -p bsoft=" + strconv.FormatInt(opts.Quota, 10) + " bhard=" + strconv.FormatInt(opts.Quota, 10) + " " + vfid
	if _, err := v.runner.Run(ctx, "xfs_quota", "-x", "-c", limitCmd, v.Info().MountPath); err != nil {
		_ = v.registry.RemoveProjectEntry(vfid)
		_ = v.Volume.DeleteVFolder(ctx, vfid)
		return apperr.Wrap(apperr.VFolderCreationError, "create_vfolder_quota", err)
	}

	return nil
}

// DeleteVFolder best-effort zeroes the limits of any registered project and
// removes its registry entry (only the removal takes the registry lock)
// before delegating to POSIX deletion.
func (v *Volume) DeleteVFolder(ctx context.Context, vfid string) error {
	if pid, err := v.registry.GetProjectID(vfid); err == nil {
		_, _ = v.runner.Run(ctx, "xfs_quota", "-x", "-c",
			"limit -p bsoft=0 bhard=0 "+strconv.Itoa(pid), v.Info().MountPath)
		_ = v.registry.RemoveProjectEntry(vfid)
	}
	return v.Volume.DeleteVFolder(ctx, vfid)
}

// GetQuota reads the matching line from `xfs_quota report -h` and parses
// the hard-limit size.
func (v *Volume) GetQuota(ctx context.Context, vfid string) (int64, error) {
	if _, err := v.registry.GetProjectID(vfid); err != nil {
		return 0, err
	}
	out, err := v.runner.Run(ctx, "xfs_quota", "-x", "-c", "report -h", v.Info().MountPath)
	if err != nil {
		return 0, apperr.Wrap(apperr.ExecutionError, "get_quota", err)
	}
	size, ok := parseReportHardLimit(out, vfid)
	if !ok {
		return 0, apperr.New(apperr.ExecutionError, "vfolder not found in xfs_quota report").WithOp("get_quota")
	}
	return size, nil
}

// SetQuota issues `limit -p bsoft=N bhard=N <vfid>`, allocating a project
// first if vfid has none registered yet.
func (v *Volume) SetQuota(ctx context.Context, vfid string, size int64) error {
	if _, err := v.registry.GetProjectID(vfid); err != nil {
		mount, mErr := v.Volume.GetVFolderMount(ctx, vfid)
		if mErr != nil {
			return mErr
		}
		if _, aErr := v.registry.AddProjectEntry(vfid, mount); aErr != nil {
			return apperr.Wrap(apperr.ExecutionError, "set_quota", aErr)
		}
		if _, rErr := v.runner.Run(ctx, "xfs_quota", "-x", "-c", "project -s "+vfid, v.Info().MountPath); rErr != nil {
			return apperr.Wrap(apperr.ExecutionError, "set_quota", rErr)
		}
	}

	limitCmd := "limit -p bsoft=" + strconv.FormatInt(size, 10) + " bhard=" + strconv.FormatInt(size, 10) + " " + vfid
	if _, err := v.runner.Run(ctx, "xfs_quota", "-x", "-c", limitCmd, v.Info().MountPath); err != nil {
		return apperr.Wrap(apperr.ExecutionError, "set_quota", err)
	}
	return nil
}

// GetUsage reads the `report -pbih` line for vfid and returns file count
// and used bytes as reported by the quota subsystem, falling back to the
// POSIX scan if the project has no registered quota entry.
func (v *Volume) GetUsage(ctx context.Context, vfid, relpath string) (volume.Usage, error) {
	if _, err := v.registry.GetProjectID(vfid); err != nil {
		return v.Volume.GetUsage(ctx, vfid, relpath)
	}
	out, err := v.runner.Run(ctx, "xfs_quota", "-x", "-c", "report -pbih", v.Info().MountPath)
	if err != nil {
		return volume.Usage{}, apperr.Wrap(apperr.ExecutionError, "get_usage", err)
	}
	usage, ok := parseReportUsage(out, vfid)
	if !ok {
		return v.Volume.GetUsage(ctx, vfid, relpath)
	}
	return usage, nil
}

func parseReportHardLimit(report, vfid string) (int64, bool) {
	scanner := bufio.NewScanner(strings.NewReader(report))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[0] != vfid {
			continue
		}
		size, err := parseBinarySize(fields[3])
		if err != nil {
			continue
		}
		return size, true
	}
	return 0, false
}

func parseReportUsage(report, vfid string) (volume.Usage, bool) {
	scanner := bufio.NewScanner(strings.NewReader(report))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 7 || fields[0] != vfid {
			continue
		}
		used, err := parseBinarySize(fields[1])
		if err != nil {
			continue
		}
		count, err := strconv.ParseInt(fields[6], 10, 64)
		if err != nil {
			continue
		}
		return volume.Usage{FileCount: count, UsedBytes: used}, true
	}
	return volume.Usage{}, false
}

// parseBinarySize parses a plain decimal byte count, or one with a
// K/M/G/T suffix as xfs_quota's -h output emits.
func parseBinarySize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size field")
	}
	multiplier := int64(1)
	suffix := s[len(s)-1]
	switch suffix {
	case 'K', 'k':
		multiplier = 1 << 10
		s = s[:len(s)-1]
	case 'M', 'm':
		multiplier = 1 << 20
		s = s[:len(s)-1]
	case 'G', 'g':
		multiplier = 1 << 30
		s = s[:len(s)-1]
	case 'T', 't':
		multiplier = 1 << 40
		s = s[:len(s)-1]
	}
	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing size %q", s)
	}
	return int64(value * float64(multiplier)), nil
}
