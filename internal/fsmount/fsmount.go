// Package fsmount creates ext4/xfs/btrfs filesystems, mounts by UUID,
// lazy-fallback
// unmount, and ownership-aware directory creation.
package fsmount

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/blockpool/poolmgr/internal/blockdev"
	"github.com/blockpool/poolmgr/internal/cmdutil"
	"github.com/blockpool/poolmgr/internal/poolerr"
)

// Layer runs filesystem and mount commands through a cmdutil.Runner.
type Layer struct {
	Run        cmdutil.Runner
	Primitives *blockdev.Primitives
}

// New constructs a Layer using the real process executor.
func New(primitives *blockdev.Primitives) *Layer {
	return &Layer{Run: cmdutil.Exec{}, Primitives: primitives}
}

var mkfsArgs = map[string][]string{
	"ext4":  {"-F"},
	"xfs":   {"-f"},
	"btrfs": {"-f"},
}

// FormatDevice creates filesystem fs on path, ensuring path is a partition
// first (whole-disk devices are partitioned via blockdev.EnsurePartition).
func (l *Layer) FormatDevice(ctx context.Context, path, fs string) (string, error) {
	partPath, err := l.Primitives.EnsurePartition(ctx, path)
	if err != nil {
		return "", err
	}

	args, ok := mkfsArgs[fs]
	if !ok {
		return "", poolerr.Validation("unsupported filesystem %q", fs)
	}

	cmdName := "mkfs." + fs
	cmdArgs := append(append([]string{}, args...), partPath)

	if _, err := l.Run.Run(ctx, cmdutil.New(cmdName, cmdArgs...).WithTimeout(5*time.Minute)); err != nil {
		return "", poolerr.Subsystem(cmdName, err)
	}

	return partPath, nil
}

// EnsureDirectory creates path (and parents) if missing, chowns it to
// uid/gid (best effort, never fatal).
func EnsureDirectory(path string, uid, gid int) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}

	if err := os.Chown(path, uid, gid); err != nil {
		_ = poolerr.Transient("chown %s to %d:%d failed: %s", path, uid, gid, err)
	}

	return nil
}

// isMountedAt reports whether a mountpoint is already mounted, and if so,
// what device is mounted there, by scanning /proc/mounts.
func isMountedAt(mountpoint string) (device string, mounted bool) {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return "", false
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		if fields[1] == mountpoint {
			return fields[0], true
		}
	}

	return "", false
}

// isDeviceMountedElsewhere reports whether device (or its by-uuid path) is
// already mounted anywhere other than expectedMountpoint.
func isDeviceMountedElsewhere(device, expectedMountpoint string) (string, bool) {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return "", false
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		if fields[0] == device && fields[1] != expectedMountpoint {
			return fields[1], true
		}
	}

	return "", false
}

// MountOptions configures MountDevice.
type MountOptions struct {
	Filesystem string
	Options    string // comma-separated mount -o options, may be empty
	OwnerUID   int
	OwnerGID   int
}

// MountDevice mounts path at mountpoint, creating mountpoint with ownership
// if missing. Mounts by UUID= when uuid is non-empty, otherwise by path.
// Refuses if the target or device is already mounted elsewhere; if the
// device is already mounted at the requested mountpoint, that is a success.
func (l *Layer) MountDevice(ctx context.Context, path, uuid, mountpoint string, opts MountOptions) error {
	source := path
	if uuid != "" {
		source = "UUID=" + uuid
	}

	if existingDevice, mounted := isMountedAt(mountpoint); mounted {
		if existingDevice == source || existingDevice == path {
			return nil
		}

		return poolerr.Precondition("%s is already mounted (device %s)", mountpoint, existingDevice)
	}

	if elsewhere, mounted := isDeviceMountedElsewhere(source, mountpoint); mounted {
		return poolerr.Precondition("%s is already mounted at %s", source, elsewhere)
	}

	if err := EnsureDirectory(mountpoint, opts.OwnerUID, opts.OwnerGID); err != nil {
		return err
	}

	args := []string{}
	if opts.Filesystem != "" {
		args = append(args, "-t", opts.Filesystem)
	}

	if opts.Options != "" {
		args = append(args, "-o", opts.Options)
	}

	args = append(args, source, mountpoint)

	if _, err := l.Run.Run(ctx, cmdutil.New("mount", args...).WithTimeout(30*time.Second)); err != nil {
		return poolerr.Subsystem("mount", err)
	}

	return nil
}

// UnmountOptions configures UnmountDevice.
type UnmountOptions struct {
	Force           bool
	RemoveDirectory bool
	Retries         int // default 3
}

// UnmountDevice unmounts mountpoint: at most one standard attempt (plain
// umount, or umount -f if Force), then at most Retries-1 lazy `umount -l`
// attempts with 1.5s backoff between them. Directory removal is
// best-effort.
func (l *Layer) UnmountDevice(ctx context.Context, mountpoint string, opts UnmountOptions) error {
	if _, mounted := isMountedAt(mountpoint); !mounted {
		if opts.RemoveDirectory {
			_ = os.Remove(mountpoint)
		}

		return nil
	}

	retries := opts.Retries
	if retries <= 0 {
		retries = 3
	}

	firstArgs := []string{mountpoint}
	if opts.Force {
		firstArgs = []string{"-f", mountpoint}
	}

	_, err := l.Run.Run(ctx, cmdutil.New("umount", firstArgs...).WithTimeout(30*time.Second))
	if err == nil {
		if opts.RemoveDirectory {
			_ = os.Remove(mountpoint)
		}

		return nil
	}

	var lastErr error = err
	for attempt := 0; attempt < retries-1; attempt++ {
		time.Sleep(1500 * time.Millisecond)

		_, err := l.Run.Run(ctx, cmdutil.New("umount", "-l", mountpoint).WithTimeout(30*time.Second))
		if err == nil {
			if opts.RemoveDirectory {
				_ = os.Remove(mountpoint)
			}

			return nil
		}

		lastErr = err
	}

	return poolerr.Subsystem("umount", lastErr)
}

// SpaceInfo is the result of a df query.
type SpaceInfo struct {
	SizeBytes      int64
	UsedBytes      int64
	AvailableBytes int64
}

// remoteFilesystems are excluded from the enrichment df sweep.
var remoteFilesystems = map[string]bool{"cifs": true, "nfs": true, "nfs4": true}

// IsRemoteFilesystem reports whether fs is a remote filesystem type that
// enrichment should skip querying with df.
func IsRemoteFilesystem(fs string) bool {
	return remoteFilesystems[strings.ToLower(fs)]
}

// GetDeviceSpace wraps `df -B1` with a 5-second timeout so an unavailable
// mount does not hang enrichment.
func (l *Layer) GetDeviceSpace(ctx context.Context, mountpoint string) (SpaceInfo, error) {
	res, err := l.Run.Run(ctx, cmdutil.New("df", "-B1", "--output=size,used,avail", mountpoint).WithTimeout(5*time.Second))
	if err != nil {
		return SpaceInfo{}, poolerr.Transient("df %s: %s", mountpoint, err)
	}

	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	if len(lines) < 2 {
		return SpaceInfo{}, poolerr.Transient("df %s: no output", mountpoint)
	}

	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) != 3 {
		return SpaceInfo{}, poolerr.Transient("df %s: unexpected output %q", mountpoint, lines[len(lines)-1])
	}

	size, _ := strconv.ParseInt(fields[0], 10, 64)
	used, _ := strconv.ParseInt(fields[1], 10, 64)
	avail, _ := strconv.ParseInt(fields[2], 10, 64)

	return SpaceInfo{SizeBytes: size, UsedBytes: used, AvailableBytes: avail}, nil
}

// StatfsFallback uses unix.Statfs directly when df is unreachable, trading
// used/avail precision (no reserved-block distinction) for a call that
// cannot hang on a stuck NFS client.
func StatfsFallback(mountpoint string) (SpaceInfo, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(mountpoint, &stat); err != nil {
		return SpaceInfo{}, poolerr.Transient("statfs %s: %s", mountpoint, err)
	}

	bsize := uint64(stat.Bsize)

	return SpaceInfo{
		SizeBytes:      int64(stat.Blocks * bsize),
		AvailableBytes: int64(stat.Bavail * bsize),
		UsedBytes:      int64((stat.Blocks - stat.Bfree) * bsize),
	}, nil
}

// IsMountPoint reports whether path is currently a mount point, used by
// safety checks and idempotent remount guards.
func IsMountPoint(path string) bool {
	_, mounted := isMountedAt(path)
	return mounted
}
