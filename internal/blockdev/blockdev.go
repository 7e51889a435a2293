// Package blockdev provides partitioning, blkid/lsblk probing,
// UUID/PARTUUID/by-id resolution, size
// queries, and symlink-only readlink so spun-down disks are never woken.
package blockdev

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/blockpool/poolmgr/internal/cmdutil"
	"github.com/blockpool/poolmgr/internal/poolerr"
)

// partitionRe matches device paths that are already partitions: sdXN,
// nvmeXnYpZ, vdXN, hdXN, or anything under /dev/mapper/.
var partitionRe = regexp.MustCompile(`^/dev/(sd[a-z]+\d+|nvme\d+n\d+p\d+|vd[a-z]+\d+|hd[a-z]+\d+)$`)

// IsPartition reports whether path already names a partition rather than a
// whole disk.
func IsPartition(path string) bool {
	if strings.HasPrefix(path, "/dev/mapper/") {
		return true
	}

	return partitionRe.MatchString(path)
}

// DerivedPartitionPath returns the path of the first partition on a whole
// disk, following the nvme/mapper "p1" vs plain "1" suffix convention.
func DerivedPartitionPath(disk string) string {
	base := filepath.Base(disk)
	if strings.HasPrefix(disk, "/dev/mapper/") || strings.Contains(base, "nvme") {
		return disk + "p1"
	}

	return disk + "1"
}

// Primitives runs block-device commands through a cmdutil.Runner.
type Primitives struct {
	Run cmdutil.Runner
}

// New constructs Primitives using the real process executor.
func New() *Primitives {
	return &Primitives{Run: cmdutil.Exec{}}
}

// EnsurePartition returns path unchanged if it already names a partition,
// otherwise writes a GPT label and a single primary partition spanning
// 2048s..100%, settles udev, and returns the derived partition path.
func (p *Primitives) EnsurePartition(ctx context.Context, path string) (string, error) {
	if IsPartition(path) {
		return path, nil
	}

	_, err := p.Run.Run(ctx, cmdutil.New("parted", "-s", path, "mklabel", "gpt").WithTimeout(30*time.Second))
	if err != nil {
		return "", poolerr.Subsystem("parted", err)
	}

	_, err = p.Run.Run(ctx, cmdutil.New("parted", "-s", "-a", "optimal", path, "mkpart", "primary", "2048s", "100%").WithTimeout(30*time.Second))
	if err != nil {
		return "", poolerr.Subsystem("parted", err)
	}

	time.Sleep(500 * time.Millisecond)

	// partprobe failures are a warning: the kernel may already see the new
	// partition table via the mkpart ioctl, so we don't fail the operation
	// outright — it's transient, not fatal.
	_, err = p.Run.Run(ctx, cmdutil.New("partprobe", path).WithTimeout(10*time.Second))
	if err != nil {
		_ = poolerr.Transient("partprobe failed for %s: %s", path, err)
	}

	if err := p.RefreshDeviceSymlinks(ctx); err != nil {
		_ = err // best-effort
	}

	return DerivedPartitionPath(path), nil
}

// FSInfo is the result of probing a device with blkid/lsblk.
type FSInfo struct {
	Device        string
	Formatted     bool
	Filesystem    string
	UUID          string
	PartUUID      string
	ActualDevice  string // set when Device held a partition table and we recursed into a member partition
	PartTableType string // dos, gpt, mbr, or empty
}

var partTableTypes = map[string]bool{"dos": true, "gpt": true, "mbr": true}

// CheckDeviceFilesystem probes path with blkid. If path itself carries a
// partition table, it enumerates partitions via lsblk and returns the first
// one with a real filesystem, attaching ActualDevice. A partition-table-only
// device (no member with a filesystem) is reported as not formatted.
func (p *Primitives) CheckDeviceFilesystem(ctx context.Context, path string) (FSInfo, error) {
	info, err := p.blkid(ctx, path)
	if err != nil {
		return FSInfo{}, err
	}

	if info.Filesystem == "" && partTableTypes[info.PartTableType] {
		parts, err := p.listPartitions(ctx, path)
		if err != nil {
			return FSInfo{}, err
		}

		for _, part := range parts {
			partInfo, err := p.blkid(ctx, part)
			if err != nil {
				continue
			}

			if partInfo.Filesystem != "" {
				partInfo.ActualDevice = part
				return partInfo, nil
			}
		}

		// Partition-table-only: not formatted.
		return info, nil
	}

	return info, nil
}

func (p *Primitives) blkid(ctx context.Context, path string) (FSInfo, error) {
	res, err := p.Run.Run(ctx, cmdutil.New("blkid", "-o", "export", path).WithOKExitCodes(2).WithTimeout(10*time.Second))
	if err != nil {
		return FSInfo{}, poolerr.Subsystem("blkid", err)
	}

	info := FSInfo{Device: path}
	for _, line := range strings.Split(res.Stdout, "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		switch k {
		case "TYPE":
			if partTableTypes[v] {
				info.PartTableType = v
			} else {
				info.Filesystem = v
				info.Formatted = true
			}
		case "PTTYPE":
			info.PartTableType = v
		case "UUID":
			info.UUID = v
		case "PARTUUID":
			info.PartUUID = v
		}
	}

	return info, nil
}

func (p *Primitives) listPartitions(ctx context.Context, disk string) ([]string, error) {
	res, err := p.Run.Run(ctx, cmdutil.New("lsblk", "-ln", "-o", "PATH", disk).WithTimeout(10*time.Second))
	if err != nil {
		return nil, poolerr.Subsystem("lsblk", err)
	}

	var parts []string
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == disk {
			continue
		}

		parts = append(parts, line)
	}

	return parts, nil
}

// GetDeviceUUID returns the filesystem UUID of path.
func (p *Primitives) GetDeviceUUID(ctx context.Context, path string) (string, error) {
	info, err := p.blkid(ctx, path)
	if err != nil {
		return "", err
	}

	return info.UUID, nil
}

// GetDevicePartUUID returns the PARTUUID of path.
func (p *Primitives) GetDevicePartUUID(ctx context.Context, path string) (string, error) {
	info, err := p.blkid(ctx, path)
	if err != nil {
		return "", err
	}

	return info.PartUUID, nil
}

// byIDExcludedPrefixes are by-id link name prefixes that are excluded from
// GetDeviceByIDPath because they are not stable identifiers across
// controllers.
var byIDExcludedPrefixes = []string{"wwn-", "scsi-"}

// GetDeviceByIDPath scans /dev/disk/by-id/ for a link resolving to path,
// excluding wwn- and scsi- prefixed names, and returns its basename.
func (p *Primitives) GetDeviceByIDPath(ctx context.Context, path string) (string, error) {
	const byIDDir = "/dev/disk/by-id"

	entries, err := os.ReadDir(byIDDir)
	if err != nil {
		return "", poolerr.Subsystem("by-id scan", err)
	}

	resolved := resolvePath(path)

	for _, entry := range entries {
		name := entry.Name()

		excluded := false
		for _, pfx := range byIDExcludedPrefixes {
			if strings.HasPrefix(name, pfx) {
				excluded = true
				break
			}
		}

		if excluded {
			continue
		}

		link := filepath.Join(byIDDir, name)

		target, err := os.Readlink(link)
		if err != nil {
			continue
		}

		if resolvePath(filepath.Join(byIDDir, target)) == resolved {
			return name, nil
		}
	}

	return "", poolerr.Validation("no stable by-id path found for %s", path)
}

func resolvePath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}

	return filepath.Clean(abs)
}

// GetDeviceSize returns the device size in bytes via blockdev --getsize64.
func (p *Primitives) GetDeviceSize(ctx context.Context, path string) (int64, error) {
	res, err := p.Run.Run(ctx, cmdutil.New("blockdev", "--getsize64", path).WithTimeout(10*time.Second))
	if err != nil {
		return 0, poolerr.Subsystem("blockdev", err)
	}

	return strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
}

// GetDeviceSizeInKB returns the device size in KB, computed from sector
// count (blockdev --getsz) divided by 2, matching 512-byte-sector arithmetic
// used by the NonRAID import command.
func (p *Primitives) GetDeviceSizeInKB(ctx context.Context, path string) (int64, error) {
	res, err := p.Run.Run(ctx, cmdutil.New("blockdev", "--getsz", path).WithTimeout(10*time.Second))
	if err != nil {
		return 0, poolerr.Subsystem("blockdev", err)
	}

	sectors, err := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
	if err != nil {
		return 0, err
	}

	return sectors / 2, nil
}

// GetRealDevicePathFromUUID resolves /dev/disk/by-uuid/<uuid> via readlink
// only (no blkid/lsblk, which could wake a spun-down disk). Returns "" if
// the symlink is absent.
func (p *Primitives) GetRealDevicePathFromUUID(uuid string) string {
	return readlinkOnly(filepath.Join("/dev/disk/by-uuid", uuid))
}

// GetRealDevicePathFromID resolves /dev/disk/by-id/<name> the same way.
func (p *Primitives) GetRealDevicePathFromID(name string) string {
	return readlinkOnly(filepath.Join("/dev/disk/by-id", name))
}

func readlinkOnly(link string) string {
	target, err := os.Readlink(link)
	if err != nil {
		return ""
	}

	if filepath.IsAbs(target) {
		return filepath.Clean(target)
	}

	return filepath.Clean(filepath.Join(filepath.Dir(link), target))
}

// RefreshDeviceSymlinks triggers a udev settle so newly created symlinks
// (by-uuid, by-id, by-partuuid) are present before callers rely on them.
func (p *Primitives) RefreshDeviceSymlinks(ctx context.Context) error {
	_, err := p.Run.Run(ctx, cmdutil.New("udevadm", "trigger").WithTimeout(10*time.Second))
	if err != nil {
		return poolerr.Subsystem("udevadm", err)
	}

	_, err = p.Run.Run(ctx, cmdutil.New("udevadm", "settle", "--timeout=10").WithTimeout(15*time.Second))
	if err != nil {
		return poolerr.Subsystem("udevadm", err)
	}

	return nil
}
