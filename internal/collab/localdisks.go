package collab

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/blockpool/poolmgr/internal/cmdutil"
	"github.com/blockpool/poolmgr/internal/poolerr"
)

// LocalDiskInventory implements DiskInventory and DiskController directly
// against lsblk, hdparm and dd, for deployments with no separate
// disk-inventory service. Its inventory and power-status queries never issue
// a command capable of waking a spun-down disk: power status comes from
// `hdparm -C`, which only reads the drive's reported state. WakeDisk is the
// one method that spins a disk up.
type LocalDiskInventory struct {
	Run cmdutil.Runner
}

// NewLocalDiskInventory constructs a LocalDiskInventory using the real
// process executor.
func NewLocalDiskInventory() *LocalDiskInventory {
	return &LocalDiskInventory{Run: cmdutil.Exec{}}
}

// GetAllDisks lists whole-disk block devices via lsblk.
func (d *LocalDiskInventory) GetAllDisks(ctx context.Context, opts DiskInventoryOptions) ([]Disk, error) {
	res, err := d.Run.Run(ctx, cmdutil.New("lsblk", "-dn", "-P", "-o", "NAME,MODEL,SERIAL,TYPE").WithTimeout(10*time.Second))
	if err != nil {
		return nil, poolerr.Subsystem("lsblk", err)
	}

	var disks []Disk

	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line == "" {
			continue
		}

		fields := parseLsblkPairs(line)
		if fields["TYPE"] != "disk" {
			continue
		}

		name := fields["NAME"]
		if name == "" {
			continue
		}

		disks = append(disks, Disk{
			Device: "/dev/" + name,
			Name:   name,
			Model:  fields["MODEL"],
			Serial: fields["SERIAL"],
		})
	}

	return disks, nil
}

// EnhancedDiskType classifies device's rotational/removable/transport
// attributes via lsblk.
func (d *LocalDiskInventory) EnhancedDiskType(ctx context.Context, device string) (EnhancedDiskType, error) {
	res, err := d.Run.Run(ctx, cmdutil.New("lsblk", "-dn", "-P", "-o", "ROTA,RM,TRAN", device).WithTimeout(10*time.Second))
	if err != nil {
		return EnhancedDiskType{}, poolerr.Subsystem("lsblk", err)
	}

	fields := parseLsblkPairs(strings.TrimSpace(res.Stdout))
	rota, _ := strconv.ParseBool(fields["ROTA"])
	removable, _ := strconv.ParseBool(fields["RM"])
	tran := fields["TRAN"]

	diskType := "ssd"
	if rota {
		diskType = "hdd"
	}

	usbInfo := ""
	if tran == "usb" {
		usbInfo = "usb"
	}

	return EnhancedDiskType{Type: diskType, Rotational: rota, Removable: removable, USBInfo: usbInfo}, nil
}

// LivePowerStatus reports device's power state via `hdparm -C`, which reads
// the drive's reported state without spinning it up.
func (d *LocalDiskInventory) LivePowerStatus(ctx context.Context, device string) (DiskPowerStatus, error) {
	res, err := d.Run.Run(ctx, cmdutil.New("hdparm", "-C", device).WithTimeout(10*time.Second))
	if err != nil {
		return PowerUnknown, poolerr.Subsystem("hdparm", err)
	}

	lower := strings.ToLower(res.Stdout)

	switch {
	case strings.Contains(lower, "standby"):
		return PowerStandby, nil
	case strings.Contains(lower, "active") || strings.Contains(lower, "idle"):
		return PowerActive, nil
	default:
		return PowerUnknown, nil
	}
}

// parseLsblkPairs parses one line of `lsblk -P` KEY="value" pairs.
func parseLsblkPairs(line string) map[string]string {
	out := map[string]string{}

	for _, field := range splitPairs(line) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}

		out[k] = strings.Trim(v, `"`)
	}

	return out
}

// splitPairs splits a `lsblk -P` line into KEY="value" tokens, respecting
// quoted spaces inside values.
func splitPairs(line string) []string {
	var (
		out     []string
		current strings.Builder
		inQuote bool
	)

	for _, r := range line {
		switch {
		case r == '"':
			inQuote = !inQuote
			current.WriteRune(r)
		case r == ' ' && !inQuote:
			if current.Len() > 0 {
				out = append(out, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}

	if current.Len() > 0 {
		out = append(out, current.String())
	}

	return out
}

// WakeDisk reads one sector, which spins the disk up if it's standing by.
func (d *LocalDiskInventory) WakeDisk(ctx context.Context, device string) error {
	if _, err := d.Run.Run(ctx, cmdutil.New("dd", "if="+device, "of=/dev/null", "bs=512", "count=1").WithTimeout(30*time.Second)); err != nil {
		return poolerr.Subsystem("dd", err)
	}

	return nil
}

// StandbyDisk spins device down to standby (heads parked, motor stopped).
func (d *LocalDiskInventory) StandbyDisk(ctx context.Context, device string) error {
	if _, err := d.Run.Run(ctx, cmdutil.New("hdparm", "-y", device).WithTimeout(10*time.Second)); err != nil {
		return poolerr.Subsystem("hdparm", err)
	}

	return nil
}

// SleepDisk puts device into the deepest power-down state; only a reset or
// power cycle can bring it back, so a subsequent WakeDisk is not
// guaranteed to succeed.
func (d *LocalDiskInventory) SleepDisk(ctx context.Context, device string) error {
	if _, err := d.Run.Run(ctx, cmdutil.New("hdparm", "-Y", device).WithTimeout(10*time.Second)); err != nil {
		return poolerr.Subsystem("hdparm", err)
	}

	return nil
}

// NoServiceProbe implements ServiceDependencyProbe with no dependent
// services, for deployments run without container/VM orchestration.
type NoServiceProbe struct{}

func (NoServiceProbe) AllServiceStatus(ctx context.Context) ([]ServicePaths, error) { return nil, nil }
func (NoServiceProbe) DockerPaths(ctx context.Context) ([]string, error)            { return nil, nil }
func (NoServiceProbe) VMPaths(ctx context.Context) ([]string, error)                { return nil, nil }
func (NoServiceProbe) LXCPaths(ctx context.Context) ([]string, error)               { return nil, nil }
