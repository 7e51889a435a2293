// Package reconcile builds a read-only runtime view of a pool from the
// manifest plus live probes (disk inventory, mount status, free space,
// parity progress), never mutating the stored representation.
package reconcile

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/blockpool/poolmgr/internal/blockdev"
	"github.com/blockpool/poolmgr/internal/collab"
	"github.com/blockpool/poolmgr/internal/fsmount"
	"github.com/blockpool/poolmgr/internal/manifest"
	"github.com/blockpool/poolmgr/internal/parity"
)

// RuntimeDevice is one data/parity device enriched with derived fields that
// are never written back to the manifest.
type RuntimeDevice struct {
	manifest.DeviceRef
	Device      string // resolved /dev/... path, "" if unresolvable
	DiskInfo    collab.EnhancedDiskType
	PowerStatus collab.DiskPowerStatus
	Missing     bool // true if the id resolved through neither by-uuid nor by-id
}

// RuntimePool is a derived, never-persisted view of a Pool, built fresh
// for every read rather than mutating manifest.Pool in place.
type RuntimePool struct {
	manifest.Pool
	DataDevices     []RuntimeDevice
	ParityDevices   []RuntimeDevice
	MountPoint      string
	Status          string // "started", "stopped"
	Storage         fsmount.SpaceInfo
	ParityOperation string
	ParityProgress  int
	ParityETA       string
	ParityValid     bool
}

// Reconciler builds RuntimePool views by composing the primitives,
// filesystem, and parity layers with an injected disk-inventory
// collaborator.
type Reconciler struct {
	Primitives *blockdev.Primitives
	FS         *fsmount.Layer
	SnapRAID   *parity.SnapRAIDRunner
	NonRaid    *parity.NonRaidDriver
	Disks      collab.DiskInventory // may be nil; per-disk enrichment is then skipped
}

// New constructs a Reconciler. disks may be nil if no inventory
// collaborator is wired, in which case DiskInfo/PowerStatus stay zero.
func New(primitives *blockdev.Primitives, fs *fsmount.Layer, snapraid *parity.SnapRAIDRunner, nonraid *parity.NonRaidDriver, disks collab.DiskInventory) *Reconciler {
	return &Reconciler{Primitives: primitives, FS: fs, SnapRAID: snapraid, NonRaid: nonraid, Disks: disks}
}

// Enrich builds a RuntimePool for pool. Per-device resolution and power
// probing fan out concurrently via errgroup; a single bad disk never fails
// the whole read.
func (r *Reconciler) Enrich(ctx context.Context, pool manifest.Pool, mountPoint string) RuntimePool {
	rp := RuntimePool{Pool: pool, MountPoint: mountPoint}

	rp.DataDevices = make([]RuntimeDevice, len(pool.DataDevices))
	rp.ParityDevices = make([]RuntimeDevice, len(pool.ParityDevices))

	group, gctx := errgroup.WithContext(ctx)

	for i, ref := range pool.DataDevices {
		i, ref := i, ref
		group.Go(func() error {
			rp.DataDevices[i] = r.enrichDevice(gctx, ref)
			return nil
		})
	}

	for i, ref := range pool.ParityDevices {
		i, ref := i, ref
		group.Go(func() error {
			rp.ParityDevices[i] = r.enrichDevice(gctx, ref)
			return nil
		})
	}

	_ = group.Wait() // errors are absorbed into per-device zero values, never fail the read

	if mountPoint != "" && fsmount.IsMountPoint(mountPoint) {
		rp.Status = "started"

		if space, err := r.FS.GetDeviceSpace(ctx, mountPoint); err == nil {
			rp.Storage = space
		}
	} else {
		rp.Status = "stopped"
	}

	r.enrichParity(pool, &rp)

	return rp
}

// enrichDevice resolves ref's identifier (a by-uuid name, else a by-id name)
// to a live /dev path and queries its classification and power status,
// best-effort.
func (r *Reconciler) enrichDevice(ctx context.Context, ref manifest.DeviceRef) RuntimeDevice {
	rd := RuntimeDevice{DeviceRef: ref}

	if r.Primitives == nil {
		return rd
	}

	dev := r.Primitives.GetRealDevicePathFromUUID(ref.ID)
	if dev == "" {
		dev = r.Primitives.GetRealDevicePathFromID(ref.ID)
	}

	if dev == "" {
		rd.Missing = true
		return rd
	}

	rd.Device = dev

	if r.Disks == nil {
		return rd
	}

	if status, err := r.Disks.LivePowerStatus(ctx, dev); err == nil {
		rd.PowerStatus = status
	} else {
		rd.PowerStatus = collab.PowerUnknown
	}

	// Standby disks are never probed further: querying model/rotational
	// info would require a read that wakes the disk.
	if rd.PowerStatus == collab.PowerStandby {
		return rd
	}

	if info, err := r.Disks.EnhancedDiskType(ctx, dev); err == nil {
		rd.DiskInfo = info
	}

	return rd
}

// enrichParity fills ParityOperation/ParityProgress/ParityValid from
// whichever parity subsystem applies to pool.Type.
func (r *Reconciler) enrichParity(pool manifest.Pool, rp *RuntimePool) {
	switch pool.Type {
	case "mergerfs":
		if r.SnapRAID == nil {
			return
		}

		if !r.SnapRAID.IsRunning(pool.Name) {
			return
		}

		progress, err := r.SnapRAID.Status(pool.Name)
		if err != nil {
			return
		}

		rp.ParityOperation = progress.State
		rp.ParityProgress = progress.Percent
		rp.ParityETA = progress.ETA

	case "nonraid":
		if r.NonRaid == nil {
			return
		}

		status, err := r.NonRaid.ReadStatus()
		if err != nil {
			return
		}

		rp.ParityValid = status.ParityValid()

		if status.IsRunning() {
			progress := status.Progress()
			rp.ParityOperation = progress.Description
			rp.ParityProgress = progress.Percent
			rp.ParityETA = progress.ETA
		} else if status.IsPaused() {
			rp.ParityOperation = "paused"
		} else if status.IsCancelled() {
			rp.ParityOperation = "cancelled"
		}
	}
}
