package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/blockpool/poolmgr/internal/crypto"
	"github.com/blockpool/poolmgr/internal/fsmount"
	"github.com/blockpool/poolmgr/internal/manifest"
	"github.com/blockpool/poolmgr/internal/poolcfg"
	"github.com/blockpool/poolmgr/internal/poolerr"
)

// MountPoolByID mounts an existing pool by dispatching to its type-specific
// mount sequence.
func (m *Manager) MountPoolByID(ctx context.Context, id string) (Result, error) {
	pools, err := m.d.Manifest.Load()
	if err != nil {
		return Result{}, err
	}

	pool, ok := manifest.FindByID(pools, id)
	if !ok {
		return Result{}, poolerr.Validation("no pool with id %s", id)
	}

	switch pool.Type {
	case "mergerfs":
		return m.mountMergerFS(ctx, pool, false)
	case "nonraid":
		return m.mountNonRaid(ctx, pool, pool.Config["mount_missing"] == true)
	default:
		return m.mountSingleOrBtrfs(ctx, pool)
	}
}

// mountSingleOrBtrfs handles ext4/xfs/btrfs (single- or multi-device)
// pools: mount the first data device's resolved path at the pool root.
func (m *Manager) mountSingleOrBtrfs(ctx context.Context, pool manifest.Pool) (Result, error) {
	if len(pool.DataDevices) == 0 {
		return Result{}, poolerr.Integrity("pool %s has no data devices", pool.Name)
	}

	common, err := poolcfg.DecodeCommon(pool.Config)
	if err != nil {
		return Result{}, err
	}

	ref := pool.DataDevices[0]

	devicePath, uuid, err := m.resolveMountSource(ctx, pool, ref, common.Encrypted, crypto.RoleData, 0)
	if err != nil {
		return Result{}, err
	}

	mountOpts := fsmount.MountOptions{Filesystem: pool.Type, OwnerUID: m.d.Config.OwnerUID, OwnerGID: m.d.Config.OwnerGID}

	if err := m.d.FS.MountDevice(ctx, devicePath, uuid, m.PoolMountPoint(pool.Name), mountOpts); err != nil {
		return Result{}, joinErr("mount", err)
	}

	return Result{Success: true, Message: fmt.Sprintf("pool %s mounted", pool.Name), Pool: pool}, nil
}

// resolveMountSource resolves ref's device path, reopening its LUKS mapper
// first when the pool is encrypted. index is ref's position in pool.Devices
// (the parallel physical-path array for encrypted pools).
func (m *Manager) resolveMountSource(ctx context.Context, pool manifest.Pool, ref manifest.DeviceRef, encrypted bool, role crypto.Role, index int) (devicePath, uuid string, err error) {
	if !encrypted {
		dev := m.d.Primitives.GetRealDevicePathFromUUID(ref.ID)
		if dev == "" {
			return "", "", poolerr.Precondition("data device %s (slot %s) is not present", ref.ID, ref.Slot)
		}

		return dev, ref.ID, nil
	}

	if index >= len(pool.Devices) {
		return "", "", poolerr.Integrity("pool %s missing physical device record for slot %s", pool.Name, ref.Slot)
	}

	physical := pool.Devices[index]

	mappers, err := m.d.Crypto.OpenWithSlots(ctx, pool.Name, map[string]string{ref.Slot: physical}, "", role)
	if err != nil {
		return "", "", err
	}

	mapper, ok := mappers[ref.Slot]
	if !ok {
		return "", "", poolerr.Subsystem("cryptsetup", fmt.Errorf("no mapper opened for slot %s", ref.Slot))
	}

	if err := m.d.Crypto.WaitForMapper(ctx, mapper.Name); err != nil {
		return "", "", joinErr("luks open", err)
	}

	return mapper.PartitionPath, ref.ID, nil
}

// UnmountPoolByID unmounts an existing pool, running the Safety Guard
// first unless force is set.
func (m *Manager) UnmountPoolByID(ctx context.Context, id string, force bool) (Result, error) {
	pools, err := m.d.Manifest.Load()
	if err != nil {
		return Result{}, err
	}

	pool, ok := manifest.FindByID(pools, id)
	if !ok {
		return Result{}, poolerr.Validation("no pool with id %s", id)
	}

	mountPoint := m.PoolMountPoint(pool.Name)

	var branchPaths []string
	for _, ref := range pool.DataDevices {
		branchPaths = append(branchPaths, m.BranchMountPoint(pool.Name, ref.Slot))
	}

	if err := m.d.Guard.CheckDestructive(ctx, mountPoint, branchPaths, force); err != nil {
		return Result{}, err
	}

	switch pool.Type {
	case "mergerfs":
		return m.unmountMergerFS(ctx, pool, force)
	case "nonraid":
		return m.unmountNonRaid(ctx, pool, force)
	default:
		return m.unmountSingleOrBtrfs(ctx, pool, force)
	}
}

func (m *Manager) unmountSingleOrBtrfs(ctx context.Context, pool manifest.Pool, force bool) (Result, error) {
	common, err := poolcfg.DecodeCommon(pool.Config)
	if err != nil {
		return Result{}, err
	}

	if err := m.d.FS.UnmountDevice(ctx, m.PoolMountPoint(pool.Name), fsmount.UnmountOptions{Force: force}); err != nil {
		return Result{}, joinErr("unmount", err)
	}

	if common.Encrypted {
		slots := usedSlots(pool.DataDevices)
		if warnings := m.d.Crypto.CloseWithSlots(ctx, pool.Name, slots, crypto.RoleData); len(warnings) > 0 {
			for _, w := range warnings {
				m.d.Log.WithError(w).WithField("pool", pool.Name).Warn("luks close warning")
			}
		}
	}

	return Result{Success: true, Message: fmt.Sprintf("pool %s unmounted", pool.Name), Pool: pool}, nil
}

// RemovePoolByID unmounts (if mounted) and deletes the pool's manifest
// entry. Directory/keyfile cleanup is best-effort and, for mergerfs/btrfs,
// intentionally leaves the keyfile behind.
func (m *Manager) RemovePoolByID(ctx context.Context, id string, force bool) (Result, error) {
	if _, err := m.UnmountPoolByID(ctx, id, force); err != nil && !poolerr.IsPrecondition(err) {
		return Result{}, err
	}

	var removed manifest.Pool

	pools, err := m.d.Manifest.Mutate(func(pools []manifest.Pool) ([]manifest.Pool, error) {
		out := make([]manifest.Pool, 0, len(pools))
		found := false

		for _, p := range pools {
			if p.ID == id {
				removed = p
				found = true
				continue
			}

			out = append(out, p)
		}

		if !found {
			return nil, poolerr.Validation("no pool with id %s", id)
		}

		return out, nil
	})
	if err != nil {
		return Result{}, err
	}

	_ = pools

	if removed.Type == "nonraid" {
		m.removeNonRaidResidue(removed)
	}

	m.removePoolResidue(removed)

	return Result{Success: true, Message: fmt.Sprintf("pool %s removed", removed.Name), Pool: removed}, nil
}

// removePoolResidue best-effort deletes the SnapRAID config and the
// per-pool mount-root/branch-root/parity-root directories left behind by a
// mergerfs(+snapraid) or btrfs pool. The keyfile is intentionally left in
// place for these two types; removeNonRaidResidue handles nonraid's own.
func (m *Manager) removePoolResidue(pool manifest.Pool) {
	if err := os.Remove(m.SnapRAIDConfigPath(pool.Name)); err != nil && !os.IsNotExist(err) {
		m.d.Log.WithError(err).WithField("pool", pool.Name).Warn("snapraid config removal failed")
	}

	dirs := []string{
		m.PoolMountPoint(pool.Name),
		filepath.Join(m.d.Config.MergerFSBranchRoot, pool.Name),
		filepath.Join(m.d.Config.SnapRAIDMountRoot, pool.Name),
	}

	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
			m.d.Log.WithError(err).WithFields(logrus.Fields{"pool": pool.Name, "dir": dir}).Warn("pool directory removal failed")
		}
	}
}
