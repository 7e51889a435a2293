package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/blockpool/poolmgr/internal/cmdutil"
	"github.com/blockpool/poolmgr/internal/crypto"
	"github.com/blockpool/poolmgr/internal/fsmount"
	"github.com/blockpool/poolmgr/internal/manifest"
	"github.com/blockpool/poolmgr/internal/poolcfg"
	"github.com/blockpool/poolmgr/internal/poolerr"
	"github.com/blockpool/poolmgr/internal/revert"
	"github.com/blockpool/poolmgr/internal/slots"
	"github.com/blockpool/poolmgr/internal/strategy"
)

// CreateMultiDevicePool runs `mkfs.btrfs -d <raid> -m <raid>` across every
// operational device path.
func (m *Manager) CreateMultiDevicePool(ctx context.Context, name string, devicePaths []string, raidLevel string, opts CreateOptions) (Result, error) {
	pools, err := m.d.Manifest.Load()
	if err != nil {
		return Result{}, err
	}

	if err := validateName(pools, name); err != nil {
		return Result{}, err
	}

	min, ok := poolcfg.MinDevicesForRaidLevel(raidLevel)
	if !ok {
		return Result{}, poolerr.Validation("unrecognized raid level %q", raidLevel)
	}

	if len(devicePaths) < min {
		return Result{}, poolerr.Validation("raid level %s requires at least %d devices, got %d", raidLevel, min, len(devicePaths))
	}

	common, err := poolcfg.DecodeBtrfs(opts.Config)
	if err != nil {
		return Result{}, err
	}

	r := revert.New()
	defer r.Fail()

	m.cleanupExistingMappersBestEffort(ctx, name)

	inputs, err := m.prepareInputsFromPaths(ctx, devicePaths, opts.Format)
	if err != nil {
		return Result{}, err
	}

	strat := m.resolveStrategy(name, common.Encrypted)

	prepOpts := strategy.PrepareOptions{
		Role:          crypto.RoleData,
		Passphrase:    opts.Passphrase,
		CreateKeyfile: common.CreateKeyfile,
		KeyfilePath:   m.KeyfilePath(name),
		PartUUID:      common.Encrypted,
	}

	dcs, err := strat.PrepareDevices(ctx, name, inputs, prepOpts)
	withCleanupOnFailure(ctx, strat, name, dcs, crypto.RoleData, r)

	if err != nil {
		return Result{}, joinErr("strategy prepare", err)
	}

	if opts.Format {
		if err := m.mkfsBtrfs(ctx, dcs, raidLevel, name); err != nil {
			return Result{}, joinErr("mkfs.btrfs", err)
		}
	}

	mountPoint := m.PoolMountPoint(name)

	if opts.Automount {
		mountOpts := fsmount.MountOptions{Filesystem: "btrfs", OwnerUID: m.d.Config.OwnerUID, OwnerGID: m.d.Config.OwnerGID}
		if err := m.d.FS.MountDevice(ctx, dcs[0].OperationalPath, "", mountPoint, mountOpts); err != nil {
			return Result{}, joinErr("mount", err)
		}
	}

	// Non-encrypted multi-device btrfs: every member shares one filesystem
	// UUID.
	var sharedUUID string
	if !common.Encrypted {
		sharedUUID, err = m.d.Primitives.GetDeviceUUID(ctx, dcs[0].PhysicalPath)
		if err != nil {
			return Result{}, joinErr("uuid lookup", err)
		}
	}

	dataDevices := make([]manifest.DeviceRef, len(dcs))
	for i, dc := range dcs {
		id := sharedUUID
		if id == "" {
			id, err = strat.UUID(ctx, dc)
			if err != nil {
				return Result{}, joinErr("uuid lookup", err)
			}
		}

		dataDevices[i] = manifest.DeviceRef{Slot: dc.Slot, ID: id, Filesystem: "btrfs"}
	}

	cfgBag := opts.Config
	if cfgBag == nil {
		cfgBag = map[string]any{}
	}
	cfgBag["raid_level"] = raidLevel

	pool := manifest.Pool{
		ID:          nextID(time.Now()),
		Name:        name,
		Index:       len(pools),
		Comment:     opts.Comment,
		Automount:   opts.Automount,
		Type:        "btrfs",
		DataDevices: dataDevices,
		Config:      cfgBag,
	}

	if common.Encrypted {
		pool.Devices = assembleEncryptedDevicesField(dcs)
	}

	pools = append(pools, pool)

	if err := m.d.Manifest.Save(pools); err != nil {
		return Result{}, joinErr("manifest", err)
	}

	r.Success()

	return Result{Success: true, Message: fmt.Sprintf("btrfs pool %s created (%s)", name, raidLevel), Pool: pool}, nil
}

func (m *Manager) mkfsBtrfs(ctx context.Context, dcs []strategy.DeviceContext, raidLevel, name string) error {
	args := []string{"-f", "-d", raidLevel, "-m", raidLevel, "-L", name}
	for _, dc := range dcs {
		args = append(args, dc.OperationalPath)
	}

	_, err := m.d.Run.Run(ctx, cmdutil.New("mkfs.btrfs", args...).WithTimeout(10*time.Minute))
	return err
}

// ChangePoolRaidLevel runs `btrfs balance start -dconvert=<L> -mconvert=<L>`
// against the mounted pool, refusing a raid0→raid1 conversion below 50%
// free space.
func (m *Manager) ChangePoolRaidLevel(ctx context.Context, id, newLevel string) (Result, error) {
	pools, err := m.d.Manifest.Load()
	if err != nil {
		return Result{}, err
	}

	pool, ok := manifest.FindByID(pools, id)
	if !ok {
		return Result{}, poolerr.Validation("no pool with id %s", id)
	}

	if pool.Type != "btrfs" {
		return Result{}, poolerr.Validation("pool %s is not a btrfs pool", pool.Name)
	}

	currentLevel, _ := pool.Config["raid_level"].(string)

	if _, ok := poolcfg.MinDevicesForRaidLevel(newLevel); !ok {
		return Result{}, poolerr.Validation("unrecognized raid level %q", newLevel)
	}

	mountPoint := m.PoolMountPoint(pool.Name)

	if currentLevel == "raid0" && newLevel == "raid1" {
		space, err := m.d.FS.GetDeviceSpace(ctx, mountPoint)
		if err != nil {
			return Result{}, joinErr("df", err)
		}

		if space.SizeBytes > 0 {
			usedFraction := float64(space.UsedBytes) / float64(space.SizeBytes)
			if usedFraction > 0.5 {
				return Result{}, poolerr.Validation("50%% free space required for raid0 to raid1, %.0f%% available", (1-usedFraction)*100)
			}
		}
	}

	args := fmt.Sprintf("-dconvert=%s", newLevel)
	mconvert := fmt.Sprintf("-mconvert=%s", newLevel)

	if _, err := m.d.Run.Run(ctx, cmdutil.New("btrfs", "balance", "start", args, mconvert, mountPoint).WithTimeout(0)); err != nil {
		return Result{}, poolerr.Subsystem("btrfs balance", err)
	}

	pools, err = m.d.Manifest.Mutate(func(pools []manifest.Pool) ([]manifest.Pool, error) {
		for i := range pools {
			if pools[i].ID == id {
				if pools[i].Config == nil {
					pools[i].Config = map[string]any{}
				}

				pools[i].Config["raid_level"] = newLevel
			}
		}

		return pools, nil
	})
	if err != nil {
		return Result{}, err
	}

	pool, _ = manifest.FindByID(pools, id)

	return Result{Success: true, Message: fmt.Sprintf("pool %s converting to %s", pool.Name, newLevel), Pool: pool}, nil
}

// pollBtrfsReplace polls `btrfs replace status` every 5s until the output
// contains "finished".
func (m *Manager) pollBtrfsReplace(ctx context.Context, mountPoint string, devID int) error {
	for {
		res, err := m.d.Run.Run(ctx, cmdutil.New("btrfs", "replace", "status", mountPoint).WithTimeout(10*time.Second))
		if err != nil {
			return poolerr.Subsystem("btrfs replace status", err)
		}

		if strings.Contains(res.Stdout, "finished") {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

// ReplaceDeviceInPool replaces one data device in place, dispatching to the
// pool type's own replace sequence.
func (m *Manager) ReplaceDeviceInPool(ctx context.Context, id, slot, newDevicePath string) (Result, error) {
	pools, err := m.d.Manifest.Load()
	if err != nil {
		return Result{}, err
	}

	pool, ok := manifest.FindByID(pools, id)
	if !ok {
		return Result{}, poolerr.Validation("no pool with id %s", id)
	}

	switch pool.Type {
	case "btrfs":
		return m.replaceDeviceInBtrfsPool(ctx, pool, slot, newDevicePath)
	case "mergerfs":
		return m.replaceDeviceInMergerFSPool(ctx, pool, slot, newDevicePath)
	default:
		return Result{}, poolerr.Validation("pool %s does not support replacing data devices", pool.Name)
	}
}

// replaceDeviceInBtrfsPool runs `btrfs replace start <old> <new> <mnt>` and
// polls until complete.
func (m *Manager) replaceDeviceInBtrfsPool(ctx context.Context, pool manifest.Pool, slot, newDevicePath string) (Result, error) {
	var oldRef manifest.DeviceRef
	devIndex := -1
	for i, ref := range pool.DataDevices {
		if ref.Slot == slot {
			oldRef = ref
			devIndex = i
			break
		}
	}

	if devIndex < 0 {
		return Result{}, poolerr.Validation("pool %s has no device in slot %s", pool.Name, slot)
	}

	oldDevice := m.d.Primitives.GetRealDevicePathFromUUID(oldRef.ID)
	if oldDevice == "" {
		return Result{}, poolerr.Precondition("old device for slot %s is not present", slot)
	}

	partPath, err := m.d.Primitives.EnsurePartition(ctx, newDevicePath)
	if err != nil {
		return Result{}, err
	}

	mountPoint := m.PoolMountPoint(pool.Name)

	if _, err := m.d.Run.Run(ctx, cmdutil.New("btrfs", "replace", "start", "-f", oldDevice, partPath, mountPoint).WithTimeout(30*time.Second)); err != nil {
		return Result{}, poolerr.Subsystem("btrfs replace start", err)
	}

	if err := m.pollBtrfsReplace(ctx, mountPoint, devIndex+1); err != nil {
		return Result{}, err
	}

	newUUID, err := m.d.Primitives.GetDeviceUUID(ctx, partPath)
	if err != nil {
		return Result{}, err
	}

	pools, err := m.d.Manifest.Mutate(func(pools []manifest.Pool) ([]manifest.Pool, error) {
		for i := range pools {
			if pools[i].ID != pool.ID {
				continue
			}

			for j := range pools[i].DataDevices {
				if pools[i].DataDevices[j].Slot == slot {
					pools[i].DataDevices[j].ID = newUUID
				}
			}
		}

		return pools, nil
	})
	if err != nil {
		return Result{}, err
	}

	pool, _ = manifest.FindByID(pools, pool.ID)

	return Result{Success: true, Message: fmt.Sprintf("device in slot %s replaced", slot), Pool: pool}, nil
}

// AddDevicesToPool adds devicePaths to a pool, dispatching to the pool
// type's own add sequence. Slot selection fills the lowest free slot.
func (m *Manager) AddDevicesToPool(ctx context.Context, id string, devicePaths []string) (Result, error) {
	pools, err := m.d.Manifest.Load()
	if err != nil {
		return Result{}, err
	}

	pool, ok := manifest.FindByID(pools, id)
	if !ok {
		return Result{}, poolerr.Validation("no pool with id %s", id)
	}

	switch pool.Type {
	case "btrfs":
		return m.addDevicesToBtrfsPool(ctx, pool, devicePaths)
	case "mergerfs":
		return m.addDevicesToMergerFSPool(ctx, pool, devicePaths)
	default:
		return Result{}, poolerr.Validation("pool %s does not support adding data devices", pool.Name)
	}
}

// addDevicesToBtrfsPool adds devicePaths via `btrfs device add`, filling the
// lowest free slots.
func (m *Manager) addDevicesToBtrfsPool(ctx context.Context, pool manifest.Pool, devicePaths []string) (Result, error) {
	mountPoint := m.PoolMountPoint(pool.Name)
	used := usedSlots(pool.DataDevices)

	newRefs := make([]manifest.DeviceRef, 0, len(devicePaths))

	for _, path := range devicePaths {
		partPath, err := m.d.Primitives.EnsurePartition(ctx, path)
		if err != nil {
			return Result{}, err
		}

		if _, err := m.d.Run.Run(ctx, cmdutil.New("btrfs", "device", "add", partPath, mountPoint).WithTimeout(60*time.Second)); err != nil {
			return Result{}, poolerr.Subsystem("btrfs device add", err)
		}

		uuid, err := m.d.Primitives.GetDeviceUUID(ctx, partPath)
		if err != nil {
			return Result{}, err
		}

		slot := slots.LowestFree(used, 1)
		used = append(used, slot)

		newRefs = append(newRefs, manifest.DeviceRef{Slot: slot, ID: uuid, Filesystem: "btrfs"})
	}

	pools, err := m.d.Manifest.Mutate(func(pools []manifest.Pool) ([]manifest.Pool, error) {
		for i := range pools {
			if pools[i].ID == pool.ID {
				pools[i].DataDevices = append(pools[i].DataDevices, newRefs...)
			}
		}

		return pools, nil
	})
	if err != nil {
		return Result{}, err
	}

	pool, _ = manifest.FindByID(pools, pool.ID)

	return Result{Success: true, Message: fmt.Sprintf("%d device(s) added to pool %s", len(newRefs), pool.Name), Pool: pool}, nil
}

// RemoveDevicesFromPool removes devices at the given slots from a pool,
// dispatching to the pool type's own remove sequence.
func (m *Manager) RemoveDevicesFromPool(ctx context.Context, id string, slotsToRemove []string) (Result, error) {
	pools, err := m.d.Manifest.Load()
	if err != nil {
		return Result{}, err
	}

	pool, ok := manifest.FindByID(pools, id)
	if !ok {
		return Result{}, poolerr.Validation("no pool with id %s", id)
	}

	switch pool.Type {
	case "btrfs":
		return m.removeDevicesFromBtrfsPool(ctx, pool, slotsToRemove)
	case "mergerfs":
		return m.removeDevicesFromMergerFSPool(ctx, pool, slotsToRemove)
	default:
		return Result{}, poolerr.Validation("pool %s does not support removing data devices", pool.Name)
	}
}

// removeDevicesFromBtrfsPool removes devices at the given slots via `btrfs
// device remove`, preserving the other slots' identifiers.
func (m *Manager) removeDevicesFromBtrfsPool(ctx context.Context, pool manifest.Pool, slotsToRemove []string) (Result, error) {
	mountPoint := m.PoolMountPoint(pool.Name)

	for _, slot := range slotsToRemove {
		var ref manifest.DeviceRef
		found := false

		for _, r := range pool.DataDevices {
			if r.Slot == slot {
				ref = r
				found = true
				break
			}
		}

		if !found {
			return Result{}, poolerr.Validation("pool %s has no device in slot %s", pool.Name, slot)
		}

		device := m.d.Primitives.GetRealDevicePathFromUUID(ref.ID)
		if device == "" {
			return Result{}, poolerr.Precondition("device for slot %s is not present", slot)
		}

		if _, err := m.d.Run.Run(ctx, cmdutil.New("btrfs", "device", "remove", device, mountPoint).WithTimeout(5*time.Minute)); err != nil {
			return Result{}, poolerr.Subsystem("btrfs device remove", err)
		}
	}

	pools, err := m.d.Manifest.Mutate(func(pools []manifest.Pool) ([]manifest.Pool, error) {
		for i := range pools {
			if pools[i].ID != pool.ID {
				continue
			}

			kept := make([]manifest.DeviceRef, 0, len(pools[i].DataDevices))
			for _, r := range pools[i].DataDevices {
				if !slots.Contains(slotsToRemove, r.Slot) {
					kept = append(kept, r)
				}
			}

			pools[i].DataDevices = kept
		}

		return pools, nil
	})
	if err != nil {
		return Result{}, err
	}

	pool, _ = manifest.FindByID(pools, pool.ID)

	return Result{Success: true, Message: fmt.Sprintf("%d device(s) removed from pool %s", len(slotsToRemove), pool.Name), Pool: pool}, nil
}
