package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/blockpool/poolmgr/internal/cmdutil"
	"github.com/blockpool/poolmgr/internal/crypto"
	"github.com/blockpool/poolmgr/internal/fsmount"
	"github.com/blockpool/poolmgr/internal/manifest"
	"github.com/blockpool/poolmgr/internal/parity"
	"github.com/blockpool/poolmgr/internal/poolcfg"
	"github.com/blockpool/poolmgr/internal/poolerr"
	"github.com/blockpool/poolmgr/internal/revert"
	"github.com/blockpool/poolmgr/internal/slots"
	"github.com/blockpool/poolmgr/internal/strategy"
)

// CreateMergerFSPool formats each data device at its own branch, then
// unions them via mergerfs at the pool root. Parity devices, if any, are
// optional SnapRAID branches.
func (m *Manager) CreateMergerFSPool(ctx context.Context, name string, devicePaths []string, parityPaths []string, opts CreateOptions) (Result, error) {
	pools, err := m.d.Manifest.Load()
	if err != nil {
		return Result{}, err
	}

	if err := validateName(pools, name); err != nil {
		return Result{}, err
	}

	cfg, err := poolcfg.DecodeMergerFS(opts.Config)
	if err != nil {
		return Result{}, err
	}

	r := revert.New()
	defer r.Fail()

	m.cleanupExistingMappersBestEffort(ctx, name)

	dataInputs, err := m.prepareInputsFromPaths(ctx, devicePaths, opts.Format)
	if err != nil {
		return Result{}, err
	}

	strat := m.resolveStrategy(name, cfg.Encrypted)

	dataPrepOpts := strategy.PrepareOptions{
		Role:          crypto.RoleData,
		Passphrase:    opts.Passphrase,
		CreateKeyfile: cfg.CreateKeyfile,
		KeyfilePath:   m.KeyfilePath(name),
	}

	dataDCs, err := strat.PrepareDevices(ctx, name, dataInputs, dataPrepOpts)
	withCleanupOnFailure(ctx, strat, name, dataDCs, crypto.RoleData, r)

	if err != nil {
		return Result{}, joinErr("strategy prepare (data)", err)
	}

	if opts.Format {
		if err := m.formatBranches(ctx, dataDCs, "xfs"); err != nil {
			return Result{}, joinErr("format", err)
		}
	}

	dataRefs := make([]manifest.DeviceRef, len(dataDCs))
	branchPaths := make([]string, len(dataDCs))

	for i, dc := range dataDCs {
		uuid, err := strat.UUID(ctx, dc)
		if err != nil {
			return Result{}, joinErr("uuid lookup", err)
		}

		dataRefs[i] = manifest.DeviceRef{Slot: dc.Slot, ID: uuid, Filesystem: "xfs"}
		branchPaths[i] = m.BranchMountPoint(name, dc.Slot)

		mountOpts := fsmount.MountOptions{Filesystem: "xfs", OwnerUID: m.d.Config.OwnerUID, OwnerGID: m.d.Config.OwnerGID}
		if err := m.d.FS.MountDevice(ctx, dc.OperationalPath, uuid, branchPaths[i], mountOpts); err != nil {
			return Result{}, joinErr("mount branch", err)
		}
	}

	var parityRefs []manifest.DeviceRef

	if len(parityPaths) > 0 {
		parityRefs, err = m.createMergerFSParity(ctx, name, parityPaths, dataDCs, opts, cfg, r)
		if err != nil {
			return Result{}, err
		}
	}

	if err := m.mountMergerFSUnion(ctx, name, branchPaths, cfg); err != nil {
		return Result{}, joinErr("mergerfs", err)
	}

	if len(parityRefs) > 0 {
		if err := m.writeSnapRAIDConfig(name, branchPaths, parityRefs); err != nil {
			return Result{}, joinErr("snapraid config", err)
		}
	}

	pool := manifest.Pool{
		ID:            nextID(time.Now()),
		Name:          name,
		Index:         len(pools),
		Comment:       opts.Comment,
		Automount:     opts.Automount,
		Type:          "mergerfs",
		DataDevices:   dataRefs,
		ParityDevices: parityRefs,
		Config:        opts.Config,
	}

	if cfg.Encrypted {
		pool.Devices = assembleEncryptedDevicesField(dataDCs)
	}

	pools = append(pools, pool)

	if err := m.d.Manifest.Save(pools); err != nil {
		return Result{}, joinErr("manifest", err)
	}

	r.Success()

	return Result{Success: true, Message: fmt.Sprintf("mergerfs pool %s created", name), Pool: pool}, nil
}

func (m *Manager) createMergerFSParity(ctx context.Context, name string, parityPaths []string, dataDCs []strategy.DeviceContext, opts CreateOptions, cfg poolcfg.MergerFS, r *revert.Reverter) ([]manifest.DeviceRef, error) {
	largestData, err := m.largestDeviceSize(ctx, dataDCs)
	if err != nil {
		return nil, err
	}

	parityInputs, err := m.prepareInputsFromPaths(ctx, parityPaths, opts.Format)
	if err != nil {
		return nil, err
	}

	strat := m.resolveStrategy(name, cfg.Encrypted)

	parityPrepOpts := strategy.PrepareOptions{
		Role:          crypto.RoleParity,
		Passphrase:    opts.Passphrase,
		CreateKeyfile: cfg.CreateKeyfile,
		KeyfilePath:   m.KeyfilePath(name),
	}

	parityDCs, err := strat.PrepareDevices(ctx, name, parityInputs, parityPrepOpts)
	withCleanupOnFailure(ctx, strat, name, parityDCs, crypto.RoleParity, r)

	if err != nil {
		return nil, joinErr("strategy prepare (parity)", err)
	}

	const toleranceBytes = 100 * 1024 * 1024

	refs := make([]manifest.DeviceRef, len(parityDCs))

	for i, dc := range parityDCs {
		size, err := m.d.Primitives.GetDeviceSize(ctx, dc.PhysicalPath)
		if err != nil {
			return nil, err
		}

		if size+toleranceBytes < largestData {
			return nil, poolerr.Validation("parity device %s must be at least as large as the largest data device", dc.PhysicalPath)
		}

		if opts.Format {
			if _, err := m.d.FS.FormatDevice(ctx, dc.OperationalPath, "xfs"); err != nil {
				return nil, joinErr("format parity", err)
			}
		}

		uuid, err := strat.UUID(ctx, dc)
		if err != nil {
			return nil, joinErr("uuid lookup", err)
		}

		mountPoint := m.ParityMountPoint(name, dc.Slot)

		mountOpts := fsmount.MountOptions{Filesystem: "xfs", OwnerUID: m.d.Config.OwnerUID, OwnerGID: m.d.Config.OwnerGID}
		if err := m.d.FS.MountDevice(ctx, dc.OperationalPath, uuid, mountPoint, mountOpts); err != nil {
			return nil, joinErr("mount parity", err)
		}

		refs[i] = manifest.DeviceRef{Slot: dc.Slot, ID: uuid, Filesystem: "xfs"}
	}

	return refs, nil
}

func (m *Manager) largestDeviceSize(ctx context.Context, dcs []strategy.DeviceContext) (int64, error) {
	var largest int64

	for _, dc := range dcs {
		size, err := m.d.Primitives.GetDeviceSize(ctx, dc.PhysicalPath)
		if err != nil {
			return 0, err
		}

		if size > largest {
			largest = size
		}
	}

	return largest, nil
}

func (m *Manager) mountMergerFSUnion(ctx context.Context, name string, branchPaths []string, cfg poolcfg.MergerFS) error {
	target := m.PoolMountPoint(name)

	if err := fsmount.EnsureDirectory(target, m.d.Config.OwnerUID, m.d.Config.OwnerGID); err != nil {
		return err
	}

	branches := strings.Join(branchPaths, ":")
	opts := mergerfsOptions(cfg)

	_, err := m.d.Run.Run(ctx, cmdutil.New("mergerfs", "-o", opts, branches, target).WithTimeout(30*time.Second))
	if err != nil {
		return poolerr.Subsystem("mergerfs", err)
	}

	return nil
}

// writeSnapRAIDConfig generates the pool's SnapRAID config file, adopting
// the uniform "parity"/"2-parity" naming the create path and the update
// path must share.
func (m *Manager) writeSnapRAIDConfig(name string, branchPaths []string, parityRefs []manifest.DeviceRef) error {
	var b strings.Builder

	for i, ref := range parityRefs {
		label := "parity"
		if i > 0 {
			label = fmt.Sprintf("%d-parity", i+1)
		}

		parityMount := m.ParityMountPoint(name, ref.Slot)
		fmt.Fprintf(&b, "%s   %s/.snapraid.%s\n", label, parityMount, label)
	}

	for _, branch := range branchPaths {
		fmt.Fprintf(&b, "content  %s/.snapraid\n", branch)
	}

	for i, ref := range parityRefs {
		parityMount := m.ParityMountPoint(name, ref.Slot)
		contentName := ".snapraid.content"
		if i > 0 {
			contentName = fmt.Sprintf(".snapraid.%d-content", i+1)
		}

		fmt.Fprintf(&b, "content  %s/%s\n", parityMount, contentName)
	}

	for i, branch := range branchPaths {
		fmt.Fprintf(&b, "data d%d  %s\n", i+1, branch)
	}

	b.WriteString("exclude *.unrecoverable\n")
	b.WriteString("exclude /tmp/\n")
	b.WriteString("exclude /lost+found/\n")
	b.WriteString("exclude *.!sync\n")

	path := m.SnapRAIDConfigPath(name)

	if err := os.MkdirAll(m.d.Config.SnapRAIDConfigDir, 0o755); err != nil {
		return poolerr.Subsystem("snapraid config dir", err)
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return poolerr.Subsystem("snapraid config write", err)
	}

	return nil
}

func (m *Manager) mountMergerFS(ctx context.Context, pool manifest.Pool, degraded bool) (Result, error) {
	cfg, err := poolcfg.DecodeMergerFS(pool.Config)
	if err != nil {
		return Result{}, err
	}

	branchPaths := make([]string, 0, len(pool.DataDevices))

	for i, ref := range pool.DataDevices {
		devicePath, uuid, err := m.resolveMountSource(ctx, pool, ref, cfg.Encrypted, crypto.RoleData, i)
		if err != nil {
			return Result{}, err
		}

		branchMount := m.BranchMountPoint(pool.Name, ref.Slot)
		mountOpts := fsmount.MountOptions{Filesystem: ref.Filesystem, OwnerUID: m.d.Config.OwnerUID, OwnerGID: m.d.Config.OwnerGID}

		if err := m.d.FS.MountDevice(ctx, devicePath, uuid, branchMount, mountOpts); err != nil {
			return Result{}, joinErr("mount branch", err)
		}

		branchPaths = append(branchPaths, branchMount)
	}

	if err := m.mountMergerFSUnion(ctx, pool.Name, branchPaths, cfg); err != nil {
		return Result{}, joinErr("mergerfs", err)
	}

	return Result{Success: true, Message: fmt.Sprintf("pool %s mounted", pool.Name), Pool: pool}, nil
}

func (m *Manager) unmountMergerFS(ctx context.Context, pool manifest.Pool, force bool) (Result, error) {
	cfg, err := poolcfg.DecodeMergerFS(pool.Config)
	if err != nil {
		return Result{}, err
	}

	if err := m.d.FS.UnmountDevice(ctx, m.PoolMountPoint(pool.Name), fsmount.UnmountOptions{Force: force}); err != nil {
		return Result{}, joinErr("unmount union", err)
	}

	for _, ref := range pool.DataDevices {
		branchMount := m.BranchMountPoint(pool.Name, ref.Slot)
		if err := m.d.FS.UnmountDevice(ctx, branchMount, fsmount.UnmountOptions{Force: force, RemoveDirectory: true}); err != nil {
			return Result{}, joinErr("unmount branch", err)
		}
	}

	for _, ref := range pool.ParityDevices {
		parityMount := m.ParityMountPoint(pool.Name, ref.Slot)
		if err := m.d.FS.UnmountDevice(ctx, parityMount, fsmount.UnmountOptions{Force: force, RemoveDirectory: true}); err != nil {
			return Result{}, joinErr("unmount parity", err)
		}
	}

	if cfg.Encrypted {
		if warnings := m.d.Crypto.CloseWithSlots(ctx, pool.Name, usedSlots(pool.DataDevices), crypto.RoleData); len(warnings) > 0 {
			for _, w := range warnings {
				m.d.Log.WithError(w).Warn("luks close warning")
			}
		}

		if len(pool.ParityDevices) > 0 {
			if warnings := m.d.Crypto.CloseWithSlots(ctx, pool.Name, usedSlots(pool.ParityDevices), crypto.RoleParity); len(warnings) > 0 {
				for _, w := range warnings {
					m.d.Log.WithError(w).Warn("luks close warning")
				}
			}
		}
	}

	return Result{Success: true, Message: fmt.Sprintf("pool %s unmounted", pool.Name), Pool: pool}, nil
}

// AddParityDevicesToPool adds SnapRAID parity devices to an existing
// mergerfs pool, regenerating its config.
func (m *Manager) AddParityDevicesToPool(ctx context.Context, id string, parityPaths []string) (Result, error) {
	pools, err := m.d.Manifest.Load()
	if err != nil {
		return Result{}, err
	}

	pool, ok := manifest.FindByID(pools, id)
	if !ok {
		return Result{}, poolerr.Validation("no pool with id %s", id)
	}

	if pool.Type != "mergerfs" {
		return Result{}, poolerr.Validation("pool %s is not a mergerfs pool", pool.Name)
	}

	cfg, err := poolcfg.DecodeMergerFS(pool.Config)
	if err != nil {
		return Result{}, err
	}

	dataDCs := make([]strategy.DeviceContext, len(pool.DataDevices))
	for i, ref := range pool.DataDevices {
		dataDCs[i] = strategy.DeviceContext{Slot: ref.Slot, PhysicalPath: m.d.Primitives.GetRealDevicePathFromUUID(ref.ID)}
	}

	r := revert.New()
	defer r.Fail()

	newRefs, err := m.createMergerFSParity(ctx, pool.Name, parityPaths, dataDCs, CreateOptions{Format: true, Config: pool.Config}, cfg, r)
	if err != nil {
		return Result{}, err
	}

	branchPaths := make([]string, len(pool.DataDevices))
	for i, ref := range pool.DataDevices {
		branchPaths[i] = m.BranchMountPoint(pool.Name, ref.Slot)
	}

	pools, err = m.d.Manifest.Mutate(func(pools []manifest.Pool) ([]manifest.Pool, error) {
		for i := range pools {
			if pools[i].ID == id {
				pools[i].ParityDevices = append(pools[i].ParityDevices, newRefs...)
			}
		}

		return pools, nil
	})
	if err != nil {
		return Result{}, err
	}

	pool, _ = manifest.FindByID(pools, id)

	if err := m.writeSnapRAIDConfig(pool.Name, branchPaths, pool.ParityDevices); err != nil {
		return Result{}, err
	}

	r.Success()

	return Result{Success: true, Message: fmt.Sprintf("%d parity device(s) added to pool %s", len(newRefs), pool.Name), Pool: pool}, nil
}

// RemoveParityDevicesFromPool unmounts and drops the given parity slots,
// regenerating the SnapRAID config.
func (m *Manager) RemoveParityDevicesFromPool(ctx context.Context, id string, slotsToRemove []string) (Result, error) {
	pools, err := m.d.Manifest.Load()
	if err != nil {
		return Result{}, err
	}

	pool, ok := manifest.FindByID(pools, id)
	if !ok {
		return Result{}, poolerr.Validation("no pool with id %s", id)
	}

	if pool.Type != "mergerfs" {
		return Result{}, poolerr.Validation("pool %s is not a mergerfs pool", pool.Name)
	}

	cfg, err := poolcfg.DecodeMergerFS(pool.Config)
	if err != nil {
		return Result{}, err
	}

	for _, slot := range slotsToRemove {
		mountPoint := m.ParityMountPoint(pool.Name, slot)
		if err := m.d.FS.UnmountDevice(ctx, mountPoint, fsmount.UnmountOptions{RemoveDirectory: true}); err != nil {
			return Result{}, joinErr("unmount parity", err)
		}
	}

	if cfg.Encrypted {
		m.d.Crypto.CloseWithSlots(ctx, pool.Name, slotsToRemove, crypto.RoleParity)
	}

	pools, err = m.d.Manifest.Mutate(func(pools []manifest.Pool) ([]manifest.Pool, error) {
		for i := range pools {
			if pools[i].ID != id {
				continue
			}

			kept := make([]manifest.DeviceRef, 0, len(pools[i].ParityDevices))
			for _, r := range pools[i].ParityDevices {
				if !slots.Contains(slotsToRemove, r.Slot) {
					kept = append(kept, r)
				}
			}

			pools[i].ParityDevices = kept
		}

		return pools, nil
	})
	if err != nil {
		return Result{}, err
	}

	pool, _ = manifest.FindByID(pools, id)

	branchPaths := make([]string, len(pool.DataDevices))
	for i, ref := range pool.DataDevices {
		branchPaths[i] = m.BranchMountPoint(pool.Name, ref.Slot)
	}

	if len(pool.ParityDevices) > 0 {
		if err := m.writeSnapRAIDConfig(pool.Name, branchPaths, pool.ParityDevices); err != nil {
			return Result{}, err
		}
	} else {
		_ = os.Remove(m.SnapRAIDConfigPath(pool.Name))
	}

	return Result{Success: true, Message: fmt.Sprintf("%d parity device(s) removed from pool %s", len(slotsToRemove), pool.Name), Pool: pool}, nil
}

// ReplaceParityDeviceInPool replaces one parity device in place, keeping
// its slot.
func (m *Manager) ReplaceParityDeviceInPool(ctx context.Context, id, slot, newDevicePath string) (Result, error) {
	if _, err := m.RemoveParityDevicesFromPool(ctx, id, []string{slot}); err != nil {
		return Result{}, err
	}

	return m.AddParityDevicesToPool(ctx, id, []string{newDevicePath})
}

// ExecuteSnapRAIDOperation launches or queries a SnapRAID operation for a
// mergerfs pool.
func (m *Manager) ExecuteSnapRAIDOperation(ctx context.Context, id string, op parity.SnapRAIDOp, fixDisks []string) (Result, error) {
	pools, err := m.d.Manifest.Load()
	if err != nil {
		return Result{}, err
	}

	pool, ok := manifest.FindByID(pools, id)
	if !ok {
		return Result{}, poolerr.Validation("no pool with id %s", id)
	}

	if pool.Type != "mergerfs" {
		return Result{}, poolerr.Validation("pool %s is not a mergerfs pool", pool.Name)
	}

	if op == parity.OpForceStop {
		if err := m.d.SnapRAID.ForceStop(ctx, pool.Name); err != nil {
			return Result{}, err
		}

		return Result{Success: true, Message: fmt.Sprintf("snapraid force stop issued for pool %s", pool.Name), Pool: pool}, nil
	}

	if err := m.d.SnapRAID.Launch(ctx, pool.Name, op, fixDisks); err != nil {
		return Result{}, err
	}

	return Result{Success: true, Message: fmt.Sprintf("snapraid %s started for pool %s", op, pool.Name), Pool: pool}, nil
}

// addDevicesToMergerFSPool formats and mounts devicePaths as new branches at
// the lowest free slots, then unmounts and reassembles the union over the
// full branch list and regenerates the SnapRAID config if parity exists.
func (m *Manager) addDevicesToMergerFSPool(ctx context.Context, pool manifest.Pool, devicePaths []string) (Result, error) {
	cfg, err := poolcfg.DecodeMergerFS(pool.Config)
	if err != nil {
		return Result{}, err
	}

	inputs, err := m.prepareInputsFromPaths(ctx, devicePaths, true)
	if err != nil {
		return Result{}, err
	}

	strat := m.resolveStrategy(pool.Name, cfg.Encrypted)

	prepOpts := strategy.PrepareOptions{
		Role:          crypto.RoleData,
		CreateKeyfile: cfg.CreateKeyfile,
		KeyfilePath:   m.KeyfilePath(pool.Name),
	}

	r := revert.New()
	defer r.Fail()

	dcs, err := strat.PrepareDevices(ctx, pool.Name, inputs, prepOpts)
	withCleanupOnFailure(ctx, strat, pool.Name, dcs, crypto.RoleData, r)

	if err != nil {
		return Result{}, joinErr("strategy prepare", err)
	}

	if err := m.formatBranches(ctx, dcs, "xfs"); err != nil {
		return Result{}, joinErr("format", err)
	}

	used := usedSlots(pool.DataDevices)
	newRefs := make([]manifest.DeviceRef, len(dcs))

	for i, dc := range dcs {
		slot := slots.LowestFree(used, 1)
		used = append(used, slot)

		uuid, err := strat.UUID(ctx, dc)
		if err != nil {
			return Result{}, joinErr("uuid lookup", err)
		}

		branchMount := m.BranchMountPoint(pool.Name, slot)
		mountOpts := fsmount.MountOptions{Filesystem: "xfs", OwnerUID: m.d.Config.OwnerUID, OwnerGID: m.d.Config.OwnerGID}
		if err := m.d.FS.MountDevice(ctx, dc.OperationalPath, uuid, branchMount, mountOpts); err != nil {
			return Result{}, joinErr("mount branch", err)
		}

		newRefs[i] = manifest.DeviceRef{Slot: slot, ID: uuid, Filesystem: "xfs"}
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

	updated, _ := manifest.FindByID(pools, pool.ID)

	branchPaths := make([]string, len(updated.DataDevices))
	for i, ref := range updated.DataDevices {
		branchPaths[i] = m.BranchMountPoint(updated.Name, ref.Slot)
	}

	if err := m.d.FS.UnmountDevice(ctx, m.PoolMountPoint(updated.Name), fsmount.UnmountOptions{}); err != nil {
		return Result{}, joinErr("unmount union", err)
	}

	if err := m.mountMergerFSUnion(ctx, updated.Name, branchPaths, cfg); err != nil {
		return Result{}, joinErr("mergerfs", err)
	}

	if len(updated.ParityDevices) > 0 {
		if err := m.writeSnapRAIDConfig(updated.Name, branchPaths, updated.ParityDevices); err != nil {
			return Result{}, err
		}
	}

	r.Success()

	return Result{Success: true, Message: fmt.Sprintf("%d data device(s) added to pool %s", len(newRefs), updated.Name), Pool: updated}, nil
}

// removeDevicesFromMergerFSPool unmounts the union, drops the given branch
// slots, then reassembles the union over the remaining branches and
// regenerates the SnapRAID config if parity exists.
func (m *Manager) removeDevicesFromMergerFSPool(ctx context.Context, pool manifest.Pool, slotsToRemove []string) (Result, error) {
	cfg, err := poolcfg.DecodeMergerFS(pool.Config)
	if err != nil {
		return Result{}, err
	}

	used := usedSlots(pool.DataDevices)
	for _, slot := range slotsToRemove {
		if !slots.Contains(used, slot) {
			return Result{}, poolerr.Validation("pool %s has no device in slot %s", pool.Name, slot)
		}
	}

	if err := m.d.FS.UnmountDevice(ctx, m.PoolMountPoint(pool.Name), fsmount.UnmountOptions{}); err != nil {
		return Result{}, joinErr("unmount union", err)
	}

	for _, slot := range slotsToRemove {
		branchMount := m.BranchMountPoint(pool.Name, slot)
		if err := m.d.FS.UnmountDevice(ctx, branchMount, fsmount.UnmountOptions{RemoveDirectory: true}); err != nil {
			return Result{}, joinErr("unmount branch", err)
		}
	}

	if cfg.Encrypted {
		if warnings := m.d.Crypto.CloseWithSlots(ctx, pool.Name, slotsToRemove, crypto.RoleData); len(warnings) > 0 {
			for _, w := range warnings {
				m.d.Log.WithError(w).WithField("pool", pool.Name).Warn("luks close warning")
			}
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

	updated, _ := manifest.FindByID(pools, pool.ID)

	branchPaths := make([]string, len(updated.DataDevices))
	for i, ref := range updated.DataDevices {
		branchPaths[i] = m.BranchMountPoint(updated.Name, ref.Slot)
	}

	if err := m.mountMergerFSUnion(ctx, updated.Name, branchPaths, cfg); err != nil {
		return Result{}, joinErr("mergerfs", err)
	}

	if len(updated.ParityDevices) > 0 {
		if err := m.writeSnapRAIDConfig(updated.Name, branchPaths, updated.ParityDevices); err != nil {
			return Result{}, err
		}
	}

	return Result{Success: true, Message: fmt.Sprintf("%d device(s) removed from pool %s", len(slotsToRemove), updated.Name), Pool: updated}, nil
}

// replaceDeviceInMergerFSPool unmounts the union and the target branch,
// formats and mounts newDevicePath at the same slot, then reassembles the
// union and regenerates the SnapRAID config if parity exists.
func (m *Manager) replaceDeviceInMergerFSPool(ctx context.Context, pool manifest.Pool, slot, newDevicePath string) (Result, error) {
	cfg, err := poolcfg.DecodeMergerFS(pool.Config)
	if err != nil {
		return Result{}, err
	}

	if !slots.Contains(usedSlots(pool.DataDevices), slot) {
		return Result{}, poolerr.Validation("pool %s has no device in slot %s", pool.Name, slot)
	}

	if err := m.d.FS.UnmountDevice(ctx, m.PoolMountPoint(pool.Name), fsmount.UnmountOptions{}); err != nil {
		return Result{}, joinErr("unmount union", err)
	}

	branchMount := m.BranchMountPoint(pool.Name, slot)
	if err := m.d.FS.UnmountDevice(ctx, branchMount, fsmount.UnmountOptions{RemoveDirectory: true}); err != nil {
		return Result{}, joinErr("unmount branch", err)
	}

	if cfg.Encrypted {
		if warnings := m.d.Crypto.CloseWithSlots(ctx, pool.Name, []string{slot}, crypto.RoleData); len(warnings) > 0 {
			for _, w := range warnings {
				m.d.Log.WithError(w).WithField("pool", pool.Name).Warn("luks close warning")
			}
		}
	}

	strat := m.resolveStrategy(pool.Name, cfg.Encrypted)

	inputs := []strategy.PrepareInput{{Slot: slot, Path: newDevicePath}}
	prepOpts := strategy.PrepareOptions{
		Role:          crypto.RoleData,
		CreateKeyfile: cfg.CreateKeyfile,
		KeyfilePath:   m.KeyfilePath(pool.Name),
	}

	r := revert.New()
	defer r.Fail()

	dcs, err := strat.PrepareDevices(ctx, pool.Name, inputs, prepOpts)
	withCleanupOnFailure(ctx, strat, pool.Name, dcs, crypto.RoleData, r)

	if err != nil {
		return Result{}, joinErr("strategy prepare", err)
	}

	if err := m.formatBranches(ctx, dcs, "xfs"); err != nil {
		return Result{}, joinErr("format", err)
	}

	uuid, err := strat.UUID(ctx, dcs[0])
	if err != nil {
		return Result{}, joinErr("uuid lookup", err)
	}

	mountOpts := fsmount.MountOptions{Filesystem: "xfs", OwnerUID: m.d.Config.OwnerUID, OwnerGID: m.d.Config.OwnerGID}
	if err := m.d.FS.MountDevice(ctx, dcs[0].OperationalPath, uuid, branchMount, mountOpts); err != nil {
		return Result{}, joinErr("mount branch", err)
	}

	pools, err := m.d.Manifest.Mutate(func(pools []manifest.Pool) ([]manifest.Pool, error) {
		for i := range pools {
			if pools[i].ID != pool.ID {
				continue
			}

			for j := range pools[i].DataDevices {
				if pools[i].DataDevices[j].Slot == slot {
					pools[i].DataDevices[j].ID = uuid
				}
			}
		}

		return pools, nil
	})
	if err != nil {
		return Result{}, err
	}

	updated, _ := manifest.FindByID(pools, pool.ID)

	branchPaths := make([]string, len(updated.DataDevices))
	for i, ref := range updated.DataDevices {
		branchPaths[i] = m.BranchMountPoint(updated.Name, ref.Slot)
	}

	if err := m.mountMergerFSUnion(ctx, updated.Name, branchPaths, cfg); err != nil {
		return Result{}, joinErr("mergerfs", err)
	}

	if len(updated.ParityDevices) > 0 {
		if err := m.writeSnapRAIDConfig(updated.Name, branchPaths, updated.ParityDevices); err != nil {
			return Result{}, err
		}
	}

	r.Success()

	return Result{Success: true, Message: fmt.Sprintf("device in slot %s replaced", slot), Pool: updated}, nil
}
