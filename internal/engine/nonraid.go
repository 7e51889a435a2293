package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
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

const (
	nonRaidMinDataSlot = 1
	nonRaidMaxDataSlot = 28
	nonRaidParityArraySlot1 = 0
	nonRaidParityArraySlot2 = 29
)

// nmdDevicePath returns the kernel device node for array slot n.
func nmdDevicePath(arraySlot int) string {
	return fmt.Sprintf("/dev/nmd%dp1", arraySlot)
}

// hasNonRaidPool reports whether pools already contains a nonraid pool: at
// most one is permitted per host.
func hasNonRaidPool(pools []manifest.Pool) bool {
	for _, p := range pools {
		if p.Type == "nonraid" {
			return true
		}
	}

	return false
}

// CreateNonRaidPool runs the array creation sequence: probe, format,
// import every device, start, wait for the array to come up.
func (m *Manager) CreateNonRaidPool(ctx context.Context, name string, dataPaths []string, parityPaths []string, opts CreateOptions) (Result, error) {
	pools, err := m.d.Manifest.Load()
	if err != nil {
		return Result{}, err
	}

	if err := validateName(pools, name); err != nil {
		return Result{}, err
	}

	if hasNonRaidPool(pools) {
		return Result{}, poolerr.Validation("only one nonraid pool is permitted per host")
	}

	if len(dataPaths) > nonRaidMaxDataSlot {
		return Result{}, poolerr.Validation("nonraid supports at most %d data devices", nonRaidMaxDataSlot)
	}

	if len(parityPaths) > 2 {
		return Result{}, poolerr.Validation("nonraid supports at most 2 parity devices")
	}

	cfg, err := poolcfg.DecodeNonRaid(opts.Config)
	if err != nil {
		return Result{}, err
	}

	r := revert.New()
	defer r.Fail()

	// Delete any stale superblock before this fresh create.
	_ = os.Remove(m.d.Config.NonRaidSuperblock)

	if _, err := m.d.Run.Run(ctx, cmdutil.New("modprobe", "md-nonraid", "super="+m.d.Config.NonRaidSuperblock).WithTimeout(15*time.Second)); err != nil {
		return Result{}, poolerr.Subsystem("modprobe md-nonraid", err)
	}

	r.Add(func() {
		_, _ = m.d.Run.Run(ctx, cmdutil.New("modprobe", "-r", "md-nonraid").WithTimeout(15*time.Second))
	})

	m.cleanupExistingMappersBestEffort(ctx, name)

	dataInputs, err := m.prepareInputsFromPaths(ctx, dataPaths, opts.Format)
	if err != nil {
		return Result{}, err
	}

	strat := m.resolveStrategy(name, cfg.Encrypted)

	dataDCs, err := strat.PrepareDevices(ctx, name, dataInputs, strategy.PrepareOptions{
		Role: crypto.RoleData, Passphrase: opts.Passphrase, CreateKeyfile: cfg.CreateKeyfile, KeyfilePath: m.KeyfilePath(name),
	})
	withCleanupOnFailure(ctx, strat, name, dataDCs, crypto.RoleData, r)

	if err != nil {
		return Result{}, joinErr("strategy prepare (data)", err)
	}

	if opts.Format {
		if err := m.formatBranches(ctx, dataDCs, "xfs"); err != nil {
			return Result{}, joinErr("format", err)
		}
	}

	var parityDCs []strategy.DeviceContext
	if len(parityPaths) > 0 {
		parityInputs, err := m.prepareInputsFromPaths(ctx, parityPaths, opts.Format)
		if err != nil {
			return Result{}, err
		}

		parityDCs, err = strat.PrepareDevices(ctx, name, parityInputs, strategy.PrepareOptions{
			Role: crypto.RoleParity, Passphrase: opts.Passphrase, CreateKeyfile: cfg.CreateKeyfile, KeyfilePath: m.KeyfilePath(name),
		})
		withCleanupOnFailure(ctx, strat, name, parityDCs, crypto.RoleParity, r)

		if err != nil {
			return Result{}, joinErr("strategy prepare (parity)", err)
		}
	}

	dataRefs := make([]manifest.DeviceRef, len(dataDCs))

	for i, dc := range dataDCs {
		arraySlot, _ := strconv.Atoi(dc.Slot)

		sizeKB, err := m.d.Primitives.GetDeviceSizeInKB(ctx, dc.PhysicalPath)
		if err != nil {
			return Result{}, err
		}

		byID, err := m.d.Primitives.GetDeviceByIDPath(ctx, dc.PhysicalPath)
		if err != nil {
			return Result{}, err
		}

		if err := m.d.NonRaid.Import(arraySlot, filepath.Base(dc.PhysicalPath), sizeKB, byID); err != nil {
			return Result{}, joinErr("nonraid import", err)
		}

		dataRefs[i] = manifest.DeviceRef{Slot: dc.Slot, ID: byID, Filesystem: "xfs"}
	}

	parityRefs := make([]manifest.DeviceRef, len(parityDCs))
	parityValid := opts.Config["parity_valid"] == true

	for i, dc := range parityDCs {
		arraySlot := nonRaidParityArraySlot1
		if i == 1 {
			arraySlot = nonRaidParityArraySlot2
		}

		sizeKB, err := m.d.Primitives.GetDeviceSizeInKB(ctx, dc.PhysicalPath)
		if err != nil {
			return Result{}, err
		}

		byID, err := m.d.Primitives.GetDeviceByIDPath(ctx, dc.PhysicalPath)
		if err != nil {
			return Result{}, err
		}

		if err := m.d.NonRaid.Import(arraySlot, filepath.Base(dc.PhysicalPath), sizeKB, byID); err != nil {
			return Result{}, joinErr("nonraid import", err)
		}

		parityRefs[i] = manifest.DeviceRef{Slot: strconv.Itoa(i + 1), ID: byID}
	}

	if parityValid {
		if err := m.d.NonRaid.WriteCmd("set invalidslot 99 99"); err != nil {
			return Result{}, joinErr("nonraid invalidslot", err)
		}
	}

	if err := m.d.NonRaid.WriteCmd("start NEW_ARRAY"); err != nil {
		return Result{}, joinErr("nonraid start", err)
	}

	turbo := cfg.MDWriteMode == "turbo"
	if err := m.d.NonRaid.RetryWriteMode(ctx, turbo); err != nil {
		return Result{}, joinErr("nonraid write mode", err)
	}

	if len(parityRefs) > 0 && !parityValid {
		if err := m.d.NonRaid.RetryStartCheck(ctx); err != nil {
			return Result{}, joinErr("nonraid start check", err)
		}
	}

	branchPaths := make([]string, len(dataRefs))

	for i, ref := range dataRefs {
		arraySlot, _ := strconv.Atoi(ref.Slot)
		branchMount := m.BranchMountPoint(name, ref.Slot)

		mountOpts := fsmount.MountOptions{Filesystem: "xfs", OwnerUID: m.d.Config.OwnerUID, OwnerGID: m.d.Config.OwnerGID}
		if err := m.d.FS.MountDevice(ctx, nmdDevicePath(arraySlot), "", branchMount, mountOpts); err != nil {
			return Result{}, joinErr("mount branch", err)
		}

		branchPaths[i] = branchMount
	}

	if err := m.mountMergerFSUnion(ctx, name, branchPaths, poolcfg.MergerFS{}); err != nil {
		return Result{}, joinErr("mergerfs", err)
	}

	pool := manifest.Pool{
		ID:            nextID(time.Now()),
		Name:          name,
		Index:         len(pools),
		Comment:       opts.Comment,
		Automount:     opts.Automount,
		Type:          "nonraid",
		DataDevices:   dataRefs,
		ParityDevices: parityRefs,
		Config:        opts.Config,
	}

	if cfg.Encrypted {
		pool.Devices = assembleEncryptedDevicesField(append(append([]strategy.DeviceContext{}, dataDCs...), parityDCs...))
	}

	pools = append(pools, pool)

	if err := m.d.Manifest.Save(pools); err != nil {
		return Result{}, joinErr("manifest", err)
	}

	r.Success()

	return Result{Success: true, Message: fmt.Sprintf("nonraid pool %s created", name), Pool: pool}, nil
}

// mountNonRaid mounts an existing array. Degraded mounts (missing data
// devices) are allowed only when the pool config's mount_missing flag opts
// in, and only up to the number of parity devices available.
func (m *Manager) mountNonRaid(ctx context.Context, pool manifest.Pool, mountMissing bool) (Result, error) {
	cfg, err := poolcfg.DecodeNonRaid(pool.Config)
	if err != nil {
		return Result{}, err
	}

	if !m.d.NonRaid.ModuleLoaded() {
		if _, err := m.d.Run.Run(ctx, cmdutil.New("modprobe", "md-nonraid", "super="+m.d.Config.NonRaidSuperblock).WithTimeout(15*time.Second)); err != nil {
			return Result{}, poolerr.Subsystem("modprobe md-nonraid", err)
		}
	}

	var missingData int
	branchPaths := make([]string, 0, len(pool.DataDevices))

	for i, ref := range pool.DataDevices {
		arraySlot, _ := strconv.Atoi(ref.Slot)

		devicePath, _, err := m.resolveMountSource(ctx, pool, ref, cfg.Encrypted, crypto.RoleData, i)
		if err != nil {
			if !poolerr.IsPrecondition(err) {
				return Result{}, err
			}

			missingData++

			if err := m.d.NonRaid.Import(arraySlot, "", 0, ""); err != nil {
				return Result{}, joinErr("nonraid import (missing)", err)
			}

			continue
		}

		sizeKB, err := m.d.Primitives.GetDeviceSizeInKB(ctx, devicePath)
		if err != nil {
			return Result{}, err
		}

		if err := m.d.NonRaid.Import(arraySlot, filepath.Base(devicePath), sizeKB, ref.ID); err != nil {
			return Result{}, joinErr("nonraid import", err)
		}

		branchMount := m.BranchMountPoint(pool.Name, ref.Slot)
		mountOpts := fsmount.MountOptions{Filesystem: ref.Filesystem, OwnerUID: m.d.Config.OwnerUID, OwnerGID: m.d.Config.OwnerGID}

		if err := m.d.FS.MountDevice(ctx, nmdDevicePath(arraySlot), "", branchMount, mountOpts); err != nil {
			return Result{}, joinErr("mount branch", err)
		}

		branchPaths = append(branchPaths, branchMount)
	}

	if missingData > 0 {
		if !mountMissing {
			return Result{}, poolerr.Precondition("%d data device(s) missing; retry with mount_missing to proceed", missingData)
		}

		if missingData > len(pool.ParityDevices) {
			return Result{}, poolerr.Precondition("missing data devices (%d) exceed available parity (%d)", missingData, len(pool.ParityDevices))
		}
	}

	for i, ref := range pool.ParityDevices {
		arraySlot := nonRaidParityArraySlot1
		if i == 1 {
			arraySlot = nonRaidParityArraySlot2
		}

		byID := ref.ID
		devicePath := m.d.Primitives.GetRealDevicePathFromID(byID)

		var sizeKB int64
		if devicePath != "" {
			sizeKB, _ = m.d.Primitives.GetDeviceSizeInKB(ctx, devicePath)
		}

		name := ""
		if devicePath != "" {
			name = filepath.Base(devicePath)
		}

		if err := m.d.NonRaid.Import(arraySlot, name, sizeKB, byID); err != nil {
			return Result{}, joinErr("nonraid import parity", err)
		}
	}

	if err := m.d.NonRaid.WriteCmd("start"); err != nil {
		return Result{}, joinErr("nonraid start", err)
	}

	if err := m.mountMergerFSUnion(ctx, pool.Name, branchPaths, poolcfg.MergerFS{}); err != nil {
		return Result{}, joinErr("mergerfs", err)
	}

	msg := fmt.Sprintf("pool %s mounted", pool.Name)
	if missingData > 0 {
		msg = fmt.Sprintf("pool %s mounted in degraded mode (%d missing)", pool.Name, missingData)
	}

	return Result{Success: true, Message: msg, Pool: pool}, nil
}

// unmountNonRaid tears the array down in the order the kernel module
// requires: union first, then branches, then the array itself.
func (m *Manager) unmountNonRaid(ctx context.Context, pool manifest.Pool, force bool) (Result, error) {
	cfg, err := poolcfg.DecodeNonRaid(pool.Config)
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

	status, err := m.d.NonRaid.ReadStatus()
	if err == nil && status.IsRunning() {
		_ = m.d.NonRaid.WriteCmd("check CANCEL")
	}

	stopErr := m.d.NonRaid.WriteCmd("stop")

	if cfg.Encrypted {
		if warnings := m.d.Crypto.CloseWithSlots(ctx, pool.Name, usedSlots(pool.DataDevices), crypto.RoleData); len(warnings) > 0 {
			for _, w := range warnings {
				m.d.Log.WithError(w).Warn("luks close warning")
			}
		}

		if len(pool.ParityDevices) > 0 {
			m.d.Crypto.CloseWithSlots(ctx, pool.Name, usedSlots(pool.ParityDevices), crypto.RoleParity)
		}
	}

	if stopErr == nil {
		if _, err := m.d.Run.Run(ctx, cmdutil.New("modprobe", "-r", "md-nonraid").WithTimeout(15*time.Second)); err != nil {
			m.d.Log.WithError(err).Warn("modprobe -r md-nonraid failed after stop")
		}
	}

	return Result{Success: true, Message: fmt.Sprintf("pool %s unmounted", pool.Name), Pool: pool}, nil
}

// removeNonRaidResidue removes the LUKS keyfile for a removed nonraid pool.
func (m *Manager) removeNonRaidResidue(pool manifest.Pool) {
	if err := os.Remove(m.KeyfilePath(pool.Name)); err != nil && !os.IsNotExist(err) {
		m.d.Log.WithError(err).WithField("pool", pool.Name).Warn("keyfile removal failed")
	}

	_ = os.Remove(m.d.Config.NonRaidSuperblock)
}

// AddDataDeviceToNonRaidPool adds one data device to a running array via
// `start STARTED`, followed by a parity check if parity exists and isn't
// yet valid.
func (m *Manager) AddDataDeviceToNonRaidPool(ctx context.Context, id, devicePath string) (Result, error) {
	pools, err := m.d.Manifest.Load()
	if err != nil {
		return Result{}, err
	}

	pool, ok := manifest.FindByID(pools, id)
	if !ok {
		return Result{}, poolerr.Validation("no pool with id %s", id)
	}

	if pool.Type != "nonraid" {
		return Result{}, poolerr.Validation("pool %s is not a nonraid pool", pool.Name)
	}

	if len(pool.DataDevices) >= nonRaidMaxDataSlot {
		return Result{}, poolerr.Validation("nonraid array is full (%d data slots)", nonRaidMaxDataSlot)
	}

	partPath, err := m.d.Primitives.EnsurePartition(ctx, devicePath)
	if err != nil {
		return Result{}, err
	}

	used := usedSlots(pool.DataDevices)
	slot := slots.LowestFree(used, nonRaidMinDataSlot)
	arraySlot, _ := strconv.Atoi(slot)

	if _, err := m.d.FS.FormatDevice(ctx, partPath, "xfs"); err != nil {
		return Result{}, err
	}

	sizeKB, err := m.d.Primitives.GetDeviceSizeInKB(ctx, partPath)
	if err != nil {
		return Result{}, err
	}

	byID, err := m.d.Primitives.GetDeviceByIDPath(ctx, partPath)
	if err != nil {
		return Result{}, err
	}

	if err := m.d.NonRaid.Import(arraySlot, filepath.Base(partPath), sizeKB, byID); err != nil {
		return Result{}, err
	}

	if err := m.d.NonRaid.WriteCmd("start STARTED"); err != nil {
		return Result{}, err
	}

	status, _ := m.d.NonRaid.ReadStatus()

	if len(pool.ParityDevices) > 0 && !status.ParityValid() {
		if err := m.d.NonRaid.RetryStartCheck(ctx); err != nil {
			return Result{}, err
		}
	}

	pools, err = m.d.Manifest.Mutate(func(pools []manifest.Pool) ([]manifest.Pool, error) {
		for i := range pools {
			if pools[i].ID == id {
				pools[i].DataDevices = append(pools[i].DataDevices, manifest.DeviceRef{Slot: slot, ID: byID, Filesystem: "xfs"})
			}
		}

		return pools, nil
	})
	if err != nil {
		return Result{}, err
	}

	pool, _ = manifest.FindByID(pools, id)

	return Result{Success: true, Message: fmt.Sprintf("data device added to pool %s in slot %s", pool.Name, slot), Pool: pool}, nil
}

// AddParityDeviceToNonRaidPool adds a parity device, always followed by a
// check.
func (m *Manager) AddParityDeviceToNonRaidPool(ctx context.Context, id, devicePath string) (Result, error) {
	pools, err := m.d.Manifest.Load()
	if err != nil {
		return Result{}, err
	}

	pool, ok := manifest.FindByID(pools, id)
	if !ok {
		return Result{}, poolerr.Validation("no pool with id %s", id)
	}

	if pool.Type != "nonraid" {
		return Result{}, poolerr.Validation("pool %s is not a nonraid pool", pool.Name)
	}

	if len(pool.ParityDevices) >= 2 {
		return Result{}, poolerr.Validation("nonraid supports at most 2 parity devices")
	}

	partPath, err := m.d.Primitives.EnsurePartition(ctx, devicePath)
	if err != nil {
		return Result{}, err
	}

	arraySlot := nonRaidParityArraySlot1
	jsonSlot := "1"
	if len(pool.ParityDevices) == 1 {
		arraySlot = nonRaidParityArraySlot2
		jsonSlot = "2"
	}

	sizeKB, err := m.d.Primitives.GetDeviceSizeInKB(ctx, partPath)
	if err != nil {
		return Result{}, err
	}

	byID, err := m.d.Primitives.GetDeviceByIDPath(ctx, partPath)
	if err != nil {
		return Result{}, err
	}

	if err := m.d.NonRaid.Import(arraySlot, filepath.Base(partPath), sizeKB, byID); err != nil {
		return Result{}, err
	}

	if err := m.d.NonRaid.RetryStartCheck(ctx); err != nil {
		return Result{}, err
	}

	pools, err = m.d.Manifest.Mutate(func(pools []manifest.Pool) ([]manifest.Pool, error) {
		for i := range pools {
			if pools[i].ID == id {
				pools[i].ParityDevices = append(pools[i].ParityDevices, manifest.DeviceRef{Slot: jsonSlot, ID: byID})
			}
		}

		return pools, nil
	})
	if err != nil {
		return Result{}, err
	}

	pool, _ = manifest.FindByID(pools, id)

	return Result{Success: true, Message: fmt.Sprintf("parity device added to pool %s", pool.Name), Pool: pool}, nil
}

// ReplaceDevicesInNonRaidPool requires the pool unmounted, partitions and
// formats each new device as xfs, imports everything, and starts with
// RECON_DISK. It does not compare the new devices' capacity with the data
// or parity devices, and it updates only data_devices entries in the
// manifest.
func (m *Manager) ReplaceDevicesInNonRaidPool(ctx context.Context, id string, slotToPath map[string]string) (Result, error) {
	pools, err := m.d.Manifest.Load()
	if err != nil {
		return Result{}, err
	}

	pool, ok := manifest.FindByID(pools, id)
	if !ok {
		return Result{}, poolerr.Validation("no pool with id %s", id)
	}

	if pool.Type != "nonraid" {
		return Result{}, poolerr.Validation("pool %s is not a nonraid pool", pool.Name)
	}

	if fsmount.IsMountPoint(m.PoolMountPoint(pool.Name)) {
		return Result{}, poolerr.Precondition("pool %s must be unmounted before replacing devices", pool.Name)
	}

	updated := pool.Clone()

	for slot, path := range slotToPath {
		partPath, err := m.d.Primitives.EnsurePartition(ctx, path)
		if err != nil {
			return Result{}, err
		}

		if _, err := m.d.FS.FormatDevice(ctx, partPath, "xfs"); err != nil {
			return Result{}, err
		}

		sizeKB, err := m.d.Primitives.GetDeviceSizeInKB(ctx, partPath)
		if err != nil {
			return Result{}, err
		}

		byID, err := m.d.Primitives.GetDeviceByIDPath(ctx, partPath)
		if err != nil {
			return Result{}, err
		}

		arraySlot, _ := strconv.Atoi(slot)
		if err := m.d.NonRaid.Import(arraySlot, filepath.Base(partPath), sizeKB, byID); err != nil {
			return Result{}, err
		}

		for i := range updated.DataDevices {
			if updated.DataDevices[i].Slot == slot {
				updated.DataDevices[i].ID = byID
			}
		}
	}

	// Re-import the unreplaced devices so the array sees a consistent slot
	// map before RECON_DISK.
	for _, ref := range updated.DataDevices {
		if _, replaced := slotToPath[ref.Slot]; replaced {
			continue
		}

		devicePath := m.d.Primitives.GetRealDevicePathFromID(ref.ID)
		if devicePath == "" {
			continue
		}

		sizeKB, _ := m.d.Primitives.GetDeviceSizeInKB(ctx, devicePath)
		arraySlot, _ := strconv.Atoi(ref.Slot)
		_ = m.d.NonRaid.Import(arraySlot, filepath.Base(devicePath), sizeKB, ref.ID)
	}

	if err := m.d.NonRaid.WriteCmd("start RECON_DISK"); err != nil {
		return Result{}, err
	}

	pools, err = m.d.Manifest.Mutate(func(pools []manifest.Pool) ([]manifest.Pool, error) {
		for i := range pools {
			if pools[i].ID == id {
				pools[i] = updated
			}
		}

		return pools, nil
	})
	if err != nil {
		return Result{}, err
	}

	pool, _ = manifest.FindByID(pools, id)

	return Result{Success: true, Message: fmt.Sprintf("%d device(s) replaced in pool %s, reconstruction started", len(slotToPath), pool.Name), Pool: pool}, nil
}

// ExecuteNonRaidParityOperation issues a parity-check control operation
// against the nonraid array.
func (m *Manager) ExecuteNonRaidParityOperation(ctx context.Context, id string, op parity.NonRaidOp) (Result, error) {
	pools, err := m.d.Manifest.Load()
	if err != nil {
		return Result{}, err
	}

	pool, ok := manifest.FindByID(pools, id)
	if !ok {
		return Result{}, poolerr.Validation("no pool with id %s", id)
	}

	if pool.Type != "nonraid" {
		return Result{}, poolerr.Validation("pool %s is not a nonraid pool", pool.Name)
	}

	if !m.d.NonRaid.ModuleLoaded() {
		return Result{}, poolerr.Precondition("md-nonraid is not loaded")
	}

	if op == parity.NonRaidAuto {
		if err := m.d.NonRaid.Auto(ctx); err != nil {
			return Result{}, err
		}
	} else if err := m.d.NonRaid.WriteCmd(string(op)); err != nil {
		return Result{}, err
	}

	return Result{Success: true, Message: fmt.Sprintf("nonraid %s issued for pool %s", op, pool.Name), Pool: pool}, nil
}
