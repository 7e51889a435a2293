package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/blockpool/poolmgr/internal/crypto"
	"github.com/blockpool/poolmgr/internal/fsmount"
	"github.com/blockpool/poolmgr/internal/manifest"
	"github.com/blockpool/poolmgr/internal/poolcfg"
	"github.com/blockpool/poolmgr/internal/revert"
	"github.com/blockpool/poolmgr/internal/strategy"
)

// CreateSingleDevicePool formats or imports one data device; `type` is
// the final filesystem (ext4, xfs, or a single-device btrfs).
func (m *Manager) CreateSingleDevicePool(ctx context.Context, name, devicePath, fsType string, opts CreateOptions) (Result, error) {
	pools, err := m.d.Manifest.Load()
	if err != nil {
		return Result{}, err
	}

	if err := validateName(pools, name); err != nil {
		return Result{}, err
	}

	common, err := poolcfg.DecodeCommon(opts.Config)
	if err != nil {
		return Result{}, err
	}

	r := revert.New()
	defer r.Fail()

	m.cleanupExistingMappersBestEffort(ctx, name)

	inputs, err := m.prepareInputsFromPaths(ctx, []string{devicePath}, opts.Format)
	if err != nil {
		return Result{}, err
	}

	strat := m.resolveStrategy(name, common.Encrypted)

	prepOpts := strategy.PrepareOptions{
		Role:          crypto.RoleData,
		Passphrase:    opts.Passphrase,
		CreateKeyfile: common.CreateKeyfile,
		KeyfilePath:   m.KeyfilePath(name),
	}

	dcs, err := strat.PrepareDevices(ctx, name, inputs, prepOpts)
	withCleanupOnFailure(ctx, strat, name, dcs, crypto.RoleData, r)

	if err != nil {
		return Result{}, joinErr("strategy prepare", err)
	}

	dc := dcs[0]

	if opts.Format {
		formatted, err := m.d.FS.FormatDevice(ctx, dc.OperationalPath, fsType)
		if err != nil {
			return Result{}, joinErr("format", err)
		}

		dc.OperationalPath = formatted
	}

	uuid, err := strat.UUID(ctx, dc)
	if err != nil {
		return Result{}, joinErr("uuid lookup", err)
	}

	mountPoint := m.PoolMountPoint(name)

	if opts.Automount {
		mountOpts := fsmount.MountOptions{Filesystem: fsType, OwnerUID: m.d.Config.OwnerUID, OwnerGID: m.d.Config.OwnerGID}
		if err := m.d.FS.MountDevice(ctx, dc.OperationalPath, uuid, mountPoint, mountOpts); err != nil {
			return Result{}, joinErr("mount", err)
		}
	}

	pool := manifest.Pool{
		ID:          nextID(time.Now()),
		Name:        name,
		Index:       len(pools),
		Comment:     opts.Comment,
		Automount:   opts.Automount,
		Type:        fsType,
		DataDevices: []manifest.DeviceRef{{Slot: dc.Slot, ID: uuid, Filesystem: fsType}},
		Config:      opts.Config,
	}

	if common.Encrypted {
		pool.Devices = assembleEncryptedDevicesField(dcs)
	}

	pools = append(pools, pool)

	if err := m.d.Manifest.Save(pools); err != nil {
		return Result{}, joinErr("manifest", err)
	}

	// Keep disks at rest when automount is off and encryption was freshly
	// created for this pool.
	if !opts.Automount && common.Encrypted {
		strat.Cleanup(ctx, name, dcs, crypto.RoleData)
	}

	r.Success()

	return Result{Success: true, Message: fmt.Sprintf("pool %s created", name), Pool: pool}, nil
}
