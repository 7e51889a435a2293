// Package engine implements the single-device, BTRFS multi-device,
// MergerFS, and NonRAID pool creation and
// mutation paths, sharing one outer envelope (validate → prepare devices →
// strategy → format → mount → manifest write → cleanup-on-failure).
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/blockpool/poolmgr/internal/blockdev"
	"github.com/blockpool/poolmgr/internal/cmdutil"
	"github.com/blockpool/poolmgr/internal/config"
	"github.com/blockpool/poolmgr/internal/crypto"
	"github.com/blockpool/poolmgr/internal/fsmount"
	"github.com/blockpool/poolmgr/internal/manifest"
	"github.com/blockpool/poolmgr/internal/parity"
	"github.com/blockpool/poolmgr/internal/poolcfg"
	"github.com/blockpool/poolmgr/internal/poolerr"
	"github.com/blockpool/poolmgr/internal/revert"
	"github.com/blockpool/poolmgr/internal/safety"
	"github.com/blockpool/poolmgr/internal/strategy"

	"github.com/sirupsen/logrus"
)

// Deps bundles every collaborator an engine composes, injected at
// construction rather than imported lazily.
type Deps struct {
	Config     *config.Config
	Primitives *blockdev.Primitives
	FS         *fsmount.Layer
	Crypto     *crypto.Backend
	Manifest   *manifest.Store
	Guard      *safety.Guard
	SnapRAID   *parity.SnapRAIDRunner
	NonRaid    *parity.NonRaidDriver
	Run        cmdutil.Runner
	Log        logrus.FieldLogger
}

// Manager exposes the engine-facing create/mutate operations over
// one shared Deps set.
type Manager struct {
	d Deps
}

// New constructs a Manager.
func New(d Deps) *Manager {
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}

	if d.Run == nil {
		d.Run = cmdutil.Exec{}
	}

	return &Manager{d: d}
}

// nextID returns a monotonic timestamp-string pool id.
func nextID(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10)
}

// PoolMountPoint is the pool's mount root, `/mnt/<name>`.
func (m *Manager) PoolMountPoint(name string) string {
	return filepath.Join(m.d.Config.MountRoot, name)
}

// BranchMountPoint is a MergerFS/NonRAID branch mount,
// `/var/mergerfs/<name>/disk<slot>`.
func (m *Manager) BranchMountPoint(name, slot string) string {
	return filepath.Join(m.d.Config.MergerFSBranchRoot, name, "disk"+slot)
}

// ParityMountPoint is a SnapRAID parity mount,
// `/var/snapraid/<name>/parity<slot>`.
func (m *Manager) ParityMountPoint(name, slot string) string {
	return filepath.Join(m.d.Config.SnapRAIDMountRoot, name, "parity"+slot)
}

// KeyfilePath is the per-pool LUKS keyfile path.
func (m *Manager) KeyfilePath(name string) string {
	return filepath.Join(m.d.Config.LuksKeyDir, name+".key")
}

// SnapRAIDConfigPath is the per-pool SnapRAID config path.
func (m *Manager) SnapRAIDConfigPath(name string) string {
	return filepath.Join(m.d.Config.SnapRAIDConfigDir, name+".conf")
}

// nameRe-equivalent validation: filesystem-safe, unique against the
// manifest. Kept as a plain function (no regex needed beyond the character
// class) for readability.
func validateName(pools []manifest.Pool, name string) error {
	if name == "" {
		return poolerr.Validation("pool name must not be empty")
	}

	for _, r := range name {
		safe := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_'
		if !safe {
			return poolerr.Validation("pool name %q contains characters unsafe for a filesystem path", name)
		}
	}

	if _, ok := manifest.FindByName(pools, name); ok {
		return poolerr.Validation("a pool named %q already exists", name)
	}

	return nil
}

// Result is the outcome every engine-facing mutation returns: either it
// fully succeeds, or it rolls back and returns an error.
type Result struct {
	Success bool
	Message string
	Pool    manifest.Pool
}

// CreateOptions configures every creation path.
type CreateOptions struct {
	Format     bool // partition+format, vs import existing filesystem
	Automount  bool
	Comment    string
	Config     map[string]any
	Passphrase string
}

// prepareInputsFromPaths resolves each physical path to a PrepareInput,
// either partitioning it (Format) or validating it already carries a
// non-partition-table filesystem (import mode).
func (m *Manager) prepareInputsFromPaths(ctx context.Context, devicePaths []string, format bool) ([]strategy.PrepareInput, error) {
	inputs := make([]strategy.PrepareInput, 0, len(devicePaths))

	for i, path := range devicePaths {
		slot := strconv.Itoa(i + 1)

		if format {
			inputs = append(inputs, strategy.PrepareInput{Slot: slot, Path: path})
			continue
		}

		info, err := m.d.Primitives.CheckDeviceFilesystem(ctx, path)
		if err != nil {
			return nil, err
		}

		if info.PartTableType != "" && info.Filesystem == "" {
			return nil, poolerr.Validation("%s carries a partition table with no usable filesystem; import requires an existing filesystem", path)
		}

		target := path
		if info.ActualDevice != "" {
			target = info.ActualDevice
		}

		if !blockdev.IsPartition(target) {
			return nil, poolerr.Validation("%s is not a partition; import mode requires an existing partitioned filesystem", target)
		}

		inputs = append(inputs, strategy.PrepareInput{Slot: slot, Path: target})
	}

	return inputs, nil
}

// formatBranches runs FormatDevice over dcs' operational paths with
// the chosen per-device filesystem, used by the MergerFS and NonRAID
// engines where each branch is independently formatted.
func (m *Manager) formatBranches(ctx context.Context, dcs []strategy.DeviceContext, fs string) error {
	for _, dc := range dcs {
		if _, err := m.d.FS.FormatDevice(ctx, dc.OperationalPath, fs); err != nil {
			return err
		}
	}

	return nil
}

// assembleEncryptedDevicesField records the physical partition paths for an
// encrypted pool's `devices` array, parallel to data_devices.
func assembleEncryptedDevicesField(dcs []strategy.DeviceContext) []string {
	out := make([]string, len(dcs))
	for i, dc := range dcs {
		out[i] = dc.PhysicalPath
	}

	return out
}

// resolveStrategy selects Plain or Luks according to encrypted. It sets no
// keyfile path, and poolName is not used.
func (m *Manager) resolveStrategy(poolName string, encrypted bool) strategy.Strategy {
	return strategy.Select(encrypted, m.d.Primitives, m.d.Crypto)
}

// cleanupExistingMappersBestEffort recovers from a crashed prior create.
// Failure is logged, not fatal: a fresh create should still be attempted.
func (m *Manager) cleanupExistingMappersBestEffort(ctx context.Context, poolName string) {
	if err := m.d.Crypto.CleanupExistingMappers(ctx, poolName); err != nil {
		m.d.Log.WithError(err).WithField("pool", poolName).Warn("cleanup of stale luks mappers failed")
	}
}

// withCleanupOnFailure registers strat's cleanup for dcs under role with r,
// so a failure anywhere later in the creation sequence still releases
// whatever the strategy acquired.
func withCleanupOnFailure(ctx context.Context, strat strategy.Strategy, pool string, dcs []strategy.DeviceContext, role crypto.Role, r *revert.Reverter) {
	r.Add(func() {
		strat.Cleanup(ctx, pool, dcs, role)
	})
}

// joinErr formats a component-prefixed error consistently for engine
// operations.
func joinErr(component string, err error) error {
	return fmt.Errorf("%s: %w", component, err)
}

// mergerfsOptions assembles the mount options string from policies plus the
// fixed baseline.
func mergerfsOptions(cfg poolcfg.MergerFS) string {
	const baseline = "defaults,allow_other,use_ino,cache.files=partial,dropcacheonclose=true"

	parts := []string{baseline}
	parts = append(parts, fmt.Sprintf("category.create=%s", cfg.Policies.Create))
	parts = append(parts, fmt.Sprintf("category.search=%s", cfg.Policies.Search))

	if cfg.MinFreeSpace != "" {
		parts = append(parts, "minfreespace="+cfg.MinFreeSpace)
	}

	if cfg.MoveOnENOSPC {
		parts = append(parts, "moveonenospc=true")
	}

	if cfg.GlobalOptions != "" {
		parts = append(parts, cfg.GlobalOptions)
	}

	return strings.Join(parts, ",")
}

// usedSlots extracts the slot strings from a DeviceRef slice.
func usedSlots(refs []manifest.DeviceRef) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.Slot
	}

	return out
}
