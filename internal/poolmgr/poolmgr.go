// Package poolmgr wires every other component into the full set of
// operations exposed to callers: listing and reading pools through the
// Reconciler, and routing every mutation through the Engine while holding
// a per-pool mutex so create/mount/unmount/remove on one pool never
// interleave with each other (the manifest's own mutex already serializes
// the read-modify-write underneath).
package poolmgr

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/blockpool/poolmgr/internal/collab"
	"github.com/blockpool/poolmgr/internal/config"
	"github.com/blockpool/poolmgr/internal/engine"
	"github.com/blockpool/poolmgr/internal/manifest"
	"github.com/blockpool/poolmgr/internal/parity"
	"github.com/blockpool/poolmgr/internal/poolerr"
	"github.com/blockpool/poolmgr/internal/reconcile"
)

// Deps bundles the components a Manager composes.
type Deps struct {
	Config     *config.Config
	Engine     *engine.Manager
	Reconciler *reconcile.Reconciler
	Manifest   *manifest.Store
	Disks      collab.DiskInventory
	DiskCtl    collab.DiskController // may be nil; ControlDisk then always fails
	Log        logrus.FieldLogger
}

// Manager is the top-level entry point: every pool lifecycle and
// maintenance operation this service exposes is a method here.
type Manager struct {
	d Deps

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs a Manager.
func New(d Deps) *Manager {
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}

	return &Manager{d: d, locks: map[string]*sync.Mutex{}}
}

// poolLock returns the per-pool mutex for name, creating it on first use.
// Pool mutexes are never removed: the set of pool names seen over a
// process's lifetime is small and bounded by manifest size.
func (m *Manager) poolLock(name string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}

	return l
}

// withPoolLock runs fn while holding name's mutex.
func (m *Manager) withPoolLock(name string, fn func() (engine.Result, error)) (engine.Result, error) {
	l := m.poolLock(name)
	l.Lock()
	defer l.Unlock()

	return fn()
}

// ListFilters narrows ListPools; zero value returns every pool.
type ListFilters struct {
	Type      string // "", or one of ext4/xfs/btrfs/mergerfs/nonraid
	NameMatch string // substring match against pool name, case-insensitive
}

func matches(p manifest.Pool, f ListFilters) bool {
	if f.Type != "" && p.Type != f.Type {
		return false
	}

	if f.NameMatch != "" && !strings.Contains(strings.ToLower(p.Name), strings.ToLower(f.NameMatch)) {
		return false
	}

	return true
}

// ListPools returns every pool matching filters as an enriched runtime
// view. Enrichment runs independently per pool; one slow/erroring pool
// never blocks the others from appearing.
func (m *Manager) ListPools(ctx context.Context, filters ListFilters) ([]reconcile.RuntimePool, error) {
	pools, err := m.d.Manifest.Load()
	if err != nil {
		return nil, err
	}

	out := make([]reconcile.RuntimePool, 0, len(pools))

	for _, p := range pools {
		if !matches(p, filters) {
			continue
		}

		out = append(out, m.d.Reconciler.Enrich(ctx, p, m.d.Engine.PoolMountPoint(p.Name)))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })

	return out, nil
}

// GetPoolByID returns the enriched runtime view of one pool.
func (m *Manager) GetPoolByID(ctx context.Context, id string) (reconcile.RuntimePool, error) {
	pools, err := m.d.Manifest.Load()
	if err != nil {
		return reconcile.RuntimePool{}, err
	}

	pool, ok := manifest.FindByID(pools, id)
	if !ok {
		return reconcile.RuntimePool{}, poolerr.Validation("no pool with id %s", id)
	}

	return m.d.Reconciler.Enrich(ctx, pool, m.d.Engine.PoolMountPoint(pool.Name)), nil
}

// poolName resolves id to its current name, for locking purposes, without
// requiring every call site to look it up twice.
func (m *Manager) poolName(id string) (string, error) {
	pools, err := m.d.Manifest.Load()
	if err != nil {
		return "", err
	}

	pool, ok := manifest.FindByID(pools, id)
	if !ok {
		return "", poolerr.Validation("no pool with id %s", id)
	}

	return pool.Name, nil
}

// CreateSingleDevicePool creates a single-device pool under name's lock, so
// a racing create of the same name fails cleanly on the manifest's own
// uniqueness check rather than interleaving device preparation.
func (m *Manager) CreateSingleDevicePool(ctx context.Context, name, devicePath, fsType string, opts engine.CreateOptions) (engine.Result, error) {
	return m.withPoolLock(name, func() (engine.Result, error) {
		return m.d.Engine.CreateSingleDevicePool(ctx, name, devicePath, fsType, opts)
	})
}

// CreateMultiDevicePool creates a BTRFS multi-device pool.
func (m *Manager) CreateMultiDevicePool(ctx context.Context, name string, devicePaths []string, raidLevel string, opts engine.CreateOptions) (engine.Result, error) {
	return m.withPoolLock(name, func() (engine.Result, error) {
		return m.d.Engine.CreateMultiDevicePool(ctx, name, devicePaths, raidLevel, opts)
	})
}

// CreateMergerFSPool creates a MergerFS pool with optional SnapRAID parity.
func (m *Manager) CreateMergerFSPool(ctx context.Context, name string, devicePaths, parityPaths []string, opts engine.CreateOptions) (engine.Result, error) {
	return m.withPoolLock(name, func() (engine.Result, error) {
		return m.d.Engine.CreateMergerFSPool(ctx, name, devicePaths, parityPaths, opts)
	})
}

// CreateNonRaidPool creates a NonRAID pool.
func (m *Manager) CreateNonRaidPool(ctx context.Context, name string, dataPaths, parityPaths []string, opts engine.CreateOptions) (engine.Result, error) {
	return m.withPoolLock(name, func() (engine.Result, error) {
		return m.d.Engine.CreateNonRaidPool(ctx, name, dataPaths, parityPaths, opts)
	})
}

// MountPoolByID mounts an existing pool.
func (m *Manager) MountPoolByID(ctx context.Context, id string) (engine.Result, error) {
	name, err := m.poolName(id)
	if err != nil {
		return engine.Result{}, err
	}

	return m.withPoolLock(name, func() (engine.Result, error) {
		return m.d.Engine.MountPoolByID(ctx, id)
	})
}

// UnmountPoolByID unmounts an existing pool.
func (m *Manager) UnmountPoolByID(ctx context.Context, id string, force bool) (engine.Result, error) {
	name, err := m.poolName(id)
	if err != nil {
		return engine.Result{}, err
	}

	return m.withPoolLock(name, func() (engine.Result, error) {
		return m.d.Engine.UnmountPoolByID(ctx, id, force)
	})
}

// RemovePoolByID unmounts (if needed) and deletes a pool.
func (m *Manager) RemovePoolByID(ctx context.Context, id string, force bool) (engine.Result, error) {
	name, err := m.poolName(id)
	if err != nil {
		return engine.Result{}, err
	}

	return m.withPoolLock(name, func() (engine.Result, error) {
		return m.d.Engine.RemovePoolByID(ctx, id, force)
	})
}

// AddDevicesToPool adds data devices to a BTRFS or MergerFS pool.
func (m *Manager) AddDevicesToPool(ctx context.Context, id string, devicePaths []string) (engine.Result, error) {
	name, err := m.poolName(id)
	if err != nil {
		return engine.Result{}, err
	}

	return m.withPoolLock(name, func() (engine.Result, error) {
		return m.d.Engine.AddDevicesToPool(ctx, id, devicePaths)
	})
}

// RemoveDevicesFromPool removes data devices from a BTRFS or MergerFS pool.
func (m *Manager) RemoveDevicesFromPool(ctx context.Context, id string, slots []string) (engine.Result, error) {
	name, err := m.poolName(id)
	if err != nil {
		return engine.Result{}, err
	}

	return m.withPoolLock(name, func() (engine.Result, error) {
		return m.d.Engine.RemoveDevicesFromPool(ctx, id, slots)
	})
}

// ReplaceDeviceInPool replaces one BTRFS or MergerFS data device in place.
func (m *Manager) ReplaceDeviceInPool(ctx context.Context, id, slot, newDevicePath string) (engine.Result, error) {
	name, err := m.poolName(id)
	if err != nil {
		return engine.Result{}, err
	}

	return m.withPoolLock(name, func() (engine.Result, error) {
		return m.d.Engine.ReplaceDeviceInPool(ctx, id, slot, newDevicePath)
	})
}

// ChangePoolRaidLevel converts a BTRFS pool's raid level.
func (m *Manager) ChangePoolRaidLevel(ctx context.Context, id, newLevel string) (engine.Result, error) {
	name, err := m.poolName(id)
	if err != nil {
		return engine.Result{}, err
	}

	return m.withPoolLock(name, func() (engine.Result, error) {
		return m.d.Engine.ChangePoolRaidLevel(ctx, id, newLevel)
	})
}

// AddParityDevicesToPool adds SnapRAID parity devices to a MergerFS pool.
func (m *Manager) AddParityDevicesToPool(ctx context.Context, id string, parityPaths []string) (engine.Result, error) {
	name, err := m.poolName(id)
	if err != nil {
		return engine.Result{}, err
	}

	return m.withPoolLock(name, func() (engine.Result, error) {
		return m.d.Engine.AddParityDevicesToPool(ctx, id, parityPaths)
	})
}

// RemoveParityDevicesFromPool removes SnapRAID parity devices from a
// MergerFS pool.
func (m *Manager) RemoveParityDevicesFromPool(ctx context.Context, id string, slots []string) (engine.Result, error) {
	name, err := m.poolName(id)
	if err != nil {
		return engine.Result{}, err
	}

	return m.withPoolLock(name, func() (engine.Result, error) {
		return m.d.Engine.RemoveParityDevicesFromPool(ctx, id, slots)
	})
}

// ReplaceParityDeviceInPool replaces one MergerFS parity device in place.
func (m *Manager) ReplaceParityDeviceInPool(ctx context.Context, id, slot, newDevicePath string) (engine.Result, error) {
	name, err := m.poolName(id)
	if err != nil {
		return engine.Result{}, err
	}

	return m.withPoolLock(name, func() (engine.Result, error) {
		return m.d.Engine.ReplaceParityDeviceInPool(ctx, id, slot, newDevicePath)
	})
}

// AddDataDeviceToNonRaidPool adds one data device to a NonRAID array.
func (m *Manager) AddDataDeviceToNonRaidPool(ctx context.Context, id, devicePath string) (engine.Result, error) {
	name, err := m.poolName(id)
	if err != nil {
		return engine.Result{}, err
	}

	return m.withPoolLock(name, func() (engine.Result, error) {
		return m.d.Engine.AddDataDeviceToNonRaidPool(ctx, id, devicePath)
	})
}

// AddParityDeviceToNonRaidPool adds one parity device to a NonRAID array.
func (m *Manager) AddParityDeviceToNonRaidPool(ctx context.Context, id, devicePath string) (engine.Result, error) {
	name, err := m.poolName(id)
	if err != nil {
		return engine.Result{}, err
	}

	return m.withPoolLock(name, func() (engine.Result, error) {
		return m.d.Engine.AddParityDeviceToNonRaidPool(ctx, id, devicePath)
	})
}

// ReplaceDevicesInNonRaidPool replaces one or more NonRAID array slots.
func (m *Manager) ReplaceDevicesInNonRaidPool(ctx context.Context, id string, slotToPath map[string]string) (engine.Result, error) {
	name, err := m.poolName(id)
	if err != nil {
		return engine.Result{}, err
	}

	return m.withPoolLock(name, func() (engine.Result, error) {
		return m.d.Engine.ReplaceDevicesInNonRaidPool(ctx, id, slotToPath)
	})
}

// ExecuteSnapRAIDOperation launches or queries a SnapRAID operation for a
// MergerFS pool.
func (m *Manager) ExecuteSnapRAIDOperation(ctx context.Context, id string, op parity.SnapRAIDOp, fixDisks []string) (engine.Result, error) {
	return m.d.Engine.ExecuteSnapRAIDOperation(ctx, id, op, fixDisks)
}

// ExecuteNonRaidParityOperation issues a parity control operation against a
// NonRAID array.
func (m *Manager) ExecuteNonRaidParityOperation(ctx context.Context, id string, op parity.NonRaidOp) (engine.Result, error) {
	return m.d.Engine.ExecuteNonRaidParityOperation(ctx, id, op)
}

// AvailablePoolType describes one pool type listPools/createPool callers
// can offer in a UI.
type AvailablePoolType struct {
	Type        string
	DisplayName string
	MinDevices  int
	MaxDevices  int
}

// GetAvailablePoolTypes returns the static set of pool types this service
// supports creating.
func GetAvailablePoolTypes() []AvailablePoolType {
	return []AvailablePoolType{
		{Type: "ext4", DisplayName: "Single device (ext4)", MinDevices: 1, MaxDevices: 1},
		{Type: "xfs", DisplayName: "Single device (xfs)", MinDevices: 1, MaxDevices: 1},
		{Type: "btrfs", DisplayName: "BTRFS multi-device", MinDevices: 1, MaxDevices: 0},
		{Type: "mergerfs", DisplayName: "MergerFS + SnapRAID", MinDevices: 1, MaxDevices: 0},
		{Type: "nonraid", DisplayName: "NonRAID array", MinDevices: 1, MaxDevices: 28},
	}
}

// ToggleAutomountByID flips a pool's automount flag.
func (m *Manager) ToggleAutomountByID(ctx context.Context, id string) (engine.Result, error) {
	var updated manifest.Pool

	pools, err := m.d.Manifest.Mutate(func(pools []manifest.Pool) ([]manifest.Pool, error) {
		for i := range pools {
			if pools[i].ID == id {
				pools[i].Automount = !pools[i].Automount
				updated = pools[i]
				return pools, nil
			}
		}

		return nil, poolerr.Validation("no pool with id %s", id)
	})
	if err != nil {
		return engine.Result{}, err
	}

	_ = pools

	return engine.Result{Success: true, Message: "automount toggled", Pool: updated}, nil
}

// UpdatePoolComment overwrites a pool's comment field.
func (m *Manager) UpdatePoolComment(ctx context.Context, id, comment string) (engine.Result, error) {
	var updated manifest.Pool

	_, err := m.d.Manifest.Mutate(func(pools []manifest.Pool) ([]manifest.Pool, error) {
		for i := range pools {
			if pools[i].ID == id {
				pools[i].Comment = comment
				updated = pools[i]
				return pools, nil
			}
		}

		return nil, poolerr.Validation("no pool with id %s", id)
	})
	if err != nil {
		return engine.Result{}, err
	}

	return engine.Result{Success: true, Message: "comment updated", Pool: updated}, nil
}

// UpdatePoolConfig merges patch into a pool's config bag, not mounted
// settings like raid_level which flow through ChangePoolRaidLevel instead.
func (m *Manager) UpdatePoolConfig(ctx context.Context, id string, patch map[string]any) (engine.Result, error) {
	var updated manifest.Pool

	_, err := m.d.Manifest.Mutate(func(pools []manifest.Pool) ([]manifest.Pool, error) {
		for i := range pools {
			if pools[i].ID != id {
				continue
			}

			if pools[i].Config == nil {
				pools[i].Config = map[string]any{}
			}

			for k, v := range patch {
				pools[i].Config[k] = v
			}

			updated = pools[i]

			return pools, nil
		}

		return nil, poolerr.Validation("no pool with id %s", id)
	})
	if err != nil {
		return engine.Result{}, err
	}

	return engine.Result{Success: true, Message: "config updated", Pool: updated}, nil
}

// UpdatePoolsOrder reassigns every pool's Index field to its position in
// orderedIDs. Any pool id present in the manifest but missing from
// orderedIDs keeps its relative order, appended after the named ones.
func (m *Manager) UpdatePoolsOrder(ctx context.Context, orderedIDs []string) error {
	_, err := m.d.Manifest.Mutate(func(pools []manifest.Pool) ([]manifest.Pool, error) {
		position := make(map[string]int, len(orderedIDs))
		for i, id := range orderedIDs {
			position[id] = i
		}

		sort.SliceStable(pools, func(i, j int) bool {
			pi, oki := position[pools[i].ID]
			pj, okj := position[pools[j].ID]

			switch {
			case oki && okj:
				return pi < pj
			case oki:
				return true
			case okj:
				return false
			default:
				return pools[i].Index < pools[j].Index
			}
		})

		for i := range pools {
			pools[i].Index = i
		}

		return pools, nil
	})

	return err
}

// DiskStatus is one disk's inventory entry enriched with its live power
// state and rotational/transport classification.
type DiskStatus struct {
	Device     string
	Name       string
	Model      string
	Serial     string
	Type       string
	Rotational bool
	Removable  bool
	USBInfo    string
	Power      collab.DiskPowerStatus
}

// GetDiskStatus lists every disk the inventory collaborator knows about,
// enriched with power state and type. A disk that fails enrichment is
// still returned, with Power set to collab.PowerUnknown and Type left
// blank, so one bad probe doesn't hide the rest of the fleet.
func (m *Manager) GetDiskStatus(ctx context.Context) ([]DiskStatus, error) {
	disks, err := m.d.Disks.GetAllDisks(ctx, collab.DiskInventoryOptions{SkipStandby: true})
	if err != nil {
		return nil, err
	}

	out := make([]DiskStatus, 0, len(disks))

	for _, d := range disks {
		status := DiskStatus{
			Device: d.Device,
			Name:   d.Name,
			Model:  d.Model,
			Serial: d.Serial,
			Power:  collab.PowerUnknown,
		}

		if enhanced, err := m.d.Disks.EnhancedDiskType(ctx, d.Device); err == nil {
			status.Type = enhanced.Type
			status.Rotational = enhanced.Rotational
			status.Removable = enhanced.Removable
			status.USBInfo = enhanced.USBInfo
		} else {
			m.d.Log.WithError(err).WithField("device", d.Device).Warn("disk type probe failed")
		}

		if power, err := m.d.Disks.LivePowerStatus(ctx, d.Device); err == nil {
			status.Power = power
		} else {
			m.d.Log.WithError(err).WithField("device", d.Device).Warn("disk power probe failed")
		}

		out = append(out, status)
	}

	return out, nil
}

// DiskAction names a power-state transition ControlDisk can issue.
type DiskAction string

const (
	DiskActionWake    DiskAction = "wake"
	DiskActionStandby DiskAction = "standby"
	DiskActionSleep   DiskAction = "sleep"
)

// ControlDisk issues a power-state transition against device. It never
// touches the manifest: power state is a live attribute of the drive, not
// something this service persists.
func (m *Manager) ControlDisk(ctx context.Context, device string, action DiskAction) error {
	if m.d.DiskCtl == nil {
		return poolerr.Precondition("no disk controller configured")
	}

	switch action {
	case DiskActionWake:
		return m.d.DiskCtl.WakeDisk(ctx, device)
	case DiskActionStandby:
		return m.d.DiskCtl.StandbyDisk(ctx, device)
	case DiskActionSleep:
		return m.d.DiskCtl.SleepDisk(ctx, device)
	default:
		return poolerr.Validation("unknown disk action %q", action)
	}
}

// PoolAction names a lifecycle transition ControlPool can issue against an
// already-created pool.
type PoolAction string

const (
	PoolActionMount   PoolAction = "mount"
	PoolActionUnmount PoolAction = "unmount"
	PoolActionStart   PoolAction = "start"
	PoolActionStop    PoolAction = "stop"
)

// ControlPool starts or stops a pool by id. "start"/"mount" and
// "stop"/"unmount" are synonyms: callers driving a service-style interface
// tend to say start/stop, callers thinking in filesystem terms tend to say
// mount/unmount, and both map onto the same underlying engine calls.
func (m *Manager) ControlPool(ctx context.Context, id string, action PoolAction) (engine.Result, error) {
	switch action {
	case PoolActionMount, PoolActionStart:
		return m.MountPoolByID(ctx, id)
	case PoolActionUnmount, PoolActionStop:
		return m.UnmountPoolByID(ctx, id, false)
	default:
		return engine.Result{}, poolerr.Validation("unknown pool action %q", action)
	}
}
