package poolmgr

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpool/poolmgr/internal/blockdev"
	"github.com/blockpool/poolmgr/internal/collab"
	"github.com/blockpool/poolmgr/internal/config"
	"github.com/blockpool/poolmgr/internal/engine"
	"github.com/blockpool/poolmgr/internal/fsmount"
	"github.com/blockpool/poolmgr/internal/manifest"
	"github.com/blockpool/poolmgr/internal/parity"
	"github.com/blockpool/poolmgr/internal/reconcile"
)

// fakeDisks is a minimal collab.DiskInventory backed by an in-memory list,
// used so tests never shell out to lsblk/hdparm.
type fakeDisks struct {
	disks   []collab.Disk
	power   collab.DiskPowerStatus
	typeErr error
}

func (f *fakeDisks) GetAllDisks(ctx context.Context, opts collab.DiskInventoryOptions) ([]collab.Disk, error) {
	return f.disks, nil
}

func (f *fakeDisks) EnhancedDiskType(ctx context.Context, device string) (collab.EnhancedDiskType, error) {
	if f.typeErr != nil {
		return collab.EnhancedDiskType{}, f.typeErr
	}

	return collab.EnhancedDiskType{Type: "hdd", Rotational: true}, nil
}

func (f *fakeDisks) LivePowerStatus(ctx context.Context, device string) (collab.DiskPowerStatus, error) {
	return f.power, nil
}

type fakeDiskCtl struct {
	woken, stood, slept []string
}

func (f *fakeDiskCtl) WakeDisk(ctx context.Context, device string) error {
	f.woken = append(f.woken, device)
	return nil
}

func (f *fakeDiskCtl) StandbyDisk(ctx context.Context, device string) error {
	f.stood = append(f.stood, device)
	return nil
}

func (f *fakeDiskCtl) SleepDisk(ctx context.Context, device string) error {
	f.slept = append(f.slept, device)
	return nil
}

func newTestManager(t *testing.T, pools []manifest.Pool, disks collab.DiskInventory, diskCtl collab.DiskController) *Manager {
	t.Helper()

	store := manifest.New(filepath.Join(t.TempDir(), "pools.json"), nil)
	_, err := store.Mutate(func([]manifest.Pool) ([]manifest.Pool, error) { return pools, nil })
	require.NoError(t, err)

	cfg := config.Default()
	primitives := blockdev.New()
	fs := fsmount.New(primitives)
	snapraid := parity.NewSnapRAIDRunner(cfg.SnapRAIDMountRoot, cfg.SnapRAIDConfigDir)
	nonraid := parity.NewNonRaidDriver()
	reconciler := reconcile.New(primitives, fs, snapraid, nonraid, disks)

	eng := engine.New(engine.Deps{
		Config:   &cfg,
		Manifest: store,
		Log:      logrus.StandardLogger(),
	})

	return New(Deps{
		Config:     &cfg,
		Engine:     eng,
		Reconciler: reconciler,
		Manifest:   store,
		Disks:      disks,
		DiskCtl:    diskCtl,
		Log:        logrus.StandardLogger(),
	})
}

func TestListPoolsFiltersByTypeAndName(t *testing.T) {
	mgr := newTestManager(t, []manifest.Pool{
		{ID: "1", Name: "media-cache", Type: "mergerfs"},
		{ID: "2", Name: "backups", Type: "nonraid"},
	}, &fakeDisks{}, nil)

	pools, err := mgr.ListPools(context.Background(), ListFilters{Type: "mergerfs"})
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, "media-cache", pools[0].Name)

	pools, err = mgr.ListPools(context.Background(), ListFilters{NameMatch: "back"})
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, "backups", pools[0].Name)
}

func TestGetPoolByIDUnknownID(t *testing.T) {
	mgr := newTestManager(t, nil, &fakeDisks{}, nil)

	_, err := mgr.GetPoolByID(context.Background(), "missing")
	require.Error(t, err)
}

func TestToggleAutomountByID(t *testing.T) {
	mgr := newTestManager(t, []manifest.Pool{
		{ID: "1", Name: "cache", Type: "mergerfs", Automount: false},
	}, &fakeDisks{}, nil)

	res, err := mgr.ToggleAutomountByID(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, res.Pool.Automount)

	res, err = mgr.ToggleAutomountByID(context.Background(), "1")
	require.NoError(t, err)
	assert.False(t, res.Pool.Automount)
}

func TestUpdatePoolsOrderReindexes(t *testing.T) {
	mgr := newTestManager(t, []manifest.Pool{
		{ID: "1", Name: "a", Index: 0},
		{ID: "2", Name: "b", Index: 1},
		{ID: "3", Name: "c", Index: 2},
	}, &fakeDisks{}, nil)

	require.NoError(t, mgr.UpdatePoolsOrder(context.Background(), []string{"3", "1"}))

	pools, err := mgr.ListPools(context.Background(), ListFilters{})
	require.NoError(t, err)
	require.Len(t, pools, 3)
	assert.Equal(t, "c", pools[0].Name)
	assert.Equal(t, "a", pools[1].Name)
	assert.Equal(t, "b", pools[2].Name)
}

func TestGetDiskStatusSurvivesPartialEnrichmentFailure(t *testing.T) {
	disks := &fakeDisks{
		disks:   []collab.Disk{{Device: "/dev/sda", Name: "sda"}},
		power:   collab.PowerStandby,
		typeErr: errors.New("type probe failed"),
	}
	mgr := newTestManager(t, nil, disks, nil)

	statuses, err := mgr.GetDiskStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, collab.PowerStandby, statuses[0].Power)
}

func TestControlDiskNoControllerConfigured(t *testing.T) {
	mgr := newTestManager(t, nil, &fakeDisks{}, nil)

	err := mgr.ControlDisk(context.Background(), "/dev/sda", DiskActionWake)
	require.Error(t, err)
}

func TestControlDiskDispatchesAction(t *testing.T) {
	ctl := &fakeDiskCtl{}
	mgr := newTestManager(t, nil, &fakeDisks{}, ctl)

	require.NoError(t, mgr.ControlDisk(context.Background(), "/dev/sda", DiskActionStandby))
	assert.Equal(t, []string{"/dev/sda"}, ctl.stood)

	require.NoError(t, mgr.ControlDisk(context.Background(), "/dev/sdb", DiskActionSleep))
	assert.Equal(t, []string{"/dev/sdb"}, ctl.slept)

	err := mgr.ControlDisk(context.Background(), "/dev/sdc", DiskAction("bogus"))
	require.Error(t, err)
}

func TestGetAvailablePoolTypesIncludesEveryType(t *testing.T) {
	types := GetAvailablePoolTypes()

	var names []string
	for _, pt := range types {
		names = append(names, pt.Type)
	}

	assert.Contains(t, names, "ext4")
	assert.Contains(t, names, "xfs")
	assert.Contains(t, names, "btrfs")
	assert.Contains(t, names, "mergerfs")
	assert.Contains(t, names, "nonraid")
}
