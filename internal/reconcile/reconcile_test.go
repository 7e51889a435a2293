package reconcile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blockpool/poolmgr/internal/blockdev"
	"github.com/blockpool/poolmgr/internal/cmdutil"
	"github.com/blockpool/poolmgr/internal/collab"
	"github.com/blockpool/poolmgr/internal/fsmount"
	"github.com/blockpool/poolmgr/internal/manifest"
)

type fakeRunner struct {
	outputs map[string]*cmdutil.Result
}

func (f fakeRunner) Run(ctx context.Context, c *cmdutil.Command) (*cmdutil.Result, error) {
	if res, ok := f.outputs[c.String()]; ok {
		return res, nil
	}

	return &cmdutil.Result{}, nil
}

type fakeDisks struct {
	power map[string]collab.DiskPowerStatus
	info  map[string]collab.EnhancedDiskType
}

func (f fakeDisks) GetAllDisks(ctx context.Context, opts collab.DiskInventoryOptions) ([]collab.Disk, error) {
	return nil, nil
}

func (f fakeDisks) EnhancedDiskType(ctx context.Context, device string) (collab.EnhancedDiskType, error) {
	return f.info[device], nil
}

func (f fakeDisks) LivePowerStatus(ctx context.Context, device string) (collab.DiskPowerStatus, error) {
	if status, ok := f.power[device]; ok {
		return status, nil
	}

	return collab.PowerActive, nil
}

func TestEnrichWithoutPrimitivesLeavesDeviceUnresolved(t *testing.T) {
	r := New(nil, nil, nil, nil, fakeDisks{})

	pool := manifest.Pool{
		Name:        "media",
		Type:        "single",
		DataDevices: []manifest.DeviceRef{{Slot: "disk1", ID: "ata-FAKE123"}},
	}

	rp := r.Enrich(context.Background(), pool, "")
	assert.Equal(t, "stopped", rp.Status)
	if assert.Len(t, rp.DataDevices, 1) {
		assert.False(t, rp.DataDevices[0].Missing)
		assert.Empty(t, rp.DataDevices[0].Device)
	}
}

func TestEnrichStoppedWhenMountpointAbsent(t *testing.T) {
	dir := t.TempDir()

	fs := fsmount.New(&blockdev.Primitives{Run: fakeRunner{}})
	fs.Run = fakeRunner{}

	r := New(&blockdev.Primitives{Run: fakeRunner{}}, fs, nil, nil, nil)

	pool := manifest.Pool{Name: "media", Type: "single"}

	rp := r.Enrich(context.Background(), pool, filepath.Join(dir, "nonexistent-mount"))
	assert.Equal(t, "stopped", rp.Status)
}
