package collab

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpool/poolmgr/internal/cmdutil"
)

type fakeRunner struct {
	responses map[string]*cmdutil.Result
}

func (f *fakeRunner) Run(_ context.Context, cmd *cmdutil.Command) (*cmdutil.Result, error) {
	res, ok := f.responses[cmd.String()]
	if !ok {
		return &cmdutil.Result{}, nil
	}

	return res, nil
}

func TestGetAllDisksFiltersNonDiskTypes(t *testing.T) {
	runner := &fakeRunner{responses: map[string]*cmdutil.Result{
		"lsblk -dn -P -o NAME,MODEL,SERIAL,TYPE": {
			Stdout: `NAME="sda" MODEL="WDC WD40" SERIAL="ABC123" TYPE="disk"
NAME="sda1" MODEL="" SERIAL="" TYPE="part"
NAME="sdb" MODEL="Samsung SSD" SERIAL="XYZ789" TYPE="disk"
`,
		},
	}}

	inv := &LocalDiskInventory{Run: runner}
	disks, err := inv.GetAllDisks(context.Background(), DiskInventoryOptions{})
	require.NoError(t, err)
	require.Len(t, disks, 2)
	assert.Equal(t, Disk{Device: "/dev/sda", Name: "sda", Model: "WDC WD40", Serial: "ABC123"}, disks[0])
	assert.Equal(t, Disk{Device: "/dev/sdb", Name: "sdb", Model: "Samsung SSD", Serial: "XYZ789"}, disks[1])
}

func TestEnhancedDiskTypeRotational(t *testing.T) {
	runner := &fakeRunner{responses: map[string]*cmdutil.Result{
		"lsblk -dn -P -o ROTA,RM,TRAN /dev/sda": {Stdout: `ROTA="1" RM="0" TRAN="sata"`},
	}}

	inv := &LocalDiskInventory{Run: runner}
	got, err := inv.EnhancedDiskType(context.Background(), "/dev/sda")
	require.NoError(t, err)
	assert.Equal(t, EnhancedDiskType{Type: "hdd", Rotational: true, Removable: false, USBInfo: ""}, got)
}

func TestEnhancedDiskTypeUSBFlash(t *testing.T) {
	runner := &fakeRunner{responses: map[string]*cmdutil.Result{
		"lsblk -dn -P -o ROTA,RM,TRAN /dev/sdc": {Stdout: `ROTA="0" RM="1" TRAN="usb"`},
	}}

	inv := &LocalDiskInventory{Run: runner}
	got, err := inv.EnhancedDiskType(context.Background(), "/dev/sdc")
	require.NoError(t, err)
	assert.Equal(t, EnhancedDiskType{Type: "ssd", Rotational: false, Removable: true, USBInfo: "usb"}, got)
}

func TestLivePowerStatusStandby(t *testing.T) {
	runner := &fakeRunner{responses: map[string]*cmdutil.Result{
		"hdparm -C /dev/sda": {Stdout: "/dev/sda:\n drive state is:  standby\n"},
	}}

	inv := &LocalDiskInventory{Run: runner}
	status, err := inv.LivePowerStatus(context.Background(), "/dev/sda")
	require.NoError(t, err)
	assert.Equal(t, PowerStandby, status)
}

func TestLivePowerStatusActive(t *testing.T) {
	runner := &fakeRunner{responses: map[string]*cmdutil.Result{
		"hdparm -C /dev/sda": {Stdout: "/dev/sda:\n drive state is:  active/idle\n"},
	}}

	inv := &LocalDiskInventory{Run: runner}
	status, err := inv.LivePowerStatus(context.Background(), "/dev/sda")
	require.NoError(t, err)
	assert.Equal(t, PowerActive, status)
}

func TestNoServiceProbeReturnsEmpty(t *testing.T) {
	p := NoServiceProbe{}

	services, err := p.AllServiceStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, services)

	docker, err := p.DockerPaths(context.Background())
	require.NoError(t, err)
	assert.Empty(t, docker)
}
