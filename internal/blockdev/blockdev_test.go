package blockdev

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

func TestIsPartition(t *testing.T) {
	assert.True(t, IsPartition("/dev/sdb1"))
	assert.True(t, IsPartition("/dev/nvme0n1p1"))
	assert.True(t, IsPartition("/dev/mapper/vault_1"))
	assert.False(t, IsPartition("/dev/sdb"))
	assert.False(t, IsPartition("/dev/nvme0n1"))
}

func TestDerivedPartitionPath(t *testing.T) {
	assert.Equal(t, "/dev/sdb1", DerivedPartitionPath("/dev/sdb"))
	assert.Equal(t, "/dev/nvme0n1p1", DerivedPartitionPath("/dev/nvme0n1"))
	assert.Equal(t, "/dev/mapper/vault_1p1", DerivedPartitionPath("/dev/mapper/vault_1"))
}

func TestCheckDeviceFilesystemFormatted(t *testing.T) {
	runner := &fakeRunner{responses: map[string]*cmdutil.Result{
		"blkid -o export /dev/sdb1": {Stdout: "UUID=AAAA-AAAA\nTYPE=ext4\n"},
	}}
	p := &Primitives{Run: runner}

	info, err := p.CheckDeviceFilesystem(context.Background(), "/dev/sdb1")
	require.NoError(t, err)
	assert.True(t, info.Formatted)
	assert.Equal(t, "ext4", info.Filesystem)
	assert.Equal(t, "AAAA-AAAA", info.UUID)
}

func TestCheckDeviceFilesystemRecursesIntoPartitionTable(t *testing.T) {
	runner := &fakeRunner{responses: map[string]*cmdutil.Result{
		"blkid -o export /dev/sdb":  {Stdout: "PTTYPE=gpt\n"},
		"lsblk -ln -o PATH /dev/sdb": {Stdout: "/dev/sdb\n/dev/sdb1\n"},
		"blkid -o export /dev/sdb1": {Stdout: "UUID=BBBB-BBBB\nTYPE=xfs\n"},
	}}
	p := &Primitives{Run: runner}

	info, err := p.CheckDeviceFilesystem(context.Background(), "/dev/sdb")
	require.NoError(t, err)
	assert.True(t, info.Formatted)
	assert.Equal(t, "/dev/sdb1", info.ActualDevice)
	assert.Equal(t, "xfs", info.Filesystem)
}

func TestCheckDeviceFilesystemPartitionTableOnlyIsNotFormatted(t *testing.T) {
	runner := &fakeRunner{responses: map[string]*cmdutil.Result{
		"blkid -o export /dev/sdb":  {Stdout: "PTTYPE=gpt\n"},
		"lsblk -ln -o PATH /dev/sdb": {Stdout: "/dev/sdb\n/dev/sdb1\n"},
		"blkid -o export /dev/sdb1": {Stdout: "PTTYPE=gpt\n"},
	}}
	p := &Primitives{Run: runner}

	info, err := p.CheckDeviceFilesystem(context.Background(), "/dev/sdb")
	require.NoError(t, err)
	assert.False(t, info.Formatted)
}
