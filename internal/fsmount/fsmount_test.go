package fsmount

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpool/poolmgr/internal/cmdutil"
)

// countingRunner records every command issued, for asserting which
// commands ran.
type countingRunner struct {
	calls    []string
	succeeds map[int]bool // call index -> success
}

func (c *countingRunner) Run(_ context.Context, cmd *cmdutil.Command) (*cmdutil.Result, error) {
	idx := len(c.calls)
	c.calls = append(c.calls, cmd.String())

	if c.succeeds[idx] {
		return &cmdutil.Result{}, nil
	}

	return &cmdutil.Result{}, assertErr
}

var assertErr = assertError{}

type assertError struct{}

func (assertError) Error() string { return "boom" }

func TestUnmountDeviceNoOpWhenNotMounted(t *testing.T) {
	// mountpoint not present in /proc/mounts in this sandbox, so
	// isMountedAt returns false and UnmountDevice should be a no-op.
	runner := &countingRunner{succeeds: map[int]bool{}}
	l := &Layer{Run: runner}

	err := l.UnmountDevice(context.Background(), "/mnt/does-not-exist-in-proc-mounts", UnmountOptions{Retries: 3})
	require.NoError(t, err)
	assert.Empty(t, runner.calls)
}

func TestIsRemoteFilesystem(t *testing.T) {
	assert.True(t, IsRemoteFilesystem("cifs"))
	assert.True(t, IsRemoteFilesystem("NFS"))
	assert.False(t, IsRemoteFilesystem("ext4"))
	assert.False(t, IsRemoteFilesystem("btrfs"))
}
