package safety

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpool/poolmgr/internal/cmdutil"
)

type fakeRunner struct {
	stdout string
}

func (f *fakeRunner) Run(_ context.Context, _ *cmdutil.Command) (*cmdutil.Result, error) {
	return &cmdutil.Result{Stdout: f.stdout}, nil
}

func TestCheckBusyMountsIgnoresPoolRoot(t *testing.T) {
	runner := &fakeRunner{stdout: "/mnt/vault\n/mnt/vault/appdata\n"}
	g := &Guard{Run: runner}

	subs, err := g.CheckBusyMounts(context.Background(), "/mnt/vault")
	require.NoError(t, err)
	assert.Equal(t, []string{"/mnt/vault/appdata"}, subs)
}

func TestCheckDestructiveForceSkipsChecks(t *testing.T) {
	runner := &fakeRunner{stdout: "/mnt/vault\n/mnt/vault/appdata\n"}
	g := &Guard{Run: runner}

	err := g.CheckDestructive(context.Background(), "/mnt/vault", nil, true)
	assert.NoError(t, err)
}

func TestPathUnder(t *testing.T) {
	assert.True(t, pathUnder("/mnt/vault", "/mnt/vault"))
	assert.True(t, pathUnder("/mnt/vault/appdata/foo", "/mnt/vault"))
	assert.False(t, pathUnder("/mnt/vaultage", "/mnt/vault"))
}
