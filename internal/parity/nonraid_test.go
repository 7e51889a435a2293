package parity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStat(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "nmdstat")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestReadStatusParsesFields(t *testing.T) {
	dir := t.TempDir()
	path := writeStat(t, dir, "mdResyncAction=\"recon P\"\nmdResyncPos=1000\nmdResyncDt=10\nmdResyncDb=500\nmdResyncSize=2000\nsbSyncExit=0\nrdevStatus.0=\"DISK_OK\"\nrdevStatus.1=\"DISK_NP\"\n")

	d := &NonRaidDriver{StatPath: path}
	st, err := d.ReadStatus()
	require.NoError(t, err)
	assert.Equal(t, "recon P", st.ResyncAction)
	assert.EqualValues(t, 1000, st.ResyncPos)
	assert.True(t, st.IsRunning())
	assert.True(t, st.ParityValid())
}

func TestParityValidInvalidatedByBadDiskStatus(t *testing.T) {
	st := Status{DiskStatus: map[int]string{0: "DISK_OK", 1: "DISK_DSBL"}}
	assert.False(t, st.ParityValid())
}

func TestIsPausedAndCancelled(t *testing.T) {
	paused := Status{SyncExit: -4, ResyncPos: 50}
	assert.True(t, paused.IsPaused())
	assert.False(t, paused.IsCancelled())

	cancelled := Status{SyncExit: -4, ResyncPos: 0}
	assert.True(t, cancelled.IsCancelled())
	assert.False(t, cancelled.IsPaused())
}

func TestProgressDerivation(t *testing.T) {
	st := Status{ResyncPos: 500, ResyncSize: 1000, ResyncDt: 1, ResyncDb: 10, ResyncAction: "recon P"}
	p := st.Progress()
	assert.Equal(t, 50, p.Percent)
	assert.InDelta(t, 10240, p.SpeedBytes, 0.001)
	assert.Equal(t, "recon P", p.Description)
	assert.NotEmpty(t, p.ETA)
}

func TestFormatETA(t *testing.T) {
	assert.Equal(t, "1:05", formatETA(65))
	assert.Equal(t, "1:01:05", formatETA(3665))
}
