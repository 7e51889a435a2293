package parity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, pool, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, pool+".conf"), []byte(body), 0o644))
}

func TestResolveFixDisksScopedToTwoBranches(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "media", strings.Join([]string{
		"parity   /var/snapraid/media/parity1/.snapraid.parity",
		"content  /var/mergerfs/media/disk1/.snapraid",
		"data d1  /var/mergerfs/media/disk1",
		"data d2  /var/mergerfs/media/disk3",
		"data d3  /var/mergerfs/media/disk5",
		"data d4  /var/mergerfs/media/disk7",
	}, "\n"))

	r := NewSnapRAIDRunner(t.TempDir(), dir)

	ids, err := r.ResolveFixDisks("media", []string{"/var/mergerfs/media/disk3", "/var/mergerfs/media/disk7"})
	require.NoError(t, err)
	assert.Equal(t, []string{"d2", "d4"}, ids)
}

func TestResolveFixDisksFailsHardOnUnknownMountPoint(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "media", "data d1  /var/mergerfs/media/disk1\n")

	r := NewSnapRAIDRunner(t.TempDir(), dir)

	_, err := r.ResolveFixDisks("media", []string{"/var/mergerfs/media/disk9"})
	assert.Error(t, err)
}

func TestStatusParsesProgressLine(t *testing.T) {
	socketDir := t.TempDir()
	line := "52%, 27524348 MB, 519 MB/s, 495 stripe/s, CPU 18%, 11:04 ETA\n"
	require.NoError(t, os.WriteFile(filepath.Join(socketDir, "media.socket"), []byte(line), 0o644))

	r := NewSnapRAIDRunner(socketDir, t.TempDir())

	p, err := r.Status("media")
	require.NoError(t, err)
	assert.Equal(t, "running", p.State)
	assert.Equal(t, 52, p.Percent)
	assert.Equal(t, "519 MB/s", p.Speed)
	assert.Equal(t, "11:04", p.ETA)
}

func TestStatusPreparingBeforeFirstProgressLine(t *testing.T) {
	socketDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(socketDir, "media.socket"), []byte(""), 0o644))

	r := NewSnapRAIDRunner(socketDir, t.TempDir())

	p, err := r.Status("media")
	require.NoError(t, err)
	assert.Equal(t, "preparing", p.State)
}

func TestIsRunningReflectsSocketPresence(t *testing.T) {
	socketDir := t.TempDir()
	r := NewSnapRAIDRunner(socketDir, t.TempDir())
	assert.False(t, r.IsRunning("media"))

	require.NoError(t, os.WriteFile(filepath.Join(socketDir, "media.socket"), []byte(""), 0o644))
	assert.True(t, r.IsRunning("media"))
}
