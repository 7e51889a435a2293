package poolcfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBtrfsDefaultsRaidLevel(t *testing.T) {
	c, err := DecodeBtrfs(map[string]any{"encrypted": true})
	require.NoError(t, err)
	assert.Equal(t, "single", c.RaidLevel)
	assert.True(t, c.Encrypted)
}

func TestDecodeMergerFSNested(t *testing.T) {
	bag := map[string]any{
		"policies": map[string]any{"create": "mfs", "read": "ff", "search": "ff"},
		"sync": map[string]any{
			"enabled":  true,
			"schedule": "0 3 * * *",
			"check":    map[string]any{"enabled": true, "schedule": "0 4 * * 0"},
		},
	}

	c, err := DecodeMergerFS(bag)
	require.NoError(t, err)
	assert.Equal(t, "mfs", c.Policies.Create)
	assert.True(t, c.Sync.Enabled)
	assert.Equal(t, "0 4 * * 0", c.Sync.Check.Schedule)
}

func TestMinDevicesForRaidLevel(t *testing.T) {
	n, ok := MinDevicesForRaidLevel("raid10")
	require.True(t, ok)
	assert.Equal(t, 4, n)

	_, ok = MinDevicesForRaidLevel("raid6")
	assert.False(t, ok)
}
