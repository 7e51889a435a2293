package manifest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEmitter struct {
	events []string
}

func (r *recordingEmitter) Emit(event string, _ any) {
	r.events = append(r.events, event)
}

func TestLoadCreatesEmptyManifestWhenMissing(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "pools.json"), nil)

	pools, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, pools)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	emitter := &recordingEmitter{}
	store := New(filepath.Join(dir, "pools.json"), emitter)

	pool := Pool{
		ID:   "1700000000000",
		Name: "vault",
		Type: "ext4",
		DataDevices: []DeviceRef{
			{Slot: "1", ID: "AAAA-AAAA", Filesystem: "ext4"},
		},
	}

	require.NoError(t, store.Save([]Pool{pool}))
	assert.Equal(t, []string{"pools:updated"}, emitter.events)

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "vault", loaded[0].Name)
	assert.Equal(t, "AAAA-AAAA", loaded[0].DataDevices[0].ID)
}

func TestMutateAbortsOnError(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "pools.json"), nil)

	_, err := store.Mutate(func(pools []Pool) ([]Pool, error) {
		return nil, assert.AnError
	})
	assert.Error(t, err)

	pools, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, pools)
}

func TestFindByNameAndID(t *testing.T) {
	pools := []Pool{{ID: "1", Name: "a"}, {ID: "2", Name: "b"}}

	p, ok := FindByName(pools, "b")
	require.True(t, ok)
	assert.Equal(t, "2", p.ID)

	_, ok = FindByID(pools, "missing")
	assert.False(t, ok)
}
