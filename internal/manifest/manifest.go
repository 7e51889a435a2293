// Package manifest loads and saves the JSON pool list at a single
// authoritative path, stripping
// derived fields before write, and emitting pools:updated on every write.
package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/blockpool/poolmgr/internal/collab"
	"github.com/blockpool/poolmgr/internal/poolerr"
)

// DeviceRef is one entry in Pool.DataDevices or Pool.ParityDevices.
type DeviceRef struct {
	Slot       string `json:"slot"`
	ID         string `json:"id"`
	Filesystem string `json:"filesystem,omitempty"`
	Spindown   int    `json:"spindown,omitempty"`
}

// Pool is the persisted representation. Derived fields never appear
// here; a separate reconcile.RuntimePool carries those as distinct types,
// not one struct with fields stripped on write.
type Pool struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Index         int            `json:"index"`
	Comment       string         `json:"comment,omitempty"`
	Automount     bool           `json:"automount"`
	Type          string         `json:"type"`
	DataDevices   []DeviceRef    `json:"data_devices"`
	ParityDevices []DeviceRef    `json:"parity_devices,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
	Devices       []string       `json:"devices,omitempty"` // encrypted pools only: physical partition paths at creation time
}

// Clone returns a deep-enough copy of p safe to mutate independently.
func (p Pool) Clone() Pool {
	out := p
	out.DataDevices = append([]DeviceRef(nil), p.DataDevices...)
	out.ParityDevices = append([]DeviceRef(nil), p.ParityDevices...)
	out.Devices = append([]string(nil), p.Devices...)

	if p.Config != nil {
		out.Config = make(map[string]any, len(p.Config))
		for k, v := range p.Config {
			out.Config[k] = v
		}
	}

	return out
}

// Store is the JSON-array-backed manifest store at path, guarded by a
// process-wide mutex serializing read-modify-write sequences.
type Store struct {
	path    string
	mu      sync.Mutex
	emitter collab.Emitter
}

// New constructs a Store at path. If emitter is nil, events are discarded.
func New(path string, emitter collab.Emitter) *Store {
	if emitter == nil {
		emitter = collab.NoopEmitter{}
	}

	return &Store{path: path, emitter: emitter}
}

// Load reads the manifest, creating it as `[]` if missing.
func (s *Store) Load() ([]Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadLocked()
}

func (s *Store) loadLocked() ([]Pool, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		if werr := s.writeLocked(nil); werr != nil {
			return nil, werr
		}

		return nil, nil
	}

	if err != nil {
		return nil, poolerr.Subsystem("manifest read", err)
	}

	var pools []Pool
	if err := json.Unmarshal(data, &pools); err != nil {
		return nil, poolerr.Integrity("manifest JSON parse failed: %s", err)
	}

	return pools, nil
}

// writeLocked serializes pools to disk and emits pools:updated. Callers must
// hold s.mu.
func (s *Store) writeLocked(pools []Pool) error {
	if pools == nil {
		pools = []Pool{}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return poolerr.Subsystem("manifest write", err)
	}

	data, err := json.MarshalIndent(pools, "", "  ")
	if err != nil {
		return poolerr.Integrity("manifest marshal failed: %s", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return poolerr.Subsystem("manifest write", err)
	}

	// Atomic rename: a reader never observes a partially written manifest
	//.
	if err := os.Rename(tmp, s.path); err != nil {
		return poolerr.Subsystem("manifest write", err)
	}

	s.emitter.Emit("pools:updated", pools)

	return nil
}

// Save overwrites the manifest with pools, after stripping fields that are
// never persisted (this package's Pool type has no derived fields to begin
// with, so Save here is the strip — the caller's reconcile.RuntimePool
// simply isn't accepted by this signature).
func (s *Store) Save(pools []Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writeLocked(pools)
}

// Mutate loads the manifest, applies fn to a mutable copy, and saves the
// result, all under the store's lock — the single-writer read-modify-write
// sequence every mutation needs. fn returning an error aborts the write.
func (s *Store) Mutate(fn func(pools []Pool) ([]Pool, error)) ([]Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pools, err := s.loadLocked()
	if err != nil {
		return nil, err
	}

	updated, err := fn(pools)
	if err != nil {
		return nil, err
	}

	if err := s.writeLocked(updated); err != nil {
		return nil, err
	}

	return updated, nil
}

// FindByID returns the pool with the given id, or ok=false.
func FindByID(pools []Pool, id string) (Pool, bool) {
	for _, p := range pools {
		if p.ID == id {
			return p, true
		}
	}

	return Pool{}, false
}

// FindByName returns the pool with the given name, or ok=false.
func FindByName(pools []Pool, name string) (Pool, bool) {
	for _, p := range pools {
		if p.Name == name {
			return p, true
		}
	}

	return Pool{}, false
}
