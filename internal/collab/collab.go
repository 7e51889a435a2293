// Package collab defines the collaborator interfaces consumed by the core:
// a disk-inventory service, a service-dependency probe, and an event
// emitter. The core only depends on these interfaces, wired in through
// constructor injection rather than imported directly. This package also
// carries standalone implementations (LocalDiskInventory, NoServiceProbe,
// NoopEmitter) for running without separate services.
package collab

import "context"

// DiskPowerStatus mirrors the three states the inventory service reports
// without waking a disk to determine them.
type DiskPowerStatus string

const (
	PowerActive  DiskPowerStatus = "active"
	PowerStandby DiskPowerStatus = "standby"
	PowerUnknown DiskPowerStatus = "unknown"
)

// Disk is one entry from DiskInventory.GetAllDisks.
type Disk struct {
	Device string
	Name   string
	Model  string
	Serial string
}

// EnhancedDiskType is the richer per-disk classification used by enrichment.
type EnhancedDiskType struct {
	Type       string
	Rotational bool
	Removable  bool
	USBInfo    string
}

// DiskInventoryOptions controls GetAllDisks' cost/behavior.
type DiskInventoryOptions struct {
	SkipStandby        bool
	IncludePerformance bool
}

// DiskInventory is the external disk-enumeration collaborator.
// Implementations must never wake a spun-down disk to answer any of these
// calls.
type DiskInventory interface {
	GetAllDisks(ctx context.Context, opts DiskInventoryOptions) ([]Disk, error)
	EnhancedDiskType(ctx context.Context, device string) (EnhancedDiskType, error)
	LivePowerStatus(ctx context.Context, device string) (DiskPowerStatus, error)
}

// ServicePaths is the set of filesystem paths a running service depends on.
type ServicePaths struct {
	Service string
	Paths   []string
}

// ServiceDependencyProbe reports whether container/VM/LXC runtimes hold
// paths under a pool.
type ServiceDependencyProbe interface {
	AllServiceStatus(ctx context.Context) ([]ServicePaths, error)
	DockerPaths(ctx context.Context) ([]string, error)
	VMPaths(ctx context.Context) ([]string, error)
	LXCPaths(ctx context.Context) ([]string, error)
}

// DiskController issues power-state transitions against a disk. Unlike
// DiskInventory, these calls are expected to affect the drive.
type DiskController interface {
	WakeDisk(ctx context.Context, device string) error
	StandbyDisk(ctx context.Context, device string) error
	SleepDisk(ctx context.Context, device string) error
}

// Emitter is the WebSocket event emitter collaborator; the core calls Emit
// on every manifest write with event "pools:updated".
type Emitter interface {
	Emit(event string, payload any)
}

// NoopEmitter discards events; used when no emitter is configured.
type NoopEmitter struct{}

func (NoopEmitter) Emit(string, any) {}
