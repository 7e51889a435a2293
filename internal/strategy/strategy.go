// Package strategy implements a polymorphic abstraction over {Plain, Luks}
// device backends that prepares physical devices into DeviceContexts
// exposing operational/physical paths, UUIDs, and cleanup: a small set of
// concrete variants behind a shared interface rather than an inheritance
// hierarchy.
package strategy

import (
	"context"
	"fmt"

	"github.com/blockpool/poolmgr/internal/blockdev"
	"github.com/blockpool/poolmgr/internal/crypto"
	"github.com/blockpool/poolmgr/internal/poolerr"
)

// DeviceContext is one prepared device, ready for formatting/mounting.
type DeviceContext struct {
	Slot string
	// OperationalPath is what gets formatted/mounted: the raw partition for
	// Plain, the opened mapper's formatted-partition path for Luks.
	OperationalPath string
	// PhysicalPath is the underlying partition, always the raw device.
	PhysicalPath string
}

// PrepareInput is one device to prepare, already resolved to a partition
// path by the caller's format/import handling.
type PrepareInput struct {
	Slot string
	Path string // partition path
}

// Strategy is the shared interface every device backend implements.
type Strategy interface {
	// PrepareDevices partitions/opens devices and returns one DeviceContext
	// per input, in the same order.
	PrepareDevices(ctx context.Context, pool string, inputs []PrepareInput, opts PrepareOptions) ([]DeviceContext, error)
	// UUID returns the identifier to persist in DeviceRef.id for dc.
	UUID(ctx context.Context, dc DeviceContext) (string, error)
	// Cleanup tears down whatever PrepareDevices acquired (closes LUKS
	// mappers) for dcs under role. Safe to call on a partial/empty slice.
	Cleanup(ctx context.Context, pool string, dcs []DeviceContext, role crypto.Role)
}

// PrepareOptions configures a PrepareDevices call.
type PrepareOptions struct {
	Role            crypto.Role
	Passphrase      string
	CreateKeyfile   bool
	KeyfilePath     string
	// PartUUID requests PARTUUID identifiers instead of filesystem UUID,
	// for encrypted BTRFS data devices.
	PartUUID bool
}

// Plain is the unencrypted strategy: operational path equals physical path.
type Plain struct {
	Primitives *blockdev.Primitives
}

var _ Strategy = (*Plain)(nil)

func (p *Plain) PrepareDevices(ctx context.Context, pool string, inputs []PrepareInput, _ PrepareOptions) ([]DeviceContext, error) {
	dcs := make([]DeviceContext, 0, len(inputs))
	for _, in := range inputs {
		dcs = append(dcs, DeviceContext{Slot: in.Slot, OperationalPath: in.Path, PhysicalPath: in.Path})
	}

	return dcs, nil
}

func (p *Plain) UUID(ctx context.Context, dc DeviceContext) (string, error) {
	return p.Primitives.GetDeviceUUID(ctx, dc.PhysicalPath)
}

func (p *Plain) Cleanup(ctx context.Context, pool string, dcs []DeviceContext, role crypto.Role) {
	// Nothing was acquired beyond the partition itself.
}

// Luks is the encrypted strategy: operational path is the opened mapper's
// formatted-partition device, physical path is the underlying partition.
type Luks struct {
	Primitives *blockdev.Primitives
	Backend    *crypto.Backend
}

var _ Strategy = (*Luks)(nil)

func (l *Luks) PrepareDevices(ctx context.Context, pool string, inputs []PrepareInput, opts PrepareOptions) ([]DeviceContext, error) {
	passphrase, err := crypto.EnsureKeyfile(opts.KeyfilePath, opts.Passphrase, opts.CreateKeyfile)
	if err != nil {
		return nil, err
	}

	byDevice := make(map[string]string, len(inputs))
	for _, in := range inputs {
		byDevice[in.Slot] = in.Path
	}

	needFormat := make([]string, 0, len(inputs))
	for _, in := range inputs {
		needFormat = append(needFormat, in.Path)
	}

	if err := l.Backend.Format(ctx, needFormat, passphrase); err != nil {
		return nil, err
	}

	mappers, err := l.Backend.OpenWithSlots(ctx, pool, byDevice, passphrase, opts.Role)
	if err != nil {
		return nil, err
	}

	dcs := make([]DeviceContext, 0, len(inputs))
	for _, in := range inputs {
		mapper, ok := mappers[in.Slot]
		if !ok {
			return dcs, poolerr.Subsystem("cryptsetup", fmt.Errorf("no mapper opened for slot %s", in.Slot))
		}

		dcs = append(dcs, DeviceContext{
			Slot:            in.Slot,
			OperationalPath: mapper.PartitionPath,
			PhysicalPath:    in.Path,
		})
	}

	return dcs, nil
}

func (l *Luks) UUID(ctx context.Context, dc DeviceContext) (string, error) {
	return l.Primitives.GetDevicePartUUID(ctx, dc.PhysicalPath)
}

func (l *Luks) Cleanup(ctx context.Context, pool string, dcs []DeviceContext, role crypto.Role) {
	slots := make([]string, 0, len(dcs))
	for _, dc := range dcs {
		slots = append(slots, dc.Slot)
	}

	if len(slots) == 0 {
		return
	}

	_ = l.Backend.CloseWithSlots(ctx, pool, slots, role)
}

// Select returns the Plain or Luks strategy for a pool based on
// config.encrypted.
func Select(encrypted bool, primitives *blockdev.Primitives, backend *crypto.Backend) Strategy {
	if encrypted {
		return &Luks{Primitives: primitives, Backend: backend}
	}

	return &Plain{Primitives: primitives}
}
